// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expr

// Build-time sparsity predicates. Both are structural: they may report a
// dependence (or curvature) that evaluates to zero at a particular point,
// but they never miss one that can be nonzero. The Jacobian and Hessian
// patterns derived from them are therefore supersets of the true patterns.

// DependsOn reports whether the value of n can change when the Var leaf v
// changes. v must be a Var leaf.
func (g *Graph) DependsOn(n, v Node) bool {
	if n.g != g || v.g != g {
		panic("expr: node from different graph")
	}
	if !v.IsVar() {
		panic("expr: dependence target is not a Var")
	}
	return g.depends(n.id, g.rec(v.id).slot)
}

func (g *Graph) depends(id, slot int32) bool {
	r := g.rec(id)
	switch r.kind {
	case kindVar:
		return r.slot == slot
	case kindParam, kindLiteral:
		return false
	case kindAffine:
		a := &g.affs[r.aff]
		for i, t := range a.term {
			if a.coeff[i] != 0 && g.depends(t, slot) {
				return true
			}
		}
		return false
	case kindUnary:
		return g.depends(r.l, slot)
	default:
		return g.depends(r.l, slot) || g.depends(r.r, slot)
	}
}

// Vars returns every Var leaf the expression n structurally depends on,
// ordered by leaf creation order. The order is what makes compiled
// derivative tables and CSR columns stable across rebuilds.
func (g *Graph) Vars(n Node) []Node {
	if n.g != g {
		panic("expr: node from different graph")
	}
	seen := make(map[int32]Node)
	g.collectVars(n.id, seen)
	out := make([]Node, 0, len(seen))
	for id := int32(0); id < int32(len(g.nodes)) && len(out) < len(seen); id++ {
		if v, ok := seen[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) collectVars(id int32, seen map[int32]Node) {
	r := g.rec(id)
	switch r.kind {
	case kindVar:
		seen[id] = Node{g, id}
	case kindParam, kindLiteral:
	case kindAffine:
		a := &g.affs[r.aff]
		for i, t := range a.term {
			if a.coeff[i] != 0 {
				g.collectVars(t, seen)
			}
		}
	case kindUnary:
		g.collectVars(r.l, seen)
	default:
		g.collectVars(r.l, seen)
		g.collectVars(r.r, seen)
	}
}

// SecondPartialNonzero reports whether ∂²n/∂v1∂v2 may be nonzero.
// False positives are acceptable; false negatives are not: a pair reported
// false is guaranteed absent from the Hessian for every evaluation point.
func (g *Graph) SecondPartialNonzero(n, v1, v2 Node) bool {
	if n.g != g || v1.g != g || v2.g != g {
		panic("expr: node from different graph")
	}
	if !v1.IsVar() || !v2.IsVar() {
		panic("expr: curvature target is not a Var")
	}
	return g.curved(n.id, g.rec(v1.id).slot, g.rec(v2.id).slot)
}

func (g *Graph) curved(id, s1, s2 int32) bool {
	r := g.rec(id)
	switch r.kind {
	case kindVar, kindParam, kindLiteral:
		return false
	case kindAffine:
		a := &g.affs[r.aff]
		for i, t := range a.term {
			if a.coeff[i] != 0 && g.curved(t, s1, s2) {
				return true
			}
		}
		return false
	case kindUnary:
		switch r.op {
		case opNeg:
			return g.curved(r.l, s1, s2)
		case opSign:
			// d/dx sign(x) = 0 almost everywhere; treated as flat.
			return false
		case opAbs:
			// |u|'' = sign(u)·u'' up to the kink.
			return g.curved(r.l, s1, s2)
		default:
			// Nonlinear scalar map: any pair reaching the child curves.
			return g.depends(r.l, s1) && g.depends(r.l, s2)
		}
	default:
		switch r.op {
		case opMul:
			if g.curved(r.l, s1, s2) || g.curved(r.r, s1, s2) {
				return true
			}
			return (g.depends(r.l, s1) && g.depends(r.r, s2)) ||
				(g.depends(r.l, s2) && g.depends(r.r, s1))
		case opDiv:
			if !g.depends(r.r, s1) && !g.depends(r.r, s2) {
				return g.curved(r.l, s1, s2)
			}
			return (g.depends(r.l, s1) || g.depends(r.r, s1)) &&
				(g.depends(r.l, s2) || g.depends(r.r, s2))
		case opPow:
			if exp := (Node{g, r.r}); exp.isLiteral() {
				switch exp.litValue() {
				case 0:
					return false
				case 1:
					return g.curved(r.l, s1, s2)
				}
				return g.depends(r.l, s1) && g.depends(r.l, s2)
			}
			return (g.depends(r.l, s1) || g.depends(r.r, s1)) &&
				(g.depends(r.l, s2) || g.depends(r.r, s2))
		default:
			panic("expr: unknown binary op")
		}
	}
}
