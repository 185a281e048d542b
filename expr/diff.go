// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expr

// Symbolic differentiation. Derivatives are ordinary nodes in the same
// arena, built once at structure time and lowered to RPN alongside the
// value programs. Construction-time folding keeps the derivative programs
// short: zero and one literals collapse through the affine builders, so a
// derivative that is identically zero comes back as the zero literal and
// can be pruned from the Jacobian pattern.

// Derivative returns ∂n/∂v as a new expression. v must be a Var leaf.
func (g *Graph) Derivative(n, v Node) Node {
	if n.g != g || v.g != g {
		panic("expr: node from different graph")
	}
	if !v.IsVar() {
		panic("expr: derivative target is not a Var")
	}
	return g.diff(n.id, g.rec(v.id).slot)
}

// IsZero reports whether n folded to the zero literal, i.e. the expression
// is identically zero regardless of leaf values.
func (n Node) IsZero() bool { return n.isLiteral() && n.litValue() == 0 }

func (g *Graph) diff(id, slot int32) Node {
	r := g.rec(id)
	switch r.kind {
	case kindVar:
		if r.slot == slot {
			return g.Literal(1)
		}
		return g.Literal(0)
	case kindParam, kindLiteral:
		return g.Literal(0)
	case kindAffine:
		src := &g.affs[r.aff]
		var a affineSum
		for i, t := range src.term {
			if src.coeff[i] == 0 {
				continue
			}
			if d := g.diff(t, slot); !d.IsZero() {
				d.terms(src.coeff[i], &a)
			}
		}
		return g.affineNode(a)
	case kindUnary:
		return g.diffUnary(r, slot)
	default:
		return g.diffBinary(r, slot)
	}
}

func (g *Graph) diffUnary(r *record, slot int32) Node {
	u := Node{g, r.l}
	du := g.diff(r.l, slot)
	if du.IsZero() {
		return du
	}
	switch r.op {
	case opNeg:
		return Neg(du)
	case opExp:
		return mulSimp(Exp(u), du)
	case opLog:
		return divSimp(du, u)
	case opAbs:
		return mulSimp(Sign(u), du)
	case opSign:
		// Flat almost everywhere; the kink is a branch-selection concern,
		// not a derivative one.
		return g.Literal(0)
	case opSin:
		return mulSimp(Cos(u), du)
	case opCos:
		return Neg(mulSimp(Sin(u), du))
	case opTan:
		c := Cos(u)
		return divSimp(du, c.Mul(c))
	case opAsin:
		return mulSimp(oneMinusSquare(u).PowFloat(-0.5), du)
	case opAcos:
		return Neg(mulSimp(oneMinusSquare(u).PowFloat(-0.5), du))
	case opAtan:
		return divSimp(du, u.Mul(u).AddFloat(1))
	}
	panic("expr: unknown unary op")
}

func oneMinusSquare(u Node) Node {
	return u.g.Literal(1).Sub(u.Mul(u))
}

func (g *Graph) diffBinary(r *record, slot int32) Node {
	l, rr := Node{g, r.l}, Node{g, r.r}
	dl, dr := g.diff(r.l, slot), g.diff(r.r, slot)
	switch r.op {
	case opMul:
		// (l·r)' = l'·r + l·r'
		return mulSimp(dl, rr).Add(mulSimp(l, dr))
	case opDiv:
		// (l/r)' = l'/r - l·r'/r²
		if dr.IsZero() {
			return divSimp(dl, rr)
		}
		return divSimp(dl, rr).Sub(divSimp(mulSimp(l, dr), rr.Mul(rr)))
	case opPow:
		if rr.isLiteral() {
			// (lᶜ)' = c·lᶜ⁻¹·l'
			c := rr.litValue()
			return mulSimp(l.PowFloat(c-1).MulFloat(c), dl)
		}
		// lʳ·(r'·log l + r·l'/l)
		inner := mulSimp(dr, Log(l)).Add(divSimp(mulSimp(rr, dl), l))
		return mulSimp(l.Pow(rr), inner)
	default:
		panic("expr: unknown binary op")
	}
}

// mulSimp folds multiplications by the 0 and 1 literals.
func mulSimp(a, b Node) Node {
	if a.IsZero() || b.IsZero() {
		return a.g.Literal(0)
	}
	if a.isLiteral() && a.litValue() == 1 {
		return b
	}
	if b.isLiteral() && b.litValue() == 1 {
		return a
	}
	return a.Mul(b)
}

// divSimp folds a zero numerator and a unit denominator.
func divSimp(a, b Node) Node {
	if a.IsZero() {
		return a
	}
	if b.isLiteral() && b.litValue() == 1 {
		return a
	}
	return a.Div(b)
}
