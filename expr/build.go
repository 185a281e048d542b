// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expr

// The construction DSL. Every operator returns a new handle; no node is
// mutated once another expression may reference it. Additive operators are
// flattened into affine-sum nodes at construction time, and literal operands
// fold into coefficients and constants, so the common "sum of many signed
// flow terms" constraint shape compiles to one wide node instead of a deep
// binary chain.

func (n Node) sameGraph(o Node) {
	if n.g != o.g {
		panic("expr: operands from different graphs")
	}
}

// terms appends the affine decomposition of n to the accumulator:
// an affine node contributes its scaled term list and constant, a literal
// contributes only to the constant, anything else is a single term.
func (n Node) terms(scale float64, a *affineSum) {
	r := n.g.rec(n.id)
	switch r.kind {
	case kindLiteral:
		a.constant += scale * n.g.leaves[r.slot]
	case kindAffine:
		src := &n.g.affs[r.aff]
		a.constant += scale * src.constant
		for i, t := range src.term {
			a.coeff = append(a.coeff, scale*src.coeff[i])
			a.term = append(a.term, t)
		}
	default:
		a.coeff = append(a.coeff, scale)
		a.term = append(a.term, n.id)
	}
}

func (g *Graph) affineNode(a affineSum) Node {
	if len(a.term) == 0 {
		return g.Literal(a.constant)
	}
	if len(a.term) == 1 && a.constant == 0 && a.coeff[0] == 1 {
		return Node{g, a.term[0]}
	}
	g.affs = append(g.affs, a)
	return g.push(record{kind: kindAffine, aff: int32(len(g.affs) - 1)})
}

// Add returns n + o.
func (n Node) Add(o Node) Node {
	n.sameGraph(o)
	var a affineSum
	n.terms(1, &a)
	o.terms(1, &a)
	return n.g.affineNode(a)
}

// Sub returns n - o.
func (n Node) Sub(o Node) Node {
	n.sameGraph(o)
	var a affineSum
	n.terms(1, &a)
	o.terms(-1, &a)
	return n.g.affineNode(a)
}

// Mul returns n * o. Multiplication by a literal stays affine.
func (n Node) Mul(o Node) Node {
	n.sameGraph(o)
	if o.isLiteral() {
		return n.scale(o.litValue())
	}
	if n.isLiteral() {
		return o.scale(n.litValue())
	}
	return n.g.push(record{kind: kindBinary, op: opMul, l: n.id, r: o.id})
}

// Div returns n / o. Division by a literal stays affine.
func (n Node) Div(o Node) Node {
	n.sameGraph(o)
	if o.isLiteral() {
		return n.scale(1 / o.litValue())
	}
	return n.g.push(record{kind: kindBinary, op: opDiv, l: n.id, r: o.id})
}

// Pow returns n ^ o.
func (n Node) Pow(o Node) Node {
	n.sameGraph(o)
	if o.isLiteral() {
		switch o.litValue() {
		case 0:
			return n.g.Literal(1)
		case 1:
			return n
		}
	}
	return n.g.push(record{kind: kindBinary, op: opPow, l: n.id, r: o.id})
}

func (n Node) scale(c float64) Node {
	var a affineSum
	n.terms(c, &a)
	return n.g.affineNode(a)
}

// AddFloat returns n + c.
func (n Node) AddFloat(c float64) Node { return n.Add(n.g.Literal(c)) }

// SubFloat returns n - c.
func (n Node) SubFloat(c float64) Node { return n.Add(n.g.Literal(-c)) }

// MulFloat returns c * n.
func (n Node) MulFloat(c float64) Node { return n.scale(c) }

// DivFloat returns n / c.
func (n Node) DivFloat(c float64) Node { return n.scale(1 / c) }

// PowFloat returns n ^ c.
func (n Node) PowFloat(c float64) Node { return n.Pow(n.g.Literal(c)) }

// Sum folds any number of nodes into a single affine node.
func Sum(nodes ...Node) Node {
	if len(nodes) == 0 {
		panic("expr: empty sum")
	}
	var a affineSum
	g := nodes[0].g
	for _, n := range nodes {
		if n.g != g {
			panic("expr: operands from different graphs")
		}
		n.terms(1, &a)
	}
	return g.affineNode(a)
}

func unary(op opcode, n Node) Node {
	return n.g.push(record{kind: kindUnary, op: op, l: n.id})
}

// Neg returns -n.
func Neg(n Node) Node { return n.scale(-1) }

// Exp returns eⁿ.
func Exp(n Node) Node { return unary(opExp, n) }

// Log returns the natural logarithm of n.
func Log(n Node) Node { return unary(opLog, n) }

// Abs returns |n|.
func Abs(n Node) Node { return unary(opAbs, n) }

// Sign returns -1, 0 or 1 matching the sign of n.
func Sign(n Node) Node { return unary(opSign, n) }

// Sin returns sin(n).
func Sin(n Node) Node { return unary(opSin, n) }

// Cos returns cos(n).
func Cos(n Node) Node { return unary(opCos, n) }

// Tan returns tan(n).
func Tan(n Node) Node { return unary(opTan, n) }

// Asin returns arcsin(n).
func Asin(n Node) Node { return unary(opAsin, n) }

// Acos returns arccos(n).
func Acos(n Node) Node { return unary(opAcos, n) }

// Atan returns arctan(n).
func Atan(n Node) Node { return unary(opAtan, n) }
