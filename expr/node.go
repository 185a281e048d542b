// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package expr builds algebraic expression graphs over scalar decision
// variables and compiles them, together with their symbolic partial
// derivatives, into flat RPN programs for stack-machine evaluation.
//
// A Graph is an arena: every node lives in a slice and is addressed by a
// small Node handle. Leaves (Var, Param, Literal) are backed by one flat
// value table shared by all compiled programs, so re-pointing the model at
// a new trial point is a single vector write. Operator nodes are tagged
// variants dispatched on an operator enum; operators always return new
// handles and never mutate a node another expression may reference.
package expr

import "math"

type kind uint8

const (
	kindVar kind = iota
	kindParam
	kindLiteral
	kindUnary
	kindBinary
	kindAffine
)

// operator enum shared by construction, differentiation and RPN lowering.
type opcode uint8

const (
	opAdd opcode = iota
	opSub
	opMul
	opDiv
	opPow
	opNeg
	opExp
	opLog
	opAbs
	opSign
	opSin
	opCos
	opTan
	opAsin
	opAcos
	opAtan
)

// record is one arena entry. Leaves use slot, operator nodes use l/r,
// affine nodes use aff to index the side table of term lists.
type record struct {
	kind kind
	op   opcode
	slot int32 // leaf value-table slot
	l, r int32 // child node ids
	aff  int32 // affine side-table index
}

// affineSum is ∑ coeff[i]·term[i] + constant with compile-time coefficients.
// It replaces left-leaning binary addition chains so mass-balance rows over
// many pipes stay one node deep.
type affineSum struct {
	constant float64
	coeff    []float64
	term     []int32
}

// Graph is an arena of expression nodes plus the shared leaf value table.
// Construction is not safe for concurrent use; evaluation of built
// expressions only reads the graph and the leaf table.
type Graph struct {
	nodes  []record
	affs   []affineSum
	leaves []float64
	lkind  []kind
	lits   map[float64]Node
}

// NewGraph returns an empty expression arena.
func NewGraph() *Graph {
	return &Graph{lits: make(map[float64]Node)}
}

// Node is a handle into a Graph. The zero Node is invalid.
type Node struct {
	g  *Graph
	id int32
}

// Valid reports whether the handle refers to a node.
func (n Node) Valid() bool { return n.g != nil }

func (g *Graph) rec(id int32) *record { return &g.nodes[id] }

func (g *Graph) push(r record) Node {
	g.nodes = append(g.nodes, r)
	return Node{g, int32(len(g.nodes) - 1)}
}

func (g *Graph) newLeaf(k kind, value float64) Node {
	g.leaves = append(g.leaves, value)
	g.lkind = append(g.lkind, k)
	return g.push(record{kind: k, slot: int32(len(g.leaves) - 1)})
}

// Var creates a decision-variable leaf with the given initial value.
// Var leaves are the only leaves a solver is allowed to mutate.
func (g *Graph) Var(value float64) Node { return g.newLeaf(kindVar, value) }

// Param creates an exogenous-parameter leaf. Params may be rewritten
// between solves but are invisible to the solver.
func (g *Graph) Param(value float64) Node { return g.newLeaf(kindParam, value) }

// Literal creates (or reuses) a compile-time constant leaf.
func (g *Graph) Literal(value float64) Node {
	if n, ok := g.lits[value]; ok {
		return n
	}
	n := g.newLeaf(kindLiteral, value)
	g.lits[value] = n
	return n
}

// IsVar reports whether n is a decision-variable leaf.
func (n Node) IsVar() bool { return n.g.rec(n.id).kind == kindVar }

// IsLeaf reports whether n is a Var, Param or Literal.
func (n Node) IsLeaf() bool { return n.g.rec(n.id).kind <= kindLiteral }

func (n Node) isLiteral() bool { return n.g.rec(n.id).kind == kindLiteral }

func (n Node) litValue() float64 { return n.g.leaves[n.g.rec(n.id).slot] }

// Value returns the current value of a leaf node.
// It panics when n is an operator node.
func (n Node) Value() float64 {
	r := n.g.rec(n.id)
	if r.kind > kindLiteral {
		panic("expr: value of non-leaf node")
	}
	return n.g.leaves[r.slot]
}

// SetValue overwrites the value of a Var or Param leaf.
// It panics for literals and operator nodes.
func (n Node) SetValue(v float64) {
	r := n.g.rec(n.id)
	if r.kind > kindParam {
		panic("expr: set value of non-mutable node")
	}
	n.g.leaves[r.slot] = v
}

// Leaves exposes the shared leaf value table for program evaluation.
// Callers must not resize it and must not write it while any evaluation
// is in flight.
func (g *Graph) Leaves() []float64 { return g.leaves }

// Eval computes the value of n against the current leaf table by direct
// tree traversal. The result depends only on Var/Param values reachable
// from n. Compiled programs (see Compile) are the hot-path equivalent.
func (g *Graph) Eval(n Node) float64 {
	return g.eval(n.id)
}

func (g *Graph) eval(id int32) float64 {
	r := g.rec(id)
	switch r.kind {
	case kindVar, kindParam, kindLiteral:
		return g.leaves[r.slot]
	case kindAffine:
		a := &g.affs[r.aff]
		v := a.constant
		for i, t := range a.term {
			v += a.coeff[i] * g.eval(t)
		}
		return v
	case kindUnary:
		return applyUnary(r.op, g.eval(r.l))
	default:
		return applyBinary(r.op, g.eval(r.l), g.eval(r.r))
	}
}

func applyUnary(op opcode, x float64) float64 {
	switch op {
	case opNeg:
		return -x
	case opExp:
		return math.Exp(x)
	case opLog:
		return math.Log(x)
	case opAbs:
		return math.Abs(x)
	case opSign:
		if x > 0 {
			return 1
		} else if x < 0 {
			return -1
		}
		return 0
	case opSin:
		return math.Sin(x)
	case opCos:
		return math.Cos(x)
	case opTan:
		return math.Tan(x)
	case opAsin:
		return math.Asin(x)
	case opAcos:
		return math.Acos(x)
	case opAtan:
		return math.Atan(x)
	}
	panic("expr: unknown unary op")
}

func applyBinary(op opcode, l, r float64) float64 {
	switch op {
	case opAdd:
		return l + r
	case opSub:
		return l - r
	case opMul:
		return l * r
	case opDiv:
		return l / r
	case opPow:
		return math.Pow(l, r)
	}
	panic("expr: unknown binary op")
}
