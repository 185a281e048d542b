// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expr

import "math"

// RPN lowering. A compiled program is one flat []int32: a non-negative
// entry pushes the leaf value at that slot, a negative entry applies the
// encoded operator to the top of the stack. Postfix encoding removes node
// dispatch and tree traversal from the per-iteration evaluation loop; the
// residual and Jacobian programs of a network with tens of thousands of
// elements run every Newton iteration, the tree walk runs once.
//
// The scratch stack a program needs is bounded by its length, so one stack
// sized to the longest program in the model serves every program.

// Program is a compiled postfix instruction sequence.
type Program struct {
	code []int32
}

// Len returns the instruction count, which also bounds the stack depth
// required to run the program.
func (p Program) Len() int { return len(p.code) }

// program opcodes: pushes are leaf slots encoded as-is, operations are
// encoded as -(opcode+1).
func encode(op opcode) int32 { return -int32(op) - 1 }

// Compile lowers n into a Program evaluable against the graph's leaf table.
// Affine nodes lower to fused coefficient-multiply-accumulate sequences;
// coefficients and constants are interned as literal leaves.
func (g *Graph) Compile(n Node) Program {
	if n.g != g {
		panic("expr: node from different graph")
	}
	var p Program
	g.lower(n.id, &p)
	return p
}

func (p *Program) emit(c int32) { p.code = append(p.code, c) }

func (g *Graph) lower(id int32, p *Program) {
	r := g.rec(id)
	switch r.kind {
	case kindVar, kindParam, kindLiteral:
		p.emit(r.slot)
	case kindAffine:
		g.lowerAffine(r.aff, p)
	case kindUnary:
		g.lower(r.l, p)
		p.emit(encode(r.op))
	default:
		g.lower(r.l, p)
		g.lower(r.r, p)
		p.emit(encode(r.op))
	}
}

func (g *Graph) lowerAffine(aff int32, p *Program) {
	a := &g.affs[aff]

	// Seed the accumulator with the constant, or with the first term when
	// the constant is zero, then fold the remaining terms in.
	rest := a.term
	coef := a.coeff
	if a.constant != 0 || len(rest) == 0 {
		p.emit(g.rec(g.Literal(a.constant).id).slot)
	} else {
		g.lowerTerm(coef[0], rest[0], p, true)
		rest, coef = rest[1:], coef[1:]
	}
	for i, t := range rest {
		g.lowerTerm(coef[i], t, p, false)
	}
}

// lowerTerm emits coeff·term and folds it into the accumulator.
// When seed is true the term initializes the accumulator instead.
func (g *Graph) lowerTerm(coeff float64, term int32, p *Program, seed bool) {
	g.lower(term, p)
	switch {
	case coeff == 1:
		if !seed {
			p.emit(encode(opAdd))
		}
	case coeff == -1:
		if seed {
			p.emit(encode(opNeg))
		} else {
			p.emit(encode(opSub))
		}
	default:
		p.emit(g.rec(g.Literal(coeff).id).slot)
		p.emit(encode(opMul))
		if !seed {
			p.emit(encode(opAdd))
		}
	}
}

// Run executes the program against the graph's current leaf table.
// stack must be at least p.Len() long; it is scratch only and carries no
// state between calls, so distinct goroutines may run distinct stacks
// against the same (unchanging) leaf table concurrently.
func (g *Graph) Run(p Program, stack []float64) float64 {
	leaves := g.leaves
	sp := 0
	for _, c := range p.code {
		if c >= 0 {
			stack[sp] = leaves[c]
			sp++
			continue
		}
		switch opcode(-c - 1) {
		case opAdd:
			sp--
			stack[sp-1] += stack[sp]
		case opSub:
			sp--
			stack[sp-1] -= stack[sp]
		case opMul:
			sp--
			stack[sp-1] *= stack[sp]
		case opDiv:
			sp--
			stack[sp-1] /= stack[sp]
		case opPow:
			sp--
			stack[sp-1] = math.Pow(stack[sp-1], stack[sp])
		case opNeg:
			stack[sp-1] = -stack[sp-1]
		case opExp:
			stack[sp-1] = math.Exp(stack[sp-1])
		case opLog:
			stack[sp-1] = math.Log(stack[sp-1])
		case opAbs:
			stack[sp-1] = math.Abs(stack[sp-1])
		case opSign:
			if v := stack[sp-1]; v > 0 {
				stack[sp-1] = 1
			} else if v < 0 {
				stack[sp-1] = -1
			} else {
				stack[sp-1] = 0
			}
		case opSin:
			stack[sp-1] = math.Sin(stack[sp-1])
		case opCos:
			stack[sp-1] = math.Cos(stack[sp-1])
		case opTan:
			stack[sp-1] = math.Tan(stack[sp-1])
		case opAsin:
			stack[sp-1] = math.Asin(stack[sp-1])
		case opAcos:
			stack[sp-1] = math.Acos(stack[sp-1])
		case opAtan:
			stack[sp-1] = math.Atan(stack[sp-1])
		}
	}
	return stack[0]
}
