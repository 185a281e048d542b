// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"sort"

	"github.com/hydrokit/aml/expr"
)

// pairKey is an unordered variable pair in lower-triangular order, hi ≥ lo.
type pairKey struct{ hi, lo int }

// row is the common contract of Constraint and ConditionalConstraint.
// A row is compiled once per SetStructure and evaluated many times; all
// evaluation methods are read-only with respect to the row and the graph.
type row interface {
	bounds() (lb, ub float64)
	dual() float64
	setDual(float64)

	compile(m *Model) error
	release()

	// cols returns the Jacobian column indices of this row, ascending.
	cols() []int32
	// branchCount is 1 for plain rows, branches+default for conditional.
	branchCount() int
	// selectBranch picks the active branch at the current leaf values.
	selectBranch(g *expr.Graph, stack []float64) int
	value(g *expr.Graph, stack []float64, branch int) float64
	// jacRow writes the derivative of the active branch per column of cols.
	jacRow(g *expr.Graph, stack []float64, branch int, out []float64)

	pairs() []pairKey
	hessProgram(k pairKey, branch int) (expr.Program, bool)
	maxProgLen() int
}

// runOrZero runs a compiled program, treating the empty program as the
// identically-zero expression pruned at compile time.
func runOrZero(g *expr.Graph, p expr.Program, stack []float64) float64 {
	if p.Len() == 0 {
		return 0
	}
	return g.Run(p, stack)
}

// rowVars resolves the Var leaves of e against the registry, keeping only
// those whose first derivative is not identically zero, ascending by index.
func rowVars(m *Model, e expr.Node) ([]*Var, []expr.Node, error) {
	var vars []*Var
	var derivs []expr.Node
	for _, leaf := range m.g.Vars(e) {
		v, ok := m.varOf[leaf]
		if !ok {
			return nil, nil, ErrUnregisteredVar
		}
		d := m.g.Derivative(e, leaf)
		if d.IsZero() {
			continue
		}
		vars = append(vars, v)
		derivs = append(derivs, d)
	}
	sort.Sort(&byIndex{vars, derivs})
	return vars, derivs, nil
}

type byIndex struct {
	vars   []*Var
	derivs []expr.Node
}

func (s *byIndex) Len() int           { return len(s.vars) }
func (s *byIndex) Less(i, j int) bool { return s.vars[i].index < s.vars[j].index }
func (s *byIndex) Swap(i, j int) {
	s.vars[i], s.vars[j] = s.vars[j], s.vars[i]
	s.derivs[i], s.derivs[j] = s.derivs[j], s.derivs[i]
}

// Constraint is one governing equation lb ≤ e(x) ≤ ub.
type Constraint struct {
	e      expr.Node
	LB, UB float64
	// Dual is the constraint multiplier at the last optimum.
	Dual float64

	colNdx []int32
	valPrg expr.Program
	jacPrg []expr.Program
	hessP  []pairKey
	hessM  map[pairKey]expr.Program
	maxLen int
}

// Expr returns the constraint expression.
func (c *Constraint) Expr() expr.Node { return c.e }

func (c *Constraint) bounds() (float64, float64) { return c.LB, c.UB }
func (c *Constraint) dual() float64              { return c.Dual }
func (c *Constraint) setDual(d float64)          { c.Dual = d }
func (c *Constraint) branchCount() int           { return 1 }

func (c *Constraint) selectBranch(*expr.Graph, []float64) int { return 0 }

func (c *Constraint) compile(m *Model) error {
	g := m.g
	vars, derivs, err := rowVars(m, c.e)
	if err != nil {
		return err
	}

	c.valPrg = g.Compile(c.e)
	c.maxLen = c.valPrg.Len()
	c.colNdx = make([]int32, len(vars))
	c.jacPrg = make([]expr.Program, len(vars))
	for i, v := range vars {
		c.colNdx[i] = int32(v.index)
		c.jacPrg[i] = g.Compile(derivs[i])
		c.maxLen = max(c.maxLen, c.jacPrg[i].Len())
	}

	c.hessM = make(map[pairKey]expr.Program)
	c.hessP = c.hessP[:0]
	for i, vi := range vars {
		for j := 0; j <= i; j++ {
			vj := vars[j]
			if !g.SecondPartialNonzero(c.e, vi.node, vj.node) {
				continue
			}
			d2 := g.Derivative(derivs[i], vj.node)
			if d2.IsZero() {
				continue
			}
			k := pairKey{hi: vi.index, lo: vj.index}
			p := g.Compile(d2)
			c.hessM[k] = p
			c.hessP = append(c.hessP, k)
			c.maxLen = max(c.maxLen, p.Len())
		}
	}
	return nil
}

func (c *Constraint) release() {
	c.colNdx, c.jacPrg, c.hessP, c.hessM = nil, nil, nil, nil
	c.valPrg = expr.Program{}
	c.maxLen = 0
}

func (c *Constraint) cols() []int32    { return c.colNdx }
func (c *Constraint) pairs() []pairKey { return c.hessP }
func (c *Constraint) maxProgLen() int  { return c.maxLen }

func (c *Constraint) value(g *expr.Graph, stack []float64, _ int) float64 {
	return g.Run(c.valPrg, stack)
}

func (c *Constraint) jacRow(g *expr.Graph, stack []float64, _ int, out []float64) {
	for i, p := range c.jacPrg {
		out[i] = runOrZero(g, p, stack)
	}
}

func (c *Constraint) hessProgram(k pairKey, _ int) (expr.Program, bool) {
	p, ok := c.hessM[k]
	return p, ok
}

// Branch pairs a trigger condition with the residual active under it.
type Branch struct {
	// When triggers the branch at points where it evaluates ≤ 0.
	When expr.Node
	// Then is the residual expression while the branch is active.
	Then expr.Node
}

// ConditionalConstraint is a branch-selected row: conditions are evaluated
// in declaration order and the first with value ≤ 0 selects its branch;
// otherwise the default branch applies. Only the selected branch (value and
// derivatives) is evaluated; unselected branches may be undefined at the
// current point. Selection depends only on the leaf values as of the start
// of the call, and is re-applied on every evaluation, so the active branch
// can change discontinuously between Newton iterations.
type ConditionalConstraint struct {
	branches []Branch
	deflt    expr.Node
	LB, UB   float64
	// Dual is the constraint multiplier at the last optimum.
	Dual float64

	colNdx  []int32
	condPrg []expr.Program
	valPrg  []expr.Program   // per branch, default last
	jacPrg  [][]expr.Program // per branch × per column
	hessP   []pairKey
	hessM   map[pairKey][]expr.Program // per pair × per branch
	maxLen  int
}

func (c *ConditionalConstraint) bounds() (float64, float64) { return c.LB, c.UB }
func (c *ConditionalConstraint) dual() float64              { return c.Dual }
func (c *ConditionalConstraint) setDual(d float64)          { c.Dual = d }
func (c *ConditionalConstraint) branchCount() int           { return len(c.branches) + 1 }

func (c *ConditionalConstraint) compile(m *Model) error {
	g := m.g
	nb := c.branchCount()
	bodies := make([]expr.Node, 0, nb)
	for _, b := range c.branches {
		bodies = append(bodies, b.Then)
	}
	bodies = append(bodies, c.deflt)

	// The row's column set is the union over every branch body, so the CSR
	// pattern is valid no matter which branch is active at a given point.
	perBranch := make([][]*Var, nb)
	perDeriv := make([][]expr.Node, nb)
	union := make(map[int]*Var)
	for b, body := range bodies {
		vars, derivs, err := rowVars(m, body)
		if err != nil {
			return err
		}
		perBranch[b], perDeriv[b] = vars, derivs
		for _, v := range vars {
			union[v.index] = v
		}
	}
	cols := make([]int, 0, len(union))
	for ndx := range union {
		cols = append(cols, ndx)
	}
	sort.Ints(cols)

	colPos := make(map[int]int, len(cols))
	c.colNdx = make([]int32, len(cols))
	for i, ndx := range cols {
		c.colNdx[i] = int32(ndx)
		colPos[ndx] = i
	}

	c.maxLen = 0
	c.condPrg = make([]expr.Program, len(c.branches))
	for i, b := range c.branches {
		c.condPrg[i] = g.Compile(b.When)
		c.maxLen = max(c.maxLen, c.condPrg[i].Len())
	}

	c.valPrg = make([]expr.Program, nb)
	c.jacPrg = make([][]expr.Program, nb)
	c.hessM = make(map[pairKey][]expr.Program)
	c.hessP = c.hessP[:0]
	for b, body := range bodies {
		c.valPrg[b] = g.Compile(body)
		c.maxLen = max(c.maxLen, c.valPrg[b].Len())

		c.jacPrg[b] = make([]expr.Program, len(cols))
		for i, v := range perBranch[b] {
			p := g.Compile(perDeriv[b][i])
			c.jacPrg[b][colPos[v.index]] = p
			c.maxLen = max(c.maxLen, p.Len())
		}

		for i, vi := range perBranch[b] {
			for j := 0; j <= i; j++ {
				vj := perBranch[b][j]
				if !g.SecondPartialNonzero(body, vi.node, vj.node) {
					continue
				}
				d2 := g.Derivative(perDeriv[b][i], vj.node)
				if d2.IsZero() {
					continue
				}
				k := pairKey{hi: vi.index, lo: vj.index}
				progs, ok := c.hessM[k]
				if !ok {
					progs = make([]expr.Program, nb)
					c.hessM[k] = progs
					c.hessP = append(c.hessP, k)
				}
				p := g.Compile(d2)
				progs[b] = p
				c.maxLen = max(c.maxLen, p.Len())
			}
		}
	}
	sort.Slice(c.hessP, func(i, j int) bool {
		a, b := c.hessP[i], c.hessP[j]
		if a.hi != b.hi {
			return a.hi < b.hi
		}
		return a.lo < b.lo
	})
	return nil
}

func (c *ConditionalConstraint) release() {
	c.colNdx, c.condPrg, c.valPrg, c.jacPrg = nil, nil, nil, nil
	c.hessP, c.hessM = nil, nil
	c.maxLen = 0
}

func (c *ConditionalConstraint) cols() []int32    { return c.colNdx }
func (c *ConditionalConstraint) pairs() []pairKey { return c.hessP }
func (c *ConditionalConstraint) maxProgLen() int  { return c.maxLen }

// selectBranch evaluates conditions in order and short-circuits on the
// first trigger. Later conditions and unselected branch bodies are not
// evaluated at all.
func (c *ConditionalConstraint) selectBranch(g *expr.Graph, stack []float64) int {
	for i, p := range c.condPrg {
		if g.Run(p, stack) <= 0 {
			return i
		}
	}
	return len(c.branches)
}

func (c *ConditionalConstraint) value(g *expr.Graph, stack []float64, branch int) float64 {
	return g.Run(c.valPrg[branch], stack)
}

func (c *ConditionalConstraint) jacRow(g *expr.Graph, stack []float64, branch int, out []float64) {
	for i, p := range c.jacPrg[branch] {
		out[i] = runOrZero(g, p, stack)
	}
}

func (c *ConditionalConstraint) hessProgram(k pairKey, branch int) (expr.Program, bool) {
	progs, ok := c.hessM[k]
	if !ok {
		return expr.Program{}, false
	}
	p := progs[branch]
	return p, p.Len() > 0
}

// Objective is the scalar objective expression with its compiled value,
// gradient and curvature programs. Models without an objective solve a
// pure feasibility problem.
type Objective struct {
	e expr.Node

	gradNdx []int32
	valPrg  expr.Program
	gradPrg []expr.Program
	hessP   []pairKey
	hessM   map[pairKey]expr.Program
	maxLen  int
}

// Expr returns the objective expression.
func (o *Objective) Expr() expr.Node { return o.e }

func (o *Objective) compile(m *Model) error {
	g := m.g
	vars, derivs, err := rowVars(m, o.e)
	if err != nil {
		return err
	}
	o.valPrg = g.Compile(o.e)
	o.maxLen = o.valPrg.Len()
	o.gradNdx = make([]int32, len(vars))
	o.gradPrg = make([]expr.Program, len(vars))
	for i, v := range vars {
		o.gradNdx[i] = int32(v.index)
		o.gradPrg[i] = g.Compile(derivs[i])
		o.maxLen = max(o.maxLen, o.gradPrg[i].Len())
	}
	o.hessM = make(map[pairKey]expr.Program)
	o.hessP = o.hessP[:0]
	for i, vi := range vars {
		for j := 0; j <= i; j++ {
			vj := vars[j]
			if !g.SecondPartialNonzero(o.e, vi.node, vj.node) {
				continue
			}
			d2 := g.Derivative(derivs[i], vj.node)
			if d2.IsZero() {
				continue
			}
			k := pairKey{hi: vi.index, lo: vj.index}
			p := g.Compile(d2)
			o.hessM[k] = p
			o.hessP = append(o.hessP, k)
			o.maxLen = max(o.maxLen, p.Len())
		}
	}
	return nil
}

func (o *Objective) release() {
	o.gradNdx, o.gradPrg, o.hessP, o.hessM = nil, nil, nil, nil
	o.valPrg = expr.Program{}
	o.maxLen = 0
}
