// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import "sync"

// Evaluator runs the compiled programs of a Solvable model against the
// current leaf values. Constraint rows are pure functions of the read-only
// leaf table, so residual and Jacobian rows may be partitioned across a
// bounded number of workers; each worker owns its scratch stack and writes
// a disjoint output range, so the parallel result is bitwise identical to
// the serial one at the same point.
//
// The leaf table is written only by Model.LoadX between iterations; callers
// must never overlap a LoadX with an in-flight evaluation.
type Evaluator struct {
	m       *Model
	workers int
	stacks  [][]float64
	sel     []int
}

// NewEvaluator creates an evaluator with the given worker count (values
// below 1 mean serial). The model must be Solvable; the evaluator is
// invalidated by ReleaseStructure.
func NewEvaluator(m *Model, workers int) *Evaluator {
	m.mustSolvable("NewEvaluator")
	if workers < 1 {
		workers = 1
	}
	if workers > len(m.rows) && len(m.rows) > 0 {
		workers = len(m.rows)
	}
	e := &Evaluator{m: m, workers: workers}
	e.stacks = make([][]float64, workers)
	for i := range e.stacks {
		e.stacks[i] = make([]float64, m.structure.maxProg)
	}
	e.sel = make([]int, len(m.rows))
	return e
}

// parallel partitions [0,n) into contiguous ranges, base count plus one for
// the first n%workers workers, and joins before returning.
func (e *Evaluator) parallel(n int, run func(w, lo, hi int)) {
	if e.workers == 1 || n < 2*e.workers {
		run(0, 0, n)
		return
	}
	base, rem := n/e.workers, n%e.workers
	var wg sync.WaitGroup
	lo := 0
	for w := 0; w < e.workers; w++ {
		cnt := base
		if w < rem {
			cnt++
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			run(w, lo, hi)
		}(w, lo, lo+cnt)
		lo += cnt
	}
	wg.Wait()
}

// Residuals writes each row's (active-branch) value into out, in row order.
func (e *Evaluator) Residuals(out []float64) {
	m := e.m
	m.mustSolvable("Residuals")
	if len(out) != len(m.rows) {
		panic("model: residual dimension not match structure")
	}
	e.parallel(len(m.rows), func(w, lo, hi int) {
		g, stack := m.g, e.stacks[w]
		for i := lo; i < hi; i++ {
			r := m.rows[i]
			out[i] = r.value(g, stack, r.selectBranch(g, stack))
		}
	})
}

// Jacobian writes the derivative of each nonzero into out, aligned with
// the (rowNNZ, colNdx) CSR pattern. Conditional rows re-select their active
// branch at the current point before differentiating.
func (e *Evaluator) Jacobian(out []float64) {
	m := e.m
	m.mustSolvable("Jacobian")
	s := m.structure
	if len(out) != len(s.colNdx) {
		panic("model: jacobian dimension not match structure")
	}
	e.parallel(len(m.rows), func(w, lo, hi int) {
		g, stack := m.g, e.stacks[w]
		for i := lo; i < hi; i++ {
			r := m.rows[i]
			r.jacRow(g, stack, r.selectBranch(g, stack), out[s.rowNNZ[i]:s.rowNNZ[i+1]])
		}
	})
}

// Objective evaluates the objective at the current point (zero without one).
func (e *Evaluator) Objective() float64 {
	m := e.m
	m.mustSolvable("Objective")
	if m.obj == nil {
		return 0
	}
	return m.g.Run(m.obj.valPrg, e.stacks[0])
}

// Gradient writes the dense objective gradient over all variables into out.
func (e *Evaluator) Gradient(out []float64) {
	m := e.m
	m.mustSolvable("Gradient")
	if len(out) != len(m.vars) {
		panic("model: gradient dimension not match structure")
	}
	for i := range out {
		out[i] = 0
	}
	if m.obj == nil {
		return
	}
	for i, ndx := range m.obj.gradNdx {
		out[ndx] = runOrZero(m.g, m.obj.gradPrg[i], e.stacks[0])
	}
}

// Hessian writes the lower-triangular Lagrangian Hessian values
//
//	objFactor·∇²f + ∑ lambda[i]·∇²cᵢ
//
// into out, aligned with the HessianSparsity pair order. Branch selection
// for conditional rows uses the same rule, at the same point, as Residuals.
func (e *Evaluator) Hessian(objFactor float64, lambda []float64, out []float64) {
	m := e.m
	m.mustSolvable("Hessian")
	s := m.structure
	if len(lambda) != len(m.rows) {
		panic("model: lambda dimension not match structure")
	}
	if len(out) != len(s.hess) {
		panic("model: hessian dimension not match structure")
	}

	g, stack := m.g, e.stacks[0]
	for i, r := range m.rows {
		e.sel[i] = r.selectBranch(g, stack)
	}
	for k, ent := range s.hess {
		v := 0.0
		if ent.obj {
			v = objFactor * runOrZero(g, m.obj.hessM[ent.key], stack)
		}
		for _, i := range ent.rows {
			if p, ok := m.rows[i].hessProgram(ent.key, e.sel[i]); ok {
				v += lambda[i] * g.Run(p, stack)
			}
		}
		out[k] = v
	}
}
