// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nlp bridges a structured model to the interior-point solver.
//
// The Adapter presents a model.Model in Solvable state as an ipm.Problem:
// sparsity patterns are handed over once at construction, and every value
// callback funnels through a single model.Evaluator so the solver sees the
// same branch selections and the same bitwise results as a serial walk of
// the model. Finalize writes the optimum back into the model, so the next
// timestep warm-starts from it.
package nlp

import (
	"github.com/hydrokit/aml/ipm"
	"github.com/hydrokit/aml/model"
)

// Adapter implements ipm.Problem on top of a compiled model.
type Adapter struct {
	m  *model.Model
	ev *model.Evaluator

	rowNNZ, colNdx []int32
	hi, lo         []int32

	status ipm.Status
	obj    float64
}

// NewAdapter wraps m, which must be in Solvable state, and evaluates with
// up to workers goroutines. It panics with *model.StateError before
// SetStructure, matching the evaluator it builds on.
func NewAdapter(m *model.Model, workers int) *Adapter {
	a := &Adapter{
		m:      m,
		ev:     model.NewEvaluator(m, workers),
		status: ipm.StatusUnknown,
	}
	a.rowNNZ, a.colNdx = m.JacobianSparsity()
	a.hi, a.lo = m.HessianSparsity()
	return a
}

// Status returns the termination status of the last solve, or
// ipm.StatusUnknown when no solve has finished.
func (a *Adapter) Status() ipm.Status { return a.status }

// Optimum returns the objective value recorded by the last Finalize.
func (a *Adapter) Optimum() float64 { return a.obj }

// Solve compiles nothing and allocates only solver workspace: it runs one
// interior-point solve of m and leaves the optimum loaded in the model.
func Solve(m *model.Model, workers int, o ipm.Options) (*ipm.Result, error) {
	s, err := ipm.NewSolver(NewAdapter(m, workers), o)
	if err != nil {
		return nil, err
	}
	return s.Solve(), nil
}

func (a *Adapter) Dims() (n, m, jacNNZ, hessNNZ int) {
	return a.m.NumVars(), a.m.NumConstraints(), a.m.JacNNZ(), a.m.HessNNZ()
}

func (a *Adapter) Bounds(xl, xu, gl, gu []float64) {
	a.m.Bounds(xl, xu)
	a.m.ConstraintBounds(gl, gu)
}

// StartingPoint hands the solver the values and duals currently stored in
// the model. A model fresh from SetStructure carries zero duals, which the
// solver treats as a cold start; a model finalized by a previous solve
// warm-starts the next one.
func (a *Adapter) StartingPoint(x, zl, zu, lambda []float64) {
	for i, v := range a.m.Vars() {
		x[i] = v.Value()
		zl[i] = v.ZL
		zu[i] = v.ZU
	}
	a.m.Duals(lambda)
}

// load pushes x into the variable leaves when the solver moved to a new
// point; every later callback at the same x reuses the loaded leaves.
func (a *Adapter) load(x []float64, newX bool) {
	if newX {
		a.m.LoadX(x)
	}
}

func (a *Adapter) Objective(x []float64, newX bool) float64 {
	a.load(x, newX)
	return a.ev.Objective()
}

func (a *Adapter) Gradient(x []float64, newX bool, grad []float64) {
	a.load(x, newX)
	a.ev.Gradient(grad)
}

func (a *Adapter) Constraints(x []float64, newX bool, c []float64) {
	a.load(x, newX)
	a.ev.Residuals(c)
}

// JacobianStructure expands the model's CSR pattern into the solver's
// coordinate triplets. Entries stay in row-major order.
func (a *Adapter) JacobianStructure(rows, cols []int32) {
	t := 0
	for i := 0; i+1 < len(a.rowNNZ); i++ {
		for k := a.rowNNZ[i]; k < a.rowNNZ[i+1]; k++ {
			rows[t] = int32(i)
			cols[t] = a.colNdx[k]
			t++
		}
	}
}

func (a *Adapter) JacobianValues(x []float64, newX bool, vals []float64) {
	a.load(x, newX)
	a.ev.Jacobian(vals)
}

func (a *Adapter) HessianStructure(rows, cols []int32) {
	copy(rows, a.hi)
	copy(cols, a.lo)
}

func (a *Adapter) HessianValues(x, lambda []float64, newX, newLambda bool, objFactor float64, vals []float64) {
	a.load(x, newX)
	a.ev.Hessian(objFactor, lambda, vals)
}

// Finalize stores the solve outcome in the model: the optimal point in the
// variable leaves, the bound multipliers on each Var and the constraint
// duals on each row.
func (a *Adapter) Finalize(status ipm.Status, obj float64, x, zl, zu, lambda []float64) {
	a.status = status
	a.obj = obj
	a.m.LoadX(x)
	for i, v := range a.m.Vars() {
		v.ZL = zl[i]
		v.ZU = zu[i]
	}
	a.m.SetDuals(lambda)
}
