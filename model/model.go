// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model manages the algebraic structure of one hydraulic timestep:
// variable and constraint registries, compiled residual/derivative programs,
// Jacobian (CSR) and Hessian sparsity, and batch evaluation at trial points.
//
// A Model is a two-state machine. In Editable state variables, constraints
// and the objective may be added or removed; nothing can be evaluated.
// SetStructure assigns stable indices, compiles every program, derives the
// sparsity patterns and moves the model to Solvable state, where the
// structure is frozen and evaluation is permitted. Any structural mutation
// requires ReleaseStructure first, which discards all derived artifacts.
// The rebuild cadence is once per timestep (when the network control state
// changes), not once per Newton iteration.
package model

import (
	"errors"
	"fmt"

	"github.com/hydrokit/aml/expr"
)

// State is the structural state of a Model.
type State uint8

const (
	// Editable permits structural mutation and forbids evaluation.
	Editable State = iota
	// Solvable freezes the structure and permits evaluation.
	Solvable
)

func (s State) String() string {
	if s == Solvable {
		return "Solvable"
	}
	return "Editable"
}

// StateError reports an operation invoked in the wrong structural state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("model: %s not permitted in %s state", e.Op, e.State)
}

// ErrUnregisteredVar reports a constraint or objective expression that
// references a Var leaf never added to (or already removed from) the model.
var ErrUnregisteredVar = errors.New("model: expression references unregistered variable")

// Var is a registered decision variable: an expr Var leaf plus solver-facing
// bounds, a stable index assigned by SetStructure, and the bound duals
// written back after a solve.
type Var struct {
	node   expr.Node
	LB, UB float64
	// ZL and ZU are the lower/upper bound multipliers at the last optimum.
	ZL, ZU float64
	index  int
}

// Node returns the expression-graph leaf, usable directly in the DSL.
func (v *Var) Node() expr.Node { return v.node }

// Value returns the variable's current value.
func (v *Var) Value() float64 { return v.node.Value() }

// SetValue overwrites the variable's current value.
func (v *Var) SetValue(x float64) { v.node.SetValue(x) }

// Index returns the solver-visible index, or -1 before SetStructure.
func (v *Var) Index() int { return v.index }

// Model owns the expression graph and the variable/constraint registries.
type Model struct {
	g     *expr.Graph
	state State

	vars  []*Var
	varOf map[expr.Node]*Var
	rows  []row
	obj   *Objective

	structure *structure
}

// New returns an empty model in Editable state with a fresh expression graph.
func New() *Model {
	return &Model{
		g:     expr.NewGraph(),
		varOf: make(map[expr.Node]*Var),
	}
}

// Graph returns the expression arena expressions must be built in.
func (m *Model) Graph() *expr.Graph { return m.g }

// State returns the current structural state.
func (m *Model) State() State { return m.state }

func (m *Model) editable(op string) error {
	if m.state != Editable {
		return &StateError{Op: op, State: m.state}
	}
	return nil
}

// mustSolvable guards the evaluation hot path. Calling it before
// SetStructure is a programmer error, so it fails hard instead of
// threading an error through every Newton iteration.
func (m *Model) mustSolvable(op string) {
	if m.state != Solvable {
		panic(&StateError{Op: op, State: m.state})
	}
}

// AddVar registers a new decision variable with the given initial value and
// bounds. Permitted only in Editable state.
func (m *Model) AddVar(value, lb, ub float64) (*Var, error) {
	if err := m.editable("AddVar"); err != nil {
		return nil, err
	}
	v := &Var{node: m.g.Var(value), LB: lb, UB: ub, index: -1}
	m.vars = append(m.vars, v)
	m.varOf[v.node] = v
	return v, nil
}

// RemoveVar unregisters a variable. Constraints still referencing it will
// fail the next SetStructure with ErrUnregisteredVar.
func (m *Model) RemoveVar(v *Var) error {
	if err := m.editable("RemoveVar"); err != nil {
		return err
	}
	for i, w := range m.vars {
		if w == v {
			m.vars = append(m.vars[:i], m.vars[i+1:]...)
			delete(m.varOf, v.node)
			v.index = -1
			return nil
		}
	}
	return errors.New("model: variable not registered")
}

// Param registers an exogenous parameter leaf. Parameters may be rewritten
// between solves without touching the structure.
func (m *Model) Param(value float64) expr.Node { return m.g.Param(value) }

// AddConstraint registers lb ≤ expr ≤ ub as a new row.
func (m *Model) AddConstraint(e expr.Node, lb, ub float64) (*Constraint, error) {
	if err := m.editable("AddConstraint"); err != nil {
		return nil, err
	}
	c := &Constraint{e: e, LB: lb, UB: ub}
	m.rows = append(m.rows, c)
	return c, nil
}

// AddConditionalConstraint registers a branch-selected row: the residual is
// the first branch whose condition evaluates ≤ 0, or deflt when none does.
// Selection is re-applied at every evaluation point, which is how discrete
// control-state switches fold into the continuous solve.
func (m *Model) AddConditionalConstraint(branches []Branch, deflt expr.Node, lb, ub float64) (*ConditionalConstraint, error) {
	if err := m.editable("AddConditionalConstraint"); err != nil {
		return nil, err
	}
	if !deflt.Valid() {
		return nil, errors.New("model: conditional constraint requires a default branch")
	}
	cc := &ConditionalConstraint{branches: branches, deflt: deflt, LB: lb, UB: ub}
	m.rows = append(m.rows, cc)
	return cc, nil
}

// RemoveConstraint unregisters a plain constraint row.
func (m *Model) RemoveConstraint(c *Constraint) error {
	return m.removeRow("RemoveConstraint", c)
}

// RemoveConditionalConstraint unregisters a conditional constraint row.
func (m *Model) RemoveConditionalConstraint(c *ConditionalConstraint) error {
	return m.removeRow("RemoveConditionalConstraint", c)
}

func (m *Model) removeRow(op string, r row) error {
	if err := m.editable(op); err != nil {
		return err
	}
	for i, w := range m.rows {
		if w == r {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return errors.New("model: constraint not registered")
}

// SetObjective installs (or replaces) the objective expression.
func (m *Model) SetObjective(e expr.Node) (*Objective, error) {
	if err := m.editable("SetObjective"); err != nil {
		return nil, err
	}
	m.obj = &Objective{e: e}
	return m.obj, nil
}

// Objective returns the installed objective, or nil.
func (m *Model) Objective() *Objective { return m.obj }

// NumVars returns the number of registered variables.
func (m *Model) NumVars() int { return len(m.vars) }

// NumConstraints returns the number of registered rows.
func (m *Model) NumConstraints() int { return len(m.rows) }

// Vars returns the variable registry in registration (index) order.
func (m *Model) Vars() []*Var { return m.vars }

// X marshals the current variable values into a fresh vector in index
// order. Requires Solvable state.
func (m *Model) X() []float64 {
	m.mustSolvable("X")
	x := make([]float64, len(m.vars))
	for _, v := range m.vars {
		x[v.index] = v.Value()
	}
	return x
}

// LoadX writes the solver vector back onto the variables, in index order.
// Requires Solvable state. Callers must never overlap a LoadX with an
// in-flight evaluation: the leaf table is read-only during evaluation.
func (m *Model) LoadX(x []float64) {
	m.mustSolvable("LoadX")
	if len(x) != len(m.vars) {
		panic("model: x dimension not match structure")
	}
	for _, v := range m.vars {
		v.SetValue(x[v.index])
	}
}

// Bounds fills xl, xu with the variable bounds in index order.
// Requires Solvable state.
func (m *Model) Bounds(xl, xu []float64) {
	m.mustSolvable("Bounds")
	if len(xl) != len(m.vars) || len(xu) != len(m.vars) {
		panic("model: bound dimension not match structure")
	}
	for _, v := range m.vars {
		xl[v.index], xu[v.index] = v.LB, v.UB
	}
}

// ConstraintBounds fills gl, gu with the row bounds in row order.
// Requires Solvable state.
func (m *Model) ConstraintBounds(gl, gu []float64) {
	m.mustSolvable("ConstraintBounds")
	if len(gl) != len(m.rows) || len(gu) != len(m.rows) {
		panic("model: bound dimension not match structure")
	}
	for i, r := range m.rows {
		gl[i], gu[i] = r.bounds()
	}
}

// Duals fills lambda with the constraint duals in row order (the values
// written back by the last solve, or zero).
func (m *Model) Duals(lambda []float64) {
	if len(lambda) != len(m.rows) {
		panic("model: dual dimension not match structure")
	}
	for i, r := range m.rows {
		lambda[i] = r.dual()
	}
}

// SetDuals writes solver multipliers back onto the rows in row order.
func (m *Model) SetDuals(lambda []float64) {
	if len(lambda) != len(m.rows) {
		panic("model: dual dimension not match structure")
	}
	for i, r := range m.rows {
		r.setDual(lambda[i])
	}
}
