// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"errors"
	"math"
	"testing"

	"github.com/hydrokit/aml/expr"
)

func mustVar(t *testing.T, m *Model, value, lb, ub float64) *Var {
	t.Helper()
	v, err := m.AddVar(value, lb, ub)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func mustStructure(t *testing.T, m *Model) {
	t.Helper()
	if err := m.SetStructure(); err != nil {
		t.Fatal(err)
	}
}

func TestStateMachine(t *testing.T) {
	m := New()
	v := mustVar(t, m, 1, -10, 10)
	if _, err := m.AddConstraint(v.Node().PowFloat(2), 0, 0); err != nil {
		t.Fatal(err)
	}

	var se *StateError
	if err := m.ReleaseStructure(); !errors.As(err, &se) {
		t.Fatalf("ReleaseStructure while Editable: got %v", err)
	}
	mustStructure(t, m)
	if m.State() != Solvable {
		t.Fatalf("state after SetStructure: %v", m.State())
	}

	// Mutators are rejected, not panicking, while Solvable.
	if _, err := m.AddVar(0, 0, 1); !errors.As(err, &se) {
		t.Fatalf("AddVar while Solvable: got %v", err)
	}
	if err := m.SetStructure(); !errors.As(err, &se) {
		t.Fatalf("second SetStructure: got %v", err)
	}
	if err := m.RemoveVar(v); !errors.As(err, &se) {
		t.Fatalf("RemoveVar while Solvable: got %v", err)
	}

	if err := m.ReleaseStructure(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Editable || v.Index() != -1 {
		t.Fatal("ReleaseStructure did not reset state and indices")
	}

	// Hot-path accessors panic with *StateError while Editable.
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("X while Editable: expected panic")
		} else if _, ok := r.(*StateError); !ok {
			t.Fatalf("X while Editable: panic value %v", r)
		}
	}()
	m.X()
}

func TestQuadraticConstraint(t *testing.T) {
	m := New()
	x := mustVar(t, m, 1, -10, 10)
	if _, err := m.AddConstraint(x.Node().PowFloat(2).SubFloat(4), 0, 0); err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	rowNNZ, colNdx := m.JacobianSparsity()
	if len(rowNNZ) != 2 || rowNNZ[1] != 1 || colNdx[0] != 0 {
		t.Fatalf("sparsity: rowNNZ %v colNdx %v", rowNNZ, colNdx)
	}

	e := NewEvaluator(m, 1)
	res := make([]float64, 1)
	jac := make([]float64, 1)
	for _, tc := range []struct {
		x, res, jac float64
	}{
		{2, 0, 4},
		{-2, 0, -4},
		{3, 5, 6},
	} {
		m.LoadX([]float64{tc.x})
		e.Residuals(res)
		e.Jacobian(jac)
		if res[0] != tc.res || jac[0] != tc.jac {
			t.Fatalf("at x=%g: res %g jac %g, want %g %g", tc.x, res[0], jac[0], tc.res, tc.jac)
		}
	}

	// ∇²(x²-4) = 2, weighted by the row multiplier.
	hi, lo := m.HessianSparsity()
	if len(hi) != 1 || hi[0] != 0 || lo[0] != 0 {
		t.Fatalf("hessian pattern: %v %v", hi, lo)
	}
	hess := make([]float64, 1)
	e.Hessian(1, []float64{0.5}, hess)
	if hess[0] != 1 {
		t.Fatalf("hessian: got %g, want 1", hess[0])
	}
}

func TestConditionalConstraint(t *testing.T) {
	m := New()
	x := mustVar(t, m, 3, -100, 100)
	n := x.Node()

	// Active row: 2x while x ≤ 5, x/2 above. Selection happens at every
	// evaluation, so crossing the threshold needs no structural rebuild.
	_, err := m.AddConditionalConstraint(
		[]Branch{{When: n.SubFloat(5), Then: n.MulFloat(2)}},
		n.DivFloat(2), 0, 0,
	)
	if err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	e := NewEvaluator(m, 1)
	res := make([]float64, 1)
	jac := make([]float64, 1)
	for _, tc := range []struct {
		x, res, jac float64
	}{
		{3, 6, 2},
		{5, 10, 2}, // boundary: condition value 0 still selects the branch
		{7, 3.5, 0.5},
		{4, 8, 2}, // switching back is just as cheap
	} {
		m.LoadX([]float64{tc.x})
		e.Residuals(res)
		e.Jacobian(jac)
		if res[0] != tc.res || jac[0] != tc.jac {
			t.Fatalf("at x=%g: res %g jac %g, want %g %g", tc.x, res[0], jac[0], tc.res, tc.jac)
		}
	}
}

func TestConditionalOrderAndDefault(t *testing.T) {
	m := New()
	x := mustVar(t, m, 0, -10, 10)
	n := x.Node()

	// Overlapping conditions: declaration order wins.
	_, err := m.AddConditionalConstraint(
		[]Branch{
			{When: n.SubFloat(2), Then: m.Graph().Literal(1)},
			{When: n.SubFloat(4), Then: m.Graph().Literal(2)},
		},
		m.Graph().Literal(3), 0, 0,
	)
	if err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	e := NewEvaluator(m, 1)
	res := make([]float64, 1)
	for _, tc := range []struct{ x, want float64 }{
		{1, 1}, // both conditions hold, first declared wins
		{3, 2},
		{9, 3}, // no condition holds, default
	} {
		m.LoadX([]float64{tc.x})
		e.Residuals(res)
		if res[0] != tc.want {
			t.Fatalf("at x=%g: got %g, want %g", tc.x, res[0], tc.want)
		}
	}
}

func TestConditionalMissingDefault(t *testing.T) {
	m := New()
	x := mustVar(t, m, 0, -1, 1)
	var none expr.Node
	if _, err := m.AddConditionalConstraint(
		[]Branch{{When: x.Node(), Then: x.Node()}}, none, 0, 0,
	); err == nil {
		t.Fatal("expected error for missing default branch")
	}
}

func TestConditionalUnionColumns(t *testing.T) {
	m := New()
	x := mustVar(t, m, 0, -10, 10)
	y := mustVar(t, m, 1, -10, 10)

	// Branch body touches x only, default touches y only; the row pattern
	// is the union and the inactive column reads zero.
	_, err := m.AddConditionalConstraint(
		[]Branch{{When: x.Node(), Then: x.Node().MulFloat(3)}},
		y.Node().PowFloat(2), 0, 0,
	)
	if err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	_, colNdx := m.JacobianSparsity()
	if len(colNdx) != 2 || colNdx[0] != 0 || colNdx[1] != 1 {
		t.Fatalf("union columns: %v", colNdx)
	}

	e := NewEvaluator(m, 1)
	jac := make([]float64, 2)

	m.LoadX([]float64{-1, 2}) // x ≤ 0 selects the branch
	e.Jacobian(jac)
	if jac[0] != 3 || jac[1] != 0 {
		t.Fatalf("branch jac: %v", jac)
	}
	m.LoadX([]float64{1, 2}) // default
	e.Jacobian(jac)
	if jac[0] != 0 || jac[1] != 4 {
		t.Fatalf("default jac: %v", jac)
	}
}

func TestConditionalHessianFollowsBranch(t *testing.T) {
	m := New()
	x := mustVar(t, m, -1, -10, 10)
	n := x.Node()

	_, err := m.AddConditionalConstraint(
		[]Branch{{When: n, Then: n.Mul(n)}}, // curved while x ≤ 0
		n.MulFloat(2),                       // linear otherwise
		0, 0,
	)
	if err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	if m.HessNNZ() != 1 {
		t.Fatalf("hess nnz: %d", m.HessNNZ())
	}
	e := NewEvaluator(m, 1)
	hess := make([]float64, 1)

	m.LoadX([]float64{-1})
	e.Hessian(0, []float64{1}, hess)
	if hess[0] != 2 {
		t.Fatalf("branch hessian: %g", hess[0])
	}
	m.LoadX([]float64{1})
	e.Hessian(0, []float64{1}, hess)
	if hess[0] != 0 {
		t.Fatalf("linear branch hessian: %g", hess[0])
	}
}

func TestObjectiveAndHessian(t *testing.T) {
	m := New()
	x := mustVar(t, m, 1, -10, 10)
	y := mustVar(t, m, 2, -10, 10)
	nx, ny := x.Node(), y.Node()

	if _, err := m.SetObjective(nx.Mul(nx).Add(nx.Mul(ny).MulFloat(3))); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddConstraint(ny.PowFloat(3), -1, 1); err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	hi, lo := m.HessianSparsity()
	wantHi, wantLo := []int32{0, 1, 1}, []int32{0, 0, 1}
	for k := range hi {
		if hi[k] != wantHi[k] || lo[k] != wantLo[k] {
			t.Fatalf("hessian pattern: (%v,%v)", hi, lo)
		}
	}

	e := NewEvaluator(m, 1)
	if f := e.Objective(); f != 1+6 {
		t.Fatalf("objective: %g", f)
	}
	grad := make([]float64, 2)
	e.Gradient(grad)
	if grad[0] != 2+6 || grad[1] != 3 {
		t.Fatalf("gradient: %v", grad)
	}

	// objFactor·∇²f + λ·∇²c: pairs (0,0)=2σ, (1,0)=3σ, (1,1)=λ·6y.
	hess := make([]float64, 3)
	e.Hessian(2, []float64{0.5}, hess)
	if hess[0] != 4 || hess[1] != 6 || hess[2] != 0.5*6*2 {
		t.Fatalf("hessian values: %v", hess)
	}
}

func TestFeasibilityOnlyModel(t *testing.T) {
	m := New()
	x := mustVar(t, m, 1, -10, 10)
	if _, err := m.AddConstraint(x.Node().SubFloat(3), 0, 0); err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	e := NewEvaluator(m, 1)
	if f := e.Objective(); f != 0 {
		t.Fatalf("objective of feasibility model: %g", f)
	}
	grad := make([]float64, 1)
	e.Gradient(grad)
	if grad[0] != 0 {
		t.Fatalf("gradient of feasibility model: %v", grad)
	}
	if m.HessNNZ() != 0 {
		t.Fatalf("hess nnz: %d", m.HessNNZ())
	}
}

func TestUnregisteredVar(t *testing.T) {
	m := New()
	x := mustVar(t, m, 0, -1, 1)
	e := x.Node().Mul(x.Node())
	if err := m.RemoveVar(x); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddConstraint(e, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetStructure(); !errors.Is(err, ErrUnregisteredVar) {
		t.Fatalf("got %v, want ErrUnregisteredVar", err)
	}
	// The failed SetStructure must leave the model Editable.
	if m.State() != Editable {
		t.Fatalf("state after failed SetStructure: %v", m.State())
	}
}

func TestLoadXRoundTrip(t *testing.T) {
	m := New()
	a := mustVar(t, m, 1, -10, 10)
	b := mustVar(t, m, 2, -10, 10)
	if _, err := m.AddConstraint(a.Node().Add(b.Node()), 0, 0); err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	x := m.X()
	if x[0] != 1 || x[1] != 2 {
		t.Fatalf("X: %v", x)
	}
	m.LoadX([]float64{-4, 9})
	if a.Value() != -4 || b.Value() != 9 {
		t.Fatal("LoadX did not reach the leaves")
	}
	// Marshaling out and back is idempotent.
	m.LoadX(m.X())
	if a.Value() != -4 || b.Value() != 9 {
		t.Fatal("X/LoadX round trip moved values")
	}

	xl, xu := make([]float64, 2), make([]float64, 2)
	m.Bounds(xl, xu)
	if xl[0] != -10 || xu[1] != 10 {
		t.Fatalf("bounds: %v %v", xl, xu)
	}
	gl, gu := make([]float64, 1), make([]float64, 1)
	m.ConstraintBounds(gl, gu)
	if gl[0] != 0 || gu[0] != 0 {
		t.Fatalf("constraint bounds: %v %v", gl, gu)
	}

	m.SetDuals([]float64{1.25})
	lam := make([]float64, 1)
	m.Duals(lam)
	if lam[0] != 1.25 {
		t.Fatalf("duals: %v", lam)
	}
}

func TestParamMutationIsNotStructural(t *testing.T) {
	m := New()
	x := mustVar(t, m, 2, -10, 10)
	d := m.Param(5)
	if _, err := m.AddConstraint(x.Node().Sub(d), 0, 0); err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	e := NewEvaluator(m, 1)
	res := make([]float64, 1)
	e.Residuals(res)
	if res[0] != -3 {
		t.Fatalf("residual: %g", res[0])
	}
	d.SetValue(1) // demand update between timesteps, same structure
	e.Residuals(res)
	if res[0] != 1 {
		t.Fatalf("residual after param update: %g", res[0])
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	const nv, nr = 8, 24
	build := func() (*Model, []*Var) {
		m := New()
		vars := make([]*Var, nv)
		for i := range vars {
			vars[i] = mustVar(t, m, 1+float64(i)/7, -50, 50)
		}
		for r := 0; r < nr; r++ {
			a, b := vars[r%nv].Node(), vars[(r+3)%nv].Node()
			switch r % 3 {
			case 0:
				if _, err := m.AddConstraint(a.Mul(expr.Abs(a).PowFloat(0.852)).Sub(b), 0, 0); err != nil {
					t.Fatal(err)
				}
			case 1:
				if _, err := m.AddConstraint(expr.Exp(a.MulFloat(0.1)).Add(b.PowFloat(2)), -5, 5); err != nil {
					t.Fatal(err)
				}
			default:
				if _, err := m.AddConditionalConstraint(
					[]Branch{{When: a.SubFloat(1), Then: a.MulFloat(2).Sub(b)}},
					a.Div(b.AddFloat(60)), 0, 0,
				); err != nil {
					t.Fatal(err)
				}
			}
		}
		mustStructure(t, m)
		return m, vars
	}

	m1, _ := build()
	m4, _ := build()
	x := make([]float64, nv)
	for i := range x {
		x[i] = math.Sin(float64(3*i+1)) * 2
	}
	m1.LoadX(x)
	m4.LoadX(x)

	e1 := NewEvaluator(m1, 1)
	e4 := NewEvaluator(m4, 4)

	r1, r4 := make([]float64, nr), make([]float64, nr)
	e1.Residuals(r1)
	e4.Residuals(r4)
	for i := range r1 {
		if r1[i] != r4[i] {
			t.Fatalf("residual row %d differs: %g vs %g", i, r1[i], r4[i])
		}
	}

	j1 := make([]float64, m1.JacNNZ())
	j4 := make([]float64, m4.JacNNZ())
	e1.Jacobian(j1)
	e4.Jacobian(j4)
	for k := range j1 {
		if j1[k] != j4[k] {
			t.Fatalf("jacobian entry %d differs: %g vs %g", k, j1[k], j4[k])
		}
	}
}

func TestRebuildAfterEdit(t *testing.T) {
	m := New()
	x := mustVar(t, m, 1, -10, 10)
	c, err := m.AddConstraint(x.Node().PowFloat(2), 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)
	if m.JacNNZ() != 1 {
		t.Fatalf("jac nnz: %d", m.JacNNZ())
	}

	if err := m.ReleaseStructure(); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveConstraint(c); err != nil {
		t.Fatal(err)
	}
	y := mustVar(t, m, 0, -1, 1)
	if _, err := m.AddConstraint(x.Node().Add(y.Node()), 0, 0); err != nil {
		t.Fatal(err)
	}
	mustStructure(t, m)

	if m.NumConstraints() != 1 || m.JacNNZ() != 2 || m.HessNNZ() != 0 {
		t.Fatalf("rebuilt structure: rows %d jac %d hess %d",
			m.NumConstraints(), m.JacNNZ(), m.HessNNZ())
	}
}
