// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrokit/aml/ipm"
	"github.com/hydrokit/aml/model"
)

const noBnd = 1e20

func buildQP(t *testing.T) (*model.Model, *model.Var, *model.Var, *model.Constraint) {
	t.Helper()
	m := model.New()
	x, err := m.AddVar(0, -10, 10)
	require.NoError(t, err)
	y, err := m.AddVar(0, -10, 10)
	require.NoError(t, err)
	// min (x-4)² + (y-2)² subject to x+y ≤ 3: optimum (2.5, 0.5), dual 3.
	_, err = m.SetObjective(
		x.Node().SubFloat(4).PowFloat(2).Add(y.Node().SubFloat(2).PowFloat(2)),
	)
	require.NoError(t, err)
	c, err := m.AddConstraint(x.Node().Add(y.Node()), -noBnd, 3)
	require.NoError(t, err)
	require.NoError(t, m.SetStructure())
	return m, x, y, c
}

func TestSolveModel(t *testing.T) {
	m, x, y, c := buildQP(t)
	a := NewAdapter(m, 1)
	require.Equal(t, ipm.StatusUnknown, a.Status())

	s, err := ipm.NewSolver(a, ipm.Options{})
	require.NoError(t, err)
	res := s.Solve()
	require.True(t, res.OK, "summary: %+v", res.Summary)
	assert.InDelta(t, 2.5, res.X[0], 1e-6)
	assert.InDelta(t, 0.5, res.X[1], 1e-6)

	// Finalize writes the optimum back onto the model objects.
	assert.Equal(t, res.X[0], x.Value())
	assert.Equal(t, res.X[1], y.Value())
	assert.InDelta(t, 3, c.Dual, 1e-4)
	assert.Equal(t, ipm.StatusSuccess, a.Status())
	assert.Equal(t, res.Obj, a.Optimum())

	// Neither variable ends at a box bound, so both bound duals vanish.
	assert.Less(t, x.ZL, 1e-6)
	assert.Less(t, x.ZU, 1e-6)
	assert.Less(t, y.ZL, 1e-6)
	assert.Less(t, y.ZU, 1e-6)
}

func TestSolveConvenience(t *testing.T) {
	m, _, _, _ := buildQP(t)
	res, err := Solve(m, 2, ipm.Options{})
	require.NoError(t, err)
	require.True(t, res.OK, "summary: %+v", res.Summary)
	assert.InDelta(t, (2.5-4)*(2.5-4)+(0.5-2)*(0.5-2), res.Obj, 1e-5)
}

func TestFeasibilitySolve(t *testing.T) {
	// No objective: the solve just finds a point with x² = 4 inside [0,10].
	m := model.New()
	x, err := m.AddVar(1, 0, 10)
	require.NoError(t, err)
	_, err = m.AddConstraint(x.Node().PowFloat(2), 4, 4)
	require.NoError(t, err)
	require.NoError(t, m.SetStructure())

	res, err := Solve(m, 1, ipm.Options{})
	require.NoError(t, err)
	require.True(t, res.OK, "summary: %+v", res.Summary)
	assert.InDelta(t, 2, x.Value(), 1e-6)
	assert.Zero(t, res.Obj)
}

// A second Solve starts from the values and duals the first one wrote back.
func TestWarmStartResolve(t *testing.T) {
	m, _, _, _ := buildQP(t)
	first, err := Solve(m, 1, ipm.Options{})
	require.NoError(t, err)
	require.True(t, first.OK, "summary: %+v", first.Summary)

	second, err := Solve(m, 1, ipm.Options{})
	require.NoError(t, err)
	require.True(t, second.OK, "summary: %+v", second.Summary)
	for i := range first.X {
		assert.InDelta(t, first.X[i], second.X[i], 1e-6)
	}
}

func TestAdapterDims(t *testing.T) {
	m, _, _, _ := buildQP(t)
	a := NewAdapter(m, 1)
	n, mm, jnnz, hnnz := a.Dims()
	require.Equal(t, [4]int{2, 1, 2, 2}, [4]int{n, mm, jnnz, hnnz})

	rows, cols := make([]int32, jnnz), make([]int32, jnnz)
	a.JacobianStructure(rows, cols)
	assert.Equal(t, []int32{0, 0}, rows)
	assert.Equal(t, []int32{0, 1}, cols)
}
