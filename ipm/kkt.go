// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipm

import (
	"gonum.org/v1/gonum/mat"
)

// kkt assembles and factorizes the symmetric indefinite Newton system
//
//	⎡ 𝐖 + 𝚺 + δ𝐈   𝐉ᵀ ⎤
//	⎣ 𝐉          -δc𝐈 ⎦
//
// of dimension N+m. The system is dense: the models this solver backs are
// rebuilt per timestep and solved in a handful of Newton steps, so a dense
// LU is the simplest factorization that handles the indefinite saddle
// structure without a specialized inertia-controlling LDLᵀ.
type kkt struct {
	nx, nc int
	a      *mat.Dense
	rhs    *mat.VecDense
	sol    *mat.VecDense
	lu     mat.LU
}

func newKKT(nx, nc int) *kkt {
	dim := nx + nc
	return &kkt{
		nx: nx, nc: nc,
		a:   mat.NewDense(dim, dim, nil),
		rhs: mat.NewVecDense(dim, nil),
		sol: mat.NewVecDense(dim, nil),
	}
}

func (k *kkt) reset() { k.a.Zero() }

// addW accumulates into the upper-left (Hessian) block, mirroring
// off-diagonal pairs so the assembled block is symmetric.
func (k *kkt) addW(i, j int, v float64) {
	k.a.Set(i, j, k.a.At(i, j)+v)
	if i != j {
		k.a.Set(j, i, k.a.At(j, i)+v)
	}
}

// addJ accumulates one Jacobian nonzero into the J and Jᵀ blocks.
func (k *kkt) addJ(row, col int, v float64) {
	r := k.nx + row
	k.a.Set(r, col, k.a.At(r, col)+v)
	k.a.Set(col, r, k.a.At(col, r)+v)
}

// regularize adds δw to the Hessian diagonal and -δc to the constraint
// diagonal, the standard remedy when the saddle system loses rank.
func (k *kkt) regularize(dw, dc float64) {
	for i := 0; i < k.nx; i++ {
		k.a.Set(i, i, k.a.At(i, i)+dw)
	}
	for j := 0; j < k.nc; j++ {
		d := k.nx + j
		k.a.Set(d, d, k.a.At(d, d)-dc)
	}
}

// maxCond is the condition number beyond which a factorization is treated
// as singular and the system re-assembled with more regularization.
const maxCond = 1e14

// solve factorizes and solves for the current right-hand side.
// It reports false when the system is singular or hopelessly conditioned.
func (k *kkt) solve() bool {
	k.lu.Factorize(k.a)
	err := k.lu.SolveVecTo(k.sol, false, k.rhs)
	if err == nil {
		return true
	}
	if c, ok := err.(mat.Condition); ok && float64(c) < maxCond {
		return true
	}
	return false
}
