// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff approximates Jacobians by finite differences.
//
// It is the cross-check for symbolic derivatives: tests compare the
// compiled derivative programs against these estimates, so the package is
// tuned for accuracy at interior points rather than for bound handling or
// step caching.
package numdiff

import (
	"errors"
	"math"
)

var (
	sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
	cubeEps = math.Cbrt(math.Nextafter(1, 2) - 1)
)

// Method selects the difference stencil.
type Method int

const (
	// Forward uses the first-order forward difference (f(x+h)-f(x))/h.
	Forward Method = iota
	// Central uses the second-order central difference (f(x+h)-f(x-h))/2h.
	Central
)

// Jacobian estimates the m×n Jacobian of a vector function by finite
// differences. The zero value is not usable; N, M and F are required.
type Jacobian struct {
	N, M int
	// F evaluates the function: it reads the n-vector x and writes the
	// m-vector y. It must tolerate repeated calls with perturbed x.
	F func(x, y []float64)
	// Method selects the stencil; the zero value is Forward.
	Method Method
	// Step is the absolute step size. When zero the step is chosen per
	// coordinate as ε^(1/2) (Forward) or ε^(1/3) (Central), scaled by
	// max(1, |xᵢ|) and signed like xᵢ.
	Step float64

	f0, f1 []float64
}

func (j *Jacobian) check(x, df []float64) error {
	switch {
	case j.N <= 0 || j.M <= 0:
		return errors.New("numdiff: dimensions must be positive")
	case j.F == nil:
		return errors.New("numdiff: function is required")
	case j.Method != Forward && j.Method != Central:
		return errors.New("numdiff: unknown method")
	case len(x) != j.N:
		return errors.New("numdiff: invalid x dimension")
	case len(df) != j.N*j.M:
		return errors.New("numdiff: invalid df dimension")
	}
	if len(j.f0) != j.M {
		j.f0 = make([]float64, j.M)
		j.f1 = make([]float64, j.M)
	}
	return nil
}

func (j *Jacobian) step(xi float64) float64 {
	if j.Step != 0 {
		return j.Step
	}
	eps := sqrtEps
	if j.Method == Central {
		eps = cubeEps
	}
	h := math.Copysign(eps, xi) * math.Max(1, math.Abs(xi))
	// Keep the step exactly representable around xi.
	if d := (xi + h) - xi; d != 0 {
		return d
	}
	return h
}

// Diff writes the finite-difference Jacobian into df in row-major order:
// df[r*n+c] = ∂Fᵣ/∂x_c. x is perturbed in place and restored before return.
func (j *Jacobian) Diff(x, df []float64) error {
	if err := j.check(x, df); err != nil {
		return err
	}
	n := j.N
	if j.Method == Forward {
		j.F(x, j.f0)
	}
	for i := 0; i < n; i++ {
		h, t := j.step(x[i]), x[i]
		var d float64
		if j.Method == Central {
			x[i] = t - h
			j.F(x, j.f0)
			x[i] = t + h
			j.F(x, j.f1)
			d = 1 / (2 * h)
		} else {
			x[i] = t + h
			j.F(x, j.f1)
			d = 1 / h
		}
		x[i] = t
		for r := 0; r < j.M; r++ {
			df[r*n+i] = (j.f1[r] - j.f0[r]) * d
		}
	}
	return nil
}
