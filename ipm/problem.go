// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipm solves smooth nonlinear programs
//
//	minimize 𝒇(𝐱) subject to
//	  - constraint ranges: 𝒈𝒍ⱼ ≤ 𝒄ⱼ(𝐱) ≤ 𝒈𝒖ⱼ (j = 1 ··· m)
//	  - boundaries: 𝒍ᵢ ≤ 𝐱ᵢ ≤ 𝒖ᵢ (i = 1 ··· n)
//
// with a primal-dual interior-point method: ranges are slacked into
// equalities, bounds are handled by a logarithmic barrier, and each
// iteration takes a Newton step on the perturbed KKT system
//
//	𝐖 + 𝚺   𝐉ᵀ  ⎡ 𝐝𝐱 ⎤   ⎡ 𝜵𝒇 + 𝐉ᵀ𝛌 - µ(𝐗-𝐋)⁻¹𝐞 + µ(𝐔-𝐗)⁻¹𝐞 ⎤
//	𝐉       𝟎   ⎣ 𝐝𝛌 ⎦ = -⎣ 𝒄(𝐱)                            ⎦
//
// followed by a fraction-to-boundary step and a monotone reduction of the
// barrier parameter µ. The problem supplies exact first and second
// derivatives through a sparse two-phase callback contract.
package ipm

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Problem is the solver-side callback contract. Sparsity is reported by the
// *Structure methods once, before any value query; values are then filled
// into buffers aligned with that structure. Value callbacks receive newX
// (and HessianValues newLambda) telling whether the point actually changed
// since the previous call, so implementations can skip recomputation when a
// single iteration queries several quantities at one point.
type Problem interface {
	// Dims returns the variable count, constraint count, and the nonzero
	// counts of the constraint Jacobian and lower-triangular Lagrangian
	// Hessian.
	Dims() (n, m, jacNNZ, hessNNZ int)

	// Bounds fills the variable bounds (xl, xu) and constraint ranges
	// (gl, gu). gl[j] == gu[j] declares an equality row.
	Bounds(xl, xu, gl, gu []float64)

	// StartingPoint fills the primal start and, for warm starts, the bound
	// and constraint multipliers (zero is a valid cold start).
	StartingPoint(x, zl, zu, lambda []float64)

	Objective(x []float64, newX bool) float64
	Gradient(x []float64, newX bool, grad []float64)
	Constraints(x []float64, newX bool, c []float64)

	// JacobianStructure fills the (row, col) coordinate of every Jacobian
	// nonzero; JacobianValues fills the matching values.
	JacobianStructure(rows, cols []int32)
	JacobianValues(x []float64, newX bool, vals []float64)

	// HessianStructure fills the (row, col) pairs, row ≥ col, of the
	// lower-triangular Lagrangian Hessian σ·∇²f + ∑ λⱼ·∇²cⱼ;
	// HessianValues fills the matching values.
	HessianStructure(rows, cols []int32)
	HessianValues(x, lambda []float64, newX, newLambda bool, objFactor float64, vals []float64)

	// Finalize is called exactly once, with the termination status and the
	// final primal/dual iterates, so the caller can write the solution
	// back onto its own objects.
	Finalize(status Status, obj float64, x, zl, zu, lambda []float64)
}

// Status classifies the termination of a solve. Callers branching on it
// must treat every unlisted value as StatusUnknown.
type Status int

const (
	// StatusUnknown is the mandatory default for unrecognized outcomes.
	StatusUnknown Status = iota
	// StatusSuccess means the KKT error met the tolerance.
	StatusSuccess
	// StatusIterLimit means MaxIterations was exhausted.
	StatusIterLimit
	// StatusTimeLimit means MaxTime was exhausted.
	StatusTimeLimit
	// StatusInfeasible means primal infeasibility stopped improving far
	// from feasibility.
	StatusInfeasible
	// StatusDiverging means the iterates blew up.
	StatusDiverging
	// StatusRestorationFailure means no acceptable step could be restored.
	StatusRestorationFailure
	// StatusNumericalError means the KKT system stayed singular or values
	// went non-finite.
	StatusNumericalError
	// StatusUserStop means the iteration callback requested a stop.
	StatusUserStop
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusIterLimit:
		return "IterationLimit"
	case StatusTimeLimit:
		return "TimeLimit"
	case StatusInfeasible:
		return "Infeasible"
	case StatusDiverging:
		return "Diverging"
	case StatusRestorationFailure:
		return "RestorationFailure"
	case StatusNumericalError:
		return "NumericalError"
	case StatusUserStop:
		return "UserStop"
	}
	return "Unknown"
}

// Termination specifies the stopping criteria for the solve.
type Termination struct {
	// The iteration stops when the scaled KKT error drops below Tolerance.
	Tolerance float64
	// The iteration stops when the number of iterations exceeds the limit.
	MaxIterations int
	// The iteration stops when wall time exceeds MaxTime (0 = unlimited).
	MaxTime time.Duration
}

// LogLevel controls the frequency of logger output.
type LogLevel int

const (
	// LogNoop suppresses all output.
	LogNoop LogLevel = -1
	// LogLast prints one line at termination.
	LogLast LogLevel = 0
	// LogIter prints one line per iteration.
	LogIter LogLevel = 1
)

// Logger handles trace output for the solver. A nil logger is silent.
// The writer must be safe for the caller's own concurrency discipline;
// the solver itself writes sequentially.
type Logger struct {
	Level LogLevel
	Out   io.Writer
}

func (l *Logger) enable(level LogLevel) bool {
	return l != nil && l.Out != nil && l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	_, _ = fmt.Fprintf(l.Out, format, a...)
}

// Options configures a Solver.
type Options struct {
	Stop Termination
	// MuInit is the initial barrier parameter (default 0.1).
	MuInit float64
	// Tau is the fraction-to-boundary factor, 0 < Tau < 1 (default 0.995).
	Tau float64
	// BndInf marks absent bounds: a lower bound ≤ -BndInf or an upper
	// bound ≥ +BndInf carries no barrier term (default 1e19).
	BndInf float64
	// Logger receives iteration traces; nil is silent.
	Logger *Logger
	// Callback, when non-nil, runs once per iteration with the iteration
	// number, objective and primal infeasibility; returning false stops
	// the solve with StatusUserStop.
	Callback func(iter int, obj, inf float64) bool
}

func (o *Options) defaults() error {
	if o.Stop.Tolerance == 0 {
		o.Stop.Tolerance = 1e-8
	}
	if o.Stop.MaxIterations == 0 {
		o.Stop.MaxIterations = 300
	}
	if o.MuInit == 0 {
		o.MuInit = 0.1
	}
	if o.Tau == 0 {
		o.Tau = 0.995
	}
	if o.BndInf == 0 {
		o.BndInf = 1e19
	}
	switch {
	case o.Stop.Tolerance < 0:
		return errors.New("ipm: tolerance must be positive")
	case o.Stop.MaxIterations < 0:
		return errors.New("ipm: max iterations must be positive")
	case o.MuInit <= 0:
		return errors.New("ipm: initial barrier parameter must be positive")
	case o.Tau <= 0 || o.Tau >= 1:
		return errors.New("ipm: fraction-to-boundary factor must be in (0,1)")
	case o.BndInf <= 0:
		return errors.New("ipm: bound infinity must be positive")
	}
	return nil
}

// Result is the outcome of one Solve.
type Result struct {
	OK     bool      // Whether the solve converged.
	Obj    float64   // Final objective value.
	X      []float64 // Final primal point (problem variables only).
	Lambda []float64 // Final constraint multipliers.
	Summary
}

// Summary captures the iteration telemetry of the solve.
type Summary struct {
	Status    Status  // Final status after the solve.
	NumIter   int     // Number of iterations performed.
	Mu        float64 // Final barrier parameter.
	PrimalInf float64 // Final ‖c(x)‖∞ over slacked equalities.
	DualInf   float64 // Final ‖∇ₓL‖∞.
}
