// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipm

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

const (
	interiorPush = 1e-2 // relative push of the start into the bound interior
	dualInitMin  = 1e-8 // clip range for cold-started bound multipliers
	dualInitMax  = 1e+8
	kappaEps     = 10.0  // barrier error threshold factor Eµ ≤ κε·µ
	muShrink     = 0.2   // linear µ reduction factor
	divergeLimit = 1e20  // ‖x‖∞ beyond which the iterates count as diverging
	stallLimit   = 15    // iterations without feasibility progress
	restoreLimit = 5     // consecutive failed line searches
	maxBacktrack = 30
	regInit      = 1e-8 // first Hessian-diagonal regularization
	regMax       = 1e10
)

// Solver carries one problem instance plus the preallocated workspace for
// repeated solves (the warm-start path re-runs Solve on the same Solver).
type Solver struct {
	p Problem
	o Options

	n, m int // problem variables / constraints
	nx   int // n plus one slack per range row

	slack      []int // per row: slack column, or -1 for an equality row
	jrow, jcol []int32
	hrow, hcol []int32

	xl, xu     []float64 // length nx, slack bounds appended
	hasL, hasU []bool
	gl, gu     []float64

	// iterate
	x, zl, zu []float64 // length nx
	lam       []float64

	// scratch
	grad  []float64 // length n
	c, ct []float64 // length m
	rp    []float64 // slack-adjusted primal residual
	gbar  []float64 // ∇f̃ + 𝐉̃ᵀ𝛌
	jval  []float64
	hval  []float64
	dx    []float64
	dzl   []float64
	dzu   []float64
	dlam  []float64
	xt    []float64 // trial point
	k     *kkt

	nu float64 // merit penalty weight
}

// NewSolver validates the options, queries the problem structure once and
// allocates the workspace.
func NewSolver(p Problem, o Options) (*Solver, error) {
	if p == nil {
		return nil, errors.New("ipm: problem is required")
	}
	if err := o.defaults(); err != nil {
		return nil, err
	}

	n, m, jnnz, hnnz := p.Dims()
	if n <= 0 {
		return nil, errors.New("ipm: problem dimension must be greater than 0")
	}
	if m < 0 || jnnz < 0 || hnnz < 0 {
		return nil, errors.New("ipm: negative problem dimension")
	}

	s := &Solver{p: p, o: o, n: n, m: m}

	xl := make([]float64, n)
	xu := make([]float64, n)
	s.gl = make([]float64, m)
	s.gu = make([]float64, m)
	p.Bounds(xl, xu, s.gl, s.gu)

	// Range rows get a slack variable appended to the primal vector; the
	// row then reads c(x) - s = 0 with the range as the slack's bounds.
	s.slack = make([]int, m)
	nx := n
	for j := 0; j < m; j++ {
		if s.gl[j] == s.gu[j] {
			s.slack[j] = -1
			continue
		}
		s.slack[j] = nx
		nx++
	}
	s.nx = nx

	s.xl = append(xl, make([]float64, nx-n)...)
	s.xu = append(xu, make([]float64, nx-n)...)
	for j, sc := range s.slack {
		if sc >= 0 {
			s.xl[sc], s.xu[sc] = s.gl[j], s.gu[j]
		}
	}
	s.hasL = make([]bool, nx)
	s.hasU = make([]bool, nx)
	for i := 0; i < nx; i++ {
		s.hasL[i] = s.xl[i] > -o.BndInf
		s.hasU[i] = s.xu[i] < +o.BndInf
	}

	s.jrow = make([]int32, jnnz)
	s.jcol = make([]int32, jnnz)
	p.JacobianStructure(s.jrow, s.jcol)
	s.hrow = make([]int32, hnnz)
	s.hcol = make([]int32, hnnz)
	p.HessianStructure(s.hrow, s.hcol)

	s.x = make([]float64, nx)
	s.zl = make([]float64, nx)
	s.zu = make([]float64, nx)
	s.lam = make([]float64, m)
	s.grad = make([]float64, n)
	s.c = make([]float64, m)
	s.ct = make([]float64, m)
	s.rp = make([]float64, m)
	s.gbar = make([]float64, nx)
	s.jval = make([]float64, jnnz)
	s.hval = make([]float64, hnnz)
	s.dx = make([]float64, nx)
	s.dzl = make([]float64, nx)
	s.dzu = make([]float64, nx)
	s.dlam = make([]float64, m)
	s.xt = make([]float64, nx)
	s.k = newKKT(nx, m)
	return s, nil
}

// start loads the warm-start point, pushes it strictly inside the bounds,
// seeds the slacks from the constraint values and cold-starts any
// nonpositive bound multipliers at µ-scaled magnitudes.
func (s *Solver) start(mu float64) {
	s.p.StartingPoint(s.x[:s.n], s.zl[:s.n], s.zu[:s.n], s.lam)
	for i := 0; i < s.n; i++ {
		s.pushInterior(i)
	}

	s.p.Constraints(s.x[:s.n], true, s.c)
	for j, sc := range s.slack {
		if sc >= 0 {
			s.x[sc] = s.c[j]
			s.pushInterior(sc)
		}
	}

	for i := 0; i < s.nx; i++ {
		if s.hasL[i] && s.zl[i] <= 0 {
			s.zl[i] = clip(mu/(s.x[i]-s.xl[i]), dualInitMin, dualInitMax)
		}
		if s.hasU[i] && s.zu[i] <= 0 {
			s.zu[i] = clip(mu/(s.xu[i]-s.x[i]), dualInitMin, dualInitMax)
		}
		if !s.hasL[i] {
			s.zl[i] = 0
		}
		if !s.hasU[i] {
			s.zu[i] = 0
		}
	}
	s.nu = 1
}

func (s *Solver) pushInterior(i int) {
	l, u := s.xl[i], s.xu[i]
	switch {
	case s.hasL[i] && s.hasU[i]:
		p := math.Min(interiorPush*math.Max(1, math.Abs(l)), (u-l)/4)
		q := math.Min(interiorPush*math.Max(1, math.Abs(u)), (u-l)/4)
		s.x[i] = math.Min(math.Max(s.x[i], l+p), u-q)
	case s.hasL[i]:
		s.x[i] = math.Max(s.x[i], l+interiorPush*math.Max(1, math.Abs(l)))
	case s.hasU[i]:
		s.x[i] = math.Min(s.x[i], u-interiorPush*math.Max(1, math.Abs(u)))
	}
}

func clip(v, lo, hi float64) float64 { return math.Min(math.Max(v, lo), hi) }

// primalResidual fills rp from constraint values c and slack columns of x.
func (s *Solver) primalResidual(x, c, rp []float64) {
	for j, sc := range s.slack {
		if sc >= 0 {
			rp[j] = c[j] - x[sc]
		} else {
			rp[j] = c[j] - s.gl[j]
		}
	}
}

// dualBase fills gbar = ∇f̃ + 𝐉̃ᵀ𝛌 (no bound-multiplier terms).
func (s *Solver) dualBase() {
	for i := range s.gbar {
		s.gbar[i] = 0
	}
	copy(s.gbar, s.grad)
	for t, v := range s.jval {
		s.gbar[s.jcol[t]] += v * s.lam[s.jrow[t]]
	}
	for j, sc := range s.slack {
		if sc >= 0 {
			s.gbar[sc] -= s.lam[j]
		}
	}
}

// kktError returns the dual, primal and complementarity infinity norms;
// compl is measured against the target barrier parameter mu (0 for the
// true KKT error).
func (s *Solver) kktError(mu float64) (dual, primal, compl float64) {
	for i := 0; i < s.nx; i++ {
		r := s.gbar[i]
		if s.hasL[i] {
			r -= s.zl[i]
			compl = math.Max(compl, math.Abs(s.zl[i]*(s.x[i]-s.xl[i])-mu))
		}
		if s.hasU[i] {
			r += s.zu[i]
			compl = math.Max(compl, math.Abs(s.zu[i]*(s.xu[i]-s.x[i])-mu))
		}
		dual = math.Max(dual, math.Abs(r))
	}
	for _, v := range s.rp {
		primal = math.Max(primal, math.Abs(v))
	}
	return
}

// merit is the barrier objective plus an L1 penalty on the slacked
// equalities; theta is the penalty part alone.
func (s *Solver) merit(f, mu float64, x, rp []float64) (phi, theta float64) {
	phi = f
	for i := 0; i < s.nx; i++ {
		if s.hasL[i] {
			phi -= mu * math.Log(x[i]-s.xl[i])
		}
		if s.hasU[i] {
			phi -= mu * math.Log(s.xu[i]-x[i])
		}
	}
	for _, v := range rp {
		theta += math.Abs(v)
	}
	phi += s.nu * theta
	return
}

// Solve runs the interior-point iteration to termination and calls the
// problem's Finalize exactly once with the final iterate.
func (s *Solver) Solve() *Result {
	begin := time.Now()
	o, p, lg := &s.o, s.p, s.o.Logger

	mu := o.MuInit
	s.start(mu)

	status := StatusUnknown
	iter, restore, stall := 0, 0, 0
	bestPrimal := math.Inf(1)

	f := p.Objective(s.x[:s.n], true)
	p.Gradient(s.x[:s.n], false, s.grad)
	p.Constraints(s.x[:s.n], false, s.c)
	p.JacobianValues(s.x[:s.n], false, s.jval)
	newLam := true

	var dual, primal, compl float64
loop:
	for {
		s.primalResidual(s.x, s.c, s.rp)
		s.dualBase()
		dual, primal, compl = s.kktError(0)

		switch {
		case math.IsNaN(f) || math.IsInf(f, 0):
			status = StatusNumericalError
			break loop
		case floats.Norm(s.x, math.Inf(1)) > divergeLimit:
			status = StatusDiverging
			break loop
		case math.Max(dual, math.Max(primal, compl)) <= o.Stop.Tolerance:
			status = StatusSuccess
			break loop
		case iter >= o.Stop.MaxIterations:
			status = StatusIterLimit
			break loop
		case o.Stop.MaxTime > 0 && time.Since(begin) > o.Stop.MaxTime:
			status = StatusTimeLimit
			break loop
		}

		// Feasibility stall: the residual stopped improving far from
		// feasibility, the classic signature of an infeasible switch state.
		if primal < 0.999*bestPrimal {
			bestPrimal, stall = primal, 0
		} else if primal > 1e4*o.Stop.Tolerance {
			if stall++; stall > stallLimit {
				status = StatusInfeasible
				break loop
			}
		}

		if o.Callback != nil && !o.Callback(iter, f, primal) {
			status = StatusUserStop
			break loop
		}

		// Monotone barrier update: tighten µ every time the µ-perturbed
		// KKT error is already below κε·µ.
		for {
			_, _, cmu := s.kktError(mu)
			emu := math.Max(dual, math.Max(primal, cmu))
			if emu > kappaEps*mu || mu <= o.Stop.Tolerance/kappaEps {
				break
			}
			mu = math.Max(o.Stop.Tolerance/kappaEps, math.Min(muShrink*mu, math.Pow(mu, 1.5)))
		}

		if !s.newtonStep(mu, newLam) {
			status = StatusNumericalError
			break loop
		}
		newLam = false

		alphaP, alphaD := s.boundaryStep()
		alpha, fNew, ok := s.lineSearch(f, mu, alphaP)
		if !ok {
			if restore++; restore >= restoreLimit {
				status = StatusRestorationFailure
				break loop
			}
		} else {
			restore = 0
		}

		// Accept: x and λ move by the primal step, z by the dual step.
		floats.AddScaled(s.x, alpha, s.dx)
		floats.AddScaled(s.lam, alpha, s.dlam)
		newLam = true
		for i := 0; i < s.nx; i++ {
			if s.hasL[i] {
				s.zl[i] += alphaD * s.dzl[i]
			}
			if s.hasU[i] {
				s.zu[i] += alphaD * s.dzu[i]
			}
		}

		f = fNew
		p.Gradient(s.x[:s.n], false, s.grad)
		p.JacobianValues(s.x[:s.n], false, s.jval)

		iter++
		if lg.enable(LogIter) {
			lg.log("iter %4d  f %14.6e  inf %9.2e  dual %9.2e  mu %8.1e  alpha %8.1e\n",
				iter, f, primal, dual, mu, alpha)
		}
	}

	if lg.enable(LogLast) {
		lg.log("ipm: %s after %d iterations  f %14.6e  inf %9.2e  dual %9.2e\n",
			status, iter, f, primal, dual)
	}

	res := &Result{
		OK:     status == StatusSuccess,
		Obj:    f,
		X:      append([]float64(nil), s.x[:s.n]...),
		Lambda: append([]float64(nil), s.lam...),
		Summary: Summary{
			Status:    status,
			NumIter:   iter,
			Mu:        mu,
			PrimalInf: primal,
			DualInf:   dual,
		},
	}
	p.Finalize(status, f, s.x[:s.n], s.zl[:s.n], s.zu[:s.n], s.lam)
	return res
}

// newtonStep assembles and solves the perturbed KKT system for (dx, dλ)
// and recovers (dzl, dzu), escalating diagonal regularization while the
// factorization stays singular.
func (s *Solver) newtonStep(mu float64, newLam bool) bool {
	k := s.k
	if len(s.hval) > 0 {
		s.p.HessianValues(s.x[:s.n], s.lam, false, newLam, 1, s.hval)
	}

	for reg := 0.0; ; {
		k.reset()
		for t, v := range s.hval {
			k.addW(int(s.hrow[t]), int(s.hcol[t]), v)
		}
		for i := 0; i < s.nx; i++ {
			d := 0.0
			if s.hasL[i] {
				d += s.zl[i] / (s.x[i] - s.xl[i])
			}
			if s.hasU[i] {
				d += s.zu[i] / (s.xu[i] - s.x[i])
			}
			if d != 0 {
				k.addW(i, i, d)
			}
		}
		for t, v := range s.jval {
			k.addJ(int(s.jrow[t]), int(s.jcol[t]), v)
		}
		for j, sc := range s.slack {
			if sc >= 0 {
				k.addJ(j, sc, -1)
			}
		}
		if reg > 0 {
			k.regularize(reg, reg*1e-8)
		}

		for i := 0; i < s.nx; i++ {
			v := s.gbar[i]
			if s.hasL[i] {
				v -= mu / (s.x[i] - s.xl[i])
			}
			if s.hasU[i] {
				v += mu / (s.xu[i] - s.x[i])
			}
			k.rhs.SetVec(i, -v)
		}
		for j, v := range s.rp {
			k.rhs.SetVec(s.nx+j, -v)
		}

		if k.solve() {
			break
		}
		if reg == 0 {
			reg = regInit
		} else {
			reg *= 100
		}
		if reg > regMax {
			return false
		}
	}

	for i := 0; i < s.nx; i++ {
		s.dx[i] = k.sol.AtVec(i)
	}
	for j := 0; j < s.m; j++ {
		s.dlam[j] = k.sol.AtVec(s.nx + j)
	}
	for i := 0; i < s.nx; i++ {
		s.dzl[i], s.dzu[i] = 0, 0
		if s.hasL[i] {
			sl := s.x[i] - s.xl[i]
			s.dzl[i] = mu/sl - s.zl[i] - s.zl[i]/sl*s.dx[i]
		}
		if s.hasU[i] {
			su := s.xu[i] - s.x[i]
			s.dzu[i] = mu/su - s.zu[i] + s.zu[i]/su*s.dx[i]
		}
	}
	return !anyNaN(s.dx) && !anyNaN(s.dlam)
}

func anyNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// boundaryStep applies the fraction-to-boundary rule: the primal step may
// consume at most a τ fraction of any bound gap, the dual step at most a τ
// fraction of any multiplier.
func (s *Solver) boundaryStep() (alphaP, alphaD float64) {
	tau := s.o.Tau
	alphaP, alphaD = 1, 1
	for i := 0; i < s.nx; i++ {
		if s.hasL[i] {
			if s.dx[i] < 0 {
				alphaP = math.Min(alphaP, -tau*(s.x[i]-s.xl[i])/s.dx[i])
			}
			if s.dzl[i] < 0 {
				alphaD = math.Min(alphaD, -tau*s.zl[i]/s.dzl[i])
			}
		}
		if s.hasU[i] {
			if s.dx[i] > 0 {
				alphaP = math.Min(alphaP, tau*(s.xu[i]-s.x[i])/s.dx[i])
			}
			if s.dzu[i] < 0 {
				alphaD = math.Min(alphaD, -tau*s.zu[i]/s.dzu[i])
			}
		}
	}
	return
}

// lineSearch backtracks from the fraction-to-boundary step until either the
// merit function or the constraint violation improves. It returns the step
// actually taken, the objective at the new point, and whether any trial was
// acceptable (the last trial is taken regardless, so the iteration always
// moves; repeated failures escalate to restoration failure in the caller).
func (s *Solver) lineSearch(f, mu, alphaMax float64) (alpha, fNew float64, ok bool) {
	s.nu = math.Max(s.nu, 2*floats.Norm(s.lam, math.Inf(1)))
	phi0, theta0 := s.merit(f, mu, s.x, s.rp)

	alpha = alphaMax
	for try := 0; ; try++ {
		copy(s.xt, s.x)
		floats.AddScaled(s.xt, alpha, s.dx)

		fNew = s.p.Objective(s.xt[:s.n], true)
		s.p.Constraints(s.xt[:s.n], false, s.ct)
		s.primalResidual(s.xt, s.ct, s.rp)
		phi, theta := s.merit(fNew, mu, s.xt, s.rp)

		if !math.IsNaN(phi) && (phi < phi0 || theta < (1-1e-4*alpha)*theta0) {
			copy(s.c, s.ct)
			return alpha, fNew, true
		}
		if try >= maxBacktrack {
			copy(s.c, s.ct)
			return alpha, fNew, false
		}
		alpha /= 2
	}
}
