// Copyright ©2025 hydrokit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import "sort"

// structure holds every artifact derived by SetStructure. It is discarded
// wholesale by ReleaseStructure; nothing in it survives a structural edit.
type structure struct {
	// CSR Jacobian pattern: row i owns colNdx[rowNNZ[i]:rowNNZ[i+1]].
	rowNNZ []int32
	colNdx []int32

	// Lower-triangular Hessian pattern and its contributors, sorted by
	// (hi, lo). hessHi/hessLo mirror hess for structure queries.
	hess   []hessEntry
	hessHi []int32
	hessLo []int32

	// maxProg is the longest compiled program in the model; one scratch
	// stack of this size runs every program.
	maxProg int
}

type hessEntry struct {
	key  pairKey
	obj  bool  // objective contributes to this pair
	rows []int // contributing row indices
}

// SetStructure assigns stable 0-based indices to variables (registry order)
// and rows (registration order), compiles every value and derivative
// program, derives the CSR Jacobian and lower-triangular Hessian patterns,
// and transitions the model to Solvable state.
func (m *Model) SetStructure() error {
	if err := m.editable("SetStructure"); err != nil {
		return err
	}

	for i, v := range m.vars {
		v.index = i
	}

	if m.obj != nil {
		if err := m.obj.compile(m); err != nil {
			m.releaseCompiled()
			return err
		}
	}
	for _, r := range m.rows {
		if err := r.compile(m); err != nil {
			m.releaseCompiled()
			return err
		}
	}

	s := &structure{rowNNZ: make([]int32, len(m.rows)+1)}
	for i, r := range m.rows {
		cols := r.cols()
		s.rowNNZ[i+1] = s.rowNNZ[i] + int32(len(cols))
		s.colNdx = append(s.colNdx, cols...)
		s.maxProg = max(s.maxProg, r.maxProgLen())
	}

	byPair := make(map[pairKey]*hessEntry)
	touch := func(k pairKey) *hessEntry {
		e, ok := byPair[k]
		if !ok {
			e = &hessEntry{key: k}
			byPair[k] = e
		}
		return e
	}
	if m.obj != nil {
		s.maxProg = max(s.maxProg, m.obj.maxLen)
		for _, k := range m.obj.hessP {
			touch(k).obj = true
		}
	}
	for i, r := range m.rows {
		for _, k := range r.pairs() {
			e := touch(k)
			e.rows = append(e.rows, i)
		}
	}
	s.hess = make([]hessEntry, 0, len(byPair))
	for _, e := range byPair {
		s.hess = append(s.hess, *e)
	}
	sort.Slice(s.hess, func(i, j int) bool {
		a, b := s.hess[i].key, s.hess[j].key
		if a.hi != b.hi {
			return a.hi < b.hi
		}
		return a.lo < b.lo
	})
	s.hessHi = make([]int32, len(s.hess))
	s.hessLo = make([]int32, len(s.hess))
	for i, e := range s.hess {
		s.hessHi[i] = int32(e.key.hi)
		s.hessLo[i] = int32(e.key.lo)
	}

	m.structure = s
	m.state = Solvable
	return nil
}

// ReleaseStructure discards all compiled programs and sparsity patterns and
// returns the model to Editable state. Every index, CSR slice and evaluator
// derived from the released structure is invalidated.
func (m *Model) ReleaseStructure() error {
	if m.state != Solvable {
		return &StateError{Op: "ReleaseStructure", State: m.state}
	}
	m.releaseCompiled()
	m.structure = nil
	m.state = Editable
	return nil
}

func (m *Model) releaseCompiled() {
	if m.obj != nil {
		m.obj.release()
	}
	for _, r := range m.rows {
		r.release()
	}
	for _, v := range m.vars {
		v.index = -1
	}
}

// JacobianSparsity returns the CSR pattern: rowNNZ is the prefix-sum row
// offset array (len m+1), colNdx the variable index of each nonzero.
// The returned slices are the live pattern and must not be modified.
// Requires Solvable state.
func (m *Model) JacobianSparsity() (rowNNZ, colNdx []int32) {
	m.mustSolvable("JacobianSparsity")
	return m.structure.rowNNZ, m.structure.colNdx
}

// HessianSparsity returns the lower-triangular Hessian pattern as parallel
// (hi, lo) variable-index arrays, hi ≥ lo, sorted. The returned slices are
// the live pattern and must not be modified. Requires Solvable state.
func (m *Model) HessianSparsity() (hi, lo []int32) {
	m.mustSolvable("HessianSparsity")
	return m.structure.hessHi, m.structure.hessLo
}

// JacNNZ returns the Jacobian nonzero count. Requires Solvable state.
func (m *Model) JacNNZ() int {
	m.mustSolvable("JacNNZ")
	return len(m.structure.colNdx)
}

// HessNNZ returns the Hessian pair count. Requires Solvable state.
func (m *Model) HessNNZ() int {
	m.mustSolvable("HessNNZ")
	return len(m.structure.hess)
}
