// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"github.com/bureau-foundation/loom/lib/ident"
)

// pendingSet parks remote operations whose dependencies have not been
// integrated yet. Each operation waits under one missing dependency;
// once the state vector covers that id the operation re-enters the
// normal apply pipeline, which parks it again if another dependency
// is still missing.
type pendingSet struct {
	byDep map[ident.OpID][]Op
	count int
	max   int
}

func newPendingSet(max int) *pendingSet {
	return &pendingSet{
		byDep: make(map[ident.OpID][]Op),
		max:   max,
	}
}

func (p *pendingSet) len() int {
	return p.count
}

// park stores op until dep is covered. Returns ErrPendingOverflow
// when the buffer is full; the caller decides whether to fail the
// connection or request a snapshot.
func (p *pendingSet) park(op Op, dep ident.OpID) error {
	if p.count >= p.max {
		return ErrPendingOverflow
	}
	p.byDep[dep] = append(p.byDep[dep], op)
	p.count++
	return nil
}

// takeReady removes and returns every parked operation whose awaited
// dependency the state vector now covers. Ops come back grouped by
// dependency; the caller re-runs them through the apply pipeline,
// which handles any further missing dependencies.
func (p *pendingSet) takeReady(sv ident.StateVector) []Op {
	var ready []Op
	for dep, ops := range p.byDep {
		if !sv.Covers(dep) {
			continue
		}
		ready = append(ready, ops...)
		p.count -= len(ops)
		delete(p.byDep, dep)
	}
	return ready
}
