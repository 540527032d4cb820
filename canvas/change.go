// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canvas

import (
	"sort"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/ident"
)

// Change describes the effect of one committed transaction on a
// single container.
type Change struct {
	// Container names the container; Kind is its merge discipline.
	Container string
	Kind      document.ContainerKind

	// Source labels what produced the commit: a local transaction, a
	// remote batch, or a snapshot merge.
	Source document.Source

	// Ops identifies the transaction's operations that addressed this
	// container, in application order. Nil for snapshot merges, whose
	// effect is not expressible op by op; observers re-read the
	// container instead.
	Ops []ident.OpID

	// Inserted counts sequence entries or text runes added, Deleted
	// counts entries or runes tombstoned, and Edited counts sequence
	// payload replacements. The counts describe the operations
	// applied; the visible effect can be smaller when concurrent
	// writers raced.
	Inserted int
	Deleted  int
	Edited   int

	// SetKeys and RemovedKeys list the map keys written and removed,
	// sorted and deduplicated.
	SetKeys     []string
	RemovedKeys []string
}

// changeFor aggregates the slice of a commit that addressed one
// container.
func changeFor(name string, kind document.ContainerKind, commit document.Commit) Change {
	change := Change{
		Container: name,
		Kind:      kind,
		Source:    commit.Source,
	}
	var set, removed map[string]struct{}
	for i := range commit.Ops {
		op := &commit.Ops[i]
		if op.Container != name {
			continue
		}
		change.Ops = append(change.Ops, op.ID)
		switch op.Type {
		case document.OpInsert:
			change.Inserted++
		case document.OpTextInsert:
			change.Inserted += int(op.ClockSpan())
		case document.OpDelete:
			change.Deleted++
		case document.OpEdit:
			change.Edited++
		case document.OpSet:
			if op.Value == nil {
				if removed == nil {
					removed = make(map[string]struct{})
				}
				removed[op.Key] = struct{}{}
			} else {
				if set == nil {
					set = make(map[string]struct{})
				}
				set[op.Key] = struct{}{}
			}
		}
	}
	change.SetKeys = sortedKeySet(set)
	change.RemovedKeys = sortedKeySet(removed)
	return change
}

func sortedKeySet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
