// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"
	"unicode/utf8"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// ContainerKind discriminates the three merge disciplines.
type ContainerKind uint8

const (
	KindSequence ContainerKind = iota + 1
	KindMap
	KindText
)

func (k ContainerKind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindMap:
		return "map"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// valid reports whether k is one of the defined kinds. Decoders call
// this before integrating anything from the wire.
func (k ContainerKind) valid() bool {
	return k == KindSequence || k == KindMap || k == KindText
}

// OpType discriminates operation payload variants. The apply path
// switches exhaustively on it; an unknown value from the wire is a
// protocol error, never a silent skip.
type OpType uint8

const (
	// OpInsert places a new sequence item after Parent (zero Parent
	// means the container head). Value carries the item payload.
	OpInsert OpType = iota + 1
	// OpDelete tombstones the atom identified by Target. Used by
	// sequence and text containers.
	OpDelete
	// OpSet writes a map key. Value is the payload; a nil Value is a
	// key removal (kept as a tombstoned register until compaction).
	OpSet
	// OpEdit replaces the payload of the live sequence item
	// identified by Target, last-writer-wins by op id.
	OpEdit
	// OpTextInsert inserts Runes after Parent. The op spans one clock
	// per rune: rune i becomes an atom with id (Client, Clock+i)
	// chained after its predecessor.
	OpTextInsert
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSet:
		return "set"
	case OpEdit:
		return "edit"
	case OpTextInsert:
		return "text-insert"
	default:
		return fmt.Sprintf("op(%d)", uint8(t))
	}
}

// Op is the atomic unit of change. Ops are immutable once created;
// they are what travels on the wire, sits in the oplog, and replays
// from snapshots.
type Op struct {
	ID        ident.OpID       `cbor:"id"`
	Container string           `cbor:"ct"`
	Kind      ContainerKind    `cbor:"kd"`
	Type      OpType           `cbor:"ty"`
	Deps      []ident.OpID     `cbor:"dp,omitempty"`
	Parent    ident.OpID       `cbor:"pa"`
	Target    ident.OpID       `cbor:"tg"`
	Key       string           `cbor:"ky,omitempty"`
	Value     codec.RawMessage `cbor:"va,omitempty"`
	Runes     string           `cbor:"rn,omitempty"`
}

// ClockSpan returns how many clock values the op consumes: one per
// rune for text inserts, one otherwise.
func (op *Op) ClockSpan() uint64 {
	if op.Type == OpTextInsert {
		n := uint64(utf8.RuneCountInString(op.Runes))
		if n > 0 {
			return n
		}
	}
	return 1
}

// LastID returns the highest op id the op covers. A replica's state
// vector advances to LastID when the op integrates.
func (op *Op) LastID() ident.OpID {
	return ident.OpID{Client: op.ID.Client, Clock: op.ID.Clock + op.ClockSpan() - 1}
}

// validate rejects ops that are malformed regardless of document
// state. Structural damage here is a protocol error: the sender is
// broken or the stream corrupted, and the connection should resync.
func (op *Op) validate() error {
	if op.ID.IsZero() {
		return fmt.Errorf("document: op has zero id: %w", ErrMalformedOp)
	}
	if op.Container == "" {
		return fmt.Errorf("document: op %v has empty container name: %w", op.ID, ErrMalformedOp)
	}
	if !op.Kind.valid() {
		return fmt.Errorf("document: op %v has unknown container kind %d: %w", op.ID, op.Kind, ErrMalformedOp)
	}
	switch op.Type {
	case OpInsert:
		if op.Kind != KindSequence {
			return fmt.Errorf("document: insert op %v on %v container: %w", op.ID, op.Kind, ErrMalformedOp)
		}
		if len(op.Value) == 0 {
			return fmt.Errorf("document: insert op %v has no payload: %w", op.ID, ErrMalformedOp)
		}
	case OpDelete:
		if op.Kind == KindMap {
			return fmt.Errorf("document: delete op %v on map container: %w", op.ID, ErrMalformedOp)
		}
		if op.Target.IsZero() {
			return fmt.Errorf("document: delete op %v has no target: %w", op.ID, ErrMalformedOp)
		}
	case OpSet:
		if op.Kind != KindMap {
			return fmt.Errorf("document: set op %v on %v container: %w", op.ID, op.Kind, ErrMalformedOp)
		}
		if op.Key == "" {
			return fmt.Errorf("document: set op %v has empty key: %w", op.ID, ErrMalformedOp)
		}
	case OpEdit:
		if op.Kind != KindSequence {
			return fmt.Errorf("document: edit op %v on %v container: %w", op.ID, op.Kind, ErrMalformedOp)
		}
		if op.Target.IsZero() {
			return fmt.Errorf("document: edit op %v has no target: %w", op.ID, ErrMalformedOp)
		}
		if len(op.Value) == 0 {
			return fmt.Errorf("document: edit op %v has no payload: %w", op.ID, ErrMalformedOp)
		}
	case OpTextInsert:
		if op.Kind != KindText {
			return fmt.Errorf("document: text insert op %v on %v container: %w", op.ID, op.Kind, ErrMalformedOp)
		}
		if op.Runes == "" {
			return fmt.Errorf("document: text insert op %v has no runes: %w", op.ID, ErrMalformedOp)
		}
		if !utf8.ValidString(op.Runes) {
			return fmt.Errorf("document: text insert op %v carries invalid UTF-8: %w", op.ID, ErrMalformedOp)
		}
	default:
		return fmt.Errorf("document: op %v has unknown type %d: %w", op.ID, op.Type, ErrUnknownOp)
	}
	return nil
}
