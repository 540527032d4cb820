// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import "fmt"

// container binds a name to one CRDT instance. Sequence and text
// containers share the rga tree (text atoms are runes, sequence atoms
// are CBOR payloads); map containers hold independent registers.
type container struct {
	name string
	kind ContainerKind

	seq *rga
	kv  *kvmap
}

func newContainer(name string, kind ContainerKind) *container {
	c := &container{name: name, kind: kind}
	if kind == KindMap {
		c.kv = newKVMap()
	} else {
		c.seq = newRGA()
	}
	return c
}

// containerFor returns the named container, creating it with the
// given kind on first reference. A name reused with a different kind
// is a protocol-level conflict and fails.
func (d *Doc) containerFor(name string, kind ContainerKind) (*container, error) {
	if c, ok := d.containers[name]; ok {
		if c.kind != kind {
			return nil, fmt.Errorf("document: container %q is %s, not %s: %w", name, c.kind, kind, ErrKindMismatch)
		}
		return c, nil
	}
	c := newContainer(name, kind)
	d.containers[name] = c
	return c, nil
}

// ContainerInfo describes one container for inspection APIs.
type ContainerInfo struct {
	Name string
	Kind ContainerKind
	// Len is the visible element count: live entries for sequences,
	// runes for text, live keys for maps.
	Len int
}

func (c *container) length() int {
	if c.kind == KindMap {
		return c.kv.size()
	}
	return c.seq.liveCount
}
