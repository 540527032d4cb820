// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canvas

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/codec"
)

// Canvas is the consumer surface of one document. It hands out typed
// handles over the document's containers and fans each committed
// transaction out to the observers of every container the
// transaction touched.
type Canvas struct {
	doc *document.Doc

	mu         sync.Mutex
	registries map[string]*registry
}

// New builds a Canvas over doc. The canvas does not install itself:
// wire Dispatch as the document's commit hook, or call it from a hook
// that also feeds persistence and transport.
func New(doc *document.Doc) (*Canvas, error) {
	if doc == nil {
		return nil, fmt.Errorf("canvas: document is required")
	}
	return &Canvas{
		doc:        doc,
		registries: make(map[string]*registry),
	}, nil
}

// Update runs fn as one transaction against the underlying document.
// Use it when a single commit must span several containers; the
// observers of every touched container receive their Change from the
// same commit.
func (c *Canvas) Update(fn func(*document.Txn) error) error {
	return c.doc.Update(fn)
}

// Dispatch routes one commit to the observers of every container it
// touched, in container name order. Install it as the document's
// commit hook:
//
//	doc.SetCommitHook(canvas.Dispatch)
//
// or call it from a hook that also feeds persistence and transport.
// The document delivers commits one at a time in application order
// and Dispatch preserves that order for every observer, so Dispatch
// itself must not be called concurrently. An observer registered
// while a dispatch is running receives the next commit, not the one
// in flight.
func (c *Canvas) Dispatch(commit document.Commit) {
	for _, name := range commit.Containers {
		c.mu.Lock()
		r := c.registries[name]
		c.mu.Unlock()
		if r == nil {
			continue
		}
		recipients := r.collect()
		if len(recipients) == 0 {
			continue
		}
		r.deliver(recipients, changeFor(name, r.kind, commit))
	}
}

// registryFor returns the named container's registry, creating it
// bound to the given kind. The kind must agree with any previous
// binding and with the document's view of the container.
func (c *Canvas) registryFor(name string, kind document.ContainerKind) (*registry, error) {
	if name == "" {
		return nil, fmt.Errorf("canvas: container name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.registries[name]; ok {
		if r.kind != kind {
			return nil, fmt.Errorf("canvas: container %q is %s, not %s: %w", name, r.kind, kind, document.ErrKindMismatch)
		}
		return r, nil
	}
	for _, info := range c.doc.Containers() {
		if info.Name == name && info.Kind != kind {
			return nil, fmt.Errorf("canvas: container %q is %s, not %s: %w", name, info.Kind, kind, document.ErrKindMismatch)
		}
	}
	r := &registry{name: name, kind: kind}
	c.registries[name] = r
	return r, nil
}

// Handle is the kind-independent surface of a container handle.
type Handle interface {
	// Name returns the container name.
	Name() string
	// Kind returns the container's merge discipline.
	Kind() document.ContainerKind
	// Observe registers fn for the container's future changes and
	// returns its Subscription. Callbacks run on the goroutine that
	// committed the transaction, one commit at a time in application
	// order, and must not block. A nil fn yields an inert
	// Subscription.
	Observe(fn func(Change)) *Subscription
}

var (
	_ Handle = (*ListHandle)(nil)
	_ Handle = (*MapHandle)(nil)
	_ Handle = (*TextHandle)(nil)
)

// Container returns a typed handle for the named container: a
// *ListHandle for sequences, a *MapHandle for maps, a *TextHandle for
// text. The container itself comes into existence on the first
// mutation through the handle; until then reads see it empty. A name
// already bound to a different kind fails with
// document.ErrKindMismatch.
func (c *Canvas) Container(name string, kind document.ContainerKind) (Handle, error) {
	switch kind {
	case document.KindSequence:
		return c.List(name)
	case document.KindMap:
		return c.Map(name)
	case document.KindText:
		return c.Text(name)
	default:
		return nil, fmt.Errorf("canvas: unknown container kind %d", kind)
	}
}

// ListHandle is the consumer view of one sequence container.
type ListHandle struct {
	canvas *Canvas
	r      *registry
}

// List returns the handle for the named sequence container.
func (c *Canvas) List(name string) (*ListHandle, error) {
	r, err := c.registryFor(name, document.KindSequence)
	if err != nil {
		return nil, err
	}
	return &ListHandle{canvas: c, r: r}, nil
}

func (h *ListHandle) Name() string { return h.r.name }

func (h *ListHandle) Kind() document.ContainerKind { return document.KindSequence }

// Observe registers fn for the container's changes.
func (h *ListHandle) Observe(fn func(Change)) *Subscription {
	return h.r.observe(fn)
}

// Values returns copies of the visible entries in order.
func (h *ListHandle) Values() ([]codec.RawMessage, error) {
	return h.canvas.doc.ReadList(h.r.name)
}

// Update runs fn as one transaction scoped to this container.
func (h *ListHandle) Update(fn func(*document.ListTxn) error) error {
	return h.canvas.doc.Update(func(t *document.Txn) error {
		view, err := t.List(h.r.name)
		if err != nil {
			return err
		}
		return fn(view)
	})
}

// MapHandle is the consumer view of one map container.
type MapHandle struct {
	canvas *Canvas
	r      *registry
}

// Map returns the handle for the named map container.
func (c *Canvas) Map(name string) (*MapHandle, error) {
	r, err := c.registryFor(name, document.KindMap)
	if err != nil {
		return nil, err
	}
	return &MapHandle{canvas: c, r: r}, nil
}

func (h *MapHandle) Name() string { return h.r.name }

func (h *MapHandle) Kind() document.ContainerKind { return document.KindMap }

// Observe registers fn for the container's changes.
func (h *MapHandle) Observe(fn func(Change)) *Subscription {
	return h.r.observe(fn)
}

// Entries returns copies of the live entries.
func (h *MapHandle) Entries() (map[string]codec.RawMessage, error) {
	return h.canvas.doc.ReadMap(h.r.name)
}

// Update runs fn as one transaction scoped to this container.
func (h *MapHandle) Update(fn func(*document.MapTxn) error) error {
	return h.canvas.doc.Update(func(t *document.Txn) error {
		view, err := t.Map(h.r.name)
		if err != nil {
			return err
		}
		return fn(view)
	})
}

// TextHandle is the consumer view of one text container.
type TextHandle struct {
	canvas *Canvas
	r      *registry
}

// Text returns the handle for the named text container.
func (c *Canvas) Text(name string) (*TextHandle, error) {
	r, err := c.registryFor(name, document.KindText)
	if err != nil {
		return nil, err
	}
	return &TextHandle{canvas: c, r: r}, nil
}

func (h *TextHandle) Name() string { return h.r.name }

func (h *TextHandle) Kind() document.ContainerKind { return document.KindText }

// Observe registers fn for the container's changes.
func (h *TextHandle) Observe(fn func(Change)) *Subscription {
	return h.r.observe(fn)
}

// String returns the visible content.
func (h *TextHandle) String() (string, error) {
	return h.canvas.doc.ReadText(h.r.name)
}

// Update runs fn as one transaction scoped to this container.
func (h *TextHandle) Update(fn func(*document.TextTxn) error) error {
	return h.canvas.doc.Update(func(t *document.Txn) error {
		view, err := t.Text(h.r.name)
		if err != nil {
			return err
		}
		return fn(view)
	})
}
