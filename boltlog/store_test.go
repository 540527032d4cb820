// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boltlog_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/loom/boltlog"
	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/oplog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStoreAt(t *testing.T, path string) *boltlog.Store {
	t.Helper()
	store, err := boltlog.Open(boltlog.Config{Path: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func setOp(t *testing.T, client ident.ClientID, clk uint64, key, value string) document.Op {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return document.Op{
		ID:        ident.OpID{Client: client, Clock: clk},
		Container: "notes",
		Kind:      document.KindMap,
		Type:      document.OpSet,
		Key:       key,
		Value:     data,
	}
}

func TestAppendLoadAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loom.bolt")

	store := openStoreAt(t, path)
	if err := store.Append(ctx, "room", []document.Op{
		setOp(t, 1, 1, "a", "1"),
		setOp(t, 1, 2, "b", "2"),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStoreAt(t, path)
	defer reopened.Close()

	snap, tail, err := reopened.Load(ctx, "room")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatal("unexpected snapshot")
	}
	if len(tail) != 2 || tail[0].ID.Clock != 1 || tail[1].ID.Clock != 2 {
		t.Fatalf("tail = %v, want clocks 1,2 in order", tail)
	}
}

func TestSnapshotSaveAndPrune(t *testing.T) {
	ctx := context.Background()
	store := openStoreAt(t, filepath.Join(t.TempDir(), "loom.bolt"))
	defer store.Close()

	ops := []document.Op{
		setOp(t, 1, 1, "a", "1"),
		setOp(t, 1, 2, "b", "2"),
		setOp(t, 2, 1, "c", "3"),
	}
	if err := store.Append(ctx, "room", ops); err != nil {
		t.Fatalf("Append: %v", err)
	}

	doc, err := document.New(document.Config{Client: 9, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Cover only client 1's ops.
	if _, err := doc.ApplyRemote(ops[:2]); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	snap, err := doc.EncodeState()
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	if err := store.SaveSnapshot(ctx, "room", snap, doc.StateVector()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, tail, err := store.Load(ctx, "room")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("snapshot missing")
	}
	if len(tail) != 1 || tail[0].ID != (ident.OpID{Client: 2, Clock: 1}) {
		t.Fatalf("tail = %v, want only client 2's op", tail)
	}
}

func TestRoomsSorted(t *testing.T) {
	ctx := context.Background()
	store := openStoreAt(t, filepath.Join(t.TempDir(), "loom.bolt"))
	defer store.Close()

	for _, room := range []string{"zulu", "alpha"} {
		if err := store.Append(ctx, room, []document.Op{setOp(t, 1, 1, "k", "v")}); err != nil {
			t.Fatalf("Append %q: %v", room, err)
		}
	}
	rooms, err := store.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "alpha" || rooms[1] != "zulu" {
		t.Fatalf("Rooms = %v, want [alpha zulu]", rooms)
	}
}

func TestClosedStore(t *testing.T) {
	store := openStoreAt(t, filepath.Join(t.TempDir(), "loom.bolt"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := store.Load(context.Background(), "room"); !errors.Is(err, oplog.ErrClosed) {
		t.Fatalf("Load after close: %v, want ErrClosed", err)
	}
}
