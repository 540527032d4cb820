// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/loom/boltlog"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/version"
	"github.com/bureau-foundation/loom/oplog"
	"github.com/bureau-foundation/loom/pglog"
	"github.com/bureau-foundation/loom/sqlitelog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var backend, path, url, room, rawFile string
	flagSet := pflag.NewFlagSet("loom-inspect", pflag.ContinueOnError)
	flagSet.StringVar(&backend, "backend", "sqlite", "store backend: sqlite, bolt, or postgres")
	flagSet.StringVar(&path, "path", "", "database file for the sqlite and bolt backends")
	flagSet.StringVar(&url, "url", "", "connection string for the postgres backend")
	flagSet.StringVar(&room, "room", "", "dump this room; empty lists all rooms")
	flagSet.StringVar(&rawFile, "raw", "", "walk a file of concatenated CBOR items instead of a store")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("loom-inspect %s\n", version.Info())
		return nil
	}

	if rawFile != "" {
		data, err := os.ReadFile(rawFile)
		if err != nil {
			return err
		}
		return inspectRaw(os.Stdout, data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Quiet by default: notation goes to stdout, store internals only
	// matter when something fails.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := openStore(ctx, backend, path, url, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if room == "" {
		return listRooms(ctx, os.Stdout, store)
	}
	return inspectRoom(ctx, os.Stdout, store, room)
}

func openStore(ctx context.Context, backend, path, url string, logger *slog.Logger) (oplog.Store, error) {
	switch backend {
	case "sqlite":
		if path == "" {
			return nil, fmt.Errorf("--path is required for the sqlite backend")
		}
		return sqlitelog.Open(sqlitelog.Config{Path: path, Logger: logger})
	case "bolt":
		if path == "" {
			return nil, fmt.Errorf("--path is required for the bolt backend")
		}
		return boltlog.Open(boltlog.Config{Path: path, Logger: logger})
	case "postgres":
		if url == "" {
			return nil, fmt.Errorf("--url is required for the postgres backend")
		}
		return pglog.Open(ctx, pglog.Config{URL: url, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown backend %q (want sqlite, bolt, or postgres)", backend)
	}
}

// listRooms prints one summary line per room in the store.
func listRooms(ctx context.Context, out io.Writer, store oplog.Store) error {
	rooms, err := store.Rooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Fprintln(out, "store holds no rooms")
		return nil
	}
	for _, room := range rooms {
		snap, tail, err := store.Load(ctx, room)
		if err != nil {
			return fmt.Errorf("loading room %q: %w", room, err)
		}
		if snap == nil {
			fmt.Fprintf(out, "%s: no snapshot, %d log ops\n", room, len(tail))
			continue
		}
		data, err := snap.Marshal()
		if err != nil {
			return fmt.Errorf("encoding snapshot of room %q: %w", room, err)
		}
		fmt.Fprintf(out, "%s: snapshot %d bytes, %d log ops\n", room, len(data), len(tail))
	}
	return nil
}

// inspectRoom dumps one room: the snapshot envelope first, then every
// logged operation, in diagnostic notation.
func inspectRoom(ctx context.Context, out io.Writer, store oplog.Store, room string) error {
	snap, tail, err := store.Load(ctx, room)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", room, err)
	}
	if snap == nil && len(tail) == 0 {
		return fmt.Errorf("store holds nothing for room %q", room)
	}

	fmt.Fprintf(out, "== room %q\n", room)
	if snap != nil {
		data, err := snap.Marshal()
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		notation, err := codec.Diagnose(data)
		if err != nil {
			return fmt.Errorf("snapshot notation: %w", err)
		}
		fmt.Fprintf(out, "-- snapshot (%d bytes)\n%s\n", len(data), notation)
	}

	fmt.Fprintf(out, "-- ops (%d)\n", len(tail))
	for i, op := range tail {
		// The store persists exactly codec.Marshal(op), so the
		// re-encoding shown here is byte-identical to the stored row.
		data, err := codec.Marshal(op)
		if err != nil {
			return fmt.Errorf("encoding op %d: %w", i, err)
		}
		notation, err := codec.Diagnose(data)
		if err != nil {
			return fmt.Errorf("op %d notation: %w", i, err)
		}
		fmt.Fprintf(out, "[%d] %d:%d %s\n", i, op.ID.Client, op.ID.Clock, notation)
	}
	return nil
}

// inspectRaw walks concatenated CBOR items, printing each one.
func inspectRaw(out io.Writer, data []byte) error {
	total := len(data)
	for item := 0; len(data) > 0; item++ {
		notation, rest, err := codec.DiagnoseFirst(data)
		if err != nil {
			return fmt.Errorf("item %d (offset %d): %w", item, total-len(data), err)
		}
		fmt.Fprintf(out, "[%d] %s\n", item, notation)
		data = rest
	}
	return nil
}
