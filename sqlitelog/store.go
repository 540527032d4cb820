// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitelog persists document op logs in a single SQLite
// file. It is the storage backend for relays and desktop apps: one
// file per deployment, rooms multiplexed by a room column, writes
// batched in IMMEDIATE transactions.
package sqlitelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/lib/sqlitepool"
	"github.com/bureau-foundation/loom/oplog"
)

// schema is applied to every connection. last_clock is the highest
// clock value the op's span covers; snapshot saves delete ops whose
// last_clock falls under the covering state vector.
const schema = `
	CREATE TABLE IF NOT EXISTS ops (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		room       TEXT NOT NULL,
		client     INTEGER NOT NULL,
		last_clock INTEGER NOT NULL,
		data       BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ops_room ON ops(room, seq);
	CREATE INDEX IF NOT EXISTS idx_ops_coverage ON ops(room, client, last_clock);

	CREATE TABLE IF NOT EXISTS snapshots (
		room     TEXT PRIMARY KEY,
		data     BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	);
`

// Config holds the parameters for opening a SQLite-backed op log.
type Config struct {
	// Path is the database file path. The parent directory must
	// exist. Required.
	Path string

	// PoolSize defaults to 4 if zero or negative.
	PoolSize int

	// Logger is required.
	Logger *slog.Logger

	// Clock stamps snapshot save times. Defaults to the real clock.
	Clock clock.Clock
}

// Store implements oplog.Store on SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clk    clock.Clock
	closed atomic.Bool
}

var _ oplog.Store = (*Store)(nil)

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sqlitelog: Logger is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: %w", err)
	}
	return &Store{pool: pool, clk: clk}, nil
}

func (s *Store) Load(ctx context.Context, room string) (*document.Snapshot, []document.Op, error) {
	if s.closed.Load() {
		return nil, nil, oplog.ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlitelog: load room %q: %w", room, err)
	}
	defer s.pool.Put(conn)

	var snap *document.Snapshot
	err = sqlitex.Execute(conn, "SELECT data FROM snapshots WHERE room = ?", &sqlitex.ExecOptions{
		Args: []any{room},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			decoded, err := document.UnmarshalSnapshot(blob)
			if err != nil {
				return err
			}
			snap = decoded
			return nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sqlitelog: load snapshot for room %q: %w", room, err)
	}

	var ops []document.Op
	err = sqlitex.Execute(conn, "SELECT data FROM ops WHERE room = ? ORDER BY seq", &sqlitex.ExecOptions{
		Args: []any{room},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			var op document.Op
			if err := codec.Unmarshal(blob, &op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sqlitelog: load ops for room %q: %w", room, err)
	}
	return snap, ops, nil
}

func (s *Store) Append(ctx context.Context, room string, ops []document.Op) (err error) {
	if len(ops) == 0 {
		return nil
	}
	if s.closed.Load() {
		return oplog.ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitelog: append to room %q: %w", room, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitelog: begin append transaction: %w", err)
	}
	defer endTransaction(&err)

	for i := range ops {
		op := &ops[i]
		data, err := codec.Marshal(op)
		if err != nil {
			return fmt.Errorf("sqlitelog: marshal op %v: %w", op.ID, err)
		}
		err = sqlitex.Execute(conn,
			"INSERT INTO ops (room, client, last_clock, data) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{room, int64(op.ID.Client), int64(op.LastID().Clock), data},
			})
		if err != nil {
			return fmt.Errorf("sqlitelog: insert op %v: %w", op.ID, err)
		}
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, room string, snap *document.Snapshot, upTo ident.StateVector) (err error) {
	if s.closed.Load() {
		return oplog.ErrClosed
	}
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("sqlitelog: marshal snapshot for room %q: %w", room, err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitelog: save snapshot for room %q: %w", room, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitelog: begin snapshot transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO snapshots (room, data, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(room) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		&sqlitex.ExecOptions{
			Args: []any{room, data, s.clk.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("sqlitelog: write snapshot for room %q: %w", room, err)
	}

	for client, mark := range upTo {
		err = sqlitex.Execute(conn,
			"DELETE FROM ops WHERE room = ? AND client = ? AND last_clock <= ?",
			&sqlitex.ExecOptions{
				Args: []any{room, int64(client), int64(mark)},
			})
		if err != nil {
			return fmt.Errorf("sqlitelog: prune ops for room %q client %d: %w", room, client, err)
		}
	}
	return nil
}

func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, oplog.ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: list rooms: %w", err)
	}
	defer s.pool.Put(conn)

	var rooms []string
	err = sqlitex.Execute(conn,
		"SELECT room FROM snapshots UNION SELECT room FROM ops ORDER BY room",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rooms = append(rooms, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: list rooms: %w", err)
	}
	return rooms, nil
}

// Close closes the connection pool. Blocks until borrowed connections
// are returned.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}
