// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boltlog persists document op logs in a bbolt file. It is
// the client-side backend: a single file per workspace, with no
// server or connection pool. Each room is a nested bucket holding
// its snapshot and an append-ordered op log.
package boltlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/oplog"
)

var (
	bucketRooms = []byte("rooms")
	bucketOps   = []byte("ops")
	keySnapshot = []byte("snapshot")
)

// Config holds the parameters for opening a bbolt-backed op log.
type Config struct {
	// Path is the database file path. Created if absent. Required.
	Path string

	// Logger is required.
	Logger *slog.Logger
}

// Store implements oplog.Store on a bbolt file. All writes go through
// bbolt's single-writer transaction, which makes batch appends atomic
// without any further coordination.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	closed atomic.Bool
}

var _ oplog.Store = (*Store)(nil)

// Open opens or creates the database file.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltlog: Path is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("boltlog: Logger is required")
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltlog: opening %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRooms)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltlog: initializing %s: %w", cfg.Path, err)
	}
	cfg.Logger.Info("bolt store opened", "path", cfg.Path)
	return &Store{db: db, logger: cfg.Logger}, nil
}

func (s *Store) Load(ctx context.Context, room string) (*document.Snapshot, []document.Op, error) {
	if s.closed.Load() {
		return nil, nil, oplog.ErrClosed
	}
	var snap *document.Snapshot
	var ops []document.Op
	err := s.db.View(func(tx *bolt.Tx) error {
		roomBucket := tx.Bucket(bucketRooms).Bucket([]byte(room))
		if roomBucket == nil {
			return nil
		}
		if data := roomBucket.Get(keySnapshot); data != nil {
			decoded, err := document.UnmarshalSnapshot(data)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			snap = decoded
		}
		opsBucket := roomBucket.Bucket(bucketOps)
		if opsBucket == nil {
			return nil
		}
		return opsBucket.ForEach(func(k, v []byte) error {
			var op document.Op
			if err := codec.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("op at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("boltlog: load room %q: %w", room, err)
	}
	return snap, ops, nil
}

func (s *Store) Append(ctx context.Context, room string, ops []document.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if s.closed.Load() {
		return oplog.ErrClosed
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		opsBucket, err := roomOpsBucket(tx, room)
		if err != nil {
			return err
		}
		for i := range ops {
			data, err := codec.Marshal(&ops[i])
			if err != nil {
				return fmt.Errorf("marshal op %v: %w", ops[i].ID, err)
			}
			seq, err := opsBucket.NextSequence()
			if err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			if err := opsBucket.Put(key[:], data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltlog: append to room %q: %w", room, err)
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, room string, snap *document.Snapshot, upTo ident.StateVector) error {
	if s.closed.Load() {
		return oplog.ErrClosed
	}
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("boltlog: marshal snapshot for room %q: %w", room, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketRooms).CreateBucketIfNotExists([]byte(room))
		if err != nil {
			return err
		}
		if err := roomBucket.Put(keySnapshot, data); err != nil {
			return err
		}
		opsBucket := roomBucket.Bucket(bucketOps)
		if opsBucket == nil {
			return nil
		}
		cursor := opsBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var op document.Op
			if err := codec.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("op at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if upTo.Covers(op.LastID()) {
				if err := cursor.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltlog: save snapshot for room %q: %w", room, err)
	}
	return nil
}

func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, oplog.ErrClosed
	}
	var rooms []string
	err := s.db.View(func(tx *bolt.Tx) error {
		// Sub-buckets have a nil value; bbolt iterates keys in byte
		// order, so the result is already sorted.
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			if v == nil {
				rooms = append(rooms, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltlog: list rooms: %w", err)
	}
	return rooms, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func roomOpsBucket(tx *bolt.Tx, room string) (*bolt.Bucket, error) {
	roomBucket, err := tx.Bucket(bucketRooms).CreateBucketIfNotExists([]byte(room))
	if err != nil {
		return nil, err
	}
	return roomBucket.CreateBucketIfNotExists(bucketOps)
}
