// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"testing"
)

func TestNewClientIDBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 64; i++ {
		id, err := NewClientID()
		if err != nil {
			t.Fatalf("NewClientID: %v", err)
		}
		if id == 0 {
			t.Fatal("NewClientID returned the reserved zero id")
		}
		if uint64(id) >= 1<<53 {
			t.Fatalf("NewClientID returned %d, above the 53-bit limit", id)
		}
	}
}

func TestNewClientIDDistinct(t *testing.T) {
	t.Parallel()
	seen := make(map[ClientID]bool)
	for i := 0; i < 128; i++ {
		id, err := NewClientID()
		if err != nil {
			t.Fatalf("NewClientID: %v", err)
		}
		if seen[id] {
			t.Fatalf("NewClientID repeated %d within 128 draws", id)
		}
		seen[id] = true
	}
}

func TestOpIDLess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b OpID
		want bool
	}{
		{
			name: "lower clock wins regardless of client",
			a:    OpID{Client: 900, Clock: 1},
			b:    OpID{Client: 1, Clock: 2},
			want: true,
		},
		{
			name: "equal clock falls to client",
			a:    OpID{Client: 1, Clock: 5},
			b:    OpID{Client: 2, Clock: 5},
			want: true,
		},
		{
			name: "equal ids are not less",
			a:    OpID{Client: 3, Clock: 3},
			b:    OpID{Client: 3, Clock: 3},
			want: false,
		},
		{
			name: "zero id precedes everything",
			a:    OpID{},
			b:    OpID{Client: 1, Clock: 1},
			want: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := test.a.Less(test.b); got != test.want {
				t.Errorf("(%v).Less(%v) = %t, want %t", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestOpIDLessIsTotal(t *testing.T) {
	t.Parallel()
	ids := []OpID{
		{},
		{Client: 1, Clock: 1},
		{Client: 2, Clock: 1},
		{Client: 1, Clock: 2},
		{Client: 7, Clock: 9},
	}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				if a.Less(b) {
					t.Errorf("(%v).Less(itself) = true", a)
				}
				continue
			}
			if a.Less(b) == b.Less(a) {
				t.Errorf("ordering of %v and %v is not antisymmetric", a, b)
			}
		}
	}
}

func TestOpIDZero(t *testing.T) {
	t.Parallel()
	if !(OpID{}).IsZero() {
		t.Error("zero OpID not reported as zero")
	}
	if (OpID{Client: 1, Clock: 0}).IsZero() {
		t.Error("nonzero client reported as zero")
	}
	if (OpID{Client: 0, Clock: 1}).IsZero() {
		t.Error("nonzero clock reported as zero")
	}
}
