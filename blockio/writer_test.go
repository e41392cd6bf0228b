// Copyright (C) 2024 dflow authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package blockio

import (
	"testing"

	"github.com/dflow-rs/dflow/serialize"
)

func TestWriterBookkeepsItemStartsAcrossStraddlingBlocks(t *testing.T) {
	pool := newTestPool(t)
	f := NewFile()

	// Each uint64 item is 8 bytes; a 5-byte block guarantees every single
	// item straddles at least one block boundary.
	w := NewWriter[uint64](f, pool, serialize.Uint64, "uint64", WithBlockSize(5))
	const n = 40
	for i := uint64(0); i < n; i++ {
		if err := w.Put(i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if got := f.NumItems(); got != n {
		t.Fatalf("NumItems() = %d, want %d", got, n)
	}
	r := GetReader[uint64](f, serialize.Uint64, "uint64")
	defer r.Close()
	for i := uint64(0); i < n; i++ {
		v, err := r.Next()
		if err != nil {
			t.Fatalf("Next() at %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("item %d = %d, want %d", i, v, i)
		}
	}
}

func TestWriterSkipsEmptyFinalBlock(t *testing.T) {
	pool := newTestPool(t)
	f := NewFile()
	w := NewWriter[uint64](f, pool, serialize.Uint64, "uint64", WithBlockSize(64))
	if err := w.Put(1); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if n := f.NumBlocks(); n != 1 {
		t.Fatalf("NumBlocks() = %d, want 1 (no trailing empty block)", n)
	}
}

func TestReaderSkipFixedSizeFastPath(t *testing.T) {
	pool := newTestPool(t)
	f := NewFile()
	w := NewWriter[uint64](f, pool, serialize.Uint64, "uint64", WithBlockSize(48))
	const n = 100
	for i := uint64(0); i < n; i++ {
		if err := w.Put(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r := GetReader[uint64](f, serialize.Uint64, "uint64")
	defer r.Close()
	if err := r.Skip(30); err != nil {
		t.Fatalf("Skip(30): %v", err)
	}
	v, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if v != 30 {
		t.Fatalf("after Skip(30), Next() = %d, want 30", v)
	}
}
