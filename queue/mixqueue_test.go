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

package queue

import (
	"sync"
	"testing"

	"github.com/dflow-rs/dflow/blockio"
	"github.com/dflow-rs/dflow/serialize"
)

// tagValue packs (source, sequence) into one uint64 so a test can check
// per-source ordering even though delivery across sources is unordered.
func tagValue(src, seq int) uint64 { return uint64(src)*1_000_000 + uint64(seq) }

func untagValue(v uint64) (src, seq int) { return int(v / 1_000_000), int(v % 1_000_000) }

func TestMixBlockQueuePreservesPerSourceOrder(t *testing.T) {
	pool := newTestPool(t)
	const numSources = 4
	const itemsPerSource = 150
	q := NewMixBlockQueue(numSources)

	var wg sync.WaitGroup
	for src := 0; src < numSources; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			sink := &MixSink{Q: q, Src: src}
			w := blockio.NewWriter[uint64](sink, pool, serialize.Uint64, "uint64", blockio.WithBlockSize(40))
			for seq := 0; seq < itemsPerSource; seq++ {
				if err := w.Put(tagValue(src, seq)); err != nil {
					t.Errorf("source %d Put(%d): %v", src, seq, err)
					return
				}
			}
			if err := w.Close(); err != nil {
				t.Errorf("source %d Close: %v", src, err)
			}
		}(src)
	}

	r := NewMixBlockQueueReader[uint64](q, false, serialize.Uint64, "uint64")
	nextSeq := make([]int, numSources)
	total := 0
	for r.HasNext() {
		v, err := r.Next()
		if err != nil {
			t.Fatalf("Next() at total=%d: %v", total, err)
		}
		src, seq := untagValue(v)
		if seq != nextSeq[src] {
			t.Fatalf("source %d: got seq %d, want %d (out of order)", src, seq, nextSeq[src])
		}
		nextSeq[src]++
		total++
	}
	r.Close()
	wg.Wait()

	if total != numSources*itemsPerSource {
		t.Fatalf("total items read = %d, want %d", total, numSources*itemsPerSource)
	}
	for src, n := range nextSeq {
		if n != itemsPerSource {
			t.Fatalf("source %d delivered %d items, want %d", src, n, itemsPerSource)
		}
	}
}

func TestMixBlockQueueRereadAfterDrain(t *testing.T) {
	pool := newTestPool(t)
	const numSources = 3
	const itemsPerSource = 80
	q := NewMixBlockQueue(numSources)

	var wg sync.WaitGroup
	for src := 0; src < numSources; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			sink := &MixSink{Q: q, Src: src}
			w := blockio.NewWriter[uint64](sink, pool, serialize.Uint64, "uint64", blockio.WithBlockSize(40))
			for seq := 0; seq < itemsPerSource; seq++ {
				_ = w.Put(tagValue(src, seq))
			}
			_ = w.Close()
		}(src)
	}

	// First pass must use consume == false so every source's sub-queue
	// retains a cached copy to re-read from.
	first := NewMixBlockQueueReader[uint64](q, false, serialize.Uint64, "uint64")
	firstTotal := 0
	for first.HasNext() {
		if _, err := first.Next(); err != nil {
			t.Fatalf("first pass Next(): %v", err)
		}
		firstTotal++
	}
	first.Close()
	wg.Wait()

	if !q.ReadClosed() {
		t.Fatal("expected MixBlockQueue to be read-closed after draining")
	}
	if firstTotal != numSources*itemsPerSource {
		t.Fatalf("first pass total = %d, want %d", firstTotal, numSources*itemsPerSource)
	}

	// Second pass re-reads via the CatReader path, concatenating sources in
	// rank order; each source's sequence must still be contiguous.
	second := NewMixBlockQueueReader[uint64](q, false, serialize.Uint64, "uint64")
	defer second.Close()
	nextSeq := make([]int, numSources)
	secondTotal := 0
	for second.HasNext() {
		v, err := second.Next()
		if err != nil {
			t.Fatalf("second pass Next(): %v", err)
		}
		src, seq := untagValue(v)
		if seq != nextSeq[src] {
			t.Fatalf("reread source %d: got seq %d, want %d", src, seq, nextSeq[src])
		}
		nextSeq[src]++
		secondTotal++
	}
	if secondTotal != numSources*itemsPerSource {
		t.Fatalf("second pass total = %d, want %d", secondTotal, numSources*itemsPerSource)
	}
}
