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

package reduce

import (
	"fmt"
	"io"
	"sort"
	"testing"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/config"
	"github.com/dflow-rs/dflow/serialize"
)

// TestPostPhaseByKeyReducesUnderSpilling exercises the spill-then-merge path
// (spec §4.9, §8 property 3): a small partition budget forces every
// partition to spill multiple times, and Emit must still produce exactly
// one fully-reduced value per key.
func TestPostPhaseByKeyReducesUnderSpilling(t *testing.T) {
	pool := block.NewPool(1 << 24)
	defer pool.Close()

	codec := kvPostCodec{}
	cfg := config.ReduceConfig{
		TableKind:              config.TableProbing,
		LimitPartitionFillRate: 0.75,
		NumPartitions:          4,
		MemoryBytes:            2 << 10, // tiny: only ~16 slots/partition
		MaxMergeDegree:         2,       // tiny: forces multi-level merge
	}
	pp, err := NewPostPhaseByKey[kv, string](pool, codec, "kv", func(v kv) string { return v.Key }, fnv64, sumReduce, cfg, 32)
	if err != nil {
		t.Fatalf("NewPostPhaseByKey: %v", err)
	}

	// Many more distinct keys than any partition's slot budget, so every
	// partition is forced to spill at least once.
	keys := make([]string, 80)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%03d", i)
	}
	want := map[string]int{}
	for round := 0; round < 400; round++ {
		k := keys[round%len(keys)]
		if err := pp.Insert(kv{Key: k, Value: 1}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		want[k]++
	}

	got := map[string]int{}
	if err := pp.Emit(func(v kv) error {
		got[v.Key] += v.Value
		return nil
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d distinct keys, want %d (got=%v)", len(got), len(want), got)
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("key %q: got %d, want %d", k, got[k], w)
		}
	}
}

// kvPostCodec is a Codec[kv] usable as a blockio item, distinct from any
// helper in hashtable_test.go.
type kvPostCodec struct{}

func (kvPostCodec) Serialize(dst io.Writer, v kv) error {
	if err := serialize.WriteVarint(dst, uint64(len(v.Key))); err != nil {
		return err
	}
	if _, err := dst.Write([]byte(v.Key)); err != nil {
		return err
	}
	return serialize.WriteVarint(dst, uint64(v.Value))
}

func (kvPostCodec) Deserialize(src serialize.ByteSource) (kv, error) {
	n, err := serialize.ReadVarint(src)
	if err != nil {
		return kv{}, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return kv{}, err
	}
	val, err := serialize.ReadVarint(src)
	if err != nil {
		return kv{}, err
	}
	return kv{Key: string(buf), Value: int(val)}, nil
}

func (kvPostCodec) IsFixedSize() bool { return false }
func (kvPostCodec) FixedSize() int    { return 0 }

// intCodec adapts serialize.Int64 to Codec[int] since the universe indexes
// and values in this test are plain ints, not int64.
type intCodec struct{}

func (intCodec) Serialize(dst io.Writer, v int) error {
	return serialize.Int64.Serialize(dst, int64(v))
}
func (intCodec) Deserialize(src serialize.ByteSource) (int, error) {
	v, err := serialize.Int64.Deserialize(src)
	return int(v), err
}
func (intCodec) IsFixedSize() bool { return true }
func (intCodec) FixedSize() int    { return 8 }

func runIndexHolesCase(t *testing.T, memoryBytes int64) {
	t.Helper()
	pool := block.NewPool(1 << 20)
	defer pool.Close()

	cfg := config.ReduceConfig{MemoryBytes: memoryBytes}
	pp, err := NewPostPhaseByIndex[int](pool, intCodec{}, "count", 0, 10, 0,
		func(a, b int) int { return a + b }, cfg, 8)
	if err != nil {
		t.Fatalf("NewPostPhaseByIndex: %v", err)
	}

	inserts := []struct {
		idx int
		val int
	}{
		{2, 5}, {2, 7}, {7, 1},
	}
	for _, in := range inserts {
		if err := pp.Insert(in.idx, in.val); err != nil {
			t.Fatalf("Insert(%d,%d): %v", in.idx, in.val, err)
		}
	}

	want := []int{0, 0, 12, 0, 0, 0, 0, 1, 0, 0}
	got := make([]int, 0, 10)
	var indices []int
	if err := pp.Emit(func(index int, value int) error {
		indices = append(indices, index)
		got = append(got, value)
		return nil
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if !sort.IntsAreSorted(indices) {
		t.Fatalf("Emit did not produce ascending index order: %v", indices)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPostPhaseByIndexHolesResident(t *testing.T) {
	runIndexHolesCase(t, 1<<20) // whole universe fits resident
}

func TestPostPhaseByIndexHolesSpilled(t *testing.T) {
	runIndexHolesCase(t, 24) // 3 items/sub-range: forces a spilled split
}
