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
	"sort"
	"testing"
)

type kv struct {
	Key   string
	Value int
}

func fnv64(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func sumReduce(a, b kv) kv { return kv{Key: a.Key, Value: a.Value + b.Value} }

func collectSpilled(dst *[]kv) SpillFunc[kv] {
	return func(partition int, item kv) error {
		*dst = append(*dst, item)
		return nil
	}
}

func wordCountViaTable(t *testing.T, newTable func(Options[kv, string]) (Table[kv], error), slotsPerPartition int) map[string]int {
	t.Helper()
	input := []kv{
		{"a", 1}, {"b", 1}, {"a", 1}, {"c", 1},
		{"b", 1}, {"c", 1}, {"c", 1}, {"a", 1},
	}
	var spilled []kv
	opts := Options[kv, string]{
		NumPartitions:     4,
		SlotsPerPartition: slotsPerPartition,
		FillRate:          0.5,
		Hash:              fnv64,
		Key:               func(v kv) string { return v.Key },
		Reduce:            sumReduce,
		Spill:             collectSpilled(&spilled),
	}
	table, err := newTable(opts)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	for _, item := range input {
		if err := table.Insert(item); err != nil {
			t.Fatalf("insert %+v: %v", item, err)
		}
	}
	if err := table.FlushAll(); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	got := map[string]int{}
	for _, item := range spilled {
		got[item.Key] += item.Value
	}
	return got
}

func wantWordCounts() map[string]int {
	return map[string]int{"a": 3, "b": 2, "c": 3}
}

func TestProbingTableReduceByKey(t *testing.T) {
	for _, slots := range []int{64, 8, 2} {
		got := wordCountViaTable(t, func(o Options[kv, string]) (Table[kv], error) {
			return NewProbingTable[kv, string](o)
		}, slots)
		assertWordCounts(t, got)
	}
}

func TestBucketTableReduceByKey(t *testing.T) {
	for _, slots := range []int{64, 16, 8} {
		got := wordCountViaTable(t, func(o Options[kv, string]) (Table[kv], error) {
			return NewBucketTable[kv, string](o)
		}, slots)
		assertWordCounts(t, got)
	}
}

func assertWordCounts(t *testing.T, got map[string]int) {
	t.Helper()
	want := wantWordCounts()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %q: got %d, want %d (full: %v)", k, got[k], v, got)
		}
	}
}

func TestProbingTableSpillsUnderTightMemory(t *testing.T) {
	// Forces repeated spills: 8 slots total spread over 2 partitions, fill
	// rate 0.5 means a spill trigger almost immediately (spec §8, E6).
	var spilled []kv
	opts := Options[kv, string]{
		NumPartitions:     2,
		SlotsPerPartition: 4,
		FillRate:          0.5,
		Hash:              fnv64,
		Key:               func(v kv) string { return v.Key },
		Reduce:            sumReduce,
		Spill:             collectSpilled(&spilled),
	}
	table, err := NewProbingTable[kv, string](opts)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	sort.Strings(keys)
	for i := 0; i < 200; i++ {
		k := keys[i%len(keys)]
		if err := table.Insert(kv{Key: k, Value: 1}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := table.FlushAll(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := map[string]int{}
	for _, item := range spilled {
		got[item.Key] += item.Value
	}
	for _, k := range keys {
		if got[k] != 25 {
			t.Fatalf("key %q: got %d, want 25", k, got[k])
		}
	}
}
