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

import "fmt"

// bucketCapacity is the number of entries held directly in a bucket node
// before it chains to an overflow node (spec §4.7: "entries are small
// blocks of (key,value) pairs, chained when overflowing").
const bucketCapacity = 8

type bucketEntry[T any, K comparable] struct {
	key   K
	value T
	used  bool
}

type bucketNode[T any, K comparable] struct {
	entries [bucketCapacity]bucketEntry[T, K]
	n       int
	next    *bucketNode[T, K]
}

// BucketTable is the chained bucket-array hash table (spec §4.7), chosen
// when keys cannot designate a sentinel value (ProbingTable's C++ ancestor
// needs one; this Go port doesn't, see probing.go, but BucketTable is kept
// as a distinct implementation because it also gives stable insertion-order
// iteration within a bucket, which a non-commutative-ish reduce function
// can exploit).
type BucketTable[T any, K comparable] struct {
	opts       Options[T, K]
	buckets    [][]*bucketNode[T, K] // buckets[partition][bucketIndex] -> chain head
	bucketsPer int
	count      []int // live entries per partition
}

// NewBucketTable constructs a BucketTable. SlotsPerPartition is divided by
// bucketCapacity to get the number of bucket chains per partition (at
// least 1).
func NewBucketTable[T any, K comparable](opts Options[T, K]) (*BucketTable[T, K], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	bucketsPer := opts.SlotsPerPartition / bucketCapacity
	if bucketsPer < 1 {
		bucketsPer = 1
	}
	t := &BucketTable[T, K]{
		opts:       opts,
		buckets:    make([][]*bucketNode[T, K], opts.NumPartitions),
		bucketsPer: bucketsPer,
		count:      make([]int, opts.NumPartitions),
	}
	for i := range t.buckets {
		t.buckets[i] = make([]*bucketNode[T, K], bucketsPer)
	}
	return t, nil
}

func (t *BucketTable[T, K]) NumPartitions() int { return t.opts.NumPartitions }

// Insert implements Table.Insert.
func (t *BucketTable[T, K]) Insert(item T) error {
	key := t.opts.Key(item)
	h := t.opts.Hash(key)
	pid := int(h % uint64(t.opts.NumPartitions))
	return t.insertInto(pid, h, key, item)
}

// InsertInto implements Table.InsertInto.
func (t *BucketTable[T, K]) InsertInto(partition int, item T) error {
	if partition < 0 || partition >= len(t.buckets) {
		return fmt.Errorf("reduce: InsertInto: partition %d out of range", partition)
	}
	key := t.opts.Key(item)
	h := t.opts.Hash(key)
	return t.insertInto(partition, h, key, item)
}

func (t *BucketTable[T, K]) insertInto(pid int, h uint64, key K, item T) error {
	bidx := int((h / uint64(t.opts.NumPartitions)) % uint64(t.bucketsPer))

	head := t.buckets[pid][bidx]
	var tail *bucketNode[T, K]
	for node := head; node != nil; node = node.next {
		for i := 0; i < node.n; i++ {
			if node.entries[i].key == key {
				node.entries[i].value = t.opts.Reduce(node.entries[i].value, item)
				return nil
			}
		}
		tail = node
	}
	// No match: append a new entry at the tail, growing the chain if it's
	// full, so cross-node iteration stays in insertion order.
	if tail == nil || tail.n == bucketCapacity {
		node := &bucketNode[T, K]{}
		if tail == nil {
			t.buckets[pid][bidx] = node
		} else {
			tail.next = node
		}
		tail = node
	}
	tail.entries[tail.n] = bucketEntry[T, K]{key: key, value: item, used: true}
	tail.n++
	t.count[pid]++
	if t.count[pid] > t.opts.spillThreshold() {
		return t.SpillPartition(pid, true)
	}
	return nil
}

// SpillPartition emits every live entry of partition id and, if clear,
// resets the partition's bucket chains (spec §4.7, SpillPartition).
func (t *BucketTable[T, K]) SpillPartition(id int, clear bool) error {
	if id < 0 || id >= len(t.buckets) {
		return fmt.Errorf("reduce: SpillPartition: partition %d out of range", id)
	}
	for bidx, head := range t.buckets[id] {
		for node := head; node != nil; node = node.next {
			for i := 0; i < node.n; i++ {
				if err := t.opts.Spill(id, node.entries[i].value); err != nil {
					return fmt.Errorf("reduce: spill partition %d: %w", id, err)
				}
			}
		}
		if clear {
			t.buckets[id][bidx] = nil
		}
	}
	if clear {
		t.count[id] = 0
	}
	return nil
}

// FlushPartition implements Table.
func (t *BucketTable[T, K]) FlushPartition(id int, clear bool) error {
	return t.SpillPartition(id, clear)
}

// FlushAll implements Table.
func (t *BucketTable[T, K]) FlushAll() error {
	for id := range t.buckets {
		if err := t.FlushPartition(id, true); err != nil {
			return err
		}
	}
	return nil
}
