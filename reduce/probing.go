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

type probeSlot[T any, K comparable] struct {
	key      K
	value    T
	occupied bool
}

// probingPartition is one contiguous range of slots (spec §4.7: "partitioned
// into P equal contiguous ranges of S/P slots"); probing never crosses into
// a neighboring partition's range.
type probingPartition[T any, K comparable] struct {
	slots []probeSlot[T, K]
	count int
}

// ProbingTable is the open-addressing linear-probing hash table (spec
// §4.7). Unlike the C++ original, which reserves a sentinel key value to
// mark an empty slot, this implementation tracks occupancy with a separate
// bool per slot, so it places no restriction on which keys a caller may
// use.
type ProbingTable[T any, K comparable] struct {
	opts       Options[T, K]
	partitions []probingPartition[T, K]
}

// NewProbingTable constructs a ProbingTable ready to accept Insert calls.
func NewProbingTable[T any, K comparable](opts Options[T, K]) (*ProbingTable[T, K], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	t := &ProbingTable[T, K]{
		opts:       opts,
		partitions: make([]probingPartition[T, K], opts.NumPartitions),
	}
	for i := range t.partitions {
		t.partitions[i].slots = make([]probeSlot[T, K], opts.SlotsPerPartition)
	}
	return t, nil
}

func (t *ProbingTable[T, K]) NumPartitions() int { return t.opts.NumPartitions }

// Insert implements Table.Insert (spec §4.7, Insert 1-3).
func (t *ProbingTable[T, K]) Insert(item T) error {
	key := t.opts.Key(item)
	h := t.opts.Hash(key)
	pid := int(h % uint64(t.opts.NumPartitions))
	return t.insertInto(pid, t.startSlot(h), key, item)
}

// InsertInto implements Table.InsertInto: the partition is the caller's
// choice, only the in-partition start slot still derives from the hash.
func (t *ProbingTable[T, K]) InsertInto(partition int, item T) error {
	if partition < 0 || partition >= len(t.partitions) {
		return fmt.Errorf("reduce: InsertInto: partition %d out of range", partition)
	}
	key := t.opts.Key(item)
	h := t.opts.Hash(key)
	return t.insertInto(partition, t.startSlot(h), key, item)
}

func (t *ProbingTable[T, K]) startSlot(h uint64) int {
	if t.opts.SlotsPerPartition <= 1 {
		return 0
	}
	return int((h / uint64(t.opts.NumPartitions)) % uint64(t.opts.SlotsPerPartition))
}

func (t *ProbingTable[T, K]) insertInto(pid, start int, key K, item T) error {
	p := &t.partitions[pid]
	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &p.slots[idx]
		if !s.occupied {
			s.occupied = true
			s.key = key
			s.value = item
			p.count++
			if p.count > t.opts.spillThreshold() {
				return t.SpillPartition(pid, true)
			}
			return nil
		}
		if s.key == key {
			s.value = t.opts.Reduce(s.value, item)
			return nil
		}
	}
	// Probing wrapped back to start without an empty slot or a match
	// (spec §4.7, Insert 3: "If probing wraps back to the start slot...
	// call SpillPartition then retry").
	if err := t.SpillPartition(pid, true); err != nil {
		return err
	}
	p = &t.partitions[pid]
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &p.slots[idx]
		if !s.occupied {
			s.occupied = true
			s.key = key
			s.value = item
			p.count++
			return nil
		}
	}
	return ErrKeyCollisionLimit
}

// SpillPartition writes all non-sentinel (here: occupied) slots of
// partition id to the table's SpillFunc, then resets the partition (spec
// §4.7, SpillPartition).
func (t *ProbingTable[T, K]) SpillPartition(id int, clear bool) error {
	if id < 0 || id >= len(t.partitions) {
		return fmt.Errorf("reduce: SpillPartition: partition %d out of range", id)
	}
	p := &t.partitions[id]
	for i := range p.slots {
		s := &p.slots[i]
		if !s.occupied {
			continue
		}
		if err := t.opts.Spill(id, s.value); err != nil {
			return fmt.Errorf("reduce: spill partition %d: %w", id, err)
		}
		if clear {
			*s = probeSlot[T, K]{}
		}
	}
	if clear {
		p.count = 0
	}
	return nil
}

// FlushPartition implements Table.
func (t *ProbingTable[T, K]) FlushPartition(id int, clear bool) error {
	return t.SpillPartition(id, clear)
}

// FlushAll implements Table.
func (t *ProbingTable[T, K]) FlushAll() error {
	for id := range t.partitions {
		if err := t.FlushPartition(id, true); err != nil {
			return err
		}
	}
	return nil
}
