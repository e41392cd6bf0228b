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

	"github.com/dflow-rs/dflow/blockio"
	"github.com/dflow-rs/dflow/config"
)

// DefaultItemSize is used to size a partition's slot count from a byte
// budget when the caller has no better estimate of its item's average
// serialized size.
const DefaultItemSize = 64

// SlotsForBudget derives a per-partition slot count from a memory budget in
// bytes, an estimated per-item size, and the number of partitions (spec
// §4.7: "S = floor(M/sizeof(Slot))", generalized off a compile-time sizeof
// to a runtime estimate since Go generics carry none).
func SlotsForBudget(memoryBytes int64, itemSize int, numPartitions int) int {
	if itemSize <= 0 {
		itemSize = DefaultItemSize
	}
	if numPartitions <= 0 {
		numPartitions = 1
	}
	totalSlots := int(memoryBytes / int64(itemSize))
	perPartition := totalSlots / numPartitions
	if perPartition < 1 {
		perPartition = 1
	}
	return perPartition
}

// PrePhase is the local phase of a shuffled reduction (spec §4.8): items
// are hash-partitioned by destination worker into an in-memory Table whose
// partition count equals the number of destination sinks, so a partition
// spill ships directly to its destination's stream sink rather than to a
// local spill file -- the receiving worker's PostPhase re-reduces.
type PrePhase[T any, K comparable] struct {
	sinks     []*blockio.Writer[T]
	table     Table[T]
	locations *LocationDetection[K]
	hashFn    HashFunc[K]
	keyFn     KeyFunc[T, K]
}

// NewPrePhase constructs a PrePhase routing into len(sinks) destinations.
// locations may be nil to use plain hash(key) mod len(sinks) routing (spec
// §4.8); when non-nil, its WorkerFor result is used instead (spec §4.10).
func NewPrePhase[T any, K comparable](
	sinks []*blockio.Writer[T],
	keyFn KeyFunc[T, K],
	hashFn HashFunc[K],
	reduceFn ReduceFunc[T],
	cfg config.ReduceConfig,
	itemSize int,
	locations *LocationDetection[K],
) (*PrePhase[T, K], error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("reduce: NewPrePhase: need at least one destination sink")
	}
	cfg = cfg.WithDefaults()
	budget := cfg.MemoryBytes
	if cfg.UsePostThread {
		// spec §4.8: "pre-phase uses M (or M/2 if the same process also
		// hosts the post-phase of the same reduction)".
		budget /= 2
	}
	pp := &PrePhase[T, K]{sinks: sinks, locations: locations, hashFn: hashFn, keyFn: keyFn}
	opts := Options[T, K]{
		NumPartitions:     len(sinks),
		SlotsPerPartition: SlotsForBudget(budget, itemSize, len(sinks)),
		FillRate:          cfg.LimitPartitionFillRate,
		Hash:              hashFn,
		Key:               keyFn,
		Reduce:            reduceFn,
		Spill:             pp.spillToSink,
	}
	var table Table[T]
	var err error
	switch cfg.TableKind {
	case config.TableBucket:
		table, err = NewBucketTable[T, K](opts)
	default:
		table, err = NewProbingTable[T, K](opts)
	}
	if err != nil {
		return nil, err
	}
	pp.table = table
	return pp, nil
}

func (pp *PrePhase[T, K]) spillToSink(partition int, item T) error {
	return pp.sinks[partition].Put(item)
}

// destination picks the destination worker for key, via LocationDetection
// when configured, else hash(key) mod len(sinks) (spec §4.8).
func (pp *PrePhase[T, K]) destination(key K) int {
	if pp.locations != nil {
		if w, ok := pp.locations.WorkerFor(key); ok {
			return w
		}
	}
	return int(pp.hashFn(key) % uint64(len(pp.sinks)))
}

// Insert extracts item's key, selects a destination, and routes it into
// that destination's table partition (spec §4.8, Insert).
func (pp *PrePhase[T, K]) Insert(item T) error {
	key := pp.keyFn(item)
	dest := pp.destination(key)
	return pp.table.InsertInto(dest, item)
}

// FlushAll pushes every partition's remaining entries to its destination
// sink without closing the sinks (spec §4.8, FlushAll).
func (pp *PrePhase[T, K]) FlushAll() error {
	return pp.table.FlushAll()
}

// CloseAll flushes every partition and closes every destination sink (spec
// §4.8, CloseAll).
func (pp *PrePhase[T, K]) CloseAll() error {
	if err := pp.FlushAll(); err != nil {
		return err
	}
	for i, s := range pp.sinks {
		if err := s.Close(); err != nil {
			return fmt.Errorf("reduce: PrePhase.CloseAll: sink %d: %w", i, err)
		}
	}
	return nil
}
