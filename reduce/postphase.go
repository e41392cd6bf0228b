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

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/blockio"
	"github.com/dflow-rs/dflow/config"
	"github.com/dflow-rs/dflow/serialize"
)

// PostPhaseByKey is the hash-keyed post-phase (spec §4.9): a second
// partitioned hash table over the items this worker receives, spilling
// over-full partitions to local blockio.Files and, at Emit time, re-reading
// and re-reducing those spill files in bounded-size batches (the
// "multi-level re-reduction" spec §4.9 describes) before the final,
// fully-reduced result is handed to the caller's emit function.
type PostPhaseByKey[T any, K comparable] struct {
	table    Table[T]
	pool     *block.Pool
	codec    serialize.Codec[T]
	typeName string
	keyFn    KeyFunc[T, K]
	reduceFn ReduceFunc[T]

	maxMergeDegree int
	// spillFiles[p] accumulates one blockio.File per spill event of
	// partition p; each spill only ever appends to a brand new file
	// (never reopens a closed one), so the list doubles as the first
	// merge level's input.
	spillFiles [][]*blockio.File
	curWriter  []*blockio.Writer[T] // partition's in-progress spill writer, nil until first spill
	curFile    []*blockio.File
}

// NewPostPhaseByKey constructs a PostPhaseByKey with cfg.NumPartitions
// local partitions (spec §4.7, §4.9; independent of, and typically larger
// than, the pre-phase's destination-worker partitioning).
func NewPostPhaseByKey[T any, K comparable](
	pool *block.Pool,
	codec serialize.Codec[T],
	typeName string,
	keyFn KeyFunc[T, K],
	hashFn HashFunc[K],
	reduceFn ReduceFunc[T],
	cfg config.ReduceConfig,
	itemSize int,
) (*PostPhaseByKey[T, K], error) {
	cfg = cfg.WithDefaults()
	pp := &PostPhaseByKey[T, K]{
		pool:           pool,
		codec:          codec,
		typeName:       typeName,
		keyFn:          keyFn,
		reduceFn:       reduceFn,
		maxMergeDegree: cfg.MaxMergeDegree,
		spillFiles:     make([][]*blockio.File, cfg.NumPartitions),
		curWriter:      make([]*blockio.Writer[T], cfg.NumPartitions),
		curFile:        make([]*blockio.File, cfg.NumPartitions),
	}
	opts := Options[T, K]{
		NumPartitions:     cfg.NumPartitions,
		SlotsPerPartition: SlotsForBudget(cfg.MemoryBytes, itemSize, cfg.NumPartitions),
		FillRate:          cfg.LimitPartitionFillRate,
		Hash:              hashFn,
		Key:               keyFn,
		Reduce:            reduceFn,
		Spill:             pp.spillToFile,
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

func (pp *PostPhaseByKey[T, K]) spillToFile(partition int, item T) error {
	if pp.curWriter[partition] == nil {
		f := blockio.NewFile()
		pp.curFile[partition] = f
		pp.curWriter[partition] = blockio.NewWriter[T](f, pp.pool, pp.codec, pp.typeName)
	}
	return pp.curWriter[partition].Put(item)
}

// closeCurrentSpill finalizes partition p's in-progress spill file (if
// any), appending it to spillFiles[p] so Emit sees it.
func (pp *PostPhaseByKey[T, K]) closeCurrentSpill(p int) error {
	if pp.curWriter[p] == nil {
		return nil
	}
	if err := pp.curWriter[p].Close(); err != nil {
		return fmt.Errorf("reduce: PostPhaseByKey: close spill file for partition %d: %w", p, err)
	}
	pp.spillFiles[p] = append(pp.spillFiles[p], pp.curFile[p])
	pp.curWriter[p] = nil
	pp.curFile[p] = nil
	return nil
}

// Insert adds one received item to the post-phase's table.
func (pp *PostPhaseByKey[T, K]) Insert(item T) error {
	return pp.table.Insert(item)
}

// Emit drains the post-phase: every partition's resident entries are
// flushed into one final spill file alongside any earlier spills, then
// each partition's spill files are merged down (spec §4.9) and the fully
// reduced result is handed to emit, in arbitrary order.
func (pp *PostPhaseByKey[T, K]) Emit(emit func(T) error) error {
	for p := 0; p < pp.table.NumPartitions(); p++ {
		if err := pp.table.FlushPartition(p, true); err != nil {
			return fmt.Errorf("reduce: PostPhaseByKey.Emit: flush partition %d: %w", p, err)
		}
		if err := pp.closeCurrentSpill(p); err != nil {
			return err
		}
		if err := pp.mergeAndEmit(pp.spillFiles[p], emit); err != nil {
			return fmt.Errorf("reduce: PostPhaseByKey.Emit: partition %d: %w", p, err)
		}
		pp.spillFiles[p] = nil
	}
	return nil
}

// mergeAndEmit implements spec §4.9's multi-level re-reduction: files are
// read in batches of at most maxMergeDegree; a batch of >1 file is reduced
// into a single temporary file and fed into the next level, guaranteeing
// the file count strictly shrinks (by a factor of maxMergeDegree >= 2)
// every level, so recursion terminates. Once a level holds
// maxMergeDegree or fewer files, that is the final batch: it is reduced
// once more and the result streamed straight to emit instead of to disk.
func (pp *PostPhaseByKey[T, K]) mergeAndEmit(files []*blockio.File, emit func(T) error) error {
	if len(files) == 0 {
		return nil
	}
	if len(files) <= pp.maxMergeDegree {
		merged, err := pp.reduceBatch(files)
		if err != nil {
			return err
		}
		for _, v := range merged {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	}
	var nextLevel []*blockio.File
	for start := 0; start < len(files); start += pp.maxMergeDegree {
		end := start + pp.maxMergeDegree
		if end > len(files) {
			end = len(files)
		}
		merged, err := pp.reduceBatch(files[start:end])
		if err != nil {
			return err
		}
		f := blockio.NewFile()
		w := blockio.NewWriter[T](f, pp.pool, pp.codec, pp.typeName)
		for _, v := range merged {
			if err := w.Put(v); err != nil {
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		nextLevel = append(nextLevel, f)
	}
	return pp.mergeAndEmit(nextLevel, emit)
}

// reduceBatch reads every item across batch's files and folds same-key
// items together with the configured reduce function, returning one
// fully-reduced value per distinct key. The batch is bounded by
// maxMergeDegree, so an in-memory map here is the bounded-size merge step
// the spill discipline upstream already exists to cap.
func (pp *PostPhaseByKey[T, K]) reduceBatch(batch []*blockio.File) ([]T, error) {
	merged := map[K]T{}
	order := make([]K, 0)
	for _, f := range batch {
		r := blockio.GetReader[T](f, pp.codec, pp.typeName)
		for r.HasNext() {
			v, err := r.Next()
			if err != nil {
				return nil, fmt.Errorf("reduce: reduceBatch: %w", err)
			}
			k := pp.keyFn(v)
			if existing, ok := merged[k]; ok {
				merged[k] = pp.reduceFn(existing, v)
			} else {
				merged[k] = v
				order = append(order, k)
			}
		}
		r.Close()
		f.Release()
	}
	out := make([]T, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	return out, nil
}
