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

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/blockio"
	"github.com/dflow-rs/dflow/config"
	"github.com/dflow-rs/dflow/serialize"
)

// IndexedItem pairs a received value with the global index it folds into,
// the wire shape PostPhaseByIndex spills to disk when a sub-range doesn't
// fit in memory.
type IndexedItem[T any] struct {
	Index int
	Value T
}

// indexedCodec adapts an item Codec[T] into a Codec[IndexedItem[T]] by
// prefixing the index as a varint.
type indexedCodec[T any] struct{ inner serialize.Codec[T] }

func (c indexedCodec[T]) Serialize(dst io.Writer, v IndexedItem[T]) error {
	if err := serialize.WriteVarint(dst, uint64(v.Index)); err != nil {
		return err
	}
	return c.inner.Serialize(dst, v.Value)
}

func (c indexedCodec[T]) Deserialize(src serialize.ByteSource) (IndexedItem[T], error) {
	idx, err := serialize.ReadVarint(src)
	if err != nil {
		return IndexedItem[T]{}, err
	}
	v, err := c.inner.Deserialize(src)
	if err != nil {
		return IndexedItem[T]{}, err
	}
	return IndexedItem[T]{Index: int(idx), Value: v}, nil
}

func (c indexedCodec[T]) IsFixedSize() bool { return false }
func (c indexedCodec[T]) FixedSize() int    { return 0 }

// indexSubRange is one contiguous slice of the universe [begin,end); small
// universes get a single resident sub-range, large ones are split so each
// sub-range's dense array fits the configured memory budget (spec §4.9).
type indexSubRange[T any] struct {
	begin, end int
	resident   []T
	hasValue   []bool
	writer     *blockio.Writer[IndexedItem[T]]
	file       *blockio.File
}

// PostPhaseByIndex is the index-keyed post-phase (spec §4.9): output index
// i folds every inserted (i, v) pair with reduceFn, defaulting to neutral
// for indices that never received a value, and emits in strict ascending
// index order.
type PostPhaseByIndex[T any] struct {
	begin, end int
	neutral    T
	reduceFn   ReduceFunc[T]
	pool       *block.Pool
	codec      serialize.Codec[IndexedItem[T]]
	typeName   string
	subRanges  []*indexSubRange[T]
}

// NewPostPhaseByIndex constructs a PostPhaseByIndex over universe
// [begin,end). If the whole universe's dense array fits in
// cfg.MemoryBytes at itemSize bytes per item, there is exactly one
// resident sub-range; otherwise the universe is split into
// ceil(range*itemSize/M) contiguous sub-ranges, the first kept resident
// and the rest spilled to per-sub-range files sized to fit memory on
// their own (spec §4.9).
func NewPostPhaseByIndex[T any](
	pool *block.Pool,
	codec serialize.Codec[T],
	typeName string,
	begin, end int,
	neutral T,
	reduceFn ReduceFunc[T],
	cfg config.ReduceConfig,
	itemSize int,
) (*PostPhaseByIndex[T], error) {
	if end < begin {
		return nil, fmt.Errorf("reduce: NewPostPhaseByIndex: end %d before begin %d", end, begin)
	}
	cfg = cfg.WithDefaults()
	if itemSize <= 0 {
		itemSize = DefaultItemSize
	}
	rangeLen := end - begin
	capacity := int(cfg.MemoryBytes / int64(itemSize))
	if capacity < 1 {
		capacity = 1
	}

	pp := &PostPhaseByIndex[T]{
		begin: begin, end: end,
		neutral: neutral, reduceFn: reduceFn,
		pool:     pool,
		codec:    indexedCodec[T]{inner: codec},
		typeName: typeName + ".indexed",
	}

	if rangeLen <= capacity || rangeLen == 0 {
		pp.subRanges = []*indexSubRange[T]{pp.newResidentSubRange(begin, end)}
		return pp, nil
	}

	numSubRanges := (rangeLen + capacity - 1) / capacity
	subRangeSize := (rangeLen + numSubRanges - 1) / numSubRanges
	cur := begin
	first := true
	for cur < end {
		sEnd := cur + subRangeSize
		if sEnd > end {
			sEnd = end
		}
		if first {
			pp.subRanges = append(pp.subRanges, pp.newResidentSubRange(cur, sEnd))
			first = false
		} else {
			pp.subRanges = append(pp.subRanges, &indexSubRange[T]{begin: cur, end: sEnd})
		}
		cur = sEnd
	}
	return pp, nil
}

func (pp *PostPhaseByIndex[T]) newResidentSubRange(begin, end int) *indexSubRange[T] {
	n := end - begin
	resident := make([]T, n)
	hasValue := make([]bool, n)
	for i := range resident {
		resident[i] = pp.neutral
	}
	return &indexSubRange[T]{begin: begin, end: end, resident: resident, hasValue: hasValue}
}

// subRangeFor locates the sub-range containing index via binary search
// over the (sorted, contiguous, non-overlapping) sub-range boundaries.
func (pp *PostPhaseByIndex[T]) subRangeFor(index int) (*indexSubRange[T], error) {
	i := sort.Search(len(pp.subRanges), func(i int) bool { return pp.subRanges[i].end > index })
	if i >= len(pp.subRanges) || index < pp.subRanges[i].begin {
		return nil, fmt.Errorf("reduce: PostPhaseByIndex: index %d out of range [%d,%d)", index, pp.begin, pp.end)
	}
	return pp.subRanges[i], nil
}

// Insert folds value into output index (spec §4.9, §8 property 4).
func (pp *PostPhaseByIndex[T]) Insert(index int, value T) error {
	sr, err := pp.subRangeFor(index)
	if err != nil {
		return err
	}
	if sr.resident != nil {
		off := index - sr.begin
		if sr.hasValue[off] {
			sr.resident[off] = pp.reduceFn(sr.resident[off], value)
		} else {
			sr.resident[off] = value
			sr.hasValue[off] = true
		}
		return nil
	}
	if sr.writer == nil {
		sr.file = blockio.NewFile()
		sr.writer = blockio.NewWriter[IndexedItem[T]](sr.file, pp.pool, pp.codec, pp.typeName)
	}
	return sr.writer.Put(IndexedItem[T]{Index: index, Value: value})
}

// Emit streams output in strict ascending index order, filling holes with
// the neutral element (spec §4.9 Emission, §8 property 4).
func (pp *PostPhaseByIndex[T]) Emit(emit func(index int, value T) error) error {
	for _, sr := range pp.subRanges {
		if sr.resident != nil {
			for i, v := range sr.resident {
				if err := emit(sr.begin+i, v); err != nil {
					return err
				}
			}
			continue
		}
		if err := pp.emitSpilledSubRange(sr, emit); err != nil {
			return err
		}
	}
	return nil
}

// emitSpilledSubRange re-reads a spilled sub-range's file into a fresh
// dense array sized to exactly that sub-range -- the "recurse on each
// sub-range after the first pass completes" step of spec §4.9, with
// recursion depth 1 because sub-ranges are pre-sized to fit memory on
// their own (see NewPostPhaseByIndex).
func (pp *PostPhaseByIndex[T]) emitSpilledSubRange(sr *indexSubRange[T], emit func(index int, value T) error) error {
	if sr.writer != nil {
		if err := sr.writer.Close(); err != nil {
			return fmt.Errorf("reduce: PostPhaseByIndex.Emit: close sub-range [%d,%d): %w", sr.begin, sr.end, err)
		}
	}
	dense := make([]T, sr.end-sr.begin)
	hasValue := make([]bool, sr.end-sr.begin)
	for i := range dense {
		dense[i] = pp.neutral
	}
	if sr.file != nil {
		r := blockio.GetReader[IndexedItem[T]](sr.file, pp.codec, pp.typeName)
		for r.HasNext() {
			item, err := r.Next()
			if err != nil {
				return fmt.Errorf("reduce: PostPhaseByIndex.Emit: read sub-range [%d,%d): %w", sr.begin, sr.end, err)
			}
			off := item.Index - sr.begin
			if hasValue[off] {
				dense[off] = pp.reduceFn(dense[off], item.Value)
			} else {
				dense[off] = item.Value
				hasValue[off] = true
			}
		}
		r.Close()
		sr.file.Release()
	}
	for i, v := range dense {
		if err := emit(sr.begin+i, v); err != nil {
			return err
		}
	}
	return nil
}
