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
	"fmt"
	"sort"
	"sync"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/serialize"
)

// File is an in-memory (or, once an ByteBlock's backing memory has been
// swapped to disk by the pool, out-of-core) sequence of Blocks held for
// repeated reading (spec §4.3). Unlike a BlockQueue, a File never discards
// its blocks: every GetReader call starts back at the beginning, and
// GetReaderAt seeks to an arbitrary item index via a prefix-sum of item
// counts, the same binary-search-plus-in-block-skip scheme as Thrill's
// File::GetReaderAt.
type File struct {
	mu sync.Mutex

	blocks []block.Block
	// prefixSum[i] is the number of items that begin in blocks[0:i].
	// prefixSum has len(blocks)+1 entries; prefixSum[0] == 0.
	prefixSum []int
	closed    bool
}

// NewFile returns an empty File, ready to be used as a blockio.Sink.
func NewFile() *File {
	return &File{prefixSum: []int{0}}
}

// AppendBlock implements Sink. Blocks appended to a File are retained for
// the File's lifetime (or until Release), unlike a queue, which discards
// them as they are consumed.
func (f *File) AppendBlock(b block.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("blockio: AppendBlock on closed File")
	}
	f.blocks = append(f.blocks, b)
	f.prefixSum = append(f.prefixSum, f.prefixSum[len(f.prefixSum)-1]+b.NumItems())
	return nil
}

// Close implements Sink: it marks the File as finished accepting writes.
// Reads remain valid; a File's content survives Close.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// AllocateCanFail implements Sink: File writers always block for memory
// rather than fail (spec §4.1); only network sinks applying backpressure
// set this true.
func (f *File) AllocateCanFail() bool { return false }

// NumItems returns the total number of items appended across every block.
func (f *File) NumItems() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefixSum[len(f.prefixSum)-1]
}

// NumBlocks returns the number of blocks currently held.
func (f *File) NumBlocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}

// Release drops the File's reference to every block it holds. The File must
// not be used afterward.
func (f *File) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.blocks {
		b.Release()
	}
	f.blocks = nil
	f.prefixSum = []int{0}
}

// Copy returns a new File sharing the same underlying ByteBlocks by
// reference (each gaining one more refcount), the cheap "make another handle
// on this data" operation a DIA uses when the same File feeds more than one
// downstream consumer.
func (f *File) Copy() *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	blocks := make([]block.Block, len(f.blocks))
	for i, b := range f.blocks {
		blocks[i] = b.Ref()
	}
	prefixSum := make([]int, len(f.prefixSum))
	copy(prefixSum, f.prefixSum)
	return &File{blocks: blocks, prefixSum: prefixSum, closed: true}
}

// fileSource walks a fixed snapshot of a File's blocks starting at some
// index, handing out one reference per Block via NextBlock (the Source
// contract Reader relies on).
type fileSource struct {
	blocks []block.Block
	idx    int
}

func (s *fileSource) NextBlock() (block.Block, bool) {
	if s.idx >= len(s.blocks) {
		return block.Block{}, false
	}
	b := s.blocks[s.idx].Ref()
	s.idx++
	return b, true
}

func (f *File) snapshotFrom(blockIdx int) []block.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]block.Block, len(f.blocks)-blockIdx)
	copy(out, f.blocks[blockIdx:])
	return out
}

// Blocks returns a snapshot of every block currently held by f, each
// carrying one more reference (the caller must Release each returned
// Block once done). Unlike GetReader, this does not require a Codec: it
// is the raw-block access a type-erased consumer (dia's materialized-edge
// replay) needs when it has no item type to deserialize with.
func (f *File) Blocks() []block.Block {
	snap := f.snapshotFrom(0)
	out := make([]block.Block, len(snap))
	for i, b := range snap {
		out[i] = b.Ref()
	}
	return out
}

// GetReader returns a Reader positioned at the first item of f.
func GetReader[T any](f *File, codec serialize.Codec[T], typeName string, opts ...Option) *Reader[T] {
	return NewReader[T](&fileSource{blocks: f.snapshotFrom(0)}, codec, typeName, opts...)
}

// blockIndexForItem returns the index of the block containing item index
// (or len(blocks) if index == total item count, the valid one-past-the-end
// position), and how many items of that block precede it.
func (f *File) blockIndexForItem(index int) (blockIdx, itemsInto int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := f.prefixSum[len(f.prefixSum)-1]
	if index < 0 || index > total {
		return 0, 0, fmt.Errorf("blockio: item index %d out of range [0,%d]", index, total)
	}
	// first i with prefixSum[i] > index, minus one: the block that contains
	// item `index`, or len(blocks) at the one-past-the-end position.
	i := sort.Search(len(f.prefixSum), func(i int) bool { return f.prefixSum[i] > index })
	blockIdx = i - 1
	if blockIdx < 0 {
		blockIdx = 0
	}
	itemsInto = index - f.prefixSum[blockIdx]
	return blockIdx, itemsInto, nil
}

// GetReaderAt returns a Reader positioned at item index via a binary search
// over the prefix-sum of per-block item counts followed by an in-block skip
// (O(1) for fixed-size item types, per spec §4.3).
func GetReaderAt[T any](f *File, codec serialize.Codec[T], typeName string, index int, opts ...Option) (*Reader[T], error) {
	blockIdx, itemsInto, err := f.blockIndexForItem(index)
	if err != nil {
		return nil, err
	}
	snap := f.snapshotFrom(blockIdx)
	r := NewReader[T](&fileSource{blocks: snap}, codec, typeName, opts...)
	if len(snap) > 0 && snap[0].FirstItem() > snap[0].Begin() {
		// The block opens with the tail of an item that began in an earlier
		// block; start at the block's first own item instead.
		if r.loadNext() {
			r.pos = snap[0].FirstItem() - snap[0].Begin()
		}
	}
	if itemsInto > 0 {
		if err := r.Skip(itemsInto); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// GetItemRange returns exactly the blocks covering items [begin, end) of f,
// the composition File::GetReaderAt<T>(begin).GetItemBatch(end-begin) uses
// to hand a scatter its slice of a partitioned file without deserializing
// anything (spec §4.3, §4.5 Scatter).
func GetItemRange[T any](f *File, codec serialize.Codec[T], typeName string, begin, end int, opts ...Option) ([]block.Block, error) {
	if end < begin {
		return nil, fmt.Errorf("blockio: GetItemRange: end %d before begin %d", end, begin)
	}
	if end == begin {
		return nil, nil
	}
	r, err := GetReaderAt[T](f, codec, typeName, begin, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.GetItemBatch(end - begin)
}
