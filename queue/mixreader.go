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
	"fmt"

	"github.com/dflow-rs/dflow/blockio"
	"github.com/dflow-rs/dflow/serialize"
)

// MixBlockQueueReader reads an unordered sequence of whole items from a
// MixBlockQueue's N sources (spec §4.4). To enable switching between
// sources without blocking on one that happens to be slow, it tracks, per
// source, the number of whole items known-delivered: the count of items
// known to start in blocks received so far, minus one to account for a
// possible trailing item whose end has not arrived yet. This needs no
// inter-source synchronization at item granularity.
type MixBlockQueueReader[T any] struct {
	q       *MixBlockQueue
	consume bool
	reread  bool

	readers     []*blockio.Reader[T]
	selected    int
	available   int
	availableAt []int
	open        int

	cat *blockio.CatReader[T]
}

// NewMixBlockQueueReader constructs a reader over q. If q is already fully
// drained (ReadClosed), this is a second pass: it reads back the cached
// per-source data via a CatReader instead of pulling live from the mix
// queue.
func NewMixBlockQueueReader[T any](q *MixBlockQueue, consume bool, codec serialize.Codec[T], typeName string, opts ...blockio.Option) *MixBlockQueueReader[T] {
	r := &MixBlockQueueReader[T]{q: q, consume: consume, reread: q.ReadClosed()}
	if r.reread {
		// The mix queue is already fully drained: nothing more will ever
		// arrive on q.Pop(), so rereading means replaying each source's
		// cached File from the prior (necessarily consume == false) pass,
		// concatenated in source-rank order, rather than pulling live.
		readers := make([]*blockio.Reader[T], q.numSources)
		for w := 0; w < q.numSources; w++ {
			cache := q.SubQueue(w).CachedFile()
			if cache == nil {
				cache = blockio.NewFile()
				cache.Close()
			}
			readers[w] = blockio.GetReader[T](cache, codec, typeName, opts...)
		}
		r.cat = blockio.NewCatReader(readers)
		return r
	}
	r.readers = make([]*blockio.Reader[T], q.numSources)
	r.availableAt = make([]int, q.numSources)
	r.open = q.numSources
	for w := 0; w < q.numSources; w++ {
		r.readers[w] = GetReader[T](q.SubQueue(w), consume, codec, typeName, opts...)
	}
	return r
}

// pullBlock retrieves mix-queue entries until at least one whole item is
// available on some reader, mirroring each entry into its source's
// sub-queue along the way. Returns false once every source has closed with
// no trailing whole item left to deliver.
func (r *MixBlockQueueReader[T]) pullBlock() bool {
	for r.available == 0 {
		e, ok := r.q.Pop()
		if !ok {
			return false
		}
		if e.Block.IsValid() {
			r.selected = e.Src
			numItems := e.Block.NumItems()
			if err := r.q.SubQueue(e.Src).AppendBlock(e.Block); err != nil {
				panic(fmt.Sprintf("queue: MixBlockQueueReader: %s", err))
			}
			r.availableAt[e.Src] += numItems
			r.available = r.availableAt[e.Src] - 1
			r.availableAt[e.Src] -= r.available
		} else {
			r.open--
			if err := r.q.SubQueue(e.Src).Close(); err != nil {
				panic(fmt.Sprintf("queue: MixBlockQueueReader: %s", err))
			}
			if r.availableAt[e.Src] > 0 {
				r.selected = e.Src
				r.available = r.availableAt[e.Src]
				r.availableAt[e.Src] = 0
			} else if r.open == 0 {
				return false
			}
		}
	}
	return true
}

// HasNext reports whether at least one more item is available.
func (r *MixBlockQueueReader[T]) HasNext() bool {
	if r.reread {
		return r.cat.HasNext()
	}
	if r.available > 0 {
		return true
	}
	if r.open == 0 {
		return false
	}
	return r.pullBlock()
}

// Next reads one complete item, from whichever source currently has one
// ready.
func (r *MixBlockQueueReader[T]) Next() (T, error) {
	var zero T
	if r.reread {
		return r.cat.Next()
	}
	if r.available == 0 {
		if !r.pullBlock() {
			return zero, blockio.ErrUnderflow
		}
	}
	r.available--
	return r.readers[r.selected].Next()
}

// Close releases every per-source reader.
func (r *MixBlockQueueReader[T]) Close() {
	if r.reread {
		r.cat.Close()
		return
	}
	for _, rd := range r.readers {
		rd.Close()
	}
}
