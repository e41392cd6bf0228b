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
	"sync"

	"github.com/dflow-rs/dflow/block"
)

// SrcBlock is one entry of a MixBlockQueue's main FIFO: a block tagged with
// the index of the worker that sent it. The zero Block (IsValid() == false)
// is the per-source close sentinel.
type SrcBlock struct {
	Src   int
	Block block.Block
}

// MixBlockQueue is an N-producer / 1-consumer channel that carries
// (source_worker, block) pairs (spec §4.4). Every block popped from the main
// FIFO is also appended to a per-source BlockQueue, so that once the queue
// is fully drained a second pass can re-read each source's data in order via
// a CatReader.
type MixBlockQueue struct {
	mu   sync.Mutex
	cond sync.Cond

	numSources     int
	main           []SrcBlock
	writeClosed    []bool
	writeOpenCount int
	readOpen       int // counts down to 0 as each source's close sentinel is Pop()ed

	subQueues []*BlockQueue
}

// NewMixBlockQueue returns a MixBlockQueue expecting blocks from numSources
// distinct producers.
func NewMixBlockQueue(numSources int) *MixBlockQueue {
	q := &MixBlockQueue{
		numSources:     numSources,
		writeClosed:    make([]bool, numSources),
		writeOpenCount: numSources,
		readOpen:       numSources,
		subQueues:      make([]*BlockQueue, numSources),
	}
	for i := range q.subQueues {
		q.subQueues[i] = NewBlockQueue()
	}
	q.cond.L = &q.mu
	return q
}

// NumSources returns the number of distinct producers this queue expects.
func (q *MixBlockQueue) NumSources() int { return q.numSources }

// AppendBlock enqueues a block received from source src.
func (q *MixBlockQueue) AppendBlock(src int, b block.Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if src < 0 || src >= q.numSources {
		return fmt.Errorf("queue: MixBlockQueue: source %d out of range [0,%d)", src, q.numSources)
	}
	if q.writeClosed[src] {
		return fmt.Errorf("queue: MixBlockQueue: AppendBlock from source %d after its Close", src)
	}
	q.main = append(q.main, SrcBlock{Src: src, Block: b})
	q.cond.Broadcast()
	return nil
}

// Close records the end-of-stream sentinel from source src. Every source
// must call Close exactly once.
func (q *MixBlockQueue) Close(src int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if src < 0 || src >= q.numSources {
		return fmt.Errorf("queue: MixBlockQueue: source %d out of range [0,%d)", src, q.numSources)
	}
	if q.writeClosed[src] {
		return fmt.Errorf("queue: MixBlockQueue: source %d closed twice", src)
	}
	q.writeClosed[src] = true
	q.writeOpenCount--
	q.main = append(q.main, SrcBlock{Src: src})
	q.cond.Broadcast()
	return nil
}

// WriteClosed reports whether every source has called Close.
func (q *MixBlockQueue) WriteClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeOpenCount == 0
}

// ReadClosed reports whether every source's close sentinel has already been
// observed by Pop -- i.e. the queue is fully drained and safe to re-read via
// each sub-queue's cache.
func (q *MixBlockQueue) ReadClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readOpen == 0
}

// Pop blocks for the next (source, block) pair. Once every source's close
// sentinel has been delivered by some Pop call, Pop returns ok == false
// forever after (matching Thrill's "read_open_ == 0" short-circuit, so
// callers racing to drain the queue never block once it is truly done).
func (q *MixBlockQueue) Pop() (SrcBlock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.readOpen == 0 {
		return SrcBlock{Src: -1}, false
	}
	for len(q.main) == 0 {
		q.cond.Wait()
	}
	e := q.main[0]
	q.main = q.main[1:]
	if !e.Block.IsValid() {
		q.readOpen--
	}
	return e, true
}

// SubQueue returns the per-source BlockQueue that mirrors everything popped
// for source src, used both by MixBlockQueueReader and for direct
// per-source re-reads once the mix queue is drained.
func (q *MixBlockQueue) SubQueue(src int) *BlockQueue {
	return q.subQueues[src]
}
