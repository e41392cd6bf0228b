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

package block

import "sync/atomic"

// ByteBlock is a heap-allocated, page-aligned, reference-counted byte
// region belonging to exactly one Pool (spec §3). It is mutable only while
// owned by a single writer; once Close (here: the last write completes and
// it is handed to a Block) it is treated as immutable.
type ByteBlock struct {
	mem  []byte
	size int
	pool *Pool
	refs int32 // intrusive reference count
}

// Bytes returns the full backing buffer. Callers must not retain slices of
// it beyond the lifetime of a Block referencing this ByteBlock.
func (b *ByteBlock) Bytes() []byte { return b.mem }

// Size returns the allocation size in bytes.
func (b *ByteBlock) Size() int { return b.size }

// Ref increments the reference count and returns b, for chaining.
func (b *ByteBlock) Ref() *ByteBlock {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// RefCount returns the current reference count (diagnostic only; racy by
// construction once other goroutines are concurrently adjusting it).
func (b *ByteBlock) RefCount() int32 {
	return atomic.LoadInt32(&b.refs)
}

// Release decrements the reference count. When it reaches zero the backing
// memory is returned to the pool (spec §4.1, "last release returns memory").
func (b *ByteBlock) Release() {
	if b == nil {
		return
	}
	n := atomic.AddInt32(&b.refs, -1)
	if n < 0 {
		panic("block: ByteBlock released too many times")
	}
	if n == 0 {
		freeAligned(b.mem)
		b.pool.release(b.size)
		b.mem = nil
	}
}
