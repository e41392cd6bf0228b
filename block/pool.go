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

// Package block implements the reference-counted byte-block data plane:
// a page-aligned, quota-accounted allocator (Pool) and the immutable Block
// value type that carries item-boundary metadata across threads, disks, and
// the network.
package block

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Errorf is a package-level diagnostic hook, nil by default. Set it during
// init() to capture low-level allocator diagnostics without paying for a
// logging dependency on the hot path.
var Errorf func(f string, args ...any)

func errorf(f string, args ...any) {
	if Errorf != nil {
		Errorf(f, args...)
	}
}

// ErrQuotaExceeded is returned (never panics) by AllocateByteBlock when the
// pool has been closed and the request does not fit in the remaining quota,
// whatever the caller's allocateCanFail setting.
var ErrQuotaExceeded = fmt.Errorf("block: pool quota exceeded")

// DefaultBlockSize is the default page-aligned byte-block size (2 MiB), per
// spec §3 and spec §6's block_size stream-layer default.
const DefaultBlockSize = 2 << 20

// pageAlign is the alignment granularity used for mmap'd byte blocks; it
// matches common disk page sizes so the same buffers are usable by the
// external I/O layer (extio) without a copy.
const pageAlign = 4096

// Pool is a host-wide, quota-accounted allocator of ByteBlocks. One Pool
// typically exists per worker host; it is shared by all worker threads and
// the dispatcher thread (spec §5, "Shared-resource policy").
//
// Pool is safe for concurrent use. Waiters block on a condition variable
// until bytes are freed; there is no strict FIFO fairness guarantee, matching
// spec §4.1 ("fair-ish waiters").
type Pool struct {
	mu   sync.Mutex
	cond sync.Cond

	quota int64 // total bytes this pool may have outstanding
	used  int64 // bytes currently allocated (exact accounting, spec §4.1)

	closed bool
}

// NewPool creates a Pool with the given byte quota. A quota of 0 means
// unbounded (AllocateByteBlock never blocks).
func NewPool(quota int64) *Pool {
	p := &Pool{quota: quota}
	p.cond.L = &p.mu
	return p
}

// Used reports the number of bytes currently accounted as outstanding.
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Quota reports the pool's byte quota (0 == unbounded).
func (p *Pool) Quota() int64 {
	return p.quota
}

// Close unblocks every waiter with ErrQuotaExceeded; used during fatal
// teardown (spec §7, TransportError/QuotaExceeded propagation).
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// AllocateByteBlock returns a new page-aligned ByteBlock of the given size
// belonging to this pool. While the pool is open, a request that does not
// fit in the remaining quota blocks until enough bytes are released. Once
// the pool has been closed (fatal teardown), such a request returns
// ErrQuotaExceeded instead of blocking. Both rules apply whether
// allocateCanFail is true or false; the flag does not change either one.
func (p *Pool) AllocateByteBlock(size int, allocateCanFail bool) (*ByteBlock, error) {
	if size <= 0 {
		return nil, fmt.Errorf("block: invalid allocation size %d", size)
	}
	p.mu.Lock()
	for p.quota > 0 && p.used+int64(size) > p.quota {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrQuotaExceeded
		}
		if allocateCanFail {
			// network sinks still wait for the *first* opportunity rather
			// than failing instantly -- an instant failure would thrash the
			// multiplexer; they only bail out if the pool is torn down.
		}
		p.cond.Wait()
	}
	p.used += int64(size)
	p.mu.Unlock()

	mem, err := allocAligned(size)
	if err != nil {
		p.mu.Lock()
		p.used -= int64(size)
		p.mu.Unlock()
		p.cond.Broadcast()
		return nil, fmt.Errorf("block: allocate: %w", err)
	}
	bb := &ByteBlock{
		mem:  mem,
		size: size,
		pool: p,
		refs: 1,
	}
	return bb, nil
}

// release returns size bytes to the pool's quota and wakes waiters. Called
// exactly once, by ByteBlock.Release when its reference count reaches zero.
func (p *Pool) release(size int) {
	p.mu.Lock()
	if p.used < int64(size) {
		p.mu.Unlock()
		panic("block: pool accounting underflow on release")
	}
	p.used -= int64(size)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// allocAligned mmaps an anonymous, page-aligned region of size bytes
// (rounded up to pageAlign). This mirrors vm.Malloc's use of a raw mmap
// for VM pages, generalized so each allocation is independently freeable
// rather than drawn from one fixed 4 GiB reservation -- the quota in Pool
// already bounds total usage, so we do not need a single reserved arena.
func allocAligned(size int) ([]byte, error) {
	n := alignUp(size, pageAlign)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	// len == size (the usable allocation), cap == n (the full mmap length
	// munmap needs); keeping cap intact avoids re-deriving the mapping size.
	return mem[:size:n], nil
}

func freeAligned(mem []byte) {
	full := mem[:cap(mem):cap(mem)]
	if err := unix.Munmap(full); err != nil {
		errorf("block: munmap failed: %s", err)
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
