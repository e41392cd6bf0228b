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

// Package pool implements the Arena Pool from spec §4.13: a thread-safe,
// fixed-arena, slot-based allocator for many small same-size control-plane
// objects (splitter trees, hash-table spill bookkeeping, stream framing
// headers). It generalizes the same "allocate from one big region with an
// offset-based free list" idea vm.Malloc uses for VM pages (vm/malloc.go),
// but arenas are independently sized and dropped once empty (default-sized
// ones only above the free-slot floor, see Deallocate), following
// thrill/mem/pool.cpp's Arena/Slot design.
package pool

import "sync"

// slotSize is the allocation granularity: every request is rounded up to a
// whole number of slots (spec §4.13, "over-allocates in units of slot_size
// (16 bytes)").
const slotSize = 16

// DefaultArenaSize is the default arena size (spec §4.13: "default 16 MiB").
const DefaultArenaSize = 16 << 20

// freeRun is one maximal run of contiguous free slots within an arena,
// identified by its starting slot index and length in slots.
type freeRun struct {
	slot int
	n    int
}

// arena is one fixed-size backing buffer, sliced into slotSize-byte slots.
// Free space is tracked as a sorted-by-offset list of freeRuns; Go's slice
// allocator (not raw mmap) backs the arena since this is a control-plane
// pool, not the byte-block data plane (block.Pool handles that).
type arena struct {
	buf       []byte
	size      int // arena size in bytes, may exceed DefaultArenaSize for big requests
	numSlots  int
	free      []freeRun // sorted by slot, non-adjacent (coalesced eagerly)
	freeSlots int
}

func newArena(size int) *arena {
	numSlots := size / slotSize
	a := &arena{
		buf:      make([]byte, size),
		size:     size,
		numSlots: numSlots,
	}
	a.free = []freeRun{{slot: 0, n: numSlots}}
	a.freeSlots = numSlots
	return a
}

// alloc finds a first-fit run of n contiguous free slots, splits it if
// larger than needed, and returns the byte offset of the allocation, or -1
// if this arena cannot satisfy the request.
func (a *arena) alloc(n int) int {
	for i, run := range a.free {
		if run.n < n {
			continue
		}
		offset := run.slot * slotSize
		if run.n == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeRun{slot: run.slot + n, n: run.n - n}
		}
		a.freeSlots -= n
		return offset
	}
	return -1
}

// freeRange returns the slots covering [offset, offset+n*slotSize) to the arena's
// free list, coalescing with any adjacent free run (spec §4.13, "adjacent
// free slots are coalesced").
func (a *arena) freeRange(offset, n int) {
	slot := offset / slotSize
	i := 0
	for i < len(a.free) && a.free[i].slot < slot {
		i++
	}
	run := freeRun{slot: slot, n: n}
	// coalesce with predecessor
	if i > 0 && a.free[i-1].slot+a.free[i-1].n == run.slot {
		run.slot = a.free[i-1].slot
		run.n += a.free[i-1].n
		i--
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	// coalesce with successor
	if i < len(a.free) && run.slot+run.n == a.free[i].slot {
		run.n += a.free[i].n
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	a.free = append(a.free[:i], append([]freeRun{run}, a.free[i:]...)...)
	a.freeSlots += n
}

func (a *arena) empty() bool { return a.freeSlots == a.numSlots }

// Ref identifies one allocation: the arena it came from plus its byte range,
// the "ptr" half of Pool's allocate(n_bytes)/deallocate(ptr, n_bytes)
// contract (spec §4.13). The zero Ref is invalid.
type Ref struct {
	a      *arena
	offset int
	slots  int
}

// Bytes returns the allocation's backing memory. Valid until Deallocate.
func (r Ref) Bytes() []byte {
	if r.a == nil {
		return nil
	}
	return r.a.buf[r.offset : r.offset+r.slots*slotSize]
}

// Pool is the process-wide control-plane allocator (spec §4.13, "a single
// process-wide pool exists for control-plane allocations"). It is also
// usable as a private pool, e.g. in tests, via New.
type Pool struct {
	mu              sync.Mutex
	defaultArenaSz  int
	minFreeSlots    int
	arenas          []*arena // arenas with known free space, most-recently-touched first
}

// New creates a private Pool with the given default arena size (0 selects
// DefaultArenaSize).
func New(defaultArenaSize int) *Pool {
	if defaultArenaSize <= 0 {
		defaultArenaSize = DefaultArenaSize
	}
	return &Pool{defaultArenaSz: defaultArenaSize}
}

var (
	globalOnce sync.Once
	global     *Pool
)

// Global returns the process-wide Pool, lazily initialized on first use and
// never torn down until process exit (spec §4.13, "Global mutable state").
func Global() *Pool {
	globalOnce.Do(func() { global = New(DefaultArenaSize) })
	return global
}

func slotsFor(n int) int { return (n + slotSize - 1) / slotSize }

// Allocate returns n bytes of zeroed memory drawn from an arena, allocating
// a fresh arena if no existing one has room. A request larger than
// defaultArenaSize gets its own oversized arena, which is freed back to the
// runtime immediately once emptied rather than retained (spec §4.13: "any
// number of default arenas above a configured free-slot floor" are
// retained, but oversized arenas are not "default sized" and so are always
// eligible for return).
func (p *Pool) Allocate(n int) Ref {
	if n <= 0 {
		return Ref{}
	}
	slots := slotsFor(n)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.arenas {
		if off := a.alloc(slots); off >= 0 {
			return Ref{a: a, offset: off, slots: slots}
		}
	}

	size := p.defaultArenaSz
	if slots*slotSize > size-arenaOverheadEstimate {
		size = slots*slotSize + arenaOverheadEstimate
	}
	a := newArena(size)
	p.arenas = append(p.arenas, a)
	off := a.alloc(slots)
	return Ref{a: a, offset: off, slots: slots}
}

// arenaOverheadEstimate has no real meaning for a slice-backed arena (there
// is no embedded Arena header the way thrill/mem/pool.cpp has); kept at 0
// so oversized requests get an arena sized exactly to fit them.
const arenaOverheadEstimate = 0

// Deallocate returns an allocation to its arena. Empty non-default-sized
// arenas are released immediately; empty default-sized arenas are retained
// up to minFreeSlots worth of slack before being released, matching spec
// §4.13's "empty non-default arenas are returned to the OS, plus any number
// of default arenas above a configured free-slot floor".
func (p *Pool) Deallocate(r Ref) {
	if r.a == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r.a.freeRange(r.offset, r.slots)
	if !r.a.empty() {
		return
	}
	if r.a.size != p.defaultArenaSz {
		p.removeArena(r.a)
		return
	}
	if p.totalFreeSlotsLocked() > p.minFreeSlots+r.a.numSlots {
		p.removeArena(r.a)
	}
}

func (p *Pool) totalFreeSlotsLocked() int {
	total := 0
	for _, a := range p.arenas {
		total += a.freeSlots
	}
	return total
}

func (p *Pool) removeArena(target *arena) {
	for i, a := range p.arenas {
		if a == target {
			p.arenas = append(p.arenas[:i], p.arenas[i+1:]...)
			return
		}
	}
}

// SetMinFreeSlots configures how many free slots' worth of empty default
// arenas the Pool keeps around rather than releasing immediately.
func (p *Pool) SetMinFreeSlots(n int) {
	p.mu.Lock()
	p.minFreeSlots = n
	p.mu.Unlock()
}

// Stats reports the Pool's current arena and slot accounting, for tests and
// diagnostics.
type Stats struct {
	NumArenas int
	UsedSlots int
	FreeSlots int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.NumArenas = len(p.arenas)
	for _, a := range p.arenas {
		s.FreeSlots += a.freeSlots
		s.UsedSlots += a.numSlots - a.freeSlots
	}
	return s
}
