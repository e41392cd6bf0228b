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

package extio

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrDoubleFree is the fatal DoubleFree error kind (spec §7): DeleteBlock
// was asked to free a range that overlaps an already-free range.
var ErrDoubleFree = errors.New("extio: double free: region overlaps existing free space")

// ErrDiskFull is the fatal DiskFull/BadExternalAlloc error kind (spec §7):
// NewBlocks could not find or grow enough contiguous space and autogrow is
// disabled.
var ErrDiskFull = errors.New("extio: disk full: cannot satisfy allocation and autogrow is disabled")

// freeRange is one contiguous run of free bytes, identified by its starting
// offset and length.
type freeRange struct {
	offset, size int64
}

// DiskAllocator manages the free space of one backing disk file: a
// first-fit allocator over a sorted, coalescing map of free byte ranges,
// following thrill/io/disk_allocator.cpp (spec §4.12, §8 properties 11-12).
// One DiskAllocator instance exists per disk; it is safe for concurrent use
// (spec §5: "one mutex per disk").
type DiskAllocator struct {
	mu       sync.Mutex
	name     string
	fd       int // -1 if backed purely in-memory (tests)
	size     int64
	autogrow bool
	free     []freeRange // sorted by offset, non-adjacent
	growBy   int64
}

// Option configures a DiskAllocator.
type Option func(*DiskAllocator)

// WithAutogrow enables growing the backing file when an allocation does not
// fit in existing free space (spec §4.12's autogrow flag).
func WithAutogrow(grow bool) Option {
	return func(d *DiskAllocator) { d.autogrow = grow }
}

// NewDiskAllocator manages the already-open backing file fd of disk name,
// pre-growing it to initialSize bytes. fd is used for Fallocate-based
// growth; pass -1 to run purely in-memory (used by tests that only exercise
// the free-space bookkeeping).
func NewDiskAllocator(name string, fd int, initialSize int64, opts ...Option) *DiskAllocator {
	d := &DiskAllocator{name: name, fd: fd, growBy: initialSize}
	for _, o := range opts {
		o(d)
	}
	if initialSize > 0 {
		d.growFile(initialSize)
	}
	return d
}

// Size returns the backing file's current grown size.
func (d *DiskAllocator) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// FreeBytes returns the total number of free bytes currently tracked.
func (d *DiskAllocator) FreeBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, r := range d.free {
		total += r.size
	}
	return total
}

func (d *DiskAllocator) growFile(by int64) {
	newSize := d.size + by
	if d.fd >= 0 {
		if err := unix.Fallocate(d.fd, 0, d.size, by); err != nil {
			// Fallocate is an optimization (pre-reserving disk space); a
			// backend that doesn't support it (e.g. some filesystems) still
			// works because pwrite past EOF sparsely extends the file.
		}
	}
	d.free = append(d.free, freeRange{offset: d.size, size: by})
	d.size = newSize
	d.coalesceAround(len(d.free) - 1)
}

// NewBlocks allocates contiguous disk space for a batch of BIDs, each
// wanting sizes[i] bytes, first-fit across the whole batch if it fits in
// one run, else recursively split the batch in half (spec §4.12,
// thrill/io/disk_allocator.cpp's NewBlocks). Returns one BID per requested
// size, in order.
func (d *DiskAllocator) NewBlocks(sizes []int64) ([]BID, error) {
	if len(sizes) == 0 {
		return nil, nil
	}
	var requested, maxSize int64
	for _, s := range sizes {
		requested += s
		if s > maxSize {
			maxSize = s
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newBlocksLocked(sizes, requested, maxSize)
}

func (d *DiskAllocator) newBlocksLocked(sizes []int64, requested, maxSize int64) ([]BID, error) {
	if d.totalFreeLocked() < requested {
		if !d.autogrow {
			return nil, fmt.Errorf("extio: %s: %w: need %d, have %d free", d.name, ErrDiskFull, requested, d.totalFreeLocked())
		}
		d.growFile(requested)
	}

	if idx := d.firstFitLocked(requested); idx >= 0 {
		return d.carveLocked(idx, sizes), nil
	}

	if len(sizes) == 1 {
		if !d.autogrow {
			return nil, fmt.Errorf("extio: %s: %w: fragmented, no single run of %d bytes", d.name, ErrDiskFull, requested)
		}
		d.growFile(maxSize)
		if idx := d.firstFitLocked(requested); idx >= 0 {
			return d.carveLocked(idx, sizes), nil
		}
		return nil, fmt.Errorf("extio: %s: %w: grew but still cannot place block", d.name, ErrDiskFull)
	}

	// No single contiguous region covers the whole batch: split it and
	// recurse on each half, exactly as disk_allocator.cpp does when a
	// multi-BID batch cannot be placed contiguously.
	mid := len(sizes) / 2
	left, right := sizes[:mid], sizes[mid:]
	var leftReq, leftMax, rightReq, rightMax int64
	for _, s := range left {
		leftReq += s
		if s > leftMax {
			leftMax = s
		}
	}
	for _, s := range right {
		rightReq += s
		if s > rightMax {
			rightMax = s
		}
	}
	lb, err := d.newBlocksLocked(left, leftReq, leftMax)
	if err != nil {
		return nil, err
	}
	rb, err := d.newBlocksLocked(right, rightReq, rightMax)
	if err != nil {
		return nil, err
	}
	return append(lb, rb...), nil
}

// firstFitLocked returns the index of the first free range at least
// `size` bytes, or -1.
func (d *DiskAllocator) firstFitLocked(size int64) int {
	for i, r := range d.free {
		if r.size >= size {
			return i
		}
	}
	return -1
}

// carveLocked cuts len(sizes) consecutive BIDs out of the free range at
// index idx, shrinking or removing that range.
func (d *DiskAllocator) carveLocked(idx int, sizes []int64) []BID {
	r := d.free[idx]
	var requested int64
	for _, s := range sizes {
		requested += s
	}
	if r.size > requested {
		d.free[idx] = freeRange{offset: r.offset + requested, size: r.size - requested}
	} else {
		d.free = append(d.free[:idx], d.free[idx+1:]...)
	}
	bids := make([]BID, len(sizes))
	pos := r.offset
	for i, s := range sizes {
		bids[i] = BID{Disk: d.name, Offset: pos, Size: s}
		pos += s
	}
	return bids
}

func (d *DiskAllocator) totalFreeLocked() int64 {
	var total int64
	for _, r := range d.free {
		total += r.size
	}
	return total
}

// DeleteBlock returns bid's space to the free list, coalescing with
// adjacent free ranges. Overlap with an existing free range is a hard
// double-free error (spec §7, §8 property 11).
func (d *DiskAllocator) DeleteBlock(bid BID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := sort.Search(len(d.free), func(i int) bool { return d.free[i].offset >= bid.Offset })
	if i > 0 {
		prev := d.free[i-1]
		if prev.offset+prev.size > bid.Offset {
			return fmt.Errorf("extio: %s: %w: [%d,%d) overlaps free [%d,%d)",
				d.name, ErrDoubleFree, bid.Offset, bid.Offset+bid.Size, prev.offset, prev.offset+prev.size)
		}
	}
	if i < len(d.free) {
		next := d.free[i]
		if bid.Offset+bid.Size > next.offset {
			return fmt.Errorf("extio: %s: %w: [%d,%d) overlaps free [%d,%d)",
				d.name, ErrDoubleFree, bid.Offset, bid.Offset+bid.Size, next.offset, next.offset+next.size)
		}
	}
	d.free = append(d.free, freeRange{})
	copy(d.free[i+1:], d.free[i:])
	d.free[i] = freeRange{offset: bid.Offset, size: bid.Size}
	d.coalesceAround(i)
	return nil
}

// coalesceAround merges the free range at index i with an adjacent
// predecessor and/or successor, if contiguous (spec §8 property 12).
func (d *DiskAllocator) coalesceAround(i int) {
	if i+1 < len(d.free) {
		cur, next := d.free[i], d.free[i+1]
		if cur.offset+cur.size == next.offset {
			d.free[i] = freeRange{offset: cur.offset, size: cur.size + next.size}
			d.free = append(d.free[:i+1], d.free[i+2:]...)
		}
	}
	if i > 0 {
		prev, cur := d.free[i-1], d.free[i]
		if prev.offset+prev.size == cur.offset {
			d.free[i-1] = freeRange{offset: prev.offset, size: prev.size + cur.size}
			d.free = append(d.free[:i], d.free[i+1:]...)
		}
	}
}
