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
	"testing"
)

func TestDiskAllocatorNewBlocksFitsInInitialSpace(t *testing.T) {
	d := NewDiskAllocator("disk0", -1, 1024)
	bids, err := d.NewBlocks([]int64{100, 200, 300})
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(bids))
	}
	seen := map[int64]int64{}
	for _, b := range bids {
		seen[b.Offset] = b.Size
	}
	if bids[0].Offset != 0 || bids[1].Offset != 100 || bids[2].Offset != 300 {
		t.Fatalf("expected contiguous first-fit placement, got %+v", bids)
	}
	if d.FreeBytes() != 1024-600 {
		t.Fatalf("expected %d free bytes, got %d", 1024-600, d.FreeBytes())
	}
}

func TestDiskAllocatorDeleteCoalesces(t *testing.T) {
	d := NewDiskAllocator("disk0", -1, 300)
	bids, err := d.NewBlocks([]int64{100, 100, 100})
	if err != nil {
		t.Fatal(err)
	}
	if d.FreeBytes() != 0 {
		t.Fatalf("expected 0 free bytes, got %d", d.FreeBytes())
	}
	for _, b := range bids {
		if err := d.DeleteBlock(b); err != nil {
			t.Fatal(err)
		}
	}
	if d.FreeBytes() != 300 {
		t.Fatalf("expected all 300 bytes free after deleting everything, got %d", d.FreeBytes())
	}
	if len(d.free) != 1 {
		t.Fatalf("expected deletes to coalesce into 1 free range, got %d: %+v", len(d.free), d.free)
	}
}

func TestDiskAllocatorDoubleFreeDetected(t *testing.T) {
	d := NewDiskAllocator("disk0", -1, 300)
	bids, err := d.NewBlocks([]int64{100})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DeleteBlock(bids[0]); err != nil {
		t.Fatal(err)
	}
	err = d.DeleteBlock(BID{Disk: "disk0", Offset: 50, Size: 10})
	if !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("expected ErrDoubleFree, got %v", err)
	}
}

func TestDiskAllocatorAutogrow(t *testing.T) {
	d := NewDiskAllocator("disk0", -1, 100, WithAutogrow(true))
	bids, err := d.NewBlocks([]int64{100, 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(bids))
	}
	if d.Size() < 600 {
		t.Fatalf("expected disk to have grown to at least 600 bytes, got %d", d.Size())
	}
}

func TestDiskAllocatorDiskFullWithoutAutogrow(t *testing.T) {
	d := NewDiskAllocator("disk0", -1, 100, WithAutogrow(false))
	_, err := d.NewBlocks([]int64{1000})
	if !errors.Is(err, ErrDiskFull) {
		t.Fatalf("expected ErrDiskFull, got %v", err)
	}
}

func TestDiskAllocatorFragmentedBatchSplits(t *testing.T) {
	d := NewDiskAllocator("disk0", -1, 200, WithAutogrow(false))
	bids, err := d.NewBlocks([]int64{50, 50, 50, 50})
	if err != nil {
		t.Fatal(err)
	}
	// Free two non-adjacent quarters, leaving 100 bytes free spread across
	// two 50-byte runs: no single run covers a 2x40-byte batch, so
	// NewBlocks must split the batch recursively instead of failing.
	if err := d.DeleteBlock(bids[1]); err != nil {
		t.Fatal(err)
	}
	if err := d.DeleteBlock(bids[3]); err != nil {
		t.Fatal(err)
	}
	more, err := d.NewBlocks([]int64{40, 40})
	if err != nil {
		t.Fatal(err)
	}
	if len(more) != 2 {
		t.Fatalf("expected 2 bids from fragmented allocation, got %d", len(more))
	}
	if more[0].Offset == more[1].Offset {
		t.Fatalf("expected distinct placements, got %+v", more)
	}
}
