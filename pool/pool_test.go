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

package pool

import (
	"math/rand"
	"testing"
)

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	p := New(4096)
	refs := make([]Ref, 0, 64)
	for i := 0; i < 64; i++ {
		r := p.Allocate(17)
		if r.a == nil {
			t.Fatalf("allocate %d failed", i)
		}
		b := r.Bytes()
		for j := range b {
			b[j] = byte(i)
		}
		refs = append(refs, r)
	}
	for i, r := range refs {
		b := r.Bytes()
		for j, v := range b {
			if v != byte(i) {
				t.Fatalf("ref %d byte %d corrupted: %d", i, j, v)
			}
		}
	}
	for _, r := range refs {
		p.Deallocate(r)
	}
	st := p.Stats()
	if st.UsedSlots != 0 {
		t.Fatalf("expected 0 used slots after freeing everything, got %d", st.UsedSlots)
	}
}

func TestEmptyArenaReleased(t *testing.T) {
	p := New(1 << 16)
	p.SetMinFreeSlots(0)
	r := p.Allocate(1 << 20) // bigger than default arena -> oversized arena
	if st := p.Stats(); st.NumArenas != 1 {
		t.Fatalf("expected 1 arena, got %d", st.NumArenas)
	}
	p.Deallocate(r)
	if st := p.Stats(); st.NumArenas != 0 {
		t.Fatalf("expected oversized arena to be released, got %d arenas", st.NumArenas)
	}
}

func TestCoalescingAfterScatteredFree(t *testing.T) {
	p := New(4096)
	var refs []Ref
	for i := 0; i < 32; i++ {
		refs = append(refs, p.Allocate(32))
	}
	rand.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	for _, r := range refs {
		p.Deallocate(r)
	}
	// After freeing every allocation in a single arena, it should have
	// coalesced back down to one arena worth of free slots (or been
	// released entirely once MinFreeSlots' floor is crossed).
	st := p.Stats()
	if st.UsedSlots != 0 {
		t.Fatalf("expected 0 used slots, got %d", st.UsedSlots)
	}
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	p := New(2048)
	const n = 40
	refs := make([]Ref, n)
	for i := range refs {
		refs[i] = p.Allocate(13)
		b := refs[i].Bytes()
		for j := range b {
			b[j] = byte(i + 1)
		}
	}
	for i, r := range refs {
		for _, v := range r.Bytes() {
			if v != byte(i+1) {
				t.Fatalf("allocation %d overlaps with another allocation's writes", i)
			}
		}
	}
}
