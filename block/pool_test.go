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

import (
	"sync"
	"testing"
)

func TestPoolQuotaExact(t *testing.T) {
	p := NewPool(4 * DefaultBlockSize)
	var blocks []*ByteBlock
	for i := 0; i < 4; i++ {
		bb, err := p.AllocateByteBlock(DefaultBlockSize, false)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		blocks = append(blocks, bb)
	}
	if got := p.Used(); got != 4*DefaultBlockSize {
		t.Fatalf("used = %d, want %d", got, 4*DefaultBlockSize)
	}
	for _, bb := range blocks {
		bb.Release()
	}
	if got := p.Used(); got != 0 {
		t.Fatalf("used after release = %d, want 0", got)
	}
}

func TestPoolBlocksUntilFreed(t *testing.T) {
	p := NewPool(DefaultBlockSize)
	bb, err := p.AllocateByteBlock(DefaultBlockSize, false)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bb2, err := p.AllocateByteBlock(DefaultBlockSize, false)
		if err != nil {
			t.Error(err)
			return
		}
		bb2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("allocate returned before quota was freed")
	default:
	}

	bb.Release()
	wg.Wait()
}

func TestByteBlockDoubleReleasePanics(t *testing.T) {
	p := NewPool(0)
	bb, err := p.AllocateByteBlock(1024, false)
	if err != nil {
		t.Fatal(err)
	}
	bb.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	bb.Release()
}
