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

package netflow

import (
	"sync"
	"testing"
)

func sumReduce(a, b Uint64Elem) Uint64Elem { return a + b }

func TestAllReduceSumsAcrossRanks(t *testing.T) {
	const n = 4
	groups := buildGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	results := make([]Uint64Elem, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			fc := NewFlowControl(groups[r])
			v, err := AllReduce[Uint64Elem, *Uint64Elem](fc, Uint64Elem(r+1), sumReduce)
			results[r] = v
			errs[r] = err
		}(r)
	}
	wg.Wait()

	const want = Uint64Elem(1 + 2 + 3 + 4)
	for r := 0; r < n; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: AllReduce: %v", r, errs[r])
		}
		if results[r] != want {
			t.Fatalf("rank %d: AllReduce = %d, want %d", r, results[r], want)
		}
	}
}

func TestPrefixSumExclusiveAcrossRanks(t *testing.T) {
	const n = 5
	groups := buildGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	results := make([]Uint64Elem, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			fc := NewFlowControl(groups[r])
			v, err := PrefixSum[Uint64Elem, *Uint64Elem](fc, Uint64Elem(r+1), sumReduce, Uint64Elem(0), false)
			results[r] = v
			errs[r] = err
		}(r)
	}
	wg.Wait()

	running := Uint64Elem(0)
	for r := 0; r < n; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: PrefixSum: %v", r, errs[r])
		}
		if results[r] != running {
			t.Fatalf("rank %d: PrefixSum = %d, want %d", r, results[r], running)
		}
		running += Uint64Elem(r + 1)
	}
}

func TestBroadcastFromRankZero(t *testing.T) {
	const n = 3
	groups := buildGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	results := make([]Uint64Elem, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			fc := NewFlowControl(groups[r])
			var local Uint64Elem
			if r == 0 {
				local = 42
			}
			v, err := Broadcast[Uint64Elem, *Uint64Elem](fc, local)
			results[r] = v
			errs[r] = err
		}(r)
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: Broadcast: %v", r, errs[r])
		}
		if results[r] != 42 {
			t.Fatalf("rank %d: Broadcast = %d, want 42", r, results[r])
		}
	}
}

func TestBarrierReturnsOnAllRanks(t *testing.T) {
	const n = 4
	groups := buildGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			fc := NewFlowControl(groups[r])
			errs[r] = fc.Barrier()
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: Barrier: %v", r, err)
		}
	}
}
