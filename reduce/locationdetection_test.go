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

package reduce

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dflow-rs/dflow/netflow"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func buildTestGroups(t *testing.T, n int) []*netflow.Group {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = freeAddr(t)
	}
	groups := make([]*netflow.Group, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g, err := netflow.NewTCPGroup(r, addrs[r], addrs, 5*time.Second)
			groups[r] = g
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: NewTCPGroup: %v", r, err)
		}
	}
	return groups
}

// TestLocationDetectionRoutesToSkewedOwner checks that, when one worker
// holds far more items for a given key than the others, every worker's
// LocationDetection result agrees the skewed worker owns that key's hash
// (spec §4.10).
func TestLocationDetectionRoutesToSkewedOwner(t *testing.T) {
	const n = 3
	groups := buildTestGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	// Worker 1 holds many more "hot" items than workers 0 and 2; "cold" is
	// evenly spread so its owner is a coin flip, but every worker must
	// agree on the *same* owner regardless.
	localKeys := [][]string{
		{"hot", "hot", "cold"},
		{"hot", "hot", "hot", "hot", "hot", "cold"},
		{"hot", "cold"},
	}

	results := make([]*LocationDetection[string], n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ld, err := Build[string](groups[r], fnv64, localKeys[r])
			results[r] = ld
			errs[r] = err
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: Build: %v", r, err)
		}
	}

	hotOwner, ok := results[0].WorkerFor("hot")
	if !ok {
		t.Fatal("rank 0: no owner recorded for \"hot\"")
	}
	if hotOwner != 1 {
		t.Fatalf("hot owner = %d, want 1 (the worker with the most local occurrences)", hotOwner)
	}
	coldOwner, ok := results[0].WorkerFor("cold")
	if !ok {
		t.Fatal("rank 0: no owner recorded for \"cold\"")
	}
	for r := 1; r < n; r++ {
		if w, ok := results[r].WorkerFor("hot"); !ok || w != hotOwner {
			t.Fatalf("rank %d disagrees on hot owner: got %d,%v want %d", r, w, ok, hotOwner)
		}
		if w, ok := results[r].WorkerFor("cold"); !ok || w != coldOwner {
			t.Fatalf("rank %d disagrees on cold owner: got %d,%v want %d", r, w, ok, coldOwner)
		}
	}
}
