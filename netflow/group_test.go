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
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// freeAddr picks a loopback address with an OS-assigned free port.
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

func buildGroups(t *testing.T, n int) []*Group {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = freeAddr(t)
	}
	groups := make([]*Group, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g, err := NewTCPGroup(r, addrs[r], addrs, 5*time.Second)
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

func TestNewTCPGroupConnectsAllPairs(t *testing.T) {
	const n = 4
	groups := buildGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	for i := 0; i < n; i++ {
		if groups[i].MyRank() != i {
			t.Fatalf("group %d: MyRank() = %d", i, groups[i].MyRank())
		}
		if groups[i].NumPeers() != n {
			t.Fatalf("group %d: NumPeers() = %d, want %d", i, groups[i].NumPeers(), n)
		}
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if groups[i].Connection(j) == nil {
				t.Fatalf("group %d: nil connection to rank %d", i, j)
			}
		}
	}
}

func TestGroupConnectionsExchangeData(t *testing.T) {
	const n = 3
	groups := buildGroups(t, n)
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n*n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for peer := r + 1; peer < n; peer++ {
				msg := []byte(fmt.Sprintf("hello from %d", r))
				if err := groups[r].Connection(peer).SyncSend(msg); err != nil {
					errs <- fmt.Errorf("rank %d -> %d send: %w", r, peer, err)
				}
			}
		}(r)
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for peer := 0; peer < r; peer++ {
				buf := make([]byte, len(fmt.Sprintf("hello from %d", peer)))
				if err := groups[r].Connection(peer).SyncRecv(buf); err != nil {
					errs <- fmt.Errorf("rank %d <- %d recv: %w", r, peer, err)
					continue
				}
				want := fmt.Sprintf("hello from %d", peer)
				if string(buf) != want {
					errs <- fmt.Errorf("rank %d <- %d: got %q, want %q", r, peer, buf, want)
				}
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
