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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dflow-rs/dflow/netflow"
)

// HashCount is the compact record LocationDetection exchanges instead of
// full keys (spec §4.10): a key's hash plus a saturating occurrence count.
type HashCount struct {
	Hash  uint64
	Count uint32
}

// Add saturates at math.MaxUint32 rather than wrapping.
func (hc *HashCount) Add(n uint32) {
	if uint64(hc.Count)+uint64(n) > math.MaxUint32 {
		hc.Count = math.MaxUint32
		return
	}
	hc.Count += n
}

// NeedBroadcast reports whether this record's winning owner must be known
// by every worker. Always true for GroupByKey-style reductions (spec
// §4.10): every worker may hold items with this hash and needs to know
// where to route them.
func (hc HashCount) NeedBroadcast() bool { return true }

// LocationDetection routes skewed keyed reductions by pre-computed owner
// rather than by plain hash(key) mod W (spec §4.10): each worker counts its
// local per-hash occurrences, the counts are gathered and merged at rank 0,
// and the hash with the most items on each worker determines that hash's
// owner, broadcast back to everyone.
type LocationDetection[K comparable] struct {
	hashFn HashFunc[K]
	owners map[uint64]int
}

// WorkerFor returns the owning worker for key's hash, if this
// LocationDetection pass covered it. ok is false for a hash that never
// appeared during the counting pass (the caller should fall back to plain
// hash routing).
func (ld *LocationDetection[K]) WorkerFor(key K) (worker int, ok bool) {
	w, ok := ld.owners[ld.hashFn(key)]
	return w, ok
}

// Build runs the full LocationDetection pass over this worker's local keys:
// count per-hash occurrences locally, exchange with every peer through g
// (gather to rank 0, merge, broadcast the winning owner per hash back to
// everyone), and return the resulting routing table.
func Build[K comparable](g *netflow.Group, hashFn HashFunc[K], localKeys []K) (*LocationDetection[K], error) {
	local := map[uint64]*HashCount{}
	for _, k := range localKeys {
		h := hashFn(k)
		hc, ok := local[h]
		if !ok {
			hc = &HashCount{Hash: h}
			local[h] = hc
		}
		hc.Add(1)
	}
	return build(g, hashFn, local)
}

// BuildFromCounts is Build's entry point for a caller that has already
// computed local hash counts (e.g. while streaming items through a
// pre-phase, rather than buffering keys first).
func BuildFromCounts[K comparable](g *netflow.Group, hashFn HashFunc[K], counts map[uint64]uint32) (*LocationDetection[K], error) {
	local := make(map[uint64]*HashCount, len(counts))
	for h, c := range counts {
		hc := &HashCount{Hash: h}
		hc.Add(c)
		local[h] = hc
	}
	return build(g, hashFn, local)
}

func build[K comparable](g *netflow.Group, hashFn HashFunc[K], local map[uint64]*HashCount) (*LocationDetection[K], error) {
	const root = 0
	type best struct {
		count uint32
		owner int
	}
	merged := map[uint64]best{}
	mergeIn := func(rank int, counts map[uint64]*HashCount) {
		for h, hc := range counts {
			if !hc.NeedBroadcast() {
				continue
			}
			b, ok := merged[h]
			if !ok || hc.Count > b.count {
				merged[h] = best{count: hc.Count, owner: rank}
			}
		}
	}

	if g.MyRank() == root {
		mergeIn(root, local)
		for r := 0; r < g.NumPeers(); r++ {
			if r == root {
				continue
			}
			counts, err := recvHashCounts(g, r)
			if err != nil {
				return nil, fmt.Errorf("reduce: LocationDetection: recv from %d: %w", r, err)
			}
			mergeIn(r, counts)
		}
	} else {
		if err := sendHashCounts(g, root, local); err != nil {
			return nil, fmt.Errorf("reduce: LocationDetection: send to root: %w", err)
		}
	}

	owners := map[uint64]int{}
	if g.MyRank() == root {
		for h, b := range merged {
			owners[h] = b.owner
		}
		for r := 0; r < g.NumPeers(); r++ {
			if r == root {
				continue
			}
			if err := sendOwners(g, r, owners); err != nil {
				return nil, fmt.Errorf("reduce: LocationDetection: broadcast to %d: %w", r, err)
			}
		}
	} else {
		var err error
		owners, err = recvOwners(g, root)
		if err != nil {
			return nil, fmt.Errorf("reduce: LocationDetection: recv owners: %w", err)
		}
	}
	return &LocationDetection[K]{hashFn: hashFn, owners: owners}, nil
}

func sendHashCounts(g *netflow.Group, to int, counts map[uint64]*HashCount) error {
	buf := make([]byte, 4, 4+len(counts)*12)
	binary.LittleEndian.PutUint32(buf, uint32(len(counts)))
	for h, hc := range counts {
		var rec [12]byte
		binary.LittleEndian.PutUint64(rec[0:8], h)
		binary.LittleEndian.PutUint32(rec[8:12], hc.Count)
		buf = append(buf, rec[:]...)
	}
	return g.Connection(to).SyncSend(buf)
}

func recvHashCounts(g *netflow.Group, from int) (map[uint64]*HashCount, error) {
	var lenBuf [4]byte
	if err := g.Connection(from).SyncRecv(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	out := make(map[uint64]*HashCount, n)
	rec := make([]byte, 12*n)
	if n > 0 {
		if err := g.Connection(from).SyncRecv(rec); err != nil {
			return nil, err
		}
	}
	for i := uint32(0); i < n; i++ {
		off := i * 12
		h := binary.LittleEndian.Uint64(rec[off : off+8])
		c := binary.LittleEndian.Uint32(rec[off+8 : off+12])
		out[h] = &HashCount{Hash: h, Count: c}
	}
	return out, nil
}

func sendOwners(g *netflow.Group, to int, owners map[uint64]int) error {
	buf := make([]byte, 4, 4+len(owners)*12)
	binary.LittleEndian.PutUint32(buf, uint32(len(owners)))
	for h, w := range owners {
		var rec [12]byte
		binary.LittleEndian.PutUint64(rec[0:8], h)
		binary.LittleEndian.PutUint32(rec[8:12], uint32(w))
		buf = append(buf, rec[:]...)
	}
	return g.Connection(to).SyncSend(buf)
}

func recvOwners(g *netflow.Group, from int) (map[uint64]int, error) {
	var lenBuf [4]byte
	if err := g.Connection(from).SyncRecv(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	out := make(map[uint64]int, n)
	rec := make([]byte, 12*n)
	if n > 0 {
		if err := g.Connection(from).SyncRecv(rec); err != nil {
			return nil, err
		}
	}
	for i := uint32(0); i < n; i++ {
		off := i * 12
		h := binary.LittleEndian.Uint64(rec[off : off+8])
		w := binary.LittleEndian.Uint32(rec[off+8 : off+12])
		out[h] = int(w)
	}
	return out, nil
}
