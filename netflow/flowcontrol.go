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
	"encoding/binary"
	"fmt"
)

// Elem is anything FlowControl can reduce or broadcast: a fixed-width byte
// encoding of a value (spec §4.6's PrefixSum/AllReduce collectives are
// parameterized over commutative-associative reduction ops, same as a DIA's
// Reduce). Implementations take a pointer receiver for Unmarshal, so the
// collectives below are parameterized over both the value type V and its
// pointer type P so *V can satisfy Elem while V stays the everyday value
// callers pass around.
type Elem interface {
	Marshal() []byte
	Unmarshal([]byte)
}

// Uint64Elem is the common case: a single uint64 counter or sum, reduced
// with a caller-supplied combining function.
type Uint64Elem uint64

// Marshal encodes the value as 8 big-endian bytes.
func (e *Uint64Elem) Marshal() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(*e))
	return b[:]
}

// Unmarshal decodes 8 big-endian bytes into the value.
func (e *Uint64Elem) Unmarshal(b []byte) { *e = Uint64Elem(binary.BigEndian.Uint64(b)) }

// ReduceFunc combines two values into one; must be commutative and
// associative for AllReduce and PrefixSum results to be well-defined.
type ReduceFunc[V any] func(a, b V) V

// FlowControl runs the collective operations over a Group that are the only
// cross-worker synchronization points a dataflow stage needs: summing
// partition sizes, broadcasting a sample-sort splitter tree, or barriering
// between supersteps (spec §4.6).
type FlowControl struct {
	g *Group
}

// NewFlowControl wraps a Group for collective operations.
func NewFlowControl(g *Group) *FlowControl {
	return &FlowControl{g: g}
}

// AllReduce combines local across every rank with reduceFn and returns the
// same combined result on every rank: a binomial-tree reduce-to-root
// followed by a binomial-tree broadcast back out, each Θ(log W) rounds
// (spec §4.6).
func AllReduce[V any, P interface {
	*V
	Elem
}](fc *FlowControl, local V, reduceFn ReduceFunc[V]) (V, error) {
	acc, err := reduceToRoot[V, P](fc, local, reduceFn)
	if err != nil {
		return acc, fmt.Errorf("netflow: AllReduce: %w", err)
	}
	acc, err = broadcastFromRoot[V, P](fc, acc)
	if err != nil {
		return acc, fmt.Errorf("netflow: AllReduce: %w", err)
	}
	return acc, nil
}

// reduceToRoot folds local from every rank into rank 0's result using the
// standard binomial-tree reduce: at round d = 1, 2, 4, ..., a rank whose bit
// pattern marks it a "sender" at this distance sends its accumulator to
// rank (me-d) and is done; every other rank with a live child at (me+d)
// receives and folds that child's accumulator in. After ceil(log2 n)
// rounds rank 0 holds the full reduction (every other rank's return value
// is its own partial subtree result and should be ignored by the caller).
func reduceToRoot[V any, P interface {
	*V
	Elem
}](fc *FlowControl, local V, reduceFn ReduceFunc[V]) (V, error) {
	n := fc.g.NumPeers()
	me := fc.g.MyRank()
	acc := local
	for mask := 1; mask < n; mask <<= 1 {
		if me&mask != 0 {
			parent := me - mask
			if err := sendElem[V, P](fc.g, parent, acc); err != nil {
				return acc, err
			}
			return acc, nil
		}
		child := me + mask
		if child < n {
			var recv V
			if err := recvElem[V, P](fc.g, child, &recv); err != nil {
				return acc, err
			}
			acc = reduceFn(acc, recv)
		}
	}
	return acc, nil
}

// broadcastFromRoot delivers root's value to every rank using the standard
// binomial-tree broadcast: a rank first finds, via the lowest set bit of
// its rank number, the single parent it receives from (root needs no
// receive), then forwards the received value on down its subtree at
// strictly smaller distances. Θ(log W) rounds (spec §4.6).
func broadcastFromRoot[V any, P interface {
	*V
	Elem
}](fc *FlowControl, value V) (V, error) {
	n := fc.g.NumPeers()
	me := fc.g.MyRank()
	mask := 1
	for mask < n {
		if me&mask != 0 {
			src := me - mask
			if err := recvElem[V, P](fc.g, src, &value); err != nil {
				return value, err
			}
			break
		}
		mask <<= 1
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		dst := me + mask
		if dst < n {
			if err := sendElem[V, P](fc.g, dst, value); err != nil {
				return value, err
			}
		}
	}
	return value, nil
}

// PrefixSum returns, for this rank, the reduction of every rank's local
// value at a strictly lower rank (an exclusive prefix sum), or including
// this rank's own value when inclusive is true. Implemented as a
// pointer-doubling (Hillis-Steele) inclusive scan over Θ(log W) rounds
// (spec §4.6): at round d = 1, 2, 4, ..., every rank sends the running
// value it is holding at the *start* of the round to rank (me+d) and
// receives the value rank (me-d) was holding at the start of the same
// round, folding it in when me-d exists. After ceil(log2 n) rounds every
// rank holds the inclusive reduction of ranks [0, me]. The exclusive
// result needs no inverse of reduceFn: one more hop shifts the inclusive
// value from rank me to rank me+1, so rank me (for me>0) ends up holding
// rank (me-1)'s inclusive total, and rank 0 reports identity.
func PrefixSum[V any, P interface {
	*V
	Elem
}](fc *FlowControl, local V, reduceFn ReduceFunc[V], identity V, inclusive bool) (V, error) {
	n := fc.g.NumPeers()
	me := fc.g.MyRank()
	sum := local
	for d := 1; d < n; d <<= 1 {
		if me+d < n {
			if err := sendElem[V, P](fc.g, me+d, sum); err != nil {
				return sum, fmt.Errorf("netflow: PrefixSum: %w", err)
			}
		}
		if me-d >= 0 {
			var recv V
			if err := recvElem[V, P](fc.g, me-d, &recv); err != nil {
				return sum, fmt.Errorf("netflow: PrefixSum: %w", err)
			}
			sum = reduceFn(recv, sum)
		}
	}
	if inclusive {
		return sum, nil
	}
	if me+1 < n {
		if err := sendElem[V, P](fc.g, me+1, sum); err != nil {
			return identity, fmt.Errorf("netflow: PrefixSum: %w", err)
		}
	}
	if me == 0 {
		return identity, nil
	}
	var exclusive V
	if err := recvElem[V, P](fc.g, me-1, &exclusive); err != nil {
		return exclusive, fmt.Errorf("netflow: PrefixSum: %w", err)
	}
	return exclusive, nil
}

// Broadcast sends value from rank 0 to every other rank and returns the
// value every rank ends up holding, via the binomial tree of
// broadcastFromRoot (spec §4.6).
func Broadcast[V any, P interface {
	*V
	Elem
}](fc *FlowControl, value V) (V, error) {
	v, err := broadcastFromRoot[V, P](fc, value)
	if err != nil {
		return v, fmt.Errorf("netflow: Broadcast: %w", err)
	}
	return v, nil
}

// Barrier blocks until every rank has called Barrier, via a trivial
// AllReduce of a constant.
func (fc *FlowControl) Barrier() error {
	_, err := AllReduce[Uint64Elem, *Uint64Elem](fc, Uint64Elem(0), func(a, b Uint64Elem) Uint64Elem { return a })
	return err
}

func sendElem[V any, P interface {
	*V
	Elem
}](g *Group, rank int, v V) error {
	if rank == g.MyRank() {
		return nil
	}
	p := P(&v)
	return g.Connection(rank).SyncSend(p.Marshal())
}

func recvElem[V any, P interface {
	*V
	Elem
}](g *Group, rank int, out *V) error {
	if rank == g.MyRank() {
		return nil
	}
	// Every Elem this package ships marshals to a fixed 8-byte width; a
	// generic collective over variable-width Elems would need a
	// length-prefixed framing instead.
	buf := make([]byte, 8)
	if err := g.Connection(rank).SyncRecv(buf); err != nil {
		return err
	}
	P(out).Unmarshal(buf)
	return nil
}
