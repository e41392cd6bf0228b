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

package stream

import (
	"fmt"
	"sync"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/netflow"
)

// streamKey identifies one Stream: a logical exchange ID plus which local
// (globally-numbered) worker's inbound side is being addressed. Multiple
// local workers on the same host can be party to the same exchange, each
// with their own Stream instance.
type streamKey struct {
	id     ID
	worker int
}

// Multiplexer owns one host's outbound/inbound exchange state (spec §4.5):
// a group of per-peer-host connections, and the set of Streams currently
// known on this host, created lazily as traffic (or a local Open call)
// first references them.
type Multiplexer struct {
	hostRank       int
	numHosts       int
	workersPerHost int
	group          *netflow.Group
	pool           *block.Pool

	sendMu []sync.Mutex // one per peer host, serializes header+payload writes on that connection

	mu      sync.Mutex
	streams map[streamKey]*Stream
}

// NewMultiplexer constructs a Multiplexer for this host and starts serving
// every peer connection in group. workersPerHost is the number of local
// workers on every host (spec §6, "num_workers_per_host"); hostRank
// (spec §6, "host_rank") identifies this process within group. group may be
// nil when numHosts == 1 (a single-host job has no peer connections and
// every destination takes the loopback path).
func NewMultiplexer(hostRank, numHosts, workersPerHost int, group *netflow.Group, pool *block.Pool) *Multiplexer {
	m := &Multiplexer{
		hostRank:       hostRank,
		numHosts:       numHosts,
		workersPerHost: workersPerHost,
		group:          group,
		pool:           pool,
		sendMu:         make([]sync.Mutex, numHosts),
		streams:        make(map[streamKey]*Stream),
	}
	for h := 0; h < m.numHosts; h++ {
		if h == hostRank {
			continue
		}
		go m.serveConnection(h)
	}
	return m
}

// NumWorkers returns the total worker count across every host.
func (m *Multiplexer) NumWorkers() int { return m.numHosts * m.workersPerHost }

// HostOf returns the host rank that owns global worker w.
func (m *Multiplexer) HostOf(w int) int { return w / m.workersPerHost }

// LocalOf returns worker w's local index within its host.
func (m *Multiplexer) LocalOf(w int) int { return w % m.workersPerHost }

// GlobalWorker composes a host rank and local worker index back into a
// global worker index.
func (m *Multiplexer) GlobalWorker(host, local int) int { return host*m.workersPerHost + local }

// GetStream returns the Stream representing myWorker's view of exchange id,
// creating it (and its backlog) on first reference, exactly as "Lazy
// Streams" (spec §4.5) requires: a stream may begin receiving blocks before
// it is locally opened.
func (m *Multiplexer) GetStream(id ID, myWorker int) *Stream {
	key := streamKey{id: id, worker: myWorker}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok {
		s = newStream(id, myWorker, m)
		m.streams[key] = s
	}
	return s
}

// deliverLocal routes one inbound (stream, sender, block) triple to the
// receiver's Stream, whether it arrived over the network or via loopback.
func (m *Multiplexer) deliverLocal(id ID, receiver, sender int, b block.Block) {
	m.GetStream(id, receiver).deliver(sender, b)
}

// sendFramed writes one header, and its payload if non-empty, atomically
// (with respect to other sends on the same peer connection) to peerHost.
func (m *Multiplexer) sendFramed(peerHost int, h Header, payload []byte) error {
	conn := m.group.Connection(peerHost)
	m.sendMu[peerHost].Lock()
	defer m.sendMu[peerHost].Unlock()
	if err := conn.SyncSend(h.Marshal()); err != nil {
		return fmt.Errorf("stream: send header to host %d: %w", peerHost, err)
	}
	if len(payload) > 0 {
		if err := conn.SyncSend(payload); err != nil {
			return fmt.Errorf("stream: send payload to host %d: %w", peerHost, err)
		}
	}
	return nil
}

// serveConnection is this host's dispatch loop for one peer connection
// (spec §4.5, "Dispatch"): read header, look up (lazily creating) the
// destination Stream, then either deliver a close sentinel or async-read
// the payload into a freshly allocated byte block and deliver that. It runs
// on its own goroutine per peer rather than through netflow.Dispatcher's
// callback API, since Dispatcher's single-event-loop contract exists to
// serialize callbacks across many connections and timers for FlowControl;
// a dedicated blocking-read goroutine per connection gives the same
// serialized-per-connection delivery order with less bookkeeping, and Go's
// netpoller already makes the blocking read cheap (see netflow.Dispatcher's
// own doc comment for the same reasoning). FlowControl's collectives still
// go through netflow.Dispatcher/Group directly; this loop only carries
// block traffic.
func (m *Multiplexer) serveConnection(peerHost int) {
	conn := m.group.Connection(peerHost)
	var hdr [HeaderSize]byte
	for {
		if err := conn.SyncRecv(hdr[:]); err != nil {
			logf("stream: host %d: read header: %v", peerHost, err)
			return
		}
		h, ok := UnmarshalHeader(hdr[:])
		if !ok {
			logf("stream: host %d: bad header magic, dropping connection", peerHost)
			return
		}
		receiver := m.GlobalWorker(m.hostRank, int(h.ReceiverWorker))
		sender := m.GlobalWorker(int(h.SenderHost), int(h.SenderWorker))

		if h.IsClose() {
			m.deliverLocal(ID(h.StreamID), receiver, sender, block.Block{})
			continue
		}

		bb, err := m.pool.AllocateByteBlock(int(h.PayloadBytes), false)
		if err != nil {
			logf("stream: host %d: allocate %d-byte block: %v", peerHost, h.PayloadBytes, err)
			return
		}
		if err := conn.SyncRecv(bb.Bytes()); err != nil {
			logf("stream: host %d: read payload: %v", peerHost, err)
			bb.Release()
			return
		}
		b := block.NewBlock(bb, 0, int(h.PayloadBytes), int(h.FirstItem), int(h.NumItems))
		m.deliverLocal(ID(h.StreamID), receiver, sender, b)
	}
}
