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

// Package stream implements the multi-way exchange layer (spec §4.5): Stream
// (the all-to-all context with Cat/Mix read semantics), Multiplexer (the
// host-wide outbound/inbound state and wire framing), and Scatter (the
// zero-deserialization partitioned send). There is no single file in
// _examples/original_source covering this layer (Thrill splits it across
// several data/ and net/ headers); it is grounded on the block/blockio/queue
// packages this repo already built plus netflow's Group/Connection, in the
// same layering the teacher uses for its own network-adjacent code
// (net.Conn wrapped thinly, framing kept in a sibling file).
package stream

import (
	"sync"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/queue"
)

// Errorf is an injectable diagnostics hook, following the vm.Errorf
// pattern: nil by default (silent), settable by a host process that wants
// to observe protocol errors (malformed headers, short reads) that this
// package otherwise only surfaces by tearing down the offending
// connection.
var Errorf func(string, ...any)

func logf(format string, args ...any) {
	if Errorf != nil {
		Errorf(format, args...)
	}
}

// pendingBlock is one inbound delivery buffered before a Stream has decided
// its Mode (spec §4.5, "Lazy Streams": "the Multiplexer buffers arriving
// blocks in the per-stream inbound queues, which are created on demand").
// A zero Block is the per-sender close sentinel.
type pendingBlock struct {
	sender int
	block  block.Block
}

// Stream is one local worker's view of a logical all-to-all exchange
// identified by ID (spec §4.5): it can open writers addressed to every
// worker in the group (including itself, via loopback) and it owns this
// worker's own inbound side, lazily structured as either a Cat
// (rank-ordered) or Mix (unordered) queue set once the mode is known.
type Stream struct {
	id         ID
	mux        *Multiplexer
	myWorker   int // global worker index this Stream's inbound side belongs to
	numWorkers int

	mu      sync.Mutex
	opened  bool
	mode    Mode
	backlog []pendingBlock

	catQueues []*queue.BlockQueue  // len numWorkers, valid once opened in ModeCat
	mixQueue  *queue.MixBlockQueue // valid once opened in ModeMix
}

func newStream(id ID, myWorker int, mux *Multiplexer) *Stream {
	return &Stream{id: id, mux: mux, myWorker: myWorker, numWorkers: mux.NumWorkers()}
}

// ID returns this stream's identifier.
func (s *Stream) ID() ID { return s.id }

// ensureOpened fixes this Stream's mode on first use and replays any
// backlog buffered before it was opened. A Stream may only ever be opened
// in one mode; the caller (the job driver, reading the same ReduceConfig/
// StreamConfig on every worker) is responsible for mode agreement across
// the whole exchange.
func (s *Stream) ensureOpened(mode Mode) {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mode = mode
	if mode == ModeCat {
		s.catQueues = make([]*queue.BlockQueue, s.numWorkers)
		for i := range s.catQueues {
			s.catQueues[i] = queue.NewBlockQueue()
		}
	} else {
		s.mixQueue = queue.NewMixBlockQueue(s.numWorkers)
	}
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, p := range backlog {
		s.feed(p.sender, p.block)
	}
}

// deliver routes one inbound (sender, block) pair: buffered until this
// Stream is opened, fed directly afterward.
func (s *Stream) deliver(sender int, b block.Block) {
	s.mu.Lock()
	if !s.opened {
		s.backlog = append(s.backlog, pendingBlock{sender: sender, block: b})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.feed(sender, b)
}

// feed delivers one already-opened-Stream inbound pair to the live queue
// structure (spec §4.5, "Dispatch").
func (s *Stream) feed(sender int, b block.Block) {
	if s.mode == ModeCat {
		if !b.IsValid() {
			if err := s.catQueues[sender].Close(); err != nil {
				logf("stream: close cat queue for sender %d: %v", sender, err)
			}
			return
		}
		if err := s.catQueues[sender].AppendBlock(b); err != nil {
			logf("stream: append to cat queue for sender %d: %v", sender, err)
		}
		return
	}
	if !b.IsValid() {
		if err := s.mixQueue.Close(sender); err != nil {
			logf("stream: close mix queue for sender %d: %v", sender, err)
		}
		return
	}
	if err := s.mixQueue.AppendBlock(sender, b); err != nil {
		logf("stream: append to mix queue for sender %d: %v", sender, err)
	}
}
