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

import "github.com/dflow-rs/dflow/block"

// destinationSink returns the blockio.Sink that delivers blocks written for
// destination (global worker index) dest of stream s: direct, unframed
// delivery for same-host destinations (spec §4.5, "Loopback... bypass
// framing"), or wire-framed delivery over the peer connection otherwise.
func (s *Stream) destinationSink(dest int, mode Mode) *sink {
	return &sink{s: s, dest: dest, mode: mode}
}

// sink implements blockio.Sink, addressed at one destination worker of one
// Stream. It is the single code path both OpenWriters (through
// blockio.Writer) and Scatter (appending pre-cut blocks directly) use to
// reach a destination, so loopback vs. remote framing is decided in exactly
// one place.
type sink struct {
	s    *Stream
	dest int
	mode Mode
}

func (k *sink) AppendBlock(b block.Block) error {
	mux := k.s.mux
	if mux.HostOf(k.dest) == mux.hostRank {
		mux.deliverLocal(k.s.id, k.dest, k.s.myWorker, b)
		return nil
	}
	defer b.Release()
	h := Header{
		StreamID:       uint32(k.s.id),
		SenderHost:     uint32(mux.hostRank),
		SenderWorker:   uint32(mux.LocalOf(k.s.myWorker)),
		ReceiverWorker: uint32(mux.LocalOf(k.dest)),
		PayloadBytes:   uint32(b.Size()),
		NumItems:       uint32(b.NumItems()),
		FirstItem:      uint32(b.FirstItem() - b.Begin()),
		TypeCode:       k.mode,
	}
	return mux.sendFramed(mux.HostOf(k.dest), h, b.Bytes())
}

func (k *sink) Close() error {
	mux := k.s.mux
	if mux.HostOf(k.dest) == mux.hostRank {
		mux.deliverLocal(k.s.id, k.dest, k.s.myWorker, block.Block{})
		return nil
	}
	h := Header{
		StreamID:       uint32(k.s.id),
		SenderHost:     uint32(mux.hostRank),
		SenderWorker:   uint32(mux.LocalOf(k.s.myWorker)),
		ReceiverWorker: uint32(mux.LocalOf(k.dest)),
		TypeCode:       k.mode,
	}
	return mux.sendFramed(mux.HostOf(k.dest), h, nil)
}

// AllocateCanFail implements blockio.Sink. A network destination applies
// backpressure (spec §5, "Backpressure"): once its byte-block allocations
// are permitted to fail, a slow remote consumer cannot cause this host to
// queue unboundedly many outbound blocks in memory. A loopback destination
// shares this host's pool directly and gets the same treatment, since its
// AppendBlock ultimately allocates no new memory of its own -- the
// allocation already happened in the writer that produced b.
func (k *sink) AllocateCanFail() bool { return true }
