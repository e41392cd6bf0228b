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

	"github.com/dflow-rs/dflow/blockio"
	"github.com/dflow-rs/dflow/queue"
	"github.com/dflow-rs/dflow/serialize"
)

// OpenWriters returns one BlockWriter per destination worker in the group
// (spec §4.5): writers[k] delivers items to worker k's inbound side of this
// stream, taking the loopback fast path for same-host destinations and
// wire framing otherwise. mode is this exchange's agreed Cat/Mix mode,
// recorded in each outbound header's (informational) TypeCode field.
func OpenWriters[T any](s *Stream, mode Mode, codec serialize.Codec[T], typeName string, opts ...blockio.Option) []*blockio.Writer[T] {
	writers := make([]*blockio.Writer[T], s.numWorkers)
	for k := range writers {
		snk := s.destinationSink(k, mode)
		writers[k] = blockio.NewWriter[T](snk, s.mux.pool, codec, typeName,
			append(append([]blockio.Option(nil), opts...), blockio.WithAllocateCanFail(snk.AllocateCanFail()))...)
	}
	return writers
}

// OpenReaders ensures this Stream is opened in ModeCat and returns one
// reader per sender, unmerged (spec §4.5: "OpenReaders() → [BlockReader; W]
// (Cat only)"); callers that want the rank-ordered merge instead should use
// OpenCatReader.
func OpenReaders[T any](s *Stream, consume bool, codec serialize.Codec[T], typeName string, opts ...blockio.Option) []*blockio.Reader[T] {
	s.ensureOpened(ModeCat)
	readers := make([]*blockio.Reader[T], s.numWorkers)
	for w := range readers {
		readers[w] = queue.GetReader[T](s.catQueues[w], consume, codec, typeName, opts...)
	}
	return readers
}

// OpenCatReader ensures this Stream is opened in ModeCat and returns a
// single reader concatenating every sender's contribution in ascending
// worker-rank order (spec §4.5, §5).
func OpenCatReader[T any](s *Stream, consume bool, codec serialize.Codec[T], typeName string, opts ...blockio.Option) *blockio.CatReader[T] {
	return blockio.NewCatReader(OpenReaders[T](s, consume, codec, typeName, opts...))
}

// OpenMixReader ensures this Stream is opened in ModeMix and returns the
// single unordered reader over all senders, per-source FIFO with arbitrary
// but (once fully drained) stably re-readable interleaving (spec §4.4,
// §4.5, §5).
func OpenMixReader[T any](s *Stream, consume bool, codec serialize.Codec[T], typeName string, opts ...blockio.Option) *queue.MixBlockQueueReader[T] {
	s.ensureOpened(ModeMix)
	return queue.NewMixBlockQueueReader[T](s.mixQueue, consume, codec, typeName, opts...)
}

// Scatter emits, for each destination k in [0, numWorkers), the block range
// covering items [offsets[k], offsets[k+1]) of src to worker k (spec §4.5).
// It uses blockio.GetItemRange so the blocks entirely inside a destination's
// range pass through unmodified -- only the boundary blocks are clipped --
// giving shuffles a zero-copy, zero-deserialize fast path for fixed-size
// item types. len(offsets) must be numWorkers+1.
func Scatter[T any](s *Stream, mode Mode, src *blockio.File, codec serialize.Codec[T], typeName string, offsets []int, consume bool) error {
	if len(offsets) != s.numWorkers+1 {
		return fmt.Errorf("stream: Scatter: need %d offsets, got %d", s.numWorkers+1, len(offsets))
	}
	for k := 0; k < s.numWorkers; k++ {
		blocks, err := blockio.GetItemRange[T](src, codec, typeName, offsets[k], offsets[k+1])
		if err != nil {
			return fmt.Errorf("stream: Scatter: destination %d: %w", k, err)
		}
		snk := s.destinationSink(k, mode)
		for _, b := range blocks {
			if err := snk.AppendBlock(b); err != nil {
				return fmt.Errorf("stream: Scatter: destination %d: %w", k, err)
			}
		}
		if err := snk.Close(); err != nil {
			return fmt.Errorf("stream: Scatter: destination %d: close: %w", k, err)
		}
	}
	if consume {
		src.Release()
	}
	return nil
}
