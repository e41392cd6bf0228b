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

// Package blockio implements the typed BlockWriter/BlockReader cursors and
// the File container (spec §4.2, §4.3): the pieces that turn a sequence of
// blocks into a sequence of items, and back, while preserving item
// boundaries across block splits.
package blockio

import "github.com/dflow-rs/dflow/block"

// Sink is the destination a BlockWriter delivers closed blocks to: a File,
// a BlockQueue, or a stream sink (spec §4.2). Implementations decide what
// AllocateCanFail means for them: Files never fail allocation, network
// sinks may apply backpressure instead of blocking forever.
type Sink interface {
	// AppendBlock delivers a completed (or partial-but-flushed) block to
	// the sink. b is immutable from this point on.
	AppendBlock(b block.Block) error
	// Close delivers the end-of-stream sentinel (the zero Block) to the
	// sink.
	Close() error
	// AllocateCanFail reports whether this sink's byte-block allocations
	// are permitted to fail (spec §4.1); if true, BlockWriter.Put must be
	// prepared to receive an error from the pool instead of blocking.
	AllocateCanFail() bool
}
