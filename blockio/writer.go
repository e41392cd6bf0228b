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

package blockio

import (
	"fmt"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/serialize"
)

// Writer is a typed cursor that appends items into a sequence of Blocks
// delivered to a Sink (spec §4.2). A Writer requires that a single logical
// item may span any finite number of blocks: write-time bookkeeping only
// records the byte offset of the first item beginning in each closed block
// plus how many items begin there; a straddling item's continuation bytes
// simply occupy the following block(s) with NumItems left at zero for any
// block that carries no new item start (spec §9, Open Questions).
type Writer[T any] struct {
	sink            Sink
	pool            *block.Pool
	blockSize       int
	codec           serialize.Codec[T]
	selfVerify      bool
	typeFP          serialize.Fingerprint
	allocateCanFail bool

	current        *block.ByteBlock
	curPos         int
	blockFirstItem int
	blockNumItems  int

	pendingFirstItem bool
	closed           bool
}

// Option configures a Writer or Reader.
type Option func(*options)

type options struct {
	blockSize       int
	selfVerify      bool
	allocateCanFail bool
}

// WithBlockSize overrides the default block size (spec §6, block_size).
func WithBlockSize(n int) Option {
	return func(o *options) { o.blockSize = n }
}

// WithSelfVerify enables per-item type-fingerprint prefixing and checking
// (spec §3, "Self-verification (optional)").
func WithSelfVerify(enable bool) Option {
	return func(o *options) { o.selfVerify = enable }
}

// WithAllocateCanFail marks this writer's byte-block allocations as
// permitted to fail rather than block (spec §4.1; set by network sinks
// applying backpressure).
func WithAllocateCanFail(can bool) Option {
	return func(o *options) { o.allocateCanFail = can }
}

func buildOptions(opts []Option) options {
	o := options{blockSize: block.DefaultBlockSize}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// NewWriter constructs a Writer that serializes items of type T with codec,
// allocating blocks from pool and delivering them to sink.
func NewWriter[T any](sink Sink, pool *block.Pool, codec serialize.Codec[T], typeName string, opts ...Option) *Writer[T] {
	o := buildOptions(opts)
	return &Writer[T]{
		sink:            sink,
		pool:            pool,
		blockSize:       o.blockSize,
		codec:           codec,
		selfVerify:      o.selfVerify,
		typeFP:          serialize.FingerprintOf(typeName),
		allocateCanFail: o.allocateCanFail,
	}
}

// Write implements io.Writer so that Codec.Serialize can stream arbitrary
// numbers of bytes through the writer; it transparently rolls over to a
// fresh block whenever the current one fills, which is how straddling items
// are produced.
func (w *Writer[T]) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.current == nil {
			if err := w.ensureBlock(); err != nil {
				return total, err
			}
		}
		avail := w.blockSize - w.curPos
		if avail == 0 {
			if err := w.closeCurrentBlock(); err != nil {
				return total, err
			}
			if err := w.ensureBlock(); err != nil {
				return total, err
			}
			avail = w.blockSize
		}
		n := len(p)
		if n > avail {
			n = avail
		}
		copy(w.current.Bytes()[w.curPos:], p[:n])
		if w.pendingFirstItem {
			if w.blockNumItems == 0 {
				w.blockFirstItem = w.curPos
			}
			w.blockNumItems++
			w.pendingFirstItem = false
		}
		w.curPos += n
		p = p[n:]
		total += n
	}
	return total, nil
}

func (w *Writer[T]) ensureBlock() error {
	bb, err := w.pool.AllocateByteBlock(w.blockSize, w.allocateCanFail)
	if err != nil {
		return fmt.Errorf("blockio: allocate block: %w", err)
	}
	w.current = bb
	w.curPos = 0
	w.blockFirstItem = 0
	w.blockNumItems = 0
	return nil
}

func (w *Writer[T]) closeCurrentBlock() error {
	if w.current == nil {
		return nil
	}
	if w.curPos == 0 {
		w.current.Release()
		w.current = nil
		return nil
	}
	firstItem := w.blockFirstItem
	if w.blockNumItems == 0 {
		firstItem = w.curPos
	}
	b := block.NewBlock(w.current, 0, w.curPos, firstItem, w.blockNumItems)
	w.current = nil
	w.curPos = 0
	w.blockFirstItem = 0
	w.blockNumItems = 0
	return w.sink.AppendBlock(b)
}

// Put serializes one item, rolling over blocks as needed.
func (w *Writer[T]) Put(item T) error {
	if w.closed {
		return fmt.Errorf("blockio: Put on closed Writer")
	}
	w.pendingFirstItem = true
	if w.selfVerify {
		if _, err := w.Write(w.typeFP[:]); err != nil {
			return fmt.Errorf("blockio: writing fingerprint: %w", err)
		}
	}
	if err := w.codec.Serialize(w, item); err != nil {
		return fmt.Errorf("blockio: serialize item: %w", err)
	}
	return nil
}

// PutRaw appends n raw bytes without item-boundary bookkeeping, reserved
// for framing use by callers that manage their own item semantics.
func (w *Writer[T]) PutRaw(p []byte) error {
	_, err := w.Write(p)
	return err
}

// Flush forces the current block to the sink without closing the writer.
func (w *Writer[T]) Flush() error {
	return w.closeCurrentBlock()
}

// Close flushes the current block (even if partial) and delivers the
// end-of-stream sentinel to the sink.
func (w *Writer[T]) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.closeCurrentBlock(); err != nil {
		return err
	}
	return w.sink.Close()
}
