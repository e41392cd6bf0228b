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
	"errors"
	"fmt"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/serialize"
)

// ErrUnderflow is the fatal Underflow error kind from spec §7: reading past
// a close that happened before all expected items arrived.
var ErrUnderflow = errors.New("blockio: underflow: read past end of stream")

// Source supplies the sequence of Blocks a Reader consumes. Per call,
// NextBlock must return either a valid Block (ownership of one reference
// transferred to the caller -- the Reader will Release it once fully
// consumed) or ok == false once the source is exhausted (end-of-stream
// sentinel observed). NextBlock blocks until a block is available or the
// source closes (spec §4.2, "HasNext... blocking on the source").
type Source interface {
	NextBlock() (b block.Block, ok bool)
}

// Reader is the dual of Writer: a typed cursor that deserializes items,
// fetching additional blocks as needed to cover items that straddle block
// boundaries (spec §4.2).
type Reader[T any] struct {
	source     Source
	codec      serialize.Codec[T]
	selfVerify bool
	typeFP     serialize.Fingerprint

	cur    block.Block
	pos    int
	closed bool // true once the source has signaled end-of-stream

	pendingItemStarts int // items known to have begun that Next hasn't consumed yet
}

// NewReader constructs a Reader over source.
func NewReader[T any](source Source, codec serialize.Codec[T], typeName string, opts ...Option) *Reader[T] {
	o := buildOptions(opts)
	return &Reader[T]{
		source:     source,
		codec:      codec,
		selfVerify: o.selfVerify,
		typeFP:     serialize.FingerprintOf(typeName),
	}
}

// loadNext pulls the next non-empty Block from the source, releasing any
// exhausted block it skips past (there should be none by construction, but
// defensive against zero-size blocks slipping through).
func (r *Reader[T]) loadNext() bool {
	for {
		b, ok := r.source.NextBlock()
		if !ok {
			r.closed = true
			return false
		}
		if !b.IsValid() {
			r.closed = true
			return false
		}
		if b.Size() == 0 {
			b.Release()
			continue
		}
		r.cur = b
		r.pos = 0
		r.pendingItemStarts += b.NumItems()
		return true
	}
}

// HasNext advances to the next block (blocking on the source) until either
// an item begins or the source is closed.
func (r *Reader[T]) HasNext() bool {
	for r.pendingItemStarts == 0 {
		if r.closed {
			return false
		}
		if !r.loadNext() {
			return false
		}
	}
	return true
}

// Read implements io.Reader over the concatenated byte stream of blocks
// pulled from the source, advancing to new blocks transparently. This is
// what lets Codec.Deserialize read an item whose encoding straddles blocks.
func (r *Reader[T]) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if !r.cur.IsValid() || r.pos >= r.cur.Size() {
			if r.cur.IsValid() {
				r.cur.Release()
				r.cur = block.Block{}
			}
			if !r.loadNext() {
				if n > 0 {
					return n, nil
				}
				return n, ErrUnderflow
			}
		}
		avail := r.cur.Bytes()[r.pos:]
		c := copy(p[n:], avail)
		r.pos += c
		n += c
	}
	return n, nil
}

// ReadByte implements io.ByteReader for serialize.ByteSource.
func (r *Reader[T]) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := r.Read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Next deserializes and returns one item, pulling more blocks as needed.
func (r *Reader[T]) Next() (T, error) {
	var zero T
	if !r.HasNext() {
		return zero, ErrUnderflow
	}
	if r.selfVerify {
		var fp serialize.Fingerprint
		if _, err := r.Read(fp[:]); err != nil {
			return zero, fmt.Errorf("blockio: reading fingerprint: %w", err)
		}
		if fp != r.typeFP {
			return zero, &serialize.FingerprintMismatchError{Want: r.typeFP, Got: fp}
		}
	}
	v, err := r.codec.Deserialize(r)
	if err != nil {
		return zero, fmt.Errorf("blockio: deserialize item: %w", err)
	}
	r.pendingItemStarts--
	return v, nil
}

// Skip advances the reader past n items without returning their values.
// When the item's Codec reports IsFixedSize, this advances purely via
// pointer arithmetic across block boundaries (no deserialization); for
// variable-size items it falls back to discarding Next() results, matching
// spec §4.3 ("fixed_size information to accelerate jump").
func (r *Reader[T]) Skip(n int) error {
	if r.codec.IsFixedSize() {
		fixed := r.codec.FixedSize()
		skipBytes := fixed * n
		if r.selfVerify {
			skipBytes = (fixed + len(r.typeFP)) * n
		}
		itemsSkipped := 0
		for skipBytes > 0 {
			if !r.cur.IsValid() || r.pos >= r.cur.Size() {
				if r.cur.IsValid() {
					r.cur.Release()
					r.cur = block.Block{}
				}
				if !r.loadNext() {
					return ErrUnderflow
				}
			}
			avail := r.cur.Size() - r.pos
			take := skipBytes
			if take > avail {
				take = avail
			}
			r.pos += take
			skipBytes -= take
		}
		itemsSkipped = n
		r.pendingItemStarts -= itemsSkipped
		return nil
	}
	for i := 0; i < n; i++ {
		if _, err := r.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the Reader's reference to whatever block it is currently
// holding. Safe to call multiple times.
func (r *Reader[T]) Close() {
	if r.cur.IsValid() {
		r.cur.Release()
		r.cur = block.Block{}
	}
}
