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

import "github.com/dflow-rs/dflow/block"

// GetItemBatch returns exactly the blocks covering the next n items,
// advancing the reader past them. No deserialization occurs for fixed-size
// item types: the cut points are computed by pointer arithmetic. The first
// and last returned blocks are clipped to the exact item-aligned byte
// range; any blocks fully contained in the middle of the range pass through
// unmodified (spec §4.2, the fast path for shuffles).
//
// Every returned Block holds its own reference to the underlying ByteBlock,
// independent of the Reader's internal state.
func (r *Reader[T]) GetItemBatch(n int) ([]block.Block, error) {
	if n <= 0 {
		return nil, nil
	}
	if !r.HasNext() {
		return nil, ErrUnderflow
	}

	fixedItemSize := -1
	if r.codec.IsFixedSize() {
		fixedItemSize = r.codec.FixedSize()
		if r.selfVerify {
			fixedItemSize += len(r.typeFP)
		}
	}

	var out []block.Block
	remaining := n
	for remaining > 0 {
		if !r.cur.IsValid() {
			return nil, ErrUnderflow
		}
		begin := r.pos
		var end, took int

		if fixedItemSize >= 0 {
			avail := (r.cur.Size() - r.pos) / fixedItemSize
			if avail <= 0 {
				if !r.loadNext() {
					return nil, ErrUnderflow
				}
				continue
			}
			took = avail
			if took > remaining {
				took = remaining
			}
			end = r.pos + took*fixedItemSize
		} else {
			// Variable-size items: fall back to deserializing (and
			// discarding) one item at a time, which is the only way to
			// learn an item's exact encoded length. This sacrifices the
			// "no deserialization" property for variable-size types.
			//
			// Next() may internally release the Reader's reference to the
			// current block as part of crossing into the following one, so
			// take our own reference up front: startBlock must outlive that
			// transition regardless of what the Reader's cursor does.
			startBlock := r.cur.Ref()
			for took < remaining && r.pos < startBlock.Size() {
				if _, err := r.Next(); err != nil {
					return nil, err
				}
				took++
				if !r.cur.IsValid() {
					break
				}
				if r.cur.ByteBlock() != startBlock.ByteBlock() {
					// item pushed us into a new block; stop this segment
					// here, re-enter the loop so the new block starts a
					// fresh segment at its own begin offset.
					break
				}
			}
			if took == 0 {
				startBlock.Release()
				if !r.loadNext() {
					return nil, ErrUnderflow
				}
				continue
			}
			if r.cur.IsValid() && r.cur.ByteBlock() == startBlock.ByteBlock() {
				end = r.pos
			} else {
				end = startBlock.Size()
			}
			seg := startBlock.WithRange(begin, end, begin, took).Ref()
			out = append(out, seg)
			startBlock.Release()
			remaining -= took
			if remaining > 0 && r.cur.ByteBlock() == startBlock.ByteBlock() {
				if !r.loadNext() {
					return nil, ErrUnderflow
				}
			}
			continue
		}

		seg := r.cur.WithRange(begin, end, begin, took).Ref()
		out = append(out, seg)
		r.pos = end
		r.pendingItemStarts -= took
		remaining -= took
		if r.pos >= r.cur.Size() && remaining > 0 {
			if !r.loadNext() {
				return nil, ErrUnderflow
			}
		}
	}
	return out, nil
}
