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

package extio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dflow-rs/dflow/serialize"
)

// DefaultPageSize is the default external-memory page size (spec §4.12:
// "a default ~2 MiB block size"), matching block.DefaultBlockSize so pages
// moving between the byte-block data plane and external storage need no
// resizing.
const DefaultPageSize = 2 << 20

// DiskPageAlign is the required alignment for TypedBlock pages (spec §4.12:
// "Required alignment equals the disk's page size (e.g., 4 KiB)").
const DiskPageAlign = 4096

// bidSizeReserved is the on-page encoding size of one BID: the disk name,
// zero-padded or truncated to 8 bytes, followed by Offset and Size as two
// little-endian int64s (see putBID/getBID). A disk name longer than 8 bytes
// does not survive a Marshal/Unmarshal round trip intact.
const bidSizeReserved = 24

// TypedBlock is a fixed-size page holding up to Capacity() items of type T
// plus up to NBids child-block references plus an optional metadata
// payload, generalizing thrill/io/typed_block.hpp's compile-time-sized POD
// layout to a runtime-sized Go generic (spec §4.12). The page is backed by
// a single contiguous RawSize-byte buffer split as:
//
//	[ header (itemCount uint32, metaLen uint32) | items... | bids... | meta | filler ]
//
// Required alignment is DiskPageAlign so the buffer can be handed directly
// to pread/pwrite without an extra copy.
type TypedBlock[T any] struct {
	codec   serialize.Codec[T]
	rawSize int
	nbids   int
	capacity int

	Items []T
	Bids  []BID
	Meta  []byte // opaque per-block metadata; Marshal does not check its length against the metaCap the constructor reserved
}

const headerSize = 8 // itemCount uint32 + metaLen uint32

// NewTypedBlock constructs an empty TypedBlock sized so that the whole page
// (header + items + nbids BIDs + metaCap bytes of metadata + filler) is
// exactly rawSize bytes, requiring codec.IsFixedSize() (a TypedBlock only
// makes sense for compile-time-sized POD items, per spec §4.12).
func NewTypedBlock[T any](codec serialize.Codec[T], rawSize, nbids, metaCap int) (*TypedBlock[T], error) {
	if !codec.IsFixedSize() {
		return nil, fmt.Errorf("extio: TypedBlock requires a fixed-size item codec")
	}
	itemSize := codec.FixedSize()
	reserved := headerSize + nbids*bidSizeReserved + metaCap
	if reserved > rawSize {
		return nil, fmt.Errorf("extio: TypedBlock: rawSize %d too small for header+bids+meta (%d)", rawSize, reserved)
	}
	capacity := (rawSize - reserved) / itemSize
	return &TypedBlock[T]{
		codec:    codec,
		rawSize:  rawSize,
		nbids:    nbids,
		capacity: capacity,
		Bids:     make([]BID, nbids),
	}, nil
}

// Capacity returns the maximum number of items this page's layout can hold.
func (tb *TypedBlock[T]) Capacity() int { return tb.capacity }

// RawSize returns the page's fixed on-disk size in bytes.
func (tb *TypedBlock[T]) RawSize() int { return tb.rawSize }

// Marshal serializes the page into a RawSize-byte buffer suitable for
// Request-based I/O.
func (tb *TypedBlock[T]) Marshal() ([]byte, error) {
	if len(tb.Items) > tb.capacity {
		return nil, fmt.Errorf("extio: TypedBlock: %d items exceeds capacity %d", len(tb.Items), tb.capacity)
	}
	buf := make([]byte, tb.rawSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(tb.Items)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(tb.Meta)))

	w := bytes.NewBuffer(buf[headerSize:headerSize])
	for _, it := range tb.Items {
		if err := tb.codec.Serialize(w, it); err != nil {
			return nil, fmt.Errorf("extio: TypedBlock: serialize item: %w", err)
		}
	}
	copy(buf[headerSize:], w.Bytes())

	bidsOff := headerSize + tb.capacity*tb.codec.FixedSize()
	for i, b := range tb.Bids {
		off := bidsOff + i*bidSizeReserved
		putBID(buf[off:off+bidSizeReserved], b)
	}
	metaOff := bidsOff + tb.nbids*bidSizeReserved
	copy(buf[metaOff:], tb.Meta)
	return buf, nil
}

// Unmarshal populates the page's Items/Bids/Meta from a RawSize-byte buffer
// previously produced by Marshal.
func (tb *TypedBlock[T]) Unmarshal(buf []byte) error {
	if len(buf) != tb.rawSize {
		return fmt.Errorf("extio: TypedBlock: buffer is %d bytes, want %d", len(buf), tb.rawSize)
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	metaLen := int(binary.LittleEndian.Uint32(buf[4:8]))
	if n > tb.capacity {
		return fmt.Errorf("extio: TypedBlock: header claims %d items, capacity is %d", n, tb.capacity)
	}
	r := serialize.NewByteSource(bytes.NewReader(buf[headerSize:]))
	items := make([]T, n)
	for i := 0; i < n; i++ {
		v, err := tb.codec.Deserialize(r)
		if err != nil {
			return fmt.Errorf("extio: TypedBlock: deserialize item %d: %w", i, err)
		}
		items[i] = v
	}
	tb.Items = items

	bidsOff := headerSize + tb.capacity*tb.codec.FixedSize()
	bids := make([]BID, tb.nbids)
	for i := range bids {
		off := bidsOff + i*bidSizeReserved
		bids[i] = getBID(buf[off : off+bidSizeReserved])
	}
	tb.Bids = bids

	metaOff := bidsOff + tb.nbids*bidSizeReserved
	if metaLen > 0 {
		tb.Meta = append([]byte(nil), buf[metaOff:metaOff+metaLen]...)
	}
	return nil
}

// WriteAt posts an async write of this page's serialized form to bid's disk
// file descriptor fd at bid's offset.
func (tb *TypedBlock[T]) WriteAt(fd int, bid BID) (*Request, error) {
	buf, err := tb.Marshal()
	if err != nil {
		return nil, err
	}
	return postWrite(fd, buf, bid.Offset), nil
}

// ReadAt posts an async read of bid's page from fd and, once complete,
// unmarshals it into tb. The caller must Wait() the returned Request before
// reading tb.Items/Bids/Meta.
func (tb *TypedBlock[T]) ReadAt(fd int, bid BID) *Request {
	buf := make([]byte, tb.rawSize)
	inner := postRead(fd, buf, bid.Offset)
	out := &Request{done: make(chan struct{})}
	go func() {
		defer close(out.done)
		if err := inner.Wait(); err != nil {
			out.err = err
			return
		}
		out.err = tb.Unmarshal(buf)
	}()
	return out
}

func putBID(dst []byte, b BID) {
	name := []byte(b.Disk)
	if len(name) > 8 {
		name = name[:8]
	}
	copy(dst[0:8], name)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(b.Offset))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(b.Size))
}

func getBID(src []byte) BID {
	name := bytes.TrimRight(src[0:8], "\x00")
	return BID{
		Disk:   string(name),
		Offset: int64(binary.LittleEndian.Uint64(src[8:16])),
		Size:   int64(binary.LittleEndian.Uint64(src[16:24])),
	}
}
