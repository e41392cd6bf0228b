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

// Package serialize holds the Codec[T] contract (spec §9's Serialization<T>)
// together with the varint integer encoding and built-in codecs for
// primitive and struct types. It has no dependency on blockio or queue so
// that both can depend on it without a cycle.
package serialize

import (
	"fmt"
	"io"
)

// PutVarint appends v to dst using a big-endian-by-byte, MSB-continuation
// varint: 7 payload bits per byte, most-significant group first, every byte
// but the last has its top bit set. This is the scheme spec §9 calls for
// ("varint, big-endian-by-byte with MSB continuation"), distinct from the
// little-endian-group LEB128 scheme.
func PutVarint(dst []byte, v uint64) []byte {
	var tmp [10]byte
	n := varintLen(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v>>(7*uint(i))) & 0x7f
		if i != 0 {
			b |= 0x80
		}
		tmp[n-1-i] = b
	}
	return append(dst, tmp[:n]...)
}

// WriteVarint writes v to w using the same encoding as PutVarint.
func WriteVarint(w io.Writer, v uint64) error {
	var buf [10]byte
	n := varintLen(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v>>(7*uint(i))) & 0x7f
		if i != 0 {
			b |= 0x80
		}
		buf[n-1-i] = b
	}
	_, err := w.Write(buf[:n])
	return err
}

func varintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// VarintSize returns the number of bytes PutVarint would emit for v.
func VarintSize(v uint64) int { return varintLen(v) }

// ReadVarint decodes one varint from r, encoded per PutVarint.
func ReadVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("serialize: ReadVarint: %w", err)
		}
		v = (v << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
}
