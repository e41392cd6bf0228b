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

package serialize

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/exp/constraints"
)

// fixedCodec implements Codec[T] for any fixed-width integer or float type
// via encoding/binary, matching spec §9's "built-ins for primitive POD
// types".
type fixedCodec[T constraints.Integer | constraints.Float] struct {
	size int
	put  func([]byte, T)
	get  func([]byte) T
}

func (c fixedCodec[T]) Serialize(dst io.Writer, v T) error {
	var buf [8]byte
	c.put(buf[:c.size], v)
	_, err := dst.Write(buf[:c.size])
	return err
}

func (c fixedCodec[T]) Deserialize(src ByteSource) (T, error) {
	var buf [8]byte
	if _, err := io.ReadFull(src, buf[:c.size]); err != nil {
		var zero T
		return zero, fmt.Errorf("serialize: fixed decode: %w", err)
	}
	return c.get(buf[:c.size]), nil
}

func (c fixedCodec[T]) IsFixedSize() bool { return true }
func (c fixedCodec[T]) FixedSize() int    { return c.size }

// Uint64 is the built-in Codec for uint64, little-endian on the wire (the
// in-memory block format is not the network wire format; framing in the
// stream package handles endianness there separately, per spec §6).
var Uint64 Codec[uint64] = fixedCodec[uint64]{
	size: 8,
	put:  func(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) },
	get:  func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) },
}

// Int64 is the built-in Codec for int64.
var Int64 Codec[int64] = fixedCodec[int64]{
	size: 8,
	put:  func(b []byte, v int64) { binary.LittleEndian.PutUint64(b, uint64(v)) },
	get:  func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) },
}

// Uint32 is the built-in Codec for uint32.
var Uint32 Codec[uint32] = fixedCodec[uint32]{
	size: 4,
	put:  func(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) },
	get:  func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) },
}

// Int32 is the built-in Codec for int32.
var Int32 Codec[int32] = fixedCodec[int32]{
	size: 4,
	put:  func(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) },
	get:  func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) },
}

// Float64 is the built-in Codec for float64.
var Float64 Codec[float64] = fixedCodec[float64]{
	size: 8,
	put:  func(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) },
	get:  func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) },
}

// stringCodec implements Codec[string] with a varint length prefix followed
// by raw bytes -- the canonical variable-size item, exercising WriteVarint /
// ReadVarint exactly as spec §9 prescribes.
type stringCodec struct{}

func (stringCodec) Serialize(dst io.Writer, v string) error {
	if err := WriteVarint(dst, uint64(len(v))); err != nil {
		return err
	}
	_, err := io.WriteString(dst, v)
	return err
}

func (stringCodec) Deserialize(src ByteSource) (string, error) {
	n, err := ReadVarint(src)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("serialize: string decode: %w", err)
	}
	return string(buf), nil
}

func (stringCodec) IsFixedSize() bool { return false }
func (stringCodec) FixedSize() int    { return 0 }

// String is the built-in Codec for string (varint length + bytes).
var String Codec[string] = stringCodec{}

// bytesCodec implements Codec[[]byte] the same way as String.
type bytesCodec struct{}

func (bytesCodec) Serialize(dst io.Writer, v []byte) error {
	if err := WriteVarint(dst, uint64(len(v))); err != nil {
		return err
	}
	_, err := dst.Write(v)
	return err
}

func (bytesCodec) Deserialize(src ByteSource) ([]byte, error) {
	n, err := ReadVarint(src)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("serialize: bytes decode: %w", err)
	}
	return buf, nil
}

func (bytesCodec) IsFixedSize() bool { return false }
func (bytesCodec) FixedSize() int    { return 0 }

// Bytes is the built-in Codec for []byte.
var Bytes Codec[[]byte] = bytesCodec{}
