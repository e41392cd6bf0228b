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
	"bufio"
	"io"
)

// ByteSource is what Codec.Deserialize reads from: a reader that can also
// hand back single bytes cheaply, which ReadVarint needs.
type ByteSource interface {
	io.Reader
	io.ByteReader
}

// Codec is the Serialization<T> contract from spec §9: a static mapping
// between a Go type T and its wire representation. Implementations must be
// safe for concurrent use (they hold no state).
type Codec[T any] interface {
	// Serialize writes one value of type T to dst.
	Serialize(dst io.Writer, v T) error
	// Deserialize reads one value of type T from src.
	Deserialize(src ByteSource) (T, error)
	// IsFixedSize reports whether every encoded value has the same size,
	// enabling File.GetReaderAt to skip in O(1) instead of deserializing.
	IsFixedSize() bool
	// FixedSize returns the encoded size in bytes; only meaningful when
	// IsFixedSize() is true.
	FixedSize() int
}

// NewByteSource wraps r as a ByteSource, using bufio only if r does not
// already implement io.ByteReader.
func NewByteSource(r io.Reader) ByteSource {
	if bs, ok := r.(ByteSource); ok {
		return bs
	}
	return bufio.NewReader(r)
}
