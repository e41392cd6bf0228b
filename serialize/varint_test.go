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
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1 << 20, 1 << 35, ^uint64(0)}
	for _, v := range values {
		var buf bytes.Buffer
		if err := WriteVarint(&buf, v); err != nil {
			t.Fatalf("write %d: %v", v, err)
		}
		if got := VarintSize(v); got != buf.Len() {
			t.Fatalf("VarintSize(%d) = %d, actual %d", v, got, buf.Len())
		}
		got, err := ReadVarint(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("read %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

func TestVarintSmallValuesAreOneByte(t *testing.T) {
	for v := uint64(0); v < 0x80; v++ {
		if n := VarintSize(v); n != 1 {
			t.Fatalf("VarintSize(%d) = %d, want 1", v, n)
		}
	}
}

type point struct {
	X, Y int64
	Name string
}

func TestStructCodecRoundTrip(t *testing.T) {
	codec, err := StructCodec[point]()
	if err != nil {
		t.Fatal(err)
	}
	if codec.IsFixedSize() {
		t.Fatal("point has a string field, should not be fixed size")
	}
	want := point{X: -5, Y: 42, Name: "hello"}
	var buf bytes.Buffer
	if err := codec.Serialize(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := codec.Deserialize(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
