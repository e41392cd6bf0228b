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
	"os"
	"testing"

	"github.com/dflow-rs/dflow/serialize"
)

func TestTypedBlockMarshalUnmarshalRoundTrip(t *testing.T) {
	tb, err := NewTypedBlock[uint64](serialize.Uint64, 256, 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	tb.Items = []uint64{1, 2, 3, 4, 5}
	tb.Bids = []BID{
		{Disk: "disk0", Offset: 10, Size: 20},
		{Disk: "disk1", Offset: 30, Size: 40},
	}
	tb.Meta = []byte("hello")

	buf, err := tb.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != tb.RawSize() {
		t.Fatalf("marshaled buffer is %d bytes, want %d", len(buf), tb.RawSize())
	}

	out, err := NewTypedBlock[uint64](serialize.Uint64, 256, 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Unmarshal(buf); err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != len(tb.Items) {
		t.Fatalf("got %d items, want %d", len(out.Items), len(tb.Items))
	}
	for i, v := range tb.Items {
		if out.Items[i] != v {
			t.Fatalf("item %d: got %d, want %d", i, out.Items[i], v)
		}
	}
	if len(out.Bids) != 2 || out.Bids[0] != tb.Bids[0] || out.Bids[1] != tb.Bids[1] {
		t.Fatalf("bids round trip mismatch: got %+v, want %+v", out.Bids, tb.Bids)
	}
	if string(out.Meta) != "hello" {
		t.Fatalf("meta round trip mismatch: got %q", out.Meta)
	}
}

func TestTypedBlockWriteAtReadAt(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "typedblock")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fd := int(f.Fd())

	tb, err := NewTypedBlock[uint64](serialize.Uint64, 128, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	tb.Items = []uint64{42, 43, 44}

	bid := BID{Disk: "disk0", Offset: 0, Size: int64(tb.RawSize())}
	wreq, err := tb.WriteAt(fd, bid)
	if err != nil {
		t.Fatal(err)
	}
	if err := wreq.Wait(); err != nil {
		t.Fatal(err)
	}

	out, err := NewTypedBlock[uint64](serialize.Uint64, 128, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	rreq := out.ReadAt(fd, bid)
	if err := rreq.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 3 || out.Items[0] != 42 || out.Items[1] != 43 || out.Items[2] != 44 {
		t.Fatalf("unexpected items after ReadAt: %+v", out.Items)
	}
}
