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

package stream

import "encoding/binary"

// magic rejects a connection from a mismatched build (spec §6).
const magic = 0xd0106401

// HeaderSize is the on-wire byte size of Header: ten little-endian u32
// fields (spec §6).
const HeaderSize = 40

// Mode selects how a Stream's inbound side is structured: Cat
// (rank-ordered concatenation) or Mix (per-source FIFO, unordered
// interleaving) (spec §4.5).
type Mode uint32

const (
	ModeCat Mode = iota
	ModeMix
)

// Header precedes every block shipped between hosts (spec §6). A
// PayloadBytes of 0 is the end-of-stream sentinel for this
// (stream, sender, receiver) triple.
type Header struct {
	StreamID       uint32
	SenderHost     uint32
	SenderWorker   uint32
	ReceiverWorker uint32
	PayloadBytes   uint32
	NumItems       uint32
	FirstItem      uint32
	TypeCode       Mode
	Flags          uint32
}

// Marshal encodes h as HeaderSize little-endian bytes.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.StreamID)
	binary.LittleEndian.PutUint32(buf[8:12], h.SenderHost)
	binary.LittleEndian.PutUint32(buf[12:16], h.SenderWorker)
	binary.LittleEndian.PutUint32(buf[16:20], h.ReceiverWorker)
	binary.LittleEndian.PutUint32(buf[20:24], h.PayloadBytes)
	binary.LittleEndian.PutUint32(buf[24:28], h.NumItems)
	binary.LittleEndian.PutUint32(buf[28:32], h.FirstItem)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(h.TypeCode))
	binary.LittleEndian.PutUint32(buf[36:40], h.Flags)
	return buf
}

// UnmarshalHeader decodes a HeaderSize-byte wire header. It returns an
// error (via ok == false) if the magic does not match, rejecting a
// connection from a mismatched build (spec §6).
func UnmarshalHeader(buf []byte) (h Header, ok bool) {
	if len(buf) != HeaderSize || binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return Header{}, false
	}
	h.StreamID = binary.LittleEndian.Uint32(buf[4:8])
	h.SenderHost = binary.LittleEndian.Uint32(buf[8:12])
	h.SenderWorker = binary.LittleEndian.Uint32(buf[12:16])
	h.ReceiverWorker = binary.LittleEndian.Uint32(buf[16:20])
	h.PayloadBytes = binary.LittleEndian.Uint32(buf[20:24])
	h.NumItems = binary.LittleEndian.Uint32(buf[24:28])
	h.FirstItem = binary.LittleEndian.Uint32(buf[28:32])
	h.TypeCode = Mode(binary.LittleEndian.Uint32(buf[32:36]))
	h.Flags = binary.LittleEndian.Uint32(buf[36:40])
	return h, true
}

// IsClose reports whether h is the end-of-stream sentinel.
func (h Header) IsClose() bool { return h.PayloadBytes == 0 }
