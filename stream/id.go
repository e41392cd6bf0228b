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

import (
	"github.com/dchest/siphash"
	"github.com/google/uuid"
)

// ID identifies one logical exchange (spec §4.5): the wire header's
// stream_id field is a u32, so a freshly minted uuid.UUID (128 bits of
// randomness, following the teacher's use of uuid for naming ephemeral
// per-request resources) is folded down with a fixed-key siphash rather
// than truncated, keeping collision resistance close to the full 32 bits
// instead of just the uuid's low bytes.
type ID uint32

// idKey0/idKey1 are a fixed siphash key pair: deterministic across re-runs
// is not required here (unlike reduce's partition hash), but a fixed key
// avoids pulling in a second source of randomness just for this fold.
const (
	idKey0 = 0x646c6f77737472 // "dlowstr"
	idKey1 = 0x65616d00000000 // "eam\0\0\0\0"
)

// NewID returns a fresh, globally unique stream ID.
func NewID() ID {
	u := uuid.New()
	h := siphash.Hash(idKey0, idKey1, u[:])
	return ID(uint32(h))
}
