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
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is an 8-byte stable type tag. When self-verification is
// enabled (spec §3, "Self-verification (optional)"), every item is prefixed
// with its type's Fingerprint and BlockReader checks it on read, turning a
// desync between writer and reader type into a hard TypeFingerprintMismatch
// error instead of silent corruption.
type Fingerprint [8]byte

// FingerprintOf derives a stable Fingerprint from a type name. Using the
// name (rather than Go's reflect.Type, which is not stable across process
// restarts or binaries) keeps the check meaningful across a distributed job
// where workers may be different binaries built from the same sources.
func FingerprintOf(typeName string) Fingerprint {
	sum := blake2b.Sum512([]byte(typeName))
	var fp Fingerprint
	copy(fp[:], sum[:8])
	return fp
}

// PutFingerprint appends the 8-byte fingerprint to dst.
func PutFingerprint(dst []byte, fp Fingerprint) []byte {
	return append(dst, fp[:]...)
}

// ReadFingerprint reads 8 bytes from src and compares them against want,
// returning a descriptive error on mismatch (spec §7, TypeFingerprintMismatch,
// a fatal error kind).
func ReadFingerprint(src []byte, want Fingerprint) (rest []byte, err error) {
	if len(src) < 8 {
		return src, fmt.Errorf("serialize: short read for fingerprint: %d bytes", len(src))
	}
	var got Fingerprint
	copy(got[:], src[:8])
	if got != want {
		return src[8:], &FingerprintMismatchError{Want: want, Got: got}
	}
	return src[8:], nil
}

// FingerprintMismatchError is the fatal TypeFingerprintMismatch error kind
// from spec §7.
type FingerprintMismatchError struct {
	Want, Got Fingerprint
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("serialize: type fingerprint mismatch: want %x got %x", e.Want, e.Got)
}

// Fatal reports that this error kind always requires tearing down the stage
// (spec §7 classifies TypeFingerprintMismatch as fatal).
func (e *FingerprintMismatchError) Fatal() bool { return true }
