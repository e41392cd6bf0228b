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

package queue

import "github.com/dflow-rs/dflow/block"

// MixSink adapts a MixBlockQueue into a blockio.Sink fixed to one source
// index, letting a BlockWriter deliver directly into a mix queue the way a
// loopback or network sink does (spec §4.4, §4.5).
type MixSink struct {
	Q   *MixBlockQueue
	Src int
}

func (s *MixSink) AppendBlock(b block.Block) error { return s.Q.AppendBlock(s.Src, b) }
func (s *MixSink) Close() error                    { return s.Q.Close(s.Src) }
func (s *MixSink) AllocateCanFail() bool           { return false }
