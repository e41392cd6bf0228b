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

// Package dia implements the dataflow graph that ties the rest of this
// module together (spec §9's DIA/DIANode design notes): a DAG of operator
// nodes sharing one capability interface, connected by edges that are
// either pushed through directly (consume-once) or materialized to a
// blockio.File and replayed (Keep). The user-facing operator DSL itself
// (Map/Filter/etc. chains) is out of scope; this package models the graph
// and its push-or-materialize dispatch only.
package dia

import "github.com/dflow-rs/dflow/block"

// Node is the capability set every concrete operator (Reduce, Sort, Zip,
// Concat, Union, Merge, ...) implements (spec §9 "Inheritance"):
// {start_pre_op, stop_pre_op, execute, push_data, dispose, mem_use}. The
// graph is untyped at this layer -- item types are resolved by the
// Serialization[T] contract (package serialize) at the operator's edges,
// not by the graph itself, matching the source's virtual-dispatch
// PushData(File&) boundary.
type Node interface {
	// StartPreOp is called once per parent edge, before that parent
	// produces any data, in parent-registration order.
	StartPreOp(parentIdx int) error
	// StopPreOp is called once per parent edge after that parent has
	// pushed all of its data (or its materialized File is ready).
	StopPreOp(parentIdx int) error
	// Execute runs this node's main computation, calling emit for every
	// block of output it produces. By the time Execute is called, every
	// parent's StopPreOp has already run for all its edges into this
	// node, and (for a consume-once parent edge) every PushData call for
	// that edge has already completed.
	Execute(emit func(block.Block) error) error
	// PushData delivers one produced block from the parent at parentIdx.
	// For a consume-once edge it is called while the parent executes; for a
	// Keep edge it is called for each block of the materialized File when
	// Graph.Run replays it.
	PushData(parentIdx int, b block.Block) error
	// Dispose releases any resources this node still holds once every
	// child has finished reading its output.
	Dispose()
	// MemUse reports this node's current resident memory use in bytes,
	// for the scheduler's mem_use bookkeeping (spec §9).
	MemUse() int64
}
