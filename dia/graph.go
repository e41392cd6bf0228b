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

package dia

import (
	"fmt"

	"github.com/dflow-rs/dflow/block"
	"github.com/dflow-rs/dflow/blockio"
)

// Errorf is an injectable diagnostics hook, following the same pattern as
// block.Errorf and blockio's package-level logging knobs.
var Errorf func(f string, args ...any)

func errorf(f string, args ...any) {
	if Errorf != nil {
		Errorf(f, args...)
	}
}

// NodeID identifies a node within a Graph. The zero value is never a valid
// ID; Graph.AddNode always returns IDs starting at 1.
type NodeID int

// edge is one parent->child connection. keep selects push-or-materialize
// dispatch (spec §9 "Open questions": a DIA read twice must be declared
// Keep before the first read -- callers choose this at AddNode time via
// the per-parent keep flags).
type edge struct {
	parent    NodeID
	parentIdx int // this edge's index among the child's parent edges
	keep      bool
}

// entry is a Graph's bookkeeping for one node: its capability
// implementation, its parent edges (a *weak* back-reference: looked up by
// ID through the owning Graph, never a direct pointer, so a child never
// keeps a parent alive on its own -- spec §9 "Cyclic graphs and
// ownership"), and its children.
type entry struct {
	node     Node
	parents  []edge
	children []NodeID

	// materialized[parentIdx] is set once that parent edge's output has
	// been fully captured, for Keep edges only.
	materialized map[int]*blockio.File

	started bool
	done    bool
}

// Graph is a DAG of Node instances connected by consume-once or Keep
// edges (spec §9, §3 "DIA / DIANode"). It owns node lifetime; nodes hold
// no pointers to each other, only the IDs the Graph resolves. A Keep
// edge's materialized File holds blocks already allocated (by whichever
// pool the producing node used), so the Graph itself needs no pool of its
// own.
type Graph struct {
	nodes   map[NodeID]*entry
	nextID  NodeID
	running bool
}

// NewGraph constructs an empty Graph.
func NewGraph() *Graph {
	return &Graph{nodes: map[NodeID]*entry{}}
}

// AddNode registers node with the given parent edges. parents may be
// empty for a source node. keep[i] selects whether the i'th parent's
// output is materialized (Keep) or pushed through directly as produced
// (consume-once); keep must have either zero length (all consume-once) or
// len(parents) entries.
func (g *Graph) AddNode(node Node, parents []NodeID, keep []bool) (NodeID, error) {
	if g.running {
		return 0, fmt.Errorf("dia: AddNode: graph is already running")
	}
	if len(keep) != 0 && len(keep) != len(parents) {
		return 0, fmt.Errorf("dia: AddNode: keep has %d entries, want 0 or %d", len(keep), len(parents))
	}
	g.nextID++
	id := g.nextID
	e := &entry{node: node, materialized: map[int]*blockio.File{}}
	for i, p := range parents {
		parentEntry, ok := g.nodes[p]
		if !ok {
			return 0, fmt.Errorf("dia: AddNode: unknown parent %d", p)
		}
		k := false
		if len(keep) != 0 {
			k = keep[i]
		}
		e.parents = append(e.parents, edge{parent: p, parentIdx: i, keep: k})
		parentEntry.children = append(parentEntry.children, id)
	}
	g.nodes[id] = e
	return id, nil
}

// Run executes every node in the graph in an order respecting parent
// dependencies (spec §9): for each node, every parent's data is either
// streamed in via PushData as the parent executes (consume-once) or
// replayed from a materialized File (Keep) before the node's own
// StopPreOp/Execute run. Dispose is called on a node once every one of
// its children has finished reading its output.
func (g *Graph) Run() error {
	g.running = true
	defer func() { g.running = false }()

	order, err := g.topoOrder()
	if err != nil {
		return err
	}

	remainingChildren := map[NodeID]int{}
	for id, e := range g.nodes {
		remainingChildren[id] = len(e.children)
	}
	disposeIfDone := func(id NodeID) {
		if remainingChildren[id] == 0 {
			g.nodes[id].node.Dispose()
			g.nodes[id].done = true
		}
	}

	for _, id := range order {
		e := g.nodes[id]
		for i := range e.parents {
			if err := e.node.StartPreOp(i); err != nil {
				return fmt.Errorf("dia: node %d: StartPreOp(%d): %w", id, i, err)
			}
		}
	}

	for _, id := range order {
		e := g.nodes[id]
		for i, pe := range e.parents {
			if err := g.deliverParentEdge(id, e, i, pe); err != nil {
				return err
			}
		}
		for i := range e.parents {
			if err := e.node.StopPreOp(i); err != nil {
				return fmt.Errorf("dia: node %d: StopPreOp(%d): %w", id, i, err)
			}
		}

		if err := e.node.Execute(func(b block.Block) error {
			return g.fanOut(id, e, b)
		}); err != nil {
			return fmt.Errorf("dia: node %d: Execute: %w", id, err)
		}

		for _, c := range e.parents {
			remainingChildren[c.parent]--
			disposeIfDone(c.parent)
		}
		disposeIfDone(id)
	}
	return nil
}

// deliverParentEdge replays parent edge pe of child's entry e: for a Keep
// edge the parent's materialized File (already complete, since the parent
// ran earlier in topological order) is read back in full; for
// consume-once the parent already pushed directly during its own Execute,
// via fanOut, so there is nothing left to do here.
func (g *Graph) deliverParentEdge(childID NodeID, e *entry, i int, pe edge) error {
	if !pe.keep {
		return nil
	}
	f, ok := e.materialized[i]
	if !ok {
		errorf("dia: node %d: keep edge %d has no materialized data (parent produced nothing)", childID, i)
		return nil
	}
	for _, b := range f.Blocks() {
		if err := e.node.PushData(i, b); err != nil {
			return fmt.Errorf("dia: node %d: PushData(%d) from replay: %w", childID, i, err)
		}
	}
	return nil
}

// fanOut dispatches one block produced by parentID's Execute to every
// child edge: pushed directly for consume-once edges, appended to that
// edge's materialized File for Keep edges (spec §9 push-or-materialize).
func (g *Graph) fanOut(parentID NodeID, parentEntry *entry, b block.Block) error {
	for _, childID := range parentEntry.children {
		child := g.nodes[childID]
		for i, pe := range child.parents {
			if pe.parent != parentID {
				continue
			}
			if !pe.keep {
				if err := child.node.PushData(i, b); err != nil {
					return fmt.Errorf("dia: node %d: PushData(%d): %w", childID, i, err)
				}
				continue
			}
			f, ok := child.materialized[i]
			if !ok {
				f = blockio.NewFile()
				child.materialized[i] = f
			}
			if err := f.AppendBlock(b); err != nil {
				return fmt.Errorf("dia: node %d: materialize edge %d: %w", childID, i, err)
			}
		}
	}
	return nil
}

// topoOrder returns every node ID in an order where each node follows all
// of its parents (Kahn's algorithm), erroring on a cycle -- the graph is a
// DAG by construction (AddNode only references already-registered
// parents), so a cycle here indicates a Graph bug rather than user input.
func (g *Graph) topoOrder() ([]NodeID, error) {
	indegree := map[NodeID]int{}
	for id, e := range g.nodes {
		indegree[id] = len(e.parents)
	}
	var ready []NodeID
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	var order []NodeID
	childCounts := map[NodeID]int{}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, c := range g.nodes[id].children {
			childCounts[c]++
			if childCounts[c] == len(g.nodes[c].parents) {
				ready = append(ready, c)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("dia: topoOrder: cycle detected (ordered %d of %d nodes)", len(order), len(g.nodes))
	}
	return order, nil
}
