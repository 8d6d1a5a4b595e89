// Package callgraph implements the callgraph container (spec §4.9): a
// caller/callee multimap built from arc samples, with leaf-prune and
// callee-count post-processing passes.
package callgraph

import (
	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/profile"
)

// Arc is one caller→callee edge with its accumulated sample count.
type Arc struct {
	Caller string
	Callee string
	Count  odb.Value
}

// Node is one symbol's accumulated callgraph counts.
type Node struct {
	Name        string
	Symbol      profile.Symbol
	SelfCount   odb.Value // accumulated while this symbol is the callee
	CalleeCount odb.Value // accumulated while this symbol is the caller; recomputed by RecomputeCalleeCounts
}

// Graph is the full caller/callee multimap for one binary.
type Graph struct {
	Nodes map[string]*Node

	callerToCallee map[string][]*Arc
	calleeToCaller map[string][]*Arc

	total odb.Value
}

// Callees returns the arcs leaving caller.
func (g *Graph) Callees(caller string) []*Arc { return g.callerToCallee[caller] }

// Callers returns the arcs entering callee; O(children) since the
// multimap is kept symmetric.
func (g *Graph) Callers(callee string) []*Arc { return g.calleeToCaller[callee] }

// Total is the running total of unpruned arc counts.
func (g *Graph) Total() odb.Value { return g.total }

// Populate builds a Graph from a callgraph ODB's entries (keys packed
// as (from<<32)|to per spec §4.5) resolved against symbols.
func Populate(entries []odb.Entry, symbols []profile.Symbol) *Graph {
	g := &Graph{
		Nodes:          map[string]*Node{},
		callerToCallee: map[string][]*Arc{},
		calleeToCaller: map[string][]*Arc{},
	}

	node := func(sym profile.Symbol) *Node {
		n, ok := g.Nodes[sym.Name]
		if !ok {
			n = &Node{Name: sym.Name, Symbol: sym}
			g.Nodes[sym.Name] = n
		}
		return n
	}

	for _, e := range entries {
		from := uint64(e.Key >> 32)
		to := uint64(e.Key & 0xffffffff)

		callerSym, ok := profile.FindByVMA(symbols, from)
		if !ok {
			continue
		}
		calleeSym, ok := profile.FindByVMA(symbols, to)
		if !ok {
			continue
		}

		arc := &Arc{Caller: callerSym.Name, Callee: calleeSym.Name, Count: e.Value}
		g.callerToCallee[arc.Caller] = append(g.callerToCallee[arc.Caller], arc)
		g.calleeToCaller[arc.Callee] = append(g.calleeToCaller[arc.Callee], arc)

		node(callerSym).CalleeCount = node(callerSym).CalleeCount.Add(e.Value)
		node(calleeSym).SelfCount = node(calleeSym).SelfCount.Add(e.Value)
		g.total = g.total.Add(e.Value)
	}

	return g
}

// LeafPrune repeatedly removes leaf entries (no remaining children)
// whose self-count share of the running total falls below thresholdPct,
// subtracting their counts from the total as it goes. The loop is
// bounded by the graph's depth: each pass removes at least the
// deepest surviving leaves.
func (g *Graph) LeafPrune(thresholdPct float64) {
	for {
		var toRemove []string
		for name, n := range g.Nodes {
			if len(g.callerToCallee[name]) != 0 {
				continue
			}
			if g.total == 0 {
				continue
			}
			if float64(n.SelfCount)/float64(g.total)*100 < thresholdPct {
				toRemove = append(toRemove, name)
			}
		}
		if len(toRemove) == 0 {
			return
		}
		for _, name := range toRemove {
			g.removeLeaf(name)
		}
	}
}

func (g *Graph) removeLeaf(name string) {
	n, ok := g.Nodes[name]
	if !ok {
		return
	}
	g.total -= n.SelfCount
	delete(g.Nodes, name)
	delete(g.callerToCallee, name)

	for _, caller := range g.calleeToCaller[name] {
		g.callerToCallee[caller.Caller] = removeArc(g.callerToCallee[caller.Caller], caller)
	}
	delete(g.calleeToCaller, name)
}

func removeArc(arcs []*Arc, target *Arc) []*Arc {
	out := arcs[:0]
	for _, a := range arcs {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}

// RecomputeCalleeCounts recomputes each node's CalleeCount as the sum
// of its surviving outgoing arcs, so totals stay internally consistent
// after pruning (spec §4.9 post-processing).
func (g *Graph) RecomputeCalleeCounts() {
	for name, n := range g.Nodes {
		var sum odb.Value
		for _, arc := range g.callerToCallee[name] {
			sum = sum.Add(arc.Count)
		}
		n.CalleeCount = sum
	}
}
