package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/heylichen/tpie/internal/ctxlog"
	"github.com/heylichen/tpie/internal/graph"
	"github.com/heylichen/tpie/internal/unionfind"
)

// phaseMap assigns every node to a phase: the union-find class of the node
// under the equivalence "joined by any non-depends relation". Phase ids
// are dense and assigned in first-seen node order.
func (r *Runtime) phaseMap() (map[NodeID]int, int) {
	numbering := make(map[NodeID]int)
	var nodeIDs []NodeID
	r.nodeMap.Each(func(id NodeID, n Node) {
		numbering[id] = len(nodeIDs)
		nodeIDs = append(nodeIDs, id)
	})
	n := len(nodeIDs)

	uf := unionfind.New(n)
	r.nodeMap.FindAuthority().EachRelation(func(subject NodeID, rel Relationship) {
		if rel.Kind != Depends && rel.Kind != NoForwardDepends && rel.Kind != MemoryShareDepends {
			uf.Union(numbering[subject], numbering[rel.Other])
		}
	})

	const nilPhase = -1
	phaseNumber := make([]int, n)
	for i := range phaseNumber {
		phaseNumber[i] = nilPhase
	}
	phaseOf := make(map[NodeID]int, n)
	nextPhase := 0
	for i := 0; i < n; i++ {
		root := uf.Find(i)
		if phaseNumber[root] == nilPhase {
			phaseNumber[root] = nextPhase
			nextPhase++
		}
		phaseOf[nodeIDs[i]] = phaseNumber[root]
	}
	return phaseOf, nextPhase
}

// phaseGraph derives the dependency graph between phases. An entry
// "subject depends on other" yields the edge other -> subject: other's
// phase must run first.
func (r *Runtime) phaseGraph(phaseOf map[NodeID]int) *graph.Graph[int] {
	g := graph.New[int]()
	r.nodeMap.Each(func(id NodeID, n Node) {
		g.AddNode(phaseOf[id])
	})
	r.nodeMap.FindAuthority().EachRelation(func(subject NodeID, rel Relationship) {
		if rel.Kind == Depends || rel.Kind == NoForwardDepends || rel.Kind == MemoryShareDepends {
			g.AddEdge(phaseOf[rel.Other], phaseOf[subject])
		}
	})
	return g
}

// inversePermutation computes the inverse of a permutation of [0, n).
func inversePermutation(f []int) ([]int, error) {
	n := len(f)
	result := make([]int, n)
	for i := range result {
		result[i] = n
	}
	for i, v := range f {
		if v < 0 || v >= n {
			return nil, fmt.Errorf("%w: value out of range", ErrBadPermutation)
		}
		if result[v] != n {
			return nil, fmt.Errorf("%w: not injective", ErrBadPermutation)
		}
		result[v] = i
	}
	for _, v := range result {
		if v == n {
			return nil, fmt.Errorf("%w: not surjective", ErrBadPermutation)
		}
	}
	return result, nil
}

// orderedPhases orders the phases and distributes the nodes.
//
// A dependency edge saying that a node in one phase shares memory with a
// node in another phase means the shared memory must be evacuated to disk
// unless the two phases run consecutively. Let a plain dependency between
// two phases be a black edge, and a memory-sharing dependency be a red
// edge if the memory can be evacuated and green if it cannot. A non-black
// edge is satisfied when its endpoints are consecutive in the phase
// order; the objective is to maximize the number of satisfied edges, and
// ALL green edges must be satisfied or the input is malformed.
//
// Green edges therefore form a matching over phases. Each green chain is
// contracted into a single meta-phase whose internal order is forced by
// the green edge directions; the contracted graph is ordered by the
// satisfiable-edge engine with red edges marked satisfiable (red dominates
// black between the same meta-pair), and the chains are expanded back into
// the final order.
func (r *Runtime) orderedPhases(ctx context.Context, phaseOf map[NodeID]int, phaseCount int) ([][]Node, map[NodeID]bool, error) {
	logger := ctxlog.FromContext(ctx)

	type edge struct{ from, to int }
	var blackEdges, redEdges []edge
	greenEdges := make(map[int]int)
	revGreenEdges := make(map[int]int)

	authority := r.nodeMap.FindAuthority()
	var greenErr error
	authority.EachRelation(func(subject NodeID, rel Relationship) {
		if greenErr != nil {
			return
		}
		if rel.Kind != Depends && rel.Kind != NoForwardDepends && rel.Kind != MemoryShareDepends {
			return
		}
		// The subject depends on the other node, so the other node's
		// phase runs first.
		from := r.nodeMap.Get(rel.Other)
		fromPhase := phaseOf[rel.Other]
		toPhase := phaseOf[subject]
		if fromPhase == toPhase {
			return
		}

		if rel.Kind != MemoryShareDepends {
			logger.Debug("Black edge.", "from", fromPhase, "to", toPhase)
			blackEdges = append(blackEdges, edge{fromPhase, toPhase})
			return
		}

		if from.CanEvacuate() {
			logger.Debug("Red edge.", "from", fromPhase, "to", toPhase)
			redEdges = append(redEdges, edge{fromPhase, toPhase})
			return
		}

		logger.Debug("Green edge.", "from", fromPhase, "to", toPhase)
		// Two green edges sharing a tail or a head cannot both be
		// satisfied, but all green edges must be.
		if _, ok := greenEdges[fromPhase]; ok {
			greenErr = ErrGreenEdges
			return
		}
		if _, ok := revGreenEdges[toPhase]; ok {
			greenErr = ErrGreenEdges
			return
		}
		greenEdges[fromPhase] = toPhase
		revGreenEdges[toPhase] = fromPhase
	})
	if greenErr != nil {
		return nil, nil, greenErr
	}

	contracted := unionfind.New(phaseCount)
	greenTails := make([]int, 0, len(greenEdges))
	for from := range greenEdges {
		greenTails = append(greenTails, from)
	}
	sort.Ints(greenTails)
	for _, from := range greenTails {
		contracted.Union(from, greenEdges[from])
	}

	greenPaths := make(map[int]*graph.Graph[int])
	for _, from := range greenTails {
		rep := contracted.Find(from)
		if greenPaths[rep] == nil {
			greenPaths[rep] = graph.New[int]()
		}
		greenPaths[rep].AddEdge(from, greenEdges[from])
	}

	contractedGraph := graph.NewSatisfiable()
	for i := 0; i < phaseCount; i++ {
		contractedGraph.AddNode(contracted.Find(i))
	}

	// Red edges are added after black so the greedy DFS defers them; if
	// both colors join the same meta-pair the pair counts as red.
	redEdgeSet := make(map[edge]bool)
	for _, e := range redEdges {
		e = edge{contracted.Find(e.from), contracted.Find(e.to)}
		if e.from == e.to {
			continue
		}
		redEdgeSet[e] = true
	}
	blackEdgeSet := make(map[edge]bool)
	for _, e := range blackEdges {
		e = edge{contracted.Find(e.from), contracted.Find(e.to)}
		if e.from == e.to {
			continue
		}
		if !redEdgeSet[e] {
			blackEdgeSet[e] = true
		}
	}
	for _, set := range []struct {
		edges       map[edge]bool
		satisfiable bool
	}{{blackEdgeSet, false}, {redEdgeSet, true}} {
		sorted := make([]edge, 0, len(set.edges))
		for e := range set.edges {
			sorted = append(sorted, e)
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].from != sorted[j].from {
				return sorted[i].from < sorted[j].from
			}
			return sorted[i].to < sorted[j].to
		})
		for _, e := range sorted {
			// An edge between two meta-phases either is a green edge or
			// points in the same direction as the green path, because
			// the graph is a DAG; an order of the contracted graph
			// therefore satisfies it after expansion too.
			contractedGraph.AddEdge(e.from, e.to, set.satisfiable)
		}
	}

	topologicalOrder, err := contractedGraph.TopologicalOrder(graph.Auto)
	if err != nil {
		if errors.Is(err, graph.ErrNotADAG) {
			return nil, nil, ErrGreenEdges
		}
		return nil, nil, err
	}

	// Expand each green chain in place of its representative.
	reps := make([]int, 0, len(greenPaths))
	for rep := range greenPaths {
		reps = append(reps, rep)
	}
	sort.Ints(reps)
	for _, rep := range reps {
		path, err := greenPaths[rep].TopologicalOrder()
		if err != nil {
			return nil, nil, ErrGreenEdges
		}
		pos := -1
		for i, v := range topologicalOrder {
			if v == rep {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, nil, ErrGreenEdges
		}
		expanded := make([]int, 0, len(topologicalOrder)+len(path)-1)
		expanded = append(expanded, topologicalOrder[:pos]...)
		expanded = append(expanded, path...)
		expanded = append(expanded, topologicalOrder[pos+1:]...)
		topologicalOrder = expanded
	}

	// topologicalOrder[0] is the first phase to run; invert it so
	// orderMap[i] is the time at which phase i runs.
	orderMap, err := inversePermutation(topologicalOrder)
	if err != nil {
		return nil, nil, err
	}

	phases := make([][]Node, len(topologicalOrder))
	r.nodeMap.Each(func(id NodeID, n Node) {
		slot := orderMap[phaseOf[id]]
		phases[slot] = append(phases[slot], n)
	})

	evacuateWhenDone := r.evacuationSet(phases)
	return phases, evacuateWhenDone, nil
}

// evacuationSet marks the producers of memory-share relations whose
// consumer does not run in the immediately following phase; their memory
// cannot stay resident and must be evacuated once their phase is done.
func (r *Runtime) evacuationSet(phases [][]Node) map[NodeID]bool {
	evacuate := make(map[NodeID]bool)
	authority := r.nodeMap.FindAuthority()
	previous := make(map[NodeID]bool)
	for _, phase := range phases {
		for _, n := range phase {
			for _, rel := range authority.Relations(n.ID()) {
				if rel.Kind != MemoryShareDepends {
					continue
				}
				if previous[rel.Other] {
					continue
				}
				evacuate[rel.Other] = true
			}
		}
		previous = make(map[NodeID]bool, len(phase))
		for _, n := range phase {
			previous[n.ID()] = true
		}
	}
	return evacuate
}

// phaseName picks the display name of a phase: the phase name of the node
// with the highest phase-name priority, or if no node carries a phase
// name, the name of the node with the highest name priority.
func phaseName(phase []Node) string {
	highest := 0
	found := false
	var name string
	for _, n := range phase {
		if n.PhaseName() == "" {
			continue
		}
		if !found || n.PhaseNamePriority() > highest {
			highest = n.PhaseNamePriority()
			name = n.PhaseName()
			found = true
		}
	}
	if found {
		return name
	}

	best := phase[0]
	highest = best.NamePriority()
	for _, n := range phase[1:] {
		if n.NamePriority() > highest {
			highest = n.NamePriority()
			best = n
		}
	}
	return best.Name()
}
