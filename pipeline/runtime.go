package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/heylichen/tpie/internal/ctxlog"
	"github.com/heylichen/tpie/internal/graph"
)

// Runtime drives one pipeline through partitioning, resource assignment
// and phase execution. It borrows the node map and its nodes from the
// caller for the duration of a run; a single invocation is active at a
// time and the runtime itself is not safe for concurrent use.
type Runtime struct {
	nodeMap *NodeMap
	debug   io.Writer
}

// New returns a runtime over the given node map.
func New(nodeMap *NodeMap) *Runtime {
	return &Runtime{nodeMap: nodeMap}
}

// SetDebugWriter directs diagnostic dumps (DOT graphs and per-phase
// resource tables) to w. A nil writer disables them.
func (r *Runtime) SetDebugWriter(w io.Writer) {
	r.debug = w
}

// NodeCount returns the number of nodes in the pipeline.
func (r *Runtime) NodeCount() int {
	return r.nodeMap.Len()
}

// ItemSources returns the nodes that originate items: nothing pushes to
// them and they pull from and depend on nothing.
func (r *Runtime) ItemSources() []Node {
	excluded := make(map[NodeID]bool)
	r.nodeMap.FindAuthority().EachRelation(func(subject NodeID, rel Relationship) {
		switch rel.Kind {
		case Pushes:
			excluded[rel.Other] = true
		case Pulls, Depends, NoForwardDepends, MemoryShareDepends:
			excluded[subject] = true
		}
	})
	var sources []Node
	r.nodeMap.Each(func(id NodeID, n Node) {
		if !excluded[id] {
			sources = append(sources, n)
		}
	})
	return sources
}

// ItemSinks returns the nodes that consume items: they push to nothing and
// nothing pulls from or depends on them.
func (r *Runtime) ItemSinks() []Node {
	excluded := make(map[NodeID]bool)
	r.nodeMap.FindAuthority().EachRelation(func(subject NodeID, rel Relationship) {
		switch rel.Kind {
		case Pushes:
			excluded[subject] = true
		case Pulls, Depends, NoForwardDepends, MemoryShareDepends:
			excluded[rel.Other] = true
		}
	})
	var sinks []Node
	r.nodeMap.Each(func(id NodeID, n Node) {
		if !excluded[id] {
			sinks = append(sinks, n)
		}
	})
	return sinks
}

// GoContext holds all transient state of one run: the phase partition and
// order, the per-phase graphs, the datastructure accounting, the progress
// indicators, and the resume cursor for incremental execution. Dropping a
// GoContext between phases abandons the run; no completion is emitted.
type GoContext struct {
	runID            string
	phaseOf          map[NodeID]int
	phaseGraph       *graph.Graph[int]
	phases           [][]Node
	evacuateWhenDone map[NodeID]bool
	itemFlow         []*graph.Graph[Node]
	actor            []*graph.Graph[Node]
	drt              *datastructureRuntime
	pi               progressIndicators
	i                int
	files            uint64
	memory           uint64
	phaseProgress    phaseProgress
}

// Phases returns the ordered phases of the run.
func (gc *GoContext) Phases() [][]Node {
	return gc.phases
}

// PhaseName returns the display name of the phase at the given position.
func (gc *GoContext) PhaseName(i int) string {
	return phaseName(gc.phases[i])
}

// PlotPhaseGraph writes the phase dependency graph in DOT format.
func (gc *GoContext) PlotPhaseGraph(w io.Writer) {
	gc.phaseGraph.Plot(w)
}

// GoInit partitions the pipeline into ordered phases, prepares every node
// and performs the global file and memory assignment, returning the
// context a subsequent GoUntil resumes from. items is an advisory total
// for the progress sink. file and function identify the call site for
// progress naming; when either is empty, null progress indicators are
// used.
func (r *Runtime) GoInit(ctx context.Context, items uint64, progress Progress, files, memory uint64, file, function string) (*GoContext, error) {
	if r.NodeCount() == 0 {
		return nil, ErrEmptyPipeline
	}

	logger := ctxlog.FromContext(ctx)
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	// Partition nodes into phases.
	phaseOf, phaseCount := r.phaseMap()
	if len(phaseOf) != r.NodeCount() {
		return nil, ErrPhaseMapSize
	}
	logger.Debug("Partitioned pipeline into phases.", "phases", phaseCount)

	phaseGraph := r.phaseGraph(phaseOf)
	if r.debug != nil {
		phaseGraph.Plot(r.debug)
	}

	phases, evacuateWhenDone, err := r.orderedPhases(ctx, phaseOf, phaseCount)
	if err != nil {
		return nil, err
	}

	// Build the item-flow and actor graph for each phase.
	itemFlow := make([]*graph.Graph[Node], len(phases))
	actor := make([]*graph.Graph[Node], len(phases))
	for i := range phases {
		itemFlow[i] = r.phaseSubgraph(phases[i], true)
		actor[i] = r.phaseSubgraph(phases[i], false)
	}

	// Call prepare in item source to item sink order, phase by phase.
	if err := r.prepareAll(itemFlow); err != nil {
		return nil, err
	}

	drt, err := newDatastructureRuntime(phases, r.nodeMap.FindAuthority())
	if err != nil {
		return nil, err
	}

	r.assignFiles(ctx, phases, files)
	r.assignMemory(ctx, phases, memory, drt)

	gc := &GoContext{
		runID:            runID,
		phaseOf:          phaseOf,
		phaseGraph:       phaseGraph,
		phases:           phases,
		evacuateWhenDone: evacuateWhenDone,
		itemFlow:         itemFlow,
		actor:            actor,
		drt:              drt,
		files:            files,
		memory:           memory,
	}
	gc.pi.init(items, progress, phases, file, function)
	return gc, nil
}

// GoUntil runs phases until target is encountered in the go-initiators
// step; it then returns without calling go on any of that phase's
// initiators, leaving the caller to drive the target node. A subsequent
// call ends the suspended phase and continues. A nil target runs to
// completion.
//
// An error from any lifecycle call aborts the run: the current phase
// receives no end and no progress completion.
func (r *Runtime) GoUntil(ctx context.Context, gc *GoContext, target Node) error {
	if gc.i > len(gc.phases) {
		return nil
	}

	logger := ctxlog.FromContext(ctx).With("run_id", gc.runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	if gc.i != 0 {
		be, err := newBeginEnd(gc.actor[gc.i-1])
		if err != nil {
			return err
		}
		if err := be.end(); err != nil {
			return err
		}
	}

	for ; gc.i < len(gc.phases); gc.i++ {
		phase := gc.phases[gc.i]
		logger.Debug("Running pipe phase.", "phase", phaseName(phase))

		// Evacuate the previous phase's marked nodes so this phase can
		// use their memory.
		if gc.i > 0 {
			r.evacuateAll(ctx, gc.phases[gc.i-1], gc.evacuateWhenDone)
		}

		if err := propagateAll(gc.itemFlow[gc.i]); err != nil {
			return err
		}

		r.reassignFiles(ctx, gc.phases, gc.i, gc.files)
		r.reassignMemory(ctx, gc.phases, gc.i, gc.memory, gc.drt)

		gc.phaseProgress.done()
		gc.phaseProgress = newPhaseProgress(&gc.pi, gc.i, phase)
		for _, n := range phase {
			n.SetProgressIndicator(gc.phaseProgress.pi)
		}

		be, err := newBeginEnd(gc.actor[gc.i])
		if err != nil {
			return err
		}
		if err := be.begin(); err != nil {
			return err
		}

		for _, n := range phase {
			if n == target {
				gc.i++
				return nil
			}
		}
		if err := r.goInitiators(phase); err != nil {
			return err
		}

		if err := be.end(); err != nil {
			return err
		}

		gc.drt.freeDatastructures(gc.i)
		gc.phaseProgress.done()
	}
	gc.i++
	gc.phaseProgress.done()
	gc.pi.done()
	return nil
}

// Go runs the pipeline to completion.
func (r *Runtime) Go(ctx context.Context, items uint64, progress Progress, files, memory uint64, file, function string) error {
	gc, err := r.GoInit(ctx, items, progress, files, memory, file, function)
	if err != nil {
		return err
	}
	if err := r.ensureInitiators(gc.phases); err != nil {
		return err
	}
	return r.GoUntil(ctx, gc, nil)
}

// phaseSubgraph builds the item-flow or actor graph of one phase from the
// pushes and pulls relations. The item-flow variant reverses pulls so
// edges always point in the direction items move.
func (r *Runtime) phaseSubgraph(phase []Node, itemFlow bool) *graph.Graph[Node] {
	authority := r.nodeMap.FindAuthority()
	g := graph.New[Node]()
	for _, n := range phase {
		g.AddNode(n)
		for _, rel := range authority.Relations(n.ID()) {
			switch rel.Kind {
			case Depends, NoForwardDepends, MemoryShareDepends:
				continue
			}
			u, v := n, r.nodeMap.Get(rel.Other)
			if itemFlow && rel.Kind == Pulls {
				u, v = v, u
			}
			g.AddEdge(u, v)
		}
	}
	return g
}

// isInitiator reports whether nothing pushes to and nothing pulls from
// the node.
func (r *Runtime) isInitiator(n Node) bool {
	authority := r.nodeMap.FindAuthority()
	return authority.InDegree(n.ID(), Pushes) == 0 && authority.InDegree(n.ID(), Pulls) == 0
}

// ensureInitiators verifies every phase contains at least one initiator.
func (r *Runtime) ensureInitiators(phases [][]Node) error {
	for i, phase := range phases {
		found := false
		for _, n := range phase {
			if r.isInitiator(n) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: phase %d (%s)", ErrNoInitiator, i, phaseName(phase))
		}
	}
	return nil
}

// prepareAll calls prepare on every node in item-flow topological order,
// phase by phase.
func (r *Runtime) prepareAll(itemFlow []*graph.Graph[Node]) error {
	for _, g := range itemFlow {
		order, err := g.TopologicalOrder()
		if err != nil {
			return err
		}
		for _, n := range order {
			n.SetState(StateInPrepare)
			if err := n.Prepare(); err != nil {
				return fmt.Errorf("prepare %s: %w", n.Name(), err)
			}
			n.SetState(StateAfterPrepare)
		}
	}
	return nil
}

// propagateAll calls propagate on every node of one phase in item-flow
// topological order.
func propagateAll(itemFlow *graph.Graph[Node]) error {
	order, err := itemFlow.TopologicalOrder()
	if err != nil {
		return err
	}
	for _, n := range order {
		n.SetState(StateInPropagate)
		if err := n.Propagate(); err != nil {
			return fmt.Errorf("propagate %s: %w", n.Name(), err)
		}
		n.SetState(StateAfterPropagate)
	}
	return nil
}

// evacuateAll evacuates the marked nodes of a completed phase. A marked
// node that cannot evacuate only warns; its memory stays resident.
func (r *Runtime) evacuateAll(ctx context.Context, phase []Node, evacuateWhenDone map[NodeID]bool) {
	logger := ctxlog.FromContext(ctx)
	for _, n := range phase {
		if !evacuateWhenDone[n.ID()] {
			continue
		}
		if n.CanEvacuate() {
			n.Evacuate()
			logger.Debug("Evacuated node.", "node", n.ID())
		} else {
			logger.Warn("Need to evacuate but not possible.", "node", n.ID())
		}
	}
}

// goInitiators calls go on every initiator of the phase.
func (r *Runtime) goInitiators(phase []Node) error {
	var initiators []Node
	for _, n := range phase {
		if r.isInitiator(n) {
			initiators = append(initiators, n)
		}
	}
	for _, n := range initiators {
		n.SetState(StateInGo)
		if err := n.Go(); err != nil {
			return fmt.Errorf("go %s: %w", n.Name(), err)
		}
		n.SetState(StateAfterBegin)
	}
	return nil
}

// beginEnd drives begin and end over one phase's actor graph: begin in
// reverse topological order (leaves first), end in forward order (roots
// first).
type beginEnd struct {
	order []Node
}

func newBeginEnd(actor *graph.Graph[Node]) (*beginEnd, error) {
	order, err := actor.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	return &beginEnd{order: order}, nil
}

func (b *beginEnd) begin() error {
	for i := len(b.order) - 1; i >= 0; i-- {
		n := b.order[i]
		n.SetState(StateInBegin)
		if err := n.Begin(); err != nil {
			return fmt.Errorf("begin %s: %w", n.Name(), err)
		}
		n.SetState(StateAfterBegin)
	}
	return nil
}

func (b *beginEnd) end() error {
	for _, n := range b.order {
		n.SetState(StateInEnd)
		if err := n.End(); err != nil {
			return fmt.Errorf("end %s: %w", n.Name(), err)
		}
		n.SetState(StateAfterEnd)
	}
	return nil
}
