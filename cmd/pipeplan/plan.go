package main

import (
	"fmt"
	"sort"

	"github.com/heylichen/tpie/config"
	"github.com/heylichen/tpie/pipeline"
)

// planNode is the stub node the planner feeds into the runtime: it
// carries the declared resource requirements and records what the
// allocator hands back, with no-op lifecycle calls.
type planNode struct {
	id       pipeline.NodeID
	spec     *config.NodeSpec
	assigned map[pipeline.Resource]uint64
}

func newPlanNode(id pipeline.NodeID, spec *config.NodeSpec) *planNode {
	return &planNode{
		id:       id,
		spec:     spec,
		assigned: make(map[pipeline.Resource]uint64),
	}
}

func (n *planNode) ID() pipeline.NodeID   { return n.id }
func (n *planNode) Name() string          { return n.spec.Name }
func (n *planNode) NamePriority() int     { return n.spec.NamePriority }
func (n *planNode) PhaseName() string     { return n.spec.PhaseName }
func (n *planNode) PhaseNamePriority() int { return n.spec.PhaseNamePriority }

func (n *planNode) resource(r pipeline.Resource) config.ResourceSpec {
	if r == pipeline.Memory {
		return n.spec.Memory
	}
	return n.spec.Files
}

func (n *planNode) MinimumResourceUsage(r pipeline.Resource) uint64 { return n.resource(r).Min }
func (n *planNode) MaximumResourceUsage(r pipeline.Resource) uint64 { return n.resource(r).Max }
func (n *planNode) ResourceFraction(r pipeline.Resource) float64    { return n.resource(r).Fraction }

func (n *planNode) Datastructures() map[string]pipeline.DatastructureInfo {
	out := make(map[string]pipeline.DatastructureInfo, len(n.spec.Datastructures))
	for _, ds := range n.spec.Datastructures {
		out[ds.Name] = pipeline.DatastructureInfo{Min: ds.Min, Max: ds.Max, Priority: ds.Priority}
	}
	return out
}

func (n *planNode) Steps() uint64     { return n.spec.Steps }
func (n *planNode) CanEvacuate() bool { return n.spec.CanEvacuate }
func (n *planNode) Evacuate()         {}

func (n *planNode) Prepare() error   { return nil }
func (n *planNode) Propagate() error { return nil }
func (n *planNode) Begin() error     { return nil }
func (n *planNode) Go() error        { return nil }
func (n *planNode) End() error       { return nil }

func (n *planNode) SetState(pipeline.State)                  {}
func (n *planNode) SetProgressIndicator(pipeline.Progress)   {}
func (n *planNode) SetResourceBeingAssigned(pipeline.Resource) {}

func (n *planNode) SetAvailableOfResource(r pipeline.Resource, v uint64) {
	n.assigned[r] = v
}

// buildNodeMap materializes the plan into stub nodes and their relations.
func buildNodeMap(plan *config.Plan) (*pipeline.NodeMap, []*planNode) {
	m := pipeline.NewNodeMap()
	byName := make(map[string]pipeline.NodeID, len(plan.Nodes))
	nodes := make([]*planNode, 0, len(plan.Nodes))
	for i, spec := range plan.Nodes {
		id := pipeline.NodeID(i + 1)
		byName[spec.Name] = id
		n := newPlanNode(id, spec)
		nodes = append(nodes, n)
		m.Add(n)
	}
	for _, rel := range plan.Relations {
		m.AddRelation(byName[rel.From], byName[rel.To], rel.Kind)
	}
	return m, nodes
}

func formatAmount(v uint64) string {
	switch {
	case v >= 1<<30 && v%(1<<30) == 0:
		return fmt.Sprintf("%dGiB", v>>30)
	case v >= 1<<20 && v%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", v>>20)
	case v >= 1<<10 && v%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", v>>10)
	default:
		return fmt.Sprintf("%d", v)
	}
}

func sortedKeys(m map[string]*pipeline.DatastructureSlot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
