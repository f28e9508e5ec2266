// Package config loads pipeline plan files: a declarative description of
// nodes, their relations and the run's resource budgets, used by the
// offline planner. Plans are written in HCL.
package config

import (
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/heylichen/tpie/pipeline"
)

// Plan is the format-agnostic representation of one pipeline plan.
type Plan struct {
	Memory    uint64
	Files     uint64
	Nodes     []*NodeSpec
	Relations []*RelationSpec
}

// ResourceSpec bounds one resource of one node.
type ResourceSpec struct {
	Min      uint64
	Max      uint64
	Fraction float64
}

// DatastructureSpec declares a node's share of a named persistent
// datastructure.
type DatastructureSpec struct {
	Name     string
	Min      uint64
	Max      uint64
	Priority float64
}

// NodeSpec describes one node of the plan.
type NodeSpec struct {
	Name              string
	PhaseName         string
	NamePriority      int
	PhaseNamePriority int
	Steps             uint64
	CanEvacuate       bool
	Memory            ResourceSpec
	Files             ResourceSpec
	Datastructures    []DatastructureSpec
}

// RelationSpec connects two nodes by name.
type RelationSpec struct {
	From string
	To   string
	Kind pipeline.Relation
}

// parseRelationKind maps the plan-file relation names onto runtime
// relations.
func parseRelationKind(kind string) (pipeline.Relation, error) {
	switch kind {
	case "pushes":
		return pipeline.Pushes, nil
	case "pulls":
		return pipeline.Pulls, nil
	case "depends":
		return pipeline.Depends, nil
	case "no_forward_depends":
		return pipeline.NoForwardDepends, nil
	case "memory_share_depends":
		return pipeline.MemoryShareDepends, nil
	default:
		return 0, fmt.Errorf("unknown relation kind %q", kind)
	}
}

// evalContext exposes byte-size constants to plan expressions, so budgets
// can be written as e.g. 50 * MiB.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"KiB":       cty.NumberUIntVal(1 << 10),
			"MiB":       cty.NumberUIntVal(1 << 20),
			"GiB":       cty.NumberUIntVal(1 << 30),
			"unbounded": cty.NumberUIntVal(math.MaxUint64),
		},
	}
}
