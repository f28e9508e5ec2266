// Package pipeline implements the pipeline runtime: it partitions a
// caller-owned graph of processing nodes into phases, orders the phases
// while maximizing satisfied memory-sharing adjacencies, assigns bounded
// memory and open-file budgets to every node per phase, and drives each
// phase through the prepare, propagate, begin, go, end lifecycle.
package pipeline

import "math"

// NodeID uniquely identifies a node within a NodeMap.
type NodeID uint64

// Resource identifies a bounded resource assigned to nodes per phase.
type Resource int

const (
	NoResource Resource = iota
	Files
	Memory
)

// String returns the resource name for logs and usage tables.
func (r Resource) String() string {
	switch r {
	case Files:
		return "files"
	case Memory:
		return "memory"
	default:
		return "none"
	}
}

// Unbounded is the maximum resource usage of a node without an upper
// limit.
const Unbounded uint64 = math.MaxUint64

// Relation describes how one node relates to another. Pushes and Pulls
// express item flow; the three depends variants express ordering without
// data flow. Only MemoryShareDepends may produce a benefit when its
// endpoints end up in adjacent phases.
type Relation int

const (
	Pushes Relation = iota
	Pulls
	Depends
	NoForwardDepends
	MemoryShareDepends
)

// String returns the relation name.
func (r Relation) String() string {
	switch r {
	case Pushes:
		return "pushes"
	case Pulls:
		return "pulls"
	case Depends:
		return "depends"
	case NoForwardDepends:
		return "no_forward_depends"
	case MemoryShareDepends:
		return "memory_share_depends"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a node. The states are declared in
// lifecycle order and the runtime moves every node forward through them,
// with one exception: an initiator returns from StateInGo to
// StateAfterBegin once its go call completes. The states exist to catch
// API misuse, not to drive behavior.
type State int

const (
	StateFresh State = iota
	StateInPrepare
	StateAfterPrepare
	StateInPropagate
	StateAfterPropagate
	StateInBegin
	StateAfterBegin
	StateInGo
	StateInEnd
	StateAfterEnd
)

// DatastructureInfo declares a node's share of a named persistent
// datastructure: memory bounds and a relative priority weight.
type DatastructureInfo struct {
	Min      uint64
	Max      uint64
	Priority float64
}

// Node is the capability set the runtime requires of a processing node.
// The runtime borrows nodes from the caller for the duration of a run and
// never assumes anything beyond this interface.
type Node interface {
	ID() NodeID
	Name() string
	NamePriority() int
	PhaseName() string
	PhaseNamePriority() int

	MinimumResourceUsage(Resource) uint64
	MaximumResourceUsage(Resource) uint64
	ResourceFraction(Resource) float64
	Datastructures() map[string]DatastructureInfo

	Steps() uint64
	CanEvacuate() bool
	Evacuate()

	Prepare() error
	Propagate() error
	Begin() error
	Go() error
	End() error

	SetState(State)
	SetProgressIndicator(Progress)
	SetResourceBeingAssigned(Resource)
	SetAvailableOfResource(Resource, uint64)
}
