package pipeline

import (
	"errors"

	"github.com/heylichen/tpie/internal/graph"
)

// ErrNotADAG is returned when a graph step detects a cycle the algorithm
// forbids.
var ErrNotADAG = graph.ErrNotADAG

var (
	// ErrEmptyPipeline is returned by Go when the node map holds no nodes.
	ErrEmptyPipeline = errors.New("no nodes in pipelining graph")

	// ErrGreenEdges is returned when the mandatory memory-share
	// adjacencies (green edges) cannot all be satisfied by any phase
	// order.
	ErrGreenEdges = errors.New("can't satisfy all green edges")

	// ErrPhaseMapSize signals that phase partitioning did not cover every
	// node.
	ErrPhaseMapSize = errors.New("phase map did not return correct number of nodes")

	// ErrNoInitiator is returned when a phase contains no initiator node.
	ErrNoInitiator = errors.New("phase has no initiator node")

	// ErrMalformedDatastructure is returned when aggregating a persistent
	// datastructure's declarations leaves its minimum above its maximum.
	ErrMalformedDatastructure = errors.New("datastructure minimum exceeds maximum after aggregation")

	// ErrBadPermutation signals a malformed internal permutation.
	ErrBadPermutation = errors.New("malformed permutation")
)
