package pipeline

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// Relationship records that a subject node relates to another node. For a
// Pushes entry the subject pushes to Other; for Pulls the subject pulls
// from Other; for the depends variants the subject depends on Other, so
// Other must run no later than the subject's phase.
type Relationship struct {
	Other NodeID
	Kind  Relation
}

// DatastructureSlot is the node map's store for one persistent
// datastructure: the memory assigned to it and an opaque value owned by
// whichever node materializes it. Freeing a datastructure drops the value
// but keeps the slot.
type DatastructureSlot struct {
	Assigned uint64
	Value    any
}

func nodeIDComparator(a, b interface{}) int {
	x, y := a.(NodeID), b.(NodeID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// NodeMap is the caller-owned store of nodes and their relations. Nodes
// are kept ordered by id so every enumeration the runtime performs is
// deterministic across runs. Maps can be merged by forwarding to an
// authority map; relation queries must go through FindAuthority.
type NodeMap struct {
	nodes          *redblacktree.Tree // NodeID -> Node
	relations      *redblacktree.Tree // NodeID -> []Relationship
	inDegrees      map[degreeKey]int
	datastructures map[string]*DatastructureSlot
	authority      *NodeMap
}

type degreeKey struct {
	id   NodeID
	kind Relation
}

// NewNodeMap returns an empty node map.
func NewNodeMap() *NodeMap {
	return &NodeMap{
		nodes:          redblacktree.NewWith(nodeIDComparator),
		relations:      redblacktree.NewWith(nodeIDComparator),
		inDegrees:      make(map[degreeKey]int),
		datastructures: make(map[string]*DatastructureSlot),
	}
}

// Add registers a node under its id, replacing any previous entry.
func (m *NodeMap) Add(n Node) {
	m.nodes.Put(n.ID(), n)
}

// Get returns the node registered under id, or nil.
func (m *NodeMap) Get(id NodeID) Node {
	if v, ok := m.nodes.Get(id); ok {
		return v.(Node)
	}
	return nil
}

// Len returns the number of registered nodes.
func (m *NodeMap) Len() int {
	return m.nodes.Size()
}

// Each calls fn for every node in increasing id order.
func (m *NodeMap) Each(fn func(id NodeID, n Node)) {
	for _, key := range m.nodes.Keys() {
		id := key.(NodeID)
		v, _ := m.nodes.Get(id)
		fn(id, v.(Node))
	}
}

// AddRelation records that subject relates to other. The entry is stored
// on the subject's side only; reverse lookups go through InDegree.
func (m *NodeMap) AddRelation(subject, other NodeID, kind Relation) {
	var rels []Relationship
	if v, ok := m.relations.Get(subject); ok {
		rels = v.([]Relationship)
	}
	m.relations.Put(subject, append(rels, Relationship{Other: other, Kind: kind}))
	m.inDegrees[degreeKey{other, kind}]++
}

// Relations returns the relationship entries recorded for subject, in
// insertion order.
func (m *NodeMap) Relations(subject NodeID) []Relationship {
	if v, ok := m.relations.Get(subject); ok {
		return v.([]Relationship)
	}
	return nil
}

// EachRelation calls fn for every relationship entry, subjects in
// increasing id order and entries per subject in insertion order.
func (m *NodeMap) EachRelation(fn func(subject NodeID, rel Relationship)) {
	for _, key := range m.relations.Keys() {
		subject := key.(NodeID)
		v, _ := m.relations.Get(subject)
		for _, rel := range v.([]Relationship) {
			fn(subject, rel)
		}
	}
}

// InDegree returns the number of relationship entries of the given kind
// that point at id.
func (m *NodeMap) InDegree(id NodeID, kind Relation) int {
	return m.inDegrees[degreeKey{id, kind}]
}

// SetAuthority forwards this map to another map that has taken ownership
// of its nodes and relations.
func (m *NodeMap) SetAuthority(a *NodeMap) {
	m.authority = a
}

// FindAuthority follows the forwarding chain to the map that currently
// answers relation queries.
func (m *NodeMap) FindAuthority() *NodeMap {
	a := m
	for a.authority != nil {
		a = a.authority
	}
	return a
}

// Datastructures returns the persistent datastructure store.
func (m *NodeMap) Datastructures() map[string]*DatastructureSlot {
	return m.datastructures
}
