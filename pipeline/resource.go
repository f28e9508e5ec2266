package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/heylichen/tpie/internal/ctxlog"
)

// fractionEpsilon guards the factor search against dividing by a fraction
// sum of zero.
const fractionEpsilon = 1e-9

// factorEpsilon is the bisection stopping width.
const factorEpsilon = 1e-6

// clampUsage clamps v into [lo, hi], rounding to whole units so a
// saturated budget lands on exact assignments.
func clampUsage(lo, hi uint64, v float64) uint64 {
	if v < float64(lo) {
		return lo
	}
	if v > float64(hi) {
		return hi
	}
	return uint64(v + 0.5)
}

// resourceRuntime aggregates one resource's requirements over the nodes of
// a single phase and assigns usage under a scalar factor. Each node
// receives clamp(min, max, factor * fraction), which is monotone
// non-decreasing in the factor.
type resourceRuntime struct {
	nodes       []Node
	typ         Resource
	minimumSum  uint64
	fractionSum float64
}

func newResourceRuntime(nodes []Node, typ Resource) *resourceRuntime {
	rt := &resourceRuntime{nodes: nodes, typ: typ}
	for i := range nodes {
		rt.minimumSum += rt.minimumUsage(i)
		rt.fractionSum += rt.fraction(i)
	}
	return rt
}

func (rt *resourceRuntime) minimumUsage(i int) uint64 {
	return rt.nodes[i].MinimumResourceUsage(rt.typ)
}

func (rt *resourceRuntime) maximumUsage(i int) uint64 {
	return rt.nodes[i].MaximumResourceUsage(rt.typ)
}

func (rt *resourceRuntime) fraction(i int) float64 {
	return rt.nodes[i].ResourceFraction(rt.typ)
}

func (rt *resourceRuntime) sumMinimumUsage() uint64 {
	return rt.minimumSum
}

func (rt *resourceRuntime) sumFraction() float64 {
	return rt.fractionSum
}

func (rt *resourceRuntime) assignedUsage(i int, factor float64) uint64 {
	return clampUsage(rt.minimumUsage(i), rt.maximumUsage(i), factor*rt.fraction(i))
}

func (rt *resourceRuntime) sumAssignedUsage(factor float64) uint64 {
	var total uint64
	for i := range rt.nodes {
		total += rt.assignedUsage(i, factor)
	}
	return total
}

func (rt *resourceRuntime) assignUsage(factor float64) {
	for i, n := range rt.nodes {
		n.SetAvailableOfResource(rt.typ, rt.assignedUsage(i, factor))
	}
}

// printUsage writes the per-node assignment table for this phase.
func (rt *resourceRuntime) printUsage(factor float64, w io.Writer) {
	fmt.Fprintf(w, "\nPipelining phase %s assigned\n", rt.typ)
	tw := tabwriter.NewWriter(w, 8, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "Minimum\tMaximum\tFraction\tAssigned\t  Name\n")
	for i, n := range rt.nodes {
		max := "inf"
		if rt.maximumUsage(i) != Unbounded {
			max = fmt.Sprintf("%d", rt.maximumUsage(i))
		}
		name := n.Name()
		if len(name) > 50 {
			name = name[:50]
		}
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%d\t  %s\n",
			rt.minimumUsage(i), max, rt.fraction(i), rt.assignedUsage(i, factor), name)
	}
	tw.Flush()
	fmt.Fprintln(w)
}

// setResourceBeingAssigned tells every node of a phase which resource is
// being assigned.
func setResourceBeingAssigned(nodes []Node, typ Resource) {
	for _, n := range nodes {
		n.SetResourceBeingAssigned(typ)
	}
}

// datastructureInfo is the aggregate of one persistent datastructure's
// declarations across every phase that references it. It consumes memory
// over the whole span from its left-most to its right-most phase.
type datastructureInfo struct {
	min            uint64
	max            uint64
	priority       float64
	leftMostPhase  int
	rightMostPhase int
	factor         float64
}

// datastructureRuntime accounts for persistent datastructures during
// memory assignment. A datastructure's final factor is the minimum over
// all phases it lives in, so its memory never exceeds what the tightest
// phase can afford.
type datastructureRuntime struct {
	datastructures *redblacktree.Tree // name -> *datastructureInfo
	nodeMap        *NodeMap
}

func newDatastructureRuntime(phases [][]Node, nodeMap *NodeMap) (*datastructureRuntime, error) {
	drt := &datastructureRuntime{
		datastructures: redblacktree.NewWithStringComparator(),
		nodeMap:        nodeMap,
	}
	for phase, nodes := range phases {
		for _, n := range nodes {
			for name, info := range n.Datastructures() {
				v, ok := drt.datastructures.Get(name)
				if !ok {
					drt.datastructures.Put(name, &datastructureInfo{
						min:            info.Min,
						max:            info.Max,
						priority:       info.Priority,
						leftMostPhase:  phase,
						rightMostPhase: phase,
						factor:         math.MaxFloat64,
					})
					continue
				}
				agg := v.(*datastructureInfo)
				if info.Min > agg.min {
					agg.min = info.Min
				}
				if info.Max < agg.max {
					agg.max = info.Max
				}
				if info.Priority < agg.priority {
					agg.priority = info.Priority
				}
				agg.rightMostPhase = phase
			}
		}
	}

	var err error
	drt.each(func(name string, agg *datastructureInfo) {
		if err == nil && agg.min > agg.max {
			err = fmt.Errorf("%w: %s", ErrMalformedDatastructure, name)
		}
	})
	if err != nil {
		return nil, err
	}
	return drt, nil
}

func (drt *datastructureRuntime) each(fn func(name string, agg *datastructureInfo)) {
	for _, key := range drt.datastructures.Keys() {
		name := key.(string)
		v, _ := drt.datastructures.Get(name)
		fn(name, v.(*datastructureInfo))
	}
}

func (drt *datastructureRuntime) livesIn(agg *datastructureInfo, phase int) bool {
	return agg.leftMostPhase <= phase && phase <= agg.rightMostPhase
}

// sumMinimumMemory sums the minimum memory of the datastructures active in
// the phase.
func (drt *datastructureRuntime) sumMinimumMemory(phase int) uint64 {
	var total uint64
	drt.each(func(_ string, agg *datastructureInfo) {
		if drt.livesIn(agg, phase) {
			total += agg.min
		}
	})
	return total
}

// sumFraction sums the priorities of the datastructures active in the
// phase.
func (drt *datastructureRuntime) sumFraction(phase int) float64 {
	total := 0.0
	drt.each(func(_ string, agg *datastructureInfo) {
		if drt.livesIn(agg, phase) {
			total += agg.priority
		}
	})
	return total
}

// sumAssignedMemory sums the memory the active datastructures would take
// under the given factor.
func (drt *datastructureRuntime) sumAssignedMemory(factor float64, phase int) uint64 {
	var total uint64
	drt.each(func(_ string, agg *datastructureInfo) {
		if drt.livesIn(agg, phase) {
			total += clampUsage(agg.min, agg.max, agg.priority*factor)
		}
	})
	return total
}

// minimizeFactor caps the factor of every datastructure active in the
// phase at the given factor.
func (drt *datastructureRuntime) minimizeFactor(factor float64, phase int) {
	drt.each(func(_ string, agg *datastructureInfo) {
		if drt.livesIn(agg, phase) && factor < agg.factor {
			agg.factor = factor
		}
	})
}

// sumAssignedMemoryLocked sums the memory of the active datastructures
// under the factors fixed by minimizeFactor.
func (drt *datastructureRuntime) sumAssignedMemoryLocked(phase int) uint64 {
	var total uint64
	drt.each(func(_ string, agg *datastructureInfo) {
		if drt.livesIn(agg, phase) {
			total += clampUsage(agg.min, agg.max, agg.priority*agg.factor)
		}
	})
	return total
}

// assignMemory commits the final datastructure assignments to the node
// map's store. Existing slots are left untouched.
func (drt *datastructureRuntime) assignMemory() {
	slots := drt.nodeMap.Datastructures()
	drt.each(func(name string, agg *datastructureInfo) {
		if _, ok := slots[name]; ok {
			return
		}
		slots[name] = &DatastructureSlot{
			Assigned: clampUsage(agg.min, agg.max, agg.factor*agg.priority),
		}
	})
}

// freeDatastructures releases the datastructures whose right-most phase is
// the given phase.
func (drt *datastructureRuntime) freeDatastructures(phase int) {
	slots := drt.nodeMap.Datastructures()
	drt.each(func(name string, agg *datastructureInfo) {
		if agg.rightMostPhase != phase {
			return
		}
		if slot, ok := slots[name]; ok {
			slot.Value = nil
		}
	})
}

// filesFactor finds the largest factor such that the phase's file
// assignment stays within the budget: exponential search for an upper
// bound, then bisection. If even the minima exceed the budget the phase
// is starved; a warning is logged and every node gets its minimum.
func (r *Runtime) filesFactor(ctx context.Context, files uint64, frt *resourceRuntime) float64 {
	min := frt.sumMinimumUsage()
	if min > files {
		ctxlog.FromContext(ctx).Warn("Not enough files for pipelining phase.",
			"required", min, "available", files)
		return 0.0
	}

	fractionSum := frt.sumFraction()
	if fractionSum < fractionEpsilon {
		return 0.0
	}

	cLo, cHi := 0.0, 1.0
	var oldAssigned uint64
	for {
		factor := float64(files) * cHi / fractionSum
		assigned := frt.sumAssignedUsage(factor)
		// Stop doubling once every node saturates at its maximum.
		if assigned < files && assigned != oldAssigned {
			cHi *= 2
		} else {
			break
		}
		oldAssigned = assigned
	}

	// The doubling phase may stop on a feasible bound, either on an exact
	// budget hit or once every node saturates.
	if frt.sumAssignedUsage(float64(files)*cHi/fractionSum) <= files {
		return float64(files) * cHi / fractionSum
	}

	for cHi-cLo > factorEpsilon {
		c := cLo + (cHi-cLo)/2
		factor := float64(files) * c / fractionSum
		if frt.sumAssignedUsage(factor) > files {
			cHi = c
		} else {
			cLo = c
		}
	}

	return float64(files) * cLo / fractionSum
}

// memoryFactor is the memory variant of filesFactor. The active
// datastructures participate in the sums: free to grow with the node
// factor during the first assignment pass, locked to their committed
// factors afterwards.
func (r *Runtime) memoryFactor(ctx context.Context, memory uint64, phase int, mrt *resourceRuntime, drt *datastructureRuntime, locked bool) float64 {
	min := mrt.sumMinimumUsage() + drt.sumMinimumMemory(phase)
	if min > memory {
		ctxlog.FromContext(ctx).Warn("Not enough memory for pipelining phase.",
			"required", min, "available", memory)
		return 0.0
	}

	fractionSum := mrt.sumFraction() + drt.sumFraction(phase)
	if fractionSum < fractionEpsilon {
		return 0.0
	}

	assignedAt := func(c float64) uint64 {
		factor := float64(memory) * c / fractionSum
		assigned := mrt.sumAssignedUsage(factor)
		if locked {
			return assigned + drt.sumAssignedMemoryLocked(phase)
		}
		return assigned + drt.sumAssignedMemory(factor, phase)
	}

	cLo, cHi := 0.0, 1.0
	var oldAssigned uint64
	for {
		assigned := assignedAt(cHi)
		if assigned < memory && assigned != oldAssigned {
			cHi *= 2
		} else {
			break
		}
		oldAssigned = assigned
	}

	// The doubling phase may stop on a feasible bound, either on an exact
	// budget hit or once everything saturates.
	if assignedAt(cHi) <= memory {
		return float64(memory) * cHi / fractionSum
	}

	for cHi-cLo > factorEpsilon {
		c := cLo + (cHi-cLo)/2
		if assignedAt(c) > memory {
			cHi = c
		} else {
			cLo = c
		}
	}

	return float64(memory) * cLo / fractionSum
}

// assignFiles distributes the file budget across every phase.
func (r *Runtime) assignFiles(ctx context.Context, phases [][]Node, files uint64) {
	for phase := range phases {
		frt := newResourceRuntime(phases[phase], Files)
		c := r.filesFactor(ctx, files, frt)
		if r.debug != nil {
			frt.printUsage(c, r.debug)
		}
		setResourceBeingAssigned(phases[phase], Files)
		frt.assignUsage(c)
		setResourceBeingAssigned(phases[phase], NoResource)
	}
}

// reassignFiles reruns file assignment for one phase, right before it
// executes.
func (r *Runtime) reassignFiles(ctx context.Context, phases [][]Node, phase int, files uint64) {
	frt := newResourceRuntime(phases[phase], Files)
	c := r.filesFactor(ctx, files, frt)
	if r.debug != nil {
		frt.printUsage(c, r.debug)
	}
	setResourceBeingAssigned(phases[phase], Files)
	frt.assignUsage(c)
	setResourceBeingAssigned(phases[phase], NoResource)
}

// assignMemory distributes the memory budget across every phase. Memory is
// two-pass: the first pass lets datastructures grow with each phase's
// factor and locks every datastructure to the minimum factor over its
// lifetime; the second pass assigns node memory with the datastructure
// factors locked, then commits the datastructure assignments.
func (r *Runtime) assignMemory(ctx context.Context, phases [][]Node, memory uint64, drt *datastructureRuntime) {
	for phase := range phases {
		mrt := newResourceRuntime(phases[phase], Memory)
		c := r.memoryFactor(ctx, memory, phase, mrt, drt, false)
		drt.minimizeFactor(c, phase)
	}

	for phase := range phases {
		mrt := newResourceRuntime(phases[phase], Memory)
		c := r.memoryFactor(ctx, memory, phase, mrt, drt, true)
		if r.debug != nil {
			mrt.printUsage(c, r.debug)
		}
		setResourceBeingAssigned(phases[phase], Memory)
		mrt.assignUsage(c)
		setResourceBeingAssigned(phases[phase], NoResource)
	}
	drt.assignMemory()
}

// reassignMemory reruns memory assignment for one phase with the
// datastructure factors locked.
func (r *Runtime) reassignMemory(ctx context.Context, phases [][]Node, phase int, memory uint64, drt *datastructureRuntime) {
	mrt := newResourceRuntime(phases[phase], Memory)
	c := r.memoryFactor(ctx, memory, phase, mrt, drt, true)
	if r.debug != nil {
		mrt.printUsage(c, r.debug)
	}
	setResourceBeingAssigned(phases[phase], Memory)
	mrt.assignUsage(c)
	setResourceBeingAssigned(phases[phase], NoResource)
}
