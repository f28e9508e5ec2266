package pipeline

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Progress is the sink for progress notifications. The runtime pairs every
// Init with a Done, except when a phase aborts with an error: an aborted
// phase emits no completion.
type Progress interface {
	Init(steps uint64)
	Step(n uint64)
	Done()
}

// NullProgress discards all notifications.
type NullProgress struct{}

func (NullProgress) Init(uint64) {}
func (NullProgress) Step(uint64) {}
func (NullProgress) Done()       {}

// fractionalProgress fans a run's overall progress out to one
// subindicator per phase, all reporting into the caller-provided sink.
type fractionalProgress struct {
	parent Progress
	items  uint64
}

func (f *fractionalProgress) init() {
	f.parent.Init(f.items)
}

func (f *fractionalProgress) done() {
	f.parent.Done()
}

// fractionalSubindicator tracks a single phase's share of the run. The id
// is stable across runs on identical input so downstream consumers can
// correlate phases between executions.
type fractionalSubindicator struct {
	parent Progress
	id     string
	crumb  string
	steps  uint64
}

func (s *fractionalSubindicator) Init(steps uint64) {
	s.steps = steps
}

func (s *fractionalSubindicator) Step(n uint64) {
	s.parent.Step(n)
}

func (s *fractionalSubindicator) Done() {}

// progressIndicators owns the fractional parent and one subindicator per
// phase. Done must only be called on the success path; an aborted run
// leaves the parent unfinished by design.
type progressIndicators struct {
	fp         *fractionalProgress
	nulls      bool
	indicators []Progress
}

// init builds the per-phase indicators. Without source-location metadata
// null indicators substitute, so the execution path stays identical. Each
// subindicator id is p{index:03d}:{phase name}:{hash}, where the hash
// accumulates every node name seen so far in phase order.
func (p *progressIndicators) init(items uint64, parent Progress, phases [][]Node, file, function string) {
	n := len(phases)
	p.indicators = make([]Progress, n)
	p.fp = nil
	if file == "" || function == "" {
		p.nulls = true
		for i := range p.indicators {
			p.indicators[i] = NullProgress{}
		}
		return
	}
	p.nulls = false

	p.fp = &fractionalProgress{parent: parent, items: items}
	digest := xxhash.New()
	for i := range phases {
		for _, node := range phases[i] {
			digest.WriteString(node.Name())
		}
		name := phaseName(phases[i])
		id := fmt.Sprintf("p%03d:%.100s:%08X", i, name, uint32(digest.Sum64()))
		p.indicators[i] = &fractionalSubindicator{parent: parent, id: id, crumb: name}
	}
	p.fp.init()
}

// done completes the parent indicator.
func (p *progressIndicators) done() {
	if p.fp != nil {
		p.fp.done()
	}
}

// phaseProgress pairs one phase's Init with its Done. The runtime drops
// the Done call when the phase fails.
type phaseProgress struct {
	pi Progress
}

// newPhaseProgress sizes the phase's indicator by the nodes' reported
// steps and initializes it.
func newPhaseProgress(p *progressIndicators, phase int, nodes []Node) phaseProgress {
	var steps uint64
	for _, n := range nodes {
		steps += n.Steps()
	}
	pi := p.indicators[phase]
	pi.Init(steps)
	return phaseProgress{pi: pi}
}

// done completes the phase indicator. Calling done again is a no-op.
func (p *phaseProgress) done() {
	if p.pi != nil {
		p.pi.Done()
		p.pi = nil
	}
}
