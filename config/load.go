package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/heylichen/tpie/pipeline"
)

// The hcl-tagged mirror of the plan-file syntax; translated into the
// format-agnostic model after decoding.
type planFile struct {
	Pipeline pipelineBlock `hcl:"pipeline,block"`
}

type pipelineBlock struct {
	Memory    uint64          `hcl:"memory"`
	Files     uint64          `hcl:"files"`
	Nodes     []nodeBlock     `hcl:"node,block"`
	Relations []relationBlock `hcl:"relation,block"`
}

type nodeBlock struct {
	Name              string               `hcl:"name,label"`
	PhaseName         *string              `hcl:"phase_name,optional"`
	NamePriority      *int                 `hcl:"name_priority,optional"`
	PhaseNamePriority *int                 `hcl:"phase_name_priority,optional"`
	Steps             *uint64              `hcl:"steps,optional"`
	CanEvacuate       *bool                `hcl:"can_evacuate,optional"`
	Memory            *resourceBlock       `hcl:"memory,block"`
	Files             *resourceBlock       `hcl:"files,block"`
	Datastructures    []datastructureBlock `hcl:"datastructure,block"`
}

type resourceBlock struct {
	Min      *uint64  `hcl:"min,optional"`
	Max      *uint64  `hcl:"max,optional"`
	Fraction *float64 `hcl:"fraction,optional"`
}

type datastructureBlock struct {
	Name     string   `hcl:"name,label"`
	Min      *uint64  `hcl:"min,optional"`
	Max      *uint64  `hcl:"max,optional"`
	Priority *float64 `hcl:"priority,optional"`
}

// A relation reads "from <kind> to": scan pushes to sort, sort depends on
// scan.
type relationBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
	Kind string `hcl:"kind"`
}

// Load reads and decodes the plan file at path.
func Load(path string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}
	return decode(file.Body)
}

// LoadBytes decodes a plan held in memory; filename is used in
// diagnostics only.
func LoadBytes(src []byte, filename string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", filename, diags)
	}
	return decode(file.Body)
}

func decode(body hcl.Body) (*Plan, error) {
	var raw planFile
	if diags := gohcl.DecodeBody(body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decoding plan: %w", diags)
	}
	return translate(&raw.Pipeline)
}

// translate turns the decoded syntax into the model, filling defaults: an
// omitted maximum is unbounded, an omitted fraction is 1.
func translate(raw *pipelineBlock) (*Plan, error) {
	plan := &Plan{
		Memory: raw.Memory,
		Files:  raw.Files,
	}

	names := make(map[string]bool)
	for i := range raw.Nodes {
		nb := &raw.Nodes[i]
		if names[nb.Name] {
			return nil, fmt.Errorf("duplicate node %q", nb.Name)
		}
		names[nb.Name] = true

		spec := &NodeSpec{
			Name:              nb.Name,
			PhaseName:         stringOr(nb.PhaseName, ""),
			NamePriority:      intOr(nb.NamePriority, 0),
			PhaseNamePriority: intOr(nb.PhaseNamePriority, 0),
			Steps:             uint64Or(nb.Steps, 0),
			CanEvacuate:       boolOr(nb.CanEvacuate, false),
			Memory:            translateResource(nb.Memory),
			Files:             translateResource(nb.Files),
		}
		for _, db := range nb.Datastructures {
			spec.Datastructures = append(spec.Datastructures, DatastructureSpec{
				Name:     db.Name,
				Min:      uint64Or(db.Min, 0),
				Max:      uint64Or(db.Max, pipeline.Unbounded),
				Priority: float64Or(db.Priority, 1),
			})
		}
		if spec.Memory.Min > spec.Memory.Max || spec.Files.Min > spec.Files.Max {
			return nil, fmt.Errorf("node %q: resource minimum exceeds maximum", nb.Name)
		}
		plan.Nodes = append(plan.Nodes, spec)
	}

	for _, rb := range raw.Relations {
		if !names[rb.From] {
			return nil, fmt.Errorf("relation references unknown node %q", rb.From)
		}
		if !names[rb.To] {
			return nil, fmt.Errorf("relation references unknown node %q", rb.To)
		}
		kind, err := parseRelationKind(rb.Kind)
		if err != nil {
			return nil, err
		}
		plan.Relations = append(plan.Relations, &RelationSpec{
			From: rb.From,
			To:   rb.To,
			Kind: kind,
		})
	}

	return plan, nil
}

func translateResource(rb *resourceBlock) ResourceSpec {
	if rb == nil {
		return ResourceSpec{Min: 0, Max: pipeline.Unbounded, Fraction: 1}
	}
	return ResourceSpec{
		Min:      uint64Or(rb.Min, 0),
		Max:      uint64Or(rb.Max, pipeline.Unbounded),
		Fraction: float64Or(rb.Fraction, 1),
	}
}

func stringOr(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func uint64Or(v *uint64, def uint64) uint64 {
	if v != nil {
		return *v
	}
	return def
}

func float64Or(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
