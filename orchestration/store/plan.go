package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

// ErrInvalidPlan is returned when a plan document fails validation.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a compiled plan: a root node plus every node reachable from it.
//
// Plans are read from YAML documents of the form:
//
//	id: deploy
//	root: pipeline
//	nodes:
//	  - id: pipeline
//	    identifier: pipeline
//	    step_type: SECTION
//	    child: build
//	  - id: build
//	    identifier: build
//	    step_type: SHELL
//	    facilitator: TASK
//	    task_category: LOCAL
type Plan struct {
	ID    string       `yaml:"id" json:"id"`
	Root  string       `yaml:"root" json:"root"`
	Nodes []model.Node `yaml:"nodes" json:"nodes"`
}

// Node returns the node with the given ID.
func (p *Plan) Node(id string) (model.Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return model.Node{}, false
}

// Validate checks that node IDs are unique, that every reference resolves,
// and that retry policies are well formed.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlan)
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: plan %s has no nodes", ErrInvalidPlan, p.ID)
	}

	ids := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidPlan)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalidPlan, n.ID)
		}
		ids[n.ID] = true
	}

	if p.Root == "" || !ids[p.Root] {
		return fmt.Errorf("%w: root %q is not a node", ErrInvalidPlan, p.Root)
	}

	for _, n := range p.Nodes {
		refs := append([]string{n.Next, n.Child}, n.Children...)
		for _, ref := range refs {
			if ref != "" && !ids[ref] {
				return fmt.Errorf("%w: node %s references unknown node %s", ErrInvalidPlan, n.ID, ref)
			}
		}
		if n.Facilitator != "" && !n.Facilitator.Valid() {
			return fmt.Errorf("%w: node %s has unknown facilitator %q", ErrInvalidPlan, n.ID, n.Facilitator)
		}
		if n.Retry != nil {
			if err := n.Retry.Validate(); err != nil {
				return fmt.Errorf("%w: node %s: %v", ErrInvalidPlan, n.ID, err)
			}
		}
	}
	return nil
}

// DecodePlan reads a YAML plan document, stamps PlanID onto every node and
// validates the result.
func DecodePlan(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	for i := range p.Nodes {
		p.Nodes[i].PlanID = p.ID
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlanFile decodes the YAML plan at path.
func LoadPlanFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodePlan(f)
}
