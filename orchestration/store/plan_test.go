package store

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const samplePlan = `
id: deploy
root: pipeline
nodes:
  - id: pipeline
    identifier: pipeline
    step_type: SECTION
    child: fork
  - id: fork
    identifier: fork
    step_type: FORK
    children: [build, test]
    next: publish
  - id: build
    identifier: build
    step_type: SHELL
    facilitator: TASK
    task_category: LOCAL
    retry:
      max_attempts: 3
      base_delay: 10ms
      max_delay: 1s
      retry_on: [TIMEOUT]
  - id: test
    identifier: test
    step_type: SHELL
    facilitator: TASK
    task_category: LOCAL
    intervention_on_failure: true
  - id: publish
    identifier: publish
    step_type: NOOP
    skip: true
`

func TestDecodePlan(t *testing.T) {
	p, err := DecodePlan(strings.NewReader(samplePlan))
	if err != nil {
		t.Fatalf("DecodePlan: %v", err)
	}
	if p.ID != "deploy" || p.Root != "pipeline" || len(p.Nodes) != 5 {
		t.Fatalf("plan = %+v", p)
	}
	build, ok := p.Node("build")
	if !ok {
		t.Fatal("build node missing")
	}
	if build.PlanID != "deploy" {
		t.Errorf("PlanID not stamped: %q", build.PlanID)
	}
	if build.Retry == nil || build.Retry.BaseDelay != 10*time.Millisecond || build.Retry.MaxDelay != time.Second {
		t.Errorf("retry = %+v", build.Retry)
	}
	if len(build.Retry.RetryOn) != 1 || build.Retry.RetryOn[0] != "TIMEOUT" {
		t.Errorf("retry_on = %v", build.Retry.RetryOn)
	}
	fork, _ := p.Node("fork")
	if len(fork.Children) != 2 || fork.Next != "publish" {
		t.Errorf("fork = %+v", fork)
	}
	publish, _ := p.Node("publish")
	if !publish.Skip {
		t.Error("publish should be skipped")
	}
}

func TestDecodePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "root: a\nnodes:\n  - id: a\n"},
		{"unknown root", "id: p\nroot: x\nnodes:\n  - id: a\n"},
		{"dangling next", "id: p\nroot: a\nnodes:\n  - id: a\n    next: b\n"},
		{"duplicate node", "id: p\nroot: a\nnodes:\n  - id: a\n  - id: a\n"},
		{"bad facilitator", "id: p\nroot: a\nnodes:\n  - id: a\n    facilitator: MAGIC\n"},
		{"bad retry", "id: p\nroot: a\nnodes:\n  - id: a\n    retry:\n      max_attempts: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePlan(strings.NewReader(tt.doc))
			if !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("err = %v, want ErrInvalidPlan", err)
			}
		})
	}

	if _, err := DecodePlan(strings.NewReader("id: p\nbogus_field: 1\n")); err == nil {
		t.Error("unknown fields should be rejected")
	}
}

func TestDialectPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: postgresDialect}
	got := s.q(`UPDATE t SET a = ? WHERE id = ? AND v = ?`)
	want := `UPDATE t SET a = $1 WHERE id = $2 AND v = $3`
	if got != want {
		t.Errorf("q() = %q, want %q", got, want)
	}

	s.dialect = sqliteDialect
	if got := s.q(`SELECT ?`); got != `SELECT ?` {
		t.Errorf("sqlite q() rewrote placeholders: %q", got)
	}
}
