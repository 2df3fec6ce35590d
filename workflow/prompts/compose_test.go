package prompts

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/nova/workflow"
)

func TestCompose_IncludesSectionsInOrder(t *testing.T) {
	task := &workflow.Task{
		ID:                 "v1-002",
		Title:              "Add endpoint",
		AcceptanceCriteria: []string{"GET /hello returns 200"},
		Dependencies:       []string{"v1-001"},
		AttemptCount:       2,
		Guidance:           "Reuse the router in api/router.go",
	}

	prompt := Compose(Params{
		Template:    ImplementerPrompt(),
		Preferences: []string{"[go.errors] wrap errors with %w"},
		Task:        &TaskContext{Task: task, VersionID: "v1", PriorFeedback: "tests failed"},
		Evidence:    "$ go test ./...  ->  exit 0",
		Extra:       "extra context",
		Knowledge:   []string{"lesson one"},
	})

	order := []string{
		"You are the implementer",
		"## Active Preferences",
		"## Current Task",
		"- **Attempt:** 2 of 3",
		"GET /hello returns 200",
		"## Planner Guidance",
		"## Prior Attempt Feedback",
		"## Build / Validation Results",
		"## Additional Context",
		"## Knowledge Base",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(prompt, marker)
		if !assert.GreaterOrEqual(t, idx, 0, "missing %q", marker) {
			continue
		}
		assert.Greater(t, idx, last, "%q out of order", marker)
		last = idx
	}
}

func TestCompose_TrimsLowestPriorityFirst(t *testing.T) {
	prompt := Compose(Params{
		Template:      ValidatorPrompt(),
		Extra:         strings.Repeat("e", 2000),
		Knowledge:     []string{strings.Repeat("k", 10_000)},
		ContextTokens: 1500, // 1050 tokens, 4200 chars
	})

	assert.Contains(t, prompt, "You are the QA validator")
	assert.Contains(t, prompt, strings.Repeat("e", 2000))
	assert.Contains(t, prompt, "truncated due to context budget")
	assert.LessOrEqual(t, len(prompt), 4200+len(truncationMarker))
}

func TestCompose_EmptySectionsSkipped(t *testing.T) {
	prompt := Compose(Params{Template: PlannerEscalationPrompt()})
	assert.NotContains(t, prompt, "## Active Preferences")
	assert.NotContains(t, prompt, "## Current Task")
	assert.Contains(t, prompt, `"resolution": "retry | human_needed"`)
}

func TestCompose_OversizedSpecKeepsEvidence(t *testing.T) {
	task := &workflow.Task{ID: "v1-001", Title: "Scaffold", AttemptCount: 2}
	results := "$ go build ./...  ->  exit 1\nstderr:\nFAIL main.go:3: undefined: Handler"

	tests := []struct {
		name string
		spec string
	}{
		{"ascii", strings.Repeat("a", 5000)},
		{"multi-byte", strings.Repeat("é", 5000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt := Compose(Params{
				Template:      ValidatorPrompt(),
				Task:          &TaskContext{Task: task, VersionID: "v1", Spec: tt.spec, PriorFeedback: "handler missing"},
				Evidence:      results,
				Extra:         "### File Changes\n\nmain.go",
				ContextTokens: 1000,
			})

			assert.True(t, utf8.ValidString(prompt))
			assert.Contains(t, prompt, results)
			assert.Contains(t, prompt, "handler missing")
			assert.Contains(t, prompt, "## Approved Spec")
			assert.Contains(t, prompt, truncationMarker)
			assert.NotContains(t, prompt, "### File Changes", "sections after the truncated spec are dropped")
		})
	}
}

func TestCompose_EvidenceExceedingBudgetIsKept(t *testing.T) {
	evidence := strings.Repeat("x", 8000)
	prompt := Compose(Params{
		Template:      ValidatorPrompt(),
		Evidence:      evidence,
		Knowledge:     []string{"lesson"},
		ContextTokens: 1000,
	})
	assert.Contains(t, prompt, evidence)
	assert.NotContains(t, prompt, "## Knowledge Base")
}

func TestCutAtRune(t *testing.T) {
	assert.Equal(t, "ab", cutAtRune("abc", 2))
	assert.Equal(t, "abc", cutAtRune("abc", 10))
	assert.Equal(t, "é", cutAtRune("éé", 3))
	assert.Equal(t, "", cutAtRune("é", 1))
}
