package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/nova/contract"
	"github.com/c360studio/nova/workflow"
)

func TestFormatCommandResults(t *testing.T) {
	assert.Equal(t, "(no commands were run)", FormatCommandResults(nil))

	got := FormatCommandResults([]workflow.CommandResult{
		{Command: "go build ./...", Stdout: "ok"},
		{Command: "go vet ./...", ExitCode: 1, Stderr: strings.Repeat("e", 5000)},
	})
	assert.Contains(t, got, "$ go build ./...  ->  exit 0\nstdout:\nok")
	assert.Contains(t, got, "$ go vet ./...  ->  exit 1\nstderr:\n"+strings.Repeat("e", 5000))
}

func TestFormatFileChanges(t *testing.T) {
	assert.Equal(t, "(no file changes)", FormatFileChanges(nil))

	got := FormatFileChanges([]contract.FileOperation{
		{Action: contract.ActionCreate, Path: "a.go", Content: "package a"},
		{Action: contract.ActionEdit, Path: "b.go", Content: strings.Repeat("x", 4000)},
		{Action: contract.ActionDelete, Path: "c.go"},
	})
	assert.Contains(t, got, "--- NEW FILE: a.go ---\npackage a")
	assert.Contains(t, got, "--- MODIFIED: b.go ---")
	assert.Contains(t, got, "(truncated, 4000 chars total)")
	assert.Contains(t, got, "--- DELETED: c.go ---")
}

func TestQAFeedback(t *testing.T) {
	out := &contract.ValidatorOutput{
		Envelope:   contract.Envelope{Status: contract.StatusFailed, Summary: "handler is wrong"},
		Violations: []string{"returns 500 on empty body"},
		Criteria: []contract.CriterionResult{
			{Criterion: "GET /health returns 200", Met: true},
			{Criterion: "Response body is JSON", Met: false},
		},
		Notes: "see handler.go line 12",
	}
	results := []workflow.CommandResult{
		{Command: "go build ./...", ExitCode: 0},
		{Command: "go test ./...", ExitCode: 1, Stderr: "FAIL handler_test.go"},
	}

	got := QAFeedback(out, results)
	assert.True(t, strings.HasPrefix(got, "QA verdict: FAIL - handler is wrong"))
	assert.Contains(t, got, "  - returns 500 on empty body")
	assert.Contains(t, got, "  - criterion not met: Response body is JSON")
	assert.NotContains(t, got, "criterion not met: GET /health")
	assert.Contains(t, got, "Notes: see handler.go line 12")
	assert.Contains(t, got, "  $ go test ./... -> exit 1\n    stderr: FAIL handler_test.go")
	assert.NotContains(t, got, "$ go build")
	assert.Contains(t, got, "IMPORTANT:")
}

func TestMissingCriteria(t *testing.T) {
	want := []string{"GET /health returns 200", "Body is  JSON", "Logs the request"}
	reported := []contract.CriterionResult{
		{Criterion: "get /health returns 200", Met: true},
		{Criterion: " body is json ", Met: true},
	}
	assert.Equal(t, []string{"Logs the request"}, missingCriteria(want, reported))
	assert.Empty(t, missingCriteria(nil, reported))
}

func TestGateFunc(t *testing.T) {
	var seen BatchReport
	g := GateFunc(func(_ context.Context, r BatchReport) (bool, error) {
		seen = r
		return r.Blocked == 0, nil
	})

	ok, err := g.Continue(context.Background(), BatchReport{VersionID: "v1", Blocked: 1})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "v1", seen.VersionID)

	ok, err = AlwaysContinue.Continue(context.Background(), BatchReport{})
	assert.NoError(t, err)
	assert.True(t, ok)
}
