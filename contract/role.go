package contract

import (
	"fmt"
	"slices"
)

// Role is one of the closed set of agent roles. Its fields are unexported, so
// the only roles are the package-level values below.
type Role[T Output] struct {
	name      string
	statuses  []string
	newOutput func() T
	check     func(T) error
}

// Implementer writes code for a task.
var Implementer = Role[*ImplementerOutput]{
	name:      "implementer",
	statuses:  []string{StatusComplete, StatusBlocked},
	newOutput: func() *ImplementerOutput { return &ImplementerOutput{} },
}

// Validator checks a task against its acceptance criteria.
var Validator = Role[*ValidatorOutput]{
	name:      "validator",
	statuses:  []string{StatusPassed, StatusFailed, StatusBlocked},
	newOutput: func() *ValidatorOutput { return &ValidatorOutput{} },
	check:     checkVerdict,
}

// Planner drafts documents and resolves escalations.
var Planner = Role[*PlannerOutput]{
	name:      "planner",
	statuses:  []string{StatusComplete, StatusBlocked},
	newOutput: func() *PlannerOutput { return &PlannerOutput{} },
}

// Name returns the role name used in run logs and prompts.
func (r Role[T]) Name() string { return r.name }

// Statuses returns the status values the role may report.
func (r Role[T]) Statuses() []string { return slices.Clone(r.statuses) }

// BlockedOutput synthesizes a blocked envelope for the role.
func (r Role[T]) BlockedOutput(reason string) T {
	out := r.newOutput()
	env := out.Common()
	env.Status = StatusBlocked
	env.Summary = reason
	env.NextAction = "escalate"
	return out
}

func (r Role[T]) validateOutput(out T) error {
	if err := validate.Struct(out); err != nil {
		return err
	}
	if status := out.Common().Status; !slices.Contains(r.statuses, status) {
		return fmt.Errorf("status %q is not one of %v", status, r.statuses)
	}
	if r.check != nil {
		return r.check(out)
	}
	return nil
}

var verdictForStatus = map[string]string{
	StatusPassed:  VerdictPass,
	StatusFailed:  VerdictFail,
	StatusBlocked: VerdictBlocked,
}

func checkVerdict(out *ValidatorOutput) error {
	if out.Verdict == "" {
		return nil
	}
	if want := verdictForStatus[out.Status]; out.Verdict != want {
		return fmt.Errorf("verdict %q disagrees with status %q", out.Verdict, out.Status)
	}
	return nil
}
