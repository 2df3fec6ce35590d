package contract

import (
	"path"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/c360studio/nova/workflow"
)

// Status values used across roles.
const (
	StatusComplete = "complete"
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusBlocked  = "blocked"
)

// Envelope holds the fields every role reports.
type Envelope struct {
	Status       string   `json:"status" validate:"required"`
	Summary      string   `json:"summary" validate:"required"`
	NextAction   string   `json:"next_action,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty" validate:"omitempty,dive,required"`
}

// Common returns the shared envelope fields.
func (e *Envelope) Common() *Envelope { return e }

// Blocked reports whether the worker declared it cannot proceed.
func (e *Envelope) Blocked() bool { return e.Status == StatusBlocked }

// Output is implemented by every role's typed output.
type Output interface {
	Common() *Envelope
}

// File operation actions.
const (
	ActionCreate = "create"
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

// FileOperation is a single change the implementer asks to apply.
type FileOperation struct {
	Action  string `json:"action" validate:"required,oneof=create edit delete"`
	Path    string `json:"path" validate:"required,relpath"`
	Content string `json:"content,omitempty"`
}

// ImplementerOutput is the coder's envelope.
type ImplementerOutput struct {
	Envelope
	FileOperations []FileOperation `json:"file_operations,omitempty" validate:"omitempty,dive"`
	Commands       []string        `json:"commands,omitempty" validate:"omitempty,dive,required"`
}

// Verdict values reported by the validator role.
const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictBlocked = "blocked"
)

// CriterionResult reports one acceptance criterion.
type CriterionResult struct {
	Criterion string `json:"criterion" validate:"required"`
	Met       bool   `json:"met"`
	Evidence  string `json:"evidence,omitempty"`
}

// ValidatorOutput is the QA envelope.
type ValidatorOutput struct {
	Envelope
	Verdict     string                   `json:"verdict,omitempty" validate:"omitempty,oneof=pass fail blocked"`
	Criteria    []CriterionResult        `json:"criteria,omitempty" validate:"omitempty,dive"`
	CommandsRun []workflow.CommandResult `json:"commands_run,omitempty"`
	Violations  []string                 `json:"violations,omitempty"`
	Notes       string                   `json:"notes,omitempty"`
}

// Passed reports a pass verdict. A pass that leaves any reported criterion
// unmet is not a pass.
func (o *ValidatorOutput) Passed() bool {
	if o.Status != StatusPassed {
		return false
	}
	for _, c := range o.Criteria {
		if !c.Met {
			return false
		}
	}
	return true
}

// Resolution values the planner may return for an escalation.
const (
	ResolutionRetry       = "retry"
	ResolutionHumanNeeded = "human_needed"
)

// PlannerOutput is the planner's envelope, used both for drafting documents
// and for resolving escalations.
type PlannerOutput struct {
	Envelope
	Decisions  []string `json:"decisions,omitempty"`
	Resolution string   `json:"resolution,omitempty" validate:"omitempty,oneof=retry human_needed"`
	Guidance   string   `json:"guidance,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("relpath", validateRelPath)
}

// validateRelPath rejects absolute paths and paths that climb out of the
// working directory.
func validateRelPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || strings.Contains(p, ":") {
		return false
	}
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
