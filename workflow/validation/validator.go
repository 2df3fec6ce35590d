// Package validation reviews spec and plan documents before they are locked.
// Approval is a human decision, so findings are advisory unless the caller
// asks for strict checking.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/nova/workflow"
)

var (
	// nextSectionRe matches markdown section headers (# or ##)
	nextSectionRe = regexp.MustCompile(`(?m)^#{1,2}\s+`)
	// emptySectionRe matches a ## header followed directly by another ##
	emptySectionRe = regexp.MustCompile(`(?m)^##\s+[^\n]+\n\s*\n##`)
)

// Result is the outcome of reviewing one document.
type Result struct {
	Kind            workflow.DocumentKind `json:"kind"`
	Valid           bool                  `json:"valid"`
	MissingSections []string              `json:"missing_sections,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
}

// SectionRequirement defines a required section.
type SectionRequirement struct {
	Name        string
	Pattern     *regexp.Regexp
	MinContent  int // characters after the header, 0 = header only
	Description string
}

// Validator checks documents against per-kind section requirements.
type Validator struct {
	RequiredSections map[workflow.DocumentKind][]SectionRequirement
}

var titleRe = regexp.MustCompile(`(?m)^#\s+.+`)

// NewValidator returns the default requirements. A spec needs a goal and
// requirements; a plan needs an approach.
func NewValidator() *Validator {
	return &Validator{
		RequiredSections: map[workflow.DocumentKind][]SectionRequirement{
			workflow.DocumentSpec: {
				{Name: "Title", Pattern: titleRe, Description: "document title (# heading)"},
				{
					Name:        "Overview",
					Pattern:     regexp.MustCompile(`(?mi)^##\s+(overview|goals?|summary)\b`),
					MinContent:  30,
					Description: "what the project is for",
				},
				{
					Name:        "Requirements",
					Pattern:     regexp.MustCompile(`(?mi)^##\s+(requirements?|features?|scope)\b`),
					MinContent:  50,
					Description: "what must be built",
				},
			},
			workflow.DocumentPlan: {
				{Name: "Title", Pattern: titleRe, Description: "document title (# heading)"},
				{
					Name:        "Approach",
					Pattern:     regexp.MustCompile(`(?mi)^##\s+(approach|architecture|design|steps)\b`),
					MinContent:  50,
					Description: "how the spec will be delivered",
				},
			},
		},
	}
}

// Validate reviews content as a document of kind. Kinds without requirements
// are always valid.
func (v *Validator) Validate(content string, kind workflow.DocumentKind) *Result {
	result := &Result{Kind: kind, Valid: true}

	for _, req := range v.RequiredSections[kind] {
		match := req.Pattern.FindStringIndex(content)
		if match == nil {
			result.Valid = false
			result.MissingSections = append(result.MissingSections, fmt.Sprintf("%s: %s", req.Name, req.Description))
			continue
		}
		if req.MinContent == 0 {
			continue
		}

		body := content[match[1]:]
		if next := nextSectionRe.FindStringIndex(body); next != nil {
			body = body[:next[0]]
		}
		if n := len(strings.TrimSpace(body)); n < req.MinContent {
			result.Valid = false
			result.MissingSections = append(result.MissingSections,
				fmt.Sprintf("%s: section too short (min %d chars, got %d)", req.Name, req.MinContent, n))
		}
	}

	result.Warnings = checkCommonIssues(content)
	return result
}

func checkCommonIssues(content string) []string {
	var warnings []string
	lower := strings.ToLower(content)
	for _, p := range []string{"TODO", "FIXME", "TBD", "[placeholder]", "lorem ipsum"} {
		if strings.Contains(lower, strings.ToLower(p)) {
			warnings = append(warnings, fmt.Sprintf("contains placeholder text: %s", p))
		}
	}
	if emptySectionRe.MatchString(content) {
		warnings = append(warnings, "contains empty sections")
	}
	return warnings
}

// Findings lists missing sections and warnings, one per line.
func (r *Result) Findings() []string {
	out := make([]string, 0, len(r.MissingSections)+len(r.Warnings))
	for _, m := range r.MissingSections {
		out = append(out, "missing "+m)
	}
	return append(out, r.Warnings...)
}
