package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// fencedBlockPattern matches a markdown fence, optionally tagged json.
	fencedBlockPattern = regexp.MustCompile("(?s)```[ \t]*(?:json|JSON)?[ \t]*\\r?\\n(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseAndValidate extracts the single structured block from a raw worker
// response, decodes it into the role's output and validates it. Text outside
// the block is discarded.
func ParseAndValidate[T Output](role Role[T], raw string) (T, error) {
	var zero T

	candidates := extractCandidates(raw)
	switch len(candidates) {
	case 0:
		return zero, &Error{Role: role.name, Kind: KindAmbiguousOrMissing, Detail: "no JSON object found"}
	case 1:
	default:
		return zero, &Error{
			Role:   role.name,
			Kind:   KindAmbiguousOrMissing,
			Detail: fmt.Sprintf("found %d JSON blocks, expected exactly one", len(candidates)),
		}
	}

	out := role.newOutput()
	if err := json.Unmarshal([]byte(cleanJSON(candidates[0])), out); err != nil {
		return zero, &Error{Role: role.name, Kind: KindDecode, Detail: "invalid JSON", Err: err}
	}
	if err := role.validateOutput(out); err != nil {
		return zero, &Error{Role: role.name, Kind: KindSchema, Detail: describeSchemaError(err), Err: err}
	}
	return out, nil
}

// extractCandidates returns the whole response when it is a JSON object,
// otherwise every fenced block whose body is an object.
func extractCandidates(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(cleanJSON(trimmed))) {
		return []string{trimmed}
	}

	var candidates []string
	for _, m := range fencedBlockPattern.FindAllStringSubmatch(raw, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") {
			candidates = append(candidates, body)
		}
	}
	if len(candidates) == 0 && strings.HasPrefix(trimmed, "{") {
		// A bare object that fails to parse is still the only candidate, so
		// the worker gets a decode error rather than "missing".
		candidates = append(candidates, trimmed)
	}
	return candidates
}

func describeSchemaError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// cleanJSON removes JavaScript-style comments and trailing commas, which
// models commonly emit.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
//
//	"path/to/file.go",          // comment  → "path/to/file.go",
//	"url": "http://example.com"             → unchanged
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
