package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMustConflict is returned when project preferences override a must_* key
// of the framework preferences with a different value.
var ErrMustConflict = errors.New("project preferences conflict with must_* framework rules")

// mustPrefix marks framework preferences a project may not change.
const mustPrefix = "must_"

// Preferences is a merged preference tree.
type Preferences map[string]any

// MustConflictError lists the dotted keys that conflict.
type MustConflictError struct {
	Keys []string
}

func (e *MustConflictError) Error() string {
	return fmt.Sprintf("%s: %s (these require human resolution)", ErrMustConflict, strings.Join(e.Keys, ", "))
}

// Is matches ErrMustConflict.
func (e *MustConflictError) Is(target error) bool {
	return target == ErrMustConflict
}

// LoadPreferences reads a YAML preferences file. A missing file is empty.
func LoadPreferences(path string) (Preferences, error) {
	if path == "" {
		return Preferences{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Preferences{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences %s: %w", path, err)
	}
	var prefs Preferences
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	if prefs == nil {
		prefs = Preferences{}
	}
	return prefs, nil
}

// MergePreferenceFiles loads and merges framework and project preferences.
func MergePreferenceFiles(frameworkPath, projectPath string) (Preferences, error) {
	framework, err := LoadPreferences(frameworkPath)
	if err != nil {
		return nil, err
	}
	project, err := LoadPreferences(projectPath)
	if err != nil {
		return nil, err
	}
	return MergePreferences(framework, project)
}

// MergePreferences deep-merges project over framework. Project values win,
// except that a must_* key of the framework may not be given a different value.
func MergePreferences(framework, project Preferences) (Preferences, error) {
	if conflicts := findMustConflicts(framework, project, ""); len(conflicts) > 0 {
		return nil, &MustConflictError{Keys: conflicts}
	}
	return deepMerge(framework, project), nil
}

func findMustConflicts(base, override map[string]any, prefix string) []string {
	var conflicts []string
	for _, key := range sortedKeys(base) {
		value := base[key]
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		other, ok := override[key]
		if !ok {
			continue
		}
		if strings.HasPrefix(key, mustPrefix) {
			if !reflect.DeepEqual(prefValue(value), prefValue(other)) {
				conflicts = append(conflicts, full)
			}
			continue
		}
		baseMap, baseIsMap := value.(map[string]any)
		otherMap, otherIsMap := other.(map[string]any)
		if baseIsMap && otherIsMap {
			conflicts = append(conflicts, findMustConflicts(baseMap, otherMap, full)...)
		}
	}
	return conflicts
}

func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = deepCopy(v)
	}
	for k, v := range override {
		baseMap, baseIsMap := out[k].(map[string]any)
		overMap, overIsMap := v.(map[string]any)
		if baseIsMap && overIsMap {
			out[k] = deepMerge(baseMap, overMap)
			continue
		}
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepMerge(t, nil)
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = deepCopy(t[i])
		}
		return c
	default:
		return v
	}
}

// isStructured reports whether v uses the {value, description, agent_instruction} form.
func isStructured(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, has := m["value"]
	return has
}

// prefValue extracts the comparable value of a preference.
func prefValue(v any) any {
	if isStructured(v) {
		return v.(map[string]any)["value"]
	}
	return v
}

// AgentInstructions collects the agent_instruction of every structured
// preference one level below a category, as "[category.key] instruction".
func (p Preferences) AgentInstructions() []string {
	var out []string
	for _, category := range sortedKeys(p) {
		rules, ok := p[category].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range sortedKeys(rules) {
			value := rules[key]
			if !isStructured(value) {
				continue
			}
			instr, _ := value.(map[string]any)["agent_instruction"].(string)
			if instr != "" {
				out = append(out, fmt.Sprintf("[%s.%s] %s", category, key, instr))
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
