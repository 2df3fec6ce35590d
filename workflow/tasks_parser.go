package workflow

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsedTask represents a task item as the Planner writes it in a task list.
type ParsedTask struct {
	ID                 string   `yaml:"id" json:"id"`
	Title              string   `yaml:"title" json:"title"`
	Description        string   `yaml:"description" json:"description,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria" json:"acceptance_criteria,omitempty"`
	Order              int      `yaml:"order" json:"order,omitempty"`
	Dependencies       []string `yaml:"dependencies" json:"dependencies,omitempty"`
	Commands           []string `yaml:"commands" json:"commands,omitempty"`
}

// taskListDocument is the object form of a task list: {"tasks": [...]}.
type taskListDocument struct {
	Tasks []ParsedTask `yaml:"tasks"`
}

// ParseTaskList parses a Planner-produced task list. It accepts a JSON array,
// a JSON object with a "tasks" key, or the YAML equivalents. Items without an
// order get their position; items without an id get v{n}-{position}.
func ParseTaskList(versionID string, data []byte) ([]Task, error) {
	if err := ValidateVersionID(versionID); err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyTaskList
	}

	items, err := decodeTaskItems(data)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyTaskList
	}

	tasks := make([]Task, 0, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = FormatTaskID(versionID, i+1)
		}
		if err := ValidateTaskID(id); err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		if strings.TrimSpace(item.Title) == "" {
			return nil, fmt.Errorf("task %s: title is required", id)
		}
		order := item.Order
		if order == 0 {
			order = i + 1
		}
		tasks = append(tasks, Task{
			ID:                 id,
			Title:              strings.TrimSpace(item.Title),
			Description:        item.Description,
			AcceptanceCriteria: item.AcceptanceCriteria,
			Order:              order,
			Dependencies:       item.Dependencies,
			Commands:           item.Commands,
			State:              TaskStateNew,
		})
	}
	return tasks, nil
}

// decodeTaskItems tries the array form first, then the object form.
func decodeTaskItems(data []byte) ([]ParsedTask, error) {
	var items []ParsedTask
	arrErr := yaml.Unmarshal(data, &items)
	if arrErr == nil {
		return items, nil
	}

	var doc taskListDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task list: %w", arrErr)
	}
	return doc.Tasks, nil
}

// RenderTaskList serializes tasks in the canonical YAML form used for the
// locked task-list document.
func RenderTaskList(tasks []Task) ([]byte, error) {
	items := make([]ParsedTask, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, ParsedTask{
			ID:                 t.ID,
			Title:              t.Title,
			Description:        t.Description,
			AcceptanceCriteria: t.AcceptanceCriteria,
			Order:              t.Order,
			Dependencies:       t.Dependencies,
			Commands:           t.Commands,
		})
	}
	data, err := yaml.Marshal(taskListDocument{Tasks: items})
	if err != nil {
		return nil, fmt.Errorf("render task list: %w", err)
	}
	return data, nil
}
