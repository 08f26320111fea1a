// Package trigger maintains a hot-reloaded registry of declarative
// trigger definitions and schedules the time-based ones.
package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skein-dev/skein/internal/types"
)

// ConditionType tags what makes a trigger fire
type ConditionType string

const (
	// ConditionSchedule fires on a cron expression
	ConditionSchedule ConditionType = "schedule"
	// ConditionIssue fires on an external issue event
	ConditionIssue ConditionType = "issue"
)

// IsValid checks if the condition type value is valid
func (t ConditionType) IsValid() bool {
	return t == ConditionSchedule || t == ConditionIssue
}

// Condition is one firing condition of a trigger
type Condition struct {
	Type ConditionType `yaml:"type" json:"type"`
	// Cron holds a standard 5-field cron expression for schedule conditions
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`
	// Filter narrows event-based conditions (issue label, source, etc.)
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Trigger is a declarative, file-backed definition. Triggers are never
// mutated at runtime: a changed file replaces the whole definition.
type Trigger struct {
	ID         string             `yaml:"id,omitempty" json:"id"` // Defaults to the file stem
	Name       string             `yaml:"name" json:"name"`
	Conditions []Condition        `yaml:"conditions" json:"conditions"`
	Action     types.StoryPattern `yaml:"action" json:"action"`
}

// Validate checks if the trigger has valid field values
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(t.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	for i, c := range t.Conditions {
		if !c.Type.IsValid() {
			return fmt.Errorf("condition %d: unknown type %q", i, c.Type)
		}
		if c.Type == ConditionSchedule && strings.TrimSpace(c.Cron) == "" {
			return fmt.Errorf("condition %d: schedule condition requires a cron expression", i)
		}
	}
	if strings.TrimSpace(t.Action.Title) == "" {
		return fmt.Errorf("action title is required")
	}
	return nil
}

// HasType reports whether any condition carries the given type
func (t *Trigger) HasType(ct ConditionType) bool {
	for _, c := range t.Conditions {
		if c.Type == ct {
			return true
		}
	}
	return false
}

// ParseFile loads one trigger definition from a YAML file. The file
// stem becomes the trigger id unless the file sets one explicitly.
func ParseFile(path string) (*Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trigger file: %w", err)
	}

	var t Trigger
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if t.ID == "" {
		base := filepath.Base(path)
		t.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trigger %s: %w", t.ID, err)
	}
	return &t, nil
}

// isTriggerFile reports whether a filename looks like a definition file
func isTriggerFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
