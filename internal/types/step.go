package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step represents one unit of agent work inside a story's plan
type Step struct {
	ID             string          `json:"id"`
	StoryID        string          `json:"story_id"`
	Order          int             `json:"order"` // Stable index within the plan
	Wave           int             `json:"wave"`  // Parallel execution group, >= 1, non-decreasing in Order
	Capability     string          `json:"capability"`
	Language       string          `json:"language,omitempty"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Status         StepStatus      `json:"status"`
	AgentID        string          `json:"agent_id,omitempty"`
	Attempts       int             `json:"attempts"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Verdict        Verdict         `json:"verdict,omitempty"`
	Feedback       string          `json:"feedback,omitempty"`
	NeedsRework    bool            `json:"needs_rework"`
	PreviousOutput json.RawMessage `json:"previous_output,omitempty"` // Retained on rejection for diffing
	Chat           []ChatMessage   `json:"chat,omitempty"`
	AgentOverride  string          `json:"agent_override,omitempty"` // Bypasses capability routing when set
}

// Validate checks if the step has valid field values
func (s *Step) Validate() error {
	if s.StoryID == "" {
		return fmt.Errorf("story_id is required")
	}
	if strings.TrimSpace(s.Capability) == "" {
		return fmt.Errorf("capability is required")
	}
	if s.Wave < 1 {
		return fmt.Errorf("wave must be >= 1 (got %d)", s.Wave)
	}
	if s.Order < 0 {
		return fmt.Errorf("order cannot be negative (got %d)", s.Order)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	if !s.Verdict.IsValid() {
		return fmt.Errorf("invalid verdict: %s", s.Verdict)
	}
	if s.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative (got %d)", s.Attempts)
	}
	return nil
}

// StepStatus represents the execution state of a step
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepCompleted     StepStatus = "completed"
	StepFailed        StepStatus = "failed"
	StepSkipped       StepStatus = "skipped"
	StepNeedsApproval StepStatus = "needs_approval"
)

// IsValid checks if the step status value is valid
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped, StepNeedsApproval:
		return true
	}
	return false
}

// IsTerminal reports whether the step counts as done for wave advancement.
// Failed is deliberately not terminal here: a failed step blocks its wave
// until it is retried, skipped, or the retry budget halts the story.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepSkipped
}

// Verdict is the approval outcome for a step awaiting review
type Verdict string

const (
	VerdictNone     Verdict = "" // Still pending
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// IsValid checks if the verdict value is valid
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictNone, VerdictApproved, VerdictRejected:
		return true
	}
	return false
}

// StepDescriptor is a planner-produced description of a step to create.
// Wave numbers must be non-decreasing in descriptor order.
type StepDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Capability  string          `json:"capability"`
	Language    string          `json:"language,omitempty"`
	Wave        int             `json:"wave"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// Validate checks if the descriptor has valid field values
func (d *StepDescriptor) Validate() error {
	if strings.TrimSpace(d.Capability) == "" {
		return fmt.Errorf("capability is required")
	}
	if d.Wave < 1 {
		return fmt.Errorf("wave must be >= 1 (got %d)", d.Wave)
	}
	return nil
}

// ValidatePlan checks a full planner result: at least one step, each
// descriptor valid, and wave numbers non-decreasing in plan order.
func ValidatePlan(descriptors []StepDescriptor) error {
	if len(descriptors) == 0 {
		return fmt.Errorf("plan must contain at least one step")
	}
	prevWave := 0
	for i := range descriptors {
		if err := descriptors[i].Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if descriptors[i].Wave < prevWave {
			return fmt.Errorf("step %d: wave %d is lower than preceding wave %d",
				i, descriptors[i].Wave, prevWave)
		}
		prevWave = descriptors[i].Wave
	}
	return nil
}

// PlanDelta is the result of chat-driven replanning: steps appended to
// the end of the plan and pending steps removed by id. A delta is
// applied transactionally or not at all.
type PlanDelta struct {
	StepsAdded   []StepDescriptor `json:"steps_added,omitempty"`
	StepsRemoved []string         `json:"steps_removed,omitempty"`
}

// IsEmpty reports whether the delta changes nothing
func (d *PlanDelta) IsEmpty() bool {
	return len(d.StepsAdded) == 0 && len(d.StepsRemoved) == 0
}
