package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Story represents a unit of orchestrated work from intake to completion
type Story struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	RepoPath       string          `json:"repo_path"`
	Status         StoryStatus     `json:"status"`
	WorkspacePath  string          `json:"workspace_path,omitempty"` // Opaque: provisioned by the sandbox manager
	BranchName     string          `json:"branch_name,omitempty"`    // Opaque: the core never interprets it
	Context        json.RawMessage `json:"context,omitempty"`        // Analyzed context blob, stored verbatim
	StepIDs        []string        `json:"step_ids"`                 // Ordered plan
	AutomationMode AutomationMode  `json:"automation_mode"`
	Source         Source          `json:"source"`
	TriggerID      string          `json:"trigger_id,omitempty"` // Set when Source == SourceGuardian
	Priority       int             `json:"priority"`
	Chat           []ChatMessage   `json:"chat,omitempty"`
	CurrentWave    int             `json:"current_wave"`
	GateMode       GateMode        `json:"gate_mode"`
	LastGateResult GateResult      `json:"last_gate_result,omitempty"`
	MaxParallel    int             `json:"max_parallel"`
	Version        int64           `json:"version"` // Optimistic concurrency token, managed by storage
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Validate checks if the story has valid field values
func (s *Story) Validate() error {
	if len(s.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(s.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(s.Title))
	}
	if s.Priority < 0 || s.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", s.Priority)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	if !s.AutomationMode.IsValid() {
		return fmt.Errorf("invalid automation mode: %s", s.AutomationMode)
	}
	if !s.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", s.Source)
	}
	if !s.GateMode.IsValid() {
		return fmt.Errorf("invalid gate mode: %s", s.GateMode)
	}
	if s.CurrentWave < 0 {
		return fmt.Errorf("current_wave cannot be negative (got %d)", s.CurrentWave)
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("max_parallel cannot be negative (got %d)", s.MaxParallel)
	}
	return nil
}

// StoryStatus represents the lifecycle state of a story
type StoryStatus string

const (
	StoryCreated   StoryStatus = "created"
	StoryAnalyzing StoryStatus = "analyzing"
	StoryAnalyzed  StoryStatus = "analyzed"
	StoryPlanning  StoryStatus = "planning"
	StoryPlanned   StoryStatus = "planned"
	StoryExecuting StoryStatus = "executing"
	StoryCompleted StoryStatus = "completed"
	StoryCancelled StoryStatus = "cancelled"
	StoryFailed    StoryStatus = "failed"
)

// IsValid checks if the story status value is valid
func (s StoryStatus) IsValid() bool {
	switch s {
	case StoryCreated, StoryAnalyzing, StoryAnalyzed, StoryPlanning,
		StoryPlanned, StoryExecuting, StoryCompleted, StoryCancelled, StoryFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a terminal state
func (s StoryStatus) IsTerminal() bool {
	return s == StoryCompleted || s == StoryCancelled || s == StoryFailed
}

// ValidTransitions defines the valid transitions of the story state machine.
//
// State Machine Diagram:
//
//	created → analyzing → analyzed → planning → planned → executing → completed
//	                                               ↑          ↓
//	                                               └──────────┘  (chat replanning)
//
// cancelled and failed are reachable from every non-terminal state.
func (s StoryStatus) ValidTransitions() []StoryStatus {
	switch s {
	case StoryCreated:
		return []StoryStatus{StoryAnalyzing, StoryCancelled, StoryFailed}
	case StoryAnalyzing:
		// Enrichment failures roll back to created rather than transitioning forward
		return []StoryStatus{StoryAnalyzed, StoryCreated, StoryCancelled, StoryFailed}
	case StoryAnalyzed:
		return []StoryStatus{StoryAnalyzing, StoryPlanning, StoryCancelled, StoryFailed}
	case StoryPlanning:
		return []StoryStatus{StoryPlanned, StoryAnalyzed, StoryCancelled, StoryFailed}
	case StoryPlanned:
		return []StoryStatus{StoryExecuting, StoryCancelled, StoryFailed}
	case StoryExecuting:
		return []StoryStatus{StoryPlanned, StoryCompleted, StoryCancelled, StoryFailed}
	case StoryCompleted, StoryCancelled, StoryFailed:
		return []StoryStatus{} // Terminal states
	default:
		return []StoryStatus{}
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s StoryStatus) CanTransitionTo(target StoryStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// AutomationMode controls whether steps need human approval
type AutomationMode string

const (
	// ModeAssisted requires human approval after every successful step
	ModeAssisted AutomationMode = "assisted"
	// ModeAutonomous auto-approves steps unless policy flags risk
	ModeAutonomous AutomationMode = "autonomous"
)

// IsValid checks if the automation mode value is valid
func (m AutomationMode) IsValid() bool {
	return m == ModeAssisted || m == ModeAutonomous
}

// Source records how a story came to exist
type Source string

const (
	SourceManual   Source = "manual"
	SourceGuardian Source = "guardian" // Spawned autonomously by a trigger
	SourceIssue    Source = "issue"
)

// IsValid checks if the source value is valid
func (s Source) IsValid() bool {
	switch s {
	case SourceManual, SourceGuardian, SourceIssue:
		return true
	}
	return false
}

// GateMode controls where wave advancement requires a gate check
type GateMode string

const (
	GateModeNone    GateMode = "none"
	GateModePerWave GateMode = "per_wave"
	GateModePerStep GateMode = "per_step"
)

// IsValid checks if the gate mode value is valid
func (m GateMode) IsValid() bool {
	switch m {
	case GateModeNone, GateModePerWave, GateModePerStep:
		return true
	}
	return false
}

// GateResult records the outcome of the most recent gate evaluation
type GateResult string

const (
	GateResultNone    GateResult = ""
	GateResultProceed GateResult = "proceed"
	GateResultHold    GateResult = "hold"
	GateResultAbort   GateResult = "abort"
)

// StoryFilter is used to filter story list queries
type StoryFilter struct {
	Status *StoryStatus
	Source *Source
	Limit  int
}

// ChatMessage is one entry in a story or step transcript
type ChatMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
