package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// StepExecutor runs individual plan steps through the model. It backs
// the default executor registrations; heavier agents (sandboxed coding
// agents, external runners) register alongside it with their own
// priorities.
type StepExecutor struct {
	collab     *Collaborator
	capability string
}

// NewStepExecutor creates an executor for one capability
func NewStepExecutor(collab *Collaborator, capability string) *StepExecutor {
	return &StepExecutor{collab: collab, capability: capability}
}

// Execute runs one step and returns its structured output
func (e *StepExecutor) Execute(ctx context.Context, input, storyContext json.RawMessage) (json.RawMessage, error) {
	prompt := buildStepPrompt(e.capability, input, storyContext)

	text, err := e.collab.complete(ctx, "step execution", prompt)
	if err != nil {
		return nil, err
	}

	// Structured output when the model produced it, otherwise the raw
	// text wrapped so downstream consumers always see JSON
	result := Parse[json.RawMessage](text, ParseOptions{Context: e.capability})
	if result.Success {
		return result.Data, nil
	}
	wrapped, err := json.Marshal(map[string]string{"result": text})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap step output: %w", err)
	}
	return wrapped, nil
}

func buildStepPrompt(capability string, input, storyContext json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are performing one %s step of a larger development task.\n\n", capability)
	if len(storyContext) > 0 {
		fmt.Fprintf(&b, "Task context:\n%s\n\n", string(storyContext))
	}
	if len(input) > 0 {
		fmt.Fprintf(&b, "Step input:\n%s\n\n", string(input))
	}
	b.WriteString("Perform the step and respond with a JSON object describing what you did and the resulting artifacts.")
	return b.String()
}
