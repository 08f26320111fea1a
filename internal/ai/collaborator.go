// Package ai provides the Anthropic-backed collaborators: context
// enrichment, planning, and conversational replanning.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/skein-dev/skein/internal/types"
)

const (
	// ModelSonnet is the high-end model for planning and analysis
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku is the cost-efficient model for simple tasks
	ModelHaiku = "claude-3-5-haiku-20241022"
)

// GetDefaultModel returns the default model, checking SKEIN_MODEL env var first
func GetDefaultModel() string {
	if model := os.Getenv("SKEIN_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// Collaborator backs the orchestrator's AI-facing interfaces with the
// Anthropic API. One instance serves enrichment, planning, and chat
// replanning; calls are retried with backoff and capped by a
// concurrency limiter.
type Collaborator struct {
	client         *anthropic.Client
	model          string
	retry          RetryConfig
	concurrencySem *semaphore.Weighted
}

// Compile-time checks against the collaborator interfaces
var (
	_ types.Enricher    = (*Collaborator)(nil)
	_ types.Planner     = (*Collaborator)(nil)
	_ types.ChatPlanner = (*Collaborator)(nil)
)

// Config holds collaborator configuration
type Config struct {
	APIKey string // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model  string // Model to use (default: claude-sonnet-4-5-20250929)
	Retry  RetryConfig
}

// NewCollaborator creates an Anthropic-backed collaborator
func NewCollaborator(cfg *Config) (*Collaborator, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &Collaborator{
		client:         &client,
		model:          model,
		retry:          retry,
		concurrencySem: concurrencySem,
	}, nil
}

// enrichment is the structured analysis the model returns
type enrichment struct {
	Summary     string   `json:"summary"`
	Approach    string   `json:"approach"`
	Risks       []string `json:"risks,omitempty"`
	Fileslikely []string `json:"files_likely,omitempty"`
}

// Enrich analyzes a story description against its repository and
// returns the structured context blob verbatim as produced
func (c *Collaborator) Enrich(ctx context.Context, description, repoPath string) (json.RawMessage, error) {
	prompt := buildEnrichPrompt(description, repoPath)

	text, err := c.complete(ctx, "enrichment", prompt)
	if err != nil {
		return nil, err
	}

	result := Parse[enrichment](text, ParseOptions{Context: "enrichment"})
	if !result.Success {
		return nil, fmt.Errorf("failed to parse enrichment response: %s", result.Error)
	}

	blob, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrichment: %w", err)
	}
	return blob, nil
}

// Plan turns analyzed context into a wave-grouped step list
func (c *Collaborator) Plan(ctx context.Context, storyContext json.RawMessage) ([]types.StepDescriptor, error) {
	prompt := buildPlanPrompt(storyContext)

	text, err := c.complete(ctx, "planning", prompt)
	if err != nil {
		return nil, err
	}

	result := Parse[[]types.StepDescriptor](text, ParseOptions{Context: "planning"})
	if !result.Success {
		return nil, fmt.Errorf("failed to parse plan response: %s", result.Error)
	}
	return normalizePlan(result.Data), nil
}

// replanResponse is the structured replanning result
type replanResponse struct {
	Reply        string                 `json:"reply"`
	StepsAdded   []types.StepDescriptor `json:"steps_added,omitempty"`
	StepsRemoved []string               `json:"steps_removed,omitempty"`
}

// Replan handles one conversational replanning turn against the
// current transcript
func (c *Collaborator) Replan(ctx context.Context, storyContext json.RawMessage, transcript []types.ChatMessage) (string, types.PlanDelta, error) {
	prompt := buildReplanPrompt(storyContext, transcript)

	text, err := c.complete(ctx, "replanning", prompt)
	if err != nil {
		return "", types.PlanDelta{}, err
	}

	result := Parse[replanResponse](text, ParseOptions{Context: "replanning"})
	if !result.Success {
		return "", types.PlanDelta{}, fmt.Errorf("failed to parse replan response: %s", result.Error)
	}

	delta := types.PlanDelta{
		StepsAdded:   normalizePlan(result.Data.StepsAdded),
		StepsRemoved: result.Data.StepsRemoved,
	}
	return result.Data.Reply, delta, nil
}

// complete sends one prompt and returns the concatenated text blocks
func (c *Collaborator) complete(ctx context.Context, operation, prompt string) (string, error) {
	var response *anthropic.Message
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: 4096,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// normalizePlan clamps wave numbers into a valid non-decreasing
// sequence starting at 1. Models occasionally emit wave 0 or a single
// out-of-order step; clamping is cheaper than a retry round trip.
func normalizePlan(descriptors []types.StepDescriptor) []types.StepDescriptor {
	prev := 1
	for i := range descriptors {
		if descriptors[i].Wave < prev {
			descriptors[i].Wave = prev
		}
		prev = descriptors[i].Wave
	}
	return descriptors
}

func buildEnrichPrompt(description, repoPath string) string {
	var b strings.Builder
	b.WriteString("You are analyzing a development task before planning begins.\n\n")
	fmt.Fprintf(&b, "Repository: %s\n\nTask description:\n%s\n\n", repoPath, description)
	b.WriteString(`Respond with a JSON object:
{
  "summary": "one-paragraph restatement of the task",
  "approach": "recommended implementation approach",
  "risks": ["risk 1", "..."],
  "files_likely": ["paths likely to change"]
}

Respond ONLY with the JSON object.`)
	return b.String()
}

func buildPlanPrompt(storyContext json.RawMessage) string {
	var b strings.Builder
	b.WriteString("You are planning a development task as an ordered list of agent steps.\n\n")
	fmt.Fprintf(&b, "Analyzed context:\n%s\n\n", string(storyContext))
	b.WriteString(`Group steps into waves: steps in the same wave are independent and may
run in parallel; a higher wave must wait for every lower wave. Wave
numbers start at 1 and must be non-decreasing in list order.

Respond with a JSON array:
[
  {
    "name": "short step name",
    "description": "what the agent should do",
    "capability": "code|review|test|deploy",
    "language": "go",
    "wave": 1,
    "input": {}
  }
]

Respond ONLY with the JSON array.`)
	return b.String()
}

func buildReplanPrompt(storyContext json.RawMessage, transcript []types.ChatMessage) string {
	var b strings.Builder
	b.WriteString("You are adjusting an in-flight development plan through conversation.\n\n")
	fmt.Fprintf(&b, "Analyzed context:\n%s\n\nConversation:\n", string(storyContext))
	for _, msg := range transcript {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Text)
	}
	b.WriteString(`
Rules: you may only remove steps that have not started, and added steps
are appended to the end of the plan, so their wave must not be lower
than the plan's current last wave.

Respond with a JSON object:
{
  "reply": "your response to the user",
  "steps_added": [ { "name": "...", "capability": "...", "wave": 2 } ],
  "steps_removed": ["step-id", "..."]
}

Leave steps_added and steps_removed empty when the user is only asking
questions. Respond ONLY with the JSON object.`)
	return b.String()
}
