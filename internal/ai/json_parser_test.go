package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/types"
)

type payload struct {
	Name string `json:"name"`
	Wave int    `json:"wave"`
}

func TestParseDirect(t *testing.T) {
	result := Parse[payload](`{"name":"build","wave":1}`)
	require.True(t, result.Success)
	assert.Equal(t, "build", result.Data.Name)
	assert.Equal(t, 1, result.Data.Wave)
}

func TestParseCodeFences(t *testing.T) {
	cases := []string{
		"```json\n{\"name\":\"build\",\"wave\":1}\n```",
		"```\n{\"name\":\"build\",\"wave\":1}\n```",
		"`{\"name\":\"build\",\"wave\":1}`",
	}
	for _, input := range cases {
		result := Parse[payload](input)
		require.True(t, result.Success, "input: %s", input)
		assert.Equal(t, "build", result.Data.Name)
	}
}

func TestParseTrailingComma(t *testing.T) {
	result := Parse[payload](`{"name":"build","wave":1,}`)
	require.True(t, result.Success)
	assert.Equal(t, "build", result.Data.Name)
}

func TestParseMixedContent(t *testing.T) {
	input := `Here is the plan you asked for:

{"name":"build","wave":2}

Let me know if you want changes.`
	result := Parse[payload](input)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.Data.Wave)
}

func TestParseArrayNotTruncated(t *testing.T) {
	input := `[{"name":"a","wave":1},{"name":"b","wave":2}]`
	result := Parse[[]payload](input)
	require.True(t, result.Success)
	require.Len(t, result.Data, 2)
	assert.Equal(t, "b", result.Data[1].Name)
}

func TestParseFailure(t *testing.T) {
	result := Parse[payload]("not json at all", ParseOptions{Context: "planning"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "planning")

	empty := Parse[payload]("   ")
	require.False(t, empty.Success)
}

func TestNormalizePlanClampsWaves(t *testing.T) {
	plan := normalizePlan([]types.StepDescriptor{
		{Name: "a", Capability: "code", Wave: 0},
		{Name: "b", Capability: "code", Wave: 2},
		{Name: "c", Capability: "code", Wave: 1},
	})
	assert.Equal(t, 1, plan[0].Wave)
	assert.Equal(t, 2, plan[1].Wave)
	assert.Equal(t, 2, plan[2].Wave)
}

func TestBuildReplanPromptIncludesTranscript(t *testing.T) {
	prompt := buildReplanPrompt(nil, []types.ChatMessage{
		{Role: "user", Text: "drop the review step"},
		{Role: "assistant", Text: "done"},
	})
	assert.Contains(t, prompt, "[user] drop the review step")
	assert.Contains(t, prompt, "[assistant] done")
	assert.Contains(t, prompt, "steps_removed")
}
