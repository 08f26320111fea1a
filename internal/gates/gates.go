// Package gates decides whether a story may advance past a completed
// wave. The confirmation protocol is deliberately pluggable: the data
// model references GateMode and GateResult, but who supplies the
// "proceed" signal (a human, an automated verification pass, or both)
// is a policy choice injected by the caller.
package gates

import (
	"context"
	"fmt"
	"sync"

	"github.com/skein-dev/skein/internal/types"
)

// Decision is the outcome of a gate evaluation
type Decision string

const (
	// Proceed allows the wave to advance immediately
	Proceed Decision = "proceed"
	// Hold keeps the story parked until a confirmation signal arrives
	Hold Decision = "hold"
	// Abort halts the story
	Abort Decision = "abort"
)

// WaveResult summarizes a completed wave for gate evaluation
type WaveResult struct {
	StoryID   string
	Wave      int
	Completed int
	Skipped   int
	Failed    int
}

// Policy evaluates whether a finished wave may advance
type Policy interface {
	EvaluateGate(ctx context.Context, result WaveResult) (Decision, error)
}

// AutoPolicy proceeds unconditionally; it backs GateModeNone
type AutoPolicy struct{}

// EvaluateGate always proceeds
func (AutoPolicy) EvaluateGate(ctx context.Context, result WaveResult) (Decision, error) {
	return Proceed, nil
}

// ConfirmPolicy holds every wave until an external confirmation signal
// arrives for that story/wave pair; it backs GateModePerWave. Confirm
// is the "proceed" signal supplied by the caller (typically a human
// action through the CLI).
type ConfirmPolicy struct {
	mu        sync.Mutex
	confirmed map[string]Decision // storyID/wave -> decision
}

// NewConfirmPolicy creates a confirmation-backed gate policy
func NewConfirmPolicy() *ConfirmPolicy {
	return &ConfirmPolicy{
		confirmed: make(map[string]Decision),
	}
}

// Confirm records the proceed signal for a story's wave
func (p *ConfirmPolicy) Confirm(storyID string, wave int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed[waveKey(storyID, wave)] = Proceed
}

// Deny records an abort signal for a story's wave
func (p *ConfirmPolicy) Deny(storyID string, wave int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed[waveKey(storyID, wave)] = Abort
}

// EvaluateGate holds until the story's wave has been confirmed or
// denied. The recorded signal is consumed: a later wave needs its own
// confirmation.
func (p *ConfirmPolicy) EvaluateGate(ctx context.Context, result WaveResult) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := waveKey(result.StoryID, result.Wave)
	decision, ok := p.confirmed[key]
	if !ok {
		return Hold, nil
	}
	delete(p.confirmed, key)
	return decision, nil
}

// ForMode returns the default policy wiring for a gate mode. PerStep
// stories gate at the step level through approval verdicts, so their
// wave gate is automatic.
func ForMode(mode types.GateMode, confirm *ConfirmPolicy) (Policy, error) {
	switch mode {
	case types.GateModeNone, types.GateModePerStep:
		return AutoPolicy{}, nil
	case types.GateModePerWave:
		if confirm == nil {
			return nil, fmt.Errorf("per_wave gate mode requires a confirm policy")
		}
		return confirm, nil
	default:
		return nil, fmt.Errorf("unknown gate mode: %s", mode)
	}
}

func waveKey(storyID string, wave int) string {
	return fmt.Sprintf("%s/%d", storyID, wave)
}
