package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skein-dev/skein/internal/types"
)

const stepColumns = `id, story_id, step_order, wave, capability, language,
	name, description, status, agent_id, attempts, input, output, error,
	verdict, feedback, needs_rework, previous_output, chat, agent_override`

// CreateSteps inserts a batch of steps in a single transaction
func (s *SQLiteStorage) CreateSteps(ctx context.Context, steps []*types.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range steps {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, step *types.Step) error {
	if err := step.Validate(); err != nil {
		return types.WrapE(types.KindInvalidInput, err, "validation failed")
	}

	chat, err := marshalChat(step.Chat)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.StoryID, step.Order, step.Wave, step.Capability,
		step.Language, step.Name, step.Description, step.Status, step.AgentID,
		step.Attempts, string(step.Input), string(step.Output), step.Error,
		step.Verdict, step.Feedback, boolToInt(step.NeedsRework),
		string(step.PreviousOutput), chat, step.AgentOverride,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %s: %w", step.ID, err)
	}
	return nil
}

// SaveStep updates a step in place. Steps carry no version column: the
// orchestrator serializes all mutation per story, so step writes never
// race each other.
func (s *SQLiteStorage) SaveStep(ctx context.Context, step *types.Step) error {
	if err := step.Validate(); err != nil {
		return types.WrapE(types.KindInvalidInput, err, "validation failed")
	}

	chat, err := marshalChat(step.Chat)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET
			step_order = ?, wave = ?, capability = ?, language = ?, name = ?,
			description = ?, status = ?, agent_id = ?, attempts = ?, input = ?,
			output = ?, error = ?, verdict = ?, feedback = ?, needs_rework = ?,
			previous_output = ?, chat = ?, agent_override = ?
		WHERE id = ?`,
		step.Order, step.Wave, step.Capability, step.Language, step.Name,
		step.Description, step.Status, step.AgentID, step.Attempts,
		string(step.Input), string(step.Output), step.Error, step.Verdict,
		step.Feedback, boolToInt(step.NeedsRework), string(step.PreviousOutput),
		chat, step.AgentOverride, step.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return types.E(types.KindNotFound, "step %s not found", step.ID)
	}
	return nil
}

// GetStep loads a step by id
func (s *SQLiteStorage) GetStep(ctx context.Context, id string) (*types.Step, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE id = ?", id)

	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "step %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step %s: %w", id, err)
	}
	return step, nil
}

// GetSteps returns all steps of a story ordered by plan position
func (s *SQLiteStorage) GetSteps(ctx context.Context, storyID string) ([]*types.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE story_id = ? ORDER BY step_order", storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*types.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ApplyPlanDelta atomically appends and removes steps for a story.
// Either the whole delta lands or none of it does.
func (s *SQLiteStorage) ApplyPlanDelta(ctx context.Context, storyID string, added []*types.Step, removedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range removedIDs {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM steps WHERE id = ? AND story_id = ?", id, storyID)
		if err != nil {
			return fmt.Errorf("failed to remove step %s: %w", id, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check removal result: %w", err)
		}
		if rows == 0 {
			return types.E(types.KindNotFound, "step %s not found in story %s", id, storyID)
		}
	}

	for _, step := range added {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan delta: %w", err)
	}
	return nil
}

func scanStep(row rowScanner) (*types.Step, error) {
	var step types.Step
	var input, output, previousOutput, chat string
	var needsRework int

	err := row.Scan(
		&step.ID, &step.StoryID, &step.Order, &step.Wave, &step.Capability,
		&step.Language, &step.Name, &step.Description, &step.Status,
		&step.AgentID, &step.Attempts, &input, &output, &step.Error,
		&step.Verdict, &step.Feedback, &needsRework, &previousOutput,
		&chat, &step.AgentOverride,
	)
	if err != nil {
		return nil, err
	}

	if input != "" {
		step.Input = json.RawMessage(input)
	}
	if output != "" {
		step.Output = json.RawMessage(output)
	}
	if previousOutput != "" {
		step.PreviousOutput = json.RawMessage(previousOutput)
	}
	step.NeedsRework = needsRework != 0
	if err := json.Unmarshal([]byte(chat), &step.Chat); err != nil {
		return nil, fmt.Errorf("corrupt step chat transcript: %w", err)
	}
	return &step, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
