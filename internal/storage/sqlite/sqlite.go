package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/skein-dev/skein/internal/types"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage backend
func New(path string) (*SQLiteStorage, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// WAL mode for better concurrency between the scheduler loop and
	// interactive callers
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateStory inserts a new story with version 1
func (s *SQLiteStorage) CreateStory(ctx context.Context, story *types.Story) error {
	if err := story.Validate(); err != nil {
		return types.WrapE(types.KindInvalidInput, err, "validation failed")
	}

	now := time.Now()
	story.CreatedAt = now
	story.UpdatedAt = now
	story.Version = 1

	chat, err := marshalChat(story.Chat)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (
			id, title, description, repo_path, status, workspace_path, branch_name,
			context, automation_mode, source, trigger_id, priority, chat,
			current_wave, gate_mode, last_gate_result, max_parallel, version,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.Title, story.Description, story.RepoPath, story.Status,
		story.WorkspacePath, story.BranchName, string(story.Context),
		story.AutomationMode, story.Source, story.TriggerID, story.Priority, chat,
		story.CurrentWave, story.GateMode, story.LastGateResult, story.MaxParallel,
		story.Version, story.CreatedAt, story.UpdatedAt, story.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert story: %w", err)
	}
	return nil
}

// SaveStory updates a story using optimistic concurrency: the update
// only succeeds if the stored version still matches the loaded one.
func (s *SQLiteStorage) SaveStory(ctx context.Context, story *types.Story) error {
	if err := story.Validate(); err != nil {
		return types.WrapE(types.KindInvalidInput, err, "validation failed")
	}

	chat, err := marshalChat(story.Chat)
	if err != nil {
		return err
	}

	story.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE stories SET
			title = ?, description = ?, repo_path = ?, status = ?,
			workspace_path = ?, branch_name = ?, context = ?,
			automation_mode = ?, source = ?, trigger_id = ?, priority = ?,
			chat = ?, current_wave = ?, gate_mode = ?, last_gate_result = ?,
			max_parallel = ?, version = version + 1, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		story.Title, story.Description, story.RepoPath, story.Status,
		story.WorkspacePath, story.BranchName, string(story.Context),
		story.AutomationMode, story.Source, story.TriggerID, story.Priority,
		chat, story.CurrentWave, story.GateMode, story.LastGateResult,
		story.MaxParallel, story.UpdatedAt, story.CompletedAt,
		story.ID, story.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update story: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		// Either the story is gone or someone saved a newer version
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stories WHERE id = ?", story.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check story existence: %w", err)
		}
		if exists == 0 {
			return types.E(types.KindNotFound, "story %s not found", story.ID)
		}
		return types.E(types.KindConflict, "story %s was modified concurrently (version %d is stale)", story.ID, story.Version)
	}

	story.Version++
	return nil
}

// GetStory loads a story by id
func (s *SQLiteStorage) GetStory(ctx context.Context, id string) (*types.Story, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, repo_path, status, workspace_path,
			branch_name, context, automation_mode, source, trigger_id, priority,
			chat, current_wave, gate_mode, last_gate_result, max_parallel,
			version, created_at, updated_at, completed_at
		FROM stories WHERE id = ?`, id)

	story, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "story %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story %s: %w", id, err)
	}
	if err := s.loadStepIDs(ctx, story); err != nil {
		return nil, err
	}
	return story, nil
}

// DeleteStory removes a story and, via cascade, its steps
func (s *SQLiteStorage) DeleteStory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM stories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return types.E(types.KindNotFound, "story %s not found", id)
	}
	return nil
}

// ListStories returns stories matching the filter, newest first
func (s *SQLiteStorage) ListStories(ctx context.Context, filter types.StoryFilter) ([]*types.Story, error) {
	query := `
		SELECT id, title, description, repo_path, status, workspace_path,
			branch_name, context, automation_mode, source, trigger_id, priority,
			chat, current_wave, gate_mode, last_gate_result, max_parallel,
			version, created_at, updated_at, completed_at
		FROM stories WHERE 1=1`
	var args []interface{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.Source != nil {
		query += " AND source = ?"
		args = append(args, *filter.Source)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stories []*types.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		stories = append(stories, story)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, story := range stories {
		if err := s.loadStepIDs(ctx, story); err != nil {
			return nil, err
		}
	}
	return stories, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStory(row rowScanner) (*types.Story, error) {
	var story types.Story
	var contextBlob, chat string
	var completedAt sql.NullTime

	err := row.Scan(
		&story.ID, &story.Title, &story.Description, &story.RepoPath,
		&story.Status, &story.WorkspacePath, &story.BranchName, &contextBlob,
		&story.AutomationMode, &story.Source, &story.TriggerID, &story.Priority,
		&chat, &story.CurrentWave, &story.GateMode, &story.LastGateResult,
		&story.MaxParallel, &story.Version, &story.CreatedAt, &story.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if contextBlob != "" {
		story.Context = json.RawMessage(contextBlob)
	}
	if completedAt.Valid {
		story.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(chat), &story.Chat); err != nil {
		return nil, fmt.Errorf("corrupt chat transcript: %w", err)
	}
	return &story, nil
}

func (s *SQLiteStorage) loadStepIDs(ctx context.Context, story *types.Story) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM steps WHERE story_id = ? ORDER BY step_order", story.ID)
	if err != nil {
		return fmt.Errorf("failed to load step ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	story.StepIDs = ids
	return rows.Err()
}

func marshalChat(chat []types.ChatMessage) (string, error) {
	if chat == nil {
		chat = []types.ChatMessage{}
	}
	data, err := json.Marshal(chat)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat transcript: %w", err)
	}
	return string(data), nil
}
