package sqlite

// schema defines the story repository tables.
// Chat transcripts and opaque payloads are stored as JSON text: the
// core never queries inside them, so columns would buy nothing.
const schema = `
CREATE TABLE IF NOT EXISTS stories (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	repo_path        TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	workspace_path   TEXT NOT NULL DEFAULT '',
	branch_name      TEXT NOT NULL DEFAULT '',
	context          TEXT NOT NULL DEFAULT '',
	automation_mode  TEXT NOT NULL,
	source           TEXT NOT NULL,
	trigger_id       TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 2,
	chat             TEXT NOT NULL DEFAULT '[]',
	current_wave     INTEGER NOT NULL DEFAULT 0,
	gate_mode        TEXT NOT NULL DEFAULT 'none',
	last_gate_result TEXT NOT NULL DEFAULT '',
	max_parallel     INTEGER NOT NULL DEFAULT 1,
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
CREATE INDEX IF NOT EXISTS idx_stories_source ON stories(source);

CREATE TABLE IF NOT EXISTS steps (
	id              TEXT PRIMARY KEY,
	story_id        TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
	step_order      INTEGER NOT NULL,
	wave            INTEGER NOT NULL,
	capability      TEXT NOT NULL,
	language        TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	agent_id        TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	input           TEXT NOT NULL DEFAULT '',
	output          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	verdict         TEXT NOT NULL DEFAULT '',
	feedback        TEXT NOT NULL DEFAULT '',
	needs_rework    INTEGER NOT NULL DEFAULT 0,
	previous_output TEXT NOT NULL DEFAULT '',
	chat            TEXT NOT NULL DEFAULT '[]',
	agent_override  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_steps_story ON steps(story_id, step_order);
`
