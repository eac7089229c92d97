package store

// migration is one versioned schema change. The runner records the version
// in schema_version after the SQL succeeds.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	misses     INTEGER NOT NULL DEFAULT 0,
	first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS units (
	id              TEXT PRIMARY KEY,
	message_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	source_filename TEXT NOT NULL DEFAULT '',
	dir             TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_units_message_id ON units(message_id);
CREATE INDEX IF NOT EXISTS idx_units_created_at ON units(created_at);

CREATE TABLE IF NOT EXISTS outcomes (
	unit_id     TEXT NOT NULL REFERENCES units(id) ON DELETE CASCADE,
	task        TEXT NOT NULL,
	position    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL CHECK(status IN ('success', 'failed', 'timeout', 'error')),
	detail      TEXT NOT NULL DEFAULT '',
	exit_code   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (unit_id, task)
);
`,
	},
}
