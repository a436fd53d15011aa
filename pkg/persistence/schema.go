package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion tracks the audit schema for migration support.
const CurrentSchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS run_records (
	run_id       TEXT PRIMARY KEY,
	scenario_id  TEXT NOT NULL DEFAULT '',
	persona      TEXT NOT NULL DEFAULT '',
	request      TEXT NOT NULL DEFAULT '',
	route        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	valid_output INTEGER NOT NULL DEFAULT 0,
	output       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	latency_s    REAL NOT NULL DEFAULT 0,
	tokens       INTEGER NOT NULL DEFAULT 0,
	cost_usd     REAL NOT NULL DEFAULT 0,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL REFERENCES run_records(run_id) ON DELETE CASCADE,
	seq     INTEGER NOT NULL,
	phase   TEXT NOT NULL,
	status  TEXT NOT NULL,
	owners  TEXT NOT NULL DEFAULT '',
	at      TIMESTAMP NOT NULL,
	UNIQUE(run_id, seq)
);

CREATE TABLE IF NOT EXISTS route_decisions (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL REFERENCES run_records(run_id) ON DELETE CASCADE,
	route   TEXT NOT NULL,
	reason  TEXT NOT NULL DEFAULT '',
	scores  TEXT NOT NULL DEFAULT '{}',
	at      TIMESTAMP NOT NULL
);

-- tool_calls carries no foreign key: dispatches are recorded while the
-- run is still in flight, before its run_records row exists.
CREATE TABLE IF NOT EXISTS tool_calls (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	tool        TEXT NOT NULL,
	phase       TEXT NOT NULL DEFAULT '',
	session_id  TEXT NOT NULL DEFAULT '',
	instruction TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL DEFAULT 0,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id);
CREATE INDEX IF NOT EXISTS idx_route_decisions_run ON route_decisions(run_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id);
CREATE INDEX IF NOT EXISTS idx_run_records_status ON run_records(status);
`

// migrateSchema brings the database to CurrentSchemaVersion. The
// version lives in PRAGMA user_version; a fresh database reports 0.
func migrateSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}
	for next := version + 1; next <= CurrentSchemaVersion; next++ {
		if err := applyMigration(db, next); err != nil {
			return fmt.Errorf("migration to v%d: %w", next, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", next)); err != nil {
			return fmt.Errorf("set schema version %d: %w", next, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		_, err := db.Exec(schemaV1)
		return err
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
