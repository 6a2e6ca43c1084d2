package statedb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
)

// SchemaVersion is the version Migrate brings a database up to.
const SchemaVersion = 2

type migration struct {
	version int
	stmts   []string
}

// Each step is applied once, in order, inside the Migrate transaction.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id             TEXT PRIMARY KEY,
				name           TEXT NOT NULL,
				working_dir    TEXT NOT NULL,
				mode           TEXT NOT NULL DEFAULT 'shell',
				external_token TEXT NOT NULL DEFAULT '',
				created_at     INTEGER NOT NULL,
				last_active_at INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS process_registry (
				pgid          INTEGER PRIMARY KEY,
				registered_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`ALTER TABLE sessions ADD COLUMN project_path TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE sessions ADD COLUMN skip_confirmation INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// Migrate creates the schema and applies pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current, err := readVersion(tx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statedb: migration %d: %w", m.version, err)
			}
		}
		storeLog.Info("schema_migrated", slog.Int("version", m.version))
		current = m.version
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(current),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}

func readVersion(tx *sql.Tx) (int, error) {
	var v string
	err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("statedb: read schema version: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("statedb: bad schema version %q: %w", v, err)
	}
	return n, nil
}
