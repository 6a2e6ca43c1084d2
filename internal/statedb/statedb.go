package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStorage)

// StateDB persists session records and the process registry ledger in
// SQLite. Safe for concurrent use; WAL mode lets a second ptydeck process
// (for example "ptydeck list") read while serve is writing.
type StateDB struct {
	db *sql.DB
}

// SessionRow is one persisted session record.
type SessionRow struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	WorkingDir       string    `json:"working_dir"`
	ProjectPath      string    `json:"project_path,omitempty"`
	Mode             string    `json:"mode"` // "shell" or "agent"
	SkipConfirmation bool      `json:"skip_confirmation"`
	ExternalToken    string    `json:"external_token,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

// Open creates or opens the database at path.
func Open(path string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the first one.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	return &StateDB{db: db}, nil
}

// OpenAndMigrate is Open followed by Migrate.
func OpenAndMigrate(path string) (*StateDB, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, name, working_dir, project_path, mode, skip_confirmation,
	external_token, created_at, last_active_at`

// SaveSessions replaces the stored session set with rows. Rows missing from
// the slice are deleted so closed sessions do not come back on reload.
func (s *StateDB) SaveSessions(rows []SessionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin save sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(rows) == 0 {
		if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
			return fmt.Errorf("statedb: clear sessions: %w", err)
		}
	} else {
		marks := make([]string, len(rows))
		args := make([]any, len(rows))
		for i, r := range rows {
			marks[i] = "?"
			args[i] = r.ID
		}
		query := "DELETE FROM sessions WHERE id NOT IN (" + strings.Join(marks, ",") + ")"
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("statedb: prune sessions: %w", err)
		}
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("statedb: prepare session upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(sessionArgs(r)...); err != nil {
			return fmt.Errorf("statedb: upsert session %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// SaveSession upserts a single record.
func (s *StateDB) SaveSession(r SessionRow) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, sessionArgs(r)...)
	if err != nil {
		return fmt.Errorf("statedb: upsert session %s: %w", r.ID, err)
	}
	return nil
}

func sessionArgs(r SessionRow) []any {
	skip := 0
	if r.SkipConfirmation {
		skip = 1
	}
	var lastActive int64
	if !r.LastActiveAt.IsZero() {
		lastActive = r.LastActiveAt.Unix()
	}
	return []any{
		r.ID, r.Name, r.WorkingDir, r.ProjectPath, r.Mode, skip,
		r.ExternalToken, r.CreatedAt.Unix(), lastActive,
	}
}

// LoadSessions returns every stored record, most recently active first.
func (s *StateDB) LoadSessions() ([]SessionRow, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + `
		FROM sessions ORDER BY last_active_at DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var skip int
		var created, lastActive int64
		if err := rows.Scan(
			&r.ID, &r.Name, &r.WorkingDir, &r.ProjectPath, &r.Mode, &skip,
			&r.ExternalToken, &created, &lastActive,
		); err != nil {
			return nil, fmt.Errorf("statedb: scan session: %w", err)
		}
		r.SkipConfirmation = skip != 0
		r.CreatedAt = time.Unix(created, 0)
		if lastActive > 0 {
			r.LastActiveAt = time.Unix(lastActive, 0)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes a record by id. Deleting a missing id is not an error.
func (s *StateDB) DeleteSession(id string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("statedb: delete session %s: %w", id, err)
	}
	return nil
}

// TouchSession updates last_active_at.
func (s *StateDB) TouchSession(id string, at time.Time) error {
	if _, err := s.db.Exec("UPDATE sessions SET last_active_at = ? WHERE id = ?", at.Unix(), id); err != nil {
		return fmt.Errorf("statedb: touch session %s: %w", id, err)
	}
	return nil
}

// SetSessionToken records the external conversation token for id.
func (s *StateDB) SetSessionToken(id, token string) error {
	if _, err := s.db.Exec("UPDATE sessions SET external_token = ? WHERE id = ?", token, id); err != nil {
		return fmt.Errorf("statedb: set token %s: %w", id, err)
	}
	return nil
}

// --- Process registry ledger ---

// PutProcess records a live process group.
func (s *StateDB) PutProcess(pgid int, registeredAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO process_registry (pgid, registered_at) VALUES (?, ?)",
		pgid, registeredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("statedb: put process %d: %w", pgid, err)
	}
	return nil
}

// DeleteProcess removes a process group. Missing rows are ignored.
func (s *StateDB) DeleteProcess(pgid int) error {
	if _, err := s.db.Exec("DELETE FROM process_registry WHERE pgid = ?", pgid); err != nil {
		return fmt.Errorf("statedb: delete process %d: %w", pgid, err)
	}
	return nil
}

// LoadProcesses returns every recorded process group and when it was registered.
func (s *StateDB) LoadProcesses() (map[int]time.Time, error) {
	rows, err := s.db.Query("SELECT pgid, registered_at FROM process_registry")
	if err != nil {
		return nil, fmt.Errorf("statedb: load processes: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var pgid int
		var at int64
		if err := rows.Scan(&pgid, &at); err != nil {
			return nil, fmt.Errorf("statedb: scan process: %w", err)
		}
		out[pgid] = time.Unix(0, at)
	}
	return out, rows.Err()
}

// --- Metadata ---

// SetMeta stores a key/value pair.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns the value for key, or "" when unset.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SchemaVersionInDB reads the recorded schema version (0 for a fresh file).
func (s *StateDB) SchemaVersionInDB() (int, error) {
	v, err := s.GetMeta("schema_version")
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}
