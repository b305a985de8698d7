package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA cache_size = -64000;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT PRIMARY KEY,
    agent_type    TEXT NOT NULL,
    project_path  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT '',
    started_at    TEXT NOT NULL DEFAULT '',
    last_activity TEXT NOT NULL DEFAULT '',
    file_path     TEXT NOT NULL DEFAULT '',
    file_offset   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS steps (
    session_id TEXT NOT NULL,
    step_num   INTEGER NOT NULL,
    ts         TEXT NOT NULL DEFAULT '',
    step_type  TEXT NOT NULL,
    tool_name  TEXT NOT NULL DEFAULT '',
    text       TEXT NOT NULL,
    PRIMARY KEY (session_id, step_num)
);

CREATE VIRTUAL TABLE IF NOT EXISTS steps_fts USING fts5(
    text,
    content=steps,
    content_rowid=rowid,
    tokenize='unicode61'
);

-- triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS steps_ai AFTER INSERT ON steps BEGIN
    INSERT INTO steps_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS steps_ad AFTER DELETE ON steps BEGIN
    INSERT INTO steps_fts(steps_fts, rowid, text) VALUES('delete', old.rowid, old.text);
END;

CREATE TRIGGER IF NOT EXISTS steps_au AFTER UPDATE ON steps BEGIN
    INSERT INTO steps_fts(steps_fts, rowid, text) VALUES('delete', old.rowid, old.text);
    INSERT INTO steps_fts(rowid, text) VALUES (new.rowid, new.text);
END;
`

type DB struct {
	db *sql.DB
}

func OpenDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	// schema version tracking for forced re-index
	db.Exec("CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT)")
	d := &DB{db: db}
	d.migrateSchemaVersion()

	return d, nil
}

// schemaVersion should be bumped whenever step indexing logic changes to
// force a full re-index.
const schemaVersion = "1"

func (d *DB) migrateSchemaVersion() {
	var ver string
	err := d.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&ver)
	if err != nil || ver != schemaVersion {
		// force re-index by resetting every indexed offset
		d.db.Exec("UPDATE sessions SET file_offset = -1")
		d.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
	}
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Raw() *sql.DB {
	return d.db
}

// IndexedState is the change signal stored per session: a session is
// re-indexed when its stored offset or last activity moved.
type IndexedState struct {
	LastActivity string
	FileOffset   int64
}

func (d *DB) GetIndexedState(sessionID string) (*IndexedState, error) {
	var st IndexedState
	err := d.db.QueryRow(
		"SELECT last_activity, file_offset FROM sessions WHERE session_id = ?",
		sessionID,
	).Scan(&st.LastActivity, &st.FileOffset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (d *DB) AllSessionIDs() (map[string]struct{}, error) {
	rows, err := d.db.Query("SELECT session_id FROM sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (d *DB) DeleteSession(sessionID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM steps WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) SessionCount() (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n)
	return n, err
}

func (d *DB) StepCount() (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM steps").Scan(&n)
	return n, err
}

type SessionRow struct {
	SessionID    string
	AgentType    string
	ProjectPath  string
	Status       string
	StartedAt    string
	LastActivity string
	FilePath     string
}

func (d *DB) GetSessionByID(sessionID string) (*SessionRow, error) {
	var s SessionRow
	err := d.db.QueryRow(
		"SELECT session_id, agent_type, project_path, status, started_at, last_activity, file_path FROM sessions WHERE session_id = ?",
		sessionID,
	).Scan(&s.SessionID, &s.AgentType, &s.ProjectPath, &s.Status, &s.StartedAt, &s.LastActivity, &s.FilePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type StepRow struct {
	SessionID string
	StepNum   int
	Ts        string
	StepType  string
	ToolName  string
	Text      string
}

func (d *DB) GetSteps(sessionID string) ([]StepRow, error) {
	rows, err := d.db.Query(
		"SELECT session_id, step_num, ts, step_type, tool_name, text FROM steps WHERE session_id = ? ORDER BY step_num",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRow
	for rows.Next() {
		var s StepRow
		if err := rows.Scan(&s.SessionID, &s.StepNum, &s.Ts, &s.StepType, &s.ToolName, &s.Text); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// GetStepsWindow returns a window of steps around a hit step, loading only
// the needed rows. startPos is the number of steps before the window;
// totalCount is the session's total step count.
func (d *DB) GetStepsWindow(sessionID string, hitStepNum, context int) (steps []StepRow, hitIdx int, startPos int, totalCount int, err error) {
	err = d.db.QueryRow(
		"SELECT COUNT(*) FROM steps WHERE session_id = ?", sessionID,
	).Scan(&totalCount)
	if err != nil {
		return nil, -1, 0, 0, err
	}

	hitPos := -1
	if hitStepNum >= 0 {
		err = d.db.QueryRow(`
			SELECT pos FROM (
				SELECT step_num, ROW_NUMBER() OVER (ORDER BY step_num) - 1 AS pos
				FROM steps WHERE session_id = ?
			) WHERE step_num = ?`,
			sessionID, hitStepNum,
		).Scan(&hitPos)
		if err == sql.ErrNoRows {
			hitPos = -1
			err = nil
		} else if err != nil {
			return nil, -1, 0, 0, err
		}
	}

	startPos = 0
	limit := totalCount
	if hitPos >= 0 {
		startPos = hitPos - context
		if startPos < 0 {
			startPos = 0
		}
		endPos := hitPos + context + 1
		if endPos > totalCount {
			endPos = totalCount
		}
		limit = endPos - startPos
	}

	rows, err := d.db.Query(
		"SELECT session_id, step_num, ts, step_type, tool_name, text FROM steps WHERE session_id = ? ORDER BY step_num LIMIT ? OFFSET ?",
		sessionID, limit, startPos,
	)
	if err != nil {
		return nil, -1, 0, 0, err
	}
	defer rows.Close()

	var result []StepRow
	localHitIdx := -1
	for rows.Next() {
		var s StepRow
		if err := rows.Scan(&s.SessionID, &s.StepNum, &s.Ts, &s.StepType, &s.ToolName, &s.Text); err != nil {
			return nil, -1, 0, 0, err
		}
		if s.StepNum == hitStepNum {
			localHitIdx = len(result)
		}
		result = append(result, s)
	}
	return result, localHitIdx, startPos, totalCount, rows.Err()
}
