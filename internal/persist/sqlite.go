package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	kind   TEXT    NOT NULL,
	record TEXT    NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// SQLiteStore persists runs in a SQLite database. The driver is cgo-free,
// so the store works anywhere the binary does.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) a store at the given path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, runID string, steps []models.Step) error {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		runID, now.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("clear steps for %s: %w", runID, err)
	}

	for i, step := range steps {
		data, err := MarshalStep(step, now)
		if err != nil {
			return &InvalidRecordError{Index: i, Reason: err.Error()}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO steps (run_id, seq, kind, record) VALUES (?, ?, ?, ?)",
			runID, i, string(step.Kind()), string(data),
		); err != nil {
			return fmt.Errorf("save step %d of %s: %w", i, runID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) ([]models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT record FROM steps WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		step, err := UnmarshalStep([]byte(record))
		if err != nil {
			return nil, &InvalidRecordError{Index: len(steps), Reason: err.Error()}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err := ValidateSequence(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created_at FROM runs ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []RunInfo
	for rows.Next() {
		var id, stamp string
		if err := rows.Scan(&id, &stamp); err != nil {
			return nil, err
		}
		createdAt, err := parseStamp(stamp)
		if err != nil {
			return nil, fmt.Errorf("bad created_at for run %s: %w", id, err)
		}
		infos = append(infos, RunInfo{ID: id, CreatedAt: createdAt})
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", runID)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
