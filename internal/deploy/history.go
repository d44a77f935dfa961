package deploy

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// History actions
const (
	ActionDeploy   = "deploy"
	ActionRollback = "rollback"
	ActionStop     = "stop"
)

// Status of a history entry before the deployment finishes.
const StatusSubmitted = "submitted"

// Entry is one deploy, rollback or stop.
type Entry struct {
	ID          int64      `json:"id"`
	Environment string     `json:"environment"`
	Job         string     `json:"job"`
	Image       string     `json:"image"`
	JobVersion  *uint64    `json:"job_version,omitempty"`
	EvalID      string     `json:"eval_id"`
	Action      string     `json:"action"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// History is the operator's local record of deploys.
type History struct {
	db *sql.DB
}

// DefaultHistoryPath is ~/.agentctl/history.db.
func DefaultHistoryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentctl", "history.db"), nil
}

// OpenHistory opens or creates the history database at path.
func OpenHistory(path string) (*History, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
	CREATE TABLE IF NOT EXISTS deploys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		environment TEXT NOT NULL,
		job TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		job_version INTEGER,
		eval_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_deploys_env_started ON deploys(environment, started_at);
	`)
	return err
}

// Record inserts e and returns its id. Status defaults to submitted and
// StartedAt to now.
func (h *History) Record(ctx context.Context, e Entry) (int64, error) {
	if e.Status == "" {
		e.Status = StatusSubmitted
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	res, err := h.db.ExecContext(ctx, `
		INSERT INTO deploys (environment, job, image, job_version, eval_id, action, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Environment, e.Job, e.Image, nullVersion(e.JobVersion), e.EvalID, e.Action, e.Status, e.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("record deploy: %w", err)
	}
	return res.LastInsertId()
}

// Finish sets the final status, and the job version when known.
func (h *History) Finish(ctx context.Context, id int64, status string, jobVersion *uint64) error {
	res, err := h.db.ExecContext(ctx, `
		UPDATE deploys SET status = ?, job_version = COALESCE(?, job_version), finished_at = ?
		WHERE id = ?
	`, status, nullVersion(jobVersion), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish deploy %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish deploy %d: no such entry", id)
	}
	return nil
}

// List returns the newest entries first, for one environment or all when
// env is empty.
func (h *History) List(ctx context.Context, env string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, environment, job, image, job_version, eval_id, action, status, started_at, finished_at
		FROM deploys
		WHERE (? = '' OR environment = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, env, env, limit)
	if err != nil {
		return nil, fmt.Errorf("list deploys: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var version sql.NullInt64
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.Environment, &e.Job, &e.Image, &version, &e.EvalID,
			&e.Action, &e.Status, &e.StartedAt, &finished); err != nil {
			return nil, err
		}
		if version.Valid {
			v := uint64(version.Int64)
			e.JobVersion = &v
		}
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

func nullVersion(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
