// Package tracking is a local experiment tracking store. Experiments, runs,
// tags, params and metrics live in a SQLite database; every run owns an
// artifact directory next to it.
package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DBFile is the database file name under the store root.
	DBFile = "mlruns.db"

	// URIPrefix starts every run and trial locator.
	URIPrefix = "mlflow:///"
)

var (
	// ErrRunNotFound is returned for run IDs the store does not know.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunEnded is returned when a finished run is modified.
	ErrRunEnded = errors.New("run has ended")
)

// Status is the lifecycle state of a run.
type Status string

const (
	Running  Status = "RUNNING"
	Finished Status = "FINISHED"
	Failed   Status = "FAILED"
)

// Run is a snapshot of a tracked run.
type Run struct {
	ID             string
	ExperimentID   string
	ExperimentName string
	Description    string
	Status         Status
	StartTime      time.Time
	EndTime        time.Time
	Tags           map[string]string
	Params         map[string]string
	// Metrics holds the latest value of every metric.
	Metrics map[string]float64
}

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	description   TEXT NOT NULL,
	status        TEXT NOT NULL,
	start_time    INTEGER NOT NULL,
	end_time      INTEGER
);
CREATE TABLE IF NOT EXISTS tags (
	run_id TEXT NOT NULL REFERENCES runs(id),
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS params (
	run_id TEXT NOT NULL REFERENCES runs(id),
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS metrics (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	step      INTEGER NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_run ON metrics (run_id, key);
`

// Store is a tracking store rooted at a directory.
type Store struct {
	root string
	db   *sql.DB
	now  func() time.Time
}

// Open opens or creates the store at root.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tracking root: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(root, DBFile)+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize tracking schema: %w", err)
	}
	return &Store{root: root, db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// CreateExperiment returns the ID of the experiment called name, creating it
// if needed.
func (s *Store) CreateExperiment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("experiment name is required")
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM experiments WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = newID()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO experiments (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, s.now().UnixMilli()); err != nil {
		return "", fmt.Errorf("create experiment %q: %w", name, err)
	}
	return id, nil
}

// StartRun creates a run in the experiment and its artifact directory.
func (s *Store) StartRun(ctx context.Context, experimentID, description string) (*Run, error) {
	run := &Run{
		ID:           newID(),
		ExperimentID: experimentID,
		Description:  description,
		Status:       Running,
		StartTime:    time.UnixMilli(s.now().UnixMilli()),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment_id, description, status, start_time) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ExperimentID, run.Description, run.Status, run.StartTime.UnixMilli()); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if err := os.MkdirAll(s.ArtifactDir(run.ID), 0o755); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, run.ID)
}

// ArtifactDir is the directory the run's files are written to.
func (s *Store) ArtifactDir(runID string) string {
	return filepath.Join(s.root, "artifacts", runID)
}

// SetTags sets or overwrites run tags.
func (s *Store) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	return s.inTx(ctx, runID, func(tx *sql.Tx) error {
		for k, v := range tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tags (run_id, key, value) VALUES (?, ?, ?)
				 ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value`, runID, k, v); err != nil {
				return fmt.Errorf("set tag %q: %w", k, err)
			}
		}
		return nil
	})
}

// LogParams records run params. A param can be logged again only with the
// same value.
func (s *Store) LogParams(ctx context.Context, runID string, params map[string]string) error {
	return s.inTx(ctx, runID, func(tx *sql.Tx) error {
		for k, v := range params {
			var old string
			err := tx.QueryRowContext(ctx, `SELECT value FROM params WHERE run_id = ? AND key = ?`, runID, k).Scan(&old)
			switch {
			case err == nil:
				if old != v {
					return fmt.Errorf("param %q already logged as %q, got %q", k, old, v)
				}
				continue
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)`, runID, k, v); err != nil {
				return fmt.Errorf("log param %q: %w", k, err)
			}
		}
		return nil
	})
}

// LogMetrics appends metric values at step.
func (s *Store) LogMetrics(ctx context.Context, runID string, metrics map[string]float64, step int64) error {
	ts := s.now().UnixMilli()
	return s.inTx(ctx, runID, func(tx *sql.Tx) error {
		for k, v := range metrics {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("metric %q has non-finite value %v", k, v)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO metrics (run_id, key, value, step, timestamp) VALUES (?, ?, ?, ?, ?)`,
				runID, k, v, step, ts); err != nil {
				return fmt.Errorf("log metric %q: %w", k, err)
			}
		}
		return nil
	})
}

// EndRun sets the terminal status of a running run.
func (s *Store) EndRun(ctx context.Context, runID string, status Status) error {
	if status != Finished && status != Failed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	return s.inTx(ctx, runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ? WHERE id = ?`,
			status, s.now().UnixMilli(), runID)
		return err
	})
}

// inTx runs fn in a transaction after checking the run is still running.
func (s *Store) inTx(ctx context.Context, runID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return err
	}
	if status != Running {
		return fmt.Errorf("%w: %s is %s", ErrRunEnded, runID, status)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRun loads a run with its tags, params and latest metrics.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	run := &Run{ID: runID}
	var start int64
	var end sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT r.experiment_id, e.name, r.description, r.status, r.start_time, r.end_time
		 FROM runs r JOIN experiments e ON e.id = r.experiment_id WHERE r.id = ?`, runID).
		Scan(&run.ExperimentID, &run.ExperimentName, &run.Description, &run.Status, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	run.StartTime = time.UnixMilli(start)
	if end.Valid {
		run.EndTime = time.UnixMilli(end.Int64)
	}

	if run.Tags, err = s.strings(ctx, `SELECT key, value FROM tags WHERE run_id = ?`, runID); err != nil {
		return nil, err
	}
	if run.Params, err = s.strings(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM metrics WHERE run_id = ? ORDER BY step, timestamp, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	run.Metrics = map[string]float64{}
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		run.Metrics[k] = v
	}
	return run, rows.Err()
}

func (s *Store) strings(ctx context.Context, query string, args ...any) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
