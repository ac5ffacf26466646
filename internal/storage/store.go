package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS test_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	llm_provider TEXT NOT NULL,
	llm_model TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	error_message TEXT,
	progress INTEGER NOT NULL DEFAULT 0,
	total_steps INTEGER NOT NULL DEFAULT 100,
	current_step TEXT
);

CREATE TABLE IF NOT EXISTS dom_analysis (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES test_tasks(id),
	hover_elements TEXT,
	popup_elements TEXT,
	page_structure TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS generated_features (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES test_tasks(id),
	feature_type TEXT NOT NULL,
	feature_content TEXT NOT NULL,
	file_path TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES test_tasks(id),
	log_level TEXT NOT NULL,
	message TEXT NOT NULL,
	details TEXT,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_features_task ON generated_features(task_id);
CREATE INDEX IF NOT EXISTS idx_logs_task ON execution_logs(task_id);
`

// Store persists runs and their artifacts in SQLite. It is safe for
// concurrent use by multiple runs.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, log: log.Named("store"), now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a pending run and returns its id.
func (s *Store) CreateRun(ctx context.Context, url, provider, model string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO test_tasks (url, status, llm_provider, llm_model, created_at) VALUES (?, ?, ?, ?, ?)`,
		url, StatusPending, provider, model, s.stamp())
	if err != nil {
		return 0, fmt.Errorf("failed to create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	s.log.Debug("run created", zap.Int64("run_id", id), zap.String("url", url))
	return id, nil
}

// UpdateRunStatus records the latest status and step. Stored progress never
// decreases while a run is live; a failed update writes Progress as given so
// the row matches the last completed step. started_at is set on the first running update, completed_at on
// a terminal status. An empty Error leaves any stored message in place.
func (s *Store) UpdateRunStatus(ctx context.Context, id int64, u StatusUpdate) error {
	now := s.stamp()
	var started, completed any
	if u.Status == StatusRunning {
		started = now
	}
	if u.Status == StatusCompleted || u.Status == StatusFailed {
		completed = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_tasks SET
			status = ?,
			progress = CASE WHEN ? THEN ? ELSE MAX(progress, ?) END,
			current_step = ?,
			error_message = COALESCE(NULLIF(?, ''), error_message),
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		u.Status, u.Status == StatusFailed, u.Progress, u.Progress, u.CurrentStep, u.Error, started, completed, id)
	if err != nil {
		return fmt.Errorf("failed to update run %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

// SaveAnalysis stores the discovery result blobs for a run.
func (s *Store) SaveAnalysis(ctx context.Context, id int64, a Analysis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dom_analysis (task_id, hover_elements, popup_elements, page_structure, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(a.HoverElements), string(a.PopupElements), string(a.PageStructure), s.stamp())
	if err != nil {
		return fmt.Errorf("failed to save analysis for run %d: %w", id, err)
	}
	return nil
}

// SaveFeature stores generated feature text and where it was written.
func (s *Store) SaveFeature(ctx context.Context, id int64, featureType, content, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generated_features (task_id, feature_type, feature_content, file_path, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, featureType, content, path, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to save %s feature for run %d: %w", featureType, id, err)
	}
	return nil
}

// AddLog appends one entry to the run's execution log.
func (s *Store) AddLog(ctx context.Context, id int64, level, message string, details map[string]any) error {
	var raw any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
		raw = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (task_id, log_level, message, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		id, level, message, raw, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to add log for run %d: %w", id, err)
	}
	return nil
}

const runColumns = `id, url, status, llm_provider, llm_model, created_at, started_at, completed_at, error_message, progress, current_step`

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_tasks WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run %d: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM test_tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetAnalysis returns the latest discovery blobs for a run.
func (s *Store) GetAnalysis(ctx context.Context, id int64) (Analysis, error) {
	var hover, popup, structure sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT hover_elements, popup_elements, page_structure FROM dom_analysis WHERE task_id = ? ORDER BY id DESC LIMIT 1`, id).
		Scan(&hover, &popup, &structure)
	if errors.Is(err, sql.ErrNoRows) {
		return Analysis{}, fmt.Errorf("analysis for run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to load analysis for run %d: %w", id, err)
	}
	return Analysis{
		HoverElements: rawJSON(hover),
		PopupElements: rawJSON(popup),
		PageStructure: rawJSON(structure),
	}, nil
}

// GetFeatures returns a run's features in creation order.
func (s *Store) GetFeatures(ctx context.Context, id int64) ([]Feature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, feature_type, feature_content, file_path, created_at FROM generated_features WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load features for run %d: %w", id, err)
	}
	defer rows.Close()

	features := []Feature{}
	for rows.Next() {
		var f Feature
		var path sql.NullString
		var created string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Type, &f.Content, &path, &created); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		f.FilePath = path.String
		f.CreatedAt = parseStamp(created)
		features = append(features, f)
	}
	return features, rows.Err()
}

// GetLogs returns a run's log entries oldest first.
func (s *Store) GetLogs(ctx context.Context, id int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, log_level, message, details, timestamp FROM execution_logs WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for run %d: %w", id, err)
	}
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		var details sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Details = rawJSON(details)
		e.Timestamp = parseStamp(ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var created string
	var started, completed, errMsg, step sql.NullString
	if err := sc.Scan(&r.ID, &r.URL, &r.Status, &r.LLMProvider, &r.LLMModel,
		&created, &started, &completed, &errMsg, &r.Progress, &step); err != nil {
		return Run{}, err
	}
	r.CreatedAt = parseStamp(created)
	if started.Valid {
		t := parseStamp(started.String)
		r.StartedAt = &t
	}
	if completed.Valid {
		t := parseStamp(completed.String)
		r.CompletedAt = &t
	}
	r.ErrorMessage = errMsg.String
	r.CurrentStep = step.String
	return r, nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseStamp(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}
