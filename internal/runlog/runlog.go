package runlog

import (
	_ "github.com/mattn/go-sqlite3"

	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	// several goroutines report into the same ledger
	sync "github.com/sasha-s/go-deadlock"
)

// Ledger records training runs and their checkpoints in a SQLite database
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Run is one training invocation
type Run struct {
	ID        string
	StartedAt time.Time
	Config    map[string]string
}

// Checkpoint is one saved and evaluated model
type Checkpoint struct {
	RunID     string
	Step      int
	Path      string
	AvgLoss   float64
	Metrics   []float64
	CreatedAt time.Time
}

// Open opens (creating if needed) the ledger database at path
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %v", path, err)
	}
	l := &Ledger{db: db}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT,
			-- JSON encoded flag values
			config TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY ASC,
			run_id TEXT REFERENCES runs(id),
			step INTEGER,
			path TEXT,
			avg_loss REAL,
			-- tab separated metric values
			metrics TEXT,
			created_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize ledger: %v", err)
		}
	}
	return l, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun registers a new run with a fresh id
func (l *Ledger) StartRun(config map[string]string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Config:    config,
	}
	b, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(
		"INSERT INTO runs (id, started_at, config) VALUES (?, ?, ?)",
		run.ID, run.StartedAt.Format(time.RFC3339), string(b),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %v", err)
	}
	return run, nil
}

// RecordCheckpoint stores one evaluated checkpoint
func (l *Ledger) RecordCheckpoint(c Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		"INSERT INTO checkpoints (run_id, step, path, avg_loss, metrics, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.RunID, c.Step, c.Path, c.AvgLoss, encodeMetrics(c.Metrics), c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %v", err)
	}
	return nil
}

// GetRun returns the run with the given id
func (l *Ledger) GetRun(id string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var startedAt, config string
	row := l.db.QueryRow("SELECT started_at, config FROM runs WHERE id = ?", id)
	if err := row.Scan(&startedAt, &config); err != nil {
		return nil, fmt.Errorf("failed to load run %s: %v", id, err)
	}
	run := &Run{ID: id}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if err := json.Unmarshal([]byte(config), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to decode run config: %v", err)
	}
	return run, nil
}

// ListCheckpoints returns the checkpoints of a run ordered by step
func (l *Ledger) ListCheckpoints(runID string) ([]Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		"SELECT step, path, avg_loss, metrics, created_at FROM checkpoints WHERE run_id = ? ORDER BY step",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %v", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		c := Checkpoint{RunID: runID}
		var metrics, createdAt string
		if err := rows.Scan(&c.Step, &c.Path, &c.AvgLoss, &metrics, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %v", err)
		}
		if c.Metrics, err = decodeMetrics(metrics); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}

// Best returns the checkpoint of a run with the highest value of metric index
func (l *Ledger) Best(runID string, index int) (*Checkpoint, error) {
	checkpoints, err := l.ListCheckpoints(runID)
	if err != nil {
		return nil, err
	}
	var best *Checkpoint
	for i := range checkpoints {
		c := &checkpoints[i]
		if index >= len(c.Metrics) {
			continue
		}
		if best == nil || c.Metrics[index] > best.Metrics[index] {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("run %s has no checkpoint with metric %d", runID, index)
	}
	return best, nil
}

func encodeMetrics(metrics []float64) string {
	parts := make([]string, len(metrics))
	for i, m := range metrics {
		parts[i] = strconv.FormatFloat(m, 'g', -1, 64)
	}
	return strings.Join(parts, "\t")
}

func decodeMetrics(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "\t")
	metrics := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid metric %q: %v", p, err)
		}
		metrics[i] = v
	}
	return metrics, nil
}
