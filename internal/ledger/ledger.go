// Package ledger keeps a SQLite audit trail of runs, remote jobs and
// evaluations, fed from the event bus.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/felix5572/DeepTI/internal/events"
)

// File is the ledger database inside the database directory.
const File = "ledger.db"

// Run is one integration run.
type Run struct {
	ID         string  `db:"id" json:"id"`
	OutputDir  string  `db:"output_dir" json:"output_dir"`
	Direction  string  `db:"direction" json:"direction"`
	Begin      float64 `db:"begin_x" json:"begin"`
	End        float64 `db:"end_x" json:"end"`
	Initial    float64 `db:"initial_y" json:"initial"`
	Status     string  `db:"status" json:"status"`
	Error      string  `db:"error" json:"error,omitempty"`
	StartedAt  int64   `db:"started_at" json:"started_at"`
	FinishedAt int64   `db:"finished_at" json:"finished_at,omitempty"`
}

// Job is one remote job.
type Job struct {
	ID        string `db:"id" json:"id"`
	RunID     string `db:"run_id" json:"run_id"`
	Root      string `db:"root" json:"root"`
	Tasks     string `db:"tasks" json:"tasks"`
	Status    string `db:"status" json:"status"`
	Error     string `db:"error" json:"error,omitempty"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// Evaluation is one oracle answer.
type Evaluation struct {
	RunID     string  `db:"run_id" json:"run_id"`
	TaskID    int     `db:"task_id" json:"task_id"`
	Temp      float64 `db:"temp" json:"temp"`
	Pres      float64 `db:"pres" json:"pres"`
	DV        float64 `db:"dv" json:"dv"`
	DH        float64 `db:"dh" json:"dh"`
	Slope     float64 `db:"slope" json:"slope"`
	Cached    bool    `db:"cached" json:"cached"`
	WarmStart int     `db:"warm_start" json:"warm_start"`
	ElapsedMS int64   `db:"elapsed_ms" json:"elapsed_ms"`
	At        int64   `db:"at" json:"at"`
}

// Summary counts ledger rows.
type Summary struct {
	Runs        int `db:"runs" json:"runs"`
	Jobs        int `db:"jobs" json:"jobs"`
	Terminated  int `db:"terminated" json:"terminated"`
	Evaluations int `db:"evaluations" json:"evaluations"`
	Cached      int `db:"cached" json:"cached"`
}

// Ledger wraps a SQLite connection.
type Ledger struct {
	conn        *sqlx.DB
	unsubscribe func()
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One writer; the bus already serialises events.
	conn.SetMaxOpenConns(1)

	l := &Ledger{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

// Close detaches from the bus and closes the connection.
func (l *Ledger) Close() error {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	return l.conn.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		output_dir TEXT NOT NULL,
		direction TEXT NOT NULL,
		begin_x REAL NOT NULL,
		end_x REAL NOT NULL,
		initial_y REAL NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		root TEXT NOT NULL,
		tasks TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		temp REAL NOT NULL,
		pres REAL NOT NULL,
		dv REAL NOT NULL,
		dh REAL NOT NULL,
		slope REAL NOT NULL,
		cached INTEGER NOT NULL,
		warm_start INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id);
	`
	_, err := l.conn.Exec(schema)
	return err
}

// Attach records every run, job and evaluation event published on bus.
func (l *Ledger) Attach(bus *events.Bus) {
	l.unsubscribe = bus.Subscribe(l.handleEvent,
		events.EventRunStarted, events.EventRunFinished,
		events.EventJobSubmitted, events.EventJobFinished, events.EventJobTerminated,
		events.EventEvaluationCached, events.EventEvaluationComputed,
	)
}

func (l *Ledger) handleEvent(e events.Event) {
	if err := l.Record(e); err != nil {
		slog.Warn("ledger write failed", "type", e.Type, "error", err)
	}
}

// Record stores one event.
func (l *Ledger) Record(e events.Event) error {
	at := e.Timestamp.UnixMilli()
	switch e.Type {
	case events.EventRunStarted:
		p, ok := events.ExtractPayload[events.RunStartedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		_, err := l.conn.Exec(`INSERT OR REPLACE INTO runs
			(id, output_dir, direction, begin_x, end_x, initial_y, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, 'running', ?)`,
			e.RunID, p.OutputDir, p.Direction, p.Begin, p.End, p.Initial, at)
		return err

	case events.EventRunFinished:
		p, ok := events.ExtractPayload[events.RunFinishedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		status := "finished"
		if p.Error != "" {
			status = "failed"
		}
		_, err := l.conn.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
			status, p.Error, at, e.RunID)
		return err

	case events.EventJobSubmitted:
		p, ok := events.ExtractPayload[events.JobSubmittedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		return l.upsertJob(e.RunID, p.JobPayload, "submitted", at)
	case events.EventJobFinished:
		p, ok := events.ExtractPayload[events.JobFinishedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		return l.upsertJob(e.RunID, p.JobPayload, "finished", at)
	case events.EventJobTerminated:
		p, ok := events.ExtractPayload[events.JobTerminatedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		return l.upsertJob(e.RunID, p.JobPayload, "terminated", at)

	case events.EventEvaluationCached:
		p, ok := events.ExtractPayload[events.EvaluationCachedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		return l.insertEvaluation(e.RunID, p.EvaluationPayload, true, 0, at)
	case events.EventEvaluationComputed:
		p, ok := events.ExtractPayload[events.EvaluationComputedPayload](e)
		if !ok {
			return errBadPayload(e)
		}
		return l.insertEvaluation(e.RunID, p.EvaluationPayload, false, p.Elapsed, at)
	}
	return nil
}

func errBadPayload(e events.Event) error {
	return fmt.Errorf("malformed %s payload", e.Type)
}

func (l *Ledger) upsertJob(runID string, p events.JobPayload, status string, at int64) error {
	tasks, _ := json.Marshal(p.Tasks)
	_, err := l.conn.Exec(`INSERT INTO jobs (id, run_id, root, tasks, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, error = excluded.error, updated_at = excluded.updated_at`,
		p.JobID, runID, p.Root, string(tasks), status, p.Error, at)
	return err
}

func (l *Ledger) insertEvaluation(runID string, p events.EvaluationPayload, cached bool, elapsed time.Duration, at int64) error {
	_, err := l.conn.Exec(`INSERT INTO evaluations
		(run_id, task_id, temp, pres, dv, dh, slope, cached, warm_start, elapsed_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.TaskID, p.Temp, p.Pres, p.DV, p.DH, p.Slope, cached, p.WarmStart, elapsed.Milliseconds(), at)
	return err
}

// Runs returns the most recent runs, newest first.
func (l *Ledger) Runs(limit int) ([]Run, error) {
	var runs []Run
	err := l.conn.Select(&runs, `SELECT id, output_dir, direction, begin_x, end_x, initial_y,
		status, error, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	return runs, err
}

// Jobs returns the jobs of a run in submission order. An empty runID
// selects all runs.
func (l *Ledger) Jobs(runID string) ([]Job, error) {
	var jobs []Job
	query := `SELECT id, run_id, root, tasks, status, error, updated_at FROM jobs`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	err := l.conn.Select(&jobs, query+` ORDER BY rowid`, args...)
	return jobs, err
}

// Evaluations returns the evaluations of a run in order. An empty runID
// selects all runs.
func (l *Ledger) Evaluations(runID string) ([]Evaluation, error) {
	var evals []Evaluation
	query := `SELECT run_id, task_id, temp, pres, dv, dh, slope, cached, warm_start, elapsed_ms, at FROM evaluations`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	err := l.conn.Select(&evals, query+` ORDER BY id`, args...)
	return evals, err
}

// Summary counts everything in the ledger.
func (l *Ledger) Summary() (Summary, error) {
	var s Summary
	err := l.conn.Get(&s, `SELECT
		(SELECT COUNT(*) FROM runs) AS runs,
		(SELECT COUNT(*) FROM jobs) AS jobs,
		(SELECT COUNT(*) FROM jobs WHERE status = 'terminated') AS terminated,
		(SELECT COUNT(*) FROM evaluations) AS evaluations,
		(SELECT COUNT(*) FROM evaluations WHERE cached = 1) AS cached`)
	return s, err
}
