package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultMaxLogs bounds the store size when no explicit limit is given.
const DefaultMaxLogs = 500

// timeFormat is RFC3339 with a fixed-width nanosecond fraction so stored
// timestamps sort lexicographically in the same order as temporally.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a size-bounded, indexed log of action runs backed by SQLite,
// with an in-memory cache kept consistent with durable state after every
// successful mutation. Writes are serialized per instance; no two mutations
// interleave against the same database.
type Store struct {
	db      *sql.DB
	maxLogs int

	mu    sync.Mutex
	cache []ActionLog // newest start_time first

	obsMu     sync.Mutex
	observers map[int]func()
	nextObs   int
}

// Open opens (or creates) the labtrack database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	return OpenWithMaxLogs(dataDir, DefaultMaxLogs)
}

// OpenWithMaxLogs is Open with an explicit record bound.
func OpenWithMaxLogs(dataDir string, maxLogs int) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "labtrack.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}

	s := &Store{db: db, maxLogs: maxLogs, observers: make(map[int]func())}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.refreshCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading cache: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// MaxLogs returns the configured record bound.
func (s *Store) MaxLogs() int {
	return s.maxLogs
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// OnChange registers fn to run after every successful mutation. The returned
// func cancels the registration. fn must not block; it is invoked
// synchronously on the mutating goroutine.
func (s *Store) OnChange(fn func()) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify() {
	s.obsMu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// CreateLog inserts a new record with a generated id and a seed history
// entry matching the initial status and start time. When the store is at
// capacity the oldest records by start time are evicted first, in the same
// transaction, so the bound is never exceeded.
func (s *Store) CreateLog(p CreateParams) (ActionLog, error) {
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.RawStatus == "" {
		p.RawStatus = string(p.Status)
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now()
	}
	p.StartTime = p.StartTime.UTC()

	rec := ActionLog{
		ID:         uuid.New().String(),
		TaskID:     p.TaskID,
		LabID:      p.LabID,
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
		ActionName: p.ActionName,
		Status:     p.Status,
		RawStatus:  p.RawStatus,
		StartTime:  p.StartTime,
		History:    []StatusEntry{{Status: p.Status, Timestamp: p.StartTime}},
	}

	s.mu.Lock()
	err := s.createTx(rec)
	if err == nil {
		err = s.refreshCacheLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return ActionLog{}, &StorageError{Op: "create", Err: err}
	}

	s.notify()
	return rec, nil
}

func (s *Store) createTx(rec ActionLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM action_logs").Scan(&count); err != nil {
		return fmt.Errorf("counting records: %w", err)
	}

	if count >= s.maxLogs {
		evict := count - s.maxLogs + 1
		rows, err := tx.Query("SELECT id FROM action_logs ORDER BY start_time ASC, id ASC LIMIT ?", evict)
		if err != nil {
			return fmt.Errorf("selecting eviction candidates: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning eviction candidate: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating eviction candidates: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.Exec("DELETE FROM status_history WHERE log_id = ?", id); err != nil {
				return fmt.Errorf("evicting history for %s: %w", id, err)
			}
			if _, err := tx.Exec("DELETE FROM action_logs WHERE id = ?", id); err != nil {
				return fmt.Errorf("evicting record %s: %w", id, err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO action_logs (id, task_id, lab_id, device_id, device_name, action_name, status, raw_status, start_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.LabID, rec.DeviceID, rec.DeviceName, rec.ActionName,
		string(rec.Status), rec.RawStatus, rec.StartTime.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	seed := rec.History[0]
	if _, err := tx.Exec(`
		INSERT INTO status_history (log_id, status, timestamp, feedback_data, return_info)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(seed.Status), seed.Timestamp.Format(timeFormat), seed.FeedbackData, seed.ReturnInfo,
	); err != nil {
		return fmt.Errorf("inserting seed history entry: %w", err)
	}

	return tx.Commit()
}

// UpdateLog applies patch to the most recent record with the given task id.
// It is a silent no-op when no record matches.
func (s *Store) UpdateLog(taskID string, patch LogPatch) error {
	s.mu.Lock()

	var logID string
	err := s.db.QueryRow(
		"SELECT id FROM action_logs WHERE task_id = ? ORDER BY start_time DESC, id DESC LIMIT 1",
		taskID,
	).Scan(&logID)
	if err == sql.ErrNoRows {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return &StorageError{Op: "update", Err: err}
	}

	err = s.updateTx(logID, patch)
	if err == nil {
		err = s.refreshCacheLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return &StorageError{Op: "update", Err: err}
	}

	s.notify()
	return nil
}

func (s *Store) updateTx(logID string, patch LogPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RawStatus != nil {
		sets = append(sets, "raw_status = ?")
		args = append(args, *patch.RawStatus)
	}
	if patch.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, patch.EndTime.UTC().Format(timeFormat))
	}
	if patch.DurationMS != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *patch.DurationMS)
	}
	if patch.FinalResult != nil {
		data, err := json.Marshal(patch.FinalResult)
		if err != nil {
			return fmt.Errorf("marshaling final result: %w", err)
		}
		sets = append(sets, "final_result = ?")
		args = append(args, string(data))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}

	if len(sets) > 0 {
		args = append(args, logID)
		query := "UPDATE action_logs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("updating record: %w", err)
		}
	}

	if patch.Append != nil {
		e := patch.Append
		if _, err := tx.Exec(`
			INSERT INTO status_history (log_id, status, timestamp, feedback_data, return_info)
			VALUES (?, ?, ?, ?, ?)`,
			logID, string(e.Status), e.Timestamp.UTC().Format(timeFormat), e.FeedbackData, e.ReturnInfo,
		); err != nil {
			return fmt.Errorf("appending history entry: %w", err)
		}
	}

	return tx.Commit()
}

// GetLog returns the most recent record with the given task id, or
// ErrNotFound. Served from the in-memory cache.
func (s *Store) GetLog(taskID string) (ActionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cache {
		if s.cache[i].TaskID == taskID {
			return cloneLog(s.cache[i]), nil
		}
	}
	return ActionLog{}, ErrNotFound
}

// ListLogs returns records matching the filter, newest start time first.
// Pure function over the in-memory cache; never touches storage.
func (s *Store) ListLogs(f Filter) []ActionLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ActionLog
	for i := range s.cache {
		rec := &s.cache[i]
		if f.TaskID != "" && rec.TaskID != f.TaskID {
			continue
		}
		if f.LabID != "" && rec.LabID != f.LabID {
			continue
		}
		if f.DeviceID != "" && rec.DeviceID != f.DeviceID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.StartDate != nil && rec.StartTime.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && rec.StartTime.After(*f.EndDate) {
			continue
		}
		out = append(out, cloneLog(*rec))
	}
	return out
}

// DeleteLog removes all records with the given task id, including their
// history rows. Idempotent: deleting an absent task id is not an error.
func (s *Store) DeleteLog(taskID string) error {
	s.mu.Lock()
	err := s.deleteTx(
		"DELETE FROM status_history WHERE log_id IN (SELECT id FROM action_logs WHERE task_id = ?)",
		"DELETE FROM action_logs WHERE task_id = ?",
		taskID,
	)
	if err == nil {
		err = s.refreshCacheLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}

	s.notify()
	return nil
}

// ClearLogs empties the store.
func (s *Store) ClearLogs() error {
	s.mu.Lock()
	err := s.deleteTx("DELETE FROM status_history", "DELETE FROM action_logs")
	if err == nil {
		err = s.refreshCacheLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return &StorageError{Op: "clear", Err: err}
	}

	s.notify()
	return nil
}

func (s *Store) deleteTx(historyQuery, logQuery string, args ...any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(historyQuery, args...); err != nil {
		return fmt.Errorf("deleting history rows: %w", err)
	}
	if _, err := tx.Exec(logQuery, args...); err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	return tx.Commit()
}

func (s *Store) refreshCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCacheLocked()
}

func (s *Store) refreshCacheLocked() error {
	rows, err := s.db.Query(`
		SELECT id, task_id, lab_id, device_id, device_name, action_name, status, raw_status,
		       start_time, end_time, duration_ms, final_result, error
		FROM action_logs ORDER BY start_time DESC, id DESC`)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	defer rows.Close()

	var logs []ActionLog
	index := make(map[string]int)
	for rows.Next() {
		var rec ActionLog
		var startTime string
		var endTime, finalResult sql.NullString
		var durationMS sql.NullInt64
		if err := rows.Scan(
			&rec.ID, &rec.TaskID, &rec.LabID, &rec.DeviceID, &rec.DeviceName, &rec.ActionName,
			&rec.Status, &rec.RawStatus, &startTime, &endTime, &durationMS, &finalResult, &rec.Error,
		); err != nil {
			return fmt.Errorf("scanning record: %w", err)
		}
		if rec.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
			return fmt.Errorf("parsing start_time for %s: %w", rec.ID, err)
		}
		if endTime.Valid {
			t, err := time.Parse(time.RFC3339Nano, endTime.String)
			if err != nil {
				return fmt.Errorf("parsing end_time for %s: %w", rec.ID, err)
			}
			rec.EndTime = &t
		}
		if durationMS.Valid {
			d := durationMS.Int64
			rec.DurationMS = &d
		}
		if finalResult.Valid && finalResult.String != "" {
			var fr FinalResult
			if err := json.Unmarshal([]byte(finalResult.String), &fr); err != nil {
				return fmt.Errorf("parsing final_result for %s: %w", rec.ID, err)
			}
			rec.FinalResult = &fr
		}
		index[rec.ID] = len(logs)
		logs = append(logs, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating records: %w", err)
	}

	hrows, err := s.db.Query(`
		SELECT log_id, status, timestamp, feedback_data, return_info
		FROM status_history ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var logID, ts string
		var e StatusEntry
		if err := hrows.Scan(&logID, &e.Status, &ts, &e.FeedbackData, &e.ReturnInfo); err != nil {
			return fmt.Errorf("scanning history row: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return fmt.Errorf("parsing history timestamp for %s: %w", logID, err)
		}
		if i, ok := index[logID]; ok {
			logs[i].History = append(logs[i].History, e)
		}
	}
	if err := hrows.Err(); err != nil {
		return fmt.Errorf("iterating history: %w", err)
	}

	s.cache = logs
	return nil
}

func cloneLog(rec ActionLog) ActionLog {
	out := rec
	if rec.EndTime != nil {
		t := *rec.EndTime
		out.EndTime = &t
	}
	if rec.DurationMS != nil {
		d := *rec.DurationMS
		out.DurationMS = &d
	}
	if rec.FinalResult != nil {
		fr := *rec.FinalResult
		out.FinalResult = &fr
	}
	out.History = make([]StatusEntry, len(rec.History))
	copy(out.History, rec.History)
	return out
}
