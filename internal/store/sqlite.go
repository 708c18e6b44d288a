package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/driftlock/conductor/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Let concurrent appenders wait for the write lock instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			chat_id TEXT,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_event_seq INTEGER NOT NULL DEFAULT 0,
			latest_output TEXT,
			latest_error TEXT,
			latest_error_code TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			ts INTEGER NOT NULL,
			UNIQUE (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_type ON events(run_id, type, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run with status queued.
func (s *SQLiteStore) CreateRun(ctx context.Context, projectID, userID, chatID string, metadata json.RawMessage) (*domain.Run, error) {
	run := &domain.Run{
		RunID:     "run_" + uuid.New().String()[:8],
		ProjectID: projectID,
		ChatID:    chatID,
		UserID:    userID,
		Status:    domain.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}

	var chat, meta sql.NullString
	if chatID != "" {
		chat = sql.NullString{String: chatID, Valid: true}
	}
	if len(metadata) > 0 {
		meta = sql.NullString{String: string(metadata), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, chat_id, user_id, status, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProjectID, chat, run.UserID, run.Status, run.CreatedAt, meta)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var chatID, output, errMsg, errCode, metadata sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, project_id, chat_id, user_id, status, last_event_seq,
		        latest_output, latest_error, latest_error_code,
		        created_at, started_at, completed_at, metadata
		 FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.ProjectID, &chatID, &run.UserID, &run.Status,
		&run.LastEventSeq, &output, &errMsg, &errCode,
		&run.CreatedAt, &startedAt, &completedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if chatID.Valid {
		run.ChatID = chatID.String
	}
	if output.Valid {
		run.LatestOutput = output.String
	}
	if errMsg.Valid {
		run.LatestError = errMsg.String
	}
	if errCode.Valid {
		run.LatestErrorCode = errCode.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if metadata.Valid {
		run.Metadata = json.RawMessage(metadata.String)
	}
	return &run, nil
}

// SetStatus transitions a run to the given status and applies the
// lifecycle timestamp side effects.
func (s *SQLiteStore) SetStatus(ctx context.Context, runID string, status domain.RunStatus, change StatusChange) (*domain.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}

	now := time.Now().UTC()
	run.Status = status
	if status == domain.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() {
		run.CompletedAt = &now
	}
	if status == domain.RunStatusQueued {
		run.CompletedAt = nil
	}
	if change.Output != nil {
		run.LatestOutput = *change.Output
	}
	if change.Error != nil {
		run.LatestError = *change.Error
	}
	if change.ErrorCode != nil {
		run.LatestErrorCode = *change.ErrorCode
	}

	var startedAt, completedAt sql.NullTime
	if run.StartedAt != nil {
		startedAt = sql.NullTime{Time: *run.StartedAt, Valid: true}
	}
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, latest_output = ?, latest_error = ?, latest_error_code = ?,
		        started_at = ?, completed_at = ?
		 WHERE run_id = ?`,
		run.Status, run.LatestOutput, run.LatestError, run.LatestErrorCode,
		startedAt, completedAt, run.RunID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AppendEvent appends an event for the run. The seq is computed inside the
// INSERT itself, under SQLite's write lock, so concurrent appenders for the
// same run can never observe the same value. The UNIQUE(run_id, seq)
// constraint is a backstop.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, eventType domain.EventType, payload any) (*domain.Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Type:    eventType,
		Payload: payloadBytes,
		Ts:      time.Now().UnixMilli(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// First statement in the transaction is the write, so the seq subquery
	// is always evaluated while holding the write lock.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, seq, type, payload, ts)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?), ?, ?, ?)`,
		event.EventID, runID, runID, event.Type, string(payloadBytes), event.Ts)
	if err != nil {
		return nil, err
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT seq FROM events WHERE event_id = ?`, event.EventID).Scan(&event.Seq); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET last_event_seq = ? WHERE run_id = ?`, event.Seq, runID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return event, nil
}

// ListEvents returns events with seq > afterSeq in ascending seq order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, seq, type, payload, ts FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Seq, &event.Type, &payload, &event.Ts); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetLatestEvent returns the highest-seq event for the run, optionally
// filtered by type.
func (s *SQLiteStore) GetLatestEvent(ctx context.Context, runID string, eventType domain.EventType) (*domain.Event, error) {
	query := `SELECT event_id, run_id, seq, type, payload, ts FROM events WHERE run_id = ?`
	args := []any{runID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	var event domain.Event
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&event.EventID, &event.RunID, &event.Seq, &event.Type, &payload, &event.Ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		event.Payload = json.RawMessage(payload.String)
	}
	return &event, nil
}
