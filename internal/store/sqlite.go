package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/doylf/neuvero-pulse/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent identities.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// GetSession loads the session for identity.
func (s *SQLiteStore) GetSession(identity string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE identity = ?`, identity)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to load session for %s: %w", identity, err)
	}
	return sess, nil
}

// SaveSession stores or replaces the session for its identity.
func (s *SQLiteStore) SaveSession(sess models.Session) error {
	vars, err := encodeVariables(sess.Variables)
	if err != nil {
		return err
	}
	created := stamp(sess.CreatedAt)
	updated := stamp(sess.UpdatedAt)
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sessions (identity, current_flow, step_cursor, variables, pending_variable, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.Identity, nilIfEmpty(sess.CurrentFlow), sess.StepCursor, vars, nilIfEmpty(sess.PendingVariable),
		created.Unix(), updated.Unix())
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "identity", sess.Identity)
		return fmt.Errorf("failed to save session for %s: %w", sess.Identity, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "identity", sess.Identity, "flow", sess.CurrentFlow, "cursor", sess.StepCursor)
	return nil
}

// ClearSession removes the session for identity; clearing a missing session is not an error.
func (s *SQLiteStore) ClearSession(identity string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE identity = ?`, identity); err != nil {
		slog.Error("SQLiteStore ClearSession failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to clear session for %s: %w", identity, err)
	}
	slog.Debug("SQLiteStore ClearSession succeeded", "identity", identity)
	return nil
}

func (s *SQLiteStore) SaveContact(identity, address string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO contacts (identity, address, updated_at) VALUES (?, ?, ?)`,
		identity, address, time.Now().Unix())
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to save contact for %s: %w", identity, err)
	}
	return nil
}

func (s *SQLiteStore) GetContact(identity string) (string, error) {
	var address string
	err := s.db.QueryRow(`SELECT address FROM contacts WHERE identity = ?`, identity).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetContact failed", "error", err, "identity", identity)
		return "", fmt.Errorf("failed to load contact for %s: %w", identity, err)
	}
	return address, nil
}

func (s *SQLiteStore) CreateTask(t models.ScheduledTask) error {
	vars, err := encodeVariables(t.Variables)
	if err != nil {
		return err
	}
	status := t.Status
	if status == "" {
		status = models.TaskStatusPending
	}
	_, err = s.db.Exec(`
		INSERT INTO scheduled_tasks (id, identity, flow_id, resume_step, variables, execute_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Identity, t.FlowID, t.ResumeStep, vars, t.ExecuteAt.Unix(), string(status), stamp(t.CreatedAt).Unix())
	if err != nil {
		slog.Error("SQLiteStore CreateTask failed", "error", err, "id", t.ID, "identity", t.Identity)
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	slog.Debug("SQLiteStore CreateTask succeeded", "id", t.ID, "executeAt", t.ExecuteAt)
	return nil
}

func (s *SQLiteStore) GetTask(id string) (*models.ScheduledTask, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetTask failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) DueTasks(now time.Time) ([]models.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND execute_at <= ? ORDER BY execute_at, rowid`,
		string(models.TaskStatusPending), now.Unix())
	if err != nil {
		slog.Error("SQLiteStore DueTasks query failed", "error", err)
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			slog.Error("SQLiteStore DueTasks scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) MarkTaskCompleted(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(models.TaskStatusCompleted), at.Unix(), id, string(models.TaskStatusPending))
	if err != nil {
		slog.Error("SQLiteStore MarkTaskCompleted failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected check failed: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetTask(id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) CompletePendingTasks(identity string, at time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ?, completed_at = ? WHERE identity = ? AND status = ?`,
		string(models.TaskStatusCompleted), at.Unix(), identity, string(models.TaskStatusPending))
	if err != nil {
		slog.Error("SQLiteStore CompletePendingTasks failed", "error", err, "identity", identity)
		return 0, fmt.Errorf("failed to complete tasks for %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected check failed: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) AddConversationLog(l models.ConversationLog) error {
	_, err := s.db.Exec(`INSERT INTO conversation_logs (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Identity, nilIfEmpty(l.Channel), l.Message, l.Reply, nilIfEmpty(l.FlowID), l.Step, stamp(l.CreatedAt).Unix())
	if err != nil {
		slog.Error("SQLiteStore AddConversationLog failed", "error", err, "identity", l.Identity)
		return fmt.Errorf("failed to insert conversation log for %s: %w", l.Identity, err)
	}
	return nil
}

func (s *SQLiteStore) ConversationLogs(identity string) ([]models.ConversationLog, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversation_logs WHERE identity = ? ORDER BY created_at, rowid`, identity)
	if err != nil {
		slog.Error("SQLiteStore ConversationLogs query failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to query conversation logs: %w", err)
	}
	defer rows.Close()
	var logs []models.ConversationLog
	for rows.Next() {
		l, err := scanConversationLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) AddEvent(e models.Event) error {
	_, err := s.db.Exec(`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Identity, string(e.Category), e.Content, nilIfEmpty(e.Result), stamp(e.CreatedAt).Unix())
	if err != nil {
		slog.Error("SQLiteStore AddEvent failed", "error", err, "identity", e.Identity, "category", e.Category)
		return fmt.Errorf("failed to insert event for %s: %w", e.Identity, err)
	}
	return nil
}

func (s *SQLiteStore) Events(identity string) ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events WHERE identity = ? ORDER BY created_at, rowid`, identity)
	if err != nil {
		slog.Error("SQLiteStore Events query failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			slog.Error("SQLiteStore GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetReceipts rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
