package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/doylf/neuvero-pulse/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetSession(identity string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE identity = $1`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to load session for %s: %w", identity, err)
	}
	return sess, nil
}

func (s *PostgresStore) SaveSession(sess models.Session) error {
	vars, err := encodeVariables(sess.Variables)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (identity, current_flow, step_cursor, variables, pending_variable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity)
		DO UPDATE SET current_flow = EXCLUDED.current_flow, step_cursor = EXCLUDED.step_cursor,
		              variables = EXCLUDED.variables, pending_variable = EXCLUDED.pending_variable,
		              updated_at = EXCLUDED.updated_at`,
		sess.Identity, nilIfEmpty(sess.CurrentFlow), sess.StepCursor, vars, nilIfEmpty(sess.PendingVariable),
		stamp(sess.CreatedAt).Unix(), stamp(sess.UpdatedAt).Unix())
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "identity", sess.Identity)
		return fmt.Errorf("failed to save session for %s: %w", sess.Identity, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "identity", sess.Identity, "flow", sess.CurrentFlow, "cursor", sess.StepCursor)
	return nil
}

func (s *PostgresStore) ClearSession(identity string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE identity = $1`, identity); err != nil {
		slog.Error("PostgresStore ClearSession failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to clear session for %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) SaveContact(identity, address string) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (identity, address, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET address = EXCLUDED.address, updated_at = EXCLUDED.updated_at`,
		identity, address, time.Now().Unix())
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to save contact for %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) GetContact(identity string) (string, error) {
	var address string
	err := s.db.QueryRow(`SELECT address FROM contacts WHERE identity = $1`, identity).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetContact failed", "error", err, "identity", identity)
		return "", fmt.Errorf("failed to load contact for %s: %w", identity, err)
	}
	return address, nil
}

func (s *PostgresStore) CreateTask(t models.ScheduledTask) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Identity, t.FlowID, t.ResumeStep, vars, t.ExecuteAt.Unix(), string(status), stamp(t.CreatedAt).Unix())
	if err != nil {
		slog.Error("PostgresStore CreateTask failed", "error", err, "id", t.ID, "identity", t.Identity)
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id string) (*models.ScheduledTask, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetTask failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) DueTasks(now time.Time) ([]models.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = $1 AND execute_at <= $2 ORDER BY execute_at, created_at, id`,
		string(models.TaskStatusPending), now.Unix())
	if err != nil {
		slog.Error("PostgresStore DueTasks query failed", "error", err)
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			slog.Error("PostgresStore DueTasks scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) MarkTaskCompleted(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
		string(models.TaskStatusCompleted), at.Unix(), id, string(models.TaskStatusPending))
	if err != nil {
		slog.Error("PostgresStore MarkTaskCompleted failed", "error", err, "id", id)
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

func (s *PostgresStore) CompletePendingTasks(identity string, at time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = $1, completed_at = $2 WHERE identity = $3 AND status = $4`,
		string(models.TaskStatusCompleted), at.Unix(), identity, string(models.TaskStatusPending))
	if err != nil {
		slog.Error("PostgresStore CompletePendingTasks failed", "error", err, "identity", identity)
		return 0, fmt.Errorf("failed to complete tasks for %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected check failed: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) AddConversationLog(l models.ConversationLog) error {
	_, err := s.db.Exec(`INSERT INTO conversation_logs (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.Identity, nilIfEmpty(l.Channel), l.Message, l.Reply, nilIfEmpty(l.FlowID), l.Step, stamp(l.CreatedAt).Unix())
	if err != nil {
		slog.Error("PostgresStore AddConversationLog failed", "error", err, "identity", l.Identity)
		return fmt.Errorf("failed to insert conversation log for %s: %w", l.Identity, err)
	}
	return nil
}

func (s *PostgresStore) ConversationLogs(identity string) ([]models.ConversationLog, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversation_logs WHERE identity = $1 ORDER BY seq`, identity)
	if err != nil {
		slog.Error("PostgresStore ConversationLogs query failed", "error", err, "identity", identity)
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

func (s *PostgresStore) AddEvent(e models.Event) error {
	_, err := s.db.Exec(`INSERT INTO events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Identity, string(e.Category), e.Content, nilIfEmpty(e.Result), stamp(e.CreatedAt).Unix())
	if err != nil {
		slog.Error("PostgresStore AddEvent failed", "error", err, "identity", e.Identity, "category", e.Category)
		return fmt.Errorf("failed to insert event for %s: %w", e.Identity, err)
	}
	return nil
}

func (s *PostgresStore) Events(identity string) ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events WHERE identity = $1 ORDER BY seq`, identity)
	if err != nil {
		slog.Error("PostgresStore Events query failed", "error", err, "identity", identity)
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

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("PostgresStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			slog.Error("PostgresStore GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
