package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeVariables serializes a variable bag for a TEXT/JSONB column.
func encodeVariables(vars map[string]string) (string, error) {
	if len(vars) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}
	return string(b), nil
}

// decodeVariables never fails: a corrupt bag is logged and replaced by an
// empty one so the session stays usable.
func decodeVariables(raw, owner string) map[string]string {
	vars := make(map[string]string)
	if raw == "" {
		return vars
	}
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		slog.Error("store: variable bag unmarshal failed, using empty bag", "owner", owner, "error", err)
		return make(map[string]string)
	}
	return vars
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads the column list taskColumns. Times are stored as unix
// seconds so both SQL backends compare them numerically.
func scanTask(row rowScanner) (models.ScheduledTask, error) {
	var t models.ScheduledTask
	var vars string
	var status string
	var executeAt, createdAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.Identity, &t.FlowID, &t.ResumeStep, &vars, &executeAt, &status, &createdAt, &completedAt); err != nil {
		return t, err
	}
	t.Variables = decodeVariables(vars, t.ID)
	t.ExecuteAt = time.Unix(executeAt, 0).UTC()
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.Status = models.TaskStatus(status)
	if completedAt.Valid {
		at := time.Unix(completedAt.Int64, 0).UTC()
		t.CompletedAt = &at
	}
	return t, nil
}

const taskColumns = `id, identity, flow_id, resume_step, variables, execute_at, status, created_at, completed_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var flow, pending sql.NullString
	var vars string
	var createdAt, updatedAt int64
	if err := row.Scan(&s.Identity, &flow, &s.StepCursor, &vars, &pending, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.CurrentFlow = flow.String
	s.PendingVariable = pending.String
	s.Variables = decodeVariables(vars, s.Identity)
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

const sessionColumns = `identity, current_flow, step_cursor, variables, pending_variable, created_at, updated_at`

func scanConversationLog(row rowScanner) (models.ConversationLog, error) {
	var l models.ConversationLog
	var channel, flow sql.NullString
	var createdAt int64
	if err := row.Scan(&l.ID, &l.Identity, &channel, &l.Message, &l.Reply, &flow, &l.Step, &createdAt); err != nil {
		return l, err
	}
	l.Channel = channel.String
	l.FlowID = flow.String
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	return l, nil
}

const conversationColumns = `id, identity, channel, message, reply, flow_id, step, created_at`

func scanEvent(row rowScanner) (models.Event, error) {
	var e models.Event
	var category string
	var result sql.NullString
	var createdAt int64
	if err := row.Scan(&e.ID, &e.Identity, &category, &e.Content, &result, &createdAt); err != nil {
		return e, err
	}
	e.Category = models.EventCategory(category)
	e.Result = result.String
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return e, nil
}

const eventColumns = `id, identity, category, content, result, created_at`

// stamp fills zero timestamps; stored times have second precision.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
