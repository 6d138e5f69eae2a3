package models

import "time"

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
)

// ScheduledTask is a persisted deferred resumption point.
// Variables is a snapshot of the session's bag taken when the task was scheduled.
type ScheduledTask struct {
	ID          string            `json:"id"`
	Identity    string            `json:"identity"`
	FlowID      string            `json:"flow_id"`
	ResumeStep  int               `json:"resume_step"`
	Variables   map[string]string `json:"variables,omitempty"`
	ExecuteAt   time.Time         `json:"execute_at"` // always UTC
	Status      TaskStatus        `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Due reports whether a pending task should run at now.
func (t ScheduledTask) Due(now time.Time) bool {
	return t.Status == TaskStatusPending && !t.ExecuteAt.After(now)
}
