package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/google/uuid"
)

// TaskStore is the persistence the scheduler needs.
type TaskStore interface {
	CreateTask(task models.ScheduledTask) error
	DueTasks(now time.Time) ([]models.ScheduledTask, error)
	// MarkTaskCompleted flips a task to completed. It reports false when the
	// task was already completed, which callers treat as a no-op.
	MarkTaskCompleted(id string, at time.Time) (bool, error)
}

// ResumeFunc resumes one due task. Returning an error leaves the task pending
// so the next poll retries it.
type ResumeFunc func(ctx context.Context, task models.ScheduledTask) error

// Scheduler turns schedule specs into persisted tasks and drains due ones.
type Scheduler struct {
	tasks      TaskStore
	defaultLoc *time.Location
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDefaultLocation sets the timezone used when neither the step nor the session names one.
func WithDefaultLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.defaultLoc = loc
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler over the given task store.
func New(tasks TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{tasks: tasks, defaultLoc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Location resolves a timezone name, falling back to the default location
// when the name is empty or unknown.
func (s *Scheduler) Location(name string) *time.Location {
	if name == "" {
		return s.defaultLoc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Scheduler.Location: unknown timezone, using default", "timezone", name, "default", s.defaultLoc.String(), "error", err)
		return s.defaultLoc
	}
	return loc
}

// ScheduleStep persists a pending task that resumes flowID at resumeStep for
// identity. A timezone set on spec wins over the timezone argument.
func (s *Scheduler) ScheduleStep(identity, flowID string, resumeStep int, vars map[string]string, timezone string, spec Spec) (models.ScheduledTask, error) {
	if spec.Timezone != "" {
		timezone = spec.Timezone
	}
	now := s.now()
	executeAt, err := spec.ExecuteAt(now, s.Location(timezone))
	if err != nil {
		return models.ScheduledTask{}, fmt.Errorf("compute execute_at: %w", err)
	}

	task := models.ScheduledTask{
		ID:         "task_" + uuid.NewString(),
		Identity:   identity,
		FlowID:     flowID,
		ResumeStep: resumeStep,
		Variables:  models.CopyVariables(vars),
		ExecuteAt:  executeAt,
		Status:     models.TaskStatusPending,
		CreatedAt:  now.UTC(),
	}
	if err := s.tasks.CreateTask(task); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("persist scheduled task: %w", err)
	}
	slog.Info("Scheduler.ScheduleStep: task scheduled", "id", task.ID, "identity", identity, "flow", flowID, "resumeStep", resumeStep, "executeAt", executeAt)
	return task, nil
}

// DueTasks returns every pending task whose execute_at is at or before now.
func (s *Scheduler) DueTasks(now time.Time) ([]models.ScheduledTask, error) {
	return s.tasks.DueTasks(now.UTC())
}

// MarkCompleted flips a task to completed. Completing an already-completed task is a no-op.
func (s *Scheduler) MarkCompleted(id string) error {
	changed, err := s.tasks.MarkTaskCompleted(id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("mark task %s completed: %w", id, err)
	}
	if !changed {
		slog.Debug("Scheduler.MarkCompleted: task already completed", "id", id)
	}
	return nil
}

// RunDue resumes every task due at now and marks each one completed once
// resume succeeds. It returns the number of tasks completed.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time, resume ResumeFunc) (int, error) {
	tasks, err := s.DueTasks(now)
	if err != nil {
		return 0, fmt.Errorf("load due tasks: %w", err)
	}
	completed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if err := resume(ctx, task); err != nil {
			slog.Error("Scheduler.RunDue: resume failed, task stays pending", "id", task.ID, "identity", task.Identity, "error", err)
			continue
		}
		if err := s.MarkCompleted(task.ID); err != nil {
			slog.Error("Scheduler.RunDue: complete failed", "id", task.ID, "error", err)
			continue
		}
		completed++
	}
	if len(tasks) > 0 {
		slog.Debug("Scheduler.RunDue: pass finished", "due", len(tasks), "completed", completed)
	}
	return completed, nil
}
