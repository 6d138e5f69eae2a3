package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often the Runner checks for due tasks.
const DefaultPollInterval = 60 * time.Second

// PollFunc performs one pass over due tasks and reports how many completed.
type PollFunc func(ctx context.Context) (int, error)

// Runner periodically invokes a PollFunc. It polls once immediately on start
// so tasks that came due while the process was down are picked up.
type Runner struct {
	poll         PollFunc
	pollInterval time.Duration
}

// NewRunner creates a new Runner.
func NewRunner(poll PollFunc, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Runner{poll: poll, pollInterval: pollInterval}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting scheduler", "pollInterval", r.pollInterval)

	r.tick(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	n, err := r.poll(ctx)
	if err != nil {
		slog.Error("Runner.tick: poll failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Runner.tick: resumed scheduled tasks", "count", n)
	}
}
