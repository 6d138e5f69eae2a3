// Package store provides storage backends for the flow engine.
//
// Every backend implements Store: sessions keyed by identity, the
// identity-to-address directory, scheduled tasks, append-only conversation and
// event logs, delivery receipts and inbound deduplication.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence collaborator of the engine.
type Store interface {
	// GetSession returns ErrNotFound when the identity has never been seen
	// or was cleared.
	GetSession(identity string) (*models.Session, error)
	// SaveSession upserts the session keyed by identity.
	SaveSession(s models.Session) error
	ClearSession(identity string) error

	// SaveContact records the channel address replies for identity go to.
	SaveContact(identity, address string) error
	GetContact(identity string) (string, error)

	CreateTask(t models.ScheduledTask) error
	GetTask(id string) (*models.ScheduledTask, error)
	// DueTasks returns pending tasks with execute_at <= now, oldest first.
	DueTasks(now time.Time) ([]models.ScheduledTask, error)
	// MarkTaskCompleted reports false when the task was already completed.
	MarkTaskCompleted(id string, at time.Time) (bool, error)
	// CompletePendingTasks completes every pending task of identity.
	CompletePendingTasks(identity string, at time.Time) (int, error)

	AddConversationLog(l models.ConversationLog) error
	ConversationLogs(identity string) ([]models.ConversationLog, error)
	AddEvent(e models.Event) error
	Events(identity string) ([]models.Event, error)

	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)

	// RecordInbound reports true only for the first delivery of a provider
	// message ID. Webhooks are retried, so later deliveries report false.
	RecordInbound(messageID, identity string) (bool, error)
	MarkProcessed(messageID string) error

	Close() error
}

// Backend names returned by DetectDSNType.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Opts holds store construction options.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL sets the Redis URL (redis:// or rediss://).
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.DSN = url }
}

// DetectDSNType classifies a DSN: postgres:// URLs and key=value strings with
// a host are PostgreSQL, redis:// and rediss:// are Redis, an empty DSN is the
// in-memory store and anything else is a SQLite file path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case d == "":
		return BackendMemory
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return BackendPostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return BackendRedis
	default:
		return BackendSQLite
	}
}

// Open builds the backend the DSN names.
func Open(dsn string) (Store, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open: selecting backend", "backend", kind)
	switch kind {
	case BackendPostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	case BackendRedis:
		return NewRedisStore(WithRedisURL(dsn))
	case BackendSQLite:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	case BackendMemory:
		return NewInMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", kind)
}
