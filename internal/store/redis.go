package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "pulse:"

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore is a Store backed by Redis. Key layout:
//
//	<prefix>session:<identity>          => JSON session
//	<prefix>contact:<identity>          => address
//	<prefix>task:<id>                   => JSON scheduled task
//	<prefix>idx:pending                 => ZSET of pending task IDs scored by execute_at
//	<prefix>idx:tasks:<identity>        => SET of the identity's task IDs
//	<prefix>log:conversation:<identity> => LIST of JSON conversation logs
//	<prefix>log:events:<identity>       => LIST of JSON events
//	<prefix>receipts                    => LIST of JSON receipts
//	<prefix>dedup:<message id>          => JSON dedup record
//
// Removal from idx:pending is the atomic Pending to Completed transition.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore connects using a redis:// URL set with WithRedisURL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("RedisStore URL not set")
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore URL parse failed", "error", err)
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", ropts.Addr, "db", ropts.DB)
	s := NewRedisStoreWithClient(client, DefaultRedisPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close does not close it.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keySession(identity string) string { return s.prefix + "session:" + identity }
func (s *RedisStore) keyContact(identity string) string { return s.prefix + "contact:" + identity }
func (s *RedisStore) keyTask(id string) string          { return s.prefix + "task:" + id }
func (s *RedisStore) keyPending() string                { return s.prefix + "idx:pending" }
func (s *RedisStore) keyIdentityTasks(identity string) string {
	return s.prefix + "idx:tasks:" + identity
}
func (s *RedisStore) keyConversation(identity string) string {
	return s.prefix + "log:conversation:" + identity
}
func (s *RedisStore) keyEvents(identity string) string { return s.prefix + "log:events:" + identity }
func (s *RedisStore) keyReceipts() string              { return s.prefix + "receipts" }
func (s *RedisStore) keyDedup(id string) string        { return s.prefix + "dedup:" + id }

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) GetSession(identity string) (*models.Session, error) {
	var sess models.Session
	err := s.getJSON(context.Background(), s.keySession(identity), &sess)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("RedisStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to load session for %s: %w", identity, err)
	}
	if sess.Variables == nil {
		sess.Variables = make(map[string]string)
	}
	return &sess, nil
}

func (s *RedisStore) SaveSession(sess models.Session) error {
	sess.CreatedAt = stamp(sess.CreatedAt)
	sess.UpdatedAt = stamp(sess.UpdatedAt)
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(context.Background(), s.keySession(sess.Identity), data, 0).Err(); err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "identity", sess.Identity)
		return fmt.Errorf("failed to save session for %s: %w", sess.Identity, err)
	}
	slog.Debug("RedisStore SaveSession succeeded", "identity", sess.Identity, "flow", sess.CurrentFlow, "cursor", sess.StepCursor)
	return nil
}

func (s *RedisStore) ClearSession(identity string) error {
	if err := s.client.Del(context.Background(), s.keySession(identity)).Err(); err != nil {
		slog.Error("RedisStore ClearSession failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to clear session for %s: %w", identity, err)
	}
	return nil
}

func (s *RedisStore) SaveContact(identity, address string) error {
	if err := s.client.Set(context.Background(), s.keyContact(identity), address, 0).Err(); err != nil {
		slog.Error("RedisStore SaveContact failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to save contact for %s: %w", identity, err)
	}
	return nil
}

func (s *RedisStore) GetContact(identity string) (string, error) {
	addr, err := s.client.Get(context.Background(), s.keyContact(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		slog.Error("RedisStore GetContact failed", "error", err, "identity", identity)
		return "", fmt.Errorf("failed to load contact for %s: %w", identity, err)
	}
	return addr, nil
}

func (s *RedisStore) CreateTask(t models.ScheduledTask) error {
	ctx := context.Background()
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	t.CreatedAt = stamp(t.CreatedAt)
	t.ExecuteAt = t.ExecuteAt.UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyTask(t.ID), data, 0)
	pipe.SAdd(ctx, s.keyIdentityTasks(t.Identity), t.ID)
	if t.Status == models.TaskStatusPending {
		pipe.ZAdd(ctx, s.keyPending(), redis.Z{Score: float64(t.ExecuteAt.Unix()), Member: t.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore CreateTask failed", "error", err, "id", t.ID, "identity", t.Identity)
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	slog.Debug("RedisStore CreateTask succeeded", "id", t.ID, "executeAt", t.ExecuteAt)
	return nil
}

func (s *RedisStore) GetTask(id string) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	err := s.getJSON(context.Background(), s.keyTask(id), &t)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("RedisStore GetTask failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) DueTasks(now time.Time) ([]models.ScheduledTask, error) {
	ctx := context.Background()
	ids, err := s.client.ZRangeByScore(ctx, s.keyPending(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		slog.Error("RedisStore DueTasks query failed", "error", err)
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}

	tasks := make([]models.ScheduledTask, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(id)
		if errors.Is(err, ErrNotFound) {
			// Index entry without payload; drop it.
			s.client.ZRem(ctx, s.keyPending(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Status == models.TaskStatusPending {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

// maxTxAttempts bounds optimistic-lock retries when another writer touches a
// watched task between read and commit.
const maxTxAttempts = 5

// MarkTaskCompleted flips a pending task to completed. The status write and
// the removal from the pending index commit together under WATCH on the task
// key, so concurrent callers see exactly one transition.
func (s *RedisStore) MarkTaskCompleted(id string, at time.Time) (bool, error) {
	ctx := context.Background()
	key := s.keyTask(id)
	var changed bool
	complete := func(tx *redis.Tx) error {
		changed = false
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t models.ScheduledTask
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		if t.Status != models.TaskStatusPending {
			return nil
		}
		done := at.UTC()
		t.Status = models.TaskStatusCompleted
		t.CompletedAt = &done
		updated, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.keyPending(), id)
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, complete, key)
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("RedisStore MarkTaskCompleted conflict, retrying", "id", id, "attempt", attempt)
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		if err != nil {
			slog.Error("RedisStore MarkTaskCompleted failed", "error", err, "id", id)
			return false, fmt.Errorf("failed to complete task %s: %w", id, err)
		}
		return changed, nil
	}
	slog.Error("RedisStore MarkTaskCompleted gave up after conflicts", "id", id, "attempts", maxTxAttempts)
	return false, fmt.Errorf("failed to complete task %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) CompletePendingTasks(identity string, at time.Time) (int, error) {
	ctx := context.Background()
	ids, err := s.client.SMembers(ctx, s.keyIdentityTasks(identity)).Result()
	if err != nil {
		slog.Error("RedisStore CompletePendingTasks failed", "error", err, "identity", identity)
		return 0, fmt.Errorf("failed to list tasks for %s: %w", identity, err)
	}
	n := 0
	for _, id := range ids {
		changed, err := s.MarkTaskCompleted(id, at)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (s *RedisStore) rpushJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.RPush(context.Background(), key, data).Err()
}

func lrangeJSON[T any](s *RedisStore, key string) ([]T, error) {
	items, err := s.client.LRange(context.Background(), key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []T
	for _, item := range items {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			slog.Warn("RedisStore: skipping undecodable list entry", "key", key, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisStore) AddConversationLog(l models.ConversationLog) error {
	l.CreatedAt = stamp(l.CreatedAt)
	if err := s.rpushJSON(s.keyConversation(l.Identity), l); err != nil {
		slog.Error("RedisStore AddConversationLog failed", "error", err, "identity", l.Identity)
		return fmt.Errorf("failed to insert conversation log for %s: %w", l.Identity, err)
	}
	return nil
}

func (s *RedisStore) ConversationLogs(identity string) ([]models.ConversationLog, error) {
	logs, err := lrangeJSON[models.ConversationLog](s, s.keyConversation(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation logs: %w", err)
	}
	return logs, nil
}

func (s *RedisStore) AddEvent(e models.Event) error {
	e.CreatedAt = stamp(e.CreatedAt)
	if err := s.rpushJSON(s.keyEvents(e.Identity), e); err != nil {
		slog.Error("RedisStore AddEvent failed", "error", err, "identity", e.Identity, "category", e.Category)
		return fmt.Errorf("failed to insert event for %s: %w", e.Identity, err)
	}
	return nil
}

func (s *RedisStore) Events(identity string) ([]models.Event, error) {
	events, err := lrangeJSON[models.Event](s, s.keyEvents(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

func (s *RedisStore) AddReceipt(r models.Receipt) error {
	if err := s.rpushJSON(s.keyReceipts(), r); err != nil {
		slog.Error("RedisStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *RedisStore) GetReceipts() ([]models.Receipt, error) {
	receipts, err := lrangeJSON[models.Receipt](s, s.keyReceipts())
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	return receipts, nil
}

func (s *RedisStore) RecordInbound(messageID, identity string) (bool, error) {
	data, err := json.Marshal(inboundRecord{MessageID: messageID, Identity: identity, ReceivedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(context.Background(), s.keyDedup(messageID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) MarkProcessed(messageID string) error {
	ctx := context.Background()
	var rec inboundRecord
	if err := s.getJSON(ctx, s.keyDedup(messageID), &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark processed failed: %w", err)
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyDedup(messageID), data, 0).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
