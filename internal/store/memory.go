package store

import (
	"sort"
	"sync"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. Values are copied in and
// out so callers never alias stored state.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]models.Session
	contacts  map[string]string
	tasks     map[string]models.ScheduledTask
	taskOrder []string
	logs      []models.ConversationLog
	events    []models.Event
	receipts  []models.Receipt
	dedup     map[string]*inboundRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		contacts: make(map[string]string),
		tasks:    make(map[string]models.ScheduledTask),
		dedup:    make(map[string]*inboundRecord),
	}
}

func (s *InMemoryStore) GetSession(identity string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *sess.Clone()
	stored.CreatedAt = stamp(stored.CreatedAt)
	stored.UpdatedAt = stamp(stored.UpdatedAt)
	s.sessions[sess.Identity] = stored
	return nil
}

func (s *InMemoryStore) ClearSession(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, identity)
	return nil
}

func (s *InMemoryStore) SaveContact(identity, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[identity] = address
	return nil
}

func (s *InMemoryStore) GetContact(identity string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.contacts[identity]
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

func copyTask(t models.ScheduledTask) models.ScheduledTask {
	t.Variables = models.CopyVariables(t.Variables)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func (s *InMemoryStore) CreateTask(t models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	t.CreatedAt = stamp(t.CreatedAt)
	if _, exists := s.tasks[t.ID]; !exists {
		s.taskOrder = append(s.taskOrder, t.ID)
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *InMemoryStore) GetTask(id string) (*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyTask(t)
	return &c, nil
}

func (s *InMemoryStore) DueTasks(now time.Time) ([]models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.ScheduledTask
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.Due(now) {
			due = append(due, copyTask(t))
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ExecuteAt.Before(due[j].ExecuteAt) })
	return due, nil
}

func (s *InMemoryStore) MarkTaskCompleted(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status == models.TaskStatusCompleted {
		return false, nil
	}
	at = at.UTC()
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &at
	s.tasks[id] = t
	return true, nil
}

func (s *InMemoryStore) CompletePendingTasks(identity string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	n := 0
	for id, t := range s.tasks {
		if t.Identity != identity || t.Status != models.TaskStatusPending {
			continue
		}
		completed := at
		t.Status = models.TaskStatusCompleted
		t.CompletedAt = &completed
		s.tasks[id] = t
		n++
	}
	return n, nil
}

func (s *InMemoryStore) AddConversationLog(l models.ConversationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.CreatedAt = stamp(l.CreatedAt)
	s.logs = append(s.logs, l)
	return nil
}

func (s *InMemoryStore) ConversationLogs(identity string) ([]models.ConversationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationLog
	for _, l := range s.logs {
		if l.Identity == identity {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddEvent(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = stamp(e.CreatedAt)
	s.events = append(s.events, e)
	return nil
}

func (s *InMemoryStore) Events(identity string) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, e := range s.events {
		if e.Identity == identity {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) RecordInbound(messageID, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &inboundRecord{MessageID: messageID, Identity: identity, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
