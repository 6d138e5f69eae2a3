// Package engine runs flow conversations: it resolves triggers, fills slots,
// drives the step interpreter and resumes scheduled steps, serializing all
// work for one identity.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/doylf/neuvero-pulse/internal/actions"
	"github.com/doylf/neuvero-pulse/internal/catalog"
	"github.com/doylf/neuvero-pulse/internal/messaging"
	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/doylf/neuvero-pulse/internal/scheduler"
	"github.com/doylf/neuvero-pulse/internal/store"
	"github.com/google/uuid"
)

// Sender delivers replies produced outside a request (scheduled resumptions).
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// stopKeywords are the carrier opt-out words. An inbound message consisting of
// exactly one of them clears the session.
var stopKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// IsStopCommand reports whether text is an opt-out command.
func IsStopCommand(text string) bool {
	return stopKeywords[strings.ToUpper(strings.TrimSpace(text))]
}

// Engine is the conversation entry point shared by the HTTP layer and the scheduler.
type Engine struct {
	catalog    *catalog.Catalog
	store      store.Store
	dispatcher *actions.Dispatcher
	scheduler  *scheduler.Scheduler
	sender     Sender
	locks      *keyedMutex
	loopLimit  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLoopLimit bounds the steps executed per turn.
func WithLoopLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.loopLimit = n
		}
	}
}

// WithSender sets the channel scheduled output is delivered through.
func WithSender(s Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// New creates an Engine.
func New(cat *catalog.Catalog, st store.Store, disp *actions.Dispatcher, sched *scheduler.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		catalog:    cat,
		store:      st,
		dispatcher: disp,
		scheduler:  sched,
		locks:      newKeyedMutex(),
		loopLimit:  DefaultLoopLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the flow catalog the engine runs.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// HandleInbound runs one turn for identity and returns the reply text. An
// empty reply means nothing is due. Internal failures surface as an apology.
func (e *Engine) HandleInbound(ctx context.Context, identity, rawText string) string {
	return e.handle(ctx, identity, "", rawText)
}

// HandleMessage is HandleInbound for a channel message: it canonicalizes the
// sender into an identity, records where replies go and drops redelivered
// messages.
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) string {
	if err := msg.Validate(); err != nil {
		slog.Warn("Engine.HandleMessage: invalid inbound message", "from", msg.From, "error", err)
		return ""
	}
	identity, err := messaging.CanonicalIdentity(msg.From)
	if err != nil {
		slog.Warn("Engine.HandleMessage: cannot derive identity", "from", msg.From, "error", err)
		return ""
	}

	if msg.MessageID != "" {
		isNew, err := e.store.RecordInbound(msg.MessageID, identity)
		if err != nil {
			slog.Error("Engine.HandleMessage: dedup check failed, processing anyway", "messageID", msg.MessageID, "error", err)
		} else if !isNew {
			slog.Info("Engine.HandleMessage: duplicate delivery ignored", "messageID", msg.MessageID, "identity", identity)
			return ""
		}
	}

	if err := e.store.SaveContact(identity, strings.TrimSpace(msg.From)); err != nil {
		slog.Error("Engine.HandleMessage: failed to save contact", "identity", identity, "error", err)
	}

	reply := e.handle(ctx, identity, msg.To, msg.Body)

	if msg.MessageID != "" {
		if err := e.store.MarkProcessed(msg.MessageID); err != nil {
			slog.Warn("Engine.HandleMessage: failed to mark message processed", "messageID", msg.MessageID, "error", err)
		}
	}
	return reply
}

func (e *Engine) handle(ctx context.Context, identity, channel, rawText string) string {
	unlock := e.locks.Lock(identity)
	defer unlock()

	if IsStopCommand(rawText) {
		if err := e.stopLocked(identity); err != nil {
			slog.Error("Engine.HandleInbound: stop failed", "identity", identity, "error", err)
		}
		reply := actions.Response(actions.ResponseStop)
		e.logConversation(identity, channel, rawText, reply, "", 0)
		return reply
	}

	sess, err := e.loadSession(identity)
	if err != nil {
		slog.Error("Engine.HandleInbound: failed to load session", "identity", identity, "error", err)
		return actions.Response(actions.ResponseApology)
	}

	// A pending slot takes the raw answer unless the answer is itself a trigger.
	if sess.PendingVariable != "" && e.catalog.Resolve(rawText, sess.Variables) == nil {
		sess.Variables[sess.PendingVariable] = rawText
		slog.Debug("Engine.HandleInbound: slot filled", "identity", identity, "variable", sess.PendingVariable)
		sess.PendingVariable = ""
	}

	t := &turn{engine: e, sess: sess, input: rawText}
	if err := t.run(ctx); err != nil {
		if errors.Is(err, ErrLoopLimit) {
			reply := actions.Response(actions.ResponseApology)
			e.logConversation(identity, channel, rawText, reply, sess.CurrentFlow, sess.StepCursor)
			return reply
		}
		slog.Error("Engine.HandleInbound: turn failed", "identity", identity, "error", err)
		return actions.Response(actions.ResponseApology)
	}

	if err := e.saveSession(sess); err != nil {
		slog.Error("Engine.HandleInbound: failed to save session", "identity", identity, "error", err)
	}

	reply := t.reply()
	e.logConversation(identity, channel, rawText, reply, sess.CurrentFlow, sess.StepCursor)
	return reply
}

// Stop clears the identity's session and completes its pending scheduled tasks.
func (e *Engine) Stop(ctx context.Context, identity string) error {
	unlock := e.locks.Lock(identity)
	defer unlock()
	return e.stopLocked(identity)
}

func (e *Engine) stopLocked(identity string) error {
	if err := e.store.ClearSession(identity); err != nil {
		return err
	}
	n, err := e.store.CompletePendingTasks(identity, time.Now().UTC())
	if err != nil {
		return err
	}
	slog.Info("Engine.Stop: session cleared", "identity", identity, "tasksCancelled", n)
	return nil
}

// RunDueTasks resumes every scheduled step that is due and reports how many
// tasks were completed.
func (e *Engine) RunDueTasks(ctx context.Context) (int, error) {
	return e.scheduler.RunDue(ctx, e.scheduler.Now(), e.resume)
}

// ReloadCatalog re-reads the flow source. The catalog logs the diagnostics.
func (e *Engine) ReloadCatalog() ([]catalog.Diagnostic, error) {
	diags, err := e.catalog.Reload()
	if err != nil {
		slog.Error("Engine.ReloadCatalog: reload failed, keeping current catalog", "error", err)
		return diags, err
	}
	slog.Info("Engine.ReloadCatalog: catalog reloaded", "flows", len(e.catalog.Flows()), "diagnostics", len(diags))
	return diags, nil
}

// resume restores a task's position and variable snapshot and runs the flow
// from there. Errors leave the task pending for the next poll.
func (e *Engine) resume(ctx context.Context, task models.ScheduledTask) error {
	unlock := e.locks.Lock(task.Identity)
	defer unlock()

	address, err := e.store.GetContact(task.Identity)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Engine.resume: no address for identity, completing task without output", "id", task.ID, "identity", task.Identity)
		return nil
	}
	if err != nil {
		return err
	}

	sess, err := e.loadSession(task.Identity)
	if err != nil {
		return err
	}
	if !sess.Idle() || sess.PendingVariable != "" {
		slog.Warn("Engine.resume: resuming over an active conversation", "id", task.ID, "identity", task.Identity, "activeFlow", sess.CurrentFlow, "pending", sess.PendingVariable)
	}
	sess.CurrentFlow = task.FlowID
	sess.StepCursor = task.ResumeStep
	sess.PendingVariable = ""
	for k, v := range task.Variables {
		sess.Variables[k] = v
	}
	if err := e.saveSession(sess); err != nil {
		return err
	}

	t := &turn{engine: e, sess: sess, scheduled: true}
	if err := t.run(ctx); err != nil {
		// The restored position stays persisted; the task is not retried.
		slog.Error("Engine.resume: scheduled turn aborted", "id", task.ID, "identity", task.Identity, "error", err)
		return nil
	}
	if err := e.saveSession(sess); err != nil {
		slog.Error("Engine.resume: failed to save session", "identity", task.Identity, "error", err)
	}

	reply := t.reply()
	if reply == "" {
		return nil
	}
	e.logConversation(task.Identity, "", "", reply, sess.CurrentFlow, sess.StepCursor)
	if e.sender == nil {
		slog.Warn("Engine.resume: no sender configured, dropping scheduled output", "identity", task.Identity)
		return nil
	}
	if err := e.sender.SendMessage(ctx, address, reply); err != nil {
		slog.Error("Engine.resume: delivery failed", "id", task.ID, "identity", task.Identity, "error", err)
	}
	return nil
}

func (e *Engine) loadSession(identity string) (*models.Session, error) {
	sess, err := e.store.GetSession(identity)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewSession(identity), nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Variables == nil {
		sess.Variables = make(map[string]string)
	}
	return sess, nil
}

func (e *Engine) saveSession(sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	return e.store.SaveSession(*sess)
}

func (e *Engine) logConversation(identity, channel, message, reply, flow string, step int) {
	err := e.store.AddConversationLog(models.ConversationLog{
		ID:        uuid.NewString(),
		Identity:  identity,
		Channel:   channel,
		Message:   message,
		Reply:     reply,
		FlowID:    flow,
		Step:      step,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("Engine.logConversation: failed", "identity", identity, "error", err)
	}
}
