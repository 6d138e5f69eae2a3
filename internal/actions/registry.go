// Package actions maps action names used by flow steps to typed handlers and
// runs them so that a failing collaborator never breaks a conversation.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
)

// DefaultTimeout bounds a single action run.
const DefaultTimeout = 20 * time.Second

// Invocation is what a handler sees. Handlers mutate Variables in place.
type Invocation struct {
	Identity  string
	Flow      string
	Input     string // raw inbound text, empty on scheduled resumption
	Variable  string // the step's variable: an output slot or, for loggers, the source slot
	Variables map[string]string
}

// Output returns the slot a producing action writes to.
func (inv *Invocation) Output(def string) string {
	if inv.Variable != "" {
		return inv.Variable
	}
	return def
}

func (inv *Invocation) clone() *Invocation {
	c := *inv
	c.Variables = models.CopyVariables(inv.Variables)
	return &c
}

// Handler runs one action. A returned error triggers the action's fallback.
type Handler func(ctx context.Context, inv *Invocation) error

// Fallback writes safe values after a handler failed or timed out.
type Fallback func(inv *Invocation)

type entry struct {
	handler  Handler
	fallback Fallback
}

// HandlerOption configures a registration.
type HandlerOption func(*entry)

// WithFallback sets the values written when the handler fails.
func WithFallback(f Fallback) HandlerOption {
	return func(e *entry) { e.fallback = f }
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry)}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h Handler, opts ...HandlerOption) {
	e := entry{handler: h}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = e
}

// Known reports whether name is registered. It is the catalog's load-time check.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names lists registered actions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[name]
	return e, ok
}

// Dispatcher executes registered actions.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each action run.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: reg, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Known reports whether the dispatcher can run name.
func (d *Dispatcher) Known(name string) bool {
	return d.registry.Known(name)
}

// Execute runs the named action against inv. It never fails and always
// returns within the dispatcher timeout: the handler works on a copy of the
// variable bag that is merged back only on success, otherwise the fallback
// writes into inv.
func (d *Dispatcher) Execute(ctx context.Context, name string, inv *Invocation) {
	e, ok := d.registry.lookup(name)
	if !ok {
		slog.Error("Dispatcher.Execute: unknown action", "action", name, "identity", inv.Identity)
		return
	}
	if inv.Variables == nil {
		inv.Variables = make(map[string]string)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	work := inv.clone()
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Dispatcher.Execute: action panicked", "action", name, "panic", p, "stack", string(debug.Stack()))
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- e.handler(ctx, work)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("action %s: %w", name, ctx.Err())
	}

	if err == nil {
		for k, v := range work.Variables {
			inv.Variables[k] = v
		}
		for k := range inv.Variables {
			if _, kept := work.Variables[k]; !kept {
				delete(inv.Variables, k)
			}
		}
		slog.Debug("Dispatcher.Execute: action completed", "action", name, "identity", inv.Identity, "elapsed", time.Since(start))
		return
	}

	slog.Warn("Dispatcher.Execute: action failed, applying fallback", "action", name, "identity", inv.Identity, "error", err, "elapsed", time.Since(start))
	if e.fallback != nil {
		e.fallback(inv)
	}
}
