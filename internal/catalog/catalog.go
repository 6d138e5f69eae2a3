// Package catalog loads flow definitions from YAML or JSON modules and serves
// them to the interpreter. A Catalog can be reloaded at runtime; readers always
// see one complete snapshot.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
)

//go:embed defaults/*.yaml
var defaultModules embed.FS

// ErrNoModules is returned when a source contains no loadable module files.
var ErrNoModules = errors.New("catalog: no flow modules found")

// DefaultSource returns the built-in flow modules.
func DefaultSource() fs.FS {
	sub, err := fs.Sub(defaultModules, "defaults")
	if err != nil {
		// Only fails on a malformed path constant.
		panic(err)
	}
	return sub
}

// Opts configures a Catalog.
type Opts struct {
	KnownAction func(name string) bool
}

// Option is a functional option for New.
type Option func(*Opts)

// WithActionValidator rejects, at load time, modules whose action steps name
// an action for which known returns false.
func WithActionValidator(known func(name string) bool) Option {
	return func(o *Opts) {
		o.KnownAction = known
	}
}

type snapshot struct {
	order   []*Flow
	byID    map[string]*Flow
	slots   map[string]Slot
	modules map[string]*module
}

// Catalog holds the active set of flows.
type Catalog struct {
	source fs.FS
	opts   Opts

	reloadMu sync.Mutex
	mu       sync.RWMutex
	snap     *snapshot
}

// New builds a Catalog over src and performs the initial load. Modules that
// fail validation are reported as diagnostics; New only errors when the
// source cannot be read or yields no modules.
func New(src fs.FS, opts ...Option) (*Catalog, []Diagnostic, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	c := &Catalog{
		source: src,
		opts:   o,
		snap:   &snapshot{byID: map[string]*Flow{}, slots: map[string]Slot{}, modules: map[string]*module{}},
	}
	diags, err := c.Reload()
	if err != nil {
		return nil, diags, err
	}
	return c, diags, nil
}

// Reload re-reads every module and atomically swaps in the result. A module
// that now fails validation keeps its previously loaded version; one that
// never loaded is left out. If the source itself cannot be listed the
// current snapshot stays active and an error is returned.
func (c *Catalog) Reload() ([]Diagnostic, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	names, err := listModules(c.source)
	if err != nil {
		slog.Error("Catalog.Reload: list modules failed", "error", err)
		return nil, fmt.Errorf("catalog: list modules: %w", err)
	}
	if len(names) == 0 {
		slog.Error("Catalog.Reload: no modules in source")
		return nil, ErrNoModules
	}

	c.mu.RLock()
	prev := c.snap
	c.mu.RUnlock()

	var diags []Diagnostic
	modules := make(map[string]*module, len(names))
	loaded := make([]*module, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(c.source, name)
		var m *module
		var warnings []Diagnostic
		if err == nil {
			m, warnings, err = parseModule(name, data, c.opts.KnownAction)
		}
		diags = append(diags, warnings...)
		if err != nil {
			if old, ok := prev.modules[name]; ok {
				diags = append(diags, Diagnostic{Module: name, Message: err.Error() + "; keeping previous version", Fatal: true})
				m = old
			} else {
				diags = append(diags, Diagnostic{Module: name, Message: err.Error(), Fatal: true})
				continue
			}
		}
		modules[name] = m
		loaded = append(loaded, m)
	}

	next := &snapshot{
		byID:    make(map[string]*Flow),
		slots:   make(map[string]Slot),
		modules: modules,
	}
	for _, m := range loaded {
		for _, f := range m.flows {
			if existing, dup := next.byID[f.ID]; dup {
				diags = append(diags, Diagnostic{
					Module:  m.name,
					Flow:    f.ID,
					Message: fmt.Sprintf("overrides flow defined in %s", existing.Module),
				})
				next.order = removeFlow(next.order, f.ID)
			}
			next.byID[f.ID] = f
			next.order = append(next.order, f)
		}
		for _, s := range m.slots {
			next.slots[s.Name] = s
		}
	}
	for _, f := range next.order {
		for _, s := range f.steps {
			if s.Type != StepBranch {
				continue
			}
			if _, ok := next.byID[s.BranchTarget()]; !ok {
				diags = append(diags, Diagnostic{
					Module:  f.Module,
					Flow:    f.ID,
					Message: fmt.Sprintf("step %d branches to unknown flow %q", s.Order, s.BranchTarget()),
				})
			}
		}
	}

	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()

	logDiagnostics(diags)
	slog.Info("Catalog reloaded", "modules", len(loaded), "flows", len(next.order), "diagnostics", len(diags))
	return diags, nil
}

func removeFlow(order []*Flow, id string) []*Flow {
	out := order[:0]
	for _, f := range order {
		if f.ID != id {
			out = append(out, f)
		}
	}
	return out
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// GetFlow returns the flow with the given id, or nil.
func (c *Catalog) GetFlow(id string) *Flow {
	return c.current().byID[id]
}

// GetSteps returns the steps of a flow in position order, or nil if the flow
// is unknown.
func (c *Catalog) GetSteps(id string) []Step {
	f := c.GetFlow(id)
	if f == nil {
		return nil
	}
	return f.steps
}

// Flows returns every active flow in catalog order.
func (c *Catalog) Flows() []*Flow {
	order := c.current().order
	out := make([]*Flow, len(order))
	copy(out, order)
	return out
}

// Slot returns the declaration of a variable, if any module declares it.
func (c *Catalog) Slot(name string) (Slot, bool) {
	s, ok := c.current().slots[name]
	return s, ok
}

// FindTriggerFlow returns the first flow, in catalog order, that has a trigger
// contained in the uppercased text. Flow guards are not consulted.
func (c *Catalog) FindTriggerFlow(text string) *Flow {
	return c.Resolve(text, nil)
}

// Resolve is FindTriggerFlow with flow guards applied: when vars is non-nil a
// flow whose guard does not permit is skipped.
func (c *Catalog) Resolve(text string, vars map[string]string) *Flow {
	upper := strings.ToUpper(text)
	for _, f := range c.current().order {
		if !f.matches(upper) {
			continue
		}
		if vars != nil && !f.GuardExpr.Permits(text, vars) {
			continue
		}
		return f
	}
	return nil
}

func (f *Flow) matches(upper string) bool {
	for _, t := range f.Triggers {
		if t != "" && strings.Contains(upper, t) {
			return true
		}
	}
	return false
}

// logDiagnostics is the one place reload diagnostics reach the log; callers
// get them back for reporting only.
func logDiagnostics(diags []Diagnostic) {
	for _, d := range diags {
		if d.Fatal {
			slog.Warn("Catalog module rejected", "diagnostic", d.String())
		} else {
			slog.Info("Catalog diagnostic", "diagnostic", d.String())
		}
	}
}
