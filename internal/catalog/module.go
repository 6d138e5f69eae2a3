package catalog

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/doylf/neuvero-pulse/internal/guard"
	"gopkg.in/yaml.v3"
)

// module is the parsed, validated content of one source file.
type module struct {
	name  string
	flows []*Flow
	slots []Slot
}

func isModuleFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// listModules returns module file names in sorted order.
func listModules(src fs.FS) ([]string, error) {
	var names []string
	err := fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if isModuleFile(p) && !strings.HasPrefix(d.Name(), ".") {
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// parseModule decodes and validates one module. Warnings are returned as
// non-fatal diagnostics; any error rejects the whole module.
func parseModule(name string, data []byte, knownAction func(string) bool) (*module, []Diagnostic, error) {
	var doc document
	// JSON is a subset of YAML, so one decoder serves both.
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}

	var diags []Diagnostic
	warn := func(flow, format string, args ...any) {
		diags = append(diags, Diagnostic{Module: name, Flow: flow, Message: fmt.Sprintf(format, args...)})
	}

	m := &module{name: name, slots: doc.Slots}
	byID := make(map[string]*Flow, len(doc.Flows))
	for i := range doc.Flows {
		f := doc.Flows[i]
		f.ID = strings.TrimSpace(f.ID)
		if f.ID == "" {
			return nil, diags, fmt.Errorf("flow #%d has no id", i+1)
		}
		if _, dup := byID[f.ID]; dup {
			return nil, diags, fmt.Errorf("flow %s declared twice", f.ID)
		}
		var triggers Triggers
		for _, t := range f.Triggers {
			t = strings.ToUpper(strings.TrimSpace(t))
			if t == "" {
				warn(f.ID, "empty trigger ignored")
				continue
			}
			triggers = append(triggers, t)
		}
		f.Triggers = triggers
		f.Module = name
		f.GuardExpr = guard.Compile(f.Guard)
		if !f.GuardExpr.Empty() && f.GuardExpr.Inert() {
			warn(f.ID, "unsupported guard %q treated as always passing", f.Guard)
		}
		fp := &f
		byID[f.ID] = fp
		m.flows = append(m.flows, fp)
	}

	orders := make(map[string]map[int]bool)
	for i := range doc.Steps {
		s := doc.Steps[i]
		s.Flow = strings.TrimSpace(s.Flow)
		f, ok := byID[s.Flow]
		if !ok {
			return nil, diags, fmt.Errorf("step #%d references unknown flow %q", i+1, s.Flow)
		}
		if orders[s.Flow] == nil {
			orders[s.Flow] = make(map[int]bool)
		}
		if orders[s.Flow][s.Order] {
			return nil, diags, fmt.Errorf("flow %s: duplicate step order %d", s.Flow, s.Order)
		}
		orders[s.Flow][s.Order] = true

		s.Type = StepType(strings.ToLower(strings.TrimSpace(string(s.Type))))
		if !s.Type.Valid() {
			return nil, diags, fmt.Errorf("flow %s step %d: unknown step type %q", s.Flow, s.Order, s.Type)
		}
		s.Variable = strings.TrimSpace(s.Variable)
		if err := checkStep(s, knownAction); err != nil {
			return nil, diags, fmt.Errorf("flow %s step %d: %w", s.Flow, s.Order, err)
		}
		s.Expr = guard.Compile(s.GuardSource())
		if src := s.GuardSource(); strings.TrimSpace(src) != "" && s.Expr.Inert() {
			warn(s.Flow, "step %d: unsupported guard %q is inert", s.Order, src)
		}
		if s.Type == StepValidate && s.Expr.Empty() {
			warn(s.Flow, "step %d: validate step without a guard never blocks", s.Order)
		}
		f.steps = append(f.steps, s)
	}

	for _, f := range m.flows {
		sort.SliceStable(f.steps, func(a, b int) bool { return f.steps[a].Order < f.steps[b].Order })
		if len(f.steps) == 0 {
			warn(f.ID, "flow has no steps")
		}
		if gaps := orderGaps(f.steps); gaps != "" {
			warn(f.ID, "step orders skip %s; steps still run in ascending order", gaps)
		}
	}
	return m, diags, nil
}

// orderGaps lists the orders missing from a sorted run that should count
// 1, 2, 3 and so on.
func orderGaps(steps []Step) string {
	var missing []string
	want := 1
	for _, s := range steps {
		for ; want < s.Order; want++ {
			missing = append(missing, strconv.Itoa(want))
		}
		if s.Order >= want {
			want = s.Order + 1
		}
	}
	return strings.Join(missing, ", ")
}

func checkStep(s Step, knownAction func(string) bool) error {
	switch s.Type {
	case StepCollect:
		if s.Variable == "" {
			return fmt.Errorf("collect step needs a variable")
		}
	case StepAction:
		name := strings.TrimSpace(s.Content)
		if name == "" {
			return fmt.Errorf("action step needs an action name")
		}
		if knownAction != nil && !knownAction(name) {
			return fmt.Errorf("unknown action %q", name)
		}
	case StepBranch:
		if s.BranchTarget() == "" {
			return fmt.Errorf("branch step needs a target flow")
		}
	case StepSchedule:
		if s.Schedule == nil {
			return fmt.Errorf("schedule step needs a schedule block")
		}
		if err := s.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
