package catalog

import (
	"fmt"
	"strings"

	"github.com/doylf/neuvero-pulse/internal/guard"
	"github.com/doylf/neuvero-pulse/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// StepType is the instruction kind of a Step.
type StepType string

const (
	StepResponse StepType = "response"
	StepCollect  StepType = "collect"
	StepAction   StepType = "action"
	StepBranch   StepType = "branch"
	StepValidate StepType = "validate"
	StepSchedule StepType = "schedule"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepResponse, StepCollect, StepAction, StepBranch, StepValidate, StepSchedule:
		return true
	}
	return false
}

// Triggers is a list of trigger keywords. In a module it may be written as a
// YAML sequence or as one comma-separated string ("OUCH, TIPS").
type Triggers []string

// UnmarshalYAML accepts both a scalar and a sequence.
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = splitTriggers(value.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	default:
		return fmt.Errorf("line %d: triggers must be a string or a list", value.Line)
	}
}

func splitTriggers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Flow is a named, ordered script of steps. Values handed out by a Catalog
// are shared and must be treated as read-only.
type Flow struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description,omitempty"`
	Triggers    Triggers `yaml:"triggers,omitempty"`
	Locked      bool     `yaml:"locked,omitempty"`
	Guard       string   `yaml:"guard,omitempty"`

	GuardExpr guard.Expr `yaml:"-"`
	Module    string     `yaml:"-"`
	steps     []Step
}

// Steps returns the flow's steps in position order.
func (f *Flow) Steps() []Step {
	return f.steps
}

// CollectVariables lists the variables this flow's collect steps fill.
func (f *Flow) CollectVariables() []string {
	var names []string
	for _, s := range f.steps {
		if s.Type == StepCollect && s.Variable != "" {
			names = append(names, s.Variable)
		}
	}
	return names
}

// Step is one instruction of a flow. Position is its index in Flow.Steps().
type Step struct {
	Flow      string          `yaml:"flow"`
	Order     int             `yaml:"order"`
	Type      StepType        `yaml:"type"`
	Content   string          `yaml:"content,omitempty"`
	Variable  string          `yaml:"variable,omitempty"`
	Guard     string          `yaml:"guard,omitempty"`
	Condition string          `yaml:"condition,omitempty"`
	Target    string          `yaml:"target,omitempty"`
	Schedule  *scheduler.Spec `yaml:"schedule,omitempty"`

	Expr guard.Expr `yaml:"-"`
}

// GuardSource returns the guard text, preferring guard over condition.
func (s Step) GuardSource() string {
	if strings.TrimSpace(s.Guard) != "" {
		return s.Guard
	}
	return s.Condition
}

// BranchTarget returns the flow a branch step jumps to.
func (s Step) BranchTarget() string {
	if s.Target != "" {
		return strings.TrimSpace(s.Target)
	}
	return strings.TrimSpace(s.Content)
}

// Slot documents a variable.
type Slot struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// document is the on-disk shape of one module.
type document struct {
	Flows []Flow `yaml:"flows"`
	Steps []Step `yaml:"steps"`
	Slots []Slot `yaml:"slots"`
}

// Diagnostic describes a problem found while loading a module.
type Diagnostic struct {
	Module  string `json:"module"`
	Flow    string `json:"flow,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"` // the module (or its new version) was rejected
}

func (d Diagnostic) String() string {
	if d.Flow != "" {
		return fmt.Sprintf("%s: flow %s: %s", d.Module, d.Flow, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Module, d.Message)
}
