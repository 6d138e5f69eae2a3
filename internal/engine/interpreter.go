package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/doylf/neuvero-pulse/internal/actions"
	"github.com/doylf/neuvero-pulse/internal/catalog"
	"github.com/doylf/neuvero-pulse/internal/models"
)

// DefaultLoopLimit bounds the steps executed in one turn. It exists only to
// stop cyclic branch configurations.
const DefaultLoopLimit = 50

// ErrLoopLimit is returned when a turn executes more steps than the limit.
var ErrLoopLimit = errors.New("engine: step loop limit exceeded")

// TimezoneVariable is the session variable schedule steps read the user's timezone from.
const TimezoneVariable = "timezone"

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Interpolate replaces {name} placeholders with variable values. A name with
// no variable renders the canned response of that key, so modules can say
// {COACHING_CONFIRM_PROMPT}; anything else renders as the empty string.
func Interpolate(content string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return actions.Response(name)
	})
}

// retryPrompt is the message a blocking validate step sends. A single-token
// content names the expected answer.
func retryPrompt(content string, vars map[string]string) string {
	c := strings.TrimSpace(content)
	if c == "" {
		return "Sorry, I didn't catch that. Please try again."
	}
	if !strings.ContainsAny(c, " \t{") {
		return fmt.Sprintf("Please reply %s to continue.", c)
	}
	return Interpolate(c, vars)
}

// maySwitch reports whether a resolved trigger may move the session to flow.
func maySwitch(sess *models.Session, current, flow *catalog.Flow) bool {
	if sess.Idle() || current == nil {
		return true
	}
	return !current.Locked || flow.ID == current.ID
}

// switchFlow points the session at the start of flow and clears the variables
// that flow collects. Every other variable carries over.
func switchFlow(sess *models.Session, flow *catalog.Flow) {
	sess.CurrentFlow = flow.ID
	sess.StepCursor = 0
	sess.PendingVariable = ""
	for _, name := range flow.CollectVariables() {
		delete(sess.Variables, name)
	}
}

// turn is one interpreter invocation.
type turn struct {
	engine    *Engine
	sess      *models.Session
	input     string
	scheduled bool
	output    []string
}

// run executes steps until the flow suspends, pauses or completes. The
// session is mutated in place; the caller persists it.
func (t *turn) run(ctx context.Context) error {
	e := t.engine
	sess := t.sess
	if sess.Variables == nil {
		sess.Variables = make(map[string]string)
	}

	if !t.scheduled {
		if flow := e.catalog.Resolve(t.input, sess.Variables); flow != nil {
			current := e.catalog.GetFlow(sess.CurrentFlow)
			if maySwitch(sess, current, flow) {
				if sess.CurrentFlow != flow.ID {
					slog.Info("Engine.turn: switching flow", "identity", sess.Identity, "from", sess.CurrentFlow, "to", flow.ID)
				}
				switchFlow(sess, flow)
			} else {
				slog.Debug("Engine.turn: flow locked, trigger ignored", "identity", sess.Identity, "flow", sess.CurrentFlow, "trigger", flow.ID)
			}
		}
	}

	if sess.Idle() {
		t.emit(actions.Response(actions.ResponseDefault))
		return nil
	}

	for i := 0; ; i++ {
		if i >= e.loopLimit {
			slog.Error("Engine.turn: loop limit exceeded, aborting turn", "critical", true, "identity", sess.Identity, "flow", sess.CurrentFlow, "cursor", sess.StepCursor, "limit", e.loopLimit)
			return ErrLoopLimit
		}

		steps := e.catalog.GetSteps(sess.CurrentFlow)
		if sess.StepCursor < 0 || sess.StepCursor >= len(steps) {
			slog.Debug("Engine.turn: flow completed", "identity", sess.Identity, "flow", sess.CurrentFlow, "cursor", sess.StepCursor)
			sess.CurrentFlow = ""
			sess.StepCursor = 0
			return nil
		}
		step := steps[sess.StepCursor]
		slog.Debug("Engine.turn: step", "identity", sess.Identity, "flow", sess.CurrentFlow, "cursor", sess.StepCursor, "type", step.Type)

		switch step.Type {
		case catalog.StepResponse:
			t.emit(Interpolate(step.Content, sess.Variables))
			sess.StepCursor++

		case catalog.StepAction:
			inv := &actions.Invocation{
				Identity:  sess.Identity,
				Flow:      sess.CurrentFlow,
				Input:     t.input,
				Variable:  step.Variable,
				Variables: sess.Variables,
			}
			e.dispatcher.Execute(ctx, strings.TrimSpace(step.Content), inv)
			sess.Variables = inv.Variables
			sess.StepCursor++

		case catalog.StepBranch:
			if step.Expr.Eval(t.input, sess.Variables) {
				target := step.BranchTarget()
				slog.Info("Engine.turn: branching", "identity", sess.Identity, "from", sess.CurrentFlow, "to", target)
				sess.CurrentFlow = target
				sess.StepCursor = 0
				continue
			}
			sess.StepCursor++

		case catalog.StepValidate:
			if step.Expr.Eval(t.input, sess.Variables) {
				t.emit(retryPrompt(step.Content, sess.Variables))
				// The next answer re-fills the validated slot.
				sess.PendingVariable = step.Variable
				return nil
			}
			sess.StepCursor++

		case catalog.StepCollect:
			if _, ok := sess.Variables[step.Variable]; ok {
				sess.StepCursor++
				continue
			}
			sess.PendingVariable = step.Variable
			return nil

		case catalog.StepSchedule:
			if err := t.schedule(step); err != nil {
				slog.Error("Engine.turn: schedule failed, flow paused without a resume task", "identity", sess.Identity, "flow", sess.CurrentFlow, "error", err)
			} else if step.Content != "" {
				t.emit(Interpolate(step.Content, sess.Variables))
			}
			// The cursor keeps pointing at the resume step while the flow is paused.
			sess.StepCursor++
			sess.CurrentFlow = ""
			return nil

		default:
			// Unknown types are rejected at load; skip rather than stall.
			slog.Warn("Engine.turn: skipping unknown step type", "identity", sess.Identity, "flow", sess.CurrentFlow, "type", step.Type)
			sess.StepCursor++
		}
	}
}

func (t *turn) schedule(step catalog.Step) error {
	if step.Schedule == nil {
		return errors.New("schedule step has no schedule block")
	}
	sess := t.sess
	_, err := t.engine.scheduler.ScheduleStep(sess.Identity, sess.CurrentFlow, sess.StepCursor+1, sess.Variables, sess.Variables[TimezoneVariable], *step.Schedule)
	return err
}

func (t *turn) emit(text string) {
	if text == "" {
		return
	}
	t.output = append(t.output, text)
}

// reply joins buffered output. Empty means no reply is due.
func (t *turn) reply() string {
	return strings.Join(t.output, "\n")
}
