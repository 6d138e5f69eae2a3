package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/doylf/neuvero-pulse/internal/genai"
	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Built-in action names.
const (
	ActionAnalyzeStress       = "analyze_stress"
	ActionGenerateFinalAdvice = "generate_final_advice"
	ActionLogConversation     = "log_conversation"
	ActionLogEvent            = "log_event"
	ActionLogWin              = "log_win"
	ActionSaveOutcome         = "save_outcome"
	ActionAlert               = "alert"
	ActionCompleteOnboarding  = "complete_onboarding"
	ActionSystemCommand       = "handle_system_command"
	ActionClassifyMessage     = "classify_message"
	ActionClearSlot           = "clear_slot"
)

// Default output slots.
const (
	VarAnalysis      = "ai_analysis"
	VarFinalAdvice   = "final_advice"
	VarAdminResponse = "admin_response"
	VarStressTrigger = "stress_trigger"
	VarConfession    = "confession_text"
	VarSubtype       = "subtype_choice"
	VarWeeklyWin     = "weekly_win"
	VarEventCategory = "event_category"
	VarMessageClass  = "message_class"
)

// MaxAdviceLength is the SMS-sized target for generated advice.
const MaxAdviceLength = 160

// Recorder is the persistence the logging actions write to.
type Recorder interface {
	AddConversationLog(l models.ConversationLog) error
	AddEvent(e models.Event) error
}

// Notifier delivers alert messages.
type Notifier interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Deps are the collaborators built-in actions use. Nil members disable the
// actions that need them, which then fall back.
type Deps struct {
	AI           genai.Generator
	Recorder     Recorder
	Notifier     Notifier
	AlertAddress string
}

// Analysis is the structured result of analyze_stress.
type Analysis struct {
	Category string `json:"category"`
	Pattern  string `json:"pattern"`
}

var fallbackAnalysis = Analysis{Category: "NORMAL", Pattern: "Unknown"}

// RegisterBuiltins registers every built-in action on r.
func RegisterBuiltins(r *Registry, deps Deps) {
	b := &builtins{deps: deps}
	r.Register(ActionAnalyzeStress, b.analyzeStress, WithFallback(func(inv *Invocation) {
		inv.Variables[inv.Output(VarAnalysis)] = encodeAnalysis(fallbackAnalysis)
	}))
	r.Register(ActionGenerateFinalAdvice, b.generateAdvice, WithFallback(func(inv *Invocation) {
		inv.Variables[inv.Output(VarFinalAdvice)] = CannedAdvice(SubtypeFor(inv.Variables[VarSubtype]), ProfileFor(inv.Variables[VarStressTrigger]))
	}))
	r.Register(ActionLogConversation, b.logConversation)
	r.Register(ActionLogEvent, b.logEvent)
	r.Register(ActionLogWin, b.logWin)
	r.Register(ActionSaveOutcome, b.saveOutcome)
	r.Register(ActionAlert, b.alert)
	r.Register(ActionCompleteOnboarding, func(context.Context, *Invocation) error { return nil })
	r.Register(ActionSystemCommand, b.systemCommand, WithFallback(func(inv *Invocation) {
		inv.Variables[inv.Output(VarAdminResponse)] = Response(ResponseHelp)
	}))
	r.Register(ActionClassifyMessage, b.classifyMessage, WithFallback(func(inv *Invocation) {
		inv.Variables[inv.Output(VarMessageClass)] = encodeLabel(genai.LabelNormal)
	}))
	r.Register(ActionClearSlot, clearSlot)
}

type builtins struct {
	deps Deps
}

var errNoAI = errors.New("no AI collaborator configured")

func (b *builtins) analyzeStress(ctx context.Context, inv *Invocation) error {
	if b.deps.AI == nil {
		return errNoAI
	}
	profile := ProfileFor(inv.Variables[VarStressTrigger])
	if profile == "" {
		profile = "unspecified"
	}
	prompt := fmt.Sprintf(`%s

Trigger: %s
What happened: %s

Identify the stress pattern and whether this is a crisis. Respond with JSON only:
{"pattern": "<short pattern name>", "category": "EMERGENCY" | "NORMAL" | "COACHING"}`,
		stressKnowledge, profile, inv.Variables[VarConfession])

	out, ok := b.deps.AI.GenerateWith(ctx, "You are a precise workplace stress analyst. Output JSON only.", prompt)
	if !ok {
		return errors.New("analysis generation failed")
	}
	a, err := ParseAnalysis(out)
	if err != nil {
		return err
	}
	inv.Variables[inv.Output(VarAnalysis)] = encodeAnalysis(a)
	slog.Debug("analyze_stress: classified", "identity", inv.Identity, "category", a.Category, "pattern", a.Pattern)
	return nil
}

// ParseAnalysis extracts {pattern, category} from a model answer that may be
// wrapped in a markdown fence or surrounded by prose.
func ParseAnalysis(answer string) (Analysis, error) {
	raw := extractJSONObject(answer)
	if raw == "" || !gjson.Valid(raw) {
		return Analysis{}, fmt.Errorf("no JSON object in analysis answer")
	}
	category := strings.ToUpper(strings.TrimSpace(gjson.Get(raw, "category").String()))
	if category == "" {
		return Analysis{}, fmt.Errorf("analysis answer has no category")
	}
	switch genai.Label(category) {
	case genai.LabelEmergency, genai.LabelNormal, genai.LabelCoaching:
	default:
		category = string(genai.ParseLabel(category))
	}
	pattern := strings.TrimSpace(gjson.Get(raw, "pattern").String())
	if pattern == "" {
		pattern = fallbackAnalysis.Pattern
	}
	return Analysis{Category: category, Pattern: pattern}, nil
}

func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// classifyMessage labels the turn's input and stores {"category": LABEL}
// so branch conditions can test message_class.category.
func (b *builtins) classifyMessage(ctx context.Context, inv *Invocation) error {
	if b.deps.AI == nil {
		return errNoAI
	}
	label := b.deps.AI.Classify(ctx, inv.Input)
	inv.Variables[inv.Output(VarMessageClass)] = encodeLabel(label)
	slog.Debug("classify_message: labelled", "identity", inv.Identity, "label", label)
	return nil
}

func encodeLabel(l genai.Label) string {
	b, _ := json.Marshal(map[string]string{"category": string(l)})
	return string(b)
}

// clearSlot forgets the step's variable so a later collect asks again.
func clearSlot(_ context.Context, inv *Invocation) error {
	if inv.Variable == "" {
		return errors.New("clear_slot needs a variable")
	}
	delete(inv.Variables, inv.Variable)
	return nil
}

func encodeAnalysis(a Analysis) string {
	b, _ := json.Marshal(a)
	return string(b)
}

func (b *builtins) generateAdvice(ctx context.Context, inv *Invocation) error {
	if b.deps.AI == nil {
		return errNoAI
	}
	profile := ProfileFor(inv.Variables[VarStressTrigger])
	subtype := SubtypeFor(inv.Variables[VarSubtype])
	if subtype == "" {
		subtype = "unknown"
	}
	if raw := inv.Variables[VarAnalysis]; gjson.Valid(raw) {
		if pattern := gjson.Get(raw, "pattern").String(); pattern != "" {
			subtype += " (" + pattern + ")"
		}
	}
	win := inv.Variables[VarWeeklyWin]
	if win == "" {
		win = "none"
	}
	tmpl, ok := advicePrompts[profile]
	if !ok {
		tmpl = defaultAdvicePrompt
	}
	prompt := fmt.Sprintf(tmpl, inv.Variables[VarConfession], win, subtype)

	out, ok := b.deps.AI.GenerateWith(ctx, genai.SystemPrompt, prompt)
	if !ok {
		return errors.New("advice generation failed")
	}
	inv.Variables[inv.Output(VarFinalAdvice)] = Clip(out, MaxAdviceLength)
	return nil
}

// Clip shortens s to at most n runes, cutting at a word boundary when it can.
func Clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:n-3])
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}

func (b *builtins) record(kind string, fn func(Recorder) error, inv *Invocation) error {
	if b.deps.Recorder == nil {
		slog.Debug("action skipped, no recorder configured", "action", kind, "identity", inv.Identity)
		return nil
	}
	if err := fn(b.deps.Recorder); err != nil {
		// Logging failures are swallowed after logging.
		slog.Error("action persistence failed", "action", kind, "identity", inv.Identity, "error", err)
	}
	return nil
}

func (b *builtins) logConversation(ctx context.Context, inv *Invocation) error {
	message := inv.Variables[VarConfession]
	if inv.Variable != "" {
		message = inv.Variables[inv.Variable]
	}
	return b.record(ActionLogConversation, func(r Recorder) error {
		return r.AddConversationLog(models.ConversationLog{
			ID:        uuid.NewString(),
			Identity:  inv.Identity,
			Message:   message,
			Reply:     inv.Variables[VarFinalAdvice],
			FlowID:    inv.Flow,
			CreatedAt: time.Now().UTC(),
		})
	}, inv)
}

func (b *builtins) addEvent(inv *Invocation, category models.EventCategory, content, result string) error {
	return b.record(string(category), func(r Recorder) error {
		return r.AddEvent(models.Event{
			ID:        uuid.NewString(),
			Identity:  inv.Identity,
			Category:  category,
			Content:   content,
			Result:    result,
			CreatedAt: time.Now().UTC(),
		})
	}, inv)
}

// logEvent records the step variable's value. The category comes from the
// event_category variable and defaults to Feedback.
func (b *builtins) logEvent(ctx context.Context, inv *Invocation) error {
	category := models.EventCategory(inv.Variables[VarEventCategory])
	switch category {
	case models.EventWin, models.EventGratitude, models.EventCrisisAlert, models.EventFeedback, models.EventSystemFlag, models.EventOutcome:
	default:
		category = models.EventFeedback
	}
	return b.addEvent(inv, category, b.sourceValue(inv), "")
}

func (b *builtins) logWin(ctx context.Context, inv *Invocation) error {
	return b.addEvent(inv, models.EventWin, b.sourceValue(inv), "")
}

func (b *builtins) sourceValue(inv *Invocation) string {
	if inv.Variable != "" {
		return inv.Variables[inv.Variable]
	}
	return inv.Input
}

func (b *builtins) saveOutcome(ctx context.Context, inv *Invocation) error {
	content := fmt.Sprintf("trigger=%s subtype=%s category=%s",
		ProfileFor(inv.Variables[VarStressTrigger]),
		SubtypeFor(inv.Variables[VarSubtype]),
		gjson.Get(inv.Variables[VarAnalysis], "category").String())
	result := inv.Variables[VarFinalAdvice]
	if inv.Variable != "" {
		result = inv.Variables[inv.Variable]
	}
	return b.addEvent(inv, models.EventOutcome, content, result)
}

// alert records a crisis event and notifies the alert address. Failures are
// logged and swallowed.
func (b *builtins) alert(ctx context.Context, inv *Invocation) error {
	detail := inv.Variables[VarConfession]
	if detail == "" {
		detail = inv.Input
	}
	_ = b.addEvent(inv, models.EventCrisisAlert, detail, "")

	if b.deps.Notifier == nil || b.deps.AlertAddress == "" {
		slog.Warn("alert: no alert channel configured", "identity", inv.Identity)
		return nil
	}
	body := Clip(fmt.Sprintf("Crisis alert from %s: %s", inv.Identity, detail), 320)
	if err := b.deps.Notifier.SendMessage(ctx, b.deps.AlertAddress, body); err != nil {
		slog.Error("alert: notification failed", "identity", inv.Identity, "error", err)
	}
	return nil
}

func (b *builtins) systemCommand(ctx context.Context, inv *Invocation) error {
	upper := strings.ToUpper(inv.Input)
	reply := Response(ResponseHelp)
	if strings.Contains(upper, "STOP") && !strings.Contains(upper, "HELP") {
		reply = Response(ResponseStopInstruction)
	}
	inv.Variables[inv.Output(VarAdminResponse)] = reply
	return nil
}
