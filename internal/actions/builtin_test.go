package actions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/doylf/neuvero-pulse/internal/genai"
	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/tidwall/gjson"
)

type stubAI struct {
	answer  string
	ok      bool
	prompts []string
}

func (s *stubAI) Generate(ctx context.Context, prompt string) string {
	if !s.ok {
		return genai.FallbackText
	}
	return s.answer
}

func (s *stubAI) GenerateWith(ctx context.Context, systemPrompt, prompt string) (string, bool) {
	s.prompts = append(s.prompts, prompt)
	return s.answer, s.ok
}

func (s *stubAI) Classify(ctx context.Context, text string) genai.Label {
	return genai.ParseLabel(s.answer)
}

type memRecorder struct {
	mu     sync.Mutex
	logs   []models.ConversationLog
	events []models.Event
	err    error
}

func (r *memRecorder) AddConversationLog(l models.ConversationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
	return r.err
}

func (r *memRecorder) AddEvent(e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

type stubNotifier struct {
	to, body string
	err      error
}

func (n *stubNotifier) SendMessage(ctx context.Context, to, body string) error {
	n.to, n.body = to, body
	return n.err
}

func newBuiltinDispatcher(deps Deps) *Dispatcher {
	reg := NewRegistry()
	RegisterBuiltins(reg, deps)
	return NewDispatcher(reg)
}

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name     string
		answer   string
		category string
		pattern  string
		wantErr  bool
	}{
		{"plain", `{"pattern":"Amygdala hijack","category":"NORMAL"}`, "NORMAL", "Amygdala hijack", false},
		{"fenced", "```json\n{\"pattern\": \"DMN loop\", \"category\": \"coaching\"}\n```", "COACHING", "DMN loop", false},
		{"prose around", `Sure! Here it is: {"category":"EMERGENCY","pattern":"crisis"} hope that helps`, "EMERGENCY", "crisis", false},
		{"odd category", `{"category":"maybe an emergency?"}`, "EMERGENCY", "Unknown", false},
		{"no json", "I cannot help with that", "", "", true},
		{"no category", `{"pattern":"x"}`, "", "", true},
		{"broken json", `{"category": "NORMAL"`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAnalysis(tt.answer)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAnalysis() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if a.Category != tt.category || a.Pattern != tt.pattern {
				t.Errorf("ParseAnalysis() = %+v, want {%s %s}", a, tt.category, tt.pattern)
			}
		})
	}
}

func TestAnalyzeStress(t *testing.T) {
	ai := &stubAI{answer: "```json\n{\"pattern\":\"Amygdala hijack\",\"category\":\"EMERGENCY\"}\n```", ok: true}
	d := newBuiltinDispatcher(Deps{AI: ai})

	inv := &Invocation{Identity: "15555551234", Variable: "ai_analysis", Variables: map[string]string{
		VarStressTrigger: "2",
		VarConfession:    "my boss yelled at me",
	}}
	d.Execute(context.Background(), ActionAnalyzeStress, inv)

	raw := inv.Variables["ai_analysis"]
	if got := gjson.Get(raw, "category").String(); got != "EMERGENCY" {
		t.Errorf("category = %q, want EMERGENCY (raw %s)", got, raw)
	}
	if len(ai.prompts) != 1 || !strings.Contains(ai.prompts[0], ProfileBoss) || !strings.Contains(ai.prompts[0], "my boss yelled at me") {
		t.Errorf("prompt missing context: %v", ai.prompts)
	}
}

func TestAnalyzeStressFallback(t *testing.T) {
	for name, deps := range map[string]Deps{
		"no ai":      {},
		"ai failure": {AI: &stubAI{ok: false}},
		"garbage":    {AI: &stubAI{answer: "no idea", ok: true}},
	} {
		t.Run(name, func(t *testing.T) {
			d := newBuiltinDispatcher(deps)
			inv := &Invocation{Variables: map[string]string{}}
			d.Execute(context.Background(), ActionAnalyzeStress, inv)
			raw := inv.Variables[VarAnalysis]
			if gjson.Get(raw, "category").String() != "NORMAL" || gjson.Get(raw, "pattern").String() != "Unknown" {
				t.Errorf("fallback analysis = %s", raw)
			}
		})
	}
}

func TestGenerateFinalAdvice(t *testing.T) {
	ai := &stubAI{answer: "  Breathe. You shipped the launch last month; you can handle this.  ", ok: true}
	d := newBuiltinDispatcher(Deps{AI: ai})

	inv := &Invocation{Variables: map[string]string{
		VarStressTrigger: "3",
		VarSubtype:       "2",
		VarConfession:    "I froze in standup",
		VarAnalysis:      `{"category":"NORMAL","pattern":"DMN loop"}`,
	}}
	d.Execute(context.Background(), ActionGenerateFinalAdvice, inv)

	if got := inv.Variables[VarFinalAdvice]; got != "Breathe. You shipped the launch last month; you can handle this." {
		t.Errorf("advice = %q", got)
	}
	if !strings.Contains(ai.prompts[0], "self-doubt") || !strings.Contains(ai.prompts[0], "DMN (DMN loop)") {
		t.Errorf("prompt = %q", ai.prompts[0])
	}
}

func TestGenerateFinalAdviceClipsLongAnswers(t *testing.T) {
	ai := &stubAI{answer: strings.Repeat("calm steady words ", 30), ok: true}
	d := newBuiltinDispatcher(Deps{AI: ai})
	inv := &Invocation{Variables: map[string]string{}}
	d.Execute(context.Background(), ActionGenerateFinalAdvice, inv)

	got := inv.Variables[VarFinalAdvice]
	if n := len([]rune(got)); n > MaxAdviceLength {
		t.Errorf("advice length = %d, want <= %d", n, MaxAdviceLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("clipped advice should end with an ellipsis: %q", got)
	}
}

func TestGenerateFinalAdviceFallback(t *testing.T) {
	tests := []struct {
		trigger, subtype string
		want             string
	}{
		{"1", "1", cannedAdvice[SubtypeAmygdala]},
		{"2", "", cannedAdvice[ProfileBoss]},
		{"", "", defaultAdvice},
	}
	for _, tt := range tests {
		d := newBuiltinDispatcher(Deps{AI: &stubAI{ok: false}})
		inv := &Invocation{Variables: map[string]string{VarStressTrigger: tt.trigger, VarSubtype: tt.subtype}}
		d.Execute(context.Background(), ActionGenerateFinalAdvice, inv)
		if got := inv.Variables[VarFinalAdvice]; got != tt.want {
			t.Errorf("trigger=%q subtype=%q: advice = %q, want %q", tt.trigger, tt.subtype, got, tt.want)
		}
	}
}

func TestLogConversation(t *testing.T) {
	rec := &memRecorder{}
	d := newBuiltinDispatcher(Deps{Recorder: rec})
	inv := &Invocation{Identity: "15555551234", Flow: "flow_stress_relief", Variables: map[string]string{
		VarConfession:  "deadline panic",
		VarFinalAdvice: "one step",
	}}
	d.Execute(context.Background(), ActionLogConversation, inv)

	if len(rec.logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(rec.logs))
	}
	l := rec.logs[0]
	if l.Identity != "15555551234" || l.Message != "deadline panic" || l.Reply != "one step" || l.FlowID != "flow_stress_relief" || l.ID == "" {
		t.Errorf("unexpected log: %+v", l)
	}
}

func TestLoggingFailuresAreSwallowed(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	d := newBuiltinDispatcher(Deps{Recorder: rec})
	inv := &Invocation{Variable: VarWeeklyWin, Variables: map[string]string{VarWeeklyWin: "shipped"}}
	d.Execute(context.Background(), ActionLogEvent, inv)
	if inv.Variables[VarWeeklyWin] != "shipped" {
		t.Errorf("variables disturbed: %v", inv.Variables)
	}
	if len(rec.events) != 1 {
		t.Errorf("events attempted = %d, want 1", len(rec.events))
	}
}

func TestLogEventCategories(t *testing.T) {
	rec := &memRecorder{}
	d := newBuiltinDispatcher(Deps{Recorder: rec})

	d.Execute(context.Background(), ActionLogEvent, &Invocation{Variable: VarWeeklyWin, Variables: map[string]string{VarWeeklyWin: "closed the deal"}})
	d.Execute(context.Background(), ActionLogEvent, &Invocation{Input: "thanks", Variables: map[string]string{VarEventCategory: string(models.EventGratitude)}})
	d.Execute(context.Background(), ActionLogWin, &Invocation{Input: "promoted", Variables: map[string]string{}})

	if len(rec.events) != 3 {
		t.Fatalf("events = %d, want 3", len(rec.events))
	}
	want := []struct {
		cat     models.EventCategory
		content string
	}{
		{models.EventFeedback, "closed the deal"},
		{models.EventGratitude, "thanks"},
		{models.EventWin, "promoted"},
	}
	for i, w := range want {
		if rec.events[i].Category != w.cat || rec.events[i].Content != w.content {
			t.Errorf("event %d = %+v, want %s/%s", i, rec.events[i], w.cat, w.content)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name     string
		deps     Deps
		variable string
		want     string
	}{
		{"coaching", Deps{AI: &stubAI{answer: "COACHING", ok: true}}, "", "COACHING"},
		{"emergency into named slot", Deps{AI: &stubAI{answer: `{"category":"EMERGENCY"}`, ok: true}}, "win_class", "EMERGENCY"},
		{"unrecognized answer", Deps{AI: &stubAI{answer: "maybe", ok: true}}, "", "NORMAL"},
		{"no ai falls back", Deps{}, "", "NORMAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newBuiltinDispatcher(tt.deps)
			inv := &Invocation{Input: "I need to talk to someone", Variable: tt.variable, Variables: map[string]string{}}
			d.Execute(context.Background(), ActionClassifyMessage, inv)

			raw := inv.Variables[inv.Output(VarMessageClass)]
			if got := gjson.Get(raw, "category").String(); got != tt.want {
				t.Errorf("category = %q, want %q (raw %s)", got, tt.want, raw)
			}
		})
	}
}

func TestClearSlot(t *testing.T) {
	d := newBuiltinDispatcher(Deps{})
	inv := &Invocation{Variable: "coaching_answer", Variables: map[string]string{
		"coaching_answer": "YES",
		"timezone":        "America/Chicago",
	}}
	d.Execute(context.Background(), ActionClearSlot, inv)

	if _, ok := inv.Variables["coaching_answer"]; ok {
		t.Errorf("coaching_answer still set: %v", inv.Variables)
	}
	if inv.Variables["timezone"] != "America/Chicago" {
		t.Errorf("unrelated variable changed: %v", inv.Variables)
	}
}

func TestSaveOutcome(t *testing.T) {
	rec := &memRecorder{}
	d := newBuiltinDispatcher(Deps{Recorder: rec})
	d.Execute(context.Background(), ActionSaveOutcome, &Invocation{Variables: map[string]string{
		VarStressTrigger: "1",
		VarSubtype:       "3",
		VarAnalysis:      `{"category":"NORMAL","pattern":"fog"}`,
		VarFinalAdvice:   "hydrate",
	}})
	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.Category != models.EventOutcome || e.Result != "hydrate" || e.Content != "trigger=CO-WORKER subtype=PFC category=NORMAL" {
		t.Errorf("unexpected outcome: %+v", e)
	}
}

func TestAlert(t *testing.T) {
	rec := &memRecorder{}
	n := &stubNotifier{}
	d := newBuiltinDispatcher(Deps{Recorder: rec, Notifier: n, AlertAddress: "+15550000000"})

	d.Execute(context.Background(), ActionAlert, &Invocation{Identity: "15555551234", Input: "emergency", Variables: map[string]string{}})

	if n.to != "+15550000000" || !strings.Contains(n.body, "15555551234") || !strings.Contains(n.body, "emergency") {
		t.Errorf("notification = %q to %q", n.body, n.to)
	}
	if len(rec.events) != 1 || rec.events[0].Category != models.EventCrisisAlert {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestAlertSwallowsFailures(t *testing.T) {
	n := &stubNotifier{err: errors.New("twilio down")}
	d := newBuiltinDispatcher(Deps{Notifier: n, AlertAddress: "+15550000000"})
	inv := &Invocation{Variables: map[string]string{"k": "v"}}
	d.Execute(context.Background(), ActionAlert, inv)
	if inv.Variables["k"] != "v" || len(inv.Variables) != 1 {
		t.Errorf("variables disturbed: %v", inv.Variables)
	}
}

func TestSystemCommand(t *testing.T) {
	d := newBuiltinDispatcher(Deps{})
	tests := []struct {
		input string
		want  string
	}{
		{"HELP", Response(ResponseHelp)},
		{"please stop texting", Response(ResponseStopInstruction)},
		{"stop? help", Response(ResponseHelp)},
		{"", Response(ResponseHelp)},
	}
	for _, tt := range tests {
		inv := &Invocation{Input: tt.input, Variables: map[string]string{}}
		d.Execute(context.Background(), ActionSystemCommand, inv)
		if got := inv.Variables[VarAdminResponse]; got != tt.want {
			t.Errorf("input %q: admin_response = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestClip(t *testing.T) {
	if got := Clip("short", 160); got != "short" {
		t.Errorf("Clip(short) = %q", got)
	}
	got := Clip("alpha beta gamma delta epsilon", 20)
	if got != "alpha beta gamma..." {
		t.Errorf("Clip() = %q", got)
	}
}

func TestProfileAndSubtype(t *testing.T) {
	cases := map[string]string{"1": ProfileCoworker, "2) boss": ProfileBoss, "self doubt": ProfileSelf, "Boss": ProfileBoss, "": "", "9": ""}
	for in, want := range cases {
		if got := ProfileFor(in); got != want {
			t.Errorf("ProfileFor(%q) = %q, want %q", in, got, want)
		}
	}
	if got := SubtypeFor("brain fog"); got != SubtypePFC {
		t.Errorf("SubtypeFor(brain fog) = %q", got)
	}
}
