package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakePrompter struct {
	out    string
	err    error
	system string
	user   string
	calls  int
}

func (f *fakePrompter) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.system = systemPrompt
	f.user = userPrompt
	return f.out, f.err
}

func TestCollaboratorGenerateUsesSystemPrompt(t *testing.T) {
	p := &fakePrompter{out: "Breathe, then draft for five minutes."}
	c := NewCollaborator(p, "")

	got := c.Generate(context.Background(), "I froze in the meeting")
	if got != p.out {
		t.Errorf("expected model output, got %q", got)
	}
	if p.system != SystemPrompt {
		t.Error("expected the service system prompt")
	}
	if p.user != "I froze in the meeting" {
		t.Errorf("unexpected user prompt %q", p.user)
	}
}

func TestCollaboratorGenerateFallsBack(t *testing.T) {
	tests := []struct {
		name string
		c    *Collaborator
	}{
		{"error", NewCollaborator(&fakePrompter{err: errors.New("503")}, "")},
		{"blank", NewCollaborator(&fakePrompter{out: "   "}, "")},
		{"disabled", NewCollaborator(nil, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Generate(context.Background(), "hi"); got != FallbackText {
				t.Errorf("expected fallback, got %q", got)
			}
			if _, ok := tt.c.GenerateWith(context.Background(), "sys", "hi"); ok {
				t.Error("expected ok=false")
			}
		})
	}
}

func TestCollaboratorClassify(t *testing.T) {
	tests := []struct {
		answer string
		err    error
		want   Label
	}{
		{"EMERGENCY", nil, LabelEmergency},
		{"emergency.", nil, LabelEmergency},
		{"Label: COACHING", nil, LabelCoaching},
		{"NORMAL", nil, LabelNormal},
		{"I am not sure", nil, LabelNormal},
		{"", errors.New("timeout"), LabelNormal},
	}
	for _, tt := range tests {
		p := &fakePrompter{out: tt.answer, err: tt.err}
		got := NewCollaborator(p, "").Classify(context.Background(), "my boss yelled")
		if got != tt.want {
			t.Errorf("Classify with answer %q = %s, want %s", tt.answer, got, tt.want)
		}
		if !strings.Contains(p.user, "my boss yelled") {
			t.Errorf("expected the message in the classification prompt, got %q", p.user)
		}
	}
}

func TestParseLabelPrefersEmergency(t *testing.T) {
	if got := ParseLabel("COACHING or maybe EMERGENCY"); got != LabelEmergency {
		t.Errorf("expected EMERGENCY to win, got %s", got)
	}
}
