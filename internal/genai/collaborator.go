package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// FallbackText is what Generate returns when the model is unavailable.
const FallbackText = "I'm having trouble thinking right now. Please try again later."

// Label is a coarse classification of an inbound message.
type Label string

const (
	LabelEmergency Label = "EMERGENCY"
	LabelNormal    Label = "NORMAL"
	LabelCoaching  Label = "COACHING"
)

// Prompter is the raw generation call the collaborator builds on.
type Prompter interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Generator is the AI text collaborator consumed by actions. Implementations
// never fail: errors degrade to documented fallback values.
type Generator interface {
	Generate(ctx context.Context, prompt string) string
	GenerateWith(ctx context.Context, systemPrompt, prompt string) (string, bool)
	Classify(ctx context.Context, text string) Label
}

// Collaborator implements Generator over a Prompter. A nil Prompter (no API
// key configured) makes every call fall back immediately.
type Collaborator struct {
	prompter     Prompter
	systemPrompt string
}

// NewCollaborator wraps p. An empty systemPrompt uses SystemPrompt.
func NewCollaborator(p Prompter, systemPrompt string) *Collaborator {
	if systemPrompt == "" {
		systemPrompt = SystemPrompt
	}
	return &Collaborator{prompter: p, systemPrompt: systemPrompt}
}

// Enabled reports whether a model is configured.
func (c *Collaborator) Enabled() bool {
	return c != nil && c.prompter != nil
}

// Generate answers prompt under the service system prompt, or returns FallbackText.
func (c *Collaborator) Generate(ctx context.Context, prompt string) string {
	out, ok := c.GenerateWith(ctx, c.systemPrompt, prompt)
	if !ok {
		return FallbackText
	}
	return out
}

// GenerateWith reports ok=false instead of substituting a fallback, so callers
// can pick their own.
func (c *Collaborator) GenerateWith(ctx context.Context, systemPrompt, prompt string) (string, bool) {
	if !c.Enabled() {
		slog.Debug("Collaborator.GenerateWith: no model configured")
		return "", false
	}
	out, err := c.prompter.GeneratePromptWithContext(ctx, systemPrompt, prompt)
	if err != nil {
		slog.Warn("Collaborator.GenerateWith: generation failed", "error", err)
		return "", false
	}
	if strings.TrimSpace(out) == "" {
		slog.Warn("Collaborator.GenerateWith: empty generation")
		return "", false
	}
	return out, true
}

const classifyPrompt = `Classify the following text message from a professional into exactly one label.
EMERGENCY: self-harm, harm to others, or acute crisis.
COACHING: asks for a human coach, a call, or ongoing support.
NORMAL: anything else, including ordinary work stress.
Reply with one word: EMERGENCY, NORMAL or COACHING.

Message: %s`

// Classify labels text. Unavailable models and unrecognized answers yield LabelNormal.
func (c *Collaborator) Classify(ctx context.Context, text string) Label {
	out, ok := c.GenerateWith(ctx, "You are a strict text classifier.", fmt.Sprintf(classifyPrompt, text))
	if !ok {
		return LabelNormal
	}
	return ParseLabel(out)
}

// ParseLabel pattern-matches a model answer. EMERGENCY wins over COACHING
// when both appear.
func ParseLabel(answer string) Label {
	upper := strings.ToUpper(answer)
	switch {
	case strings.Contains(upper, string(LabelEmergency)):
		return LabelEmergency
	case strings.Contains(upper, string(LabelCoaching)):
		return LabelCoaching
	default:
		return LabelNormal
	}
}
