package models

import "time"

// Session is the persisted interpreter position and variable bag for one identity.
// A nil CurrentFlow (empty string) is the idle state.
type Session struct {
	Identity        string            `json:"identity"`
	CurrentFlow     string            `json:"current_flow,omitempty"`
	StepCursor      int               `json:"step_cursor"`
	Variables       map[string]string `json:"variables,omitempty"`
	PendingVariable string            `json:"pending_variable,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewSession returns the default idle session for an identity.
func NewSession(identity string) *Session {
	now := time.Now().UTC()
	return &Session{
		Identity:  identity,
		Variables: make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Idle reports whether the session has no current flow.
func (s *Session) Idle() bool {
	return s.CurrentFlow == ""
}

// Clone returns a deep copy so callers can mutate without aliasing the stored value.
func (s *Session) Clone() *Session {
	c := *s
	c.Variables = CopyVariables(s.Variables)
	return &c
}

// CopyVariables returns a shallow copy of a variable bag; a nil bag copies to an empty map.
func CopyVariables(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
