package models

import "time"

// ConversationLog is one append-only record of an inbound message and the reply produced.
type ConversationLog struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Channel   string    `json:"channel,omitempty"` // receiving address
	Message   string    `json:"message"`
	Reply     string    `json:"reply"`
	FlowID    string    `json:"flow_id,omitempty"`
	Step      int       `json:"step"`
	CreatedAt time.Time `json:"created_at"`
}

// EventCategory classifies an Event.
type EventCategory string

const (
	EventWin         EventCategory = "Win"
	EventGratitude   EventCategory = "Gratitude"
	EventCrisisAlert EventCategory = "Crisis Alert"
	EventFeedback    EventCategory = "Feedback"
	EventSystemFlag  EventCategory = "System Flag"
	EventOutcome     EventCategory = "Outcome"
)

// Event is an append-only record of something notable in a conversation.
type Event struct {
	ID        string        `json:"id"`
	Identity  string        `json:"identity"`
	Category  EventCategory `json:"category"`
	Content   string        `json:"content"`
	Result    string        `json:"result,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
