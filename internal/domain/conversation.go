package domain

import "time"

// Phase is the step of the submission flow a conversation is in.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingArtifact Phase = "awaiting_artifact"
)

// ConversationState is the per-requester submission state. An absent state is
// equivalent to PhaseIdle.
type ConversationState struct {
	ConversationID    int64
	Phase             Phase
	PendingCredential string
	UpdatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the state has outlived its deadline at now. A zero
// ExpiresAt never expires.
func (s ConversationState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Awaiting reports whether the conversation holds a validated credential and
// is waiting for its artifact.
func (s ConversationState) Awaiting(now time.Time) bool {
	return s.Phase == PhaseAwaitingArtifact && s.PendingCredential != "" && !s.Expired(now)
}
