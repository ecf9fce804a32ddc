package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bot-deployer/internal/domain"
)

// Conversations is an in-memory conversation state store. Expired states are
// dropped on read and reported as idle.
type Conversations struct {
	mu     sync.Mutex
	states map[int64]domain.ConversationState
	now    func() time.Time
}

// NewConversations returns an empty store. A nil clock defaults to time.Now.
func NewConversations(now func() time.Time) *Conversations {
	if now == nil {
		now = time.Now
	}
	return &Conversations{
		states: make(map[int64]domain.ConversationState),
		now:    now,
	}
}

// Get returns the state for id, or an idle state when none is stored.
func (c *Conversations) Get(_ context.Context, id int64) (domain.ConversationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[id]
	if !ok {
		return idleState(id), nil
	}
	if st.Expired(c.now()) {
		delete(c.states, id)
		return idleState(id), nil
	}
	return st, nil
}

// Put stores st, replacing any previous state for the conversation. Putting
// an idle state removes the entry.
func (c *Conversations) Put(_ context.Context, st domain.ConversationState) error {
	if st.Phase == domain.PhaseAwaitingArtifact && st.PendingCredential == "" {
		return fmt.Errorf("%w: awaiting state without credential", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if st.Phase == domain.PhaseIdle || st.Phase == "" {
		delete(c.states, st.ConversationID)
		return nil
	}
	st.UpdatedAt = c.now()
	c.states[st.ConversationID] = st
	return nil
}

// Delete resets the conversation to idle. Deleting an absent id is a no-op.
func (c *Conversations) Delete(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, id)
	return nil
}

// size returns the number of non-idle conversations held, including expired
// entries not yet read.
func (c *Conversations) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func idleState(id int64) domain.ConversationState {
	return domain.ConversationState{ConversationID: id, Phase: domain.PhaseIdle}
}
