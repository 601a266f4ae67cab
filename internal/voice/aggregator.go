package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/chat"
)

// PendingTranscript is the not yet finalised text of the current turn.
type PendingTranscript struct {
	User  string `json:"user"`
	Model string `json:"model"`
}

// Empty reports whether both speakers' text is empty.
func (p PendingTranscript) Empty() bool { return p.User == "" && p.Model == "" }

// Aggregator accumulates streaming transcript deltas and writes one chat
// message per speaker when a turn completes. It is safe for concurrent use.
type Aggregator struct {
	sink      chat.Sink
	sessionID string
	now       func() time.Time

	mu      sync.Mutex
	pending PendingTranscript
}

// NewAggregator returns an Aggregator that appends to sessionID in sink.
func NewAggregator(sink chat.Sink, sessionID string) *Aggregator {
	return &Aggregator{sink: sink, sessionID: sessionID, now: time.Now}
}

// OnDelta appends text to the pending transcript of speaker. It never touches
// the chat log.
func (a *Aggregator) OnDelta(speaker chat.Role, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch speaker {
	case chat.RoleUser:
		a.pending.User += text
	case chat.RoleModel:
		a.pending.Model += text
	}
}

// Pending returns a copy of the current pending transcript.
func (a *Aggregator) Pending() PendingTranscript {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Reset discards the pending transcript without writing it.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.pending = PendingTranscript{}
	a.mu.Unlock()
}

// OnTurnComplete appends the user message and then the model message to the
// chat log, skipping a speaker whose trimmed text is empty, and clears the
// pending transcript. It returns the messages that were appended. The pending
// transcript is cleared even when an append fails.
func (a *Aggregator) OnTurnComplete(ctx context.Context) ([]chat.Message, error) {
	a.mu.Lock()
	p := a.pending
	a.pending = PendingTranscript{}
	a.mu.Unlock()

	at := a.now()
	var (
		out  []chat.Message
		errs []error
	)
	for _, m := range []chat.Message{
		{Role: chat.RoleUser, Text: strings.TrimSpace(p.User), CreatedAt: at},
		{Role: chat.RoleModel, Text: strings.TrimSpace(p.Model), CreatedAt: at},
	} {
		if m.Text == "" {
			continue
		}
		if err := a.sink.Append(ctx, a.sessionID, m); err != nil {
			errs = append(errs, fmt.Errorf("voice: append %s message: %w", m.Role, err))
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}
