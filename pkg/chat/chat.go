// Package chat defines the persisted chat log shared by the text-chat path and
// the voice session.
//
// A chat log is an ordered, append-only sequence of [Message] values grouped
// by chat session. Messages are immutable once appended and are only ever
// removed together with their whole session.
//
// Every [Log] implementation must be safe for concurrent use and must preserve
// insertion order per session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role identifies the speaker of a message.
type Role string

const (
	// RoleUser marks a message spoken or typed by the user.
	RoleUser Role = "user"

	// RoleModel marks a message produced by the coaching model.
	RoleModel Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleModel }

// Message is one finalized chat entry.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrInvalidMessage is returned by Append for messages with an unknown role
// or empty text.
var ErrInvalidMessage = errors.New("chat: invalid message")

// Validate checks that m can be appended.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if m.Text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	return nil
}

// Sink is the append-only view of a chat log used by producers such as the
// voice session.
type Sink interface {
	// Append adds msg to the end of sessionID's log.
	Append(ctx context.Context, sessionID string, msg Message) error
}

// Log is a complete chat log store.
type Log interface {
	Sink

	// Messages returns sessionID's messages in insertion order. An unknown
	// session yields an empty, non-nil slice.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// DeleteSession removes every message of sessionID.
	DeleteSession(ctx context.Context, sessionID string) error
}

// MemoryLog is an in-process [Log]. The zero value is ready to use.
type MemoryLog struct {
	mu       sync.Mutex
	sessions map[string][]Message
}

var _ Log = (*MemoryLog)(nil)

// Append implements [Sink]. A zero CreatedAt is set to the current time.
func (l *MemoryLog) Append(_ context.Context, sessionID string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions == nil {
		l.sessions = make(map[string][]Message)
	}
	l.sessions[sessionID] = append(l.sessions[sessionID], msg)
	return nil
}

// Messages implements [Log].
func (l *MemoryLog) Messages(_ context.Context, sessionID string) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.sessions[sessionID]))
	copy(out, l.sessions[sessionID])
	return out, nil
}

// DeleteSession implements [Log].
func (l *MemoryLog) DeleteSession(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
	return nil
}
