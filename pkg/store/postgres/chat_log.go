package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicecoach/pkg/chat"
)

// ChatLog implements [chat.Log] on the chat_messages table. Insertion order is
// the BIGSERIAL id order.
//
// Obtain one via [Store.Chat].
type ChatLog struct {
	pool *pgxpool.Pool
}

// Append implements [chat.Sink]. A zero CreatedAt is filled in by the
// database.
func (l *ChatLog) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var err error
	if msg.CreatedAt.IsZero() {
		const q = `INSERT INTO chat_messages (session_id, role, text) VALUES ($1, $2, $3)`
		_, err = l.pool.Exec(ctx, q, sessionID, string(msg.Role), msg.Text)
	} else {
		const q = `INSERT INTO chat_messages (session_id, role, text, created_at) VALUES ($1, $2, $3, $4)`
		_, err = l.pool.Exec(ctx, q, sessionID, string(msg.Role), msg.Text, msg.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("chat log: append: %w", err)
	}
	return nil
}

// Messages implements [chat.Log].
func (l *ChatLog) Messages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	const q = `
		SELECT role, text, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := l.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat log: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var (
			m    chat.Message
			role string
		)
		if err := row.Scan(&role, &m.Text, &m.CreatedAt); err != nil {
			return chat.Message{}, err
		}
		m.Role = chat.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat log: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

// DeleteSession implements [chat.Log].
func (l *ChatLog) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("chat log: delete session: %w", err)
	}
	return nil
}
