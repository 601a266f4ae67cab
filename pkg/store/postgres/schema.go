// Package postgres provides the PostgreSQL-backed persistence of voicecoach:
// the chat log shared by text chat and voice sessions, and the user profiles
// that personalise the coaching instruction.
//
// Both tables share a single [pgxpool.Pool].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Chat().Append(ctx, sessionID, msg)
//	p, _ := store.Profiles().Profile(ctx, userID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ── Chat log DDL ─────────────────────────────────────────────────────────────

const ddlChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL CHECK (role IN ('user', 'model')),
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_id
    ON chat_messages (session_id, id);
`

// ── Profile DDL ──────────────────────────────────────────────────────────────

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id     TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL DEFAULT '',
    business    TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the chat_messages and profiles tables if they do not exist.
// It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlChatMessages, ddlProfiles} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
