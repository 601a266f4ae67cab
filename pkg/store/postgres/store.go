package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/profile"
)

var (
	_ chat.Log         = (*ChatLog)(nil)
	_ profile.Provider = (*ProfileStore)(nil)
)

// Store owns the connection pool and hands out the table-specific views.
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	chat     *ChatLog
	profiles *ProfileStore
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		chat:     &ChatLog{pool: pool},
		profiles: &ProfileStore{pool: pool},
	}, nil
}

// Chat returns the chat log backed by the chat_messages table.
func (s *Store) Chat() *ChatLog { return s.chat }

// Profiles returns the profile lookup backed by the profiles table.
func (s *Store) Profiles() *ProfileStore { return s.profiles }

// Ping checks that the database is reachable. It matches the health.Checker
// signature.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
