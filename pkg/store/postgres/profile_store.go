package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicecoach/pkg/profile"
)

// ProfileStore implements [profile.Provider] on the profiles table.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// Profile implements [profile.Provider]. Unknown users yield an error
// wrapping [profile.ErrNotFound].
func (s *ProfileStore) Profile(ctx context.Context, userID string) (profile.Profile, error) {
	const q = `SELECT name, business, role FROM profiles WHERE user_id = $1`

	var p profile.Profile
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.Name, &p.Business, &p.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Profile{}, fmt.Errorf("profile store: user %q: %w", userID, profile.ErrNotFound)
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("profile store: get: %w", err)
	}
	return p, nil
}

// Upsert creates or replaces the profile of userID.
func (s *ProfileStore) Upsert(ctx context.Context, userID string, p profile.Profile) error {
	const q = `
		INSERT INTO profiles (user_id, name, business, role, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    name       = EXCLUDED.name,
		    business   = EXCLUDED.business,
		    role       = EXCLUDED.role,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, p.Name, p.Business, p.Role); err != nil {
		return fmt.Errorf("profile store: upsert: %w", err)
	}
	return nil
}
