package profiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads profiles from the marketplace's user_profiles table. The
// table is owned by the identity service; this package only selects from it.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a directory backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Lookup(ctx context.Context, userIDs ...string) (map[string]Profile, error) {
	if p == nil || p.pool == nil {
		return nil, errors.New("profiles: nil pool")
	}
	out := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, display_name, COALESCE(avatar_url, ''), COALESCE(role, '')
		FROM user_profiles
		WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pr Profile
		if err := rows.Scan(&pr.UserID, &pr.DisplayName, &pr.AvatarURL, &pr.Role); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		out[pr.UserID] = pr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return out, nil
}

var _ Directory = (*Postgres)(nil)
