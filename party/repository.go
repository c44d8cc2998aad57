package party

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads party profiles from the parties table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetMany returns the profiles that exist among ids. Unknown ids are skipped.
func (r *Repository) GetMany(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const query = `
		SELECT id, kind, display_name, email, verified, created_at
		FROM parties
		WHERE id = ANY($1)
		ORDER BY display_name ASC
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("party: get many: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, len(ids))
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Kind, &p.DisplayName, &p.Email, &p.Verified, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("party: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("party: iterate profiles: %w", err)
	}
	return profiles, nil
}

// Upsert stores or refreshes a profile pushed by the order subsystem.
func (r *Repository) Upsert(ctx context.Context, p Profile) error {
	const query = `
		INSERT INTO parties (id, kind, display_name, email, verified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email = EXCLUDED.email,
		    verified = EXCLUDED.verified
	`
	if _, err := r.pool.Exec(ctx, query, p.ID, p.Kind, p.DisplayName, p.Email, p.Verified); err != nil {
		return fmt.Errorf("party: upsert %s: %w", p.ID, err)
	}
	return nil
}
