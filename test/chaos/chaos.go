package chaos

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend of the current database now and
// then. Backends whose application_name starts with spare are left alone.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, spare string, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var killed bool
			err := pool.QueryRow(ctx, `
				SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
					SELECT pid FROM pg_stat_activity
					WHERE datname = current_database()
					  AND pid <> pg_backend_pid()
					  AND ($1 = '' OR application_name NOT LIKE $1 || '%')
					ORDER BY random() LIMIT 1) victim`, spare).Scan(&killed)
			if err != nil {
				logger.Debug("chaos query failed", slog.String("error", err.Error()))
				continue
			}
			if killed {
				logger.Info("terminated a backend")
			}
		}
	}
}
