package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty on a consistent escrow book.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_release",
			SQL: `SELECT transaction_id, COUNT(*) FROM escrow_audit
                  WHERE to_status = 'released'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_released_has_audit",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE t.status = 'released'
                    AND NOT EXISTS (SELECT 1 FROM escrow_audit a
                                    WHERE a.transaction_id = t.id AND a.to_status = 'released')`,
		},
		{
			Name: "O3_version_matches_audit",
			SQL: `SELECT t.id, t.version, COUNT(a.id) FROM escrow_transactions t
                  LEFT JOIN escrow_audit a ON a.transaction_id = t.id
                  GROUP BY t.id, t.version
                  HAVING t.version <> COUNT(a.id) + 1`,
		},
		{
			Name: "O4_audit_chain",
			SQL: `WITH chain AS (
                      SELECT transaction_id, seq, from_status,
                             LAG(to_status) OVER (PARTITION BY transaction_id ORDER BY seq) AS prev
                      FROM escrow_audit)
                  SELECT * FROM chain WHERE prev IS NOT NULL AND prev <> from_status`,
		},
		{
			Name: "O5_funds_movement_once",
			SQL: `SELECT o.transaction_id, COUNT(*) FROM escrow_outbox o
                  JOIN escrow_transactions t ON t.id = o.transaction_id
                  WHERE o.topic = 'escrow.funds_movement'
                  GROUP BY o.transaction_id, t.status
                  HAVING COUNT(*) > 1 OR t.status <> 'released'`,
		},
		{
			Name: "O6_split_only_on_partial",
			SQL: `SELECT id, resolution FROM escrow_transactions
                  WHERE (split_customer IS NOT NULL) <> (COALESCE(resolution, '') = 'partial_refund')`,
		},
		{
			Name: "O7_dispute_cancels_auto_release",
			SQL: `SELECT r.transaction_id FROM escrow_audit r
                  JOIN escrow_audit d ON d.transaction_id = r.transaction_id
                   AND d.action = 'file_dispute' AND d.seq < r.seq
                  WHERE r.action = 'auto_release'`,
		},
		{
			Name: "O8_evidence_before_release",
			SQL: `SELECT e.id FROM escrow_evidence e
                  JOIN escrow_transactions t ON t.id = e.transaction_id
                  WHERE t.released_at IS NOT NULL AND e.uploaded_at > t.released_at`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id FROM escrow_outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_delete_guard",
			SQL: `SELECT 'missing_escrow_transactions_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrow_transactions_guard')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
