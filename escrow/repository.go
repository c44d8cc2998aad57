package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ErrDuplicate signals that a transaction with the same ID already exists.
var ErrDuplicate = errors.New("escrow: transaction already exists")

// Repository persists transactions, their evidence, the audit trail and the outbox.
type Repository interface {
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	List(ctx context.Context, filter Filter) (Page, error)
	// Save writes the change atomically. It fails with ErrConcurrentModification
	// when the stored version differs from ExpectedVersion.
	Save(ctx context.Context, change Change) error
	Timeline(ctx context.Context, id string) ([]AuditEntry, error)
	Due(ctx context.Context, now time.Time, limit int) ([]Transaction, error)
	MarkDispatched(ctx context.Context, outboxID string) error
	RecordDispatchFailure(ctx context.Context, outboxID string, cause error) error
	Stats(ctx context.Context) (Stats, error)
}

// Change is one transition ready to be persisted.
type Change struct {
	Transition
	ExpectedVersion int64
	Outbox          *OutboxMessage
}

// OutboxMessage is written in the same database transaction as the state change.
type OutboxMessage struct {
	ID      string
	Topic   string
	Payload map[string]any
}

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	db DB
}

func NewRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

const transactionColumns = `
	id, order_id, amount::text, currency, status, customer_id, merchant_id, description,
	held_since, COALESCE(dispute_reason, ''), disputed_at, COALESCE(resolution, ''),
	COALESCE(resolution_notes, ''), split_customer::text, split_merchant::text, escalated,
	auto_release_at, released_at, version, updated_at`

func (r *PGRepository) Create(ctx context.Context, t Transaction) (Transaction, error) {
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if !t.Amount.IsPositive() {
		return Transaction{}, invalid("amount must be positive")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}

	const insertSQL = `
		INSERT INTO escrow_transactions (
			id, order_id, amount, currency, status, customer_id, merchant_id, description,
			held_since, dispute_reason, disputed_at, auto_release_at, version, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, 1, $9)
		RETURNING ` + transactionColumns

	created, err := scanTransaction(r.db.QueryRow(ctx, insertSQL,
		t.ID, t.OrderID, t.Amount.String(), t.Currency, t.Status, t.CustomerID, t.MerchantID, t.Description,
		t.HeldSince.UTC(), t.DisputeReason, t.DisputedAt, t.AutoReleaseAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrDuplicate
		}
		return Transaction{}, fmt.Errorf("escrow: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Transaction{}, fmt.Errorf("escrow: get: %w", err)
	}

	evidence, err := r.loadEvidence(ctx, []string{id})
	if err != nil {
		return Transaction{}, err
	}
	t.Evidence = evidence[id]
	return t, nil
}

func (r *PGRepository) List(ctx context.Context, filter Filter) (Page, error) {
	filter = filter.Normalize()
	const query = `
		SELECT ` + transactionColumns + `, COUNT(*) OVER ()
		FROM escrow_transactions
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR id ILIKE '%' || $2 || '%' OR order_id ILIKE '%' || $2 || '%'
		       OR customer_id ILIKE '%' || $2 || '%' OR merchant_id ILIKE '%' || $2 || '%')
		ORDER BY held_since DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, string(filter.Status), filter.Search, filter.PageSize, filter.offset())
	if err != nil {
		return Page{}, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	page := Page{Page: filter.Page, PageSize: filter.PageSize, Items: make([]Transaction, 0, filter.PageSize)}
	ids := make([]string, 0, filter.PageSize)
	for rows.Next() {
		t, total, err := scanListedTransaction(rows)
		if err != nil {
			return Page{}, fmt.Errorf("escrow: scan: %w", err)
		}
		page.Total = total
		page.Items = append(page.Items, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("escrow: iterate: %w", err)
	}

	if len(ids) > 0 {
		evidence, err := r.loadEvidence(ctx, ids)
		if err != nil {
			return Page{}, err
		}
		for i := range page.Items {
			page.Items[i].Evidence = evidence[page.Items[i].ID]
		}
	}
	if len(page.Items) == 0 {
		// COUNT(*) OVER () yields nothing past the last page.
		if err := r.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM escrow_transactions
			WHERE ($1 = '' OR status = $1)
			  AND ($2 = '' OR id ILIKE '%' || $2 || '%' OR order_id ILIKE '%' || $2 || '%'
			       OR customer_id ILIKE '%' || $2 || '%' OR merchant_id ILIKE '%' || $2 || '%')`,
			string(filter.Status), filter.Search).Scan(&page.Total); err != nil {
			return Page{}, fmt.Errorf("escrow: count: %w", err)
		}
	}
	return page, nil
}

// Save applies the change with an optimistic version check, then appends the
// audit entry, any new evidence and the outbox message in the same transaction.
func (r *PGRepository) Save(ctx context.Context, change Change) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	next := change.Next
	var splitCustomer, splitMerchant *string
	if next.Split != nil {
		c, m := next.Split.Customer.String(), next.Split.Merchant.String()
		splitCustomer, splitMerchant = &c, &m
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET status = $3,
		    dispute_reason = NULLIF($4, ''),
		    disputed_at = $5,
		    resolution = NULLIF($6, ''),
		    resolution_notes = NULLIF($7, ''),
		    split_customer = $8::numeric,
		    split_merchant = $9::numeric,
		    escalated = $10,
		    auto_release_at = $11,
		    released_at = $12,
		    version = $13,
		    updated_at = $14
		WHERE id = $1 AND version = $2`,
		next.ID, change.ExpectedVersion, next.Status, next.DisputeReason, next.DisputedAt,
		string(next.Resolution), next.ResolutionNotes, splitCustomer, splitMerchant, next.Escalated,
		next.AutoReleaseAt, next.ReleasedAt, next.Version, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow: update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return fmt.Errorf("escrow: check existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, next.ID)
		}
		return fmt.Errorf("%w: %s is no longer at version %d", ErrConcurrentModification, next.ID, change.ExpectedVersion)
	}

	if ev := change.Appended; ev != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO escrow_evidence (id, transaction_id, submitter, name, content_type, object_key, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, next.ID, ev.Submitter, ev.Name, ev.ContentType, ev.ObjectKey, ev.UploadedAt); err != nil {
			return fmt.Errorf("escrow: insert evidence: %w", err)
		}
	}

	a := change.Audit
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_audit (id, transaction_id, actor, action, notes, from_status, to_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TransactionID, a.Actor, a.Action, a.Notes, a.From, a.To, a.CreatedAt); err != nil {
		return fmt.Errorf("escrow: insert audit: %w", err)
	}

	if msg := change.Outbox; msg != nil {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("escrow: encode outbox payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO escrow_outbox (id, transaction_id, topic, payload)
			VALUES ($1, $2, $3, $4::jsonb)`, msg.ID, next.ID, msg.Topic, string(payload)); err != nil {
			return fmt.Errorf("escrow: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func (r *PGRepository) Timeline(ctx context.Context, id string) ([]AuditEntry, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("escrow: timeline check: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, transaction_id, actor, action, notes, from_status, to_status, created_at
		FROM escrow_audit
		WHERE transaction_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, 8)
	for rows.Next() {
		var a AuditEntry
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Actor, &a.Action, &a.Notes, &a.From, &a.To, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan audit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate audit: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Due(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status IN ('active', 'pending') AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: due: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan due: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate due: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkDispatched(ctx context.Context, outboxID string) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE escrow_outbox
		SET status = 'dispatched', attempts = attempts + 1, dispatched_at = now(), last_error = NULL
		WHERE id = $1`, outboxID); err != nil {
		return fmt.Errorf("escrow: mark dispatched: %w", err)
	}
	return nil
}

func (r *PGRepository) RecordDispatchFailure(ctx context.Context, outboxID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := r.db.Exec(ctx, `
		UPDATE escrow_outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND status = 'pending'`, outboxID, msg); err != nil {
		return fmt.Errorf("escrow: record dispatch failure: %w", err)
	}
	return nil
}

func (r *PGRepository) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::text, COUNT(*) FILTER (WHERE escalated)
		FROM escrow_transactions
		GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("escrow: stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{HeldBalance: decimal.Zero, Counts: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		stats.Counts[s] = 0
	}
	for rows.Next() {
		var (
			status    Status
			count     int
			sum       string
			escalated int
		)
		if err := rows.Scan(&status, &count, &sum, &escalated); err != nil {
			return Stats{}, fmt.Errorf("escrow: scan stats: %w", err)
		}
		stats.Counts[status] = count
		if status == StatusDisputed {
			stats.Escalated = escalated
		}
		if status != StatusReleased {
			amount, err := decimal.NewFromString(sum)
			if err != nil {
				return Stats{}, fmt.Errorf("escrow: parse balance: %w", err)
			}
			stats.HeldBalance = stats.HeldBalance.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("escrow: iterate stats: %w", err)
	}
	return stats, nil
}

func (r *PGRepository) loadEvidence(ctx context.Context, ids []string) (map[string][]Evidence, error) {
	rows, err := r.db.Query(ctx, `
		SELECT transaction_id, id, submitter, name, content_type, object_key, uploaded_at
		FROM escrow_evidence
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("escrow: load evidence: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Evidence, len(ids))
	for rows.Next() {
		var (
			txID string
			ev   Evidence
		)
		if err := rows.Scan(&txID, &ev.ID, &ev.Submitter, &ev.Name, &ev.ContentType, &ev.ObjectKey, &ev.UploadedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan evidence: %w", err)
		}
		out[txID] = append(out[txID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate evidence: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	t, _, err := scanRow(row, false)
	return t, err
}

func scanListedTransaction(row pgx.Row) (Transaction, int, error) {
	return scanRow(row, true)
}

func scanRow(row pgx.Row, withTotal bool) (Transaction, int, error) {
	var (
		t             Transaction
		amount        string
		resolution    string
		splitCustomer *string
		splitMerchant *string
		total         int
	)
	dest := []any{
		&t.ID, &t.OrderID, &amount, &t.Currency, &t.Status, &t.CustomerID, &t.MerchantID, &t.Description,
		&t.HeldSince, &t.DisputeReason, &t.DisputedAt, &resolution,
		&t.ResolutionNotes, &splitCustomer, &splitMerchant, &t.Escalated,
		&t.AutoReleaseAt, &t.ReleasedAt, &t.Version, &t.UpdatedAt,
	}
	if withTotal {
		dest = append(dest, &total)
	}
	if err := row.Scan(dest...); err != nil {
		return Transaction{}, 0, err
	}

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, 0, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Resolution = Action(resolution)
	if splitCustomer != nil && splitMerchant != nil {
		c, err := decimal.NewFromString(*splitCustomer)
		if err != nil {
			return Transaction{}, 0, fmt.Errorf("parse split: %w", err)
		}
		m, err := decimal.NewFromString(*splitMerchant)
		if err != nil {
			return Transaction{}, 0, fmt.Errorf("parse split: %w", err)
		}
		t.Split = &Split{Customer: c, Merchant: m}
	}
	return t, total, nil
}

var _ Repository = (*PGRepository)(nil)
