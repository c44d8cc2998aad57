package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowdesk/auth"
	"escrowdesk/escrow"
)

// Disputes is the shared set of transaction IDs resolvers compete over.
type Disputes struct {
	mu  sync.Mutex
	ids []string
}

func (d *Disputes) Add(id string) {
	d.mu.Lock()
	d.ids = append(d.ids, id)
	d.mu.Unlock()
}

func (d *Disputes) Pick() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ids) == 0 {
		return "", false
	}
	return d.ids[rand.Intn(len(d.ids))], true
}

// Releases counts successful releasing outcomes per transaction as observed by callers.
type Releases struct {
	mu   sync.Mutex
	seen map[string]string
}

// Record returns an error when id was already released by another call.
func (r *Releases) Record(id, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]string)
	}
	if prev, ok := r.seen[id]; ok {
		return fmt.Errorf("%s released twice: first by %s, again by %s", id, prev, actor)
	}
	r.seen[id] = actor
	return nil
}

func (r *Releases) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Session returns a long-lived session for a stress actor.
func Session(userID string, role auth.Role) auth.Session {
	return auth.Session{
		UserID:      userID,
		Email:       userID + "@stress.escrowdesk.test",
		Role:        role,
		Permissions: auth.DefaultPermissions(role),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
}

// Lifecycle opens escrows and walks them toward dispute the way the order
// subsystem does. Roughly half end up disputed and are offered to resolvers.
func Lifecycle(ctx context.Context, svc *escrow.Service, session auth.Session, prefix string, disputes *Disputes, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id := fmt.Sprintf("%s-%d", prefix, n)
		amount := decimal.NewFromInt(int64(1000 + rand.Intn(90000)))
		_, err := svc.Open(ctx, session, escrow.OpenRequest{
			ID:         id,
			OrderID:    fmt.Sprintf("ord-%s-%d", prefix, n),
			Amount:     amount,
			CustomerID: fmt.Sprintf("cust-%d", rand.Intn(50)),
			MerchantID: fmt.Sprintf("merch-%d", rand.Intn(10)),
		})
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("open %s: %w", id, err)
		}

		if rand.Intn(3) > 0 {
			// Short holds so the sweeper races the dispute filer.
			hold := time.Duration(50+rand.Intn(400)) * time.Millisecond
			if _, err := svc.ConfirmDelivery(ctx, session, id, time.Now().Add(hold)); err != nil && !expected(err) {
				return fmt.Errorf("confirm delivery %s: %w", id, err)
			}
			time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
		}

		if rand.Intn(2) == 0 {
			_, err := svc.FileDispute(ctx, session, id, "item not as described")
			switch {
			case err == nil:
				disputes.Add(id)
			case !expected(err):
				return fmt.Errorf("file dispute %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Resolver repeatedly resolves disputed escrows with a random action,
// passing the version it read so stale decisions are rejected.
func Resolver(ctx context.Context, svc *escrow.Service, session auth.Session, disputes *Disputes, releases *Releases, stop <-chan struct{}) error {
	actions := []escrow.Action{
		escrow.ActionReleaseMerchant,
		escrow.ActionRefundCustomer,
		escrow.ActionPartialRefund,
		escrow.ActionEscalate,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok := disputes.Pick()
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		current, err := svc.Get(ctx, session, id)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("get %s: %w", id, err)
		}

		req := escrow.ResolveRequest{
			Action:          actions[rand.Intn(len(actions))],
			Notes:           "stress resolution by " + session.UserID,
			ExpectedVersion: current.Version,
		}
		if req.Action == escrow.ActionPartialRefund {
			customer := current.Amount.Div(decimal.NewFromInt(2)).Round(2)
			req.Split = &escrow.Split{Customer: customer, Merchant: current.Amount.Sub(customer)}
		}

		out, err := svc.Resolve(ctx, session, id, req)
		switch {
		case err == nil:
			if out.Transaction.Status == escrow.StatusReleased {
				if err := releases.Record(id, session.UserID); err != nil {
					return err
				}
			}
		case expected(err):
		default:
			return fmt.Errorf("resolve %s: %w", id, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// EvidenceWriter attaches files to random disputed escrows while they are being resolved.
func EvidenceWriter(ctx context.Context, svc *escrow.Service, session auth.Session, disputes *Disputes, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := disputes.Pick()
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		submitter := escrow.SubmitterCustomer
		if n%2 == 1 {
			submitter = escrow.SubmitterMerchant
		}
		_, err := svc.AttachEvidence(ctx, session, id, escrow.Evidence{
			Submitter: submitter,
			Name:      fmt.Sprintf("photo-%d.jpg", n),
			ObjectKey: fmt.Sprintf("evidence/%s/stress-%d", id, n),
		})
		if err != nil && !expected(err) {
			return fmt.Errorf("attach evidence %s: %w", id, err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Sweeper runs the auto-release sweep on a short interval.
func Sweeper(ctx context.Context, svc *escrow.Service, stop <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := svc.ReleaseDue(ctx, time.Now()); err != nil && !transient(err) {
				return fmt.Errorf("release due: %w", err)
			}
		}
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, failing some
// deliveries at random so attempts accumulate.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if transient(err) {
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM escrow_outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE escrow_outbox SET attempts = attempts + 1, last_error = 'simulated outage' WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE escrow_outbox SET status = 'dispatched', attempts = attempts + 1, dispatched_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// expected reports whether err is a rejection the workflow produces under contention.
func expected(err error) bool {
	switch escrow.KindOf(err) {
	case escrow.KindInvalidStateTransition, escrow.KindConcurrentModification, escrow.KindValidation, escrow.KindNotFound:
		return true
	}
	return transient(err)
}

// transient matches connection failures caused by the chaos monkey.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "unexpected EOF")
}
