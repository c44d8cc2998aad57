package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowdesk/auth"
	"escrowdesk/escrow"
)

// Desk is one administrator's dispute workspace. Every mutation goes to the
// gateway; the board only learns about results the server confirmed.
type Desk struct {
	gw      Gateway
	board   *Board
	machine *escrow.Machine
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	session  auth.Session
	locked   bool
	inflight map[string]struct{}
}

func NewDesk(gw Gateway, board *Board, session auth.Session, logger *slog.Logger) *Desk {
	if logger == nil {
		logger = slog.Default()
	}
	if board == nil {
		board = NewBoard(gw)
	}
	return &Desk{
		gw:       gw,
		board:    board,
		machine:  escrow.NewMachine(),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "dispute-desk")),
		session:  session,
		inflight: make(map[string]struct{}),
	}
}

func (d *Desk) WithClock(now func() time.Time) *Desk {
	d.now = now
	d.machine.WithClock(now)
	return d
}

func (d *Desk) Board() *Board {
	return d.board
}

// Locked reports whether mutations are blocked until Reauthenticate.
func (d *Desk) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// Reauthenticate installs a fresh session and unlocks the desk.
func (d *Desk) Reauthenticate(session auth.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = session
	d.locked = false
}

// OpenReview loads a transaction and its timeline for review.
func (d *Desk) OpenReview(ctx context.Context, id string) (*Review, error) {
	var (
		tx       escrow.Transaction
		timeline []escrow.AuditEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tx, err = d.gw.Get(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		timeline, err = d.gw.Timeline(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, escrow.ErrSessionExpired) {
			d.lock()
		}
		return nil, fmt.Errorf("dispute: open review %s: %w", id, err)
	}

	d.board.Replace(tx)
	if current, ok := d.board.Get(id); ok {
		tx = current
	}

	r := &Review{desk: d, ID: id, Transaction: tx, Timeline: timeline}
	for _, ev := range tx.Evidence {
		switch ev.Submitter {
		case escrow.SubmitterCustomer:
			r.CustomerEvidence = append(r.CustomerEvidence, ev)
		case escrow.SubmitterMerchant:
			r.MerchantEvidence = append(r.MerchantEvidence, ev)
		}
	}
	return r, nil
}

func (d *Desk) lock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.locked {
		d.logger.Warn("session expired, desk locked", slog.String("user_id", d.session.UserID))
	}
	d.locked = true
}

// gate checks the session before a mutation and returns it.
func (d *Desk) gate(perm auth.Permission) (auth.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return auth.Session{}, fmt.Errorf("%w: %w", ErrLocked, escrow.ErrSessionExpired)
	}
	if d.session.Expired(d.now()) {
		d.locked = true
		return auth.Session{}, fmt.Errorf("%w: %w", ErrLocked, escrow.ErrSessionExpired)
	}
	if err := d.session.Require(perm); err != nil {
		return auth.Session{}, err
	}
	return d.session, nil
}

func (d *Desk) begin(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Desk) end(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// Review is an open dispute case.
type Review struct {
	desk *Desk

	ID               string
	Transaction      escrow.Transaction
	Timeline         []escrow.AuditEntry
	CustomerEvidence []escrow.Evidence
	MerchantEvidence []escrow.Evidence

	mu     sync.Mutex
	closed bool
}

// Submit sends res to the server. It is checked locally first so doomed
// requests never leave the desk.
func (r *Review) Submit(ctx context.Context, res escrow.Resolution) (escrow.Transaction, error) {
	d := r.desk

	perm := auth.PermResolve
	if res.Action == escrow.ActionEscalate {
		perm = auth.PermEscalate
	}
	session, err := d.gate(perm)
	if err != nil {
		return escrow.Transaction{}, err
	}

	current, ok := d.board.Get(r.ID)
	if !ok {
		current = r.Current()
	}
	if _, err := d.machine.Resolve(current, session.UserID, res); err != nil {
		return escrow.Transaction{}, err
	}

	if !d.begin(r.ID) {
		return escrow.Transaction{}, ErrInFlight
	}
	defer d.end(r.ID)

	next, err := d.gw.Resolve(ctx, r.ID, escrow.ResolveRequest{
		Action:          res.Action,
		Notes:           res.Notes,
		Split:           res.Split,
		ExpectedVersion: current.Version,
	})
	if err != nil {
		r.fail(ctx, err)
		return escrow.Transaction{}, err
	}

	d.board.Replace(next)
	r.mu.Lock()
	r.Transaction = next
	r.closed = true
	r.mu.Unlock()

	d.logger.InfoContext(ctx, "resolution confirmed",
		slog.String("transaction_id", r.ID),
		slog.String("action", string(res.Action)),
		slog.Int64("version", next.Version),
	)
	return next, nil
}

// Current returns the latest transaction state confirmed for this review.
func (r *Review) Current() escrow.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Transaction
}

func (r *Review) fail(ctx context.Context, err error) {
	d := r.desk
	switch {
	case errors.Is(err, escrow.ErrSessionExpired):
		d.lock()
	case errors.Is(err, escrow.ErrInvalidStateTransition),
		errors.Is(err, escrow.ErrConcurrentModification),
		errors.Is(err, escrow.ErrNotFound):
		if _, rerr := d.board.Refresh(ctx, r.ID); rerr != nil {
			d.logger.WarnContext(ctx, "refresh after rejected resolution",
				slog.String("transaction_id", r.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}
}

// Close dismisses the review. A submission already sent keeps running and
// its result still reaches the board.
func (r *Review) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Review) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
