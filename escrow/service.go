package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowdesk/auth"
)

const (
	TopicFundsMovement = "escrow.funds_movement"
	TopicEscalated     = "escrow.escalated"
	TopicStatusChanged = "escrow.status_changed"

	// UpdatesChannel carries a change signal after every committed transition.
	UpdatesChannel = "escrow:updates"

	defaultLockTTL = 30 * time.Second
	sweepBatch     = 50
)

// SystemActor is recorded on transitions the service applies on its own behalf.
const SystemActor = "system:auto-release"

// Locker serialises work on one key across processes.
type Locker interface {
	// Acquire returns ErrLockHeld when the key is already owned.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// FundsMover executes disbursements. Implementations must treat the
// idempotency key as the unique identity of the instruction.
type FundsMover interface {
	Disburse(ctx context.Context, d Disbursement) error
}

// Publisher broadcasts change signals to interested presentation layers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Alerter delivers operator alerts such as escalations.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Disbursement is the instruction sent to the funds-movement service.
type Disbursement struct {
	IdempotencyKey string
	TransactionID  string
	OrderID        string
	Currency       string
	Customer       decimal.Decimal
	Merchant       decimal.Decimal
	Reason         Action
}

// ResolveRequest carries a resolution together with the version the caller last saw.
// A zero ExpectedVersion skips the caller-side check; the write is still version guarded.
type ResolveRequest struct {
	Action          Action
	Notes           string
	Split           *Split
	ExpectedVersion int64
}

// Resolution returns the decision part of the request.
func (r ResolveRequest) Resolution() Resolution {
	return Resolution{Action: r.Action, Notes: r.Notes, Split: r.Split}
}

// OpenRequest describes funds placed in escrow by the order subsystem.
type OpenRequest struct {
	ID          string
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	CustomerID  string
	MerchantID  string
	Description string
}

// Outcome is the committed result of a mutation.
type Outcome struct {
	Transaction Transaction
	Audit       AuditEntry
	// FundsPending is set when money should move but the funds-movement
	// service has not acknowledged the instruction yet. The outbox row stays
	// pending for that service's redelivery.
	FundsPending bool
}

// Service is the authoritative escrow API. Every method takes the caller's
// session and applies the permission gate before touching storage.
type Service struct {
	repo    Repository
	machine *Machine
	locker  Locker
	funds   FundsMover
	bus     Publisher
	alerts  Alerter
	lockTTL time.Duration
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		machine: NewMachine(),
		lockTTL: defaultLockTTL,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		logger:  logger.With(slog.String("component", "escrow")),
	}
}

func (s *Service) WithLocker(l Locker, ttl time.Duration) *Service {
	s.locker = l
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

func (s *Service) WithFundsMover(f FundsMover) *Service {
	s.funds = f
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.bus = p
	return s
}

func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerts = a
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.machine.WithClock(now)
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	s.machine.WithIDGenerator(gen)
	return s
}

// Open places funds in escrow for an order.
func (s *Service) Open(ctx context.Context, session auth.Session, req OpenRequest) (Transaction, error) {
	if err := s.authorize(session, auth.PermLifecycle); err != nil {
		return Transaction{}, fmt.Errorf("escrow: open: %w", err)
	}
	if strings.TrimSpace(req.OrderID) == "" || req.CustomerID == "" || req.MerchantID == "" {
		return Transaction{}, invalid("order, customer and merchant are required")
	}
	if !req.Amount.IsPositive() {
		return Transaction{}, invalid("amount must be positive")
	}
	if subCent(req.Amount) {
		return Transaction{}, invalid("amount must not carry more than %d decimal places", moneyScale)
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()
	return s.repo.Create(ctx, Transaction{
		ID:          id,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Status:      StatusActive,
		CustomerID:  req.CustomerID,
		MerchantID:  req.MerchantID,
		Description: req.Description,
		HeldSince:   now,
	})
}

func (s *Service) Get(ctx context.Context, session auth.Session, id string) (Transaction, error) {
	if err := s.authenticate(session); err != nil {
		return Transaction{}, err
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, session auth.Session, filter Filter) (Page, error) {
	if err := s.authenticate(session); err != nil {
		return Page{}, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return Page{}, invalid("unknown status filter %q", filter.Status)
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) Timeline(ctx context.Context, session auth.Session, id string) ([]AuditEntry, error) {
	if err := s.authenticate(session); err != nil {
		return nil, err
	}
	return s.repo.Timeline(ctx, id)
}

func (s *Service) Stats(ctx context.Context, session auth.Session) (Stats, error) {
	if err := s.authenticate(session); err != nil {
		return Stats{}, err
	}
	return s.repo.Stats(ctx)
}

// Resolve applies an administrator's decision to a disputed transaction.
func (s *Service) Resolve(ctx context.Context, session auth.Session, id string, req ResolveRequest) (Outcome, error) {
	perm := auth.PermResolve
	if req.Action == ActionEscalate {
		perm = auth.PermEscalate
	}
	if err := s.authorize(session, perm); err != nil {
		return Outcome{}, fmt.Errorf("escrow: resolve %s: %w", id, err)
	}
	return s.mutate(ctx, id, req.ExpectedVersion, func(current Transaction) (Transition, error) {
		return s.machine.Resolve(current, session.UserID, req.Resolution())
	})
}

// EarlyRelease pays the merchant before the hold period ends.
func (s *Service) EarlyRelease(ctx context.Context, session auth.Session, id, justification string, expectedVersion int64) (Outcome, error) {
	if err := s.authorize(session, auth.PermEarlyRelease); err != nil {
		return Outcome{}, fmt.Errorf("escrow: early release %s: %w", id, err)
	}
	return s.mutate(ctx, id, expectedVersion, func(current Transaction) (Transition, error) {
		return s.machine.EarlyRelease(current, session.UserID, justification)
	})
}

// FileDispute freezes the escrow on a customer's complaint.
func (s *Service) FileDispute(ctx context.Context, session auth.Session, id, reason string) (Outcome, error) {
	if err := s.authorize(session, auth.PermLifecycle); err != nil {
		return Outcome{}, fmt.Errorf("escrow: file dispute %s: %w", id, err)
	}
	return s.mutate(ctx, id, 0, func(current Transaction) (Transition, error) {
		return s.machine.FileDispute(current, session.UserID, reason)
	})
}

// ConfirmDelivery starts the hold period that ends in auto-release at releaseAt.
func (s *Service) ConfirmDelivery(ctx context.Context, session auth.Session, id string, releaseAt time.Time) (Outcome, error) {
	if err := s.authorize(session, auth.PermLifecycle); err != nil {
		return Outcome{}, fmt.Errorf("escrow: confirm delivery %s: %w", id, err)
	}
	return s.mutate(ctx, id, 0, func(current Transaction) (Transition, error) {
		return s.machine.ConfirmDelivery(current, session.UserID, releaseAt)
	})
}

// AttachEvidence appends an uploaded file reference. Order-subsystem
// accounts and resolving administrators may attach evidence.
func (s *Service) AttachEvidence(ctx context.Context, session auth.Session, id string, ev Evidence) (Outcome, error) {
	if err := s.authenticate(session); err != nil {
		return Outcome{}, err
	}
	if !session.Has(auth.PermLifecycle) && !session.Has(auth.PermResolve) {
		return Outcome{}, fmt.Errorf("escrow: attach evidence %s: %w", id, session.Require(auth.PermLifecycle))
	}
	return s.mutate(ctx, id, 0, func(current Transaction) (Transition, error) {
		return s.machine.AttachEvidence(current, session.UserID, ev)
	})
}

// ReleaseDue auto-releases every transaction whose hold period ended by now.
// Transactions that change underneath the sweep are skipped.
func (s *Service) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.Due(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, t := range due {
		_, err := s.mutate(ctx, t.ID, t.Version, func(current Transaction) (Transition, error) {
			return s.machine.AutoRelease(current, SystemActor)
		})
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrLockHeld):
			s.logger.InfoContext(ctx, "auto-release skipped",
				slog.String("transaction_id", t.ID),
				slog.String("reason", err.Error()),
			)
		default:
			return released, err
		}
	}
	return released, nil
}

// For binds the service to one session.
func (s *Service) For(session auth.Session) *Scoped {
	return &Scoped{svc: s, session: session}
}

func (s *Service) authenticate(session auth.Session) error {
	if session.UserID == "" {
		return fmt.Errorf("%w: missing session", ErrSessionExpired)
	}
	if session.Expired(s.now()) {
		return ErrSessionExpired
	}
	return nil
}

func (s *Service) authorize(session auth.Session, perm auth.Permission) error {
	if err := s.authenticate(session); err != nil {
		return err
	}
	return session.Require(perm)
}

func (s *Service) mutate(ctx context.Context, id string, expected int64, apply func(Transaction) (Transition, error)) (Outcome, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if expected != 0 && expected != current.Version {
		return Outcome{}, fmt.Errorf("%w: %s is at version %d, caller saw %d", ErrConcurrentModification, id, current.Version, expected)
	}

	tr, err := apply(current)
	if err != nil {
		return Outcome{}, err
	}

	change := Change{Transition: tr, ExpectedVersion: current.Version, Outbox: s.outboxFor(tr)}
	if err := s.repo.Save(ctx, change); err != nil {
		return Outcome{}, err
	}

	s.logger.InfoContext(ctx, "transition applied",
		slog.String("transaction_id", id),
		slog.String("action", string(tr.Audit.Action)),
		slog.String("actor", tr.Audit.Actor),
		slog.String("from", string(tr.Audit.From)),
		slog.String("to", string(tr.Audit.To)),
		slog.Int64("version", tr.Next.Version),
	)

	out := Outcome{Transaction: tr.Next, Audit: tr.Audit}
	if tr.Payout != nil {
		out.FundsPending = !s.dispatch(ctx, tr, change.Outbox)
	}
	if tr.Audit.Action == ActionEscalate {
		s.alert(ctx, tr)
	}
	s.publish(ctx, tr)
	return out, nil
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Acquire(ctx, "escrow:tx:"+id, s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s is being modified", ErrConcurrentModification, id)
		}
		return nil, fmt.Errorf("escrow: lock %s: %w", id, err)
	}
	return unlock, nil
}

func (s *Service) outboxFor(tr Transition) *OutboxMessage {
	t := tr.Next
	switch {
	case tr.Payout != nil:
		return &OutboxMessage{
			ID:    s.newID(),
			Topic: TopicFundsMovement,
			Payload: map[string]any{
				"transaction_id":  t.ID,
				"order_id":        t.OrderID,
				"currency":        t.Currency,
				"customer_amount": tr.Payout.Customer.String(),
				"merchant_amount": tr.Payout.Merchant.String(),
				"reason":          string(tr.Audit.Action),
				"audit_id":        tr.Audit.ID,
			},
		}
	case tr.Audit.Action == ActionEscalate:
		return &OutboxMessage{
			ID:    s.newID(),
			Topic: TopicEscalated,
			Payload: map[string]any{
				"transaction_id": t.ID,
				"actor":          tr.Audit.Actor,
				"notes":          tr.Audit.Notes,
			},
		}
	case tr.Audit.From != tr.Audit.To:
		return &OutboxMessage{
			ID:    s.newID(),
			Topic: TopicStatusChanged,
			Payload: map[string]any{
				"transaction_id": t.ID,
				"previous":       string(tr.Audit.From),
				"next":           string(tr.Audit.To),
			},
		}
	default:
		return nil
	}
}

// dispatch makes exactly one funds-movement call and reports whether it was acknowledged.
func (s *Service) dispatch(ctx context.Context, tr Transition, msg *OutboxMessage) bool {
	if s.funds == nil || msg == nil {
		s.logger.WarnContext(ctx, "funds movement left in outbox",
			slog.String("transaction_id", tr.Next.ID),
		)
		return false
	}

	err := s.funds.Disburse(ctx, Disbursement{
		IdempotencyKey: msg.ID,
		TransactionID:  tr.Next.ID,
		OrderID:        tr.Next.OrderID,
		Currency:       tr.Next.Currency,
		Customer:       tr.Payout.Customer,
		Merchant:       tr.Payout.Merchant,
		Reason:         tr.Audit.Action,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "funds movement failed",
			slog.String("transaction_id", tr.Next.ID),
			slog.String("outbox_id", msg.ID),
			slog.String("error", err.Error()),
		)
		if recErr := s.repo.RecordDispatchFailure(ctx, msg.ID, err); recErr != nil {
			s.logger.ErrorContext(ctx, "record dispatch failure", slog.String("error", recErr.Error()))
		}
		return false
	}

	if err := s.repo.MarkDispatched(ctx, msg.ID); err != nil {
		s.logger.ErrorContext(ctx, "mark outbox dispatched",
			slog.String("outbox_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

func (s *Service) alert(ctx context.Context, tr Transition) {
	if s.alerts == nil {
		return
	}
	title := fmt.Sprintf("Escrow %s escalated", tr.Next.ID)
	msg := fmt.Sprintf("%s %s held for order %s. Escalated by %s: %s",
		tr.Next.Currency, tr.Next.Amount.StringFixed(2), tr.Next.OrderID, tr.Audit.Actor, tr.Audit.Notes)
	if err := s.alerts.Notify(ctx, TopicEscalated, title, msg); err != nil {
		s.logger.WarnContext(ctx, "escalation alert failed", slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ctx context.Context, tr Transition) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":    "escrow.updated",
		"id":      tr.Next.ID,
		"status":  tr.Next.Status,
		"version": tr.Next.Version,
		"action":  tr.Audit.Action,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, UpdatesChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish change signal", slog.String("error", err.Error()))
	}
}

// Scoped is a Service bound to one session.
type Scoped struct {
	svc     *Service
	session auth.Session
}

func (c *Scoped) Get(ctx context.Context, id string) (Transaction, error) {
	return c.svc.Get(ctx, c.session, id)
}

func (c *Scoped) List(ctx context.Context, filter Filter) (Page, error) {
	return c.svc.List(ctx, c.session, filter)
}

func (c *Scoped) Timeline(ctx context.Context, id string) ([]AuditEntry, error) {
	return c.svc.Timeline(ctx, c.session, id)
}

func (c *Scoped) Resolve(ctx context.Context, id string, req ResolveRequest) (Transaction, error) {
	out, err := c.svc.Resolve(ctx, c.session, id, req)
	if err != nil {
		return Transaction{}, err
	}
	return out.Transaction, nil
}
