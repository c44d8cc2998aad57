package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/auth"
)

var (
	resolver = auth.Session{UserID: "admin-1", Role: auth.RoleAdmin, Permissions: []auth.Permission{auth.PermResolve}, ExpiresAt: fixedNow.Add(time.Hour)}
	viewer   = auth.Session{UserID: "viewer-1", Role: auth.RoleAdmin, ExpiresAt: fixedNow.Add(time.Hour)}
	lead     = auth.Session{UserID: "lead-1", Role: auth.RoleSuperAdmin, ExpiresAt: fixedNow.Add(time.Hour)}
	orders   = auth.Session{UserID: "orders", Role: auth.RoleService, Permissions: []auth.Permission{auth.PermLifecycle}, ExpiresAt: fixedNow.Add(time.Hour)}
)

type fixture struct {
	svc    *Service
	repo   *MemoryRepository
	funds  *fakeFunds
	bus    *fakeBus
	alerts *fakeAlerts
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   NewMemoryRepository(),
		funds:  &fakeFunds{},
		bus:    &fakeBus{},
		alerts: &fakeAlerts{},
		now:    fixedNow,
	}
	var mu sync.Mutex
	n := 0
	f.svc = NewService(f.repo, nil).
		WithClock(func() time.Time { return f.now }).
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("gen-%d", n)
		}).
		WithFundsMover(f.funds).
		WithPublisher(f.bus).
		WithAlerter(f.alerts)

	seed := disputedESC4521()
	seed.Evidence = nil
	if _, err := f.repo.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

func TestService_ResolveReleasesAndDisbursesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.Resolve(ctx, resolver, "ESC-4521", ResolveRequest{
		Action:          ActionReleaseMerchant,
		Notes:           "Merchant proved delivery",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Transaction.Status != StatusReleased || out.FundsPending {
		t.Fatalf("unexpected outcome %+v", out)
	}

	stored, err := f.repo.Get(ctx, "ESC-4521")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusReleased || stored.Version != 2 {
		t.Fatalf("unexpected stored transaction status=%s version=%d", stored.Status, stored.Version)
	}

	timeline, err := f.repo.Timeline(ctx, "ESC-4521")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Actor != "admin-1" || timeline[0].Action != ActionReleaseMerchant {
		t.Fatalf("unexpected timeline %+v", timeline)
	}

	if len(f.funds.calls) != 1 {
		t.Fatalf("expected exactly one disbursement, got %d", len(f.funds.calls))
	}
	d := f.funds.calls[0]
	if !d.Merchant.Equal(decimal.NewFromInt(45000)) || !d.Customer.IsZero() || d.Currency != "NGN" {
		t.Fatalf("unexpected disbursement %+v", d)
	}
	outbox := f.repo.Outbox()
	if len(outbox) != 1 || outbox[0].Topic != TopicFundsMovement || outbox[0].ID != d.IdempotencyKey {
		t.Fatalf("unexpected outbox %+v (idempotency key %s)", outbox, d.IdempotencyKey)
	}
	if pending := f.repo.PendingOutbox(); len(pending) != 0 {
		t.Fatalf("expected outbox dispatched, pending=%+v", pending)
	}
	if len(f.bus.messages) != 1 {
		t.Fatalf("expected one change signal, got %d", len(f.bus.messages))
	}
}

func TestService_EarlyReleaseReleasesAndDisbursesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Open(ctx, orders, OpenRequest{ID: "ESC-4520", OrderID: "1244", Amount: decimal.NewFromInt(18500), CustomerID: "c", MerchantID: "m"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	out, err := f.svc.EarlyRelease(ctx, lead, "ESC-4520", "Customer confirmed receipt by phone", 1)
	if err != nil {
		t.Fatalf("early release: %v", err)
	}
	if out.Transaction.Status != StatusReleased || out.Transaction.Version != 2 || out.FundsPending {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Audit.Action != ActionEarlyRelease || out.Audit.Actor != "lead-1" {
		t.Fatalf("unexpected audit %+v", out.Audit)
	}

	if len(f.funds.calls) != 1 {
		t.Fatalf("expected exactly one disbursement, got %d", len(f.funds.calls))
	}
	d := f.funds.calls[0]
	if !d.Merchant.Equal(decimal.NewFromInt(18500)) || !d.Customer.IsZero() || d.Reason != ActionEarlyRelease {
		t.Fatalf("unexpected disbursement %+v", d)
	}
	var movements int
	for _, msg := range f.repo.Outbox() {
		if msg.Topic == TopicFundsMovement {
			movements++
			if msg.ID != d.IdempotencyKey {
				t.Fatalf("outbox id %s does not match idempotency key %s", msg.ID, d.IdempotencyKey)
			}
		}
	}
	if movements != 1 {
		t.Fatalf("expected one funds movement message, got %d", movements)
	}

	if _, err := f.svc.EarlyRelease(ctx, lead, "ESC-4520", "again", 0); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on second release, got %v", err)
	}
	if len(f.funds.calls) != 1 {
		t.Fatalf("second release disbursed again")
	}
}

func TestService_RejectsSubCentAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Open(ctx, orders, OpenRequest{ID: "ESC-4540", OrderID: "1310", Amount: decimal.RequireFromString("45000.015"), CustomerID: "c", MerchantID: "m"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for sub-cent amount, got %v", err)
	}

	if _, err := f.svc.Open(ctx, orders, OpenRequest{ID: "ESC-4540", OrderID: "1310", Amount: decimal.RequireFromString("45000.01"), CustomerID: "c", MerchantID: "m"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.FileDispute(ctx, orders, "ESC-4540", "Item damaged"); err != nil {
		t.Fatalf("file dispute: %v", err)
	}

	_, err := f.svc.Resolve(ctx, resolver, "ESC-4540", ResolveRequest{
		Action: ActionPartialRefund,
		Notes:  "Split the difference",
		Split:  &Split{Customer: decimal.RequireFromString("0.005"), Merchant: decimal.RequireFromString("45000.005")},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for sub-cent split, got %v", err)
	}
	if len(f.funds.calls) != 0 {
		t.Fatalf("rejected split reached the funds service: %+v", f.funds.calls)
	}
	stored, _ := f.repo.Get(ctx, "ESC-4540")
	if stored.Status != StatusDisputed || stored.Split != nil {
		t.Fatalf("rejected split changed the transaction: %+v", stored)
	}
}

func TestService_ResolveUnauthorizedLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, viewer, "ESC-4521", ResolveRequest{Action: ActionRefundCustomer, Notes: "refund"})
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected kind %s, got %s", KindAuthorization, KindOf(err))
	}

	stored, _ := f.repo.Get(ctx, "ESC-4521")
	if stored.Status != StatusDisputed || stored.Version != 1 {
		t.Fatalf("transaction changed: %+v", stored)
	}
	if timeline, _ := f.repo.Timeline(ctx, "ESC-4521"); len(timeline) != 0 {
		t.Fatalf("unexpected audit entries %+v", timeline)
	}
	if len(f.funds.calls) != 0 || len(f.bus.messages) != 0 {
		t.Fatalf("unexpected side effects funds=%d signals=%d", len(f.funds.calls), len(f.bus.messages))
	}
}

func TestService_EscalateNeedsOwnPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, resolver, "ESC-4521", ResolveRequest{Action: ActionEscalate, Notes: "above my pay grade"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}

	out, err := f.svc.Resolve(ctx, lead, "ESC-4521", ResolveRequest{Action: ActionEscalate, Notes: "Finance review"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if out.Transaction.Status != StatusDisputed || !out.Transaction.Escalated {
		t.Fatalf("unexpected escalation outcome %+v", out.Transaction)
	}
	if len(f.alerts.titles) != 1 {
		t.Fatalf("expected one escalation alert, got %d", len(f.alerts.titles))
	}
	if len(f.funds.calls) != 0 {
		t.Fatalf("escalation moved funds")
	}
	if outbox := f.repo.Outbox(); len(outbox) != 1 || outbox[0].Topic != TopicEscalated {
		t.Fatalf("unexpected outbox %+v", outbox)
	}
}

func TestService_FundsFailureIsReportedNotRetried(t *testing.T) {
	f := newFixture(t)
	f.funds.err = errors.New("funds: upstream 503")

	out, err := f.svc.Resolve(context.Background(), resolver, "ESC-4521", ResolveRequest{Action: ActionRefundCustomer, Notes: "refund"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !out.FundsPending {
		t.Fatalf("expected FundsPending")
	}
	if out.Transaction.Status != StatusReleased {
		t.Fatalf("expected committed release, got %s", out.Transaction.Status)
	}
	if len(f.funds.calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(f.funds.calls))
	}
	if pending := f.repo.PendingOutbox(); len(pending) != 1 {
		t.Fatalf("expected outbox left pending, got %+v", pending)
	}
}

func TestService_StaleVersionIsConcurrentModification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, lead, "ESC-4521", ResolveRequest{Action: ActionReleaseMerchant, Notes: "admin A", ExpectedVersion: 1}); err != nil {
		t.Fatalf("admin A: %v", err)
	}
	_, err := f.svc.Resolve(ctx, resolver, "ESC-4521", ResolveRequest{Action: ActionRefundCustomer, Notes: "admin B", ExpectedVersion: 1})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	refreshed, err := f.svc.Get(ctx, resolver, "ESC-4521")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Resolution != ActionReleaseMerchant || refreshed.ResolutionNotes != "admin A" {
		t.Fatalf("expected admin A's resolution to stand, got %+v", refreshed)
	}
	if len(f.funds.calls) != 1 {
		t.Fatalf("expected one disbursement, got %d", len(f.funds.calls))
	}
}

func TestService_ConcurrentResolversExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Resolve(ctx, lead, "ESC-4521", ResolveRequest{Action: ActionRefundCustomer, Notes: fmt.Sprintf("worker %d", i)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			others = append(others, err)
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
	for _, err := range others {
		if !errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("unexpected loser error %v", err)
		}
	}
	if timeline, _ := f.repo.Timeline(ctx, "ESC-4521"); len(timeline) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(timeline))
	}
}

func TestService_LockContention(t *testing.T) {
	f := newFixture(t)
	f.svc.WithLocker(&fakeLocker{held: map[string]bool{"escrow:tx:ESC-4521": true}}, time.Second)

	_, err := f.svc.Resolve(context.Background(), resolver, "ESC-4521", ResolveRequest{Action: ActionReleaseMerchant, Notes: "x"})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestService_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	f.now = fixedNow.Add(2 * time.Hour)

	if _, err := f.svc.Resolve(context.Background(), resolver, "ESC-4521", ResolveRequest{Action: ActionReleaseMerchant, Notes: "x"}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := f.svc.Get(context.Background(), resolver, "ESC-4521"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired on read, got %v", err)
	}
}

func TestService_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Resolve(context.Background(), resolver, "ESC-0000", ResolveRequest{Action: ActionReleaseMerchant, Notes: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_LifecycleAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Open(ctx, orders, OpenRequest{ID: "ESC-4519", OrderID: "1243", Amount: decimal.NewFromInt(8200), CustomerID: "c", MerchantID: "m"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if tx.Status != StatusActive || tx.Currency != DefaultCurrency {
		t.Fatalf("unexpected opened transaction %+v", tx)
	}
	if _, err := f.svc.Open(ctx, resolver, OpenRequest{OrderID: "x", Amount: decimal.NewFromInt(1), CustomerID: "c", MerchantID: "m"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected admin without lifecycle grant to be refused, got %v", err)
	}

	if _, err := f.svc.ConfirmDelivery(ctx, orders, "ESC-4519", fixedNow.Add(72*time.Hour)); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	f.now = fixedNow.Add(73 * time.Hour)
	n, err := NewSweeper(f.svc, nil, time.Minute, nil).Tick(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one auto-release, got %d", n)
	}
	released, _ := f.repo.Get(ctx, "ESC-4519")
	if released.Status != StatusReleased || released.Resolution != ActionAutoRelease {
		t.Fatalf("unexpected swept transaction %+v", released)
	}

	disputed, _ := f.repo.Get(ctx, "ESC-4521")
	if disputed.Status != StatusDisputed {
		t.Fatalf("sweep touched a disputed transaction")
	}
}

func TestService_DisputeCancelsAutoRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Open(ctx, orders, OpenRequest{ID: "ESC-4530", OrderID: "1300", Amount: decimal.NewFromInt(5000), CustomerID: "c", MerchantID: "m"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.ConfirmDelivery(ctx, orders, "ESC-4530", fixedNow.Add(time.Hour)); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if _, err := f.svc.FileDispute(ctx, orders, "ESC-4530", "Wrong size"); err != nil {
		t.Fatalf("file dispute: %v", err)
	}

	f.now = fixedNow.Add(2 * time.Hour)
	if n, err := f.svc.ReleaseDue(ctx, f.now); err != nil || n != 0 {
		t.Fatalf("expected nothing due, got n=%d err=%v", n, err)
	}
}

func TestService_SweeperSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.svc, &fakeLocker{held: map[string]bool{sweeperLockKey: true}}, time.Minute, nil)
	n, err := sw.Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected idle tick, got n=%d err=%v", n, err)
	}
}

func TestService_AttachEvidenceAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AttachEvidence(ctx, viewer, "ESC-4521", Evidence{Submitter: SubmitterCustomer, Name: "a.jpg", ObjectKey: "k"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	out, err := f.svc.AttachEvidence(ctx, resolver, "ESC-4521", Evidence{Submitter: SubmitterCustomer, Name: "a.jpg", ObjectKey: "k"})
	if err != nil {
		t.Fatalf("attach evidence: %v", err)
	}
	if len(out.Transaction.Evidence) != 1 {
		t.Fatalf("expected one evidence item, got %d", len(out.Transaction.Evidence))
	}

	stats, err := f.svc.Stats(ctx, viewer)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[StatusDisputed] != 1 || !stats.HeldBalance.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []ErrorKind{KindInvalidStateTransition, KindValidation, KindAuthorization, KindConcurrentModification, KindNotFound, KindAlreadyExists, KindNetwork, KindSessionExpired} {
		err := FromKind(k, "detail")
		if KindOf(err) != k {
			t.Fatalf("kind %s decoded as %s", k, KindOf(err))
		}
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("expected unknown errors to be internal")
	}
}

type fakeFunds struct {
	mu    sync.Mutex
	calls []Disbursement
	err   error
}

func (f *fakeFunds) Disburse(_ context.Context, d Disbursement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d)
	return f.err
}

type fakeBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, payload)
	return nil
}

type fakeAlerts struct {
	titles []string
}

func (f *fakeAlerts) Notify(_ context.Context, _ string, title, _ string) error {
	f.titles = append(f.titles, title)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}
