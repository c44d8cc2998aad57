package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/auth"
	"escrowdesk/escrow"
)

var deskNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

var (
	adminA = auth.Session{UserID: "admin-a", Role: auth.RoleAdmin, Permissions: []auth.Permission{auth.PermResolve}, ExpiresAt: deskNow.Add(time.Hour)}
	adminB = auth.Session{UserID: "admin-b", Role: auth.RoleAdmin, Permissions: []auth.Permission{auth.PermResolve}, ExpiresAt: deskNow.Add(time.Hour)}
)

type harness struct {
	svc  *escrow.Service
	repo *escrow.MemoryRepository
	gw   *scriptedGateway
	desk *Desk
}

func newHarness(t *testing.T, session auth.Session) *harness {
	t.Helper()
	repo := escrow.NewMemoryRepository()
	svc := escrow.NewService(repo, nil).WithClock(func() time.Time { return deskNow })

	disputedAt := deskNow.Add(-48 * time.Hour)
	_, err := repo.Create(context.Background(), escrow.Transaction{
		ID:            "ESC-4521",
		OrderID:       "1245",
		Amount:        decimal.NewFromInt(45000),
		Currency:      "NGN",
		Status:        escrow.StatusDisputed,
		CustomerID:    "cust-john-doe",
		MerchantID:    "merch-techstore247",
		HeldSince:     deskNow.Add(-5 * 24 * time.Hour),
		DisputeReason: "Product not as described",
		DisputedAt:    &disputedAt,
		Evidence: []escrow.Evidence{
			{ID: "ev-1", Submitter: escrow.SubmitterCustomer, Name: "unboxing.mp4", ObjectKey: "k1"},
			{ID: "ev-2", Submitter: escrow.SubmitterCustomer, Name: "photo.jpg", ObjectKey: "k2"},
			{ID: "ev-3", Submitter: escrow.SubmitterMerchant, Name: "listing.png", ObjectKey: "k3"},
			{ID: "ev-4", Submitter: escrow.SubmitterMerchant, Name: "waybill.pdf", ObjectKey: "k4"},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	gw := &scriptedGateway{inner: svc.For(session)}
	desk := NewDesk(gw, nil, session, nil).WithClock(func() time.Time { return deskNow })
	return &harness{svc: svc, repo: repo, gw: gw, desk: desk}
}

func TestDesk_OpenReviewSeparatesEvidence(t *testing.T) {
	h := newHarness(t, adminA)

	r, err := h.desk.OpenReview(context.Background(), "ESC-4521")
	if err != nil {
		t.Fatalf("open review: %v", err)
	}
	if len(r.CustomerEvidence) != 2 || len(r.MerchantEvidence) != 2 {
		t.Fatalf("unexpected evidence split customer=%d merchant=%d", len(r.CustomerEvidence), len(r.MerchantEvidence))
	}
	if _, ok := h.desk.Board().Get("ESC-4521"); !ok {
		t.Fatalf("expected board to hold the reviewed record")
	}

	if _, err := h.desk.OpenReview(context.Background(), "ESC-0000"); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReview_SubmitSuccessIsIdempotent(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()

	r, err := h.desk.OpenReview(ctx, "ESC-4521")
	if err != nil {
		t.Fatalf("open review: %v", err)
	}
	res := escrow.Resolution{Action: escrow.ActionRefundCustomer, Notes: "Customer evidence is conclusive"}

	got, err := r.Submit(ctx, res)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != escrow.StatusReleased || !r.Closed() {
		t.Fatalf("expected released and closed review, got %s closed=%v", got.Status, r.Closed())
	}
	onBoard, _ := h.desk.Board().Get("ESC-4521")
	if onBoard.Version != got.Version || onBoard.Status != escrow.StatusReleased {
		t.Fatalf("board not updated: %+v", onBoard)
	}

	if _, err := r.Submit(ctx, res); !errors.Is(err, escrow.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on repeat, got %v", err)
	}
	if h.gw.resolveCalls() != 1 {
		t.Fatalf("expected one server call, got %d", h.gw.resolveCalls())
	}
}

func TestReview_LocalChecksNeverReachServer(t *testing.T) {
	ctx := context.Background()

	t.Run("split mismatch", func(t *testing.T) {
		h := newHarness(t, adminA)
		r, _ := h.desk.OpenReview(ctx, "ESC-4521")
		split := &escrow.Split{Customer: decimal.NewFromInt(20000), Merchant: decimal.NewFromInt(20000)}
		_, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionPartialRefund, Notes: "split", Split: split})
		if !errors.Is(err, escrow.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		if h.gw.resolveCalls() != 0 || r.Closed() {
			t.Fatalf("validation failure reached server or closed review")
		}
	})

	t.Run("missing permission", func(t *testing.T) {
		h := newHarness(t, adminA)
		r, _ := h.desk.OpenReview(ctx, "ESC-4521")
		_, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionEscalate, Notes: "needs finance"})
		if !errors.Is(err, escrow.ErrAuthorization) {
			t.Fatalf("expected ErrAuthorization, got %v", err)
		}
		if h.gw.resolveCalls() != 0 {
			t.Fatalf("unauthorized request reached server")
		}
	})
}

func TestReview_ConcurrentAdminLosesAndRefreshes(t *testing.T) {
	h := newHarness(t, adminB)
	ctx := context.Background()

	r, err := h.desk.OpenReview(ctx, "ESC-4521")
	if err != nil {
		t.Fatalf("open review: %v", err)
	}

	if _, err := h.svc.Resolve(ctx, adminA, "ESC-4521", escrow.ResolveRequest{Action: escrow.ActionReleaseMerchant, Notes: "admin A"}); err != nil {
		t.Fatalf("admin A resolve: %v", err)
	}

	_, err = r.Submit(ctx, escrow.Resolution{Action: escrow.ActionRefundCustomer, Notes: "admin B"})
	if !errors.Is(err, escrow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if r.Closed() {
		t.Fatalf("review must stay open after a rejection")
	}

	onBoard, _ := h.desk.Board().Get("ESC-4521")
	if onBoard.Status != escrow.StatusReleased || onBoard.ResolutionNotes != "admin A" {
		t.Fatalf("board not refreshed with the winning resolution: %+v", onBoard)
	}

	if _, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionRefundCustomer, Notes: "admin B"}); !errors.Is(err, escrow.ErrInvalidStateTransition) {
		t.Fatalf("expected local rejection after refresh, got %v", err)
	}
}

func TestReview_SubmitWithoutBoardRecord(t *testing.T) {
	h := newHarness(t, adminA)
	tx, err := h.repo.Get(context.Background(), "ESC-4521")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	r := &Review{desk: h.desk, ID: tx.ID, Transaction: tx}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Submit(context.Background(), escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "Delivery confirmed"})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			_ = r.Current()
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one confirmed resolution, got %d", successes)
	}
	if cur := r.Current(); cur.Status != escrow.StatusReleased || cur.Version != 2 || !r.Closed() {
		t.Fatalf("review not updated: status=%s version=%d", cur.Status, cur.Version)
	}
}

func TestReview_InFlightGuard(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()
	r, _ := h.desk.OpenReview(ctx, "ESC-4521")

	h.gw.hold()
	done := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "first"})
		done <- err
	}()
	<-h.gw.entered

	if _, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "second"}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}

	h.gw.unblock()
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if h.gw.resolveCalls() != 1 {
		t.Fatalf("expected one server call, got %d", h.gw.resolveCalls())
	}
}

func TestReview_CloseDoesNotCancelInFlight(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()
	r, _ := h.desk.OpenReview(ctx, "ESC-4521")

	h.gw.hold()
	done := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "late"})
		done <- err
	}()
	<-h.gw.entered
	r.Close()
	h.gw.unblock()

	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}
	onBoard, _ := h.desk.Board().Get("ESC-4521")
	if onBoard.Status != escrow.StatusReleased {
		t.Fatalf("late result did not reach the board: %+v", onBoard)
	}
}

func TestReview_SessionExpiredLocksDesk(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()
	r, _ := h.desk.OpenReview(ctx, "ESC-4521")

	h.gw.failNext(escrow.FromKind(escrow.KindSessionExpired, "token expired"))
	res := escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "x"}
	if _, err := r.Submit(ctx, res); !errors.Is(err, escrow.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if !h.desk.Locked() {
		t.Fatalf("expected desk to be locked")
	}

	if _, err := r.Submit(ctx, res); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if h.gw.resolveCalls() != 1 {
		t.Fatalf("locked desk reached the server")
	}

	h.desk.Reauthenticate(adminA)
	if _, err := r.Submit(ctx, res); err != nil {
		t.Fatalf("submit after reauthentication: %v", err)
	}
}

func TestReview_LocalExpiryLocksDesk(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()
	r, _ := h.desk.OpenReview(ctx, "ESC-4521")

	h.desk.WithClock(func() time.Time { return deskNow.Add(2 * time.Hour) })
	if _, err := r.Submit(ctx, escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "x"}); !errors.Is(err, escrow.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if h.gw.resolveCalls() != 0 {
		t.Fatalf("expired session reached the server")
	}
}

func TestReview_NetworkErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()
	r, _ := h.desk.OpenReview(ctx, "ESC-4521")
	getsBefore := h.gw.getCalls()

	h.gw.failNext(escrow.FromKind(escrow.KindNetwork, "connection reset"))
	res := escrow.Resolution{Action: escrow.ActionReleaseMerchant, Notes: "x"}
	if _, err := r.Submit(ctx, res); !errors.Is(err, escrow.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if h.gw.resolveCalls() != 1 || h.gw.getCalls() != getsBefore || r.Closed() {
		t.Fatalf("network failure retried or refreshed: resolves=%d gets=%d", h.gw.resolveCalls(), h.gw.getCalls())
	}

	if _, err := r.Submit(ctx, res); err != nil {
		t.Fatalf("explicit retry: %v", err)
	}
}

func TestBoard_IgnoresStaleRecords(t *testing.T) {
	b := NewBoard(nil)
	newer := escrow.Transaction{ID: "ESC-1", Status: escrow.StatusReleased, Version: 4}
	older := escrow.Transaction{ID: "ESC-1", Status: escrow.StatusDisputed, Version: 3}

	if !b.Replace(newer) {
		t.Fatalf("expected first record to be stored")
	}
	<-b.Changes()
	if b.Replace(older) {
		t.Fatalf("stale record replaced a newer one")
	}
	select {
	case <-b.Changes():
		t.Fatalf("unexpected change signal for stale record")
	default:
	}
	got, _ := b.Get("ESC-1")
	if got.Version != 4 {
		t.Fatalf("expected version 4, got %d", got.Version)
	}
	if counts := b.Counts(); counts[escrow.StatusReleased] != 1 || counts[escrow.StatusDisputed] != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestBoard_LoadAndSnapshot(t *testing.T) {
	h := newHarness(t, adminA)
	ctx := context.Background()
	orders := auth.Session{UserID: "orders", Role: auth.RoleService, Permissions: []auth.Permission{auth.PermLifecycle}, ExpiresAt: deskNow.Add(time.Hour)}
	if _, err := h.svc.Open(ctx, orders, escrow.OpenRequest{ID: "ESC-4520", OrderID: "1244", Amount: decimal.NewFromInt(12500), CustomerID: "c", MerchantID: "m"}); err != nil {
		t.Fatalf("open: %v", err)
	}

	page, err := h.desk.Board().Load(ctx, escrow.Filter{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 transactions, got %d", page.Total)
	}
	if got := h.desk.Board().Snapshot(escrow.StatusDisputed); len(got) != 1 || got[0].ID != "ESC-4521" {
		t.Fatalf("unexpected disputed snapshot %+v", got)
	}
	if got := h.desk.Board().Snapshot(""); len(got) != 2 || got[0].ID != "ESC-4520" {
		t.Fatalf("expected newest hold first, got %+v", got)
	}
}

type scriptedGateway struct {
	inner Gateway

	mu       sync.Mutex
	gets     int
	resolves int
	nextErr  error
	gate     chan struct{}
	entered  chan struct{}
}

func (g *scriptedGateway) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{}, 1)
}

func (g *scriptedGateway) unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gate)
	g.gate = nil
}

func (g *scriptedGateway) failNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextErr = err
}

func (g *scriptedGateway) resolveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolves
}

func (g *scriptedGateway) getCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gets
}

func (g *scriptedGateway) Get(ctx context.Context, id string) (escrow.Transaction, error) {
	g.mu.Lock()
	g.gets++
	g.mu.Unlock()
	return g.inner.Get(ctx, id)
}

func (g *scriptedGateway) List(ctx context.Context, filter escrow.Filter) (escrow.Page, error) {
	return g.inner.List(ctx, filter)
}

func (g *scriptedGateway) Timeline(ctx context.Context, id string) ([]escrow.AuditEntry, error) {
	return g.inner.Timeline(ctx, id)
}

func (g *scriptedGateway) Resolve(ctx context.Context, id string, req escrow.ResolveRequest) (escrow.Transaction, error) {
	g.mu.Lock()
	g.resolves++
	err := g.nextErr
	g.nextErr = nil
	gate, entered := g.gate, g.entered
	g.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	if err != nil {
		return escrow.Transaction{}, err
	}
	return g.inner.Resolve(ctx, id, req)
}
