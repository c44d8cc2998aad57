package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/auth"
	"escrowdesk/escrow"
	"escrowdesk/escrowapi"
	"escrowdesk/evidence"
	"escrowdesk/party"
)

const testSecret = "test-secret-test-secret-test-secret"

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeStore) Put(_ context.Context, transactionID, name, _ string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := evidence.ObjectKey(transactionID, fmt.Sprintf("obj-%d", len(f.objects)+1), name)
	f.objects[key] = data
	return key, nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string) (string, error) {
	return "https://blob.test/" + key, nil
}

type harness struct {
	srv    *httptest.Server
	repo   *escrow.MemoryRepository
	store  *fakeStore
	tokens map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authService := auth.NewService(auth.NewMemoryRepository(), testSecret, time.Hour)
	accounts := []auth.RegisterRequest{
		{Email: "ada@escrowdesk.test", Password: "resolver-pass", FullName: "Ada Resolver", Role: auth.RoleAdmin},
		{Email: "lead@escrowdesk.test", Password: "lead-password", FullName: "Lead Reviewer", Role: auth.RoleSuperAdmin},
		{Email: "orders@escrowdesk.test", Password: "orders-pass", FullName: "Order Service", Role: auth.RoleService},
	}
	h := &harness{
		repo:   escrow.NewMemoryRepository(),
		store:  &fakeStore{objects: make(map[string][]byte)},
		tokens: make(map[string]string),
	}
	for _, acct := range accounts {
		if _, err := authService.Register(ctx, acct); err != nil {
			t.Fatalf("register %s: %v", acct.Email, err)
		}
		res, err := authService.Login(ctx, auth.LoginRequest{Email: acct.Email, Password: acct.Password})
		if err != nil {
			t.Fatalf("login %s: %v", acct.Email, err)
		}
		h.tokens[strings.SplitN(acct.Email, "@", 2)[0]] = res.Token
	}

	now := time.Now().UTC()
	disputedAt := now.Add(-48 * time.Hour)
	seeds := []escrow.Transaction{
		{
			ID: "ESC-4521", OrderID: "1245", Amount: decimal.NewFromInt(45000), Currency: "NGN",
			Status: escrow.StatusDisputed, CustomerID: "cust-john-doe", MerchantID: "merch-techstore247",
			HeldSince: now.Add(-120 * time.Hour), DisputeReason: "Product not as described", DisputedAt: &disputedAt,
			Evidence: []escrow.Evidence{
				{ID: "ev-1", Submitter: escrow.SubmitterCustomer, Name: "unboxing.mp4", ObjectKey: "evidence/ESC-4521/ev-1-unboxing.mp4"},
				{ID: "ev-2", Submitter: escrow.SubmitterMerchant, Name: "waybill.pdf", ObjectKey: "evidence/ESC-4521/ev-2-waybill.pdf"},
			},
		},
		{
			ID: "ESC-4520", OrderID: "1244", Amount: decimal.NewFromInt(12500), Currency: "NGN",
			Status: escrow.StatusActive, CustomerID: "cust-jane", MerchantID: "merch-techstore247",
			HeldSince: now.Add(-24 * time.Hour),
		},
	}
	for _, s := range seeds {
		if _, err := h.repo.Create(ctx, s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}

	server := &Server{
		escrowService: escrow.NewService(h.repo, logger),
		authService:   authService,
		parties: party.NewService(party.NewMemoryRepository(
			party.Profile{ID: "cust-john-doe", Kind: party.KindCustomer, DisplayName: "John Doe", Email: "john@example.com"},
			party.Profile{ID: "merch-techstore247", Kind: party.KindMerchant, DisplayName: "TechStore247"},
		)),
		evidence:       h.store,
		holdPeriod:     72 * time.Hour,
		maxUploadBytes: 1 << 20,
		logger:         logger,
	}
	h.srv = httptest.NewServer(server.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, who string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := h.tokens[who]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (h *harness) client(who string) *escrowapi.Client {
	return escrowapi.NewClient(h.srv.URL, h.srv.Client()).WithToken(h.tokens[who])
}

func decodeErrorBody(t *testing.T, data []byte) escrowapi.Error {
	t.Helper()
	var e escrowapi.Error
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error body %q: %v", data, err)
	}
	return e
}

func TestLoginAndProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	anon := escrowapi.NewClient(h.srv.URL, h.srv.Client())
	login, err := anon.Login(ctx, "ADA@escrowdesk.test", "resolver-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.Token == "" || login.User.Role != string(auth.RoleAdmin) || login.ExpiresAt.IsZero() {
		t.Fatalf("unexpected login response %+v", login)
	}

	profile, err := anon.WithToken(login.Token).Profile(ctx)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Email != "ada@escrowdesk.test" || len(profile.Permissions) != 1 || profile.Permissions[0] != string(auth.PermResolve) {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t)
	resp, data := h.do(t, http.MethodPost, "/api/admin/auth/login", "", auth.LoginRequest{Email: "ada@escrowdesk.test", Password: "wrong-password"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if e := decodeErrorBody(t, data); e.Kind != "InvalidCredentials" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestEscrowRoutesRequireSession(t *testing.T) {
	h := newHarness(t)
	h.tokens["forged"] = "not-a-jwt"

	for _, who := range []string{"", "forged"} {
		resp, data := h.do(t, http.MethodGet, "/escrow/transactions", who, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", who, resp.StatusCode)
		}
		if e := decodeErrorBody(t, data); e.Kind != string(escrow.KindSessionExpired) {
			t.Fatalf("%q: unexpected kind %+v", who, e)
		}
	}
}

func TestResolve_ReleasesThroughClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.client("ada").ResolveOutcome(ctx, "ESC-4521", escrow.ResolveRequest{
		Action:          escrow.ActionReleaseMerchant,
		Notes:           "Merchant proved delivery",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Transaction.Status != string(escrow.StatusReleased) || out.Transaction.Version != 2 {
		t.Fatalf("unexpected transaction %+v", out.Transaction)
	}
	if out.Audit.Action != string(escrow.ActionReleaseMerchant) || out.Audit.Actor == "" {
		t.Fatalf("unexpected audit %+v", out.Audit)
	}
	if !out.FundsPending {
		t.Fatalf("expected funds pending without a funds service")
	}

	// A second decision on a released escrow is refused.
	_, err = h.client("ada").Resolve(ctx, "ESC-4521", escrow.ResolveRequest{Action: escrow.ActionRefundCustomer, Notes: "again"})
	if !errors.Is(err, escrow.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestResolve_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		who    string
		id     string
		body   escrowapi.ResolveRequest
		status int
		kind   escrow.ErrorKind
	}{
		{
			name:   "split does not add up",
			who:    "ada",
			id:     "ESC-4521",
			body:   escrowapi.ResolveRequest{Action: "partial_refund", Notes: "split", SplitAmounts: &escrowapi.Split{Customer: decimal.NewFromInt(20000), Merchant: decimal.NewFromInt(20000)}},
			status: http.StatusBadRequest,
			kind:   escrow.KindValidation,
		},
		{
			name:   "missing permission",
			who:    "orders",
			id:     "ESC-4521",
			body:   escrowapi.ResolveRequest{Action: "release_merchant", Notes: "n"},
			status: http.StatusForbidden,
			kind:   escrow.KindAuthorization,
		},
		{
			name:   "unknown transaction",
			who:    "ada",
			id:     "ESC-0000",
			body:   escrowapi.ResolveRequest{Action: "release_merchant", Notes: "n"},
			status: http.StatusNotFound,
			kind:   escrow.KindNotFound,
		},
		{
			name:   "stale version",
			who:    "ada",
			id:     "ESC-4521",
			body:   escrowapi.ResolveRequest{Action: "release_merchant", Notes: "n", ExpectedVersion: 7},
			status: http.StatusConflict,
			kind:   escrow.KindConcurrentModification,
		},
		{
			name:   "not disputed",
			who:    "ada",
			id:     "ESC-4520",
			body:   escrowapi.ResolveRequest{Action: "release_merchant", Notes: "n"},
			status: http.StatusConflict,
			kind:   escrow.KindInvalidStateTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp, data := h.do(t, http.MethodPost, "/escrow/transactions/"+tt.id+"/resolve", tt.who, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, resp.StatusCode, data)
			}
			if e := decodeErrorBody(t, data); e.Kind != string(tt.kind) {
				t.Fatalf("expected kind %s, got %+v", tt.kind, e)
			}

			// Rejections leave the record untouched.
			if stored, err := h.repo.Get(context.Background(), "ESC-4521"); err != nil || stored.Version != 1 || stored.Status != escrow.StatusDisputed {
				t.Fatalf("record changed: %+v %v", stored, err)
			}
		})
	}
}

func TestGetTransaction_EnrichesPartiesAndEvidence(t *testing.T) {
	h := newHarness(t)
	resp, data := h.do(t, http.MethodGet, "/escrow/transactions/ESC-4521", "ada", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var tx escrowapi.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.Customer == nil || tx.Customer.DisplayName != "John Doe" || tx.Merchant == nil || tx.Merchant.DisplayName != "TechStore247" {
		t.Fatalf("parties not attached: %+v %+v", tx.Customer, tx.Merchant)
	}
	if len(tx.Evidence) != 2 || tx.Evidence[0].URL != "https://blob.test/evidence/ESC-4521/ev-1-unboxing.mp4" {
		t.Fatalf("unexpected evidence %+v", tx.Evidence)
	}
	if !tx.Amount.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("unexpected amount %s", tx.Amount)
	}
}

func TestListTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	page, err := h.client("ada").List(ctx, escrow.Filter{Status: escrow.StatusDisputed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != "ESC-4521" {
		t.Fatalf("unexpected page %+v", page)
	}

	resp, _ := h.do(t, http.MethodGet, "/escrow/transactions?page=abc", "ada", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/escrow/transactions?status=refunded", "ada", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
}

func TestUploadEvidence(t *testing.T) {
	h := newHarness(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("submitter", "merchant")
	part, err := mw.CreateFormFile("file", "../../tracking.png")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("png-bytes"))
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/escrow/transactions/ESC-4521/evidence", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.tokens["ada"])
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d (%s)", resp.StatusCode, data)
	}

	stored, err := h.repo.Get(context.Background(), "ESC-4521")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Evidence) != 3 {
		t.Fatalf("expected 3 evidence items, got %d", len(stored.Evidence))
	}
	last := stored.Evidence[2]
	if last.Submitter != escrow.SubmitterMerchant || last.Name != "tracking.png" {
		t.Fatalf("unexpected evidence %+v", last)
	}
	if string(h.store.objects[last.ObjectKey]) != "png-bytes" {
		t.Fatalf("object not stored under %s", last.ObjectKey)
	}
}

func TestLifecycleRoutes(t *testing.T) {
	h := newHarness(t)

	resp, data := h.do(t, http.MethodPost, "/escrow/transactions", "orders", escrowapi.OpenRequest{
		ID: "ESC-4600", OrderID: "1300", Amount: decimal.NewFromInt(8000), CustomerID: "cust-jane", MerchantID: "merch-techstore247",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d (%s)", resp.StatusCode, data)
	}

	before := time.Now()
	resp, data = h.do(t, http.MethodPost, "/escrow/transactions/ESC-4600/deliver", "orders", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d (%s)", resp.StatusCode, data)
	}
	var delivered escrowapi.ResolveResponse
	if err := json.Unmarshal(data, &delivered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if delivered.Transaction.Status != string(escrow.StatusPending) || delivered.Transaction.AutoReleaseAt == nil ||
		delivered.Transaction.AutoReleaseAt.Before(before.Add(72*time.Hour-time.Minute)) {
		t.Fatalf("unexpected delivery outcome %+v", delivered.Transaction)
	}

	resp, _ = h.do(t, http.MethodPost, "/escrow/transactions/ESC-4600/release", "ada", escrowapi.EarlyReleaseRequest{Justification: "buyer confirmed"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("early release without permission: expected 403, got %d", resp.StatusCode)
	}

	resp, data = h.do(t, http.MethodPost, "/escrow/transactions/ESC-4600/dispute", "orders", escrowapi.DisputeRequest{Reason: "Item arrived broken"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d (%s)", resp.StatusCode, data)
	}

	entries, err := h.client("lead").Timeline(context.Background(), "ESC-4600")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != escrow.ActionConfirmDelivery || entries[1].Action != escrow.ActionFileDispute {
		t.Fatalf("unexpected timeline %+v", entries)
	}

	stats, err := h.client("lead").Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[escrow.StatusDisputed] != 2 || !stats.HeldBalance.Equal(decimal.NewFromInt(65500)) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPartyUpsertEnrichesTransaction(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPut, "/parties/cust-jane", "ada", escrowapi.Party{Kind: "customer", DisplayName: "Jane Smith"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("upsert without lifecycle grant: expected 403, got %d", resp.StatusCode)
	}
	resp, data := h.do(t, http.MethodPut, "/parties/cust-jane", "orders", escrowapi.Party{Kind: "broker", DisplayName: "Jane Smith"})
	if resp.StatusCode != http.StatusBadRequest || decodeErrorBody(t, data).Kind != string(escrow.KindValidation) {
		t.Fatalf("unknown kind: expected 400 validation, got %d (%s)", resp.StatusCode, data)
	}

	resp, data = h.do(t, http.MethodPut, "/parties/cust-jane", "orders", escrowapi.Party{Kind: "customer", DisplayName: "Jane Smith", Email: "jane@example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert customer: expected 200, got %d (%s)", resp.StatusCode, data)
	}
	resp, data = h.do(t, http.MethodPut, "/parties/merch-techstore247", "orders", escrowapi.Party{Kind: "merchant", DisplayName: "TechStore247", Email: "support@techstore247.ng", Verified: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh merchant: expected 200, got %d (%s)", resp.StatusCode, data)
	}

	resp, data = h.do(t, http.MethodGet, "/escrow/transactions/ESC-4520", "ada", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d (%s)", resp.StatusCode, data)
	}
	var tx escrowapi.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.Customer == nil || tx.Customer.DisplayName != "Jane Smith" || tx.Customer.Email != "jane@example.com" {
		t.Fatalf("customer not enriched: %+v", tx.Customer)
	}
	if tx.Merchant == nil || tx.Merchant.Email != "support@techstore247.ng" || !tx.Merchant.Verified {
		t.Fatalf("merchant not refreshed: %+v", tx.Merchant)
	}
}

func TestOpenDuplicateReportsAlreadyExists(t *testing.T) {
	h := newHarness(t)
	resp, data := h.do(t, http.MethodPost, "/escrow/transactions", "orders", escrowapi.OpenRequest{
		ID: "ESC-4521", OrderID: "1245", Amount: decimal.NewFromInt(45000), CustomerID: "cust-john-doe", MerchantID: "merch-techstore247",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", resp.StatusCode, data)
	}
	if e := decodeErrorBody(t, data); e.Kind != string(escrow.KindAlreadyExists) {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[escrow.ErrorKind]int{
		escrow.KindValidation:             http.StatusBadRequest,
		escrow.KindAuthorization:          http.StatusForbidden,
		escrow.KindNotFound:               http.StatusNotFound,
		escrow.KindInvalidStateTransition: http.StatusConflict,
		escrow.KindConcurrentModification: http.StatusConflict,
		escrow.KindAlreadyExists:          http.StatusConflict,
		escrow.KindSessionExpired:         http.StatusUnauthorized,
		escrow.KindInternal:               http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}
