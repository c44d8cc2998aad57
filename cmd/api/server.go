package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"escrowdesk/auth"
	"escrowdesk/escrow"
	"escrowdesk/party"
)

type escrowService interface {
	Open(ctx context.Context, session auth.Session, req escrow.OpenRequest) (escrow.Transaction, error)
	Get(ctx context.Context, session auth.Session, id string) (escrow.Transaction, error)
	List(ctx context.Context, session auth.Session, filter escrow.Filter) (escrow.Page, error)
	Timeline(ctx context.Context, session auth.Session, id string) ([]escrow.AuditEntry, error)
	Stats(ctx context.Context, session auth.Session) (escrow.Stats, error)
	Resolve(ctx context.Context, session auth.Session, id string, req escrow.ResolveRequest) (escrow.Outcome, error)
	EarlyRelease(ctx context.Context, session auth.Session, id, justification string, expectedVersion int64) (escrow.Outcome, error)
	FileDispute(ctx context.Context, session auth.Session, id, reason string) (escrow.Outcome, error)
	ConfirmDelivery(ctx context.Context, session auth.Session, id string, releaseAt time.Time) (escrow.Outcome, error)
	AttachEvidence(ctx context.Context, session auth.Session, id string, ev escrow.Evidence) (escrow.Outcome, error)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Profile(ctx context.Context, userID string) (auth.User, error)
	VerifyToken(token string) (auth.Session, error)
}

type partyDirectory interface {
	Lookup(ctx context.Context, ids ...string) (map[string]party.Profile, error)
	Save(ctx context.Context, p party.Profile) (party.Profile, error)
}

type evidenceStore interface {
	Put(ctx context.Context, transactionID, name, contentType string, body io.Reader) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
}

// Server exposes the escrow admin API. Optional collaborators (parties,
// evidence, hub) may be nil; their routes then degrade or report 503.
type Server struct {
	escrowService escrowService
	authService   authService
	parties       partyDirectory
	evidence      evidenceStore
	hub           http.Handler
	health        func(ctx context.Context) error

	holdPeriod     time.Duration
	maxUploadBytes int64
	corsOrigins    []string
	now            func() time.Time
	logger         *slog.Logger
}

type contextKey string

const ctxKeySession contextKey = "session"

func sessionFrom(ctx context.Context) (auth.Session, bool) {
	s, ok := ctx.Value(ctxKeySession).(auth.Session)
	return s, ok
}

// Handler builds the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/admin/auth/login", s.handleLogin)
	mux.Handle("GET /api/admin/auth/profile", s.requireSession(http.HandlerFunc(s.handleProfile)))

	mux.Handle("GET /escrow/stats", s.requireSession(http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /escrow/transactions", s.requireSession(http.HandlerFunc(s.handleListTransactions)))
	mux.Handle("POST /escrow/transactions", s.requireSession(http.HandlerFunc(s.handleOpenTransaction)))
	mux.Handle("GET /escrow/transactions/{id}", s.requireSession(http.HandlerFunc(s.handleTransaction)))
	mux.Handle("GET /escrow/transactions/{id}/timeline", s.requireSession(http.HandlerFunc(s.handleTimeline)))
	mux.Handle("POST /escrow/transactions/{id}/resolve", s.requireSession(http.HandlerFunc(s.handleResolve)))
	mux.Handle("POST /escrow/transactions/{id}/release", s.requireSession(http.HandlerFunc(s.handleEarlyRelease)))
	mux.Handle("POST /escrow/transactions/{id}/dispute", s.requireSession(http.HandlerFunc(s.handleFileDispute)))
	mux.Handle("POST /escrow/transactions/{id}/deliver", s.requireSession(http.HandlerFunc(s.handleConfirmDelivery)))
	mux.Handle("POST /escrow/transactions/{id}/evidence", s.requireSession(http.HandlerFunc(s.handleUploadEvidence)))
	mux.Handle("PUT /parties/{id}", s.requireSession(http.HandlerFunc(s.handleUpsertParty)))

	if s.hub != nil {
		mux.Handle("GET /ws", s.requireSession(s.hub))
	}

	var h http.Handler = mux
	h = logRequests(s.logger)(h)
	h = cors(s.corsOrigins)(h)
	return h
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
