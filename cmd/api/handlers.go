package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"escrowdesk/auth"
	"escrowdesk/escrow"
	"escrowdesk/escrowapi"
	"escrowdesk/party"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, fmt.Errorf("%w: email and password are required", escrow.ErrValidation))
		return
	}

	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowapi.LoginResponse{
		Token:     res.Token,
		ExpiresAt: res.Session.ExpiresAt,
		User:      escrowapi.FromUser(res.User),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	user, err := s.authService.Profile(r.Context(), session.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			err = fmt.Errorf("%w: account no longer exists", escrow.ErrSessionExpired)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowapi.FromUser(user))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	stats, err := s.escrowService.Stats(r.Context(), session)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowapi.FromStats(stats))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	if status == "all" {
		status = ""
	}
	result, err := s.escrowService.List(r.Context(), session, escrow.Filter{
		Status:   escrow.Status(status),
		Search:   strings.TrimSpace(q.Get("search")),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowapi.FromPage(result))
}

func (s *Server) handleOpenTransaction(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	var req escrowapi.OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	t, err := s.escrowService.Open(r.Context(), session, escrow.OpenRequest{
		ID:          req.ID,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		CustomerID:  req.CustomerID,
		MerchantID:  req.MerchantID,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, escrowapi.FromTransaction(t))
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	t, err := s.escrowService.Get(r.Context(), session, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(r, t))
}

// present enriches a transaction with party profiles and evidence links.
// Enrichment failures are logged and the bare record is returned.
func (s *Server) present(r *http.Request, t escrow.Transaction) escrowapi.Transaction {
	out := escrowapi.FromTransaction(t)
	ctx := r.Context()

	if s.parties != nil {
		profiles, err := s.parties.Lookup(ctx, t.CustomerID, t.MerchantID)
		if err != nil {
			s.logger.WarnContext(ctx, "party lookup failed",
				slog.String("transaction_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
		if p, ok := profiles[t.CustomerID]; ok {
			out.Customer = partyResponse(p)
		}
		if p, ok := profiles[t.MerchantID]; ok {
			out.Merchant = partyResponse(p)
		}
	}

	if s.evidence != nil {
		for i := range out.Evidence {
			url, err := s.evidence.PresignGet(ctx, out.Evidence[i].ObjectKey)
			if err != nil {
				s.logger.WarnContext(ctx, "presign evidence failed",
					slog.String("object_key", out.Evidence[i].ObjectKey),
					slog.String("error", err.Error()),
				)
				continue
			}
			out.Evidence[i].URL = url
		}
	}
	return out
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	entries, err := s.escrowService.Timeline(r.Context(), session, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]escrowapi.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, escrowapi.FromAudit(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	var req escrowapi.ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resolve := escrow.ResolveRequest{
		Action:          escrow.Action(req.Action),
		Notes:           req.Notes,
		ExpectedVersion: req.ExpectedVersion,
	}
	if req.SplitAmounts != nil {
		resolve.Split = &escrow.Split{Customer: req.SplitAmounts.Customer, Merchant: req.SplitAmounts.Merchant}
	}

	out, err := s.escrowService.Resolve(r.Context(), session, r.PathValue("id"), resolve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

func (s *Server) handleEarlyRelease(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	var req escrowapi.EarlyReleaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.escrowService.EarlyRelease(r.Context(), session, r.PathValue("id"), req.Justification, req.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	var req escrowapi.DisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.escrowService.FileDispute(r.Context(), session, r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// handleConfirmDelivery starts the hold period. An omitted releaseAt uses the
// configured hold period from now.
func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	var req escrowapi.DeliverRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	releaseAt := req.ReleaseAt
	if releaseAt.IsZero() {
		releaseAt = s.clock().Add(s.holdPeriod)
	}

	out, err := s.escrowService.ConfirmDelivery(r.Context(), session, r.PathValue("id"), releaseAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// handleUploadEvidence stores a multipart "file" part in the blob store and
// appends it to the transaction under the "submitter" form field.
func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeJSON(w, http.StatusServiceUnavailable, escrowapi.Error{Kind: string(escrow.KindInternal), Message: "evidence storage is not configured"})
		return
	}
	session, _ := sessionFrom(r.Context())
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, fmt.Errorf("%w: invalid upload: %v", escrow.ErrValidation, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	submitter := escrow.Submitter(r.FormValue("submitter"))
	if submitter != escrow.SubmitterCustomer && submitter != escrow.SubmitterMerchant {
		writeError(w, fmt.Errorf("%w: submitter must be customer or merchant", escrow.ErrValidation))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: file part is required", escrow.ErrValidation))
		return
	}
	defer file.Close()

	// Reject early so a doomed upload never reaches the bucket.
	if _, err := s.escrowService.Get(r.Context(), session, id); err != nil {
		writeError(w, err)
		return
	}

	name := filepath.Base(header.Filename)
	contentType := header.Header.Get("Content-Type")
	key, err := s.evidence.Put(r.Context(), id, name, contentType, file)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.escrowService.AttachEvidence(r.Context(), session, id, escrow.Evidence{
		Submitter:   submitter,
		Name:        name,
		ContentType: contentType,
		ObjectKey:   key,
	})
	if err != nil {
		s.logger.WarnContext(r.Context(), "evidence stored but not attached",
			slog.String("transaction_id", id),
			slog.String("object_key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcomeResponse(out))
}

// handleUpsertParty stores a customer or merchant profile pushed by the
// order subsystem.
func (s *Server) handleUpsertParty(w http.ResponseWriter, r *http.Request) {
	if s.parties == nil {
		writeJSON(w, http.StatusServiceUnavailable, escrowapi.Error{Kind: string(escrow.KindInternal), Message: "party directory is not configured"})
		return
	}
	session, _ := sessionFrom(r.Context())
	if err := session.Require(auth.PermLifecycle); err != nil {
		writeError(w, err)
		return
	}
	var req escrowapi.Party
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	saved, err := s.parties.Save(r.Context(), party.Profile{
		ID:          r.PathValue("id"),
		Kind:        party.Kind(req.Kind),
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Verified:    req.Verified,
	})
	if err != nil {
		if errors.Is(err, party.ErrInvalidProfile) {
			err = fmt.Errorf("%w: %v", escrow.ErrValidation, err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partyResponse(saved))
}

func partyResponse(p party.Profile) *escrowapi.Party {
	return &escrowapi.Party{
		ID:          p.ID,
		Kind:        string(p.Kind),
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Verified:    p.Verified,
	}
}

func outcomeResponse(out escrow.Outcome) escrowapi.ResolveResponse {
	return escrowapi.ResolveResponse{
		Transaction:  escrowapi.FromTransaction(out.Transaction),
		Audit:        escrowapi.FromAudit(out.Audit),
		FundsPending: out.FundsPending,
	}
}
