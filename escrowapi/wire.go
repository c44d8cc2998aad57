// Package escrowapi holds the JSON shapes of the escrow admin API and a client for it.
package escrowapi

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/auth"
	"escrowdesk/escrow"
)

type Evidence struct {
	ID          string    `json:"id"`
	Submitter   string    `json:"submitter"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	ObjectKey   string    `json:"objectKey"`
	URL         string    `json:"url,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

type Split struct {
	Customer decimal.Decimal `json:"customer"`
	Merchant decimal.Decimal `json:"merchant"`
}

type Party struct {
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Verified    bool   `json:"verified,omitempty"`
}

type Transaction struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"orderId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	CustomerID      string          `json:"customerId"`
	MerchantID      string          `json:"merchantId"`
	Customer        *Party          `json:"customer,omitempty"`
	Merchant        *Party          `json:"merchant,omitempty"`
	Description     string          `json:"description,omitempty"`
	HeldSince       time.Time       `json:"heldSince"`
	DisputeReason   string          `json:"disputeReason,omitempty"`
	DisputedAt      *time.Time      `json:"disputedAt,omitempty"`
	Evidence        []Evidence      `json:"evidence"`
	Resolution      string          `json:"resolution,omitempty"`
	ResolutionNotes string          `json:"resolutionNotes,omitempty"`
	SplitAmounts    *Split          `json:"splitAmounts,omitempty"`
	Escalated       bool            `json:"escalated"`
	AutoReleaseAt   *time.Time      `json:"autoReleaseAt,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type AuditEntry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	Notes         string    `json:"notes,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Page struct {
	Items    []Transaction `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

type Stats struct {
	HeldBalance decimal.Decimal `json:"heldBalance"`
	Counts      map[string]int  `json:"counts"`
	Escalated   int             `json:"escalated"`
}

type ResolveRequest struct {
	Action          string `json:"action"`
	Notes           string `json:"notes"`
	SplitAmounts    *Split `json:"splitAmounts,omitempty"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
}

type ResolveResponse struct {
	Transaction  Transaction `json:"transaction"`
	Audit        AuditEntry  `json:"audit"`
	FundsPending bool        `json:"fundsPending"`
}

type EarlyReleaseRequest struct {
	Justification   string `json:"justification"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type DeliverRequest struct {
	ReleaseAt time.Time `json:"releaseAt"`
}

type OpenRequest struct {
	ID          string          `json:"id,omitempty"`
	OrderID     string          `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	CustomerID  string          `json:"customerId"`
	MerchantID  string          `json:"merchantId"`
	Description string          `json:"description,omitempty"`
}

type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	FullName    string   `json:"fullName"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func FromTransaction(t escrow.Transaction) Transaction {
	out := Transaction{
		ID:              t.ID,
		OrderID:         t.OrderID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		Status:          string(t.Status),
		CustomerID:      t.CustomerID,
		MerchantID:      t.MerchantID,
		Description:     t.Description,
		HeldSince:       t.HeldSince,
		DisputeReason:   t.DisputeReason,
		DisputedAt:      t.DisputedAt,
		Evidence:        make([]Evidence, 0, len(t.Evidence)),
		Resolution:      string(t.Resolution),
		ResolutionNotes: t.ResolutionNotes,
		Escalated:       t.Escalated,
		AutoReleaseAt:   t.AutoReleaseAt,
		ReleasedAt:      t.ReleasedAt,
		Version:         t.Version,
		UpdatedAt:       t.UpdatedAt,
	}
	for _, ev := range t.Evidence {
		out.Evidence = append(out.Evidence, Evidence{
			ID:          ev.ID,
			Submitter:   string(ev.Submitter),
			Name:        ev.Name,
			ContentType: ev.ContentType,
			ObjectKey:   ev.ObjectKey,
			UploadedAt:  ev.UploadedAt,
		})
	}
	if t.Split != nil {
		out.SplitAmounts = &Split{Customer: t.Split.Customer, Merchant: t.Split.Merchant}
	}
	return out
}

func (t Transaction) Domain() escrow.Transaction {
	out := escrow.Transaction{
		ID:              t.ID,
		OrderID:         t.OrderID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		Status:          escrow.Status(t.Status),
		CustomerID:      t.CustomerID,
		MerchantID:      t.MerchantID,
		Description:     t.Description,
		HeldSince:       t.HeldSince,
		DisputeReason:   t.DisputeReason,
		DisputedAt:      t.DisputedAt,
		Resolution:      escrow.Action(t.Resolution),
		ResolutionNotes: t.ResolutionNotes,
		Escalated:       t.Escalated,
		AutoReleaseAt:   t.AutoReleaseAt,
		ReleasedAt:      t.ReleasedAt,
		Version:         t.Version,
		UpdatedAt:       t.UpdatedAt,
	}
	for _, ev := range t.Evidence {
		out.Evidence = append(out.Evidence, escrow.Evidence{
			ID:          ev.ID,
			Submitter:   escrow.Submitter(ev.Submitter),
			Name:        ev.Name,
			ContentType: ev.ContentType,
			ObjectKey:   ev.ObjectKey,
			UploadedAt:  ev.UploadedAt,
		})
	}
	if t.SplitAmounts != nil {
		out.Split = &escrow.Split{Customer: t.SplitAmounts.Customer, Merchant: t.SplitAmounts.Merchant}
	}
	return out
}

func FromAudit(a escrow.AuditEntry) AuditEntry {
	return AuditEntry{
		ID:            a.ID,
		TransactionID: a.TransactionID,
		Actor:         a.Actor,
		Action:        string(a.Action),
		Notes:         a.Notes,
		From:          string(a.From),
		To:            string(a.To),
		CreatedAt:     a.CreatedAt,
	}
}

func (a AuditEntry) Domain() escrow.AuditEntry {
	return escrow.AuditEntry{
		ID:            a.ID,
		TransactionID: a.TransactionID,
		Actor:         a.Actor,
		Action:        escrow.Action(a.Action),
		Notes:         a.Notes,
		From:          escrow.Status(a.From),
		To:            escrow.Status(a.To),
		CreatedAt:     a.CreatedAt,
	}
}

func FromPage(p escrow.Page) Page {
	out := Page{Items: make([]Transaction, 0, len(p.Items)), Total: p.Total, Page: p.Page, PageSize: p.PageSize}
	for _, t := range p.Items {
		out.Items = append(out.Items, FromTransaction(t))
	}
	return out
}

func (p Page) Domain() escrow.Page {
	out := escrow.Page{Items: make([]escrow.Transaction, 0, len(p.Items)), Total: p.Total, Page: p.Page, PageSize: p.PageSize}
	for _, t := range p.Items {
		out.Items = append(out.Items, t.Domain())
	}
	return out
}

func FromStats(s escrow.Stats) Stats {
	out := Stats{HeldBalance: s.HeldBalance, Counts: make(map[string]int, len(s.Counts)), Escalated: s.Escalated}
	for status, n := range s.Counts {
		out.Counts[string(status)] = n
	}
	return out
}

func (s Stats) Domain() escrow.Stats {
	out := escrow.Stats{HeldBalance: s.HeldBalance, Counts: make(map[escrow.Status]int, len(s.Counts)), Escalated: s.Escalated}
	for status, n := range s.Counts {
		out.Counts[escrow.Status(status)] = n
	}
	return out
}

func FromUser(u auth.User) User {
	perms := make([]string, 0, len(u.Permissions))
	for _, p := range u.Permissions {
		perms = append(perms, string(p))
	}
	return User{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role), Permissions: perms}
}

// Session rebuilds the identity the server issued so the caller can apply
// the same permission checks locally.
func (u User) Session(expiresAt time.Time) auth.Session {
	perms := make([]auth.Permission, 0, len(u.Permissions))
	for _, p := range u.Permissions {
		perms = append(perms, auth.Permission(p))
	}
	return auth.Session{UserID: u.ID, Email: u.Email, Role: auth.Role(u.Role), Permissions: perms, ExpiresAt: expiresAt}
}
