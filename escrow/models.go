package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of an escrow transaction.
type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
)

// DefaultCurrency is applied when a transaction is created without one.
const DefaultCurrency = "NGN"

// Statuses lists every status in display order.
var Statuses = []Status{StatusActive, StatusPending, StatusDisputed, StatusReleased}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusDisputed, StatusReleased:
		return true
	default:
		return false
	}
}

// Action names a transition recorded in the audit trail.
type Action string

// Resolution actions an administrator may choose for a disputed transaction.
const (
	ActionReleaseMerchant Action = "release_merchant"
	ActionRefundCustomer  Action = "refund_customer"
	ActionPartialRefund   Action = "partial_refund"
	ActionEscalate        Action = "escalate"
)

// Lifecycle actions driven by the order subsystem, the sweeper, or early release.
const (
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionFileDispute     Action = "file_dispute"
	ActionAutoRelease     Action = "auto_release"
	ActionEarlyRelease    Action = "early_release"
	ActionAttachEvidence  Action = "attach_evidence"
)

// IsResolution reports whether a is one of the four dispute resolution actions.
func (a Action) IsResolution() bool {
	switch a {
	case ActionReleaseMerchant, ActionRefundCustomer, ActionPartialRefund, ActionEscalate:
		return true
	default:
		return false
	}
}

// Submitter identifies which party provided a piece of evidence.
type Submitter string

const (
	SubmitterCustomer Submitter = "customer"
	SubmitterMerchant Submitter = "merchant"
)

// Evidence is an append-only reference to a file stored in the blob store.
type Evidence struct {
	ID          string
	Submitter   Submitter
	Name        string
	ContentType string
	ObjectKey   string
	UploadedAt  time.Time
}

// Split divides a held amount between the customer and the merchant.
type Split struct {
	Customer decimal.Decimal
	Merchant decimal.Decimal
}

// Total returns the combined amount of both shares.
func (s Split) Total() decimal.Decimal {
	return s.Customer.Add(s.Merchant)
}

// Transaction mirrors the escrow_transactions table together with its evidence.
type Transaction struct {
	ID              string
	OrderID         string
	Amount          decimal.Decimal
	Currency        string
	Status          Status
	CustomerID      string
	MerchantID      string
	Description     string
	HeldSince       time.Time
	DisputeReason   string
	DisputedAt      *time.Time
	Evidence        []Evidence
	Resolution      Action
	ResolutionNotes string
	Split           *Split
	Escalated       bool
	AutoReleaseAt   *time.Time
	ReleasedAt      *time.Time
	Version         int64
	UpdatedAt       time.Time
}

// EvidenceBy returns the evidence submitted by one party, in upload order.
func (t Transaction) EvidenceBy(who Submitter) []Evidence {
	out := make([]Evidence, 0, len(t.Evidence))
	for _, e := range t.Evidence {
		if e.Submitter == who {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t Transaction) Clone() Transaction {
	out := t
	out.Evidence = append([]Evidence(nil), t.Evidence...)
	if t.Split != nil {
		s := *t.Split
		out.Split = &s
	}
	out.DisputedAt = cloneTime(t.DisputedAt)
	out.AutoReleaseAt = cloneTime(t.AutoReleaseAt)
	out.ReleasedAt = cloneTime(t.ReleasedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Resolution is the administrator's decision for a disputed transaction.
type Resolution struct {
	Action Action
	Notes  string
	Split  *Split
}

// AuditEntry is an immutable record of one applied transition.
type AuditEntry struct {
	ID            string
	TransactionID string
	Actor         string
	Action        Action
	Notes         string
	From          Status
	To            Status
	CreatedAt     time.Time
}

// Filter narrows List results. Search matches transaction, order, customer and merchant identifiers.
type Filter struct {
	Status   Status
	Search   string
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize fills paging defaults and clamps the page size.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f Filter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// Page is one slice of a filtered transaction listing.
type Page struct {
	Items    []Transaction
	Total    int
	Page     int
	PageSize int
}

// Stats summarises the escrow book for the dashboard header.
type Stats struct {
	HeldBalance decimal.Decimal
	Counts      map[Status]int
	Escalated   int
}
