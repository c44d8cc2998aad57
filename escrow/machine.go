package escrow

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Machine validates and applies transitions to a single transaction. It never
// mutates its input and performs no I/O.
type Machine struct {
	now   func() time.Time
	newID func() string
}

// Transition is the result of applying one operation.
type Transition struct {
	Next  Transaction
	Audit AuditEntry
	// Payout is the disbursement the funds-movement service must execute, nil when no money moves.
	Payout *Split
	// Appended is the evidence added by AttachEvidence.
	Appended *Evidence
}

func NewMachine() *Machine {
	return &Machine{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) WithIDGenerator(gen func() string) *Machine {
	m.newID = gen
	return m
}

// Resolve applies an administrator's decision to a disputed transaction.
func (m *Machine) Resolve(tx Transaction, actor string, res Resolution) (Transition, error) {
	if !res.Action.IsResolution() {
		return Transition{}, invalid("unknown resolution action %q", res.Action)
	}
	if tx.Status != StatusDisputed {
		return Transition{}, invalidTransition(tx.Status, res.Action)
	}
	if res.Action == ActionEscalate && tx.Escalated {
		return Transition{}, invalidTransition(tx.Status, res.Action)
	}
	notes := strings.TrimSpace(res.Notes)
	if notes == "" {
		return Transition{}, invalid("resolution notes are required")
	}
	if res.Action != ActionPartialRefund && res.Split != nil {
		return Transition{}, invalid("split amounts apply only to %s", ActionPartialRefund)
	}

	now := m.now().UTC()
	next := tx.Clone()
	var payout *Split

	switch res.Action {
	case ActionEscalate:
		next.Escalated = true
	case ActionReleaseMerchant:
		payout = &Split{Customer: decimal.Zero, Merchant: tx.Amount}
	case ActionRefundCustomer:
		payout = &Split{Customer: tx.Amount, Merchant: decimal.Zero}
	case ActionPartialRefund:
		if err := validateSplit(tx.Amount, res.Split); err != nil {
			return Transition{}, err
		}
		s := *res.Split
		payout = &s
		next.Split = &s
	}

	if payout != nil {
		next.Status = StatusReleased
		next.Resolution = res.Action
		next.ResolutionNotes = notes
		next.ReleasedAt = &now
		next.AutoReleaseAt = nil
	}

	return m.finish(tx, next, actor, res.Action, notes, now, payout), nil
}

// ConfirmDelivery moves an active escrow to pending and schedules its auto-release.
func (m *Machine) ConfirmDelivery(tx Transaction, actor string, releaseAt time.Time) (Transition, error) {
	if tx.Status != StatusActive || tx.DisputeReason != "" {
		return Transition{}, invalidTransition(tx.Status, ActionConfirmDelivery)
	}
	now := m.now().UTC()
	if !releaseAt.After(now) {
		return Transition{}, invalid("auto-release time must be in the future")
	}

	next := tx.Clone()
	next.Status = StatusPending
	at := releaseAt.UTC()
	next.AutoReleaseAt = &at

	return m.finish(tx, next, actor, ActionConfirmDelivery, "auto-release at "+at.Format(time.RFC3339), now, nil), nil
}

// FileDispute freezes an active or pending escrow. A filed dispute cancels any scheduled auto-release.
func (m *Machine) FileDispute(tx Transaction, actor, reason string) (Transition, error) {
	if tx.Status != StatusActive && tx.Status != StatusPending {
		return Transition{}, invalidTransition(tx.Status, ActionFileDispute)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transition{}, invalid("dispute reason is required")
	}

	now := m.now().UTC()
	next := tx.Clone()
	next.Status = StatusDisputed
	next.DisputeReason = reason
	next.DisputedAt = &now
	next.AutoReleaseAt = nil

	return m.finish(tx, next, actor, ActionFileDispute, reason, now, nil), nil
}

// AutoRelease pays the merchant once the hold period has elapsed.
func (m *Machine) AutoRelease(tx Transaction, actor string) (Transition, error) {
	if tx.Status != StatusActive && tx.Status != StatusPending {
		return Transition{}, invalidTransition(tx.Status, ActionAutoRelease)
	}
	now := m.now().UTC()
	if tx.AutoReleaseAt == nil || now.Before(*tx.AutoReleaseAt) {
		return Transition{}, invalidTransition(tx.Status, ActionAutoRelease)
	}

	next := tx.Clone()
	next.Status = StatusReleased
	next.Resolution = ActionAutoRelease
	next.ResolutionNotes = "hold period elapsed"
	next.ReleasedAt = &now
	next.AutoReleaseAt = nil

	payout := &Split{Customer: decimal.Zero, Merchant: tx.Amount}
	return m.finish(tx, next, actor, ActionAutoRelease, next.ResolutionNotes, now, payout), nil
}

// EarlyRelease pays the merchant before the hold period ends. Disputed
// transactions must go through Resolve instead.
func (m *Machine) EarlyRelease(tx Transaction, actor, justification string) (Transition, error) {
	if tx.Status != StatusActive && tx.Status != StatusPending {
		return Transition{}, invalidTransition(tx.Status, ActionEarlyRelease)
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Transition{}, invalid("early release justification is required")
	}

	now := m.now().UTC()
	next := tx.Clone()
	next.Status = StatusReleased
	next.Resolution = ActionEarlyRelease
	next.ResolutionNotes = justification
	next.ReleasedAt = &now
	next.AutoReleaseAt = nil

	payout := &Split{Customer: decimal.Zero, Merchant: tx.Amount}
	return m.finish(tx, next, actor, ActionEarlyRelease, justification, now, payout), nil
}

// AttachEvidence appends a file reference. Released transactions are frozen.
func (m *Machine) AttachEvidence(tx Transaction, actor string, ev Evidence) (Transition, error) {
	if tx.Status == StatusReleased {
		return Transition{}, invalidTransition(tx.Status, ActionAttachEvidence)
	}
	if ev.Submitter != SubmitterCustomer && ev.Submitter != SubmitterMerchant {
		return Transition{}, invalid("unknown evidence submitter %q", ev.Submitter)
	}
	if strings.TrimSpace(ev.Name) == "" || ev.ObjectKey == "" {
		return Transition{}, invalid("evidence name and object key are required")
	}

	now := m.now().UTC()
	if ev.ID == "" {
		ev.ID = m.newID()
	}
	ev.UploadedAt = now

	next := tx.Clone()
	next.Evidence = append(next.Evidence, ev)

	tr := m.finish(tx, next, actor, ActionAttachEvidence, string(ev.Submitter)+": "+ev.Name, now, nil)
	tr.Appended = &ev
	return tr, nil
}

func (m *Machine) finish(prev, next Transaction, actor string, action Action, notes string, now time.Time, payout *Split) Transition {
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return Transition{
		Next: next,
		Audit: AuditEntry{
			ID:            m.newID(),
			TransactionID: prev.ID,
			Actor:         actor,
			Action:        action,
			Notes:         notes,
			From:          prev.Status,
			To:            next.Status,
			CreatedAt:     now,
		},
		Payout: payout,
	}
}

func validateSplit(amount decimal.Decimal, split *Split) error {
	if split == nil {
		return invalid("split amounts are required for %s", ActionPartialRefund)
	}
	if split.Customer.IsNegative() || split.Merchant.IsNegative() {
		return invalid("split amounts must not be negative")
	}
	if subCent(split.Customer) || subCent(split.Merchant) {
		return invalid("split amounts must not carry more than %d decimal places", moneyScale)
	}
	if !split.Total().Equal(amount) {
		return invalid("split %s + %s does not equal held amount %s", split.Customer, split.Merchant, amount)
	}
	return nil
}

// moneyScale is the number of decimal places held amounts and payouts carry.
const moneyScale = 2

func subCent(d decimal.Decimal) bool {
	return !d.Equal(d.Truncate(moneyScale))
}
