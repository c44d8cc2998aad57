package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps transactions in process. It honours the same version
// and append-only rules as PGRepository and backs local runs and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	items    map[string]Transaction
	audit    map[string][]AuditEntry
	outbox   map[string]*memoryOutbox
	outboxes []string
}

type memoryOutbox struct {
	msg        OutboxMessage
	dispatched bool
	attempts   int
	lastError  string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:  make(map[string]Transaction),
		audit:  make(map[string][]AuditEntry),
		outbox: make(map[string]*memoryOutbox),
	}
}

func (r *MemoryRepository) Create(_ context.Context, t Transaction) (Transaction, error) {
	if !t.Amount.IsPositive() {
		return Transaction{}, invalid("amount must be positive")
	}
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	t.Version = 1
	t.UpdatedAt = t.HeldSince

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[t.ID]; ok {
		return Transaction{}, ErrDuplicate
	}
	r.items[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter Filter) (Page, error) {
	filter = filter.Normalize()
	needle := strings.ToLower(strings.TrimSpace(filter.Search))

	r.mu.RLock()
	matched := make([]Transaction, 0, len(r.items))
	for _, t := range r.items {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if needle != "" && !matchesSearch(t, needle) {
			continue
		}
		matched = append(matched, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].HeldSince.Equal(matched[j].HeldSince) {
			return matched[i].HeldSince.After(matched[j].HeldSince)
		}
		return matched[i].ID < matched[j].ID
	})

	page := Page{Total: len(matched), Page: filter.Page, PageSize: filter.PageSize}
	start := filter.offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Items = matched[start:end]
	return page, nil
}

func matchesSearch(t Transaction, needle string) bool {
	for _, field := range []string{t.ID, t.OrderID, t.CustomerID, t.MerchantID} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) Save(_ context.Context, change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[change.Next.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, change.Next.ID)
	}
	if current.Version != change.ExpectedVersion {
		return fmt.Errorf("%w: %s is no longer at version %d", ErrConcurrentModification, current.ID, change.ExpectedVersion)
	}
	if current.Status == StatusReleased {
		return fmt.Errorf("%w: %s is released", ErrInvalidStateTransition, current.ID)
	}
	if len(change.Next.Evidence) < len(current.Evidence) {
		return fmt.Errorf("escrow: evidence is append-only for %s", current.ID)
	}

	r.items[current.ID] = change.Next.Clone()
	r.audit[current.ID] = append(r.audit[current.ID], change.Audit)
	if change.Outbox != nil {
		r.outbox[change.Outbox.ID] = &memoryOutbox{msg: *change.Outbox}
		r.outboxes = append(r.outboxes, change.Outbox.ID)
	}
	return nil
}

func (r *MemoryRepository) Timeline(_ context.Context, id string) ([]AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.items[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]AuditEntry(nil), r.audit[id]...), nil
}

func (r *MemoryRepository) Due(_ context.Context, now time.Time, limit int) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transaction, 0)
	for _, t := range r.items {
		if t.Status != StatusActive && t.Status != StatusPending {
			continue
		}
		if t.AutoReleaseAt != nil && !t.AutoReleaseAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) MarkDispatched(_ context.Context, outboxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outbox[outboxID]
	if !ok {
		return fmt.Errorf("escrow: unknown outbox message %s", outboxID)
	}
	o.dispatched = true
	o.attempts++
	o.lastError = ""
	return nil
}

func (r *MemoryRepository) RecordDispatchFailure(_ context.Context, outboxID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outbox[outboxID]
	if !ok {
		return fmt.Errorf("escrow: unknown outbox message %s", outboxID)
	}
	if o.dispatched {
		return nil
	}
	o.attempts++
	if cause != nil {
		o.lastError = cause.Error()
	}
	return nil
}

// PendingOutbox returns the messages not yet acknowledged by their consumer, oldest first.
func (r *MemoryRepository) PendingOutbox() []OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OutboxMessage, 0)
	for _, id := range r.outboxes {
		if o := r.outbox[id]; !o.dispatched {
			out = append(out, o.msg)
		}
	}
	return out
}

// Outbox returns every message written so far, oldest first.
func (r *MemoryRepository) Outbox() []OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OutboxMessage, 0, len(r.outboxes))
	for _, id := range r.outboxes {
		out = append(out, r.outbox[id].msg)
	}
	return out
}

func (r *MemoryRepository) Stats(_ context.Context) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{HeldBalance: decimal.Zero, Counts: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		stats.Counts[s] = 0
	}
	for _, t := range r.items {
		stats.Counts[t.Status]++
		if t.Status != StatusReleased {
			stats.HeldBalance = stats.HeldBalance.Add(t.Amount)
		}
		if t.Status == StatusDisputed && t.Escalated {
			stats.Escalated++
		}
	}
	return stats, nil
}

var _ Repository = (*MemoryRepository)(nil)
