package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"escrowdesk/escrow"
)

// Board is the admin's shared view of escrow transactions. It only ever holds
// server-confirmed records and never moves a record back to an older version.
type Board struct {
	gw      Gateway
	group   singleflight.Group
	mu      sync.RWMutex
	items   map[string]escrow.Transaction
	changes chan struct{}
}

func NewBoard(gw Gateway) *Board {
	return &Board{
		gw:      gw,
		items:   make(map[string]escrow.Transaction),
		changes: make(chan struct{}, 1),
	}
}

// Changes delivers a coalesced signal whenever the board content changes.
func (b *Board) Changes() <-chan struct{} {
	return b.changes
}

// Load fetches one page from the server and merges it into the board.
func (b *Board) Load(ctx context.Context, filter escrow.Filter) (escrow.Page, error) {
	page, err := b.gw.List(ctx, filter)
	if err != nil {
		return escrow.Page{}, fmt.Errorf("dispute: load board: %w", err)
	}
	changed := false
	for _, t := range page.Items {
		if b.replace(t) {
			changed = true
		}
	}
	if changed {
		b.signal()
	}
	return page, nil
}

// Refresh refetches a single record. Concurrent refreshes of the same id share one call.
func (b *Board) Refresh(ctx context.Context, id string) (escrow.Transaction, error) {
	v, err, _ := b.group.Do(id, func() (any, error) {
		return b.gw.Get(ctx, id)
	})
	if err != nil {
		return escrow.Transaction{}, err
	}
	t := v.(escrow.Transaction)
	b.Replace(t)
	return t.Clone(), nil
}

// Replace stores t if the board has no record for it or holds an older version.
func (b *Board) Replace(t escrow.Transaction) bool {
	if !b.replace(t) {
		return false
	}
	b.signal()
	return true
}

func (b *Board) replace(t escrow.Transaction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.items[t.ID]; ok && cur.Version >= t.Version {
		return false
	}
	b.items[t.ID] = t.Clone()
	return true
}

func (b *Board) signal() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

func (b *Board) Get(id string) (escrow.Transaction, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.items[id]
	if !ok {
		return escrow.Transaction{}, false
	}
	return t.Clone(), true
}

// Snapshot returns the records with status (all when empty), newest hold first.
func (b *Board) Snapshot(status escrow.Status) []escrow.Transaction {
	b.mu.RLock()
	out := make([]escrow.Transaction, 0, len(b.items))
	for _, t := range b.items {
		if status == "" || t.Status == status {
			out = append(out, t.Clone())
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].HeldSince.Equal(out[j].HeldSince) {
			return out[i].HeldSince.After(out[j].HeldSince)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the number of records per status for the filter tabs.
func (b *Board) Counts() map[escrow.Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[escrow.Status]int, len(escrow.Statuses))
	for _, s := range escrow.Statuses {
		counts[s] = 0
	}
	for _, t := range b.items {
		counts[t.Status]++
	}
	return counts
}
