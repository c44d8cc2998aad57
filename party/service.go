package party

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrInvalidProfile is returned by Save for incomplete profiles.
var ErrInvalidProfile = errors.New("party: invalid profile")

// Reader abstracts repository lookups for the service.
type Reader interface {
	GetMany(ctx context.Context, ids []string) ([]Profile, error)
}

// Store is a Reader that also accepts profile pushes.
type Store interface {
	Reader
	Upsert(ctx context.Context, p Profile) error
}

// Service resolves customer and merchant ids into profiles.
type Service struct {
	repo Store
}

func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Save validates p and stores it, replacing any profile with the same id.
func (s *Service) Save(ctx context.Context, p Profile) (Profile, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Email = strings.TrimSpace(p.Email)
	if p.ID == "" || p.DisplayName == "" {
		return Profile{}, fmt.Errorf("%w: id and display name are required", ErrInvalidProfile)
	}
	if p.Kind != KindCustomer && p.Kind != KindMerchant {
		return Profile{}, fmt.Errorf("%w: kind must be %s or %s", ErrInvalidProfile, KindCustomer, KindMerchant)
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Lookup returns the known profiles among ids keyed by id.
func (s *Service) Lookup(ctx context.Context, ids ...string) (map[string]Profile, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	profiles, err := s.repo.GetMany(ctx, unique)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		out[p.ID] = p
	}
	return out, nil
}

// MemoryRepository serves profiles from process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryRepository(profiles ...Profile) *MemoryRepository {
	m := &MemoryRepository{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	return m
}

func (m *MemoryRepository) GetMany(_ context.Context, ids []string) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Upsert keeps the original CreatedAt when a profile is refreshed.
func (m *MemoryRepository) Upsert(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = cur.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.profiles[p.ID] = p
	return nil
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryRepository)(nil)
)
