package profile

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// Repository persists non-secret profile metadata and the active selection.
// Implementations are used only through Store.
type Repository interface {
	List(ctx context.Context) ([]domain.Profile, error)
	Get(ctx context.Context, id string) (domain.Profile, error)
	Insert(ctx context.Context, p domain.Profile) error
	Update(ctx context.Context, p domain.Profile) error
	Delete(ctx context.Context, id string) error
	// ActiveID returns "" when nothing is selected.
	ActiveID(ctx context.Context) (string, error)
	SetActiveID(ctx context.Context, id string) error
}

// MemoryRepository keeps profiles in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
	activeID string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{profiles: make(map[string]domain.Profile)}
}

func (r *MemoryRepository) List(_ context.Context) ([]domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sortProfiles(out)
	return out, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return domain.Profile{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepository) Insert(_ context.Context, p domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameTaken(p.Name, p.ID) {
		return ErrNameConflict
	}
	r.profiles[p.ID] = p
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, p domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.ID]; !ok {
		return ErrNotFound
	}
	if r.nameTaken(p.Name, p.ID) {
		return ErrNameConflict
	}
	r.profiles[p.ID] = p
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(r.profiles, id)
	return nil
}

func (r *MemoryRepository) ActiveID(_ context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID, nil
}

func (r *MemoryRepository) SetActiveID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = id
	return nil
}

func (r *MemoryRepository) nameTaken(name, exceptID string) bool {
	key := nameKey(name)
	for id, p := range r.profiles {
		if id != exceptID && nameKey(p.Name) == key {
			return true
		}
	}
	return false
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortProfiles(profiles []domain.Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].CreatedAt.Equal(profiles[j].CreatedAt) {
			return profiles[i].ID < profiles[j].ID
		}
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})
}
