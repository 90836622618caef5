package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"repro_market/pkg/market"
)

// MemoryRepository keeps aggregates in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	stores   map[string]market.Store
	profiles *market.ProfileBook
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{stores: make(map[string]market.Store)}
}

func (r *MemoryRepository) LoadMarketplace(ctx context.Context, paperID string) (market.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stores[paperID]
	if !ok {
		return market.Store{}, fmt.Errorf("marketplace %q: %w", paperID, ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) LoadProfiles(ctx context.Context) (market.ProfileBook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.profiles == nil {
		return market.NewProfileBook(time.Time{}), nil
	}
	return r.profiles.Clone(), nil
}

func (r *MemoryRepository) Commit(ctx context.Context, snap Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Store != nil {
		if err := checkRevision("marketplace", snap.Store.PaperID, r.stores[snap.Store.PaperID].Revision, snap.Store.Revision); err != nil {
			return err
		}
	}
	if snap.Profiles != nil {
		var current int64
		if r.profiles != nil {
			current = r.profiles.Revision
		}
		if err := checkRevision("profiles", "book", current, snap.Profiles.Revision); err != nil {
			return err
		}
	}

	if snap.Store != nil {
		snap.Store.Revision++
		r.stores[snap.Store.PaperID] = snap.Store.Clone()
	}
	if snap.Profiles != nil {
		snap.Profiles.Revision++
		book := snap.Profiles.Clone()
		r.profiles = &book
	}
	return nil
}

func (r *MemoryRepository) ListPapers(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) Close() error { return nil }
