// Package storage persists marketplace stores and profile books.
//
// Every backend follows the same contract: aggregates are read whole and
// written whole, and Commit only succeeds when each aggregate's Revision
// still matches the persisted one.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/market"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrConflict   = errors.New("revision conflict")
	ErrInvalidKey = errors.New("invalid paper id")
)

// Snapshot is a unit of work. Nil members are left untouched.
type Snapshot struct {
	Store    *market.Store
	Profiles *market.ProfileBook
}

// Repository defines the persistence port of the marketplace
type Repository interface {
	// LoadMarketplace returns the store for paperID or ErrNotFound.
	LoadMarketplace(ctx context.Context, paperID string) (market.Store, error)
	// LoadProfiles returns the profile book, or an empty one at revision 0.
	LoadProfiles(ctx context.Context) (market.ProfileBook, error)
	// Commit atomically writes the snapshot. Each aggregate's Revision must
	// equal the persisted revision (0 for new aggregates), otherwise
	// ErrConflict is returned and nothing is written. On success the
	// revisions in snap are advanced in place.
	Commit(ctx context.Context, snap Snapshot) error
	// ListPapers returns the ids of all persisted stores, sorted.
	ListPapers(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the repository selected by cfg.Backend. pool is required for
// the postgres backend and ignored otherwise.
func Open(ctx context.Context, cfg config.StorageConfig, pool *pgxpool.Pool, logger *zap.Logger) (Repository, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryRepository(), nil
	case "file":
		return NewFileRepository(cfg.Dir, logger)
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres backend requires a connection pool")
		}
		return NewPostgresRepository(ctx, pool, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func checkRevision(kind, key string, persisted, expected int64) error {
	if persisted != expected {
		return fmt.Errorf("%s %q at revision %d, snapshot has %d: %w", kind, key, persisted, expected, ErrConflict)
	}
	return nil
}

func validateSnapshot(snap Snapshot) error {
	if snap.Store != nil {
		if err := validPaperID(snap.Store.PaperID); err != nil {
			return err
		}
		if err := snap.Store.Validate(); err != nil {
			return fmt.Errorf("validating store: %w", err)
		}
	}
	if snap.Profiles != nil {
		if err := snap.Profiles.Validate(); err != nil {
			return fmt.Errorf("validating profiles: %w", err)
		}
	}
	return nil
}

func validPaperID(paperID string) error {
	switch paperID {
	case "", ".", "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, paperID)
	}
	return nil
}
