package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"repro_market/pkg/market"
	"repro_market/pkg/utils"
)

const (
	papersDir    = "papers"
	profilesFile = "profiles.json"
)

// FileRepository stores each aggregate as a JSON document under a root
// directory. Documents are replaced atomically. Access is serialised within
// the process only.
type FileRepository struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository creates the directory layout under root.
func NewFileRepository(root string, logger *zap.Logger) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Join(root, papersDir), 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileRepository{root: root, logger: logger}, nil
}

func (r *FileRepository) storePath(paperID string) string {
	return filepath.Join(r.root, papersDir, url.PathEscape(paperID)+".json")
}

func (r *FileRepository) profilesPath() string {
	return filepath.Join(r.root, profilesFile)
}

func (r *FileRepository) LoadMarketplace(ctx context.Context, paperID string) (market.Store, error) {
	if err := validPaperID(paperID); err != nil {
		return market.Store{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readStore(paperID)
}

func (r *FileRepository) readStore(paperID string) (market.Store, error) {
	var s market.Store
	if err := utils.ReadJSON(r.storePath(paperID), &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return market.Store{}, fmt.Errorf("marketplace %q: %w", paperID, ErrNotFound)
		}
		return market.Store{}, fmt.Errorf("reading marketplace %q: %w", paperID, err)
	}
	return s, nil
}

func (r *FileRepository) LoadProfiles(ctx context.Context) (market.ProfileBook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readProfiles()
}

func (r *FileRepository) readProfiles() (market.ProfileBook, error) {
	var book market.ProfileBook
	if err := utils.ReadJSON(r.profilesPath(), &book); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return market.NewProfileBook(time.Time{}), nil
		}
		return market.ProfileBook{}, fmt.Errorf("reading profiles: %w", err)
	}
	if book.Profiles == nil {
		book.Profiles = make(map[string]market.ValidatorProfile)
	}
	return book, nil
}

func (r *FileRepository) Commit(ctx context.Context, snap Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Store != nil {
		var current int64
		existing, err := r.readStore(snap.Store.PaperID)
		switch {
		case err == nil:
			current = existing.Revision
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := checkRevision("marketplace", snap.Store.PaperID, current, snap.Store.Revision); err != nil {
			return err
		}
	}
	if snap.Profiles != nil {
		existing, err := r.readProfiles()
		if err != nil {
			return err
		}
		if err := checkRevision("profiles", "book", existing.Revision, snap.Profiles.Revision); err != nil {
			return err
		}
	}

	// Not atomic across the two documents. The store is written first.
	if snap.Store != nil {
		next := snap.Store.Clone()
		next.Revision++
		if err := utils.WriteJSONAtomic(r.storePath(next.PaperID), next); err != nil {
			return fmt.Errorf("writing marketplace %q: %w", next.PaperID, err)
		}
		snap.Store.Revision = next.Revision
	}
	if snap.Profiles != nil {
		next := snap.Profiles.Clone()
		next.Revision++
		if err := utils.WriteJSONAtomic(r.profilesPath(), next); err != nil {
			r.logger.Error("Profiles write failed after marketplace commit", zap.Error(err))
			return fmt.Errorf("writing profiles: %w", err)
		}
		snap.Profiles.Revision = next.Revision
	}
	return nil
}

func (r *FileRepository) ListPapers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.root, papersDir))
	if err != nil {
		return nil, fmt.Errorf("listing papers: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			r.logger.Warn("Skipping unrecognised marketplace file", zap.String("file", name))
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *FileRepository) Close() error { return nil }
