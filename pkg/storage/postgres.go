package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"repro_market/pkg/market"
)

// PostgresRepository stores aggregates as JSONB documents and mirrors every
// ledger entry into the append-only ledger_entries table.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository verifies the pool and returns a repository. The
// schema is expected to be in place (see SchemaManager).
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresRepository, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresRepository{pool: pool, logger: logger}, nil
}

func (r *PostgresRepository) LoadMarketplace(ctx context.Context, paperID string) (market.Store, error) {
	var doc []byte
	var revision int64
	err := r.pool.QueryRow(ctx,
		`SELECT document, revision FROM marketplaces WHERE paper_id = $1`, paperID,
	).Scan(&doc, &revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return market.Store{}, fmt.Errorf("marketplace %q: %w", paperID, ErrNotFound)
		}
		return market.Store{}, fmt.Errorf("querying marketplace %q: %w", paperID, err)
	}

	var s market.Store
	if err := json.Unmarshal(doc, &s); err != nil {
		return market.Store{}, fmt.Errorf("decoding marketplace %q: %w", paperID, err)
	}
	s.Revision = revision
	return s, nil
}

func (r *PostgresRepository) LoadProfiles(ctx context.Context) (market.ProfileBook, error) {
	var doc []byte
	var revision int64
	err := r.pool.QueryRow(ctx, `SELECT document, revision FROM profile_books WHERE id = 1`).Scan(&doc, &revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return market.NewProfileBook(time.Time{}), nil
		}
		return market.ProfileBook{}, fmt.Errorf("querying profiles: %w", err)
	}

	var book market.ProfileBook
	if err := json.Unmarshal(doc, &book); err != nil {
		return market.ProfileBook{}, fmt.Errorf("decoding profiles: %w", err)
	}
	if book.Profiles == nil {
		book.Profiles = make(map[string]market.ValidatorProfile)
	}
	book.Revision = revision
	return book, nil
}

func (r *PostgresRepository) Commit(ctx context.Context, snap Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var storeRev, profilesRev int64
	if snap.Store != nil {
		if storeRev, err = r.writeStore(ctx, tx, *snap.Store); err != nil {
			return err
		}
	}
	if snap.Profiles != nil {
		if profilesRev, err = r.writeProfiles(ctx, tx, *snap.Profiles); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	if snap.Store != nil {
		snap.Store.Revision = storeRev
	}
	if snap.Profiles != nil {
		snap.Profiles.Revision = profilesRev
	}
	return nil
}

// writeStore checks the revision under a per-paper advisory lock, upserts the
// document and appends ledger entries not yet mirrored.
func (r *PostgresRepository) writeStore(ctx context.Context, tx pgx.Tx, s market.Store) (int64, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "marketplace:"+s.PaperID); err != nil {
		return 0, fmt.Errorf("locking marketplace %q: %w", s.PaperID, err)
	}

	var current int64
	err := tx.QueryRow(ctx, `SELECT revision FROM marketplaces WHERE paper_id = $1`, s.PaperID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reading marketplace revision: %w", err)
	}
	if err := checkRevision("marketplace", s.PaperID, current, s.Revision); err != nil {
		return 0, err
	}

	next := current + 1
	s.Revision = next
	doc, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("encoding marketplace: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO marketplaces (paper_id, revision, updated_at, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (paper_id) DO UPDATE SET
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document`,
		s.PaperID, next, s.UpdatedAt, doc,
	); err != nil {
		return 0, fmt.Errorf("upserting marketplace: %w", err)
	}

	if err := r.appendLedger(ctx, tx, s); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *PostgresRepository) appendLedger(ctx context.Context, tx pgx.Tx, s market.Store) error {
	var mirrored int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM ledger_entries WHERE paper_id = $1`, s.PaperID).Scan(&mirrored); err != nil {
		return fmt.Errorf("counting ledger entries: %w", err)
	}
	if mirrored > len(s.Ledger) {
		return fmt.Errorf("ledger for %q shrank from %d to %d entries: %w", s.PaperID, mirrored, len(s.Ledger), ErrConflict)
	}

	pending := s.Ledger.Since(mirrored)
	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, e := range pending {
		batch.Queue(`
			INSERT INTO ledger_entries (id, paper_id, seq, work_order_id, entry_type, amount, actor, detail, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, s.PaperID, mirrored+i, e.OrderID, string(e.Type), e.Amount.String(), e.Actor, e.Detail, e.At,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range pending {
		if _, err := results.Exec(); err != nil {
			results.Close()
			if isUniqueViolation(err) {
				return fmt.Errorf("ledger entry already mirrored: %w", ErrConflict)
			}
			return fmt.Errorf("inserting ledger entry: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing ledger batch: %w", err)
	}

	r.logger.Debug("Mirrored ledger entries",
		zap.String("paperID", s.PaperID),
		zap.Int("count", len(pending)))
	return nil
}

func (r *PostgresRepository) writeProfiles(ctx context.Context, tx pgx.Tx, book market.ProfileBook) (int64, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "profiles"); err != nil {
		return 0, fmt.Errorf("locking profiles: %w", err)
	}

	var current int64
	err := tx.QueryRow(ctx, `SELECT revision FROM profile_books WHERE id = 1`).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reading profiles revision: %w", err)
	}
	if err := checkRevision("profiles", "book", current, book.Revision); err != nil {
		return 0, err
	}

	next := current + 1
	book.Revision = next
	doc, err := json.Marshal(book)
	if err != nil {
		return 0, fmt.Errorf("encoding profiles: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO profile_books (id, revision, updated_at, document)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document`,
		next, book.UpdatedAt, doc,
	); err != nil {
		return 0, fmt.Errorf("upserting profiles: %w", err)
	}
	return next, nil
}

func (r *PostgresRepository) ListPapers(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT paper_id FROM marketplaces ORDER BY paper_id`)
	if err != nil {
		return nil, fmt.Errorf("listing papers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning papers: %w", err)
	}
	return ids, nil
}

// Close is a no-op; the pool belongs to the database service.
func (r *PostgresRepository) Close() error { return nil }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
