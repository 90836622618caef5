package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed sql/schema/*.sql
var schemaFS embed.FS

const schemaDir = "sql/schema"

// SchemaManager applies the embedded SQL files in name order. Applied files
// are recorded in schema_migrations and skipped on later runs.
type SchemaManager struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewSchemaManager(pool *pgxpool.Pool, logger *zap.Logger) *SchemaManager {
	return &SchemaManager{pool: pool, logger: logger}
}

// Migrations returns the embedded schema file names in apply order.
func Migrations() ([]string, error) {
	files, err := fs.ReadDir(schemaFS, schemaDir)
	if err != nil {
		return nil, fmt.Errorf("reading schema directory: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".sql") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (sm *SchemaManager) InitializeSchema(ctx context.Context) error {
	names, err := Migrations()
	if err != nil {
		return err
	}

	tx, err := sm.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "repro_market:schema"); err != nil {
		return fmt.Errorf("locking schema: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		content, err := schemaFS.ReadFile(path.Join(schemaDir, name))
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("recording schema file %s: %w", name, err)
		}
		sm.logger.Info("Applied schema file", zap.String("file", name))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("listing applied schema files: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning applied schema files: %w", err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}
