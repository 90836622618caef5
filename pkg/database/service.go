// pkg/database/service.go
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/storage"
)

// Service manages the Postgres connection pool, an optional embedded server
// and the marketplace schema.
type Service struct {
	pool     *pgxpool.Pool
	embedded *postgres.EmbeddedPostgres
	logger   *zap.Logger
	config   *config.DatabaseConfig
	schema   *storage.SchemaManager

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg *config.DatabaseConfig, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	return &Service{
		config: cfg,
		logger: logger,
	}, nil
}

// Start boots the embedded server when enabled, opens the pool and applies
// the schema.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	connStr := s.config.URL
	if s.config.Embedded.Enabled {
		if err := s.startEmbedded(); err != nil {
			return err
		}
		connStr = EmbeddedURL(s.config.Embedded)
	}

	pool, err := s.createPool(ctx, connStr)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	s.schema = storage.NewSchemaManager(pool, s.logger)
	if err := s.schema.InitializeSchema(ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.isRunning = true
	s.logger.Info("Database service started successfully",
		zap.Bool("embedded", s.config.Embedded.Enabled))
	return nil
}

// Stop closes the pool and stops the embedded server.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	err := s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return err
}

// Pool returns the connection pool, or nil before Start.
func (s *Service) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// IsHealthy checks database health
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.pool.Ping(ctx) == nil
}

// EmbeddedURL returns the connection string of the embedded server.
func EmbeddedURL(cfg config.EmbeddedConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("localhost:%d", cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (s *Service) startEmbedded() error {
	cfg := s.config.Embedded
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating embedded data directory: %w", err)
	}

	pg := postgres.NewDatabase(
		postgres.DefaultConfig().
			Username(cfg.Username).
			Password(cfg.Password).
			Database(cfg.Database).
			Version(postgres.V16).
			Port(cfg.Port).
			DataPath(filepath.Join(cfg.DataDir, "data")).
			RuntimePath(filepath.Join(cfg.DataDir, "runtime")).
			StartTimeout(s.config.Timeout).
			Logger(zap.NewStdLog(s.logger.Named("embedded-postgres")).Writer()))

	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded postgres started", zap.Uint32("port", cfg.Port))
	return nil
}

func (s *Service) createPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	poolConfig.MaxConns = int32(s.config.MaxConns)
	poolConfig.MinConns = int32(s.config.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	connectCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}

	return pool, nil
}

func (s *Service) cleanup() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.embedded != nil {
		err := s.embedded.Stop()
		s.embedded = nil
		if err != nil {
			return fmt.Errorf("stopping embedded postgres: %w", err)
		}
	}
	return nil
}

// Config represents database configuration
func (s *Service) Config() *config.DatabaseConfig {
	return s.config
}
