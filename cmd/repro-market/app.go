package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/database"
	"repro_market/pkg/market"
	"repro_market/pkg/marketplace"
	"repro_market/pkg/p2p"
	"repro_market/pkg/storage"
)

// App holds the wired services of one process.
type App struct {
	config      *config.Config
	logger      *zap.Logger
	db          *database.Service
	repo        storage.Repository
	broadcaster *p2p.Broadcaster
	market      *marketplace.Service

	cleanup []func(context.Context) error
}

// newApp starts the database when the postgres backend is selected, opens
// the repository and builds the marketplace service. withP2P also starts
// the event broadcaster when enabled in the configuration.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, withP2P bool) (*App, error) {
	app := &App{config: cfg, logger: logger}

	if err := app.init(ctx, withP2P); err != nil {
		app.stop(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context, withP2P bool) error {
	if a.config.Storage.Backend == "postgres" {
		db, err := database.NewService(&a.config.Database, a.logger)
		if err != nil {
			return fmt.Errorf("initializing database service: %w", err)
		}
		if err := db.Start(ctx); err != nil {
			return fmt.Errorf("starting database: %w", err)
		}
		a.db = db
		a.cleanup = append(a.cleanup, db.Stop)
	}

	repo, err := storage.Open(ctx, a.config.Storage, a.poolOrNil(), a.logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	a.repo = repo
	a.cleanup = append(a.cleanup, func(context.Context) error { return repo.Close() })

	var publisher p2p.Publisher = p2p.NopPublisher{}
	if withP2P && a.config.P2P.Enabled {
		b, err := p2p.NewBroadcaster(ctx, a.config.P2P, a.logger)
		if err != nil {
			return fmt.Errorf("starting p2p broadcaster: %w", err)
		}
		a.broadcaster = b
		a.cleanup = append(a.cleanup, func(context.Context) error { return b.Close() })
		publisher = b
	}

	rules, err := a.config.Marketplace.Rules()
	if err != nil {
		return fmt.Errorf("marketplace rules: %w", err)
	}
	engine, err := market.NewEngine(rules)
	if err != nil {
		return err
	}
	balance, err := a.config.Marketplace.StartingBalanceELF()
	if err != nil {
		return err
	}

	a.market, err = marketplace.NewService(repo, engine, publisher, marketplace.Options{
		StartingBalance: balance,
		CommitRetries:   a.config.Marketplace.CommitRetries,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("creating marketplace service: %w", err)
	}
	return nil
}

func (a *App) poolOrNil() *pgxpool.Pool {
	if a.db == nil {
		return nil
	}
	return a.db.Pool()
}

// stop releases resources in reverse order of acquisition.
func (a *App) stop(ctx context.Context) {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](ctx); err != nil {
			a.logger.Error("Shutdown error", zap.Error(err))
		}
	}
	a.cleanup = nil
}
