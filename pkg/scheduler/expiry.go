package scheduler

import (
	"context"

	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/marketplace"
)

// ExpiryTaskID identifies the claim expiry sweep.
const ExpiryTaskID = "expire-claims"

// Sweeper releases overdue claims across all marketplaces.
type Sweeper interface {
	SweepExpired(ctx context.Context) ([]marketplace.ExpiryReport, error)
}

// NewExpiryTask builds the task that runs sweeper on the configured schedule.
func NewExpiryTask(sweeper Sweeper, cfg *config.SchedConfig, logger *zap.Logger) *Task {
	return &Task{
		ID:         ExpiryTaskID,
		Name:       "Expire overdue claims",
		Schedule:   cfg.ExpirySchedule,
		MaxRetries: cfg.RetryAttempts,
		Metadata:   map[string]string{"kind": "maintenance"},
		ExecutionFn: func(ctx context.Context) error {
			reports, err := sweeper.SweepExpired(ctx)
			for _, r := range reports {
				logger.Info("Released overdue claims",
					zap.String("paperID", r.PaperID),
					zap.Int("claims", len(r.Claims)),
					zap.Int("audits", len(r.Audits)))
			}
			return err
		},
	}
}
