package app

import (
	"context"
	"errors"
	"time"

	"gpufleet/internal/model"
)

// Prune trims history tables down to their retention windows. Execution
// logs are never pruned; they are the audit trail.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.KeepChecks <= 0 {
		return errors.New("--keep-checks must be positive")
	}
	if opts.PriceRetention <= 0 {
		return errors.New("--price-retention must be positive")
	}
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; cannot prune")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	deployments, err := store.ListDeployments(ctx)
	if err != nil {
		return err
	}

	processed := 0
	failed := 0
	for _, dep := range deployments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if dep.Status == model.StatusDeleted {
			continue
		}
		if err := store.PruneHealthChecks(ctx, dep.ID, opts.KeepChecks); err != nil {
			failed++
			a.Logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("health check prune failed")
			continue
		}
		processed++
	}

	horizon := time.Now().UTC().Add(-opts.PriceRetention)
	removed, err := store.DeletePriceRecordsBefore(ctx, horizon)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("deployments", processed).
		Int("failed", failed).
		Int64("price_records_removed", removed).
		Time("price_horizon", horizon).
		Msg("prune finished")
	if failed > 0 {
		return errors.New("some deployments failed to prune; see logs")
	}
	return nil
}
