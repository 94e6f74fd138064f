package app

import (
	"context"
	"errors"

	"crypto-rate-tracker/internal/service"
	"crypto-rate-tracker/internal/storage"
)

// Backfill imports one historical snapshot per calendar day in the range.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.To.Before(opts.From) {
		return errors.New("backfill range is empty: --from is after --to")
	}

	var appender storage.RateAppender
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.requireStore(ctx, "backfill")
		if err != nil {
			return err
		}
		defer closeStore()
		appender = store
	}

	svcOpts := []service.Option{}
	if notifier := a.newNotifier(); notifier != nil {
		svcOpts = append(svcOpts, service.WithNotifier(notifier))
	}
	svc := service.New(a.Config, a.newProvider(), appender, a.Logger, svcOpts...)

	report, err := svc.Backfill(ctx, service.BackfillOptions{
		From:   opts.From,
		To:     opts.To,
		DryRun: opts.DryRun,
	})
	a.Logger.Info().
		Int("days", report.Days).
		Int64("rows", report.Rows).
		Strs("failed", report.Failed).
		Msg("backfill finished")
	return err
}
