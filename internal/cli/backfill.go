package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crypto-rate-tracker/internal/app"
)

const dayLayout = "2006-01-02"

var (
	backfillFrom   string
	backfillTo     string
	backfillDays   int
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import daily historical rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := backfillRange(time.Now().UTC())
		if err != nil {
			return err
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		}
		return getApp().Backfill(cmd.Context(), opts)
	},
}

// backfillRange resolves --from/--to or, without them, the last --days days ending yesterday.
func backfillRange(now time.Time) (time.Time, time.Time, error) {
	if backfillFrom == "" && backfillTo == "" {
		if backfillDays <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("--days must be greater than zero")
		}
		to := now.AddDate(0, 0, -1)
		return to.AddDate(0, 0, -(backfillDays - 1)), to, nil
	}
	if backfillFrom == "" || backfillTo == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be provided together")
	}

	from, err := time.Parse(dayLayout, backfillFrom)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from value: %w", err)
	}
	to, err := time.Parse(dayLayout, backfillTo)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to value: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must not be after --to")
	}
	return from, to, nil
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First day (yyyy-mm-dd, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last day (yyyy-mm-dd, inclusive)")
	backfillCmd.Flags().IntVar(&backfillDays, "days", 7, "Days ending yesterday, used when --from/--to are absent")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing to storage")
}
