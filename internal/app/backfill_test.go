package app

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"crypto-rate-tracker/internal/config"
)

func TestBackfillRejectsInvertedRange(t *testing.T) {
	a := NewApp(&config.Config{}, nil, zerolog.Nop())

	err := a.Backfill(t.Context(), BackfillOptions{
		From:   time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DryRun: true,
	})
	require.EqualError(t, err, "backfill range is empty: --from is after --to")
}
