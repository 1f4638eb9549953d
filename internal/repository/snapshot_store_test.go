package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
	"MarketPulse/pkg/cache"
)

func TestCacheSnapshotStore(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	s := NewCacheSnapshotStore(mc, time.Hour)
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	sig := models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Confidence: 0.65, Reasoning: []string{"MACD bullish"}, GeneratedAt: ts}
	ind := &models.IndicatorSet{Symbol: "AAPL", RSI: 25, Trend: models.TrendUp, ComputedAt: ts}

	require.NoError(t, s.SaveSignal(ctx, sig, ind))
	require.NoError(t, s.SaveSignal(ctx, models.Signal{Symbol: "MSFT", Action: models.ActionHold, GeneratedAt: ts}, nil))

	got, err := s.LatestSignals(ctx, []string{"aapl", "MSFT", "TSLA"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sig, got["AAPL"])
	assert.Equal(t, models.ActionHold, got["MSFT"].Action)

	gotInd, err := s.LatestIndicators(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, *ind, gotInd)

	_, err = s.LatestIndicators(ctx, "MSFT")
	assert.ErrorIs(t, err, models.ErrNoData)
}
