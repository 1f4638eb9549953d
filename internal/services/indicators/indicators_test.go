package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
)

// https://school.stockcharts.com/doku.php?id=technical_indicators:relative_strength_index_rsi
var stockchartsCloses = []float64{
	44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84, 46.08, 45.89,
	46.03, 45.61, 46.28, 46.28, 46.00, 46.03, 46.41, 46.22, 45.64, 46.21, 46.25,
	45.71, 46.45, 45.78, 45.35, 44.03, 44.18, 44.22, 44.57, 43.42, 42.66, 43.13,
}

func barsFrom(closes, volumes []float64) []models.Bar {
	start := time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		v := 100.0
		if volumes != nil {
			v = volumes[i]
		}
		out[i] = models.Bar{Time: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: v}
	}
	return out
}

func linear(from float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)
	}
	return out
}

func reversed(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[len(x)-1-i] = v
	}
	return out
}

func TestRSI_Wilder(t *testing.T) {
	assert.InDelta(t, 70.46413502109704, RSI(stockchartsCloses[:15], 14), 1e-9)
	assert.InDelta(t, 37.78877198205783, RSI(stockchartsCloses, 14), 1e-9)
}

func TestRSI_Bounds(t *testing.T) {
	assert.Equal(t, 100.0, RSI(linear(1, 30), 14))
	assert.Equal(t, 0.0, RSI(reversed(linear(1, 30)), 14))
	assert.True(t, math.IsNaN(RSI(linear(1, 14), 14)))
}

func TestEMA_SeededWithSMA(t *testing.T) {
	got := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, got, 3)
	assert.InDeltaSlice(t, []float64{2, 3, 4}, got, 1e-12)
	assert.Nil(t, EMA([]float64{1, 2}, 3))
}

func TestConfig_Required(t *testing.T) {
	assert.Equal(t, 50, DefaultConfig().Required())

	c := DefaultConfig()
	c.SMALong = 30
	assert.Equal(t, 34, c.Required())
}

func TestCompute_InsufficientHistory(t *testing.T) {
	_, err := Compute("AAPL", barsFrom(linear(100, 49), nil), DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientHistory))

	_, err = Compute("AAPL", barsFrom(linear(100, 50), nil), DefaultConfig())
	assert.NoError(t, err)
}

func TestCompute_LinearSeries(t *testing.T) {
	bars := barsFrom(linear(1, 60), nil)
	set, err := Compute("MSFT", bars, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, "MSFT", set.Symbol)
	assert.Equal(t, 100.0, set.RSI)
	assert.InDelta(t, 50.5, set.SMA20, 1e-9)
	assert.InDelta(t, 35.5, set.SMA50, 1e-9)

	// on a unit-slope line an SMA-seeded EMA lags by (period-1)/2 exactly
	assert.InDelta(t, 7.0, set.MACD, 1e-9)
	assert.InDelta(t, 7.0, set.MACDSignal, 1e-9)
	assert.InDelta(t, 0.0, set.MACDHistogram, 1e-9)

	sd := math.Sqrt(35.0) // sample sigma of 20 consecutive integers
	assert.InDelta(t, 50.5, set.Bollinger.Middle, 1e-9)
	assert.InDelta(t, 50.5+2*sd, set.Bollinger.Upper, 1e-9)
	assert.InDelta(t, 50.5-2*sd, set.Bollinger.Lower, 1e-9)

	assert.Equal(t, models.TrendUp, set.Trend)
	assert.Greater(t, set.Volatility, 0.0)
	assert.Equal(t, 60, set.Bars)
	assert.Equal(t, bars[59].Time, set.ComputedAt)
}

func TestBollinger_SampleSigma(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i%5)
	}
	mid, upper, lower := Bollinger(closes, 20, 2)
	assert.InDelta(t, 102.0, mid, 1e-9)
	// pandas rolling(20).std() of the same window
	assert.InDelta(t, 2*1.450953, upper-mid, 1e-6)
	assert.InDelta(t, 2*1.450953, mid-lower, 1e-6)
}

func TestCompute_FlatSeries(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 42
	}
	set, err := Compute("TSLA", barsFrom(closes, nil), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, models.TrendSideways, set.Trend)
	assert.Zero(t, set.Volatility)
	assert.InDelta(t, 0.0, set.MACD, 1e-12)
	assert.False(t, set.VolumeSpike)
	assert.InDelta(t, 100.0, set.VolumeAvg, 1e-9)
}

func TestCompute_VolumeSpike(t *testing.T) {
	volumes := make([]float64, 50)
	for i := range volumes {
		volumes[i] = 100
	}
	volumes[49] = 300

	set, err := Compute("NVDA", barsFrom(linear(100, 50), volumes), DefaultConfig())
	require.NoError(t, err)
	assert.InDelta(t, 110.0, set.VolumeAvg, 1e-9)
	assert.True(t, set.VolumeSpike)
}

func TestTrend(t *testing.T) {
	assert.Equal(t, models.TrendDown, Trend(reversed(linear(1, 40))))
	assert.Equal(t, models.TrendSideways, Trend(linear(1, 29)))
}
