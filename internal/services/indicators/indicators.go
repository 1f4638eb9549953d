package indicators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/services/features"
)

const (
	trendRecent    = 10
	trendLagFrom   = 30
	trendLagTo     = 20
	trendThreshold = 0.02
)

// Config holds indicator periods. Zero values are not valid; start from
// DefaultConfig.
type Config struct {
	RSIPeriod           int
	MACDFast            int
	MACDSlow            int
	MACDSignal          int
	SMAShort            int
	SMALong             int
	BollingerPeriod     int
	BollingerK          float64
	VolumePeriod        int
	VolumeSpikeRatio    float64
	AnnualizationFactor float64
}

func DefaultConfig() Config {
	return Config{
		RSIPeriod:           14,
		MACDFast:            12,
		MACDSlow:            26,
		MACDSignal:          9,
		SMAShort:            20,
		SMALong:             50,
		BollingerPeriod:     20,
		BollingerK:          2,
		VolumePeriod:        20,
		VolumeSpikeRatio:    1.5,
		AnnualizationFactor: 252,
	}
}

// Required returns the minimum number of bars every derived value needs.
func (c Config) Required() int {
	n := c.RSIPeriod + 1
	for _, v := range []int{c.MACDSlow + c.MACDSignal - 1, c.SMALong, c.SMAShort, c.BollingerPeriod, c.VolumePeriod} {
		if v > n {
			n = v
		}
	}
	return n
}

// Compute derives the indicator set from an ascending bar window. It is pure:
// ComputedAt is the time of the last bar.
func Compute(symbol string, bars []models.Bar, cfg Config) (models.IndicatorSet, error) {
	need := cfg.Required()
	if len(bars) < need {
		return models.IndicatorSet{}, fmt.Errorf("%s: %w: have %d bars, need %d",
			symbol, models.ErrInsufficientHistory, len(bars), need)
	}

	closes := models.Closes(bars)
	volumes := models.Volumes(bars)
	n := len(closes)

	macd, signal, hist := MACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	mid, upper, lower := Bollinger(closes, cfg.BollingerPeriod, cfg.BollingerK)
	volAvg := SMA(volumes, cfg.VolumePeriod)

	return models.IndicatorSet{
		Symbol:        symbol,
		RSI:           RSI(closes, cfg.RSIPeriod),
		MACD:          macd,
		MACDSignal:    signal,
		MACDHistogram: hist,
		SMA20:         SMA(closes, cfg.SMAShort),
		SMA50:         SMA(closes, cfg.SMALong),
		Bollinger:     models.Bollinger{Upper: upper, Middle: mid, Lower: lower},
		VolumeAvg:     volAvg,
		VolumeSpike:   volAvg > 0 && volumes[n-1] > cfg.VolumeSpikeRatio*volAvg,
		Volatility:    features.AnnualizedVolatility(closes, cfg.AnnualizationFactor),
		Trend:         Trend(closes),
		Bars:          n,
		ComputedAt:    bars[n-1].Time,
	}, nil
}

// RSI is Wilder's relative strength index of the last value. The first
// average is the simple mean of the first period changes; later ones are
// smoothed as (prev*(period-1) + cur) / period.
func RSI(x []float64, period int) float64 {
	if period < 1 || len(x) < period+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := x[i] - x[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	p := float64(period)
	avgGain, avgLoss := gain/p, loss/p

	for i := period + 1; i < len(x); i++ {
		d := x[i] - x[i-1]
		avgGain = (avgGain*(p-1) + math.Max(d, 0)) / p
		avgLoss = (avgLoss*(p-1) + math.Max(-d, 0)) / p
	}

	if avgLoss == 0 {
		return 100
	}
	rsi := 100 - 100/(1+avgGain/avgLoss)
	return math.Min(100, math.Max(0, rsi))
}

// EMA returns the exponential moving average series of x, seeded with the
// SMA of the first period values. out[0] corresponds to x[period-1].
func EMA(x []float64, period int) []float64 {
	if period < 1 || len(x) < period {
		return nil
	}
	out := make([]float64, 0, len(x)-period+1)
	out = append(out, stat.Mean(x[:period], nil))

	alpha := 2 / float64(period+1)
	for _, v := range x[period:] {
		prev := out[len(out)-1]
		out = append(out, prev+alpha*(v-prev))
	}
	return out
}

// MACD returns the last MACD line, signal line and histogram values.
func MACD(x []float64, fast, slow, signal int) (macd, sig, hist float64) {
	if fast >= slow || len(x) < slow+signal-1 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	ef := EMA(x, fast)
	es := EMA(x, slow)

	// align both series on x[slow-1:]
	off := slow - fast
	line := make([]float64, len(es))
	for i := range es {
		line[i] = ef[i+off] - es[i]
	}

	sigSeries := EMA(line, signal)
	macd = line[len(line)-1]
	sig = sigSeries[len(sigSeries)-1]
	return macd, sig, macd - sig
}

// SMA is the simple mean of the last period values.
func SMA(x []float64, period int) float64 {
	if period < 1 || len(x) < period {
		return math.NaN()
	}
	return stat.Mean(x[len(x)-period:], nil)
}

// Bollinger returns SMA(period) and the bands k sample standard deviations
// away from it.
func Bollinger(x []float64, period int, k float64) (mid, upper, lower float64) {
	if period < 2 || len(x) < period {
		return math.NaN(), math.NaN(), math.NaN()
	}
	w := x[len(x)-period:]
	mid = stat.Mean(w, nil)
	sd := stat.StdDev(w, nil)
	return mid, mid + k*sd, mid - k*sd
}

// Trend compares the mean of the last 10 closes with the mean of the closes
// 30 to 20 bars back.
func Trend(x []float64) models.Trend {
	n := len(x)
	if n < trendLagFrom {
		return models.TrendSideways
	}
	recent := stat.Mean(x[n-trendRecent:], nil)
	past := stat.Mean(x[n-trendLagFrom:n-trendLagTo], nil)
	if past <= 0 {
		return models.TrendSideways
	}
	switch ch := recent/past - 1; {
	case ch > trendThreshold:
		return models.TrendUp
	case ch < -trendThreshold:
		return models.TrendDown
	default:
		return models.TrendSideways
	}
}
