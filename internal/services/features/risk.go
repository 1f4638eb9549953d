package features

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"MarketPulse/internal/domain/models"
)

// Risk computes the return-based risk metrics of closes. It needs at least
// three closes.
func Risk(symbol string, closes []float64, periodsPerYear float64) (models.RiskAnalysis, error) {
	r := PctReturns(closes)
	if len(r) < 2 {
		return models.RiskAnalysis{}, models.ErrInsufficientHistory
	}

	mean, sd := stat.MeanStdDev(r, nil)
	vol := sd * math.Sqrt(periodsPerYear) * 100
	var sharpe float64
	if sd > 0 {
		sharpe = mean / sd * math.Sqrt(periodsPerYear)
	}

	return models.RiskAnalysis{
		Symbol:      symbol,
		VaR95:       round2(Percentile(r, 5) * 100),
		MaxDrawdown: round2(MaxDrawdown(r) * 100),
		Volatility:  round2(vol),
		SharpeRatio: round2(sharpe),
		RiskRating:  RateVolatility(vol),
		Bars:        len(closes),
	}, nil
}

// Percentile interpolates linearly between the closest ranks, p in [0,100].
func Percentile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	h := float64(len(s)-1) * p / 100
	lo := int(math.Floor(h))
	if lo >= len(s)-1 {
		return s[len(s)-1]
	}
	return s[lo] + (h-float64(lo))*(s[lo+1]-s[lo])
}

// MaxDrawdown is the deepest fall of the compounded returns from their
// running peak, as a non-positive fraction.
func MaxDrawdown(returns []float64) float64 {
	var cum, peak, worst float64 = 1, 0, 0
	for i, r := range returns {
		cum *= 1 + r
		if i == 0 || cum > peak {
			peak = cum
		}
		if peak > 0 {
			worst = math.Min(worst, (cum-peak)/peak)
		}
	}
	return worst
}

// RateVolatility buckets annualized volatility in percent.
func RateVolatility(vol float64) models.RiskRating {
	switch {
	case vol < 15:
		return models.RiskRatingLow
	case vol < 25:
		return models.RiskRatingMedium
	case vol < 40:
		return models.RiskRatingHigh
	default:
		return models.RiskRatingVeryHigh
	}
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
