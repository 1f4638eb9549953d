package features

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// PctReturns computes simple returns r_t = C_t / C_{t-1} - 1.
// It returns a slice of length len(closes)-1, or nil if insufficient data.
func PctReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/prev-1)
	}
	return out
}

// AnnualizedVolatility returns the sample sigma of close-to-close returns
// scaled by sqrt(periodsPerYear), in percent.
func AnnualizedVolatility(closes []float64, periodsPerYear float64) float64 {
	r := PctReturns(closes)
	if len(r) < 2 || periodsPerYear <= 0 {
		return 0
	}
	return stat.StdDev(r, nil) * math.Sqrt(periodsPerYear) * 100
}
