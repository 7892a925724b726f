package book

import (
	"math"
	"time"

	"orderflow/models"
)

// Microstructure indicators derived from the rolling price series and the
// bounded trade history. All helpers run under the engine lock.

// realizedVolatilityLocked is the sample standard deviation of log returns
// over the volatility window, scaled by 1e4 for display. Zero while fewer
// than three prices fall inside the window.
func (e *Engine) realizedVolatilityLocked(now time.Time) float64 {
	cutoff := now.Add(-e.cfg.VolatilityWindow)
	start := len(e.prices)
	for start > 0 && !e.prices[start-1].ts.Before(cutoff) {
		start--
	}
	window := e.prices[start:]
	if len(window) < 3 {
		return 0
	}

	returns := logReturns(window)
	_, std := meanStd(returns)
	return std * 1e4
}

// jumpSignalLocked compares the most recent log return against the
// distribution of the preceding returns. Returns the Z-score when its
// magnitude reaches the configured threshold, zero otherwise.
func (e *Engine) jumpSignalLocked() float64 {
	need := e.cfg.JumpWindow + 1
	if need < 3 || len(e.prices) < need {
		return 0
	}
	returns := logReturns(e.prices[len(e.prices)-need:])

	last := returns[len(returns)-1]
	mean, std := meanStd(returns[:len(returns)-1])
	if std == 0 {
		return 0
	}
	z := (last - mean) / std
	if math.Abs(z) < e.cfg.JumpThreshold {
		return 0
	}
	return z
}

// momentumLocked is the signed, volume-weighted aggressor balance over the
// most recent trades: (buyVolume - sellVolume) / totalVolume in [-1, 1].
func (e *Engine) momentumLocked() float64 {
	window := e.trades
	if n := e.cfg.MomentumWindow; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}

	var buy, sell float64
	for _, tr := range window {
		if tr.Side == models.SideBuy {
			buy += tr.Quantity
		} else {
			sell += tr.Quantity
		}
	}
	total := buy + sell
	if total == 0 {
		return 0
	}
	return (buy - sell) / total
}

func logReturns(points []pricePoint) []float64 {
	out := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1].price, points[i].price
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// meanStd returns the mean and sample standard deviation of xs. The standard
// deviation is zero for fewer than two samples.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
