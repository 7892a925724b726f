package book

import (
	"math"
	"testing"
	"time"

	"orderflow/models"
)

func seedPrices(e *Engine, now time.Time, prices []float64) {
	e.prices = e.prices[:0]
	step := 100 * time.Millisecond
	start := now.Add(-time.Duration(len(prices)) * step)
	for i, p := range prices {
		e.prices = append(e.prices, pricePoint{price: p, ts: start.Add(time.Duration(i) * step)})
	}
}

func TestRealizedVolatilityZeroCases(t *testing.T) {
	e := NewEngine(testBookConfig())
	now := time.Now()

	if got := e.realizedVolatilityLocked(now); got != 0 {
		t.Fatalf("empty series should yield 0, got %v", got)
	}

	seedPrices(e, now, []float64{50000, 50001})
	if got := e.realizedVolatilityLocked(now); got != 0 {
		t.Fatalf("two points should yield 0, got %v", got)
	}

	// A flat series has zero return variance.
	seedPrices(e, now, []float64{50000, 50000, 50000, 50000})
	if got := e.realizedVolatilityLocked(now); got != 0 {
		t.Fatalf("flat series should yield 0, got %v", got)
	}
}

func TestRealizedVolatilityOfKnownSeries(t *testing.T) {
	e := NewEngine(testBookConfig())
	now := time.Now()
	prices := []float64{100, 101, 100, 101, 100}
	seedPrices(e, now, prices)

	// Expected: sample stddev of the four log returns, scaled by 1e4.
	returns := make([]float64, 0, 4)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	_, want := meanStd(returns)
	want *= 1e4

	got := e.realizedVolatilityLocked(now)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("volatility = %v, want %v", got, want)
	}
	if got <= 0 {
		t.Fatalf("oscillating series must have positive volatility")
	}
}

func TestRealizedVolatilityIgnoresPointsOutsideWindow(t *testing.T) {
	cfg := testBookConfig()
	cfg.VolatilityWindow = time.Second
	e := NewEngine(cfg)
	now := time.Now()

	// Old, wildly different prices outside the window plus a flat tail
	// inside it.
	e.prices = []pricePoint{
		{price: 1, ts: now.Add(-time.Hour)},
		{price: 1000, ts: now.Add(-59 * time.Minute)},
		{price: 100, ts: now.Add(-300 * time.Millisecond)},
		{price: 100, ts: now.Add(-200 * time.Millisecond)},
		{price: 100, ts: now.Add(-100 * time.Millisecond)},
	}
	if got := e.realizedVolatilityLocked(now); got != 0 {
		t.Fatalf("points outside the window must not contribute, got %v", got)
	}
}

func TestJumpSignalFiresOnOutlierReturn(t *testing.T) {
	cfg := testBookConfig()
	cfg.JumpWindow = 6
	cfg.JumpThreshold = 2.5
	e := NewEngine(cfg)
	now := time.Now()

	// Small oscillations, then a 5% move.
	seedPrices(e, now, []float64{100, 100.01, 100, 100.01, 100, 100.01, 105})
	z := e.jumpSignalLocked()
	if z < cfg.JumpThreshold {
		t.Fatalf("expected jump signal >= %v, got %v", cfg.JumpThreshold, z)
	}
}

func TestJumpSignalQuietBelowThreshold(t *testing.T) {
	cfg := testBookConfig()
	cfg.JumpWindow = 6
	e := NewEngine(cfg)
	now := time.Now()

	seedPrices(e, now, []float64{100, 100.01, 100, 100.01, 100, 100.01, 100})
	if z := e.jumpSignalLocked(); z != 0 {
		t.Fatalf("ordinary return must not fire, got %v", z)
	}

	// Not enough history.
	seedPrices(e, now, []float64{100, 101})
	if z := e.jumpSignalLocked(); z != 0 {
		t.Fatalf("short series must not fire, got %v", z)
	}
}

func TestJumpSignalNegativeDirection(t *testing.T) {
	cfg := testBookConfig()
	cfg.JumpWindow = 6
	e := NewEngine(cfg)
	now := time.Now()

	seedPrices(e, now, []float64{100, 100.01, 100, 100.01, 100, 100.01, 95})
	z := e.jumpSignalLocked()
	if z > -cfg.JumpThreshold {
		t.Fatalf("downward jump must report a negative z-score, got %v", z)
	}
}

func TestMomentumBalance(t *testing.T) {
	cfg := testBookConfig()
	cfg.MomentumWindow = 10
	e := NewEngine(cfg)

	if got := e.momentumLocked(); got != 0 {
		t.Fatalf("no trades should yield 0, got %v", got)
	}

	e.trades = []models.TradeRecord{
		{Quantity: 3, Side: models.SideBuy},
		{Quantity: 1, Side: models.SideSell},
	}
	// (3 - 1) / 4
	if got := e.momentumLocked(); got != 0.5 {
		t.Fatalf("momentum = %v, want 0.5", got)
	}
}

func TestMomentumUsesOnlyRecentTrades(t *testing.T) {
	cfg := testBookConfig()
	cfg.MomentumWindow = 2
	e := NewEngine(cfg)

	e.trades = []models.TradeRecord{
		{Quantity: 100, Side: models.SideSell},
		{Quantity: 1, Side: models.SideBuy},
		{Quantity: 1, Side: models.SideBuy},
	}
	if got := e.momentumLocked(); got != 1 {
		t.Fatalf("old sell must fall outside the window, got %v", got)
	}
}

func TestSnapshotCarriesIndicators(t *testing.T) {
	e := NewEngine(testBookConfig())
	base := time.Now().Add(-time.Second)
	for i := 0; i < 6; i++ {
		price := "50000.0"
		if i%2 == 1 {
			price = "50001.0"
		}
		e.ApplyTrade(&models.Trade{
			Symbol: "BTCUSDT", TradeID: int64(i),
			Price: price, Quantity: "0.1", IsBuyerMaker: i%2 == 0,
			TradeTime: base.Add(time.Duration(i) * 100 * time.Millisecond).UnixMilli(),
		})
	}

	snap := e.Snapshot()
	if snap.RealizedVolatility <= 0 {
		t.Fatalf("expected positive volatility, got %v", snap.RealizedVolatility)
	}
	if snap.Momentum != 0 {
		t.Fatalf("balanced flow should yield 0 momentum, got %v", snap.Momentum)
	}
}

func TestMeanStd(t *testing.T) {
	mean, std := meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 {
		t.Fatalf("mean = %v, want 5", mean)
	}
	// Sample stddev of the classic series.
	if math.Abs(std-2.13808993) > 1e-6 {
		t.Fatalf("std = %v", std)
	}
}
