package book

import (
	"math"
	"strconv"
	"sync"
	"time"

	"orderflow/config"
	"orderflow/logger"
	"orderflow/models"
)

// Engine maintains price-keyed order book state for one symbol and derives
// the market snapshot consumed by the terminal. Prices are quantized to the
// configured price step before use as state keys. Only the feed's processing
// goroutine mutates the engine; snapshot reads take the shared lock.
type Engine struct {
	cfg config.OrderbookConfig
	log *logger.Log

	mu           sync.RWMutex
	symbol       string
	levels       map[int64]*models.PriceLevel
	trades       []models.TradeRecord
	prices       []pricePoint
	currentPrice float64
	lastFinalID  int64

	bestBidTick int64
	bestAskTick int64
	hasBid      bool
	hasAsk      bool
	totalBid    float64
	totalAsk    float64
}

type pricePoint struct {
	price float64
	ts    time.Time
}

// DepthResult reports what happened while applying one depth update.
type DepthResult struct {
	GapDetected bool
	Rejected    int
	Applied     int
}

func NewEngine(cfg config.OrderbookConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		log:    logger.GetLogger(),
		symbol: cfg.Symbol,
		levels: make(map[int64]*models.PriceLevel),
	}
}

// Symbol returns the symbol this engine tracks.
func (e *Engine) Symbol() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.symbol
}

// SetSymbol switches the engine to a new symbol, clearing all state.
func (e *Engine) SetSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbol = symbol
	e.resetLocked()
}

// Reset clears all maps and derived state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.levels = make(map[int64]*models.PriceLevel)
	e.trades = nil
	e.prices = nil
	e.currentPrice = 0
	e.lastFinalID = 0
	e.hasBid = false
	e.hasAsk = false
	e.totalBid = 0
	e.totalAsk = 0
}

// ApplyDepthUpdate applies one incremental update. A quantity of zero clears
// that side at the quantized price; the level itself is removed only once no
// volume of any kind remains. Malformed entries are rejected one by one and
// never abort the batch.
func (e *Engine) ApplyDepthUpdate(update *models.DepthUpdate) DepthResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := DepthResult{}
	if e.lastFinalID > 0 && update.FirstUpdateID > e.lastFinalID+1 {
		res.GapDetected = true
		e.log.WithComponent("book_engine").WithFields(logger.Fields{
			"symbol":        e.symbol,
			"last_final_id": e.lastFinalID,
			"first_id":      update.FirstUpdateID,
		}).Warn("depth update sequence gap detected")
	}
	if update.FinalUpdateID > 0 {
		e.lastFinalID = update.FinalUpdateID
	}

	now := time.Now()
	for _, entry := range update.Bids {
		if e.applyDepthEntry(entry, true, now) {
			res.Applied++
		} else {
			res.Rejected++
		}
	}
	for _, entry := range update.Asks {
		if e.applyDepthEntry(entry, false, now) {
			res.Applied++
		} else {
			res.Rejected++
		}
	}

	e.recomputeLocked()
	e.resolveCrossedLocked()
	return res
}

func (e *Engine) applyDepthEntry(entry models.PriceQty, isBid bool, now time.Time) bool {
	price, qty, err := parseLevel(entry)
	if err != nil {
		e.log.WithComponent("book_engine").WithError(err).WithFields(logger.Fields{
			"symbol": e.symbol,
			"price":  entry.Price,
			"qty":    entry.Quantity,
		}).Warn("rejecting malformed depth entry")
		return false
	}

	tick := e.quantize(price)
	level, ok := e.levels[tick]
	if !ok {
		if qty == 0 {
			return true
		}
		level = &models.PriceLevel{Price: float64(tick) * e.cfg.PriceStep}
		e.levels[tick] = level
	}

	if isBid {
		level.BidVolume = qty
	} else {
		level.AskVolume = qty
	}
	level.LastUpdate = now

	if qty == 0 && level.Empty() {
		delete(e.levels, tick)
	}
	return true
}

// ApplyTrade folds one executed trade into level state, the bounded trade
// history and the rolling price series. isBuyerMaker=true means the seller
// was the aggressor, so the volume counts as active sell.
func (e *Engine) ApplyTrade(trade *models.Trade) (models.TradeRecord, bool) {
	price, qty, err := parseLevel(models.PriceQty{Price: trade.Price, Quantity: trade.Quantity})
	if err != nil || qty == 0 {
		if err != nil {
			e.log.WithComponent("book_engine").WithError(err).WithFields(logger.Fields{
				"symbol": e.symbol,
				"price":  trade.Price,
				"qty":    trade.Quantity,
			}).Warn("rejecting malformed trade")
		}
		return models.TradeRecord{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := time.UnixMilli(trade.TradeTime)
	if trade.TradeTime == 0 {
		ts = trade.Received
	}

	tick := e.quantize(price)
	level, ok := e.levels[tick]
	if !ok {
		level = &models.PriceLevel{Price: float64(tick) * e.cfg.PriceStep}
		e.levels[tick] = level
	}

	side := models.SideBuy
	if trade.IsBuyerMaker {
		side = models.SideSell
		level.ActiveSellVolume += qty
		level.HistoricalSellVolume += qty
	} else {
		level.ActiveBuyVolume += qty
		level.HistoricalBuyVolume += qty
	}
	level.LastUpdate = ts

	record := models.TradeRecord{
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: ts,
		TradeID:   trade.TradeID,
	}
	e.trades = append(e.trades, record)
	if len(e.trades) > e.cfg.MaxTradeHistory {
		e.trades = e.trades[len(e.trades)-e.cfg.MaxTradeHistory:]
	}

	e.currentPrice = price
	e.prices = append(e.prices, pricePoint{price: price, ts: ts})
	e.trimPricesLocked(ts)

	return record, true
}

// ApplySnapshot replaces all resting bid/ask volume with a venue depth
// snapshot, used to recover from a detected sequence gap. Active and
// historical trade volume is preserved.
func (e *Engine) ApplySnapshot(snap *DepthSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for tick, level := range e.levels {
		level.BidVolume = 0
		level.AskVolume = 0
		if level.Empty() {
			delete(e.levels, tick)
		}
	}
	for _, entry := range snap.Bids {
		e.applyDepthEntry(entry, true, now)
	}
	for _, entry := range snap.Asks {
		e.applyDepthEntry(entry, false, now)
	}
	if snap.LastUpdateID > 0 {
		e.lastFinalID = snap.LastUpdateID
	}
	e.recomputeLocked()
	e.resolveCrossedLocked()

	e.log.WithComponent("book_engine").WithFields(logger.Fields{
		"symbol":         e.symbol,
		"last_update_id": snap.LastUpdateID,
		"levels":         len(e.levels),
	}).Info("order book resynchronized from snapshot")
}

// Snapshot derives the current market summary.
func (e *Engine) Snapshot() models.MarketSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now()
	snap := models.MarketSnapshot{
		Symbol:             e.symbol,
		CurrentPrice:       e.currentPrice,
		RealizedVolatility: e.realizedVolatilityLocked(now),
		JumpSignal:         e.jumpSignalLocked(),
		Momentum:           e.momentumLocked(),
		Timestamp:          now,
	}

	if e.hasBid {
		bid := float64(e.bestBidTick) * e.cfg.PriceStep
		snap.BestBid = &bid
	}
	if e.hasAsk {
		ask := float64(e.bestAskTick) * e.cfg.PriceStep
		snap.BestAsk = &ask
	}
	if e.hasBid && e.hasAsk {
		snap.Spread = (float64(e.bestAskTick) - float64(e.bestBidTick)) * e.cfg.PriceStep
	}
	if total := e.totalBid + e.totalAsk; total > 0 {
		snap.Imbalance = (e.totalBid - e.totalAsk) / total
	}
	return snap
}

// Levels returns the book levels sorted by ascending price, bounded by the
// configured maximum per side around the spread.
func (e *Engine) Levels() []models.PriceLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ticks := make([]int64, 0, len(e.levels))
	for tick := range e.levels {
		ticks = append(ticks, tick)
	}
	sortTicks(ticks)

	max := e.cfg.MaxLevels
	if max > 0 && len(ticks) > max {
		// Keep the levels closest to the spread midpoint.
		mid := e.midTickLocked()
		lo, hi := 0, len(ticks)
		for hi-lo > max {
			if mid-ticks[lo] >= ticks[hi-1]-mid {
				lo++
			} else {
				hi--
			}
		}
		ticks = ticks[lo:hi]
	}

	out := make([]models.PriceLevel, 0, len(ticks))
	for _, tick := range ticks {
		out = append(out, *e.levels[tick])
	}
	return out
}

// Trades returns a copy of the bounded trade history, oldest first.
func (e *Engine) Trades() []models.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.TradeRecord(nil), e.trades...)
}

// LevelCount reports the number of retained price levels.
func (e *Engine) LevelCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.levels)
}

// TradeCount reports the retained trade history length.
func (e *Engine) TradeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.trades)
}

// MemoryEstimate approximates the engine's retained state in bytes.
func (e *Engine) MemoryEstimate() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	const levelSize = 8*8 + 24
	const tradeSize = 8*5 + 16
	return int64(len(e.levels))*levelSize + int64(len(e.trades)+len(e.prices))*tradeSize
}

// Cleanup reclaims fully-zeroed levels whose last update is older than the
// retention window and trims the trade history. Levels with live bid or ask
// volume are never removed regardless of age. Returns the number of levels
// reclaimed.
func (e *Engine) Cleanup(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for tick, level := range e.levels {
		if level.BidVolume > 0 || level.AskVolume > 0 {
			continue
		}
		if now.Sub(level.LastUpdate) > e.cfg.LevelRetention {
			delete(e.levels, tick)
			removed++
		}
	}

	if len(e.trades) > e.cfg.MaxTradeHistory {
		e.trades = e.trades[len(e.trades)-e.cfg.MaxTradeHistory:]
	}
	e.trimPricesLocked(now)

	if removed > 0 {
		e.recomputeLocked()
		e.log.WithComponent("book_engine").WithFields(logger.Fields{
			"symbol":  e.symbol,
			"removed": removed,
			"levels":  len(e.levels),
		}).Debug("stale levels reclaimed")
	}
	return removed
}

func (e *Engine) quantize(price float64) int64 {
	return int64(math.Round(price / e.cfg.PriceStep))
}

func (e *Engine) midTickLocked() int64 {
	switch {
	case e.hasBid && e.hasAsk:
		return (e.bestBidTick + e.bestAskTick) / 2
	case e.hasBid:
		return e.bestBidTick
	case e.hasAsk:
		return e.bestAskTick
	default:
		return 0
	}
}

// recomputeLocked rebuilds best bid/ask and side totals from level state.
func (e *Engine) recomputeLocked() {
	e.hasBid = false
	e.hasAsk = false
	e.totalBid = 0
	e.totalAsk = 0

	for tick, level := range e.levels {
		if level.BidVolume > 0 {
			e.totalBid += level.BidVolume
			if !e.hasBid || tick > e.bestBidTick {
				e.bestBidTick = tick
				e.hasBid = true
			}
		}
		if level.AskVolume > 0 {
			e.totalAsk += level.AskVolume
			if !e.hasAsk || tick < e.bestAskTick {
				e.bestAskTick = tick
				e.hasAsk = true
			}
		}
	}
}

// resolveCrossedLocked drops stale volume when best bid and best ask cross.
// The side with the older update loses its offending volume.
func (e *Engine) resolveCrossedLocked() {
	for e.hasBid && e.hasAsk && e.bestBidTick > e.bestAskTick {
		bid := e.levels[e.bestBidTick]
		ask := e.levels[e.bestAskTick]

		if bid.LastUpdate.Before(ask.LastUpdate) {
			bid.BidVolume = 0
			if bid.Empty() {
				delete(e.levels, e.bestBidTick)
			}
		} else {
			ask.AskVolume = 0
			if ask.Empty() {
				delete(e.levels, e.bestAskTick)
			}
		}
		e.log.WithComponent("book_engine").WithFields(logger.Fields{
			"symbol": e.symbol,
		}).Warn("crossed book: stale side volume dropped")
		e.recomputeLocked()
	}
}

func (e *Engine) trimPricesLocked(now time.Time) {
	// Retain enough history for both the volatility window and the jump
	// window.
	cutoff := now.Add(-2 * e.cfg.VolatilityWindow)
	minKeep := e.cfg.JumpWindow + 1
	idx := 0
	for idx < len(e.prices)-minKeep && e.prices[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		e.prices = e.prices[idx:]
	}
}

func parseLevel(entry models.PriceQty) (price, qty float64, err error) {
	price, err = strconv.ParseFloat(entry.Price, 64)
	if err != nil {
		return 0, 0, err
	}
	qty, err = strconv.ParseFloat(entry.Quantity, 64)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, 0, &ValueError{Field: "price", Value: entry.Price}
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
		return 0, 0, &ValueError{Field: "quantity", Value: entry.Quantity}
	}
	return price, qty, nil
}

// ValueError marks a numeric field rejected during validation.
type ValueError struct {
	Field string
	Value string
}

func (e *ValueError) Error() string {
	return "invalid " + e.Field + " '" + e.Value + "'"
}

func sortTicks(ticks []int64) {
	// Insertion sort: level counts are bounded and often nearly ordered.
	for i := 1; i < len(ticks); i++ {
		for j := i; j > 0 && ticks[j] < ticks[j-1]; j-- {
			ticks[j], ticks[j-1] = ticks[j-1], ticks[j]
		}
	}
}
