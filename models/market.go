package models

import (
	"fmt"
	"time"
)

// StreamKind identifies one venue stream type for a symbol.
type StreamKind string

const (
	StreamDepth      StreamKind = "depth"
	StreamTrade      StreamKind = "trade"
	StreamTicker     StreamKind = "ticker"
	StreamBookTicker StreamKind = "bookTicker"
)

// ParseStreamKind converts a configuration string into a StreamKind.
func ParseStreamKind(s string) (StreamKind, error) {
	switch StreamKind(s) {
	case StreamDepth, StreamTrade, StreamTicker, StreamBookTicker:
		return StreamKind(s), nil
	}
	return "", fmt.Errorf("unknown stream kind '%s'", s)
}

// Side marks the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ConnectionState models the websocket connection lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionStatus is emitted on every state transition.
type ConnectionStatus struct {
	State     ConnectionState
	Attempts  int
	Reason    string
	Timestamp time.Time
}

// PriceQty is a single price level entry as received from the venue. Values
// stay raw strings until the engine validates them so one malformed entry can
// be rejected without touching the rest of the batch.
type PriceQty struct {
	Price    string
	Quantity string
}

// DepthUpdate is an incremental order book update classified by the adapter.
type DepthUpdate struct {
	Symbol        string
	EventTime     int64
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceQty
	Asks          []PriceQty
	Received      time.Time
}

// Trade is a single executed trade classified by the adapter.
type Trade struct {
	Symbol       string
	TradeID      int64
	Price        string
	Quantity     string
	IsBuyerMaker bool
	TradeTime    int64
	EventTime    int64
	Received     time.Time
}

// TickerUpdate carries best bid/ask or last price information from ticker and
// bookTicker streams.
type TickerUpdate struct {
	Symbol       string
	Kind         StreamKind
	BestBidPrice string
	BestBidQty   string
	BestAskPrice string
	BestAskQty   string
	LastPrice    string
	EventTime    int64
	Received     time.Time
}

// PriceLevel is the unit of order book state at one quantized price: resting
// bid/ask volume plus active and cumulative trade volume.
type PriceLevel struct {
	Price                float64
	BidVolume            float64
	AskVolume            float64
	ActiveBuyVolume      float64
	ActiveSellVolume     float64
	HistoricalBuyVolume  float64
	HistoricalSellVolume float64
	LastUpdate           time.Time
}

// Empty reports whether the level carries no volume at all and may be
// reclaimed.
func (l *PriceLevel) Empty() bool {
	return l.BidVolume == 0 && l.AskVolume == 0 &&
		l.ActiveBuyVolume == 0 && l.ActiveSellVolume == 0 &&
		l.HistoricalBuyVolume == 0 && l.HistoricalSellVolume == 0
}

// TradeRecord is one entry of the bounded trade history.
type TradeRecord struct {
	Price     float64
	Quantity  float64
	Side      Side
	Timestamp time.Time
	TradeID   int64
}

// MarketSnapshot is the derived point-in-time summary of order book and trade
// state. BestBid/BestAsk are nil when the respective side is empty. Imbalance
// is signed, range [-1,1], 0 meaning balanced.
type MarketSnapshot struct {
	Symbol             string
	BestBid            *float64
	BestAsk            *float64
	CurrentPrice       float64
	Spread             float64
	Imbalance          float64
	RealizedVolatility float64
	JumpSignal         float64
	Momentum           float64
	Timestamp          time.Time
}

// BufferedMessage is one raw inbound frame retained for replay and
// diagnostics.
type BufferedMessage struct {
	Timestamp time.Time
	Payload   []byte
}

// SubscriptionResult reports the venue's answer to a subscribe or unsubscribe
// request, matched by request id.
type SubscriptionResult struct {
	ID        int64
	Streams   []string
	OK        bool
	ErrCode   int
	ErrMsg    string
	Timestamp time.Time
}

// Severity grades error events for collaborators.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ErrorEvent is a discrete, non-fatal error or warning surfaced to
// collaborators instead of being thrown.
type ErrorEvent struct {
	Severity  Severity
	Component string
	Message   string
	Timestamp time.Time
}

// PerformanceReport summarises throughput, latency and resource usage.
type PerformanceReport struct {
	ID                string
	MessagesProcessed int64
	MessagesDropped   int64
	DepthUpdates      int64
	Trades            int64
	MessagesPerSec    float64
	LastLatency       time.Duration
	AvgLatency        time.Duration
	BookLevels        int
	TradeHistory      int
	MemoryEstimate    int64
	ProcessMemoryMB   float64
	Goroutines        int
	Uptime            time.Duration
	Timestamp         time.Time
}
