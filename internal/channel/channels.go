package channel

import (
	"context"
	"sync"

	"orderflow/config"
	"orderflow/logger"
	"orderflow/models"
)

// Stats counts messages delivered and dropped per event kind.
type Stats struct {
	DepthSent     int64
	DepthDropped  int64
	TradeSent     int64
	TradeDropped  int64
	TickerSent    int64
	TickerDropped int64
	StatusSent    int64
	StatusDropped int64
	SubsSent      int64
	SubsDropped   int64
	ErrorSent     int64
	ErrorDropped  int64
	PerfSent      int64
	PerfDropped   int64
}

// Channels bundles the typed event channels consumed by UI and indicator
// collaborators. Sends never block: when a consumer lags, the event is
// dropped and counted instead of stalling the processing path.
type Channels struct {
	Depth   chan models.DepthUpdate
	Trades  chan models.TradeRecord
	Tickers chan models.TickerUpdate
	Status  chan models.ConnectionStatus
	Subs    chan models.SubscriptionResult
	Errors  chan models.ErrorEvent
	Perf    chan models.PerformanceReport

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(cfg config.ChannelsConfig) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Depth:   make(chan models.DepthUpdate, cfg.DepthBuffer),
		Trades:  make(chan models.TradeRecord, cfg.TradeBuffer),
		Tickers: make(chan models.TickerUpdate, cfg.TickerBuffer),
		Status:  make(chan models.ConnectionStatus, cfg.StatusBuffer),
		Subs:    make(chan models.SubscriptionResult, cfg.SubsBuffer),
		Errors:  make(chan models.ErrorEvent, cfg.ErrorBuffer),
		Perf:    make(chan models.PerformanceReport, cfg.PerfBuffer),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"depth_buffer": cfg.DepthBuffer,
		"trade_buffer": cfg.TradeBuffer,
		"error_buffer": cfg.ErrorBuffer,
	}).Info("event channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Depth)
	close(c.Trades)
	close(c.Tickers)
	close(c.Status)
	close(c.Subs)
	close(c.Errors)
	close(c.Perf)
	c.log.WithComponent("channels").Info("event channels closed")
}

func (c *Channels) SendDepth(ctx context.Context, msg models.DepthUpdate) bool {
	select {
	case c.Depth <- msg:
		c.bump(func(s *Stats) { s.DepthSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.DepthDropped++ })
		return false
	}
}

func (c *Channels) SendTrade(ctx context.Context, msg models.TradeRecord) bool {
	select {
	case c.Trades <- msg:
		c.bump(func(s *Stats) { s.TradeSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.TradeDropped++ })
		return false
	}
}

func (c *Channels) SendTicker(ctx context.Context, msg models.TickerUpdate) bool {
	select {
	case c.Tickers <- msg:
		c.bump(func(s *Stats) { s.TickerSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.TickerDropped++ })
		return false
	}
}

func (c *Channels) SendStatus(ctx context.Context, msg models.ConnectionStatus) bool {
	select {
	case c.Status <- msg:
		c.bump(func(s *Stats) { s.StatusSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.StatusDropped++ })
		return false
	}
}

func (c *Channels) SendSub(ctx context.Context, msg models.SubscriptionResult) bool {
	select {
	case c.Subs <- msg:
		c.bump(func(s *Stats) { s.SubsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.SubsDropped++ })
		return false
	}
}

func (c *Channels) SendError(ctx context.Context, msg models.ErrorEvent) bool {
	select {
	case c.Errors <- msg:
		c.bump(func(s *Stats) { s.ErrorSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.ErrorDropped++ })
		return false
	}
}

func (c *Channels) SendPerf(ctx context.Context, msg models.PerformanceReport) bool {
	select {
	case c.Perf <- msg:
		c.bump(func(s *Stats) { s.PerfSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.PerfDropped++ })
		return false
	}
}

func (c *Channels) bump(f func(*Stats)) {
	c.statsMutex.Lock()
	f(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
