package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orderflow/config"
	"orderflow/internal/book"
	"orderflow/internal/channel"
	"orderflow/internal/connection"
	"orderflow/internal/perf"
	"orderflow/internal/protocol"
	"orderflow/logger"
	"orderflow/models"
)

// snapshotDepthLimit bounds the REST depth snapshot used for gap recovery.
const snapshotDepthLimit = 1000

// Feed wires connection manager, protocol adapter, order book engine and
// performance monitor into one market data pipeline. A single goroutine
// consumes the manager's processing queue, so engine mutation needs no
// coordination beyond the engine's own lock.
type Feed struct {
	cfg   *config.Config
	chans *channel.Channels
	log   *logger.Log

	mgr     *connection.Manager
	adapter *protocol.Adapter
	engine  *book.Engine
	monitor *perf.Monitor
	fetcher book.SnapshotFetcher

	kinds []models.StreamKind

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ctx       context.Context
	resyncing int32
}

func New(cfg *config.Config) (*Feed, error) {
	kinds := make([]models.StreamKind, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		k, err := models.ParseStreamKind(s)
		if err != nil {
			return nil, fmt.Errorf("invalid stream configuration: %w", err)
		}
		kinds = append(kinds, k)
	}

	chans := channel.NewChannels(cfg.Channels)
	mgr := connection.NewManager(cfg.Connection, chans)
	adapter := protocol.NewAdapter(cfg.Connection, mgr, chans)
	engine := book.NewEngine(cfg.Orderbook)
	monitor := perf.NewMonitor(cfg.Performance, chans, engine, mgr)

	f := &Feed{
		cfg:     cfg,
		chans:   chans,
		log:     logger.GetLogger(),
		mgr:     mgr,
		adapter: adapter,
		engine:  engine,
		monitor: monitor,
		kinds:   kinds,
	}
	if cfg.Orderbook.ResyncOnGap {
		f.fetcher = book.NewBinanceFetcher(cfg.Orderbook.RestURL)
	}

	mgr.SetOnReconnect(func() {
		adapter.Replay(f.runCtx())
	})
	return f, nil
}

// Start connects and begins processing. Subscription happens once the
// connection reports established.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	runCtx := f.ctx
	f.mu.Unlock()

	f.log.WithComponent("feed").WithFields(logger.Fields{
		"symbol":  f.cfg.Orderbook.Symbol,
		"streams": f.cfg.Streams,
	}).Info("starting market data feed")

	if err := f.mgr.Connect(runCtx); err != nil {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return err
	}
	if f.cfg.Performance.Enabled {
		if err := f.monitor.Start(runCtx); err != nil {
			f.log.WithComponent("feed").WithError(err).Warn("performance monitor failed to start")
		}
	}

	f.wg.Add(1)
	go f.run(runCtx)
	return nil
}

// Stop tears the pipeline down in dependency order. Idempotent.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.mu.Unlock()

	f.monitor.Stop()
	f.mgr.Disconnect()
	cancel()
	f.wg.Wait()
	f.log.WithComponent("feed").Info("market data feed stopped")
}

// ManualRetry restarts connection attempts after the manager gave up,
// replaying subscriptions on success.
func (f *Feed) ManualRetry() error {
	return f.mgr.ManualRetryWithSubscriptions()
}

// Engine exposes the order book engine for snapshot consumers.
func (f *Feed) Engine() *book.Engine { return f.engine }

// Manager exposes the connection manager for state inspection.
func (f *Feed) Manager() *connection.Manager { return f.mgr }

// Adapter exposes the protocol adapter for subscription management.
func (f *Feed) Adapter() *protocol.Adapter { return f.adapter }

// Channels exposes the typed event channels.
func (f *Feed) Channels() *channel.Channels { return f.chans }

// SetSnapshotFetcher overrides the gap recovery source.
func (f *Feed) SetSnapshotFetcher(fetcher book.SnapshotFetcher) {
	f.fetcher = fetcher
}

func (f *Feed) runCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx != nil {
		return f.ctx
	}
	return context.Background()
}

// run is the processing loop: classify each queued frame, apply it to the
// engine and fan the typed result out. It also owns the initial subscription
// and the periodic level cleanup.
func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()

	cleanup := time.NewTicker(f.cfg.Orderbook.CleanupInterval)
	defer cleanup.Stop()
	subCheck := time.NewTicker(200 * time.Millisecond)
	defer subCheck.Stop()
	subscribed := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-subCheck.C:
			if subscribed || f.mgr.State() != models.StateConnected {
				continue
			}
			_, err := f.adapter.SubscribeToSymbol(ctx, f.cfg.Orderbook.Symbol, f.kinds)
			if err != nil {
				f.log.WithComponent("feed").WithError(err).Warn("initial subscribe failed")
				continue
			}
			subscribed = true
			subCheck.Stop()

		case <-cleanup.C:
			f.engine.Cleanup(time.Now())

		case msg := <-f.mgr.Messages():
			f.handleMessage(ctx, msg)
		}
	}
}

func (f *Feed) handleMessage(ctx context.Context, msg models.BufferedMessage) {
	f.monitor.RecordMessage()

	switch evt := f.adapter.Classify(ctx, msg.Payload, msg.Timestamp).(type) {
	case *models.DepthUpdate:
		f.monitor.RecordDepth()
		res := f.engine.ApplyDepthUpdate(evt)
		if res.Rejected > 0 {
			f.emitError(ctx, models.SeverityWarning, fmt.Sprintf(
				"depth update for %s: %d malformed entries rejected", evt.Symbol, res.Rejected))
		}
		if res.GapDetected {
			f.emitError(ctx, models.SeverityWarning, fmt.Sprintf(
				"sequence gap in depth stream for %s", evt.Symbol))
			f.maybeResync(ctx)
		}
		f.chans.SendDepth(ctx, *evt)

	case *models.Trade:
		f.monitor.RecordTrade()
		if rec, ok := f.engine.ApplyTrade(evt); ok {
			f.chans.SendTrade(ctx, rec)
		} else {
			f.emitError(ctx, models.SeverityWarning, fmt.Sprintf(
				"malformed trade rejected for %s", evt.Symbol))
		}

	case *models.TickerUpdate:
		f.chans.SendTicker(ctx, *evt)
	}
}

// maybeResync fetches a REST depth snapshot and rebuilds resting volume. At
// most one resync runs at a time; further gaps while it is in flight are
// logged only.
func (f *Feed) maybeResync(ctx context.Context) {
	if f.fetcher == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&f.resyncing, 0, 1) {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer atomic.StoreInt32(&f.resyncing, 0)

		symbol := f.cfg.Orderbook.Symbol
		snap, err := f.fetcher.FetchDepth(ctx, symbol, snapshotDepthLimit)
		if err != nil {
			f.emitError(ctx, models.SeverityError, fmt.Sprintf(
				"depth snapshot fetch failed for %s: %v", symbol, err))
			return
		}
		f.engine.ApplySnapshot(snap)
	}()
}

func (f *Feed) emitError(ctx context.Context, severity models.Severity, msg string) {
	evt := models.ErrorEvent{
		Severity:  severity,
		Component: "feed",
		Message:   msg,
		Timestamp: time.Now(),
	}
	f.chans.SendError(ctx, evt)
	if severity == models.SeverityError {
		f.log.WithComponent("feed").Error(msg)
	} else {
		f.log.WithComponent("feed").Warn(msg)
	}
}
