package perf

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/logger"
	"orderflow/models"
)

// ewmaAlpha weights the newest throughput sample in the smoothed
// messages-per-second rate.
const ewmaAlpha = 0.3

// BookStats is the order book state the monitor samples.
type BookStats interface {
	LevelCount() int
	TradeCount() int
	MemoryEstimate() int64
}

// ConnStats is the connection state the monitor samples.
type ConnStats interface {
	Dropped() int64
	Latency() (last, avg time.Duration)
}

// Monitor counts processed messages and periodically emits a performance
// report combining throughput, heartbeat latency, book size and process
// resource usage.
type Monitor struct {
	cfg   config.PerformanceConfig
	chans *channel.Channels
	log   *logger.Log

	book BookStats
	conn ConnStats
	proc *process.Process

	processed int64
	depth     int64
	trades    int64

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     time.Time
	lastSample  time.Time
	lastCount   int64
	smoothedMPS float64
}

func NewMonitor(cfg config.PerformanceConfig, chans *channel.Channels, book BookStats, conn ConnStats) *Monitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Monitor{
		cfg:   cfg,
		chans: chans,
		log:   logger.GetLogger(),
		book:  book,
		conn:  conn,
		proc:  proc,
	}
}

// RecordMessage counts one processed inbound message.
func (m *Monitor) RecordMessage() {
	atomic.AddInt64(&m.processed, 1)
}

// RecordDepth counts one applied depth update.
func (m *Monitor) RecordDepth() {
	atomic.AddInt64(&m.depth, 1)
}

// RecordTrade counts one applied trade.
func (m *Monitor) RecordTrade() {
	atomic.AddInt64(&m.trades, 1)
}

// MessagesProcessed returns the total processed message count.
func (m *Monitor) MessagesProcessed() int64 {
	return atomic.LoadInt64(&m.processed)
}

// Start begins periodic sampling. Reports go out on the performance channel
// every sample interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.started = time.Now()
	m.lastSample = m.started
	m.lastCount = 0
	m.smoothedMPS = 0

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)

	m.log.WithComponent("perf_monitor").WithFields(logger.Fields{
		"interval": m.cfg.SampleInterval.String(),
	}).Info("performance monitor started")
	return nil
}

// Stop halts sampling. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.WithComponent("perf_monitor").Info("performance monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Sample(time.Now())
			m.chans.SendPerf(ctx, report)
			m.emit(report)
		}
	}
}

// Sample builds a performance report for the given instant and folds the
// interval's throughput into the smoothed rate.
func (m *Monitor) Sample(now time.Time) models.PerformanceReport {
	count := atomic.LoadInt64(&m.processed)

	m.mu.Lock()
	elapsed := now.Sub(m.lastSample).Seconds()
	if elapsed > 0 {
		rate := float64(count-m.lastCount) / elapsed
		if m.smoothedMPS == 0 {
			m.smoothedMPS = rate
		} else {
			m.smoothedMPS = ewmaAlpha*rate + (1-ewmaAlpha)*m.smoothedMPS
		}
	}
	m.lastSample = now
	m.lastCount = count
	mps := m.smoothedMPS
	started := m.started
	m.mu.Unlock()

	report := models.PerformanceReport{
		ID:                uuid.NewString(),
		MessagesProcessed: count,
		DepthUpdates:      atomic.LoadInt64(&m.depth),
		Trades:            atomic.LoadInt64(&m.trades),
		MessagesPerSec:    mps,
		Goroutines:        runtime.NumGoroutine(),
		Uptime:            now.Sub(started),
		Timestamp:         now,
	}

	if m.conn != nil {
		report.MessagesDropped = m.conn.Dropped()
		report.LastLatency, report.AvgLatency = m.conn.Latency()
	}
	if m.book != nil {
		report.BookLevels = m.book.LevelCount()
		report.TradeHistory = m.book.TradeCount()
		report.MemoryEstimate = m.book.MemoryEstimate()
	}
	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			report.ProcessMemoryMB = float64(mi.RSS) / 1024 / 1024
		}
	}
	return report
}

func (m *Monitor) emit(report models.PerformanceReport) {
	entry := m.log.WithComponent("perf_monitor").WithFields(logger.Fields{
		"report_id":       report.ID,
		"messages":        report.MessagesProcessed,
		"dropped":         report.MessagesDropped,
		"msgs_per_sec":    report.MessagesPerSec,
		"last_latency_ms": report.LastLatency.Milliseconds(),
		"avg_latency_ms":  report.AvgLatency.Milliseconds(),
		"book_levels":     report.BookLevels,
		"trade_history":   report.TradeHistory,
		"memory_estimate": report.MemoryEstimate,
		"process_mem_mb":  report.ProcessMemoryMB,
		"goroutines":      report.Goroutines,
		"uptime":          report.Uptime.String(),
	})
	entry.Info("performance sample")

	m.log.LogMetric("perf_monitor", "MessagesPerSecond", report.MessagesPerSec, "gauge", nil)
	m.log.LogMetric("perf_monitor", "HeartbeatLatencyMs", float64(report.AvgLatency.Milliseconds()), "gauge", nil)
	m.log.LogMetric("perf_monitor", "DroppedMessages", float64(report.MessagesDropped), "count", nil)
}
