package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/logger"
	"orderflow/models"
)

const (
	maxBackoffDelay  = 30 * time.Second
	pingWriteTimeout = 5 * time.Second
)

// Manager owns the websocket lifecycle for one logical connection:
// reconnection with exponential backoff, heartbeat latency tracking, the
// bounded replay ring and the backpressure-guarded processing queue. It has
// no knowledge of market data; classified payloads are someone else's job.
type Manager struct {
	cfg   config.ConnectionConfig
	chans *channel.Channels
	log   *logger.Log

	mu       sync.RWMutex
	state    models.ConnectionState
	conn     *websocket.Conn
	attempts int
	running  bool
	bpActive bool
	outbound [][]byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	writeMu sync.Mutex

	ring    *MessageRing
	deliver chan models.BufferedMessage
	retryCh chan bool

	dropped int64

	latencyMu   sync.Mutex
	lastLatency time.Duration
	avgLatency  time.Duration
	samples     int64

	onReconnect func()
}

func NewManager(cfg config.ConnectionConfig, chans *channel.Channels) *Manager {
	deliverCap := 256
	if cfg.EnableBackpressure && cfg.BackpressureThreshold > 0 {
		deliverCap = cfg.BackpressureThreshold * 2
	}
	return &Manager{
		cfg:     cfg,
		chans:   chans,
		log:     logger.GetLogger(),
		state:   models.StateDisconnected,
		wg:      &sync.WaitGroup{},
		ring:    NewMessageRing(cfg.MessageBufferSize),
		deliver: make(chan models.BufferedMessage, deliverCap),
		retryCh: make(chan bool, 1),
	}
}

// SetOnReconnect registers the hook invoked after a connection is
// re-established, used by the protocol adapter to replay subscriptions. Must
// be called before Connect.
func (m *Manager) SetOnReconnect(f func()) {
	m.onReconnect = f
}

// Connect starts the connection supervisor. The socket is dialed
// asynchronously; state transitions are reported on the status channel.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("connection manager already running")
	}
	m.running = true
	m.attempts = 0
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.WithComponent("connection_manager").WithFields(logger.Fields{"url": m.cfg.URL}).Info("starting connection supervisor")

	m.wg.Add(1)
	go m.run()
	return nil
}

// Disconnect tears the connection down: cancels all timers, closes the
// socket, clears queues and buffers. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	m.wg.Wait()

	m.ring.Clear()
	m.mu.Lock()
	m.outbound = nil
	m.bpActive = false
	m.mu.Unlock()
	for {
		select {
		case <-m.deliver:
			continue
		default:
		}
		break
	}

	m.setState(models.StateDisconnected, "disconnect requested")
	m.log.WithComponent("connection_manager").Info("connection manager stopped")
}

// ManualRetry restarts connection attempts from the error state with a fresh
// attempt counter.
func (m *Manager) ManualRetry() error {
	return m.manualRetry(false)
}

// ManualRetryWithSubscriptions is ManualRetry plus a replay of the last known
// subscription set once the connection is re-established.
func (m *Manager) ManualRetryWithSubscriptions() error {
	return m.manualRetry(true)
}

func (m *Manager) manualRetry(replay bool) error {
	m.mu.RLock()
	running := m.running
	st := m.state
	m.mu.RUnlock()

	if !running {
		return fmt.Errorf("connection manager not running")
	}
	if st != models.StateErrored {
		return fmt.Errorf("manual retry only valid in error state, current state '%s'", st)
	}
	select {
	case m.retryCh <- replay:
		return nil
	default:
		return fmt.Errorf("manual retry already pending")
	}
}

// Send serializes the message and writes it when connected. When not
// connected the message is parked on the capped outbound queue and flushed on
// the next successful connect; a full or disabled queue yields an error.
func (m *Manager) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	m.mu.RLock()
	st := m.state
	conn := m.conn
	m.mu.RUnlock()

	if st == models.StateConnected && conn != nil {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("websocket write failed: %w", err)
		}
		return nil
	}

	if m.cfg.OutboundQueueSize > 0 {
		m.mu.Lock()
		if len(m.outbound) < m.cfg.OutboundQueueSize {
			m.outbound = append(m.outbound, data)
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return fmt.Errorf("not connected and outbound queue full")
	}
	return fmt.Errorf("not connected (state '%s')", st)
}

// Messages exposes the processing queue consumed by the feed.
func (m *Manager) Messages() <-chan models.BufferedMessage {
	return m.deliver
}

// BufferedMessages returns ring contents newer than since; a zero time
// returns everything retained.
func (m *Manager) BufferedMessages(since time.Time) []models.BufferedMessage {
	return m.ring.Since(since)
}

func (m *Manager) State() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsBackpressureActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bpActive
}

// QueueLen reports the current processing queue depth.
func (m *Manager) QueueLen() int {
	return len(m.deliver)
}

// Dropped reports messages discarded by backpressure or queue overflow.
func (m *Manager) Dropped() int64 {
	return atomic.LoadInt64(&m.dropped)
}

// Latency returns the last and average heartbeat round-trip times.
func (m *Manager) Latency() (last, avg time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	return m.lastLatency, m.avgLatency
}

// run is the connection supervisor: dial, read until failure, back off,
// redial. It exits when the context is cancelled or, from the error state,
// parks until a manual retry arrives.
func (m *Manager) run() {
	defer m.wg.Done()
	log := m.log.WithComponent("connection_manager")

	replay := false
	for {
		if m.ctx.Err() != nil {
			return
		}

		if m.State() != models.StateReconnecting {
			m.setState(models.StateConnecting, "")
		}

		conn, err := m.dial()
		if err != nil {
			m.mu.Lock()
			m.attempts++
			attempt := m.attempts
			m.mu.Unlock()

			logger.IncrementReconnect()
			m.emitError(models.SeverityWarning, fmt.Sprintf("connection attempt %d failed: %v", attempt, err))

			if attempt >= m.cfg.MaxReconnectAttempts {
				m.setState(models.StateErrored, "reconnect attempts exhausted")
				m.emitError(models.SeverityError,
					fmt.Sprintf("giving up after %d connection attempts; manual retry required", attempt))
				select {
				case replaySubs := <-m.retryCh:
					m.mu.Lock()
					m.attempts = 0
					m.mu.Unlock()
					replay = replaySubs
					m.setState(models.StateConnecting, "manual retry")
					continue
				case <-m.ctx.Done():
					return
				}
			}

			m.setState(models.StateReconnecting, err.Error())
			delay := backoffDelay(m.cfg.ReconnectInterval, attempt)
			log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Warn("connection failed, backing off")
			select {
			case <-time.After(delay):
				continue
			case <-m.ctx.Done():
				return
			}
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()
		m.setState(models.StateConnected, "")
		log.Info("websocket connected")

		m.flushOutbound(conn)
		if replay && m.onReconnect != nil {
			m.onReconnect()
		}
		replay = true

		hbDone := make(chan struct{})
		m.wg.Add(1)
		go m.heartbeat(conn, hbDone)

		err = m.readLoop(conn)
		close(hbDone)
		conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if m.ctx.Err() != nil {
			return
		}
		m.setState(models.StateReconnecting, fmt.Sprintf("abnormal closure: %v", err))
		log.WithError(err).Warn("websocket closed, reconnecting")
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectionTimeout}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectionTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetPongHandler(m.handlePong)
	return conn, nil
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.handleInbound(payload)
	}
}

// handleInbound appends the frame to the replay ring and enqueues it for
// processing, applying the backpressure policy: once the queue exceeds the
// threshold new frames are dropped until it drains to half the threshold.
func (m *Manager) handleInbound(payload []byte) {
	msg := models.BufferedMessage{Timestamp: time.Now(), Payload: payload}
	if m.cfg.EnableMessageBuffer {
		m.ring.Append(msg)
	}

	if !m.cfg.EnableBackpressure {
		select {
		case m.deliver <- msg:
		case <-m.ctx.Done():
		}
		return
	}

	m.mu.Lock()
	if m.bpActive {
		if len(m.deliver) <= m.cfg.BackpressureThreshold/2 {
			m.bpActive = false
			m.mu.Unlock()
			m.log.WithComponent("connection_manager").WithFields(logger.Fields{
				"queue_len": len(m.deliver),
			}).Info("backpressure released")
		} else {
			m.mu.Unlock()
			atomic.AddInt64(&m.dropped, 1)
			logger.IncrementDroppedMessage()
			return
		}
	} else if len(m.deliver) >= m.cfg.BackpressureThreshold {
		m.bpActive = true
		m.mu.Unlock()
		m.emitError(models.SeverityWarning, fmt.Sprintf(
			"backpressure activated: processing queue length %d exceeded threshold %d",
			len(m.deliver), m.cfg.BackpressureThreshold))
		atomic.AddInt64(&m.dropped, 1)
		logger.IncrementDroppedMessage()
		return
	} else {
		m.mu.Unlock()
	}

	select {
	case m.deliver <- msg:
	default:
		atomic.AddInt64(&m.dropped, 1)
		logger.IncrementDroppedMessage()
	}
}

// heartbeat pings the peer every heartbeatInterval with a timestamp payload;
// the pong handler turns the echo into a round-trip latency sample.
func (m *Manager) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			err := conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(pingWriteTimeout))
			if err != nil {
				m.log.WithComponent("connection_manager").WithError(err).Warn("heartbeat ping failed")
			}
		}
	}
}

func (m *Manager) handlePong(appData string) error {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return nil
	}
	latency := time.Since(time.Unix(0, sent))
	if latency < 0 {
		return nil
	}

	m.latencyMu.Lock()
	m.lastLatency = latency
	m.samples++
	m.avgLatency += (latency - m.avgLatency) / time.Duration(m.samples)
	m.latencyMu.Unlock()

	if m.cfg.HighLatencyThreshold > 0 && latency > m.cfg.HighLatencyThreshold {
		m.emitError(models.SeverityWarning, fmt.Sprintf(
			"high heartbeat latency: %s exceeds threshold %s", latency, m.cfg.HighLatencyThreshold))
	}
	return nil
}

func (m *Manager) flushOutbound(conn *websocket.Conn) {
	m.mu.Lock()
	queued := m.outbound
	m.outbound = nil
	m.mu.Unlock()

	for _, data := range queued {
		m.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		m.writeMu.Unlock()
		if err != nil {
			m.log.WithComponent("connection_manager").WithError(err).Warn("failed to flush queued message")
			return
		}
	}
	if len(queued) > 0 {
		m.log.WithComponent("connection_manager").WithFields(logger.Fields{"count": len(queued)}).Info("flushed outbound queue")
	}
}

func (m *Manager) setState(state models.ConnectionState, reason string) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	attempts := m.attempts
	m.mu.Unlock()

	status := models.ConnectionStatus{
		State:     state,
		Attempts:  attempts,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if m.chans != nil {
		ctx := m.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		m.chans.SendStatus(ctx, status)
	}
	m.log.WithComponent("connection_manager").WithFields(logger.Fields{
		"state":  state.String(),
		"reason": reason,
	}).Info("connection state changed")
}

func (m *Manager) emitError(severity models.Severity, msg string) {
	evt := models.ErrorEvent{
		Severity:  severity,
		Component: "connection_manager",
		Message:   msg,
		Timestamp: time.Now(),
	}
	if m.chans != nil {
		ctx := m.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		m.chans.SendError(ctx, evt)
	}
	if severity == models.SeverityError {
		m.log.WithComponent("connection_manager").Error(msg)
	} else {
		m.log.WithComponent("connection_manager").Warn(msg)
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	return delay
}
