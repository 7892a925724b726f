package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/connection"
	"orderflow/logger"
	"orderflow/models"
)

// Adapter is the venue-specific layer on top of the connection manager for
// Binance-style streams. It builds subscribe/unsubscribe control frames,
// matches asynchronous acknowledgements by request id, restores subscriptions
// after reconnection and classifies raw payloads into typed domain events.
type Adapter struct {
	mgr     *connection.Manager
	chans   *channel.Channels
	log     *logger.Log
	limiter *rate.Limiter

	mu      sync.Mutex
	active  map[string][]models.StreamKind
	pending map[int64]pendingRequest

	nextID int64
}

type pendingRequest struct {
	Method  string
	Streams []string
	SentAt  time.Time
}

func NewAdapter(cfg config.ConnectionConfig, mgr *connection.Manager, chans *channel.Channels) *Adapter {
	rps := cfg.SubscribeRate
	if rps <= 0 {
		rps = 4
	}
	burst := cfg.SubscribeBurst
	if burst <= 0 {
		burst = 8
	}
	return &Adapter{
		mgr:     mgr,
		chans:   chans,
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		active:  make(map[string][]models.StreamKind),
		pending: make(map[int64]pendingRequest),
	}
}

// StreamName builds the venue stream identifier for a (symbol, kind) pair.
func StreamName(symbol string, kind models.StreamKind) string {
	return strings.ToLower(symbol) + "@" + string(kind)
}

// SubscribeToSymbol sends one SUBSCRIBE frame covering every requested stream
// kind for the symbol. It fails fast when the connection is not established.
func (a *Adapter) SubscribeToSymbol(ctx context.Context, symbol string, kinds []models.StreamKind) (int64, error) {
	if a.mgr.State() != models.StateConnected {
		return 0, fmt.Errorf("cannot subscribe '%s': not connected", symbol)
	}
	if len(kinds) == 0 {
		return 0, fmt.Errorf("cannot subscribe '%s': no stream kinds given", symbol)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("subscribe rate limit wait: %w", err)
	}

	params := make([]string, 0, len(kinds))
	for _, k := range kinds {
		params = append(params, StreamName(symbol, k))
	}

	id := atomic.AddInt64(&a.nextID, 1)
	req := models.SubscribeRequest{Method: models.MethodSubscribe, Params: params, ID: id}

	a.mu.Lock()
	a.pending[id] = pendingRequest{Method: req.Method, Streams: params, SentAt: time.Now()}
	a.active[symbol] = mergeKinds(a.active[symbol], kinds)
	a.mu.Unlock()

	if err := a.mgr.Send(req); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return 0, fmt.Errorf("failed to send subscribe request: %w", err)
	}

	a.log.WithComponent("protocol_adapter").WithFields(logger.Fields{
		"symbol":  symbol,
		"streams": params,
		"id":      id,
	}).Info("subscribe request sent")
	return id, nil
}

// UnsubscribeFromSymbol removes the symbol from local bookkeeping and sends
// the matching UNSUBSCRIBE frame. Stream names still required by another
// tracked symbol are kept alive.
func (a *Adapter) UnsubscribeFromSymbol(ctx context.Context, symbol string) (int64, error) {
	a.mu.Lock()
	kinds, ok := a.active[symbol]
	if !ok {
		a.mu.Unlock()
		return 0, fmt.Errorf("symbol '%s' is not subscribed", symbol)
	}
	delete(a.active, symbol)

	// Keep any stream name another active symbol still resolves to.
	stillNeeded := make(map[string]struct{})
	for sym, ks := range a.active {
		for _, k := range ks {
			stillNeeded[StreamName(sym, k)] = struct{}{}
		}
	}
	params := make([]string, 0, len(kinds))
	for _, k := range kinds {
		name := StreamName(symbol, k)
		if _, shared := stillNeeded[name]; !shared {
			params = append(params, name)
		}
	}
	a.mu.Unlock()

	if len(params) == 0 {
		return 0, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("unsubscribe rate limit wait: %w", err)
	}

	id := atomic.AddInt64(&a.nextID, 1)
	req := models.SubscribeRequest{Method: models.MethodUnsubscribe, Params: params, ID: id}

	a.mu.Lock()
	a.pending[id] = pendingRequest{Method: req.Method, Streams: params, SentAt: time.Now()}
	a.mu.Unlock()

	if err := a.mgr.Send(req); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return 0, fmt.Errorf("failed to send unsubscribe request: %w", err)
	}

	a.log.WithComponent("protocol_adapter").WithFields(logger.Fields{
		"symbol":  symbol,
		"streams": params,
		"id":      id,
	}).Info("unsubscribe request sent")
	return id, nil
}

// SubscribeBatch subscribes several symbols to the same stream kinds,
// decomposing into single-symbol requests.
func (a *Adapter) SubscribeBatch(ctx context.Context, symbols []string, kinds []models.StreamKind) error {
	for _, sym := range symbols {
		if _, err := a.SubscribeToSymbol(ctx, sym, kinds); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeBatch unsubscribes several symbols, decomposing into
// single-symbol requests.
func (a *Adapter) UnsubscribeBatch(ctx context.Context, symbols []string) error {
	for _, sym := range symbols {
		if _, err := a.UnsubscribeFromSymbol(ctx, sym); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll unsubscribes every tracked symbol and leaves the active map empty.
func (a *Adapter) ClearAll(ctx context.Context) {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.active))
	for sym := range a.active {
		symbols = append(symbols, sym)
	}
	a.mu.Unlock()

	for _, sym := range symbols {
		if _, err := a.UnsubscribeFromSymbol(ctx, sym); err != nil {
			a.log.WithComponent("protocol_adapter").WithError(err).Warn("clear all: unsubscribe failed")
		}
	}
}

// Replay re-issues subscribe requests for every tracked symbol. Wired to the
// connection manager's reconnect hook.
func (a *Adapter) Replay(ctx context.Context) {
	a.mu.Lock()
	snapshot := make(map[string][]models.StreamKind, len(a.active))
	for sym, ks := range a.active {
		snapshot[sym] = append([]models.StreamKind(nil), ks...)
	}
	a.mu.Unlock()

	for sym, ks := range snapshot {
		if _, err := a.SubscribeToSymbol(ctx, sym, ks); err != nil {
			a.log.WithComponent("protocol_adapter").WithError(err).Warn("subscription replay failed")
		}
	}
	if len(snapshot) > 0 {
		a.log.WithComponent("protocol_adapter").WithFields(logger.Fields{
			"symbols": len(snapshot),
		}).Info("subscriptions replayed after reconnect")
	}
}

// ActiveSubscriptions returns a copy of the current symbol → stream kinds map.
func (a *Adapter) ActiveSubscriptions() map[string][]models.StreamKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]models.StreamKind, len(a.active))
	for sym, ks := range a.active {
		out[sym] = append([]models.StreamKind(nil), ks...)
	}
	return out
}

// PendingRequests reports how many control frames await acknowledgement.
func (a *Adapter) PendingRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Classify inspects one raw frame and returns exactly one of
// *models.DepthUpdate, *models.Trade or *models.TickerUpdate. Control replies
// are matched against pending requests and surfaced on the subscription
// channel; unrecognized shapes are ignored and yield nil.
func (a *Adapter) Classify(ctx context.Context, payload []byte, received time.Time) interface{} {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		a.log.WithComponent("protocol_adapter").WithError(err).Debug("undecodable frame ignored")
		return nil
	}

	if _, hasID := fields["id"]; hasID {
		_, hasResult := fields["result"]
		_, hasError := fields["error"]
		if hasResult || hasError {
			a.handleControlReply(ctx, payload)
			return nil
		}
	}

	if _, ok := fields["stream"]; ok {
		var env models.StreamEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || len(env.Data) == 0 {
			return nil
		}
		return a.Classify(ctx, env.Data, received)
	}

	if raw, ok := fields["e"]; ok {
		var eventType string
		if err := json.Unmarshal(raw, &eventType); err != nil {
			return nil
		}
		switch eventType {
		case "depthUpdate":
			return a.classifyDepth(payload, received)
		case "trade":
			return a.classifyTrade(payload, received)
		case "24hrTicker":
			return a.classifyTicker(payload, received)
		}
		return nil
	}

	// Bare bookTicker frames carry no event type field.
	if hasAll(fields, "u", "s", "b", "B", "a", "A") {
		return a.classifyBookTicker(payload, received)
	}

	return nil
}

func (a *Adapter) handleControlReply(ctx context.Context, payload []byte) {
	var reply models.ControlReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return
	}

	a.mu.Lock()
	req, ok := a.pending[reply.ID]
	if ok {
		delete(a.pending, reply.ID)
	}
	a.mu.Unlock()
	if !ok {
		// Venue acks are idempotent; an unknown id is not an error.
		return
	}

	result := models.SubscriptionResult{
		ID:        reply.ID,
		Streams:   req.Streams,
		OK:        reply.Error == nil,
		Timestamp: time.Now(),
	}
	if reply.Error != nil {
		result.ErrCode = reply.Error.Code
		result.ErrMsg = reply.Error.Msg
		a.log.WithComponent("protocol_adapter").WithFields(logger.Fields{
			"id":   reply.ID,
			"code": reply.Error.Code,
			"msg":  reply.Error.Msg,
		}).Warn("subscription request rejected")
	}
	a.chans.SendSub(ctx, result)
}

func (a *Adapter) classifyDepth(payload []byte, received time.Time) interface{} {
	var evt models.BinanceDepthEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil
	}
	update := &models.DepthUpdate{
		Symbol:        evt.Symbol,
		EventTime:     evt.EventTime,
		FirstUpdateID: evt.FirstUpdateID,
		FinalUpdateID: evt.FinalUpdateID,
		Bids:          toPriceQty(evt.Bids),
		Asks:          toPriceQty(evt.Asks),
		Received:      received,
	}
	logger.IncrementDepthRead(len(payload))
	return update
}

func (a *Adapter) classifyTrade(payload []byte, received time.Time) interface{} {
	var evt models.BinanceTradeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil
	}
	logger.IncrementTradeRead(len(payload))
	return &models.Trade{
		Symbol:       evt.Symbol,
		TradeID:      evt.TradeID,
		Price:        evt.Price,
		Quantity:     evt.Quantity,
		IsBuyerMaker: evt.IsBuyerMaker,
		TradeTime:    evt.TradeTime,
		EventTime:    evt.EventTime,
		Received:     received,
	}
}

func (a *Adapter) classifyTicker(payload []byte, received time.Time) interface{} {
	var evt models.BinanceTickerEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil
	}
	return &models.TickerUpdate{
		Symbol:       evt.Symbol,
		Kind:         models.StreamTicker,
		BestBidPrice: evt.BestBidPrice,
		BestBidQty:   evt.BestBidQty,
		BestAskPrice: evt.BestAskPrice,
		BestAskQty:   evt.BestAskQty,
		LastPrice:    evt.LastPrice,
		EventTime:    evt.EventTime,
		Received:     received,
	}
}

func (a *Adapter) classifyBookTicker(payload []byte, received time.Time) interface{} {
	var evt models.BinanceBookTickerEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil
	}
	return &models.TickerUpdate{
		Symbol:       evt.Symbol,
		Kind:         models.StreamBookTicker,
		BestBidPrice: evt.BestBidPrice,
		BestBidQty:   evt.BestBidQty,
		BestAskPrice: evt.BestAskPrice,
		BestAskQty:   evt.BestAskQty,
		Received:     received,
	}
}

func toPriceQty(levels [][]string) []models.PriceQty {
	out := make([]models.PriceQty, 0, len(levels))
	for _, l := range levels {
		if len(l) >= 2 {
			out = append(out, models.PriceQty{Price: l[0], Quantity: l[1]})
		}
	}
	return out
}

func hasAll(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}

func mergeKinds(existing, add []models.StreamKind) []models.StreamKind {
	out := append([]models.StreamKind(nil), existing...)
	for _, k := range add {
		seen := false
		for _, e := range out {
			if e == k {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, k)
		}
	}
	return out
}
