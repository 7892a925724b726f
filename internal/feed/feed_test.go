package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/config"
	"orderflow/internal/book"
	"orderflow/models"
)

func testFeedConfig(url string) *config.Config {
	cfg := &config.Config{
		Connection: config.DefaultConnection(),
		Orderbook:  config.DefaultOrderbook(),
		Streams:    []string{"depth", "trade"},
		Channels: config.ChannelsConfig{
			DepthBuffer: 64, TradeBuffer: 64, TickerBuffer: 16,
			StatusBuffer: 64, SubsBuffer: 16, ErrorBuffer: 64, PerfBuffer: 16,
		},
	}
	cfg.Connection.URL = url
	cfg.Connection.HeartbeatInterval = time.Hour
	cfg.Connection.ReconnectInterval = time.Millisecond
	cfg.Connection.MaxReconnectAttempts = 2
	cfg.Orderbook.Symbol = "BTCUSDT"
	cfg.Orderbook.PriceStep = 0.5
	cfg.Orderbook.CleanupInterval = time.Hour
	return cfg
}

func TestNewRejectsUnknownStream(t *testing.T) {
	cfg := testFeedConfig("ws://example.invalid/ws")
	cfg.Streams = []string{"depth", "candles"}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown stream kind")
	}
}

func TestHandleMessageAppliesDepthAndTrade(t *testing.T) {
	f, err := New(testFeedConfig("ws://example.invalid/ws"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	depth := []byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,` +
		`"b":[["50000.0","1.5"]],"a":[["50000.5","1.0"]]}`)
	f.handleMessage(ctx, models.BufferedMessage{Timestamp: time.Now(), Payload: depth})

	select {
	case u := <-f.Channels().Depth:
		if u.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected depth event: %+v", u)
		}
	default:
		t.Fatalf("expected depth event on channel")
	}

	trade := []byte(`{"e":"trade","E":2,"s":"BTCUSDT","t":9,"p":"50000.0","q":"0.1","m":true,"T":3}`)
	f.handleMessage(ctx, models.BufferedMessage{Timestamp: time.Now(), Payload: trade})

	select {
	case rec := <-f.Channels().Trades:
		if rec.Side != models.SideSell || rec.Quantity != 0.1 {
			t.Fatalf("unexpected trade record: %+v", rec)
		}
	default:
		t.Fatalf("expected trade record on channel")
	}

	snap := f.Engine().Snapshot()
	if snap.BestBid == nil || *snap.BestBid != 50000.0 {
		t.Fatalf("depth update not applied: %+v", snap)
	}
}

func TestMalformedDepthEmitsWarning(t *testing.T) {
	f, err := New(testFeedConfig("ws://example.invalid/ws"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	depth := []byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,` +
		`"b":[["junk","1.5"],["50000.0","1"]],"a":[]}`)
	f.handleMessage(context.Background(), models.BufferedMessage{Timestamp: time.Now(), Payload: depth})

	select {
	case evt := <-f.Channels().Errors:
		if evt.Severity != models.SeverityWarning {
			t.Fatalf("unexpected severity: %+v", evt)
		}
	default:
		t.Fatalf("expected warning event for rejected entry")
	}
	// The valid entry still applied.
	if f.Engine().LevelCount() != 1 {
		t.Fatalf("valid entry should have applied")
	}
}

type fakeFetcher struct {
	called chan string
	snap   *book.DepthSnapshot
}

func (ff *fakeFetcher) FetchDepth(ctx context.Context, symbol string, limit int) (*book.DepthSnapshot, error) {
	ff.called <- symbol
	return ff.snap, nil
}

func TestSequenceGapTriggersResync(t *testing.T) {
	f, err := New(testFeedConfig("ws://example.invalid/ws"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ff := &fakeFetcher{
		called: make(chan string, 1),
		snap: &book.DepthSnapshot{
			LastUpdateID: 300,
			Bids:         []models.PriceQty{{Price: "50000.0", Quantity: "2"}},
		},
	}
	f.SetSnapshotFetcher(ff)
	ctx := context.Background()

	u1 := []byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":100,"u":105,"b":[["50000.0","1"]],"a":[]}`)
	f.handleMessage(ctx, models.BufferedMessage{Timestamp: time.Now(), Payload: u1})

	u2 := []byte(`{"e":"depthUpdate","E":2,"s":"BTCUSDT","U":200,"u":205,"b":[["50000.0","3"]],"a":[]}`)
	f.handleMessage(ctx, models.BufferedMessage{Timestamp: time.Now(), Payload: u2})

	select {
	case sym := <-ff.called:
		if sym != "BTCUSDT" {
			t.Fatalf("unexpected symbol: %s", sym)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for resync fetch")
	}
	f.wg.Wait()

	levels := f.Engine().Levels()
	if len(levels) != 1 || levels[0].BidVolume != 2 {
		t.Fatalf("snapshot should replace resting volume: %+v", levels)
	}
}

func TestFeedEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	depthEvent := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,` +
		`"b":[["50000.0","1.5"]],"a":[["50000.5","1.0"]]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req models.SubscribeRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				continue
			}
			ack, _ := json.Marshal(map[string]interface{}{"result": nil, "id": req.ID})
			conn.WriteMessage(websocket.TextMessage, ack)
			conn.WriteMessage(websocket.TextMessage, []byte(depthEvent))
		}
	}))
	defer srv.Close()

	cfg := testFeedConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	select {
	case u := <-f.Channels().Depth:
		if u.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected depth event: %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for depth event")
	}

	select {
	case res := <-f.Channels().Subs:
		if !res.OK {
			t.Fatalf("subscription should be acknowledged: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscription ack")
	}

	snap := f.Engine().Snapshot()
	if snap.BestBid == nil || *snap.BestBid != 50000.0 {
		t.Fatalf("engine should hold the depth update: %+v", snap)
	}

	// Double stop must not panic.
	f.Stop()
}
