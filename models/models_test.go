package models

import (
	"encoding/json"
	"testing"
)

func TestParseStreamKind(t *testing.T) {
	for _, s := range []string{"depth", "trade", "ticker", "bookTicker"} {
		if _, err := ParseStreamKind(s); err != nil {
			t.Errorf("ParseStreamKind(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseStreamKind("candles"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateErrored:      "error",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d = %q, want %q", state, got, want)
		}
	}
}

func TestBinanceDepthEventDecode(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":102,` +
		`"b":[["50000.00","1.5"]],"a":[["50000.50","1.0"]]}`
	var evt BinanceDepthEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Symbol != "BTCUSDT" || evt.FirstUpdateID != 100 || evt.FinalUpdateID != 102 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if len(evt.Bids) != 1 || evt.Bids[0][0] != "50000.00" || evt.Bids[0][1] != "1.5" {
		t.Fatalf("unexpected bids: %v", evt.Bids)
	}
}

func TestPriceLevelEmpty(t *testing.T) {
	l := &PriceLevel{Price: 50000}
	if !l.Empty() {
		t.Fatalf("zeroed level should be empty")
	}
	l.HistoricalBuyVolume = 0.1
	if l.Empty() {
		t.Fatalf("level with historical volume is not empty")
	}
}
