package models

import "encoding/json"

// SubscribeRequest is the control frame used to subscribe or unsubscribe
// stream names.
type SubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// VenueError is the error object returned inside a rejected control reply.
type VenueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ControlReply is the venue's acknowledgement of a control frame. Result is
// null on success; Error is set on rejection.
type ControlReply struct {
	Result json.RawMessage `json:"result"`
	Error  *VenueError     `json:"error"`
	ID     int64           `json:"id"`
}

// StreamEnvelope wraps data messages on combined streams.
type StreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceDepthEvent mirrors the diff depth websocket payload. Bids and asks
// arrive as [price, quantity] string pairs.
type BinanceDepthEvent struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// BinanceTradeEvent mirrors the trade websocket payload.
type BinanceTradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
	TradeTime    int64  `json:"T"`
}

// BinanceTickerEvent mirrors the 24hr ticker websocket payload, reduced to the
// fields the terminal consumes.
type BinanceTickerEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	LastPrice    string `json:"c"`
	BestBidPrice string `json:"b"`
	BestBidQty   string `json:"B"`
	BestAskPrice string `json:"a"`
	BestAskQty   string `json:"A"`
}

// BinanceBookTickerEvent mirrors the bookTicker payload. It carries no event
// type field when delivered bare, so classification falls back to its shape.
type BinanceBookTickerEvent struct {
	UpdateID     int64  `json:"u"`
	Symbol       string `json:"s"`
	BestBidPrice string `json:"b"`
	BestBidQty   string `json:"B"`
	BestAskPrice string `json:"a"`
	BestAskQty   string `json:"A"`
}
