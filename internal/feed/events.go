// Package feed connects the engine to the market-data gateway: a
// websocket client with reconnect and circuit breaking, the event types
// it emits, and a scriptable in-memory feed for tests.
package feed

import "github.com/quantfeed/tapegate/internal/book"

// DepthEvent is one positional book mutation. ReceiptMs is stamped at
// the moment the frame is read off the wire; all freshness decisions
// downstream run on this clock.
type DepthEvent struct {
	Symbol    string
	Side      book.Side
	Op        book.Operation
	Position  int
	Price     float64
	Size      float64
	ReceiptMs int64
}

// TradeEvent is one tape print. EventMs is the venue's own timestamp and
// is never used for freshness.
type TradeEvent struct {
	Symbol    string
	EventMs   int64
	ReceiptMs int64
	Price     float64
	Size      float64
}

// ErrorEvent is an asynchronous provider error tied to an earlier
// request id.
type ErrorEvent struct {
	ReqID     int64
	Code      int
	Message   string
	ReceiptMs int64
}

// Handler receives feed events. Calls arrive from a single goroutine:
// per-symbol ordering is the transport's delivery order.
type Handler interface {
	OnDepth(ev DepthEvent)
	OnTrade(ev TradeEvent)
	OnProviderError(ev ErrorEvent)
}
