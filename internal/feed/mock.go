package feed

import (
	"context"
	"sync"

	"github.com/quantfeed/tapegate/internal/eligibility"
	"github.com/quantfeed/tapegate/internal/subs"
)

// MockFeed is an in-memory gateway for tests and dry runs: events are
// pushed synchronously into the handler, and every transport request
// succeeds unless scripted otherwise.
type MockFeed struct {
	mu        sync.Mutex
	handler   Handler
	nextReqID int64

	Instruments map[string]eligibility.Instrument
	FailDepth   map[string]bool
	FailTick    map[string]bool

	TapeSubs  map[string]int64
	DepthSubs map[string]int64
	TickSubs  map[string]int64
}

// NewMockFeed builds a mock feed. Bind the consumer with SetHandler
// before pushing events.
func NewMockFeed() *MockFeed {
	return &MockFeed{
		Instruments: make(map[string]eligibility.Instrument),
		FailDepth:   make(map[string]bool),
		FailTick:    make(map[string]bool),
		TapeSubs:    make(map[string]int64),
		DepthSubs:   make(map[string]int64),
		TickSubs:    make(map[string]int64),
	}
}

// SetHandler binds the event consumer.
func (m *MockFeed) SetHandler(h Handler) { m.handler = h }

// PushDepth delivers one depth event.
func (m *MockFeed) PushDepth(ev DepthEvent) { m.handler.OnDepth(ev) }

// PushTrade delivers one tape print.
func (m *MockFeed) PushTrade(ev TradeEvent) { m.handler.OnTrade(ev) }

// PushError delivers one provider error.
func (m *MockFeed) PushError(ev ErrorEvent) { m.handler.OnProviderError(ev) }

// DepthReqID returns the live depth request id for symbol, if any.
func (m *MockFeed) DepthReqID(symbol string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.DepthSubs[symbol]
	return id, ok
}

// Classify resolves from the scripted instrument table, defaulting to a
// common stock on the primary listing.
func (m *MockFeed) Classify(_ context.Context, symbol string) (eligibility.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.Instruments[symbol]; ok {
		return inst, nil
	}
	return eligibility.Instrument{Symbol: symbol, SecType: "STK", PrimaryExchange: "NYSE"}, nil
}

// Transport returns the scheduler callback set backed by this mock.
func (m *MockFeed) Transport() subs.Transport {
	return subs.Transport{
		Subscribe: func(_ context.Context, symbol string, requestDepth bool) (int64, bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if requestDepth {
				if m.FailDepth[symbol] {
					return 0, false
				}
				m.nextReqID++
				m.DepthSubs[symbol] = m.nextReqID
				return m.nextReqID, true
			}
			m.nextReqID++
			m.TapeSubs[symbol] = m.nextReqID
			return m.nextReqID, true
		},
		Unsubscribe: func(_ context.Context, symbol string) bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.TapeSubs, symbol)
			return true
		},
		EnableTickByTick: func(_ context.Context, symbol string) (int64, bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.FailTick[symbol] {
				return 0, false
			}
			m.nextReqID++
			m.TickSubs[symbol] = m.nextReqID
			return m.nextReqID, true
		},
		DisableTickByTick: func(_ context.Context, symbol string) bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.TickSubs, symbol)
			return true
		},
		DisableDepth: func(_ context.Context, symbol string) bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.DepthSubs, symbol)
			return true
		},
		SubscribeDepthOn: func(_ context.Context, symbol, _ string) (int64, bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.FailDepth[symbol] {
				return 0, false
			}
			m.nextReqID++
			m.DepthSubs[symbol] = m.nextReqID
			return m.nextReqID, true
		},
	}
}
