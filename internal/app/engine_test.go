package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/config"
	"github.com/quantfeed/tapegate/internal/feed"
	"github.com/quantfeed/tapegate/internal/gating"
	"github.com/quantfeed/tapegate/internal/journal"
	"github.com/quantfeed/tapegate/internal/metrics"
)

type captureJournal struct {
	mu        sync.Mutex
	decisions []*journal.Record
	refreshes []*journal.RefreshRecord
}

func (c *captureJournal) WriteDecision(_ context.Context, rec *journal.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, rec)
	return nil
}

func (c *captureJournal) WriteRefresh(_ context.Context, rec *journal.RefreshRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes = append(c.refreshes, rec)
	return nil
}

func (c *captureJournal) Close() error { return nil }

func (c *captureJournal) byReason(reason string) []*journal.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*journal.Record
	for _, r := range c.decisions {
		if r.RejectionReason == reason {
			out = append(out, r)
		}
	}
	return out
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *feed.MockFeed, *captureJournal) {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Universe = []string{"ACME"}
	if mutate != nil {
		mutate(&cfg)
	}
	mock := feed.NewMockFeed()
	cap := &captureJournal{}
	e := New(cfg, mock, mock.Transport(), cap, nil, nil)
	mock.SetHandler(e)
	return e, mock, cap
}

func depth(sym string, side book.Side, pos int, price, size float64, receiptMs int64) feed.DepthEvent {
	return feed.DepthEvent{
		Symbol: sym, Side: side, Op: book.Insert,
		Position: pos, Price: price, Size: size, ReceiptMs: receiptMs,
	}
}

func TestEngine_TradeFeedsSkewHistogram(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Universe = []string{"ACME"}
	mock := feed.NewMockFeed()
	reg := metrics.NewRegistry()
	e := New(cfg, mock, mock.Transport(), journal.Nop{}, nil, reg)
	mock.SetHandler(e)
	require.NoError(t, e.RefreshUniverse(context.Background(), 500))

	mock.PushTrade(feed.TradeEvent{Symbol: "ACME", EventMs: 960, ReceiptMs: 1000, Price: 10.00, Size: 50})
	// A print with no provider timestamp cannot contribute a skew sample.
	mock.PushTrade(feed.TradeEvent{Symbol: "ACME", ReceiptMs: 1100, Price: 10.01, Size: 25})

	families, err := reg.Gather().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tapegate_tape_event_skew_seconds" {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.InDelta(t, 0.04, h.GetSampleSum(), 1e-9)
		return
	}
	t.Fatal("skew histogram not gathered")
}

func TestEngine_ZeroTradesProducesOneWarmupRecord(t *testing.T) {
	e, mock, cap := newTestEngine(t, nil)
	require.NoError(t, e.RefreshUniverse(context.Background(), 500))
	require.Len(t, cap.refreshes, 1)
	assert.Equal(t, e.SessionID(), cap.refreshes[0].SessionID)

	mock.PushDepth(depth("ACME", book.Bid, 0, 10.00, 100, 1000))
	mock.PushDepth(depth("ACME", book.Ask, 0, 10.05, 120, 1300))

	recs := cap.byReason(gating.ReasonTapeNotWarmedUp)
	require.Len(t, recs, 1, "valid book with an empty tape yields exactly one warm-up rejection")

	rec := recs[0]
	assert.Equal(t, journal.OutcomeNotReady, rec.Outcome)
	assert.Nil(t, rec.DecisionInputs, "inputs must be explicit null before metrics exist")
	assert.Nil(t, rec.ObservedMetrics)
	assert.Equal(t, 0, rec.QualityFlags["trades_in_window"])
	assert.Equal(t, config.Default().Gating.WarmupMinTrades, rec.QualityFlags["min_trades"])
	assert.Equal(t, e.SessionID(), rec.SessionID)
}

func TestEngine_AcceptPathThroughRankWindow(t *testing.T) {
	e, mock, cap := newTestEngine(t, func(cfg *config.Config) {
		cfg.Gating.WarmupMinTrades = 2
	})
	require.NoError(t, e.RefreshUniverse(context.Background(), 500))

	mock.PushDepth(depth("ACME", book.Bid, 0, 10.00, 100, 1000))
	mock.PushDepth(depth("ACME", book.Ask, 0, 10.05, 120, 1300))
	for i, ts := range []int64{1600, 1650, 1900} {
		mock.PushTrade(feed.TradeEvent{
			Symbol: "ACME", EventMs: ts - 50, ReceiptMs: ts,
			Price: 10.02 + float64(i)*0.01, Size: 100,
		})
	}

	// The last trade clears warm-up; its evaluation stages a candidate.
	e.FlushRank(context.Background(), 5000, true)

	accepted := 0
	for _, rec := range cap.decisions {
		if rec.Outcome == journal.OutcomeAccepted {
			accepted++
			assert.Equal(t, "ACME", rec.Symbol)
			require.NotNil(t, rec.ObservedMetrics)
			assert.InDelta(t, 10.00, rec.ObservedMetrics.BestBid, 1e-9)
			require.NotNil(t, rec.DecisionInputs)
			assert.Greater(t, rec.DecisionInputs.Score, 0.0)
			assert.Len(t, rec.DecisionInputs.Components, 3)
		}
	}
	assert.Equal(t, 1, accepted)

	snap, ok := e.BookSnapshot("ACME")
	require.True(t, ok)
	assert.Len(t, snap.RecentTrades, 3)
}

func TestEngine_ProviderErrorRetriesOnPrimaryExchange(t *testing.T) {
	e, mock, _ := newTestEngine(t, nil)
	require.NoError(t, e.RefreshUniverse(context.Background(), 500))

	_, active := e.ActiveSnapshot()["ACME"]
	require.True(t, active)

	depthReq, ok := mock.DepthReqID("ACME")
	require.True(t, ok)

	// First depth-unsupported error: the engine retries on the listed
	// primary exchange and the symbol stays active.
	mock.PushError(feed.ErrorEvent{ReqID: depthReq, Code: 10092, Message: "depth not supported", ReceiptMs: 2000})
	_, active = e.ActiveSnapshot()["ACME"]
	assert.True(t, active, "primary-exchange retry keeps the symbol active")

	// Second strike: demoted and cooled down.
	depthReq, ok = mock.DepthReqID("ACME")
	require.True(t, ok)
	mock.PushError(feed.ErrorEvent{ReqID: depthReq, Code: 10092, Message: "depth not supported", ReceiptMs: 3000})
	_, active = e.ActiveSnapshot()["ACME"]
	assert.False(t, active)
}

func TestEngine_UnknownSymbolEventsCreateNoRecords(t *testing.T) {
	e, mock, cap := newTestEngine(t, nil)
	require.NoError(t, e.RefreshUniverse(context.Background(), 500))

	mock.PushDepth(depth("GHOST", book.Bid, 0, 5.00, 10, 1000))
	mock.PushTrade(feed.TradeEvent{Symbol: "GHOST", ReceiptMs: 1100, Price: 5.00, Size: 10})

	assert.Empty(t, cap.decisions, "non-members are skipped without journal spam")

	_, ok := e.BookSnapshot("GHOST")
	assert.True(t, ok, "the book itself is still maintained for later promotion")
}
