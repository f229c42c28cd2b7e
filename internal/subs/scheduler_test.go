package subs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/tapegate/internal/eligibility"
)

type fakeClassifier struct {
	instruments map[string]eligibility.Instrument
	failing     map[string]bool
}

func (f *fakeClassifier) Classify(_ context.Context, symbol string) (eligibility.Instrument, error) {
	if f.failing[symbol] {
		return eligibility.Instrument{}, fmt.Errorf("contract lookup failed for %s", symbol)
	}
	if inst, ok := f.instruments[symbol]; ok {
		return inst, nil
	}
	return eligibility.Instrument{Symbol: symbol, SecType: "STK", PrimaryExchange: "NYSE"}, nil
}

type fakeTransport struct {
	nextReqID int64

	failSubscribe map[string]bool
	failDepth     map[string]bool
	failTick      map[string]bool

	subscribed   map[string]bool
	depthOn      map[string]string // symbol -> exchange
	tickOn       map[string]bool
	unsubscribes []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failSubscribe: map[string]bool{},
		failDepth:     map[string]bool{},
		failTick:      map[string]bool{},
		subscribed:    map[string]bool{},
		depthOn:       map[string]string{},
		tickOn:        map[string]bool{},
	}
}

func (f *fakeTransport) transport() Transport {
	return Transport{
		Subscribe: func(_ context.Context, symbol string, requestDepth bool) (int64, bool) {
			if requestDepth {
				if f.failDepth[symbol] {
					return 0, false
				}
				f.nextReqID++
				f.depthOn[symbol] = "SMART"
				return f.nextReqID, true
			}
			if f.failSubscribe[symbol] {
				return 0, false
			}
			f.nextReqID++
			f.subscribed[symbol] = true
			return f.nextReqID, true
		},
		Unsubscribe: func(_ context.Context, symbol string) bool {
			delete(f.subscribed, symbol)
			f.unsubscribes = append(f.unsubscribes, symbol)
			return true
		},
		EnableTickByTick: func(_ context.Context, symbol string) (int64, bool) {
			if f.failTick[symbol] {
				return 0, false
			}
			f.nextReqID++
			f.tickOn[symbol] = true
			return f.nextReqID, true
		},
		DisableTickByTick: func(_ context.Context, symbol string) bool {
			delete(f.tickOn, symbol)
			return true
		},
		DisableDepth: func(_ context.Context, symbol string) bool {
			delete(f.depthOn, symbol)
			return true
		},
		SubscribeDepthOn: func(_ context.Context, symbol, exchange string) (int64, bool) {
			if f.failDepth[symbol] {
				return 0, false
			}
			f.nextReqID++
			f.depthOn[symbol] = exchange
			return f.nextReqID, true
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxLines = 10
	cfg.MaxDepthSlots = 2
	cfg.MaxTickByTick = 4
	return cfg
}

func TestApplyUniverse_PromotesUpToDepthSlotCap(t *testing.T) {
	ft := newFakeTransport()
	s := NewScheduler(testConfig(), &fakeClassifier{}, eligibility.NewCache(), nil, nil)

	sum, err := s.ApplyUniverse(context.Background(), 1000, []string{"AAA", "BBB", "CCC", "DDD"}, ft.transport())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Candidates)
	assert.Equal(t, 4, sum.Eligible)
	assert.Equal(t, 4, sum.Probe)
	assert.Equal(t, 2, sum.Active)
	assert.Equal(t, 2, sum.TickByTick)
	assert.Len(t, s.ActiveSnapshot(), 2)

	excluded := 0
	for _, o := range sum.Sample {
		if o.ExclusionReason == ExclNoDepthSlot {
			excluded++
		}
	}
	assert.Equal(t, 2, excluded)
}

func TestApplyUniverse_TickFailureRollsBackDepth(t *testing.T) {
	ft := newFakeTransport()
	ft.failTick["AAA"] = true
	s := NewScheduler(testConfig(), &fakeClassifier{}, eligibility.NewCache(), nil, nil)

	sum, err := s.ApplyUniverse(context.Background(), 1000, []string{"AAA", "BBB", "CCC"}, ft.transport())
	require.NoError(t, err)

	// AAA's depth slot must be released in the same pass, leaving the
	// slot available for BBB and CCC.
	assert.Equal(t, 2, sum.Active)
	assert.False(t, s.DepthSubscribed("AAA"))
	assert.True(t, s.TapeSubscribed("AAA"))
	_, depthLive := ft.depthOn["AAA"]
	assert.False(t, depthLive)

	_, aaaActive := s.ActiveSnapshot()["AAA"]
	assert.False(t, aaaActive)

	var aaaReason string
	for _, o := range sum.Sample {
		if o.Symbol == "AAA" {
			aaaReason = o.ExclusionReason
		}
	}
	assert.Equal(t, ExclTickEnableFailed, aaaReason)
}

func TestApplyUniverse_LineCapAndClassification(t *testing.T) {
	ft := newFakeTransport()
	fc := &fakeClassifier{
		instruments: map[string]eligibility.Instrument{
			"FUND": {Symbol: "FUND", Conid: 7, SecType: "ETF"},
		},
		failing: map[string]bool{"BRKN": true},
	}
	cfg := testConfig()
	cfg.MaxLines = 2
	s := NewScheduler(cfg, fc, eligibility.NewCache(), nil, nil)

	sum, err := s.ApplyUniverse(context.Background(), 1000,
		[]string{"FUND", "BRKN", "AAA", "BBB", "CCC"}, ft.transport())
	require.NoError(t, err)

	reasons := map[string]string{}
	for _, o := range sum.Sample {
		reasons[o.Symbol] = o.ExclusionReason
	}
	assert.Equal(t, ExclNotCommonStock, reasons["FUND"])
	assert.Equal(t, ExclClassifyFailed, reasons["BRKN"])
	assert.Equal(t, ExclLineCapReached, reasons["CCC"])
	assert.Equal(t, 3, sum.Eligible)
	assert.Equal(t, 2, sum.Probe)
}

func TestApplyUniverse_DroppedSymbolUnsubscribed(t *testing.T) {
	ft := newFakeTransport()
	s := NewScheduler(testConfig(), &fakeClassifier{}, eligibility.NewCache(), nil, nil)

	_, err := s.ApplyUniverse(context.Background(), 1000, []string{"AAA", "BBB", "CCC"}, ft.transport())
	require.NoError(t, err)
	require.True(t, s.TapeSubscribed("CCC"))

	_, err = s.ApplyUniverse(context.Background(), 2000, []string{"AAA", "BBB"}, ft.transport())
	require.NoError(t, err)

	assert.False(t, s.TapeSubscribed("CCC"))
	assert.Contains(t, ft.unsubscribes, "CCC")
}

func TestHandleProviderError_DepthUnsupportedTwoStrikes(t *testing.T) {
	ft := newFakeTransport()
	elig := eligibility.NewCache()
	s := NewScheduler(testConfig(), &fakeClassifier{}, elig, nil, nil)
	tr := ft.transport()

	_, err := s.ApplyUniverse(context.Background(), 1000, []string{"AAA"}, tr)
	require.NoError(t, err)
	require.True(t, s.DepthSubscribed("AAA"))

	depthReqID := s.subs["AAA"].depthReqID

	// First strike: demote and offer a primary-exchange retry.
	plan := s.HandleProviderError(context.Background(), 2000, depthReqID, CodeDepthNotSupported, "depth not supported", tr)
	require.NotNil(t, plan)
	assert.Equal(t, "AAA", plan.Symbol)
	assert.Equal(t, "NYSE", plan.Exchange)
	assert.False(t, s.DepthSubscribed("AAA"))
	assert.True(t, s.TapeSubscribed("AAA"))
	assert.Empty(t, s.ActiveSnapshot())

	// Retry succeeds on the listed exchange.
	require.True(t, s.ApplyDepthRetry(context.Background(), 2100, plan, tr))
	assert.True(t, s.DepthSubscribed("AAA"))
	assert.Equal(t, "NYSE", ft.depthOn["AAA"])

	// Second strike: cooldown, no further plan.
	depthReqID = s.subs["AAA"].depthReqID
	plan = s.HandleProviderError(context.Background(), 3000, depthReqID, CodeDepthNotSupported, "depth not supported", tr)
	assert.Nil(t, plan)
	assert.Equal(t, eligibility.Ineligible, elig.Lookup(0, "AAA", 3001))

	// The cooled-down symbol is passed over at the next refresh.
	sum, err := s.ApplyUniverse(context.Background(), 4000, []string{"AAA"}, tr)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Active)
	assert.Equal(t, ExclCooldown, sum.Sample[0].ExclusionReason)

	// Cooldown expiry restores eligibility.
	assert.Equal(t, eligibility.Eligible, elig.Lookup(0, "AAA", 3000+DefaultConfig().CooldownMs))
}

func TestHandleProviderError_TickCapDemotesWithoutCooldown(t *testing.T) {
	ft := newFakeTransport()
	elig := eligibility.NewCache()
	s := NewScheduler(testConfig(), &fakeClassifier{}, elig, nil, nil)
	tr := ft.transport()

	_, err := s.ApplyUniverse(context.Background(), 1000, []string{"AAA"}, tr)
	require.NoError(t, err)

	tickReqID := s.subs["AAA"].tickReqID
	plan := s.HandleProviderError(context.Background(), 2000, tickReqID, CodeTickCapExceeded, "max tick-by-tick requests reached", tr)
	assert.Nil(t, plan)
	assert.False(t, s.DepthSubscribed("AAA"))
	assert.Equal(t, eligibility.Eligible, elig.Lookup(0, "AAA", 2001))
}

func TestHandleProviderError_UnknownRequestIgnored(t *testing.T) {
	ft := newFakeTransport()
	s := NewScheduler(testConfig(), &fakeClassifier{}, eligibility.NewCache(), nil, nil)

	plan := s.HandleProviderError(context.Background(), 1000, 9999, CodeDepthNotSupported, "depth not supported", ft.transport())
	assert.Nil(t, plan)
}

func TestFocusRotation_EvictsIdleAfterDwell(t *testing.T) {
	ft := newFakeTransport()
	cfg := testConfig()
	cfg.MaxDepthSlots = 1
	cfg.FocusRotation = FocusRotationConfig{
		Enabled:     true,
		TapeIdleMs:  1000,
		DepthIdleMs: 1000,
		MinDwellMs:  5000,
	}
	s := NewScheduler(cfg, &fakeClassifier{}, eligibility.NewCache(), nil, nil)
	tr := ft.transport()

	_, err := s.ApplyUniverse(context.Background(), 1000, []string{"AAA", "BBB"}, tr)
	require.NoError(t, err)
	require.True(t, s.DepthSubscribed("AAA"))
	require.False(t, s.DepthSubscribed("BBB"))

	// Idle but inside the dwell window: protected.
	_, err = s.ApplyUniverse(context.Background(), 4000, []string{"AAA", "BBB"}, tr)
	require.NoError(t, err)
	assert.True(t, s.DepthSubscribed("AAA"))

	// Past the dwell and idle on both streams: AAA is evicted and the
	// freed slot goes to the waiting candidate, not back to AAA.
	sum, err := s.ApplyUniverse(context.Background(), 10000, []string{"AAA", "BBB"}, tr)
	require.NoError(t, err)
	assert.False(t, s.DepthSubscribed("AAA"))
	assert.True(t, s.DepthSubscribed("BBB"))

	reasons := map[string]string{}
	for _, o := range sum.Sample {
		reasons[o.Symbol] = o.ExclusionReason
	}
	assert.Equal(t, ExclFocusRotated, reasons["AAA"])

	// Recent activity prevents eviction regardless of dwell; the busy
	// holder keeps its slot and its dwell anchor.
	s.NoteTapeActivity("BBB", 19500)
	s.NoteDepthActivity("BBB", 19500)
	before := s.subs["BBB"].dwellSinceMs
	_, err = s.ApplyUniverse(context.Background(), 20000, []string{"AAA", "BBB"}, tr)
	require.NoError(t, err)
	assert.Equal(t, before, s.subs["BBB"].dwellSinceMs, "active symbol must not churn through demote/promote")
	assert.False(t, s.DepthSubscribed("AAA"))

	// Once the new holder goes idle past its dwell, the slot rotates
	// back to the other eligible symbol.
	_, err = s.ApplyUniverse(context.Background(), 30000, []string{"AAA", "BBB"}, tr)
	require.NoError(t, err)
	assert.True(t, s.DepthSubscribed("AAA"))
	assert.False(t, s.DepthSubscribed("BBB"))
}
