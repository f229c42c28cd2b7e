// Package gating runs the per-tick decision pipeline: membership check,
// ordered hard readiness gates, then soft heuristics, emitting one
// immutable audit record per non-suppressed terminal evaluation.
package gating

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/journal"
	"github.com/quantfeed/tapegate/internal/metrics"
)

// Stable rejection reason codes. Consumers parse these; never reword.
const (
	ReasonBookInvalid     = "NotReady_BookInvalid"
	ReasonTapeMissing     = "NotReady_TapeMissingSubscription"
	ReasonTapeNotWarmedUp = "NotReady_TapeNotWarmedUp"
	ReasonTapeStale       = "NotReady_TapeStale"
	ReasonDepthStale      = "NotReady_DepthStale"
	ReasonNoDepth         = "NotReady_NoDepth"
)

// Gate names as they appear in decision traces.
const (
	GateBookValid       = "book_valid"
	GateTapeSubscribed  = "tape_subscribed"
	GateTapeWarmup      = "tape_warmup"
	GateTapeFresh       = "tape_fresh"
	GateDepthFresh      = "depth_fresh"
	GateDepthSubscribed = "depth_subscribed"
)

// Membership answers the coordinator's cheapest questions: whether a
// symbol is worth evaluating at all, and which streams it holds. The
// subscription scheduler satisfies this.
type Membership interface {
	ActiveSnapshot() map[string]struct{}
	TapeSubscribed(symbol string) bool
	DepthSubscribed(symbol string) bool
}

// Validator is one soft heuristic, run only after every hard gate has
// passed. A non-empty reject reason fails the evaluation; the component
// score contributes to the candidate's total either way.
type Validator interface {
	Name() string
	Evaluate(snap book.Snapshot, m *journal.MetricsSnapshot) (component float64, reject string)
}

// Config holds the coordinator's time thresholds. All are measured on
// the receipt clock of the caller-supplied timestamps.
type Config struct {
	WarmupMinTrades     int   `yaml:"warmup_min_trades"`
	WarmupWindowMs      int64 `yaml:"warmup_window_ms"`
	TapeStaleAfterMs    int64 `yaml:"tape_stale_after_ms"`
	DepthStaleAfterMs   int64 `yaml:"depth_stale_after_ms"`
	ThrottleMs          int64 `yaml:"throttle_ms"`
	SuppressionWindowMs int64 `yaml:"suppression_window_ms"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WarmupMinTrades:     5,
		WarmupWindowMs:      30 * 1000,
		TapeStaleAfterMs:    10 * 1000,
		DepthStaleAfterMs:   5 * 1000,
		ThrottleMs:          250,
		SuppressionWindowMs: 5 * 1000,
	}
}

// Candidate is an evaluation that passed every gate and heuristic and
// now awaits scarcity arbitration. Its audit record is written only at
// finalization, with the arbitration outcome filled in.
type Candidate struct {
	DecisionID string
	Symbol     string
	Score      float64
	StagedMs   int64

	record *journal.Record
}

type suppressState struct {
	lastReason string
	lastEmitMs int64
}

// Coordinator evaluates symbols against the gate sequence and assembles
// decision records. One instance serves all symbols; per-symbol state is
// limited to throttle limiters and suppression bookkeeping.
type Coordinator struct {
	mu         sync.Mutex
	cfg        Config
	membership Membership
	validators []Validator
	journal    journal.Journaler
	metrics    *metrics.Registry
	sessionID  string

	throttles  map[string]*rate.Limiter
	suppressed map[string]*suppressState
}

// NewCoordinator wires the pipeline. reg may be nil.
func NewCoordinator(cfg Config, membership Membership, validators []Validator, j journal.Journaler, reg *metrics.Registry, sessionID string) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		membership: membership,
		validators: validators,
		journal:    j,
		metrics:    reg,
		sessionID:  sessionID,
		throttles:  make(map[string]*rate.Limiter),
		suppressed: make(map[string]*suppressState),
	}
}

// Evaluate runs one evaluation tick for symbol. It returns a Candidate
// when the symbol clears every gate and heuristic; terminal NotReady and
// Rejected outcomes are journaled here (suppression permitting) and
// return nil. Symbols outside the active universe are skipped without a
// record.
func (c *Coordinator) Evaluate(ctx context.Context, nowMs int64, symbol string, bk *book.Book) *Candidate {
	if _, active := c.membership.ActiveSnapshot()[symbol]; !active {
		return nil
	}
	if !c.allowEvaluation(symbol, nowMs) {
		return nil
	}

	trace := make([]journal.GateResult, 0, 8)
	fail := func(gate, reason string, observed *journal.MetricsSnapshot, flags map[string]any) {
		trace = append(trace, journal.GateResult{Gate: gate, Passed: false})
		c.emit(ctx, nowMs, &journal.Record{
			SchemaVersion:   journal.SchemaVersion,
			DecisionID:      uuid.NewString(),
			SessionID:       c.sessionID,
			Symbol:          symbol,
			TimestampUTC:    time.UnixMilli(nowMs).UTC(),
			Outcome:         journal.OutcomeNotReady,
			RejectionReason: reason,
			ObservedMetrics: observed,
			DecisionTrace:   trace,
			QualityFlags:    flags,
		})
	}
	pass := func(gate string) {
		trace = append(trace, journal.GateResult{Gate: gate, Passed: true})
	}

	// Gate 1: book validity. This is the only hard gate whose record
	// carries a metrics snapshot: the book exists and its contents are
	// exactly what made it invalid.
	if ok, why := bk.Valid(nowMs); !ok {
		fail(GateBookValid, ReasonBookInvalid, c.observe(bk, nowMs), map[string]any{"book_invalid_reason": why})
		return nil
	}
	pass(GateBookValid)

	// Gate 2: tape subscription.
	if !c.membership.TapeSubscribed(symbol) {
		fail(GateTapeSubscribed, ReasonTapeMissing, nil, nil)
		return nil
	}
	pass(GateTapeSubscribed)

	// Gate 3: tape warm-up.
	tradesInWindow := bk.TradesInWindow(nowMs, c.cfg.WarmupWindowMs)
	if tradesInWindow < c.cfg.WarmupMinTrades {
		fail(GateTapeWarmup, ReasonTapeNotWarmedUp, nil, map[string]any{
			"trades_in_window": tradesInWindow,
			"min_trades":       c.cfg.WarmupMinTrades,
			"window_ms":        c.cfg.WarmupWindowMs,
		})
		return nil
	}
	pass(GateTapeWarmup)

	// Gate 4: tape and depth staleness, on the receipt clock.
	if nowMs-bk.LastTapeReceiptMs() > c.cfg.TapeStaleAfterMs {
		fail(GateTapeFresh, ReasonTapeStale, nil, map[string]any{"tape_age_ms": nowMs - bk.LastTapeReceiptMs()})
		return nil
	}
	pass(GateTapeFresh)
	if nowMs-bk.LastDepthUpdateMs() > c.cfg.DepthStaleAfterMs {
		fail(GateDepthFresh, ReasonDepthStale, nil, map[string]any{"depth_age_ms": nowMs - bk.LastDepthUpdateMs()})
		return nil
	}
	pass(GateDepthFresh)

	// Gate 5: depth presence.
	if !c.membership.DepthSubscribed(symbol) {
		fail(GateDepthSubscribed, ReasonNoDepth, nil, nil)
		return nil
	}
	pass(GateDepthSubscribed)

	// All hard gates passed: compute metrics and run the soft layer.
	observed := c.observe(bk, nowMs)
	snap := bk.Snapshot()
	score := 0.0
	components := make(map[string]float64, len(c.validators))
	var rejectReason string
	for _, v := range c.validators {
		component, reject := v.Evaluate(snap, observed)
		components[v.Name()] = component
		score += component
		passed := reject == ""
		trace = append(trace, journal.GateResult{Gate: v.Name(), Passed: passed})
		if !passed && rejectReason == "" {
			rejectReason = reject
		}
	}
	inputs := &journal.InputsSnapshot{Score: score, Components: components}

	if rejectReason != "" {
		c.emit(ctx, nowMs, &journal.Record{
			SchemaVersion:   journal.SchemaVersion,
			DecisionID:      uuid.NewString(),
			SessionID:       c.sessionID,
			Symbol:          symbol,
			TimestampUTC:    time.UnixMilli(nowMs).UTC(),
			Outcome:         journal.OutcomeRejected,
			RejectionReason: rejectReason,
			ObservedMetrics: observed,
			DecisionInputs:  inputs,
			DecisionTrace:   trace,
		})
		return nil
	}

	return &Candidate{
		DecisionID: uuid.NewString(),
		Symbol:     symbol,
		Score:      score,
		StagedMs:   nowMs,
		record: &journal.Record{
			SchemaVersion:   journal.SchemaVersion,
			SessionID:       c.sessionID,
			Symbol:          symbol,
			ObservedMetrics: observed,
			DecisionInputs:  inputs,
			DecisionTrace:   trace,
		},
	}
}

// FinalizeCandidate writes the pending record with the arbitration
// outcome. reason is empty on acceptance and a scarcity code otherwise.
func (c *Coordinator) FinalizeCandidate(ctx context.Context, nowMs int64, cand *Candidate, accepted bool, reason string) {
	rec := cand.record
	rec.DecisionID = cand.DecisionID
	rec.TimestampUTC = time.UnixMilli(nowMs).UTC()
	if accepted {
		rec.Outcome = journal.OutcomeAccepted
	} else {
		rec.Outcome = journal.OutcomeRejected
		rec.RejectionReason = reason
	}
	c.write(ctx, rec)
	c.noteEmit(cand.Symbol, rec.RejectionReason, nowMs)
}

// allowEvaluation enforces the per-symbol throttle using the caller's
// clock, so replays are deterministic.
func (c *Coordinator) allowEvaluation(symbol string, nowMs int64) bool {
	c.mu.Lock()
	lim, ok := c.throttles[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Duration(c.cfg.ThrottleMs)*time.Millisecond), 1)
		c.throttles[symbol] = lim
	}
	c.mu.Unlock()
	return lim.AllowN(time.UnixMilli(nowMs), 1)
}

// emit journals a terminal rejection unless the same (symbol, reason)
// already emitted within the suppression window. A changed reason always
// emits immediately.
func (c *Coordinator) emit(ctx context.Context, nowMs int64, rec *journal.Record) {
	c.mu.Lock()
	st := c.suppressed[rec.Symbol]
	if st != nil && st.lastReason == rec.RejectionReason &&
		nowMs-st.lastEmitMs < c.cfg.SuppressionWindowMs {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.write(ctx, rec)
	c.noteEmit(rec.Symbol, rec.RejectionReason, nowMs)
}

func (c *Coordinator) noteEmit(symbol, reason string, nowMs int64) {
	c.mu.Lock()
	c.suppressed[symbol] = &suppressState{lastReason: reason, lastEmitMs: nowMs}
	c.mu.Unlock()
}

func (c *Coordinator) write(ctx context.Context, rec *journal.Record) {
	if c.metrics != nil {
		c.metrics.Decision(rec.Outcome, rec.RejectionReason)
	}
	if err := c.journal.WriteDecision(ctx, rec); err != nil {
		log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("Decision journal write failed")
	}
	log.Debug().
		Str("symbol", rec.Symbol).
		Str("outcome", rec.Outcome).
		Str("reason", rec.RejectionReason).
		Msg("Decision recorded")
}

// observe snapshots the observable market state for the audit record.
func (c *Coordinator) observe(bk *book.Book, nowMs int64) *journal.MetricsSnapshot {
	m := &journal.MetricsSnapshot{
		TradesInWindow: bk.TradesInWindow(nowMs, c.cfg.WarmupWindowMs),
		TapeAgeMs:      nowMs - bk.LastTapeReceiptMs(),
		DepthAgeMs:     nowMs - bk.LastDepthUpdateMs(),
		BidTopSizeSum:  bk.TopSizeSum(book.Bid, 3),
		AskTopSizeSum:  bk.TopSizeSum(book.Ask, 3),
	}
	if bid, ok := bk.BestBid(); ok {
		m.BestBid = bid.Price
	}
	if ask, ok := bk.BestAsk(); ok {
		m.BestAsk = ask.Price
	}
	if spread, ok := bk.Spread(); ok {
		m.Spread = spread
	}
	return m
}
