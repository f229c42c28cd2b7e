// Package subs triages the raw symbol universe down through the
// candidate → eligible → probe → active funnel under the platform's
// market-data line limits, and reacts to asynchronous provider errors by
// downgrading and cooling down symbols.
package subs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/tapegate/internal/eligibility"
	"github.com/quantfeed/tapegate/internal/journal"
	"github.com/quantfeed/tapegate/internal/metrics"
)

// Scheduler owns the funnel state. Its two mutating call sites, the
// periodic refresh pass and the provider error handler, serialize on
// one mutex; mutation frequency is seconds, not microseconds.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	classifier eligibility.Classifier
	elig       *eligibility.Cache

	subs        map[string]*subState
	reqToSymbol map[int64]string

	// activeSnapshot holds map[string]struct{}; replaced wholesale so
	// readers never observe a half-updated set.
	activeSnapshot atomic.Value

	mirror  Mirror
	metrics *metrics.Registry
}

// NewScheduler wires the scheduler with its collaborators. mirror and
// reg may be nil.
func NewScheduler(cfg Config, classifier eligibility.Classifier, elig *eligibility.Cache, mirror Mirror, reg *metrics.Registry) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		classifier:  classifier,
		elig:        elig,
		subs:        make(map[string]*subState),
		reqToSymbol: make(map[int64]string),
		mirror:      mirror,
		metrics:     reg,
	}
	s.activeSnapshot.Store(map[string]struct{}{})
	return s
}

// ActiveSnapshot returns the last published active set. The map is
// shared and read-only.
func (s *Scheduler) ActiveSnapshot() map[string]struct{} {
	return s.activeSnapshot.Load().(map[string]struct{})
}

// TapeSubscribed reports whether symbol holds a live tape line.
func (s *Scheduler) TapeSubscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subs[symbol]
	return ok && st.tapeEnabled
}

// DepthSubscribed reports whether symbol holds a live depth stream.
func (s *Scheduler) DepthSubscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subs[symbol]
	return ok && st.depthEnabled
}

// NoteTapeActivity feeds focus rotation's idle tracking.
func (s *Scheduler) NoteTapeActivity(symbol string, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.subs[symbol]; ok && nowMs > st.lastTapeMs {
		st.lastTapeMs = nowMs
	}
}

// NoteDepthActivity feeds focus rotation's idle tracking.
func (s *Scheduler) NoteDepthActivity(symbol string, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.subs[symbol]; ok && nowMs > st.lastDepthMs {
		st.lastDepthMs = nowMs
	}
}

// ApplyUniverse reconciles the funnel against a fresh candidate set.
// Cancellation mid-pass leaves already-applied subscription changes in
// place; each individual call is safe to retry on the next cycle.
func (s *Scheduler) ApplyUniverse(ctx context.Context, nowMs int64, candidates []string, t Transport) (*RefreshSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type outcome struct {
		tier string
		excl string
	}
	outcomes := make(map[string]*outcome, len(candidates))
	ordered := make([]string, 0, len(candidates))

	// Tier 1 → 2: classification.
	eligible := make([]string, 0, len(candidates))
	eligibleSet := make(map[string]bool, len(candidates))
	for _, sym := range candidates {
		if _, seen := outcomes[sym]; seen {
			continue
		}
		o := &outcome{tier: TierCandidate}
		outcomes[sym] = o
		ordered = append(ordered, sym)

		inst, err := s.classifier.Classify(ctx, sym)
		if err != nil {
			o.excl = ExclClassifyFailed
			log.Debug().Str("symbol", sym).Err(err).Msg("Classification failed")
			continue
		}
		if !inst.CommonStock() {
			o.excl = ExclNotCommonStock
			continue
		}
		s.elig.Ensure(inst)
		o.tier = TierEligible
		eligible = append(eligible, sym)
		eligibleSet[sym] = true

		if st, ok := s.subs[sym]; ok {
			st.conid = inst.Conid
			st.primaryExchange = inst.PrimaryExchange
		} else {
			s.subs[sym] = &subState{
				symbol:          sym,
				conid:           inst.Conid,
				primaryExchange: inst.PrimaryExchange,
			}
		}
	}

	// Drop symbols that fell out of eligibility. Depth-active symbols
	// are never evicted mid-cycle except by hard invalidation.
	for sym, st := range s.subs {
		if eligibleSet[sym] || st.depthEnabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.finishPartial(ctx, nowMs, err)
		}
		if st.tapeEnabled {
			if !t.Unsubscribe(ctx, sym) {
				continue // retry next cycle
			}
			delete(s.reqToSymbol, st.tapeReqID)
		}
		delete(s.subs, sym)
	}

	// Tier 2 → 3: tape lines up to the platform cap.
	lines := 0
	for _, st := range s.subs {
		if st.tapeEnabled {
			lines++
		}
	}
	for _, sym := range eligible {
		st := s.subs[sym]
		if st.tapeEnabled {
			outcomes[sym].tier = TierProbe
			continue
		}
		if lines >= s.cfg.MaxLines {
			outcomes[sym].excl = ExclLineCapReached
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.finishPartial(ctx, nowMs, err)
		}
		id, ok := t.Subscribe(ctx, sym, false)
		if !ok {
			outcomes[sym].excl = ExclSubscribeFailed
			continue
		}
		st.tapeEnabled = true
		st.tapeReqID = id
		st.lastTapeMs = nowMs
		s.reqToSymbol[id] = sym
		lines++
		outcomes[sym].tier = TierProbe
	}

	// Free idle slots before promoting.
	var rotated map[string]bool
	if s.cfg.FocusRotation.Enabled {
		rotated = s.rotateFocus(ctx, nowMs, t)
	}

	// Tier 3 → 4: depth + tick-by-tick promotion.
	depthSlots, tickCount := 0, 0
	for _, st := range s.subs {
		if st.depthEnabled {
			depthSlots++
		}
		if st.tickEnabled {
			tickCount++
		}
	}
	for _, sym := range eligible {
		st := s.subs[sym]
		if !st.tapeEnabled {
			continue
		}
		if rotated[sym] {
			// Evicted this pass. The freed slot must go to a waiting
			// candidate, not straight back to the symbol that went idle.
			outcomes[sym].excl = ExclFocusRotated
			continue
		}
		if st.depthEnabled {
			// Held over from a previous cycle.
			if st.tickEnabled {
				outcomes[sym].tier = TierActive
				outcomes[sym].excl = ""
			}
			continue
		}
		if depthSlots >= s.cfg.MaxDepthSlots {
			outcomes[sym].excl = ExclNoDepthSlot
			continue
		}
		if tickCount >= s.cfg.MaxTickByTick {
			outcomes[sym].excl = ExclTickCapReached
			continue
		}
		if s.elig.Lookup(st.conid, sym, nowMs) == eligibility.Ineligible {
			outcomes[sym].excl = ExclCooldown
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.finishPartial(ctx, nowMs, err)
		}

		depthID, ok := t.Subscribe(ctx, sym, true)
		if !ok {
			outcomes[sym].excl = ExclDepthSubFailed
			continue
		}
		st.depthEnabled = true
		st.depthReqID = depthID
		st.depthExchange = "SMART"
		s.reqToSymbol[depthID] = sym

		tickID, ok := t.EnableTickByTick(ctx, sym)
		if !ok {
			// Depth and tick-by-tick are coupled: a symbol with one but
			// not the other never stays in the active set. Roll back the
			// depth promotion in the same pass.
			t.DisableDepth(ctx, sym)
			delete(s.reqToSymbol, depthID)
			st.depthEnabled = false
			st.depthReqID = 0
			st.depthExchange = ""
			outcomes[sym].excl = ExclTickEnableFailed
			continue
		}
		st.tickEnabled = true
		st.tickReqID = tickID
		st.dwellSinceMs = nowMs
		st.lastDepthMs = nowMs
		s.reqToSymbol[tickID] = sym
		depthSlots++
		tickCount++
		outcomes[sym].tier = TierActive
		outcomes[sym].excl = ""
	}

	s.publishActive(ctx)

	summary := &RefreshSummary{CycleID: uuid.NewString()}
	for _, sym := range ordered {
		o := outcomes[sym]
		summary.Candidates++
		switch o.tier {
		case TierEligible:
			summary.Eligible++
		case TierProbe:
			summary.Eligible++
			summary.Probe++
		case TierActive:
			summary.Eligible++
			summary.Probe++
			summary.Active++
		}
		if len(summary.Sample) < s.cfg.SampleLimit {
			summary.Sample = append(summary.Sample, journal.CandidateOutcome{
				Symbol:          sym,
				Tier:            o.tier,
				ExclusionReason: o.excl,
			})
		}
	}
	for _, st := range s.subs {
		if st.tickEnabled {
			summary.TickByTick++
		}
	}

	if s.metrics != nil {
		s.metrics.SetFunnel(summary.Candidates, summary.Eligible, summary.Probe, summary.Active, summary.TickByTick)
	}

	log.Info().
		Str("cycle_id", summary.CycleID).
		Int("candidates", summary.Candidates).
		Int("eligible", summary.Eligible).
		Int("probe", summary.Probe).
		Int("active", summary.Active).
		Int("tick_by_tick", summary.TickByTick).
		Str("eligibility", s.elig.Summary()).
		Msg("Universe refresh applied")

	return summary, nil
}

// HandleProviderError maps an asynchronous provider error onto a funnel
// transition. Unknown codes are observability-only. A returned retry
// plan asks the caller to re-request depth on the primary exchange.
func (s *Scheduler) HandleProviderError(ctx context.Context, nowMs int64, reqID int64, code int, msg string, t Transport) *DepthRetryPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.reqToSymbol[reqID]
	if !ok {
		log.Debug().Int64("req_id", reqID).Int("code", code).Str("msg", msg).
			Msg("Provider error for unknown request id ignored")
		return nil
	}
	st := s.subs[sym]
	if st == nil {
		return nil
	}

	if s.metrics != nil {
		s.metrics.ProviderError(code)
	}

	switch code {
	case CodeDepthNotSupported:
		s.demote(ctx, st, t)
		strikes := s.elig.AddDepthStrike(st.conid, sym, msg, time.UnixMilli(nowMs))
		if strikes == 1 && st.primaryExchange != "" && t.SubscribeDepthOn != nil {
			log.Info().Str("symbol", sym).Str("exchange", st.primaryExchange).
				Msg("Depth unsupported on smart route, offering primary-exchange retry")
			s.publishActive(ctx)
			return &DepthRetryPlan{Symbol: sym, Exchange: st.primaryExchange}
		}
		s.elig.MarkIneligible(st.conid, sym, msg, nowMs+s.cfg.CooldownMs)
		s.publishActive(ctx)
		return nil

	case CodeTickCapExceeded:
		// Platform-wide cap, not a per-symbol defect: downgrade without
		// touching eligibility.
		log.Warn().Str("symbol", sym).Msg("Tick-by-tick cap exceeded, demoting from active set")
		s.demote(ctx, st, t)
		s.publishActive(ctx)
		return nil

	default:
		log.Info().Str("symbol", sym).Int("code", code).Str("msg", msg).
			Msg("Unhandled provider error ignored")
		return nil
	}
}

// ApplyDepthRetry executes a retry plan. The symbol stays out of the
// active set if either step fails; the ordinary two-strike path handles
// a second depth error.
func (s *Scheduler) ApplyDepthRetry(ctx context.Context, nowMs int64, plan *DepthRetryPlan, t Transport) bool {
	if plan == nil || t.SubscribeDepthOn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.subs[plan.Symbol]
	if !ok || !st.tapeEnabled || st.depthEnabled {
		return false
	}
	depthID, ok := t.SubscribeDepthOn(ctx, plan.Symbol, plan.Exchange)
	if !ok {
		return false
	}
	st.depthEnabled = true
	st.depthReqID = depthID
	st.depthExchange = plan.Exchange
	s.reqToSymbol[depthID] = plan.Symbol

	tickID, ok := t.EnableTickByTick(ctx, plan.Symbol)
	if !ok {
		t.DisableDepth(ctx, plan.Symbol)
		delete(s.reqToSymbol, depthID)
		st.depthEnabled = false
		st.depthReqID = 0
		st.depthExchange = ""
		return false
	}
	st.tickEnabled = true
	st.tickReqID = tickID
	st.dwellSinceMs = nowMs
	s.reqToSymbol[tickID] = plan.Symbol
	s.publishActive(ctx)

	log.Info().Str("symbol", plan.Symbol).Str("exchange", plan.Exchange).
		Msg("Depth retry applied on primary exchange")
	return true
}

// rotateFocus evicts depth-active symbols whose tape and depth have both
// gone idle, once their minimum dwell has elapsed. Recently promoted
// symbols are protected so slots do not oscillate. The returned set lets
// the promotion loop keep the evicted symbols out of this pass, so the
// freed slots reach waiting candidates.
func (s *Scheduler) rotateFocus(ctx context.Context, nowMs int64, t Transport) map[string]bool {
	var evicted map[string]bool
	for sym, st := range s.subs {
		if !st.depthEnabled {
			continue
		}
		if nowMs-st.dwellSinceMs < s.cfg.FocusRotation.MinDwellMs {
			continue
		}
		tapeIdle := nowMs - st.lastTapeMs
		depthIdle := nowMs - st.lastDepthMs
		if tapeIdle < s.cfg.FocusRotation.TapeIdleMs || depthIdle < s.cfg.FocusRotation.DepthIdleMs {
			continue
		}
		log.Info().Str("symbol", sym).Int64("tape_idle_ms", tapeIdle).
			Int64("depth_idle_ms", depthIdle).Msg("Focus rotation evicting idle symbol")
		s.demote(ctx, st, t)
		if evicted == nil {
			evicted = make(map[string]bool)
		}
		evicted[sym] = true
	}
	return evicted
}

// demote cancels tick-by-tick and depth for a symbol, keeping its tape
// line. Caller holds the lock.
func (s *Scheduler) demote(ctx context.Context, st *subState, t Transport) {
	if st.tickEnabled {
		t.DisableTickByTick(ctx, st.symbol)
		delete(s.reqToSymbol, st.tickReqID)
		st.tickEnabled = false
		st.tickReqID = 0
	}
	if st.depthEnabled {
		t.DisableDepth(ctx, st.symbol)
		delete(s.reqToSymbol, st.depthReqID)
		st.depthEnabled = false
		st.depthReqID = 0
		st.depthExchange = ""
	}
}

// publishActive recomputes and atomically replaces the active snapshot.
// Caller holds the lock.
func (s *Scheduler) publishActive(ctx context.Context) {
	active := make(map[string]struct{})
	for sym, st := range s.subs {
		if st.active() {
			active[sym] = struct{}{}
		}
	}
	s.activeSnapshot.Store(active)

	if s.mirror != nil {
		symbols := make([]string, 0, len(active))
		for sym := range active {
			symbols = append(symbols, sym)
		}
		if err := s.mirror.PublishActive(ctx, symbols); err != nil {
			log.Warn().Err(err).Msg("Active snapshot mirror publish failed")
		}
	}
}

// finishPartial publishes whatever was applied before cancellation and
// surfaces the cancellation to the caller. Partial application is a
// documented outcome, not a bug: every transport call is idempotent-safe
// to retry on the next cycle.
func (s *Scheduler) finishPartial(ctx context.Context, nowMs int64, err error) (*RefreshSummary, error) {
	s.publishActive(ctx)
	log.Warn().Err(err).Int64("now_ms", nowMs).Msg("Universe refresh cancelled mid-pass")
	return nil, err
}
