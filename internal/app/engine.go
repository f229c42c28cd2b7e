// Package app assembles the engine: feed events flow into per-symbol
// books, each mutation triggers a gated evaluation, surviving candidates
// go through scarcity arbitration, and every terminal outcome lands in
// the journal.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/config"
	"github.com/quantfeed/tapegate/internal/eligibility"
	"github.com/quantfeed/tapegate/internal/feed"
	"github.com/quantfeed/tapegate/internal/gating"
	"github.com/quantfeed/tapegate/internal/heuristics"
	"github.com/quantfeed/tapegate/internal/journal"
	"github.com/quantfeed/tapegate/internal/metrics"
	"github.com/quantfeed/tapegate/internal/scarcity"
	"github.com/quantfeed/tapegate/internal/subs"
)

// Engine owns all long-lived state. It implements feed.Handler; the
// transport delivers events from a single goroutine, so book mutation is
// serial per symbol. The books mutex only shields the map and snapshot
// reads from the HTTP surface.
type Engine struct {
	cfg       config.Config
	sessionID string

	booksMu sync.RWMutex
	books   map[string]*book.Book

	scheduler   *subs.Scheduler
	coordinator *gating.Coordinator
	scarcity    *scarcity.Controller
	journal     journal.Journaler
	metrics     *metrics.Registry
	transport   subs.Transport

	pendingMu sync.Mutex
	pending   map[string]*gating.Candidate
}

// New wires an engine. classifier and transport come from the feed
// layer; mirror may be nil.
func New(cfg config.Config, classifier eligibility.Classifier, transport subs.Transport, j journal.Journaler, mirror subs.Mirror, reg *metrics.Registry) *Engine {
	sessionID := uuid.NewString()
	elig := eligibility.NewCache()
	scheduler := subs.NewScheduler(cfg.Subs, classifier, elig, mirror, reg)
	e := &Engine{
		cfg:       cfg,
		sessionID: sessionID,
		books:     make(map[string]*book.Book),
		scheduler: scheduler,
		scarcity:  scarcity.NewController(cfg.Scarcity),
		journal:   j,
		metrics:   reg,
		transport: transport,
		pending:   make(map[string]*gating.Candidate),
	}
	e.coordinator = gating.NewCoordinator(
		cfg.Gating, scheduler, heuristics.Default(cfg.Heuristics), j, reg, sessionID)

	log.Info().Str("session_id", sessionID).Msg("Engine assembled")
	return e
}

// SessionID returns the uuid stamped on every record this run.
func (e *Engine) SessionID() string { return e.sessionID }

// ActiveSnapshot exposes the scheduler's active set to the HTTP surface.
func (e *Engine) ActiveSnapshot() map[string]struct{} {
	return e.scheduler.ActiveSnapshot()
}

// BookSnapshot returns a detached copy of a symbol's book.
func (e *Engine) BookSnapshot(symbol string) (book.Snapshot, bool) {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return book.Snapshot{}, false
	}
	return b.Snapshot(), true
}

// OnDepth applies one positional mutation and re-evaluates the symbol.
func (e *Engine) OnDepth(ev feed.DepthEvent) {
	e.booksMu.Lock()
	b, ok := e.books[ev.Symbol]
	if !ok {
		b = book.New(ev.Symbol, e.cfg.Book)
		e.books[ev.Symbol] = b
	}
	start := time.Now()
	result := b.ApplyDepthUpdate(ev.Side, ev.Op, ev.Position, ev.Price, ev.Size, ev.ReceiptMs)
	e.booksMu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveApply(result.String(), time.Since(start))
		if result == book.AppliedAfterReset {
			e.metrics.BookReset(ev.Symbol)
		}
	}
	e.scheduler.NoteDepthActivity(ev.Symbol, ev.ReceiptMs)

	if result == book.Applied || result == book.AppliedAfterReset {
		e.evaluate(ev.Symbol, b, ev.ReceiptMs)
	}
}

// OnTrade records one tape print and re-evaluates the symbol.
func (e *Engine) OnTrade(ev feed.TradeEvent) {
	e.booksMu.Lock()
	b, ok := e.books[ev.Symbol]
	if !ok {
		b = book.New(ev.Symbol, e.cfg.Book)
		e.books[ev.Symbol] = b
	}
	b.RecordTrade(ev.EventMs, ev.ReceiptMs, ev.Price, ev.Size)
	e.booksMu.Unlock()

	if e.metrics != nil && ev.EventMs > 0 {
		e.metrics.ObserveTapeSkew(ev.EventMs, ev.ReceiptMs)
	}
	e.scheduler.NoteTapeActivity(ev.Symbol, ev.ReceiptMs)
	e.evaluate(ev.Symbol, b, ev.ReceiptMs)
}

// OnProviderError routes an asynchronous error through the scheduler,
// applying a primary-exchange depth retry when one is offered.
func (e *Engine) OnProviderError(ev feed.ErrorEvent) {
	ctx := context.Background()
	plan := e.scheduler.HandleProviderError(ctx, ev.ReceiptMs, ev.ReqID, ev.Code, ev.Message, e.transport)
	if plan != nil {
		e.scheduler.ApplyDepthRetry(ctx, ev.ReceiptMs, plan, e.transport)
	}
}

// evaluate runs the gate pipeline; a surviving candidate is staged for
// the rank window.
func (e *Engine) evaluate(symbol string, b *book.Book, nowMs int64) {
	cand := e.coordinator.Evaluate(context.Background(), nowMs, symbol, b)
	if cand == nil {
		return
	}
	e.pendingMu.Lock()
	e.pending[cand.DecisionID] = cand
	e.pendingMu.Unlock()
	e.scarcity.Stage(cand.DecisionID, cand.Symbol, cand.Score, nowMs)
}

// FlushRank resolves the rank window and finalizes every staged
// candidate's audit record.
func (e *Engine) FlushRank(ctx context.Context, nowMs int64, force bool) {
	outcomes := e.scarcity.Flush(nowMs, force)
	if outcomes == nil {
		return
	}
	for _, o := range outcomes {
		e.pendingMu.Lock()
		cand, ok := e.pending[o.ID]
		delete(e.pending, o.ID)
		e.pendingMu.Unlock()
		if !ok {
			continue
		}
		e.coordinator.FinalizeCandidate(ctx, nowMs, cand, o.Accepted, o.Reason)
		if o.Accepted {
			log.Info().Str("symbol", o.Symbol).Float64("score", o.Score).
				Msg("Signal accepted")
		}
	}
}

// RefreshUniverse runs one funnel reconciliation pass and journals the
// refresh record.
func (e *Engine) RefreshUniverse(ctx context.Context, nowMs int64) error {
	candidates, err := e.cfg.UniverseSymbols()
	if err != nil {
		return err
	}
	summary, err := e.scheduler.ApplyUniverse(ctx, nowMs, candidates, e.transport)
	if err != nil {
		return err
	}
	rec := &journal.RefreshRecord{
		SchemaVersion:  journal.SchemaVersion,
		CycleID:        summary.CycleID,
		SessionID:      e.sessionID,
		TimestampUTC:   time.UnixMilli(nowMs).UTC(),
		CandidateCount: summary.Candidates,
		EligibleCount:  summary.Eligible,
		ProbeCount:     summary.Probe,
		ActiveCount:    summary.Active,
		TickByTick:     summary.TickByTick,
		Sample:         summary.Sample,
	}
	if err := e.journal.WriteRefresh(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Refresh journal write failed")
	}
	return nil
}

// Run drives the periodic work until ctx is cancelled, then force-
// flushes the rank window so no staged candidate is lost on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.RefreshUniverse(ctx, time.Now().UnixMilli()); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Initial universe refresh failed")
	}

	refresh := time.NewTicker(time.Duration(e.cfg.Engine.RefreshIntervalMs) * time.Millisecond)
	defer refresh.Stop()
	flush := time.NewTicker(time.Duration(e.cfg.Engine.FlushIntervalMs) * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.FlushRank(shutdownCtx, time.Now().UnixMilli(), true)
			cancel()
			log.Info().Str("session_id", e.sessionID).Msg("Engine stopped")
			return ctx.Err()
		case <-refresh.C:
			if err := e.RefreshUniverse(ctx, time.Now().UnixMilli()); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Universe refresh failed")
			}
		case <-flush.C:
			e.FlushRank(ctx, time.Now().UnixMilli(), false)
		}
	}
}
