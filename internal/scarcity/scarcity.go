// Package scarcity is the final arbiter over accepted signals: per-day
// quotas, cooldowns since the last acceptance, and an optional rank
// window that surfaces only the strongest of several near-simultaneous
// candidates. All time arithmetic uses caller-supplied timestamps so
// replays produce identical counters.
package scarcity

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Rejection reason codes, reported in fixed evaluation order: the first
// failing check wins.
const (
	ReasonGlobalLimit    = "GlobalLimit"
	ReasonSymbolLimit    = "SymbolLimit"
	ReasonGlobalCooldown = "GlobalCooldown"
	ReasonSymbolCooldown = "SymbolCooldown"
	// ReasonRankedOut marks staged candidates that lost the rank window
	// without ever reaching a quota/cooldown evaluation.
	ReasonRankedOut = "RejectedRankedOut"
)

const msPerDay = 24 * 60 * 60 * 1000

// Config holds the arbitration limits.
type Config struct {
	MaxPerDayGlobal  int   `yaml:"max_per_day_global"`
	MaxPerDaySymbol  int   `yaml:"max_per_day_symbol"`
	GlobalCooldownMs int64 `yaml:"global_cooldown_ms"`
	SymbolCooldownMs int64 `yaml:"symbol_cooldown_ms"`
	RankWindowMs     int64 `yaml:"rank_window_ms"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerDayGlobal:  10,
		MaxPerDaySymbol:  2,
		GlobalCooldownMs: 5 * 60 * 1000,
		SymbolCooldownMs: 30 * 60 * 1000,
		RankWindowMs:     3 * 1000,
	}
}

type staged struct {
	id       string
	symbol   string
	score    float64
	stagedMs int64
	seq      int
}

// Outcome is the arbitration result for one staged candidate.
type Outcome struct {
	ID       string
	Symbol   string
	Score    float64
	Accepted bool
	Reason   string
}

// Controller tracks acceptance counters and the staged rank window. It
// is decoupled from book and subscription state: input is only
// (symbol, score, timestamp) tuples.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	day          int64
	globalCount  int
	symbolCounts map[string]int

	lastGlobalMs int64
	lastSymbolMs map[string]int64

	window        []staged
	windowStartMs int64
	seq           int
}

// NewController builds a controller with zeroed counters.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:          cfg,
		day:          -1,
		symbolCounts: make(map[string]int),
		lastSymbolMs: make(map[string]int64),
	}
}

// Evaluate checks symbol against quotas and cooldowns at nowMs. The
// caller must confirm with RecordAcceptance; Evaluate itself mutates
// nothing but the day rollover.
func (c *Controller) Evaluate(symbol string, score float64, nowMs int64) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluateLocked(symbol, nowMs)
}

// RecordAcceptance updates counters after a confirmed acceptance.
func (c *Controller) RecordAcceptance(symbol string, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(nowMs)
	c.globalCount++
	c.symbolCounts[symbol]++
	c.lastGlobalMs = nowMs
	c.lastSymbolMs[symbol] = nowMs
	log.Info().Str("symbol", symbol).Int("global_count", c.globalCount).
		Int("symbol_count", c.symbolCounts[symbol]).Msg("Signal acceptance recorded")
}

// Stage holds a candidate for the current rank window.
func (c *Controller) Stage(id, symbol string, score float64, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.window) == 0 {
		c.windowStartMs = nowMs
	}
	c.seq++
	c.window = append(c.window, staged{
		id: id, symbol: symbol, score: score, stagedMs: nowMs, seq: c.seq,
	})
}

// Flush resolves the rank window once it has been open for the
// configured duration (or immediately when forced). At most the single
// best candidate that also clears quotas and cooldowns is accepted;
// candidates evaluated and refused carry their quota reason, and
// candidates never evaluated are ranked out. A nil return means the
// window is still open.
func (c *Controller) Flush(nowMs int64, force bool) []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window) == 0 {
		return nil
	}
	if !force && nowMs-c.windowStartMs < c.cfg.RankWindowMs {
		return nil
	}

	// Score desc, then staged time asc, then insertion order. Fully
	// deterministic for replays.
	ranked := make([]staged, len(c.window))
	copy(ranked, c.window)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].stagedMs != ranked[j].stagedMs {
			return ranked[i].stagedMs < ranked[j].stagedMs
		}
		return ranked[i].seq < ranked[j].seq
	})

	outcomes := make([]Outcome, 0, len(ranked))
	winnerFound := false
	for _, s := range ranked {
		o := Outcome{ID: s.id, Symbol: s.symbol, Score: s.score}
		if winnerFound {
			o.Reason = ReasonRankedOut
		} else if ok, reason := c.evaluateLocked(s.symbol, nowMs); ok {
			o.Accepted = true
			winnerFound = true
			c.globalCount++
			c.symbolCounts[s.symbol]++
			c.lastGlobalMs = nowMs
			c.lastSymbolMs[s.symbol] = nowMs
		} else {
			o.Reason = reason
		}
		outcomes = append(outcomes, o)
	}

	log.Debug().Int("staged", len(ranked)).Bool("winner", winnerFound).
		Msg("Rank window flushed")

	c.window = c.window[:0]
	c.windowStartMs = 0
	return outcomes
}

func (c *Controller) evaluateLocked(symbol string, nowMs int64) (bool, string) {
	c.rollover(nowMs)
	if c.globalCount >= c.cfg.MaxPerDayGlobal {
		return false, ReasonGlobalLimit
	}
	if c.symbolCounts[symbol] >= c.cfg.MaxPerDaySymbol {
		return false, ReasonSymbolLimit
	}
	if c.lastGlobalMs != 0 && nowMs-c.lastGlobalMs < c.cfg.GlobalCooldownMs {
		return false, ReasonGlobalCooldown
	}
	if last, ok := c.lastSymbolMs[symbol]; ok && nowMs-last < c.cfg.SymbolCooldownMs {
		return false, ReasonSymbolCooldown
	}
	return true, ""
}

// rollover resets daily counters when the caller clock crosses a UTC day
// boundary. Cooldown anchors survive: they measure distance from the
// last acceptance, not the calendar.
func (c *Controller) rollover(nowMs int64) {
	day := nowMs / msPerDay
	if day != c.day {
		if c.day >= 0 {
			log.Info().Int64("day", day).Msg("Daily signal counters reset")
		}
		c.day = day
		c.globalCount = 0
		c.symbolCounts = make(map[string]int)
	}
}
