package book

import (
	"github.com/rs/zerolog/log"
)

// Validity reasons returned by Valid. Each one identifies exactly one
// failed condition so tests and log scans can match on them.
const (
	ReasonNoBestBid      = "NoBestBid"
	ReasonNoBestAsk      = "NoBestAsk"
	ReasonNoBidSize      = "NoBidSize"
	ReasonNoAskSize      = "NoAskSize"
	ReasonCrossedBook    = "CrossedBook"
	ReasonLockedBook     = "LockedBook"
	ReasonSpreadTooWide  = "SpreadTooWide"
	ReasonDepthStale     = "DepthStale"
)

// Config holds the tuned thresholds for book reconstruction. These are
// operational defaults, not derived constants; override them in YAML.
type Config struct {
	MaxDepth          int     `yaml:"max_depth"`            // levels kept per side
	TradeRingSize     int     `yaml:"trade_ring_size"`      // recent prints retained
	PositionSlack     int     `yaml:"position_slack"`       // slots tolerated beyond max depth before a drop
	ResetJumpDollars  float64 `yaml:"reset_jump_dollars"`   // best-price jump treated as a feed resync
	MaxSpreadDollars  float64 `yaml:"max_spread_dollars"`   // spread band upper bound
	DepthStaleAfterMs int64   `yaml:"depth_stale_after_ms"` // receipt-clock depth staleness
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          10,
		TradeRingSize:     512,
		PositionSlack:     5,
		ResetJumpDollars:  0.10,
		MaxSpreadDollars:  0.20,
		DepthStaleAfterMs: 2000,
	}
}

// Book reconstructs one symbol's depth and tape from the positional
// feed. It is not internally synchronized: the transport layer delivers
// at most one mutation per symbol at a time, and that single-mutator
// contract is what makes the lock unnecessary.
type Book struct {
	symbol string
	cfg    Config

	bids []Level
	asks []Level

	trades *tradeRing

	lastUpdateMs        int64
	lastDepthUpdateMs   int64
	lastTapeReceiptMs   int64
	lastLevel1ReceiptMs int64

	resetCount  int
	lastResetMs int64
	dropped     int
}

// New creates an empty book for symbol.
func New(symbol string, cfg Config) *Book {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.TradeRingSize <= 0 {
		cfg.TradeRingSize = DefaultConfig().TradeRingSize
	}
	return &Book{
		symbol: symbol,
		cfg:    cfg,
		bids:   make([]Level, 0, cfg.MaxDepth),
		asks:   make([]Level, 0, cfg.MaxDepth),
		trades: newTradeRing(cfg.TradeRingSize),
	}
}

func (b *Book) Symbol() string { return b.symbol }

// ApplyDepthUpdate applies one positional mutation at receiptMs. Bad
// updates are dropped, never applied partially, and the book keeps its
// last valid state.
func (b *Book) ApplyDepthUpdate(side Side, op Operation, position int, price, size float64, receiptMs int64) ApplyResult {
	if position < 0 || position > b.cfg.MaxDepth+b.cfg.PositionSlack || price < 0 || size < 0 {
		b.dropped++
		log.Debug().Str("symbol", b.symbol).Str("side", side.String()).
			Int("position", position).Float64("price", price).Float64("size", size).
			Msg("Malformed depth update dropped")
		return DroppedMalformed
	}

	// Some feed paths signal removal as an update carrying zero price and
	// zero size. Normalize here so the ambiguity never leaks downstream.
	if price == 0 && size == 0 {
		op = Delete
	}

	if op != Delete && position == 0 && b.crosses(side, price) {
		b.dropped++
		log.Debug().Str("symbol", b.symbol).Str("side", side.String()).
			Float64("price", price).Msg("Crossing quote rejected")
		return DroppedCrossed
	}

	result := Applied
	if op == Insert && position == 0 && b.isReset(side, price) {
		b.clearSide(side)
		b.resetCount++
		b.lastResetMs = receiptMs
		result = AppliedAfterReset
		log.Debug().Str("symbol", b.symbol).Str("side", side.String()).
			Float64("price", price).Int("reset_count", b.resetCount).
			Msg("Book side reset on discontinuous best price")
	}

	levels := b.side(side)
	lvl := Level{Price: price, Size: size, UpdatedMs: receiptMs}

	switch op {
	case Insert:
		levels = padTo(levels, position, receiptMs)
		levels = append(levels, Level{})
		copy(levels[position+1:], levels[position:])
		levels[position] = lvl
	case Update:
		levels = padTo(levels, position+1, receiptMs)
		levels[position] = lvl
	case Delete:
		if position < len(levels) {
			levels = append(levels[:position], levels[position+1:]...)
		}
	}

	if len(levels) > b.cfg.MaxDepth {
		levels = levels[:b.cfg.MaxDepth]
	}
	b.setSide(side, levels)

	b.touch(&b.lastUpdateMs, receiptMs)
	b.touch(&b.lastDepthUpdateMs, receiptMs)
	if position == 0 {
		b.touch(&b.lastLevel1ReceiptMs, receiptMs)
	}
	return result
}

// RecordTrade appends one print to the tape ring.
func (b *Book) RecordTrade(eventMs, receiptMs int64, price, size float64) bool {
	if price <= 0 || size <= 0 {
		b.dropped++
		log.Debug().Str("symbol", b.symbol).Float64("price", price).
			Float64("size", size).Msg("Malformed trade print dropped")
		return false
	}
	b.trades.push(Trade{EventMs: eventMs, ReceiptMs: receiptMs, Price: price, Size: size})
	b.touch(&b.lastUpdateMs, receiptMs)
	b.touch(&b.lastTapeReceiptMs, receiptMs)
	return true
}

// Valid is the single authoritative validity check. Downstream code must
// call it rather than re-derive validity from accessors.
func (b *Book) Valid(nowMs int64) (bool, string) {
	if len(b.bids) == 0 || b.bids[0].Price <= 0 {
		return false, ReasonNoBestBid
	}
	if len(b.asks) == 0 || b.asks[0].Price <= 0 {
		return false, ReasonNoBestAsk
	}
	if b.bids[0].Size <= 0 {
		return false, ReasonNoBidSize
	}
	if b.asks[0].Size <= 0 {
		return false, ReasonNoAskSize
	}
	bid, ask := b.bids[0].Price, b.asks[0].Price
	if bid > ask {
		return false, ReasonCrossedBook
	}
	if bid == ask {
		return false, ReasonLockedBook
	}
	if ask-bid > b.cfg.MaxSpreadDollars {
		return false, ReasonSpreadTooWide
	}
	if nowMs-b.lastDepthUpdateMs > b.cfg.DepthStaleAfterMs {
		return false, ReasonDepthStale
	}
	return true, ""
}

// BestBid returns the position-0 bid when its size is strictly positive.
func (b *Book) BestBid() (Level, bool) {
	if len(b.bids) == 0 || b.bids[0].Size <= 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the position-0 ask when its size is strictly positive.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.asks) == 0 || b.asks[0].Size <= 0 {
		return Level{}, false
	}
	return b.asks[0], true
}

// Spread returns best-ask minus best-bid when both tops are usable.
func (b *Book) Spread() (float64, bool) {
	bb, okB := b.BestBid()
	ba, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ba.Price - bb.Price, true
}

// TopSizeSum sums displayed size over the first n levels of a side.
func (b *Book) TopSizeSum(side Side, n int) float64 {
	levels := b.side(side)
	if n > len(levels) {
		n = len(levels)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += levels[i].Size
	}
	return sum
}

// LevelAges returns per-level receipt ages in milliseconds.
func (b *Book) LevelAges(side Side, nowMs int64) []int64 {
	levels := b.side(side)
	ages := make([]int64, len(levels))
	for i, lvl := range levels {
		ages[i] = nowMs - lvl.UpdatedMs
	}
	return ages
}

// TradesInWindow counts prints received within the last windowMs.
func (b *Book) TradesInWindow(nowMs, windowMs int64) int {
	return b.trades.countSince(nowMs - windowMs)
}

func (b *Book) Depth(side Side) int           { return len(b.side(side)) }
func (b *Book) LastUpdateMs() int64           { return b.lastUpdateMs }
func (b *Book) LastDepthUpdateMs() int64      { return b.lastDepthUpdateMs }
func (b *Book) LastTapeReceiptMs() int64      { return b.lastTapeReceiptMs }
func (b *Book) LastLevel1ReceiptMs() int64    { return b.lastLevel1ReceiptMs }
func (b *Book) ResetCount() int               { return b.resetCount }
func (b *Book) LastResetMs() int64            { return b.lastResetMs }
func (b *Book) DroppedUpdates() int           { return b.dropped }

// Snapshot copies the current state for read-only consumers.
func (b *Book) Snapshot() Snapshot {
	return Snapshot{
		Symbol:            b.symbol,
		Bids:              append([]Level(nil), b.bids...),
		Asks:              append([]Level(nil), b.asks...),
		RecentTrades:      b.trades.recent(b.trades.len()),
		LastUpdateMs:      b.lastUpdateMs,
		LastDepthUpdateMs: b.lastDepthUpdateMs,
		LastTapeReceiptMs: b.lastTapeReceiptMs,
		ResetCount:        b.resetCount,
	}
}

func (b *Book) side(s Side) []Level {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

func (b *Book) setSide(s Side, levels []Level) {
	if s == Bid {
		b.bids = levels
	} else {
		b.asks = levels
	}
}

func (b *Book) clearSide(s Side) {
	if s == Bid {
		b.bids = b.bids[:0]
	} else {
		b.asks = b.asks[:0]
	}
}

// crosses reports whether a new position-0 quote on side would cross or
// lock against the opposite top.
func (b *Book) crosses(side Side, price float64) bool {
	if side == Bid {
		if ba, ok := b.BestAsk(); ok {
			return price >= ba.Price
		}
		return false
	}
	if bb, ok := b.BestBid(); ok {
		return price <= bb.Price
	}
	return false
}

// isReset treats a position-0 insert as a feed resynchronization when it
// arrives against an empty side or jumps the best price beyond the
// configured threshold.
func (b *Book) isReset(side Side, price float64) bool {
	levels := b.side(side)
	if len(levels) == 0 {
		return true
	}
	diff := price - levels[0].Price
	if diff < 0 {
		diff = -diff
	}
	return diff > b.cfg.ResetJumpDollars
}

func (b *Book) touch(clock *int64, receiptMs int64) {
	if receiptMs > *clock {
		*clock = receiptMs
	}
}

// padTo extends levels with zero placeholders so an out-of-range
// position stays positionally aligned with the feed's view.
func padTo(levels []Level, n int, receiptMs int64) []Level {
	for len(levels) < n {
		levels = append(levels, Level{UpdatedMs: receiptMs})
	}
	return levels
}
