// Package heuristics holds the soft validators run after the hard
// readiness gates: pattern checks on the book snapshot that can still
// reject a candidate while contributing score components for ranking.
package heuristics

import (
	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/gating"
	"github.com/quantfeed/tapegate/internal/journal"
)

// Soft rejection reason codes.
const (
	ReasonSpoofSuspicion         = "Rejected_SpoofSuspicion"
	ReasonReplenishment          = "Rejected_ReplenishmentSuspicion"
	ReasonAbsorptionInsufficient = "Rejected_AbsorptionInsufficient"
)

// Config tunes all three validators.
type Config struct {
	// Spoof: a far level larger than this multiple of the average
	// near-touch size is treated as likely non-bona-fide.
	SpoofFarSizeRatio float64 `yaml:"spoof_far_size_ratio"`
	SpoofNearLevels   int     `yaml:"spoof_near_levels"`

	// Replenishment: this many prints since the touch level last changed,
	// with its displayed size still at or above the floor, suggests an
	// iceberg refilling against the tape.
	ReplenishMinTrades int     `yaml:"replenish_min_trades"`
	ReplenishMinSize   float64 `yaml:"replenish_min_size"`

	// Absorption: traded volume must be at least this fraction of the
	// displayed size at the touch for the tape to be considered capable
	// of absorbing it.
	AbsorptionMinRatio float64 `yaml:"absorption_min_ratio"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SpoofFarSizeRatio:  4.0,
		SpoofNearLevels:    2,
		ReplenishMinTrades: 8,
		ReplenishMinSize:   500,
		AbsorptionMinRatio: 0.25,
	}
}

// Default returns the standard validator set in evaluation order.
func Default(cfg Config) []gating.Validator {
	return []gating.Validator{
		&SpoofSuspicion{cfg: cfg},
		&Replenishment{cfg: cfg},
		&Absorption{cfg: cfg},
	}
}

// SpoofSuspicion flags books where a single far level dwarfs the sizes
// near the touch. Large resting size that never risks execution is the
// classic spoof shape.
type SpoofSuspicion struct {
	cfg Config
}

func (v *SpoofSuspicion) Name() string { return "spoof_suspicion" }

func (v *SpoofSuspicion) Evaluate(snap book.Snapshot, _ *journal.MetricsSnapshot) (float64, string) {
	worst := 0.0
	for _, side := range [][]book.Level{snap.Bids, snap.Asks} {
		if ratio := farToNearRatio(side, v.cfg.SpoofNearLevels); ratio > worst {
			worst = ratio
		}
	}
	if worst > v.cfg.SpoofFarSizeRatio {
		return 0, ReasonSpoofSuspicion
	}
	if v.cfg.SpoofFarSizeRatio <= 0 {
		return 0, ""
	}
	// Cleaner books score higher, up to 3 points.
	return 3.0 * (1.0 - worst/v.cfg.SpoofFarSizeRatio), ""
}

func farToNearRatio(levels []book.Level, near int) float64 {
	if len(levels) <= near {
		return 0
	}
	nearSum := 0.0
	for i := 0; i < near; i++ {
		nearSum += levels[i].Size
	}
	if nearSum <= 0 {
		return 0
	}
	nearAvg := nearSum / float64(near)
	farMax := 0.0
	for _, lvl := range levels[near:] {
		if lvl.Size > farMax {
			farMax = lvl.Size
		}
	}
	return farMax / nearAvg
}

// Replenishment flags a touch level that keeps absorbing prints without
// its displayed size moving, the signature of hidden refill orders.
type Replenishment struct {
	cfg Config
}

func (v *Replenishment) Name() string { return "replenishment" }

func (v *Replenishment) Evaluate(snap book.Snapshot, _ *journal.MetricsSnapshot) (float64, string) {
	bid, okB := snap.BestBid()
	ask, okA := snap.BestAsk()
	if !okB || !okA {
		return 0, ""
	}
	for _, lvl := range []book.Level{bid, ask} {
		if lvl.Size < v.cfg.ReplenishMinSize {
			continue
		}
		if snap.TradesSince(lvl.UpdatedMs) >= v.cfg.ReplenishMinTrades {
			return 0, ReasonReplenishment
		}
	}
	return 2.0, ""
}

// Absorption requires the tape to show enough traded volume, relative to
// the displayed size at the touch, to believe the book can actually be
// eaten through rather than merely quoted at.
type Absorption struct {
	cfg Config
}

func (v *Absorption) Name() string { return "absorption" }

func (v *Absorption) Evaluate(snap book.Snapshot, _ *journal.MetricsSnapshot) (float64, string) {
	displayed := snap.TopSizeSum(book.Bid, 1) + snap.TopSizeSum(book.Ask, 1)
	if displayed <= 0 {
		return 0, ""
	}
	traded := 0.0
	for _, tr := range snap.RecentTrades {
		traded += tr.Size
	}
	ratio := traded / displayed
	if ratio < v.cfg.AbsorptionMinRatio {
		return 0, ReasonAbsorptionInsufficient
	}
	// More tape behind the displayed size scores higher, capped at 5.
	return 5.0 * ratio / (ratio + 1.0), ""
}
