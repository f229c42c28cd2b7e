package subs

import (
	"context"

	"github.com/quantfeed/tapegate/internal/journal"
)

// Provider error codes the scheduler reacts to. Anything else is logged
// and ignored.
const (
	// CodeDepthNotSupported: deep market data is not supported for this
	// kind of security / routing.
	CodeDepthNotSupported = 10092
	// CodeTickCapExceeded: the platform-wide tick-by-tick request cap
	// was reached. Not a per-symbol defect.
	CodeTickCapExceeded = 10190
)

// Funnel tier names used in summaries and refresh records.
const (
	TierCandidate = "candidate"
	TierEligible  = "eligible"
	TierProbe     = "probe"
	TierActive    = "active"
)

// Exclusion reasons attached to refresh-record samples.
const (
	ExclClassifyFailed   = "ClassifyFailed"
	ExclNotCommonStock   = "NotCommonStock"
	ExclLineCapReached   = "LineCapReached"
	ExclSubscribeFailed  = "SubscribeFailed"
	ExclCooldown         = "Cooldown"
	ExclNoDepthSlot      = "NoDepthSlot"
	ExclTickCapReached   = "TickCapReached"
	ExclDepthSubFailed   = "DepthSubscribeFailed"
	ExclTickEnableFailed = "TickEnableFailed"
	ExclFocusRotated     = "FocusRotated"
)

// Transport is the callback contract supplied by the connection layer.
// Every call is asynchronous I/O under the hood; a false/zero result
// means "did not happen" and the scheduler retries on the next cycle
// instead of treating it as fatal.
type Transport struct {
	Subscribe         func(ctx context.Context, symbol string, requestDepth bool) (int64, bool)
	Unsubscribe       func(ctx context.Context, symbol string) bool
	EnableTickByTick  func(ctx context.Context, symbol string) (int64, bool)
	DisableTickByTick func(ctx context.Context, symbol string) bool
	DisableDepth      func(ctx context.Context, symbol string) bool
	// SubscribeDepthOn re-requests depth against a specific venue;
	// used only by the primary-exchange retry protocol. Optional.
	SubscribeDepthOn func(ctx context.Context, symbol, exchange string) (int64, bool)
}

// DepthRetryPlan proposes re-requesting depth on the instrument's listed
// primary exchange after a first "depth unsupported" error. Many such
// errors are smart-routing artifacts rather than entitlement gaps, so
// only a second failure marks the symbol ineligible.
type DepthRetryPlan struct {
	Symbol   string
	Exchange string
}

// FocusRotationConfig gates the idle-slot eviction pass.
type FocusRotationConfig struct {
	Enabled     bool  `yaml:"enabled"`
	TapeIdleMs  int64 `yaml:"tape_idle_ms"`
	DepthIdleMs int64 `yaml:"depth_idle_ms"`
	MinDwellMs  int64 `yaml:"min_dwell_ms"`
}

// Config holds the scheduler's resource limits. The caps default to the
// platform's line limits and are operational tuning, not derived values.
type Config struct {
	MaxLines      int   `yaml:"max_lines"`       // total market-data lines (tape tier)
	MaxDepthSlots int   `yaml:"max_depth_slots"` // full-depth evaluation slots
	MaxTickByTick int   `yaml:"max_tick_by_tick"`
	CooldownMs    int64 `yaml:"cooldown_ms"` // ineligibility window after a confirmed depth failure
	SampleLimit   int   `yaml:"sample_limit"`

	FocusRotation FocusRotationConfig `yaml:"focus_rotation"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLines:      90,
		MaxDepthSlots: 3,
		MaxTickByTick: 8,
		CooldownMs:    10 * 60 * 1000,
		SampleLimit:   20,
		FocusRotation: FocusRotationConfig{
			Enabled:     false,
			TapeIdleMs:  90 * 1000,
			DepthIdleMs: 90 * 1000,
			MinDwellMs:  5 * 60 * 1000,
		},
	}
}

// RefreshSummary is the outcome of one ApplyUniverse pass.
type RefreshSummary struct {
	CycleID    string
	Candidates int
	Eligible   int
	Probe      int
	Active     int
	TickByTick int
	Sample     []journal.CandidateOutcome
}

// Mirror publishes the active-universe snapshot to an external store for
// operator tooling. Implementations must tolerate being nil-wrapped.
type Mirror interface {
	PublishActive(ctx context.Context, symbols []string) error
}

// subState is the live subscription bookkeeping for one symbol.
type subState struct {
	symbol string
	conid  int64

	primaryExchange string
	depthExchange   string

	tapeEnabled  bool
	depthEnabled bool
	tickEnabled  bool

	tapeReqID  int64
	depthReqID int64
	tickReqID  int64

	lastTapeMs  int64
	lastDepthMs int64

	// dwellSinceMs marks entry into the current depth tier; symbols are
	// protected from focus-rotation eviction until the dwell elapses.
	dwellSinceMs int64
}

func (st *subState) active() bool {
	return st.tapeEnabled && st.depthEnabled && st.tickEnabled
}
