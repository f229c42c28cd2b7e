// Package journal defines the append-only audit records emitted by the
// decision pipeline and the sinks that persist them. Records are
// schema-versioned: consumers must never infer a version.
package journal

import (
	"context"
	"time"
)

// SchemaVersion stamps every record. Bump explicitly on shape changes.
const SchemaVersion = 1

// MetricsSnapshot is the observed-market side of a decision. A nil
// snapshot serializes as an explicit null, which by contract means "the
// failure happened before these inputs were trustworthy", distinct from
// a snapshot of zeros.
type MetricsSnapshot struct {
	BestBid        float64 `json:"best_bid"`
	BestAsk        float64 `json:"best_ask"`
	Spread         float64 `json:"spread"`
	BidTopSizeSum  float64 `json:"bid_top_size_sum"`
	AskTopSizeSum  float64 `json:"ask_top_size_sum"`
	TradesInWindow int     `json:"trades_in_window"`
	TapeAgeMs      int64   `json:"tape_age_ms"`
	DepthAgeMs     int64   `json:"depth_age_ms"`
}

// InputsSnapshot is the heuristic-scoring side of a decision.
type InputsSnapshot struct {
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
}

// GateResult is one step of the ordered decision trace.
type GateResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
}

// Decision outcomes.
const (
	OutcomeAccepted = "Accepted"
	OutcomeRejected = "Rejected"
	OutcomeNotReady = "NotReady"
)

// Record is one immutable audit entry for one terminal evaluation.
type Record struct {
	SchemaVersion   int              `json:"schema_version"`
	DecisionID      string           `json:"decision_id"`
	SessionID       string           `json:"session_id"`
	Symbol          string           `json:"symbol"`
	TimestampUTC    time.Time        `json:"timestamp_utc"`
	Outcome         string           `json:"outcome"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	ObservedMetrics *MetricsSnapshot `json:"observed_metrics"`
	DecisionInputs  *InputsSnapshot  `json:"decision_inputs"`
	DecisionTrace   []GateResult     `json:"decision_trace"`
	QualityFlags    map[string]any   `json:"quality_flags,omitempty"`
}

// CandidateOutcome is one sampled symbol in a refresh record, with the
// reason it did not reach the active tier (empty when it did).
type CandidateOutcome struct {
	Symbol          string `json:"symbol"`
	Tier            string `json:"tier"`
	ExclusionReason string `json:"exclusion_reason,omitempty"`
}

// RefreshRecord is the per-cycle universe audit snapshot.
type RefreshRecord struct {
	SchemaVersion  int                `json:"schema_version"`
	CycleID        string             `json:"cycle_id"`
	SessionID      string             `json:"session_id"`
	TimestampUTC   time.Time          `json:"timestamp_utc"`
	CandidateCount int                `json:"candidate_count"`
	EligibleCount  int                `json:"eligible_count"`
	ProbeCount     int                `json:"probe_count"`
	ActiveCount    int                `json:"active_count"`
	TickByTick     int                `json:"tick_by_tick_count"`
	Sample         []CandidateOutcome `json:"sample,omitempty"`
}

// Journaler persists audit records. Implementations must treat every
// record as immutable once written.
type Journaler interface {
	WriteDecision(ctx context.Context, rec *Record) error
	WriteRefresh(ctx context.Context, rec *RefreshRecord) error
	Close() error
}

// Nop discards everything; used in tests and dry runs.
type Nop struct{}

func (Nop) WriteDecision(context.Context, *Record) error       { return nil }
func (Nop) WriteRefresh(context.Context, *RefreshRecord) error { return nil }
func (Nop) Close() error                                       { return nil }
