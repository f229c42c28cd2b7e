package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileJournal_DecisionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	rec := &Record{
		SchemaVersion: SchemaVersion,
		DecisionID:    "6a1f0a8a-0000-0000-0000-000000000001",
		SessionID:     "6a1f0a8a-0000-0000-0000-000000000002",
		Symbol:        "ACME",
		TimestampUTC:  time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC),
		Outcome:       OutcomeNotReady,
		RejectionReason: "NotReady_TapeNotWarmedUp",
		DecisionTrace: []GateResult{
			{Gate: "book_valid", Passed: true},
			{Gate: "tape_subscribed", Passed: true},
			{Gate: "tape_warmup", Passed: false},
		},
		QualityFlags: map[string]any{"trades_in_window": 0},
	}
	require.NoError(t, j.WriteDecision(context.Background(), rec))

	var got Record
	readSingleLine(t, filepath.Join(dir, "decisions.jsonl"), &got)
	assert.Equal(t, rec.Symbol, got.Symbol)
	assert.Equal(t, rec.RejectionReason, got.RejectionReason)
	assert.Len(t, got.DecisionTrace, 3)
}

// The null-vs-absent distinction is a contract: a pre-metrics gate
// failure must serialize observed_metrics and decision_inputs as
// explicit nulls, not omit the keys.
func TestFileJournal_NilSnapshotsSerializeAsNull(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	rec := &Record{
		SchemaVersion: SchemaVersion,
		DecisionID:    "6a1f0a8a-0000-0000-0000-000000000003",
		SessionID:     "6a1f0a8a-0000-0000-0000-000000000004",
		Symbol:        "ACME",
		TimestampUTC:  time.Now().UTC(),
		Outcome:       OutcomeNotReady,
	}
	require.NoError(t, j.WriteDecision(context.Background(), rec))

	var raw map[string]json.RawMessage
	readSingleLine(t, filepath.Join(dir, "decisions.jsonl"), &raw)

	metrics, present := raw["observed_metrics"]
	require.True(t, present, "observed_metrics key must be present")
	assert.Equal(t, "null", string(metrics))

	inputs, present := raw["decision_inputs"]
	require.True(t, present, "decision_inputs key must be present")
	assert.Equal(t, "null", string(inputs))
}

func TestFileJournal_RefreshRecord(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	rec := &RefreshRecord{
		SchemaVersion:  SchemaVersion,
		CycleID:        "6a1f0a8a-0000-0000-0000-000000000005",
		SessionID:      "6a1f0a8a-0000-0000-0000-000000000006",
		TimestampUTC:   time.Now().UTC(),
		CandidateCount: 120,
		EligibleCount:  80,
		ProbeCount:     60,
		ActiveCount:    3,
		TickByTick:     3,
		Sample: []CandidateOutcome{
			{Symbol: "ACME", Tier: "active"},
			{Symbol: "OTHR", Tier: "probe", ExclusionReason: "NoDepthSlot"},
		},
	}
	require.NoError(t, j.WriteRefresh(context.Background(), rec))

	var got RefreshRecord
	readSingleLine(t, filepath.Join(dir, "refreshes.jsonl"), &got)
	assert.Equal(t, 120, got.CandidateCount)
	require.Len(t, got.Sample, 2)
	assert.Equal(t, "NoDepthSlot", got.Sample[1].ExclusionReason)
}

func readSingleLine(t *testing.T, path string, v any) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan(), "expected one journal line")
	require.NoError(t, json.Unmarshal(sc.Bytes(), v))
}
