package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.Gather().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestSetFunnel_GaugesPerTier(t *testing.T) {
	r := NewRegistry()
	r.SetFunnel(120, 80, 60, 3, 3)

	mf := gatherFamily(t, r, "tapegate_funnel_symbols")
	require.NotNil(t, mf)

	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "tier")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"candidate":    120,
		"eligible":     80,
		"probe":        60,
		"active":       3,
		"tick_by_tick": 3,
	}, got)
}

func TestDecisionAndProviderErrorCounters(t *testing.T) {
	r := NewRegistry()
	r.Decision("NotReady", "NotReady_TapeNotWarmedUp")
	r.Decision("NotReady", "NotReady_TapeNotWarmedUp")
	r.Decision("Accepted", "")
	r.ProviderError(10092)

	mf := gatherFamily(t, r, "tapegate_decisions_total")
	require.NotNil(t, mf)
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "reason")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(2), counts["NotReady_TapeNotWarmedUp"])
	assert.Equal(t, float64(1), counts[""])

	mf = gatherFamily(t, r, "tapegate_provider_errors_total")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, "10092", labelValue(mf.GetMetric()[0], "code"))
}

func TestObserveApply_HistogramCounts(t *testing.T) {
	r := NewRegistry()
	r.ObserveApply("applied", 2*time.Microsecond)
	r.ObserveApply("applied", 8*time.Microsecond)
	r.ObserveApply("dropped_malformed", time.Microsecond)

	mf := gatherFamily(t, r, "tapegate_depth_apply_seconds")
	require.NotNil(t, mf)
	for _, m := range mf.GetMetric() {
		switch labelValue(m, "result") {
		case "applied":
			assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
		case "dropped_malformed":
			assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
		}
	}
}

func TestObserveTapeSkew_HistogramSumAndCount(t *testing.T) {
	r := NewRegistry()
	r.ObserveTapeSkew(1000, 1040)
	r.ObserveTapeSkew(2000, 2010)

	mf := gatherFamily(t, r, "tapegate_tape_event_skew_seconds")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 1)
	h := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.05, h.GetSampleSum(), 1e-9)
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.BookReset("ACME")

	mf := gatherFamily(t, b, "tapegate_book_resets_total")
	if mf != nil {
		assert.Empty(t, mf.GetMetric(), "instances must not share state")
	}
}

func TestHandlerServesText(t *testing.T) {
	r := NewRegistry()
	r.FeedConnected.Set(1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tapegate_feed_connected 1")
}
