package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/tapegate/internal/book"
)

type fakeSource struct {
	active map[string]struct{}
	books  map[string]book.Snapshot
}

func (f *fakeSource) ActiveSnapshot() map[string]struct{} { return f.active }
func (f *fakeSource) BookSnapshot(symbol string) (book.Snapshot, bool) {
	snap, ok := f.books[symbol]
	return snap, ok
}

func newTestServer() (*Server, *fakeSource) {
	src := &fakeSource{
		active: map[string]struct{}{"ACME": {}, "OTHR": {}},
		books: map[string]book.Snapshot{
			"ACME": {
				Symbol: "ACME",
				Bids:   []book.Level{{Price: 10.00, Size: 100, UpdatedMs: 1000}},
				Asks:   []book.Level{{Price: 10.05, Size: 120, UpdatedMs: 1000}},
			},
		},
	}
	return New(":0", src, nil), src
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["active"])
}

func TestActive_SortedSymbols(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/active")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Symbols []string `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"ACME", "OTHR"}, body.Symbols)
}

func TestBook_FoundAndMissing(t *testing.T) {
	s, _ := newTestServer()

	rec := do(t, s, http.MethodGet, "/symbols/ACME/book")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap book.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "ACME", snap.Symbol)
	require.Len(t, snap.Bids, 1)
	assert.InDelta(t, 10.00, snap.Bids[0].Price, 1e-9)

	rec = do(t, s, http.MethodGet, "/symbols/NOPE/book")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
