// Package httpapi serves the operational surface: health, Prometheus
// metrics, and read-only views of the active universe and its books.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/metrics"
)

// Source exposes the engine state the API reads. All methods must be
// safe for concurrent use.
type Source interface {
	ActiveSnapshot() map[string]struct{}
	BookSnapshot(symbol string) (book.Snapshot, bool)
}

// Server is the HTTP listener.
type Server struct {
	srv    *http.Server
	source Source
}

// New builds the server on addr.
func New(addr string, source Source, reg *metrics.Registry) *Server {
	s := &Server{source: source}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/active", s.handleActive).Methods(http.MethodGet)
	r.HandleFunc("/symbols/{symbol}/book", s.handleBook).Methods(http.MethodGet)
	if reg != nil {
		r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens in the background. Errors other than a clean shutdown
// are logged, not returned: the API is auxiliary to the engine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP API listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP API failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"active":  len(s.source.ActiveSnapshot()),
		"time_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	active := s.source.ActiveSnapshot()
	symbols := make([]string, 0, len(active))
	for sym := range active {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	snap, ok := s.source.BookSnapshot(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown symbol"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}
