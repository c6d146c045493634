// Package server exposes the ops HTTP API: health, Prometheus metrics, stored items
// and on-demand scrapes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/internal/store"
	"github.com/chenjianrui-111/trend-agent/pkg/scrape"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// Coordinator is the part of *scrape.Coordinator the server uses.
type Coordinator interface {
	Scrape(ctx context.Context, req scrape.Request) (scrape.Result, error)
	Health(ctx context.Context) map[string]source.Health
	QueueDepth(ctx context.Context) (int, error)
}

// Server provides the HTTP API.
type Server struct {
	coord    Coordinator
	store    store.Store
	gatherer prometheus.Gatherer
	port     int
	log      zerolog.Logger
}

// New creates a new HTTP server. A nil gatherer serves the default registry.
func New(coord Coordinator, s store.Store, gatherer prometheus.Gatherer, port int, log zerolog.Logger) *Server {
	if port == 0 {
		port = 9090
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		coord:    coord,
		store:    s,
		gatherer: gatherer,
		port:     port,
		log:      log,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/v1/items", s.handleItems)
	mux.HandleFunc("GET /api/v1/sources", s.handleSources)
	mux.HandleFunc("POST /api/v1/scrape", s.handleScrape)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status     string                   `json:"status"`
	QueueDepth int                      `json:"queue_size"`
	Sources    map[string]source.Health `json:"sources"`
	Error      string                   `json:"error,omitempty"`
}

// handleHealth reports "ok" when every source is healthy, "degraded" when some are not
// and 503 when the queue backend is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sources: s.coord.Health(r.Context())}
	for _, h := range resp.Sources {
		if h.Status != source.StatusHealthy {
			resp.Status = "degraded"
		}
	}

	depth, err := s.coord.QueueDepth(r.Context())
	if err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.QueueDepth = depth
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOpts{Platform: q.Get("source"), Limit: 100}
	if q.Get("order") == string(store.OrderHeat) {
		opts.Order = store.OrderHeat
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		opts.Since = t
	}

	items, err := s.store.ListItems(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountItemsByPlatform(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type sourceInfo struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
		Items  int    `json:"items"`
	}

	health := s.coord.Health(r.Context())
	infos := make([]sourceInfo, 0, len(health))
	for name, h := range health {
		infos = append(infos, sourceInfo{Name: name, Status: h.Status, Detail: h.Detail, Items: counts[name]})
	}
	slices.SortFunc(infos, func(a, b sourceInfo) int { return strings.Compare(a.Name, b.Name) })

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrape.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	res, err := s.coord.Scrape(r.Context(), req)
	switch {
	case errors.Is(err, scrape.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, scrape.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if s.store != nil && len(res.Items) > 0 {
		if err := s.store.UpsertItems(r.Context(), res.Items); err != nil {
			s.log.Warn().Err(err).Msg("store scraped items")
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
