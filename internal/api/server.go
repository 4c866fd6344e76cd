// Package api exposes the HTTP interface for the waterfall engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/metrics"
	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/pool"
	"github.com/sells-group/prospect-waterfall/internal/snapshot"
	"github.com/sells-group/prospect-waterfall/internal/store"
)

// Runner runs records through the waterfall.
type Runner interface {
	RunBatch(ctx context.Context, ids []string) ([]pool.Outcome, error)
}

// Records is the store surface the API reads and writes.
type Records interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error
	CampaignPaused(ctx context.Context, campaignID string) (bool, error)
}

// Balances reports spend ledger positions.
type Balances interface {
	Balance(ctx context.Context, scope ledger.Scope) (ledger.Balance, error)
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Runner    Runner
	Records   Records
	Ledger    Balances
	Snapshots *snapshot.Holder
}

// Options configures a Server.
type Options struct {
	CORSOrigins []string
	// MaxBatch caps the ids accepted by one enrich request.
	MaxBatch int
	Timeout  time.Duration
}

// Server wires HTTP handlers to the scheduler and store.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options

	// Background runs outlive the request that started them.
	base context.Context
	wg   sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. Runs accepted
// asynchronously use base as their context.
func NewServer(base context.Context, deps Deps, opts Options) *Server {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{deps: deps, opts: opts, base: base}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.Timeout))
		r.Post("/enrich", s.enrich)
		r.Route("/records/{id}", func(r chi.Router) {
			r.Get("/", s.getRecord)
			r.Get("/provenance", s.getProvenance)
		})
		r.Get("/ledger/{kind}/{id}", s.getBalance)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", s.getCampaign)
			r.Post("/pause", s.setPaused(true))
			r.Post("/resume", s.setPaused(false))
		})
		r.Get("/snapshot", s.getSnapshot)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every background run has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enrichRequest struct {
	IDs  []string `json:"ids"`
	Wait bool     `json:"wait"`
}

func (s *Server) enrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids := dedupe(req.IDs)
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	if len(ids) > s.opts.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too many ids")
		return
	}

	if req.Wait {
		out, err := s.deps.Runner.RunBatch(r.Context(), ids)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.deps.Runner.RunBatch(s.base, ids)
		if err != nil {
			zap.L().Error("api: enrich batch failed", zap.Int("records", len(ids)), zap.Error(err))
			return
		}
		zap.L().Info("api: enrich batch complete", zap.Int("records", len(out)))
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "records": len(ids)})
}

func (s *Server) loadRecord(w http.ResponseWriter, r *http.Request) (*model.Record, bool) {
	rec, err := s.deps.Records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rec, true
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.loadRecord(w, r); ok {
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) getProvenance(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecord(w, r)
	if !ok {
		return
	}
	trail := model.BuildTrail(rec)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(trail.Format()))
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	scope, err := ledger.ParseScope(chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.deps.Ledger.Balance(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paused, err := s.deps.Records.CampaignPaused(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "paused": paused})
}

func (s *Server) setPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.deps.Records.SetCampaignPaused(r.Context(), id, paused); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		zap.L().Info("api: campaign pause flag set", zap.String("campaign_id", id), zap.Bool("paused", paused))
		writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "paused": paused})
	}
}

func (s *Server) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	var cur *snapshot.Snapshot
	if s.deps.Snapshots != nil {
		cur = s.deps.Snapshots.Current()
	}
	if cur == nil {
		writeError(w, http.StatusServiceUnavailable, "no snapshot loaded")
		return
	}
	tiers := make([]string, 0, len(cur.Plan.Tiers))
	for _, t := range cur.Plan.Tiers {
		tiers = append(tiers, t.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         cur.Version,
		"plan_version":    cur.Plan.Version,
		"weights_version": cur.Weights.Version,
		"budgets_version": cur.Budgets.Version,
		"rulesets":        cur.Book().Names(),
		"tiers":           tiers,
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
