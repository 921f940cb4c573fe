// Package server exposes the engine over HTTP: ingest, query, curation and
// a live websocket feed of new endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/queue"
	"github.com/PentesterFlow/ParamHarvest/internal/ratelimit"
	"github.com/PentesterFlow/ParamHarvest/internal/traffic"
	"github.com/PentesterFlow/ParamHarvest/internal/websocket"
	"github.com/PentesterFlow/ParamHarvest/pkg/harvester"
)

// eventBacklog is the number of recent events replayed to new subscribers.
const eventBacklog = 200

// Server serves the HTTP surface of one engine.
type Server struct {
	engine      *harvester.Engine
	hub         *websocket.Hub
	limiter     *ratelimit.Limiter
	log         *logger.Logger
	maxBody     int64
	unsubscribe func()
	http        *http.Server
}

// SubmitRequest is the body of POST /v1/submit.
type SubmitRequest struct {
	Origin  string `json:"origin"`
	Referer string `json:"referer"`
	Body    string `json:"body"`
	InScope bool   `json:"in_scope"`
}

// SubmitResponse reports whether the job was queued.
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// FalsePositiveRequest flags or unflags an endpoint (Origin and Value) or a
// parameter (Name).
type FalsePositiveRequest struct {
	Origin        string `json:"origin"`
	Value         string `json:"value"`
	Name          string `json:"name"`
	FalsePositive *bool  `json:"false_positive"`
}

// ManualEndpointRequest is the body of POST /v1/endpoints.
type ManualEndpointRequest struct {
	Value   string `json:"value"`
	Origin  string `json:"origin"`
	InScope bool   `json:"in_scope"`
}

// IgnoreRequest is the body of POST /v1/ignore.
type IgnoreRequest struct {
	Value string `json:"value"`
}

// MergeResponse is returned by POST /v1/merge.
type MergeResponse struct {
	Shape  string                `json:"shape"`
	Merged aggregate.MergeResult `json:"merged"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Engine  harvester.Stats        `json:"engine"`
	Events  websocket.HubStats     `json:"events"`
	Ingest  ratelimit.LimiterStats `json:"ingest"`
	Summary map[string]interface{} `json:"summary"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server for engine. Newly created endpoints are published to
// the websocket feed for as long as the server runs.
func New(engine *harvester.Engine) *Server {
	cfg := engine.Config()
	log := engine.Logger().WithComponent("server")

	s := &Server{
		engine:  engine,
		hub:     websocket.NewHub(eventBacklog, log),
		limiter: ratelimit.NewLimiter(cfg.Server.IngestRPS, cfg.Server.Burst),
		log:     log,
		// JSON escaping can double a body in the worst case.
		maxBody: int64(cfg.MaxBodyMB)<<21 + 4096,
	}
	s.unsubscribe = engine.Subscribe(func(rec aggregate.EndpointRecord) {
		s.hub.Publish(websocket.Event{Type: websocket.EventEndpoint, Data: rec})
	})
	return s
}

// Routes returns the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/submit", s.handleSubmit)
			r.Post("/traffic", s.handleTraffic)
			r.Post("/merge", s.handleMerge)
		})

		r.Get("/endpoints", s.handleEndpoints)
		r.Post("/endpoints", s.handleAddEndpoint)
		r.Get("/endpoints/uncertain", s.handleUncertain)
		r.Post("/endpoints/false-positive", s.handleEndpointFalsePositive)
		r.Get("/parameters", s.handleParameters)
		r.Post("/parameters/false-positive", s.handleParameterFalsePositive)
		r.Get("/code-urls", s.handleCodeURLs)
		r.Post("/ignore", s.handleIgnore)
		r.Delete("/records", s.handleClear)
		r.Get("/stats", s.handleStats)
		r.Handle("/events", s.hub)
	})
	return r
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.engine.Config().Server.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infof("Listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the feed and the listener. The engine is left open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Hub returns the event hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Event(logger.DebugLevel).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// =============================================================================
// Ingest
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.engine.Submit(queue.Job{
		Origin:      req.Origin,
		Referer:     req.Referer,
		Body:        req.Body,
		InScopeHint: req.InScope,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, SubmitResponse{Accepted: true})
	case errors.Is(err, harvesterrors.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, SubmitResponse{Reason: harvester.DropQueueFull})
	case harvesterrors.GetErrorType(err) == harvesterrors.Input:
		writeJSON(w, http.StatusRequestEntityTooLarge, SubmitResponse{Reason: harvester.DropTooLarge})
	default:
		writeJSON(w, http.StatusServiceUnavailable, SubmitResponse{Reason: harvester.DropClosed})
	}
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	var ex traffic.Exchange
	if !s.decode(w, r, &ex) {
		return
	}
	if strings.TrimSpace(ex.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.SubmitTraffic(ex))
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	res, shape := s.engine.Merge(data)
	writeJSON(w, http.StatusOK, MergeResponse{Shape: shape.String(), Merged: res})
}

// =============================================================================
// Query
// =============================================================================

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store().SnapshotEndpoints())
}

func (s *Server) handleUncertain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store().SnapshotUncertainEndpoints())
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store().SnapshotParameters())
}

func (s *Server) handleCodeURLs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store().SnapshotCodeURLs())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Engine:  stats,
		Events:  s.hub.Stats(),
		Ingest:  s.limiter.Stats(),
		Summary: stats.Metrics.Summary(),
	})
}

// =============================================================================
// Curation
// =============================================================================

func (s *Server) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	var req ManualEndpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Value = strings.TrimSpace(req.Value)
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if req.Origin == "" {
		req.Origin = "manual"
	}
	status := http.StatusOK
	if s.engine.Store().AddManualEndpoint(req.Value, req.Origin, req.InScope) {
		status = http.StatusCreated
	}
	rec, _ := s.engine.Store().Endpoint(req.Origin, req.Value)
	writeJSON(w, status, rec)
}

func (s *Server) handleEndpointFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req FalsePositiveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if !s.engine.Store().MarkFalsePositive(req.Value, req.Origin, flag(req.FalsePositive)) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParameterFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req FalsePositiveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !s.engine.Store().MarkParameterFalsePositive(req.Name, flag(req.FalsePositive)) {
		writeError(w, http.StatusNotFound, "parameter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	var req IgnoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.engine.IgnoreValue(req.Value)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

// flag defaults a missing false_positive field to true.
func flag(v *bool) bool {
	return v == nil || *v
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
