// Package server exposes the dispatch engine over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/auth"
	"github.com/modelmux/modelmux/balancer"
	"github.com/modelmux/modelmux/cost"
	"github.com/modelmux/modelmux/health"
	"github.com/modelmux/modelmux/metrics"
	"github.com/modelmux/modelmux/quota"
	"github.com/modelmux/modelmux/store"
)

type Server struct {
	dispatcher *balancer.Dispatcher
	store      store.Store
	checker    *health.Checker
	gate       *quota.Gate
	auth       *auth.Manager
	collector  *metrics.Collector
	clock      clock.Clock
	logger     *zap.SugaredLogger
}

func New(dispatcher *balancer.Dispatcher, s store.Store, checker *health.Checker, gate *quota.Gate, authManager *auth.Manager, collector *metrics.Collector, logger *zap.SugaredLogger) *Server {
	return newWithClock(dispatcher, s, checker, gate, authManager, collector, clock.New(), logger)
}

func newWithClock(dispatcher *balancer.Dispatcher, s store.Store, checker *health.Checker, gate *quota.Gate, authManager *auth.Manager, collector *metrics.Collector, clk clock.Clock, logger *zap.SugaredLogger) *Server {
	return &Server{
		dispatcher: dispatcher,
		store:      s,
		checker:    checker,
		gate:       gate,
		auth:       authManager,
		collector:  collector,
		clock:      clk,
		logger:     logger,
	}
}

// Handler builds the full route tree with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}/dispatch", s.handlePoolDispatch).Methods(http.MethodPost)
	api.HandleFunc("/compare", s.handleCompare).Methods(http.MethodPost)
	api.HandleFunc("/endpoints/{id}/benchmark", s.handleBenchmark).Methods(http.MethodPost)
	api.HandleFunc("/endpoints/{id}/health", s.handleEndpointHealth).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{id}/performance", s.handleEndpointPerformance).Methods(http.MethodGet)
	api.HandleFunc("/quotas/{id}/reset", s.handleQuotaReset).Methods(http.MethodPost)

	router.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	router.Handle("/metrics", s.collector.Handler()).Methods(http.MethodGet)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})
	return corsMiddleware.Handler(router)
}

type paramsPayload struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int32   `json:"max_tokens,omitempty"`
}

type dispatchPayload struct {
	EndpointID string        `json:"endpoint_id,omitempty"`
	Prompt     string        `json:"prompt"`
	Params     paramsPayload `json:"params"`
	SessionID  string        `json:"session_id,omitempty"`
	TimeoutMs  int64         `json:"timeout_ms,omitempty"`
}

func (p *dispatchPayload) request(caller string) balancer.Request {
	return balancer.Request{
		Prompt: p.Prompt,
		Params: cost.Params{
			Temperature: p.Params.Temperature,
			TopP:        p.Params.TopP,
			MaxTokens:   p.Params.MaxTokens,
		},
		Caller:    caller,
		SessionID: p.SessionID,
		Timeout:   time.Duration(p.TimeoutMs) * time.Millisecond,
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var payload dispatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.EndpointID == "" || payload.Prompt == "" {
		http.Error(w, "endpoint_id and prompt are required", http.StatusBadRequest)
		return
	}

	record, err := s.dispatcher.Dispatch(r.Context(), payload.EndpointID, payload.request(auth.CallerFrom(r.Context())))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handlePoolDispatch(w http.ResponseWriter, r *http.Request) {
	var payload dispatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	poolID := mux.Vars(r)["id"]
	record, err := s.dispatcher.DispatchViaPool(r.Context(), poolID, payload.request(auth.CallerFrom(r.Context())))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type comparePayload struct {
	EndpointIDs []string      `json:"endpoint_ids"`
	Prompt      string        `json:"prompt"`
	Params      paramsPayload `json:"params"`
	SessionID   string        `json:"session_id,omitempty"`
	TimeoutMs   int64         `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var payload comparePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(payload.EndpointIDs) == 0 || payload.Prompt == "" {
		http.Error(w, "endpoint_ids and prompt are required", http.StatusBadRequest)
		return
	}

	dispatch := dispatchPayload{
		Prompt:    payload.Prompt,
		Params:    payload.Params,
		SessionID: payload.SessionID,
		TimeoutMs: payload.TimeoutMs,
	}
	results, err := s.dispatcher.Compare(r.Context(), payload.EndpointIDs, dispatch.request(auth.CallerFrom(r.Context())))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type benchmarkPayload struct {
	Prompts   []string      `json:"prompts"`
	Params    paramsPayload `json:"params"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var payload benchmarkPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(payload.Prompts) == 0 {
		http.Error(w, "prompts are required", http.StatusBadRequest)
		return
	}

	endpointID := mux.Vars(r)["id"]
	dispatch := dispatchPayload{Params: payload.Params, TimeoutMs: payload.TimeoutMs}
	report, err := s.dispatcher.Benchmark(r.Context(), endpointID, payload.Prompts, dispatch.request(auth.CallerFrom(r.Context())))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEndpointHealth(w http.ResponseWriter, r *http.Request) {
	endpointID := mux.Vars(r)["id"]
	if _, err := s.store.GetEndpoint(r.Context(), endpointID); err != nil {
		s.handleError(w, err)
		return
	}

	grade, stats, err := s.checker.Grade(r.Context(), endpointID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"endpoint_id":      endpointID,
		"grade":            grade,
		"total_calls":      stats.TotalCalls,
		"successful_calls": stats.SuccessfulCalls,
		"success_rate":     stats.SuccessRate,
		"average_latency":  stats.AverageLatency.String(),
	})
}

func (s *Server) handleEndpointPerformance(w http.ResponseWriter, r *http.Request) {
	endpointID := mux.Vars(r)["id"]
	date := s.clock.Now().UTC().AddDate(0, 0, -1)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	snapshot, err := s.store.GetPerformanceSnapshot(r.Context(), endpointID, date)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	quotaID := mux.Vars(r)["id"]
	if err := s.gate.Reset(r.Context(), quotaID); err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "quota_id": quotaID})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnw("failed to encode response", "error", err)
	}
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quota.ErrExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, balancer.ErrNoHealthyEndpoints), errors.Is(err, balancer.ErrPoolInactive):
		status = http.StatusServiceUnavailable
	case errors.Is(err, balancer.ErrMaxRetriesExceeded), errors.Is(err, balancer.ErrFallbackDisabled):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorw("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
