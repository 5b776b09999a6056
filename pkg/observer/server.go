package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/timeauth"
)

// problemDetail is the RFC 7807 error envelope every route answers
// failures with.
type problemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetail{
		Type:   fmt.Sprintf("https://synod-labs.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Server is the HTTP face of the observer. Every route is read-only;
// the protected ones sit behind bearer-token scopes.
type Server struct {
	listen   string
	obs      *Observer
	auth     *TokenAuth
	hub      *Hub
	timeSrc  timeauth.Authority
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer builds a server bound to listen, serving obs.
func NewServer(listen string, obs *Observer) *Server {
	return &Server{
		listen: listen,
		obs:    obs,
		logger: slog.Default().With("component", "observer-http"),
	}
}

// SetAuth installs the token verifier. Without one every protected
// route answers 401.
func (s *Server) SetAuth(a *TokenAuth) { s.auth = a }

// SetHub installs the live stream hub behind /v1/stream.
func (s *Server) SetHub(h *Hub) { s.hub = h }

// SetTimeAuthority exposes /v1/time/now for sibling processes.
func (s *Server) SetTimeAuthority(a timeauth.Authority) { s.timeSrc = a }

// SetGatherer exposes /metrics from the given Prometheus registry.
func (s *Server) SetGatherer(g prometheus.Gatherer) { s.gatherer = g }

// Router assembles all routes. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.timeSrc != nil {
		r.HandleFunc("/v1/time/now", timeauth.Handler(s.timeSrc)).Methods(http.MethodGet)
	}

	r.HandleFunc("/v1/transcript", s.auth.Require(ScopeRead, s.handleTranscript)).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit", s.auth.Require(ScopeRead, s.handleAudit)).Methods(http.MethodGet)
	r.HandleFunc("/v1/attestation", s.auth.Require(ScopeRead, s.handleAttestation)).Methods(http.MethodGet)
	r.HandleFunc("/v1/cycles", s.auth.Require(ScopeRead, s.handleCycles)).Methods(http.MethodGet)
	r.HandleFunc("/v1/costs/{cycle}", s.auth.Require(ScopeRead, s.handleCosts)).Methods(http.MethodGet)
	r.HandleFunc("/v1/halt", s.auth.Require(ScopeRead, s.handleHalt)).Methods(http.MethodGet)
	r.HandleFunc("/v1/overrides", s.auth.Require(ScopeOverride, s.handleOverrides)).Methods(http.MethodGet)
	r.HandleFunc("/v1/stream", s.auth.Require(ScopeRead, s.handleStream)).Methods(http.MethodGet)
	return r
}

// Start serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("observer surface listening", "addr", s.listen)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observer: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(started))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.obs.Halt(r.Context())
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Unavailable", "halt state unreadable")
		return
	}
	respond(w, map[string]any{
		"status": "ok",
		"halted": report.Core.Halted,
		"ceased": report.Ceased,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	entries, err := s.obs.Transcript(r.Context(), r.URL.Query().Get("cycle"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "transcript read failed")
		s.logger.Error("transcript read failed", "error", err)
		return
	}
	respond(w, map[string]any{"events": entries, "count": len(entries)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	q := Query{
		CycleID: r.URL.Query().Get("cycle"),
		ActorID: r.URL.Query().Get("actor"),
		Kind:    contracts.Kind(r.URL.Query().Get("kind")),
		Limit:   limit,
	}
	if q.Kind != "" && !contracts.KnownKind(q.Kind) {
		writeProblem(w, http.StatusBadRequest, "Bad Request", fmt.Sprintf("unknown event kind %q", q.Kind))
		return
	}
	entries, err := s.obs.Audit(r.Context(), q)
	if errors.Is(err, ErrEmptyQuery) {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "audit needs a cycle, actor or kind filter")
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "audit read failed")
		s.logger.Error("audit read failed", "error", err)
		return
	}
	respond(w, map[string]any{"events": entries, "count": len(entries)})
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	att, err := s.obs.Attest(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "attestation failed")
		s.logger.Error("attestation failed", "error", err)
		return
	}
	respond(w, att)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	respond(w, map[string]any{"cycles": s.obs.Cycles(r.Context())})
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	cycleID := mux.Vars(r)["cycle"]
	report, err := s.obs.Costs(r.Context(), cycleID)
	if errors.Is(err, ErrUnknownCycle) {
		writeProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("cycle %q unknown", cycleID))
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "cost read failed")
		s.logger.Error("cost read failed", "cycle_id", cycleID, "error", err)
		return
	}
	respond(w, report)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	report, err := s.obs.Halt(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "halt read failed")
		s.logger.Error("halt read failed", "error", err)
		return
	}
	respond(w, report)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	respond(w, map[string]any{"overrides": s.obs.Overrides(r.Context())})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Unavailable", "stream not configured")
		return
	}
	s.hub.Handle(w, r)
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeProblem(w, http.StatusBadRequest, "Bad Request", fmt.Sprintf("limit %q is not a non-negative integer", raw))
		return 0, false
	}
	return limit, true
}
