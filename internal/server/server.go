// Package server exposes the vault workflows over an HMAC-authenticated HTTP API.
// Mutating requests carry an X-Idempotency-Key; a key that already produced a
// broadcast result replays that result instead of running the workflow again.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"vaultrails/internal/app"
	"vaultrails/internal/chain"
	"vaultrails/internal/config"
	"vaultrails/internal/hmacauth"
	"vaultrails/internal/idempotency"
	"vaultrails/internal/reconcile"
	"vaultrails/internal/workflow"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
)

// Workflows is the application surface served over HTTP.
type Workflows interface {
	Deposit(ctx context.Context, p app.DepositParams) (*workflow.State, error)
	Redeem(ctx context.Context, p app.RedeemParams) (*workflow.State, error)
	Balances(ctx context.Context, holder string) (*workflow.State, error)
	Query(ctx context.Context, contract, method string, args []string) (*workflow.State, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        config.ServiceConfig
	workflows  Workflows
	store      idempotency.Store
	queue      *reconcile.Queue
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *zap.Logger
	now        func() time.Time

	dbHealthFn func(context.Context) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewServer registers the API metrics on reg, which is usually the application's
// registry so one scrape covers workflows and requests.
func NewServer(cfg config.ServiceConfig, wf Workflows, store idempotency.Store, queue *reconcile.Queue, reg *prometheus.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if queue == nil {
		queue = &reconcile.Queue{}
	}
	s := &Server{
		cfg:       cfg,
		workflows: wf,
		store:     store,
		queue:     queue,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.HMACSecret,
			MaxSkew: cfg.HMACClockSkew,
		},
		metrics:  newMetricsRegistry(reg),
		log:      log,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/deposits", s.hmac.Middleware(http.HandlerFunc(s.handleDeposit)))
	mux.Handle("/api/v1/redemptions", s.hmac.Middleware(http.HandlerFunc(s.handleRedeem)))
	mux.Handle("/api/v1/balances", s.hmac.Middleware(http.HandlerFunc(s.handleBalances)))
	mux.Handle("/api/v1/queries", s.hmac.Middleware(http.HandlerFunc(s.handleQuery)))
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           s.requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.updateReconcileDepth()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type queryRequest struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var p app.DepositParams
	s.handleWorkflow(w, r, string(workflow.KindDeposit), &p, func(ctx context.Context) (*workflow.State, error) {
		return s.workflows.Deposit(ctx, p)
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var p app.RedeemParams
	s.handleWorkflow(w, r, string(workflow.KindRedeem), &p, func(ctx context.Context) (*workflow.State, error) {
		return s.workflows.Redeem(ctx, p)
	})
}

// handleWorkflow runs one ledger-mutating workflow under an idempotency key.
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request, kind string, params any, run func(context.Context) (*workflow.State, error)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing "+idempotencyHeader+" header", "")
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload", "")
		s.metrics.incRequest(kind, "invalid")
		return
	}
	fingerprint, err := idempotency.Fingerprint(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fingerprint request", "")
		return
	}

	ctx := r.Context()
	log := s.log.With(zap.String("request_id", r.Header.Get(requestIDHeader)), zap.String("idempotency_key", key), zap.String("kind", kind))

	if !s.claim(key) {
		s.metrics.incRequest(kind, "conflict")
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress", "")
		return
	}
	defer s.release(key)

	existing, err := s.store.Get(ctx, key)
	if err != nil {
		log.Error("idempotency lookup failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", "")
		return
	}
	if existing != nil {
		if !existing.Matches(kind, fingerprint) {
			s.metrics.incRequest(kind, "conflict")
			writeError(w, http.StatusConflict, idempotency.ErrConflict.Error(), "")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRequest(kind, "cached")
		return
	}

	// A disconnecting client must not abandon a workflow holding a reserved nonce.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout())
	defer cancel()
	st, runErr := run(runCtx)

	status := statusFor(st, runErr, http.StatusCreated)
	if st == nil {
		s.metrics.incRequest(kind, "rejected")
		writeError(w, status, runErr.Error(), errorKind(runErr))
		return
	}

	body, err := json.Marshal(st)
	if err != nil {
		log.Error("encode workflow state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encode workflow state", "")
		return
	}

	if st.NeedsReconcile() {
		s.enqueueReconcile(log, key, kind, params, body, runErr)
	}

	if st.Outcome == workflow.OutcomeDone || st.Broadcast() {
		now := s.now()
		record := idempotency.Record{
			Kind:        kind,
			Fingerprint: fingerprint,
			StatusCode:  status,
			Outcome:     string(st.Outcome),
			Response:    body,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.IdempotencyWindow),
		}
		if err := idempotency.SaveDetached(ctx, s.store, key, record); err != nil {
			log.Error("idempotency save failed", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.metrics.incRequest(kind, string(st.Outcome))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	st, err := s.workflows.Balances(r.Context(), r.URL.Query().Get("holder"))
	s.writeRead(w, "balances", st, err)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload", "")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required", "")
		return
	}
	st, err := s.workflows.Query(r.Context(), req.Contract, req.Method, req.Args)
	s.writeRead(w, "query", st, err)
}

func (s *Server) writeRead(w http.ResponseWriter, route string, st *workflow.State, err error) {
	status := statusFor(st, err, http.StatusOK)
	if st == nil {
		s.metrics.incRequest(route, "rejected")
		writeError(w, status, err.Error(), errorKind(err))
		return
	}
	s.metrics.incRequest(route, string(st.Outcome))
	writeJSON(w, status, st)
}

// statusFor maps a workflow result to an HTTP status. TimedOut is 202 because the
// ledger may still apply the transaction.
func statusFor(st *workflow.State, err error, ok int) int {
	if errors.Is(err, app.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	if st == nil {
		if err == nil {
			return http.StatusInternalServerError
		}
		return statusForKind(chain.KindOf(err))
	}
	switch st.Outcome {
	case workflow.OutcomeDone:
		return ok
	case workflow.OutcomeTimedOut:
		return http.StatusAccepted
	}
	return statusForKind(st.ErrorKind)
}

func errorKind(err error) string {
	if errors.Is(err, app.ErrInvalidInput) {
		return "invalid_input"
	}
	return chain.KindOf(err)
}

func statusForKind(kind string) int {
	switch kind {
	case chain.KindInsufficientBalance, chain.KindInsufficientAllowance, chain.KindReverted,
		chain.KindVerification, chain.KindEncoding:
		return http.StatusUnprocessableEntity
	case chain.KindNetwork, chain.KindSubmission:
		return http.StatusBadGateway
	case chain.KindTimeout, chain.KindCanceled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) enqueueReconcile(log *zap.Logger, key, kind string, params any, state []byte, runErr error) {
	req, _ := json.Marshal(params)
	entry := reconcile.Entry{
		Timestamp:      s.now().UTC(),
		IdempotencyKey: key,
		Kind:           kind,
		Request:        req,
		State:          state,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if _, err := s.queue.Write(entry); err != nil {
		log.Error("reconcile write failed", zap.Error(err))
		return
	}
	s.updateReconcileDepth()
}

func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.cfg.RequestTimeout
}

func (s *Server) updateReconcileDepth() int {
	depth, err := s.queue.Depth()
	if err != nil {
		s.log.Warn("reconcile depth", zap.Error(err))
		return 0
	}
	s.metrics.setReconcileDepth(depth)
	return depth
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	start := time.Now()
	rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.workflows.Ping(rpcCtx); err != nil {
		rpcInfo.Error = err.Error()
		overallHealthy = false
	} else {
		rpcInfo.Connected = true
		rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status         string `json:"status"`
		RPC            any    `json:"rpc"`
		Database       any    `json:"database"`
		ReconcileDepth int    `json:"reconcile_depth"`
	}{
		Status:         status,
		RPC:            rpcInfo,
		Database:       dbInfo,
		ReconcileDepth: s.updateReconcileDepth(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, ErrorKind: kind})
}
