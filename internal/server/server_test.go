package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultrails/internal/account"
	"vaultrails/internal/app"
	"vaultrails/internal/config"
	"vaultrails/internal/gateway"
	"vaultrails/internal/hmacauth"
	"vaultrails/internal/idempotency"
	"vaultrails/internal/reconcile"
	"vaultrails/internal/workflow"
)

const testSecret = "test-secret"

var (
	vaultAddr      = common.HexToAddress("0x00000000000000000000000000000000005a0001")
	underlyingAddr = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	oneToken       = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type harness struct {
	srv   *Server
	app   *app.App
	fake  *gateway.Fake
	queue *reconcile.Queue
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Chain.PollInterval = 5 * time.Millisecond
	cfg.Chain.Deadline = 2 * time.Second
	cfg.Contracts.Vault = config.ContractConfig{Address: vaultAddr.Hex(), Decimals: 18}
	cfg.Contracts.Underlying = config.ContractConfig{Address: underlyingAddr.Hex(), Decimals: 18}
	cfg.Service.HMACSecret = testSecret
	cfg.Service.HMACClockSkew = time.Minute
	cfg.Service.IdempotencyWindow = time.Hour
	cfg.Service.ReconcileDir = t.TempDir()
	if tweak != nil {
		tweak(cfg)
	}

	fake := gateway.NewFake(31337)
	fake.DeployToken(underlyingAddr, 18)
	fake.DeployVault(vaultAddr, underlyingAddr, 18)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := account.NewKeyedSigner(hex.EncodeToString(crypto.FromECDSA(key)), big.NewInt(31337))
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	a, err := app.Assemble(context.Background(), cfg, fake, signer, log)
	require.NoError(t, err)

	queue := &reconcile.Queue{Dir: cfg.Service.ReconcileDir, Log: log}
	srv := NewServer(cfg.Service, a, idempotency.NewMemoryStore(), queue, a.Registry, log)
	return &harness{srv: srv, app: a, fake: fake, queue: queue}
}

func (h *harness) fund(tokens int64) {
	h.fake.Mint(underlyingAddr, h.app.Account.Address(), new(big.Int).Mul(big.NewInt(tokens), oneToken))
}

func (h *harness) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	hmacauth.SignRequest(req, testSecret, payload, time.Now())
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) workflow.State {
	t.Helper()
	var st workflow.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestDepositIdempotency(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(10)

	params := app.DepositParams{Amount: "3", MinSharesOut: "3"}
	first := h.do(t, http.MethodPost, "/api/v1/deposits", "key-1", params)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.NotEmpty(t, first.Header().Get(requestIDHeader))

	st := decodeState(t, first)
	assert.Equal(t, workflow.OutcomeDone, st.Outcome)
	sent := len(h.fake.Sent())
	assert.Equal(t, 3, sent)

	second := h.do(t, http.MethodPost, "/api/v1/deposits", "key-1", params)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, h.fake.Sent(), sent, "replay must not submit")

	conflict := h.do(t, http.MethodPost, "/api/v1/deposits", "key-1", app.DepositParams{Amount: "4"})
	assert.Equal(t, http.StatusConflict, conflict.Code)

	otherKind := h.do(t, http.MethodPost, "/api/v1/redemptions", "key-1", app.RedeemParams{Shares: "1"})
	assert.Equal(t, http.StatusConflict, otherKind.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.requestsTotal.WithLabelValues("deposit", "cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.requestsTotal.WithLabelValues("deposit", "done")))
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/deposits", "", app.DepositParams{Amount: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/deposits", "k", map[string]string{"amount": "1", "memo": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/deposits", "k", app.DepositParams{Amount: "one"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_input")

	rec = h.do(t, http.MethodGet, "/api/v1/deposits", "k", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Empty(t, h.fake.Sent())
}

func TestRejectsUnsignedRequests(t *testing.T) {
	h := newHarness(t, nil)

	payload := []byte(`{"amount":"1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", bytes.NewReader(payload))
	hmacauth.SignRequest(req, "wrong-secret", payload, time.Now())
	req.Header.Set(idempotencyHeader, "k")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.fake.Sent())
}

func TestFailureWithoutBroadcastIsNotCached(t *testing.T) {
	h := newHarness(t, nil)

	params := app.DepositParams{Amount: "5"}
	rec := h.do(t, http.MethodPost, "/api/v1/deposits", "retry-me", params)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	st := decodeState(t, rec)
	assert.Equal(t, workflow.OutcomeFailed, st.Outcome)
	assert.Equal(t, "insufficient_balance", st.ErrorKind)

	h.fund(5)
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", "retry-me", params)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRevertedWorkflowIsCached(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(5)
	h.fake.RevertOn("approve", "approvals paused")

	params := app.DepositParams{Amount: "1"}
	rec := h.do(t, http.MethodPost, "/api/v1/deposits", "reverted", params)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "reverted", decodeState(t, rec).ErrorKind)

	rec = h.do(t, http.MethodPost, "/api/v1/deposits", "reverted", params)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replay"))
	assert.Len(t, h.fake.Sent(), 1)

	depth, err := h.queue.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "broadcast failure needs an operator")
}

// ctxStore fails once its context is done, the way a database-backed store does.
type ctxStore struct {
	*idempotency.MemoryStore
}

func (s ctxStore) Save(ctx context.Context, key string, record idempotency.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Save(ctx, key, record)
}

func TestDisconnectedClientResultIsStillRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.store = ctxStore{idempotency.NewMemoryStore()}
	h.fund(5)

	payload, err := json.Marshal(app.DepositParams{Amount: "1"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", bytes.NewReader(payload)).WithContext(ctx)
	hmacauth.SignRequest(req, testSecret, payload, time.Now())
	req.Header.Set(idempotencyHeader, "gone")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, h.fake.Sent(), 3)

	retry := h.do(t, http.MethodPost, "/api/v1/deposits", "gone", app.DepositParams{Amount: "1"})
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Equal(t, "true", retry.Header().Get("Idempotent-Replay"))
	assert.Len(t, h.fake.Sent(), 3, "retry after a disconnect must not deposit again")
}

func TestTimedOutWorkflowIsQueuedForReconciliation(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Chain.Deadline = 100 * time.Millisecond
	})
	h.fund(5)
	h.fake.StallOn("deposit")

	rec := h.do(t, http.MethodPost, "/api/v1/deposits", "stalled", app.DepositParams{Amount: "1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, workflow.OutcomeTimedOut, decodeState(t, rec).Outcome)

	entries, names, err := h.queue.List()
	require.NoError(t, err)
	require.Len(t, names, 1)
	entry := entries[names[0]]
	assert.Equal(t, "stalled", entry.IdempotencyKey)
	assert.Equal(t, "deposit", entry.Kind)
	assert.JSONEq(t, `{"amount":"1","minSharesOut":""}`, string(entry.Request))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.reconcileDepth))

	// The broadcast deposit may still land, so the key must not run again.
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", "stalled", app.DepositParams{Amount: "1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, h.fake.Sent(), 3)
}

func TestBalancesAndQueries(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(7)

	rec := h.do(t, http.MethodGet, "/api/v1/balances", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeState(t, rec)
	require.NotNil(t, st.After)
	assert.Equal(t, "7", st.After.Underlying.String())

	rec = h.do(t, http.MethodPost, "/api/v1/queries", "", queryRequest{Contract: "underlying", Method: "decimals"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"result":[18]`)

	rec = h.do(t, http.MethodPost, "/api/v1/queries", "", queryRequest{Contract: "vault", Method: "mint"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/queries", "", queryRequest{Contract: "vault"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
		RPC    struct {
			Connected bool `json:"connected"`
		} `json:"rpc"`
		ReconcileDepth int `json:"reconcile_depth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.RPC.Connected)
	assert.Zero(t, body.ReconcileDepth)
}

func TestMetricsEndpointExposesWorkflowCounters(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(2)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v1/deposits", "m", app.DepositParams{Amount: "1"}).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vaultrails_workflows_total")
	assert.Contains(t, rec.Body.String(), "vaultrails_api_requests_total")
}

type blockingWorkflows struct {
	app.App
	entered chan struct{}
	release chan struct{}
}

func (b *blockingWorkflows) Deposit(ctx context.Context, _ app.DepositParams) (*workflow.State, error) {
	close(b.entered)
	<-b.release
	return &workflow.State{Kind: workflow.KindDeposit, Outcome: workflow.OutcomeDone, Step: workflow.StepDone}, nil
}

func TestConcurrentDuplicateKeyIsRejected(t *testing.T) {
	wf := &blockingWorkflows{entered: make(chan struct{}), release: make(chan struct{})}
	srv := NewServer(config.ServiceConfig{IdempotencyWindow: time.Minute}, wf, idempotency.NewMemoryStore(), nil, nil, zaptest.NewLogger(t))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", bytes.NewReader([]byte(`{"amount":"1"}`)))
		req.Header.Set(idempotencyHeader, "dup")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- send() }()
	<-wf.entered

	assert.Equal(t, http.StatusConflict, send().Code)

	close(wf.release)
	assert.Equal(t, http.StatusCreated, (<-done).Code)
	assert.Equal(t, http.StatusCreated, send().Code)
}
