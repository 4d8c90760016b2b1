package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nftswap/internal/chain"
	"github.com/mbd888/nftswap/internal/config"
	"github.com/mbd888/nftswap/internal/escrow/escrowtest"
	"github.com/mbd888/nftswap/internal/health"
	"github.com/mbd888/nftswap/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	creator      = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	counterparty = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "json",
		RPCURL:           "http://127.0.0.1:8545",
		ChainID:          84532,
		EscrowContract:   escrowtest.Contract.Hex(),
		RPCMaxAttempts:   1,
		ReceiptCacheTTL:  time.Minute,
		ReceiptCacheSize: 16,
		VerifyCreation:   true,
	}
}

// newTestServer creates a server over an in-memory store and a fake chain
func newTestServer(t *testing.T, cfg *config.Config, reader *escrowtest.Reader) *Server {
	t.Helper()
	s, err := New(cfg,
		WithReceiptReader(reader),
		WithLogger(logging.Discard()),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())

	w := do(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_DegradedWhenDependencyFails(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())
	s.health.Register("chain_rpc", health.Ping("chain_rpc", health.PingerFunc(func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	})))

	w := do(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.False(t, resp.Checks[0].Healthy)
}

func TestInfoAndMetrics(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())

	w := do(s, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), escrowtest.Contract.Hex())

	w = do(s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nftswap_")
}

func TestMiddleware_RequestIDAndHeaders(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())

	w := do(s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36, "generated ids are UUIDs")
}

func TestMiddleware_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	cfg.RateLimitBurst = 2
	s := newTestServer(t, cfg, escrowtest.NewReader())

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodGet, "/health/live", nil, nil).Code)
}

func TestMiddleware_InvalidAddressParam(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())
	w := do(s, http.MethodGet, "/v1/addresses/0x123/trades", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

// TestTradeLifecycle drives a trade from its creation transaction through
// recovery, indexing and a confirmed decline.
func TestTradeLifecycle(t *testing.T) {
	createTx := escrowtest.Hash(0xc0ffee)
	declineTx := escrowtest.Hash(0xdec1)
	reader := escrowtest.NewReader(
		escrowtest.Receipt(createTx, chain.StatusSuccess, 1234,
			escrowtest.CreatedLog(escrowtest.Contract, 0, escrowtest.Created{
				TradeID:        77,
				Creator:        common.HexToAddress(creator),
				Counterparty:   common.HexToAddress(counterparty),
				OfferedCount:   1,
				RequestedCount: 1,
				OfferedNative:  big.NewInt(0),
			})),
		escrowtest.Receipt(declineTx, chain.StatusSuccess, 1240,
			escrowtest.ResolutionLog(escrowtest.Contract, 3, escrowtest.TradeDeclinedTopic, 77, common.HexToAddress(counterparty))),
	)
	s := newTestServer(t, testConfig(), reader)

	// The wallet lost its response; recover the id from the receipt.
	w := do(s, http.MethodGet, "/v1/recover/"+createTx, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"tradeId":"77"`)

	asset := map[string]string{
		"contractAddress": "0x1111111111111111111111111111111111111111",
		"tokenId":         "5",
		"standard":        "ERC721",
	}
	w = do(s, http.MethodPost, "/v1/trades", map[string]any{
		"creatorAddress":      creator,
		"counterpartyAddress": counterparty,
		"offeredAssets":       []any{asset},
		"requestedAssets":     []any{asset},
		"chainTradeId":        "77",
		"txHash":              createTx,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"trade_77"`)

	w = do(s, http.MethodGet, "/v1/addresses/"+counterparty+"/trades", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(s, http.MethodPost, "/v1/trades/trade_77/cancel",
		map[string]string{"txHash": declineTx},
		map[string]string{"X-Wallet-Address": counterparty})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"declined"`)
	assert.NotContains(t, w.Body.String(), "cancelledAt")

	w = do(s, http.MethodPost, "/v1/trades/trade_77/cancel", map[string]string{"actingAddress": creator}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())
	assert.NoError(t, s.Shutdown())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, testConfig(), escrowtest.NewReader())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

// staticLogs is a chain.LogReader over a fixed head and log set.
type staticLogs struct {
	head uint64
	logs []chain.Log
}

func (r *staticLogs) BlockNumber(context.Context) (uint64, error) { return r.head, nil }

func (r *staticLogs) FilterLogs(_ context.Context, f chain.LogFilter) ([]chain.Log, error) {
	var out []chain.Log
	for _, l := range r.logs {
		if l.BlockNumber >= f.FromBlock && l.BlockNumber <= f.ToBlock {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestRun_SyncsResolutionEvents(t *testing.T) {
	cfg := testConfig()
	cfg.SyncPollInterval = 10 * time.Millisecond
	cfg.SyncStartBlock = 1
	cfg.SyncMaxRange = 100

	declined := escrowtest.ResolutionLog(escrowtest.Contract, 0, escrowtest.TradeDeclinedTopic, 5, common.HexToAddress(counterparty))
	declined.BlockNumber = 3
	declined.TxHash = common.HexToHash(escrowtest.Hash(99))

	s, err := New(cfg,
		WithReceiptReader(escrowtest.NewReader()),
		WithLogReader(&staticLogs{head: 4, logs: []chain.Log{declined}}),
		WithLogger(logging.Discard()),
		WithDrainDelay(0),
	)
	require.NoError(t, err)

	w := do(s, http.MethodGet, "/", nil, nil)
	assert.Contains(t, w.Body.String(), `"eventSync":true`)

	w = do(s, http.MethodPost, "/v1/trades", map[string]any{
		"chainTradeId":        "5",
		"creatorAddress":      creator,
		"counterpartyAddress": counterparty,
		"offeredNative":       "1",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		w := do(s, http.MethodGet, "/v1/trades/trade_5", nil, nil)
		return w.Code == http.StatusOK && bytes.Contains(w.Body.Bytes(), []byte(`"status":"declined"`))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_SyncDisabledWithoutLogReader(t *testing.T) {
	cfg := testConfig()
	cfg.SyncPollInterval = time.Second
	s := newTestServer(t, cfg, escrowtest.NewReader())
	assert.Nil(t, s.watcher)
}

func TestNew_InvalidDatabaseURL(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	_, err := New(cfg, WithReceiptReader(escrowtest.NewReader()), WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/x")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Equal(t, "https://sepolia.base.org", maskDSN("https://sepolia.base.org"))
}
