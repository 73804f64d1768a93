package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deposit-settlement/internal/adapter"
	"github.com/deposit-settlement/internal/deposit"
	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/scanner"
	"github.com/deposit-settlement/internal/types"
)

type mockProviders struct {
	active string
	known  map[string]bool
}

func (m *mockProviders) Status(ctx context.Context) *adapter.FailoverStatus {
	return &adapter.FailoverStatus{
		ActiveProvider: m.active,
		AutoSwitch:     true,
		Providers: []adapter.ProviderStatus{
			{Name: "ankr", IsActive: m.active == "ankr", Connected: true},
			{Name: "quicknode", IsActive: m.active == "quicknode", Connected: true},
		},
	}
}

func (m *mockProviders) SetActiveProvider(ctx context.Context, name string) error {
	if !m.known[name] {
		return apperrors.NewInvalidInputError("provider", fmt.Sprintf("unknown provider %q", name))
	}
	m.active = name
	return nil
}

type mockDeposits struct {
	cachedErr  error
	lastToken  types.TokenType
	lastMin    decimal.Decimal
	lastWallet string
}

func (m *mockDeposits) GetCachedDeposits(ctx context.Context, wallet string, token types.TokenType) (*scanner.CachedDeposits, error) {
	m.lastWallet, m.lastToken = wallet, token
	if m.cachedErr != nil {
		return nil, m.cachedErr
	}
	return &scanner.CachedDeposits{
		TotalAmount: decimal.RequireFromString("150.5"),
		TxCount:     2,
		Transfers:   []*models.CachedTransfer{},
	}, nil
}

func (m *mockDeposits) VerifyDepositFromCache(ctx context.Context, wallet string, minAmount decimal.Decimal, token types.TokenType) (*scanner.VerificationResult, error) {
	m.lastWallet, m.lastToken, m.lastMin = wallet, token, minAmount
	total := decimal.RequireFromString("150.5")
	return &scanner.VerificationResult{
		Verified:    total.GreaterThanOrEqual(minAmount),
		TotalAmount: total,
		TxCount:     2,
		Source:      scanner.SourceCache,
	}, nil
}

func (m *mockDeposits) GetTransfer(ctx context.Context, txHash string) (*models.CachedTransfer, error) {
	if txHash != testTxHash {
		return nil, apperrors.NewNotFoundError("transfer", txHash)
	}
	return &models.CachedTransfer{TxHash: txHash, BlockNumber: 950, Direction: types.DirectionIncoming}, nil
}

func (m *mockDeposits) CacheStats(ctx context.Context) ([]scanner.TokenStats, error) {
	last := uint64(1000)
	return []scanner.TokenStats{{
		Token:       types.TokenUSDT,
		LastIndexed: &last,
		Incoming:    models.DirectionSummary{Count: 2, Total: decimal.RequireFromString("150.5")},
	}}, nil
}

type mockLedger struct{}

func (mockLedger) Deposit(ctx context.Context, txHash string) (*models.Deposit, error) {
	if txHash != testTxHash {
		return nil, apperrors.NewNotFoundError("deposit", txHash)
	}
	return &models.Deposit{ID: 3, UserID: 7, TxHash: txHash, Amount: decimal.NewFromInt(100)}, nil
}

func (mockLedger) UserDeposits(ctx context.Context, userID int64) (*deposit.UserDeposits, error) {
	if userID != 7 {
		return nil, apperrors.NewNotFoundError("user", fmt.Sprint(userID))
	}
	return &deposit.UserDeposits{
		User:        &models.User{ID: 7},
		Active:      1,
		TotalAmount: decimal.NewFromInt(100),
		Deposits:    []*models.Deposit{{ID: 3, UserID: 7, TxHash: testTxHash}},
	}, nil
}

const testTxHash = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestServer(t *testing.T, checks map[string]HealthCheck) (*Server, *mockProviders, *mockDeposits) {
	t.Helper()
	providers := &mockProviders{active: "ankr", known: map[string]bool{"ankr": true, "quicknode": true}}
	deposits := &mockDeposits{}
	cfg := &ServerConfig{Host: "127.0.0.1", Port: "0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	return NewServer(cfg, providers, deposits, mockLedger{}, checks, logging.NewNop()), providers, deposits
}

func do(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s, _, _ := newTestServer(t, map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		})
		rec := do(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		s, _, _ := newTestServer(t, map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		rec := do(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "ok", body.Checks["postgres"])
		assert.Equal(t, "connection refused", body.Checks["redis"])
	})
}

func TestProviders(t *testing.T) {
	s, providers, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status adapter.FailoverStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ankr", status.ActiveProvider)
	assert.Len(t, status.Providers, 2)

	rec = do(t, s, http.MethodPut, "/api/v1/providers/active", []byte(`{"provider":"quicknode"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "quicknode", providers.active)

	rec = do(t, s, http.MethodPut, "/api/v1/providers/active", []byte(`{"provider":"infura"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidInput, decodeError(t, rec).Code)
	assert.Equal(t, "quicknode", providers.active)

	rec = do(t, s, http.MethodPut, "/api/v1/providers/active", []byte(`{"name":"ankr"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/providers/active", []byte(`{"provider":"  "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCachedDeposits(t *testing.T) {
	s, _, deposits := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/deposits/cached?wallet=0xabc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.TokenUSDT, deposits.lastToken)
	assert.Equal(t, "0xabc", deposits.lastWallet)

	var body struct {
		TotalAmount string `json:"totalAmount"`
		TxCount     int    `json:"txCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "150.5", body.TotalAmount)
	assert.Equal(t, 2, body.TxCount)

	rec = do(t, s, http.MethodGet, "/api/v1/deposits/cached", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/deposits/cached?wallet=0xabc&token=DOGE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	deposits.cachedErr = apperrors.NewDatabaseError("sum transfers", errors.New("pool closed"))
	rec = do(t, s, http.MethodGet, "/api/v1/deposits/cached?wallet=0xabc", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pool closed")
}

func TestVerifyDeposit(t *testing.T) {
	s, _, deposits := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/deposits/verify?wallet=0xabc&min=100&token=PLEX", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.TokenPLEX, deposits.lastToken)
	assert.True(t, decimal.NewFromInt(100).Equal(deposits.lastMin))

	var result scanner.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Verified)
	assert.Equal(t, scanner.SourceCache, result.Source)

	rec = do(t, s, http.MethodGet, "/api/v1/deposits/verify?wallet=0xabc&min=200", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Verified)

	rec = do(t, s, http.MethodGet, "/api/v1/deposits/verify?wallet=0xabc&min=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidInput, decodeError(t, rec).Code)
}

func TestDepositLookups(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/deposits/"+testTxHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.Deposit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, int64(7), d.UserID)

	rec = do(t, s, http.MethodGet, "/api/v1/deposits/0xbbbb", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, rec).Code)

	rec = do(t, s, http.MethodGet, "/api/v1/users/7/deposits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary deposit.UserDeposits
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Active)
	assert.Len(t, summary.Deposits, 1)

	rec = do(t, s, http.MethodGet, "/api/v1/users/8/deposits", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/users/abc/deposits", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric ids do not match the route")
}

func TestCacheRoutes(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Tokens []struct {
			Token       string `json:"token"`
			LastIndexed uint64 `json:"lastIndexedBlock"`
			Incoming    struct {
				Count int    `json:"count"`
				Total string `json:"total"`
			} `json:"incoming"`
		} `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Tokens, 1)
	assert.Equal(t, "USDT", stats.Tokens[0].Token)
	assert.Equal(t, uint64(1000), stats.Tokens[0].LastIndexed)
	assert.Equal(t, 2, stats.Tokens[0].Incoming.Count)
	assert.Equal(t, "150.5", stats.Tokens[0].Incoming.Total)

	rec = do(t, s, http.MethodGet, "/api/v1/transfers/"+testTxHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var transfer models.CachedTransfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transfer))
	assert.Equal(t, uint64(950), transfer.BlockNumber)

	rec = do(t, s, http.MethodGet, "/api/v1/transfers/0xbbbb", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	providers := &mockProviders{active: "ankr"}
	cfg := &ServerConfig{RequestsPerSecond: 0.001, Burst: 2}
	s := NewServer(cfg, providers, &mockDeposits{}, mockLedger{}, nil, logging.NewNop())

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/providers", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/v1/providers", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, rec).Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	unlimited := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("10.0.0.1"))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
