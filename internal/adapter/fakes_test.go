package adapter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/deposit-settlement/internal/config"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/models"
)

var errNodeDown = errors.New("502 bad gateway")

// fakeChainClient answers like a node. Fields may be changed between calls
// while holding mu.
type fakeChainClient struct {
	mu       sync.Mutex
	name     string
	head     uint64
	err      error
	delay    time.Duration
	logs     []types.Log
	gasPrice *big.Int
	estimate uint64
	estErr   error
	sendErr  error
	sent     []*types.Transaction

	calls atomic.Int32
}

func newFakeChainClient(name string, head uint64) *fakeChainClient {
	return &fakeChainClient{name: name, head: head, gasPrice: big.NewInt(5_000_000_000), estimate: 50_000}
}

func (f *fakeChainClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeChainClient) enter(ctx context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	delay, err := f.delay, f.err
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.enter(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	return big.NewInt(56), nil
}

func (f *fakeChainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := f.enter(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := f.enter(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, f.estErr
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := f.enter(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	return nil, ethereum.NotFound
}

func (f *fakeChainClient) Close() {}

// fakeSettings is an in-memory SettingsStore.
type fakeSettings struct {
	mu       sync.Mutex
	settings models.GlobalSettings
	getErr   error
	setErr   error
	gets     int
	sets     []string
}

func newFakeSettings(active string) *fakeSettings {
	return &fakeSettings{settings: models.GlobalSettings{ActiveRPCProvider: active, AutoSwitchEnabled: true}}
}

func (s *fakeSettings) GetSettings(ctx context.Context) (*models.GlobalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	cp := s.settings
	return &cp, nil
}

func (s *fakeSettings) SetActiveProvider(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, name)
	if s.setErr != nil {
		return s.setErr
	}
	s.settings.ActiveRPCProvider = name
	return nil
}

func (s *fakeSettings) update(fn func(*fakeSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeSettings) snapshot() (models.GlobalSettings, int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.gets, append([]string(nil), s.sets...)
}

type testRig struct {
	clients  map[string]*fakeChainClient
	settings *fakeSettings
	fc       *FailoverClient
	now      *atomic.Int64
}

// newTestRig builds quicknode, nodereal and nodereal2 behind a failover client.
func newTestRig(t *testing.T, settings *fakeSettings, callTimeout time.Duration) *testRig {
	t.Helper()

	names := []string{"quicknode", "nodereal", "nodereal2"}
	clients := make(map[string]*fakeChainClient, len(names))
	byURL := make(map[string]*fakeChainClient, len(names))
	endpoints := make([]config.ProviderEndpoint, 0, len(names))
	for i, name := range names {
		c := newFakeChainClient(name, uint64(1000+i))
		clients[name] = c
		url := "https://" + name + ".example/secret-key"
		byURL[url] = c
		endpoints = append(endpoints, config.ProviderEndpoint{Name: name, URL: url})
	}

	pool, err := NewProviderPool(&ProviderPoolConfig{
		Providers: endpoints,
		Dialer: func(ctx context.Context, url string) (ChainClient, error) {
			return byURL[url], nil
		},
		Logger: logging.NewNop(),
	})
	require.NoError(t, err)

	cfg := &FailoverConfig{
		Pool:            pool,
		Limiter:         NewLimiter(&LimiterConfig{MaxConcurrent: 10, RequestsPerSecond: -1}),
		DefaultProvider: "quicknode",
		CallTimeout:     callTimeout,
		SettingsTTL:     30 * time.Second,
		Logger:          logging.NewNop(),
	}
	if settings != nil {
		cfg.Settings = settings
	}
	fc, err := NewFailoverClient(cfg)
	require.NoError(t, err)

	now := &atomic.Int64{}
	now.Store(time.Unix(1_700_000_000, 0).UnixNano())
	fc.now = func() time.Time { return time.Unix(0, now.Load()) }

	return &testRig{clients: clients, settings: settings, fc: fc, now: now}
}

func (r *testRig) advance(d time.Duration) {
	r.now.Add(int64(d))
}
