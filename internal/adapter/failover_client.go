package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/deposit-settlement/internal/circuitbreaker"
	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/metrics"
	"github.com/deposit-settlement/internal/models"
)

// SettingsStore persists which provider is active and whether automatic
// switching is allowed.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*models.GlobalSettings, error)
	SetActiveProvider(ctx context.Context, name string) error
}

// FailoverConfig holds configuration for the failover client
type FailoverConfig struct {
	Pool     *ProviderPool
	Limiter  *Limiter
	Settings SettingsStore // optional
	// DefaultProvider is active until the settings store says otherwise.
	DefaultProvider string
	// DisableAutoSwitch applies only while no settings have been read.
	DisableAutoSwitch bool
	CallTimeout       time.Duration // default 30s
	SettingsTTL       time.Duration // default 30s
	PersistTimeout    time.Duration // default 5s
	Logger            *logging.Logger
}

type activeState struct {
	name        string
	autoSwitch  bool
	refreshedAt time.Time
}

// FailoverClient runs chain calls against the active provider and moves to
// the next configured provider when the active one fails.
type FailoverClient struct {
	pool           *ProviderPool
	limiter        *Limiter
	settings       SettingsStore
	callTimeout    time.Duration
	settingsTTL    time.Duration
	persistTimeout time.Duration
	logger         *logging.Logger
	now            func() time.Time

	state     atomic.Pointer[activeState]
	refreshMu sync.Mutex
	persistWG sync.WaitGroup
}

// NewFailoverClient creates a failover client over pool.
func NewFailoverClient(cfg *FailoverConfig) (*FailoverClient, error) {
	if cfg == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("failover client requires a provider pool")
	}

	defaultProvider := cfg.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = cfg.Pool.Names()[0]
	}
	if !cfg.Pool.Has(defaultProvider) {
		return nil, fmt.Errorf("default provider %q is not configured", defaultProvider)
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	fc := &FailoverClient{
		pool:           cfg.Pool,
		limiter:        limiter,
		settings:       cfg.Settings,
		callTimeout:    orDefault(cfg.CallTimeout, 30*time.Second),
		settingsTTL:    orDefault(cfg.SettingsTTL, 30*time.Second),
		persistTimeout: orDefault(cfg.PersistTimeout, 5*time.Second),
		logger:         logger.WithComponent("failover_client"),
		now:            time.Now,
	}
	fc.state.Store(&activeState{name: defaultProvider, autoSwitch: !cfg.DisableAutoSwitch})
	return fc, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ActiveProvider returns the provider calls go to first.
func (fc *FailoverClient) ActiveProvider() string {
	return fc.state.Load().name
}

// AutoSwitchEnabled reports whether failures move to a backup provider.
func (fc *FailoverClient) AutoSwitchEnabled() bool {
	return fc.state.Load().autoSwitch
}

// Pool returns the underlying provider pool
func (fc *FailoverClient) Pool() *ProviderPool {
	return fc.pool
}

// Limiter returns the shared limiter
func (fc *FailoverClient) Limiter() *Limiter {
	return fc.limiter
}

// refresh re-reads the settings store once the TTL has passed. Errors and
// unknown provider names keep the current state.
func (fc *FailoverClient) refresh(ctx context.Context) *activeState {
	cur := fc.state.Load()
	if fc.settings == nil || fc.now().Sub(cur.refreshedAt) < fc.settingsTTL {
		return cur
	}
	if !fc.refreshMu.TryLock() {
		return cur
	}
	defer fc.refreshMu.Unlock()

	cur = fc.state.Load()
	if fc.now().Sub(cur.refreshedAt) < fc.settingsTTL {
		return cur
	}

	next := &activeState{name: cur.name, autoSwitch: cur.autoSwitch, refreshedAt: fc.now()}

	readCtx, cancel := context.WithTimeout(ctx, fc.callTimeout)
	defer cancel()
	s, err := fc.settings.GetSettings(readCtx)
	switch {
	case err != nil:
		fc.logger.WithError(err).WithField("provider", cur.name).Warn("Failed to refresh provider settings, keeping current provider")
	case s == nil:
	case s.ActiveRPCProvider != "" && !fc.pool.Has(s.ActiveRPCProvider):
		fc.logger.WithFields(map[string]interface{}{
			"stored":  s.ActiveRPCProvider,
			"current": cur.name,
		}).Warn("Stored provider is not configured, keeping current provider")
		next.autoSwitch = s.AutoSwitchEnabled
	default:
		if s.ActiveRPCProvider != "" {
			next.name = s.ActiveRPCProvider
		}
		next.autoSwitch = s.AutoSwitchEnabled
	}

	if fc.state.CompareAndSwap(cur, next) {
		if next.name != cur.name {
			fc.logger.WithFields(map[string]interface{}{
				"from": cur.name,
				"to":   next.name,
			}).Info("Active provider changed by settings")
		}
		return next
	}
	return fc.state.Load()
}

type namedOp func(ctx context.Context, provider string, client ChainClient) error

// Execute runs op against the active provider, failing over when allowed.
func (fc *FailoverClient) Execute(ctx context.Context, op func(ctx context.Context, client ChainClient) error) error {
	return fc.run(ctx, func(ctx context.Context, _ string, client ChainClient) error {
		return op(ctx, client)
	})
}

func (fc *FailoverClient) run(ctx context.Context, op namedOp) error {
	st := fc.refresh(ctx)

	err := fc.attempt(ctx, st.name, op)
	if err == nil {
		return nil
	}
	if apperrors.IsPermanent(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !st.autoSwitch {
		if errors.Is(err, apperrors.ErrTimeout) {
			return err
		}
		return apperrors.NewProviderUnavailableError([]string{st.name}, err)
	}

	attempted := []string{st.name}
	lastErr := err
	for _, name := range fc.pool.Others(st.name) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		fc.logger.WithError(lastErr).WithFields(map[string]interface{}{
			"failed":      attempted[len(attempted)-1],
			"next":        name,
			"rateLimited": IsRateLimitError(lastErr),
		}).Warn("Provider call failed, trying backup")

		err := fc.attempt(ctx, name, op)
		attempted = append(attempted, name)
		if err == nil {
			fc.switchTo(st, name)
			return nil
		}
		if apperrors.IsPermanent(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
	}

	fc.logger.WithError(lastErr).WithField("attempted", attempted).Error("All providers failed")
	return apperrors.NewProviderUnavailableError(attempted, lastErr)
}

// attempt runs op once on provider under a limiter permit and the call deadline.
// A provider whose circuit is open is skipped before any permit is taken.
func (fc *FailoverClient) attempt(ctx context.Context, provider string, op namedOp) error {
	if !fc.pool.Available(provider) {
		metrics.RPCCallsTotal.WithLabelValues(provider, "circuit_open").Inc()
		return fmt.Errorf("provider %s: %w", provider, circuitbreaker.ErrCircuitOpen)
	}
	start := time.Now()

	release, err := fc.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, fc.callTimeout)
	defer cancel()

	var opErr error
	err = fc.pool.Execute(provider, func() error {
		client, err := fc.pool.Client(callCtx, provider)
		if err != nil {
			return err
		}
		opErr = op(callCtx, provider, client)
		// the node answered, or the caller gave up; neither says the node is down
		if opErr != nil && (apperrors.IsPermanent(opErr) || ctx.Err() != nil) {
			return nil
		}
		return opErr
	})
	if err == nil {
		err = opErr
	}

	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "cancelled"
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		err = apperrors.NewTimeoutError(provider, err)
		outcome = "timeout"
	default:
		outcome = "error"
	}

	metrics.RPCCallsTotal.WithLabelValues(provider, outcome).Inc()
	metrics.RPCCallLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if outcome != "cancelled" {
		fc.pool.MarkResult(provider, err, 0)
	}
	return err
}

// switchTo makes name active after a backup succeeded and persists it in the
// background. If another goroutine already changed the state, it wins.
func (fc *FailoverClient) switchTo(prev *activeState, name string) {
	next := &activeState{name: name, autoSwitch: prev.autoSwitch, refreshedAt: fc.now()}
	if !fc.state.CompareAndSwap(prev, next) {
		return
	}

	metrics.RPCFailoversTotal.WithLabelValues(prev.name, name).Inc()
	fc.logger.WithFields(map[string]interface{}{
		"from": prev.name,
		"to":   name,
	}).Warn("Switched active provider")

	if fc.settings == nil {
		return
	}
	fc.persistWG.Add(1)
	go func() {
		defer fc.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), fc.persistTimeout)
		defer cancel()
		if err := fc.settings.SetActiveProvider(ctx, name); err != nil {
			metrics.RPCSwitchPersistErrors.Inc()
			fc.logger.WithError(err).WithField("provider", name).Error("Failed to persist provider switch")
		}
	}()
}

// WaitPersisted blocks until background switch writes have finished.
func (fc *FailoverClient) WaitPersisted() {
	fc.persistWG.Wait()
}

// SetActiveProvider switches providers manually and persists the choice
// before returning.
func (fc *FailoverClient) SetActiveProvider(ctx context.Context, name string) error {
	if !fc.pool.Has(name) {
		return apperrors.NewInvalidInputError("provider", fmt.Sprintf("unknown provider %q", name))
	}
	if fc.settings != nil {
		if err := fc.settings.SetActiveProvider(ctx, name); err != nil {
			return apperrors.NewDatabaseError("set active provider", err)
		}
	}

	for {
		cur := fc.state.Load()
		next := &activeState{name: name, autoSwitch: cur.autoSwitch, refreshedAt: fc.now()}
		if fc.state.CompareAndSwap(cur, next) {
			fc.logger.WithFields(map[string]interface{}{
				"from": cur.name,
				"to":   name,
			}).Info("Active provider set manually")
			return nil
		}
	}
}

// FailoverStatus is the admin view of the client.
type FailoverStatus struct {
	ActiveProvider string           `json:"activeProvider"`
	AutoSwitch     bool             `json:"autoSwitch"`
	RefreshedAt    time.Time        `json:"refreshedAt"`
	InFlight       int              `json:"inFlight"`
	SharedUsed     *int             `json:"sharedBudgetUsed,omitempty"`
	Providers      []ProviderStatus `json:"providers"`
}

// Status returns the active provider and per-provider health. The shared
// budget usage is included when the limiter has one and it can be read.
func (fc *FailoverClient) Status(ctx context.Context) *FailoverStatus {
	st := fc.state.Load()
	status := &FailoverStatus{
		ActiveProvider: st.name,
		AutoSwitch:     st.autoSwitch,
		RefreshedAt:    st.refreshedAt,
		InFlight:       fc.limiter.InFlight(),
		Providers:      fc.pool.Status(st.name),
	}
	used, ok, err := fc.limiter.SharedUsed(ctx)
	if err != nil {
		fc.logger.WithError(err).Debug("Failed to read shared rpc budget")
	} else if ok {
		status.SharedUsed = &used
	}
	return status
}

// Close waits for pending writes and closes every provider connection.
func (fc *FailoverClient) Close() {
	fc.persistWG.Wait()
	fc.pool.Close()
}

// Call runs a value-returning op with failover.
func Call[T any](ctx context.Context, fc *FailoverClient, op func(ctx context.Context, client ChainClient) (T, error)) (T, error) {
	var out T
	err := fc.Execute(ctx, func(ctx context.Context, client ChainClient) error {
		v, err := op(ctx, client)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// BlockNumber returns the head block and records it on the provider.
func (fc *FailoverClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := fc.run(ctx, func(ctx context.Context, provider string, client ChainClient) error {
		n, err := client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		fc.pool.MarkResult(provider, nil, n)
		return nil
	})
	return head, err
}

// ChainID returns the chain id.
func (fc *FailoverClient) ChainID(ctx context.Context) (*big.Int, error) {
	return Call(ctx, fc, func(ctx context.Context, c ChainClient) (*big.Int, error) {
		return c.ChainID(ctx)
	})
}

// FilterLogs runs an eth_getLogs query.
func (fc *FailoverClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return Call(ctx, fc, func(ctx context.Context, c ChainClient) ([]types.Log, error) {
		return c.FilterLogs(ctx, q)
	})
}

// PendingNonceAt returns the next nonce for account.
func (fc *FailoverClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return Call(ctx, fc, func(ctx context.Context, c ChainClient) (uint64, error) {
		return c.PendingNonceAt(ctx, account)
	})
}

// SuggestGasPrice returns the node's gas price suggestion.
func (fc *FailoverClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return Call(ctx, fc, func(ctx context.Context, c ChainClient) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
}

// EstimateGas estimates the gas for msg.
func (fc *FailoverClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return Call(ctx, fc, func(ctx context.Context, c ChainClient) (uint64, error) {
		return c.EstimateGas(ctx, msg)
	})
}

// SendTransaction broadcasts a signed transaction. A backup that already knows
// the transaction counts as success.
func (fc *FailoverClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return fc.Execute(ctx, func(ctx context.Context, c ChainClient) error {
		err := c.SendTransaction(ctx, tx)
		if isAlreadyKnown(err) {
			return nil
		}
		return permanentRPCError(err)
	})
}

// TransactionReceipt returns the receipt for txHash. A pending transaction
// yields ErrNotFound without failing over.
func (fc *FailoverClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var pending bool
	receipt, err := Call(ctx, fc, func(ctx context.Context, c ChainClient) (*types.Receipt, error) {
		r, err := c.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			pending = true
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, apperrors.NewNotFoundError("receipt", txHash.Hex())
	}
	return receipt, nil
}
