package adapter

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/deposit-settlement/internal/circuitbreaker"
	"github.com/deposit-settlement/internal/config"
	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/logging"
)

// ProviderPool holds the named chain providers in configured order and dials
// each one on first use.
type ProviderPool struct {
	mu        sync.RWMutex
	providers []*pooledProvider
	byName    map[string]*pooledProvider
	dial      Dialer
	logger    *logging.Logger
}

type pooledProvider struct {
	name      string
	url       string
	client    ChainClient
	connected bool
	lastBlock uint64
	lastError string
	lastUsed  time.Time
	breaker   *circuitbreaker.CircuitBreaker
}

// ProviderPoolConfig holds configuration for creating a provider pool
type ProviderPoolConfig struct {
	Providers []config.ProviderEndpoint
	// Dialer defaults to DialEthClient
	Dialer Dialer
	// Breaker returns the circuit breaker settings for a provider. Defaults to
	// circuitbreaker.DefaultConfig.
	Breaker func(name string) *circuitbreaker.Config
	Logger  *logging.Logger
}

// NewProviderPool creates a pool. No connection is opened here.
func NewProviderPool(cfg *ProviderPoolConfig) (*ProviderPool, error) {
	if cfg == nil || len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one RPC provider is required")
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = DialEthClient
	}
	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pool := &ProviderPool{
		byName: make(map[string]*pooledProvider, len(cfg.Providers)),
		dial:   dial,
		logger: logger.WithComponent("provider_pool"),
	}
	for _, p := range cfg.Providers {
		if p.Name == "" || p.URL == "" {
			return nil, fmt.Errorf("provider entries need a name and a url")
		}
		if _, dup := pool.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name)
		}
		pp := &pooledProvider{
			name:    p.Name,
			url:     p.URL,
			breaker: circuitbreaker.NewCircuitBreaker(breakerCfg(p.Name)),
		}
		pool.providers = append(pool.providers, pp)
		pool.byName[p.Name] = pp
	}

	pool.logger.WithField("providers", pool.Names()).Info("Provider pool initialized")
	return pool, nil
}

// Has reports whether name is configured.
func (p *ProviderPool) Has(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// Names returns provider names in configured order.
func (p *ProviderPool) Names() []string {
	names := make([]string, len(p.providers))
	for i, pp := range p.providers {
		names[i] = pp.name
	}
	return names
}

// Others returns every provider except name, in configured order.
func (p *ProviderPool) Others(name string) []string {
	others := make([]string, 0, len(p.providers))
	for _, pp := range p.providers {
		if pp.name != name {
			others = append(others, pp.name)
		}
	}
	return others
}

// Client returns the client for name, dialing it if needed.
func (p *ProviderPool) Client(ctx context.Context, name string) (ChainClient, error) {
	pp, ok := p.byName[name]
	if !ok {
		return nil, apperrors.NewInvalidInputError("provider", fmt.Sprintf("unknown provider %q", name))
	}

	p.mu.RLock()
	client := pp.client
	p.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pp.client != nil {
		return pp.client, nil
	}
	client, err := p.dial(ctx, pp.url)
	if err != nil {
		pp.connected = false
		pp.lastError = err.Error()
		return nil, fmt.Errorf("failed to connect to provider %s: %w", name, err)
	}
	pp.client = client
	pp.connected = true
	p.logger.WithField("provider", name).Debug("Dialed provider")
	return client, nil
}

// Execute runs fn through the provider's circuit breaker.
func (p *ProviderPool) Execute(name string, fn func() error) error {
	pp, ok := p.byName[name]
	if !ok {
		return apperrors.NewInvalidInputError("provider", fmt.Sprintf("unknown provider %q", name))
	}
	return pp.breaker.Execute(fn)
}

// Available reports whether the provider's circuit would let a call through.
func (p *ProviderPool) Available(name string) bool {
	pp, ok := p.byName[name]
	return ok && pp.breaker.Allow()
}

// MarkResult records the outcome of a call. A zero block leaves LastBlock as is.
func (p *ProviderPool) MarkResult(name string, err error, block uint64) {
	pp, ok := p.byName[name]
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pp.lastUsed = time.Now()
	if err != nil && !apperrors.IsPermanent(err) {
		pp.connected = false
		pp.lastError = err.Error()
		return
	}
	pp.connected = true
	pp.lastError = ""
	if block > pp.lastBlock {
		pp.lastBlock = block
	}
}

// ProviderStatus is the admin view of one provider.
type ProviderStatus struct {
	Name      string               `json:"name"`
	Endpoint  string               `json:"endpoint"`
	Connected bool                 `json:"connected"`
	IsActive  bool                 `json:"isActive"`
	LastBlock uint64               `json:"lastBlock"`
	LastError string               `json:"lastError,omitempty"`
	LastUsed  time.Time            `json:"lastUsed,omitempty"`
	Breaker   circuitbreaker.Stats `json:"breaker"`
}

// Status returns the current status of every provider.
func (p *ProviderPool) Status(active string) []ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ProviderStatus, len(p.providers))
	for i, pp := range p.providers {
		out[i] = ProviderStatus{
			Name:      pp.name,
			Endpoint:  redactURL(pp.url),
			Connected: pp.connected,
			IsActive:  pp.name == active,
			LastBlock: pp.lastBlock,
			LastError: pp.lastError,
			LastUsed:  pp.lastUsed,
			Breaker:   pp.breaker.GetStats(),
		}
	}
	return out
}

// Close closes all client connections
func (p *ProviderPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pp := range p.providers {
		if pp.client != nil {
			pp.client.Close()
			pp.client = nil
			pp.connected = false
		}
	}
}

// redactURL drops path and credentials; provider API keys live there.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<redacted>"
	}
	return u.Scheme + "://" + u.Host
}
