// Package app wires configuration, storage, chain access and the deposit
// services into one runnable unit shared by the binaries.
package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/deposit-settlement/internal/adapter"
	"github.com/deposit-settlement/internal/api"
	"github.com/deposit-settlement/internal/config"
	"github.com/deposit-settlement/internal/deposit"
	"github.com/deposit-settlement/internal/events"
	"github.com/deposit-settlement/internal/lock"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/scanner"
	"github.com/deposit-settlement/internal/storage"
	"github.com/deposit-settlement/internal/types"
	"github.com/deposit-settlement/internal/worker"
)

// App holds every long-lived component.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB // nil when the archive is disabled

	Transfers *storage.TransferRepository
	Index     *storage.IndexRepository
	Users     *storage.UserRepository
	Deposits  *storage.DepositRepository
	Settings  *storage.SettingsRepository

	Locker   lock.Locker
	Chain    *adapter.FailoverClient
	Signer   *adapter.Signer // nil without a configured key
	Scanner  *scanner.Scanner
	Notifier events.Notifier
	Pipeline *deposit.Pipeline
	Ledger   *deposit.Ledger
	Worker   *worker.MonitorWorker
	Server   *api.Server

	closers []func()
}

// Build connects to every backing service and constructs the component graph.
// On error, whatever was opened is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	log := a.Logger

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.Postgres = postgres
	a.closers = append(a.closers, postgres.Close)

	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.Redis = redisCache
	a.closers = append(a.closers, func() { _ = redisCache.Close() })

	var archive scanner.Archiver
	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.ClickHouse = ch
		a.closers = append(a.closers, func() { _ = ch.Close() })
		archive = storage.NewTransferArchive(ch)
	}
	log.WithField("archive", archive != nil).Info("Database connections established")

	a.Transfers = storage.NewTransferRepository(postgres)
	a.Index = storage.NewIndexRepository(postgres)
	a.Users = storage.NewUserRepository(postgres)
	a.Deposits = storage.NewDepositRepository(postgres)
	a.Settings = storage.NewSettingsRepository(postgres)

	a.Locker, err = lock.NewRedisLocker(&lock.RedisLockerConfig{Client: redisCache.Client()})
	if err != nil {
		return err
	}

	if err := a.buildChain(); err != nil {
		return err
	}

	contracts := make(map[types.TokenType]common.Address)
	for _, token := range types.AllTokens {
		if addr := cfg.Chain.Contract(string(token)); common.IsHexAddress(addr) {
			contracts[token] = common.HexToAddress(addr)
		}
	}
	a.Scanner, err = scanner.NewScanner(&scanner.Config{
		SystemWallet:     common.HexToAddress(cfg.Chain.SystemWallet),
		Contracts:        contracts,
		Decimals:         cfg.Chain.TokenDecimals,
		MaxBlocksPerScan: cfg.Scan.MaxBlocksPerScan,
		ChunkSize:        cfg.Scan.ChunkSize,
		Chain:            a.Chain,
		Transfers:        a.Transfers,
		Index:            a.Index,
		Users:            a.Users,
		Archive:          archive,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	a.Notifier, err = buildNotifier(cfg.Events, log)
	if err != nil {
		return err
	}
	if closer, ok := a.Notifier.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() { _ = closer.Close() })
	}

	plex, err := decimal.NewFromString(cfg.Deposit.PlexPerDollarDaily)
	if err != nil {
		return fmt.Errorf("DEPOSIT_PLEX_PER_DOLLAR_DAILY: %w", err)
	}
	a.Pipeline, err = deposit.NewPipeline(&deposit.Config{
		SystemWallet:       cfg.Chain.SystemWallet,
		MaxDepositsPerUser: cfg.Deposit.MaxDepositsPerUser,
		PlexPerDollarDaily: plex,
		TxLockTTL:          cfg.Deposit.TxLockTTL,
		TxLockWait:         cfg.Deposit.TxLockWait,
		UserLockTTL:        cfg.Deposit.UserLockTTL,
		UserLockWait:       cfg.Deposit.UserLockWait,
		Deposits:           a.Deposits,
		Users:              a.Users,
		Locker:             a.Locker,
		Notifier:           a.Notifier,
		Pause:              a.Settings,
		Logger:             log,
	})
	if err != nil {
		return fmt.Errorf("failed to create deposit pipeline: %w", err)
	}

	a.Ledger, err = deposit.NewLedger(a.Deposits, a.Users)
	if err != nil {
		return err
	}

	a.Worker, err = worker.NewMonitorWorker(&worker.MonitorWorkerConfig{
		Scanner:          a.Scanner,
		Pipeline:         a.Pipeline,
		Transfers:        a.Transfers,
		Locker:           a.Locker,
		PollInterval:     cfg.Scan.PollInterval,
		UnprocessedBatch: cfg.Scan.UnprocessedBatch,
		GapBatch:         cfg.Scan.GapBatch,
		ReconcileBatch:   cfg.Scan.ReconcileBatch,
		MaintenanceMode:  cfg.Scan.MaintenanceMode,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("failed to create monitor worker: %w", err)
	}

	checks := map[string]api.HealthCheck{
		"postgres": postgres.Ping,
		"redis":    redisCache.Ping,
		"chain": func(ctx context.Context) error {
			_, err := a.Chain.BlockNumber(ctx)
			return err
		},
	}
	if a.ClickHouse != nil {
		checks["clickhouse"] = a.ClickHouse.Ping
	}
	a.Server = api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, a.Chain, a.Scanner, a.Ledger, checks, log)

	return nil
}

func (a *App) buildChain() error {
	cfg := a.Config.Chain

	pool, err := adapter.NewProviderPool(&adapter.ProviderPoolConfig{
		Providers: cfg.Providers,
		Logger:    a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider pool: %w", err)
	}
	limiterCfg := &adapter.LimiterConfig{
		MaxConcurrent:     cfg.MaxConcurrent,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
	if cfg.SharedRequestsPerSecond > 0 {
		shared, err := adapter.NewSharedBudget(&adapter.SharedBudgetConfig{
			Client: a.Redis.Client(),
			Limit:  cfg.SharedRequestsPerSecond,
		})
		if err != nil {
			pool.Close()
			return err
		}
		limiterCfg.Shared = shared
	}
	limiter := adapter.NewLimiter(limiterCfg)

	a.Chain, err = adapter.NewFailoverClient(&adapter.FailoverConfig{
		Pool:            pool,
		Limiter:         limiter,
		Settings:        a.Settings,
		DefaultProvider: cfg.DefaultProvider,
		CallTimeout:     cfg.CallTimeout,
		SettingsTTL:     cfg.SettingsTTL,
		Logger:          a.Logger,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to create failover client: %w", err)
	}
	a.closers = append(a.closers, a.Chain.Close)

	if cfg.SignerKeyHex == "" {
		return nil
	}
	a.Signer, err = adapter.NewSignerFromHex(cfg.SignerKeyHex, &adapter.SignerConfig{
		Client:      a.Chain,
		ChainID:     bigChainID(cfg.ChainID),
		MinGasPrice: cfg.MinGasPriceWei,
		MaxGasPrice: cfg.MaxGasPriceWei,
		Locker:      a.Locker,
		Logger:      a.Logger,
	})
	if err != nil {
		return err
	}
	a.Logger.WithField("wallet", a.Signer.Address().Hex()).Info("Signer configured")
	return nil
}

func bigChainID(id int64) *big.Int {
	if id <= 0 {
		return nil
	}
	return big.NewInt(id)
}

// buildNotifier always logs events and also publishes them when a broker is set.
func buildNotifier(cfg config.EventsConfig, logger *logging.Logger) (events.Notifier, error) {
	logNotifier := events.NewLogNotifier(logger)
	if cfg.AMQPURL == "" {
		return logNotifier, nil
	}
	publisher, err := events.NewAMQPPublisher(&events.AMQPConfig{
		URL:      cfg.AMQPURL,
		Exchange: cfg.Exchange,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	return closingFanout{Fanout: events.Fanout{logNotifier, publisher}, publisher: publisher}, nil
}

type closingFanout struct {
	events.Fanout
	publisher *events.AMQPPublisher
}

func (f closingFanout) Close() error {
	return f.publisher.Close()
}

// Close releases resources in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
