// Package config provides configuration management for the deposit settlement service.
// It loads an optional .env file, then resolves every key from the environment,
// an optional config file and bound CLI flags through viper.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Scan     ScanConfig
	Deposit  DepositConfig
	Events   EventsConfig
	Logging  LoggingConfig
}

// ServerConfig holds admin server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration. The archive is optional.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ProviderEndpoint is one named chain node.
type ProviderEndpoint struct {
	Name string
	URL  string
}

// ChainConfig holds chain and RPC configuration
type ChainConfig struct {
	ChainID           int64
	SystemWallet      string
	USDTContract      string
	PLEXContract      string
	TokenDecimals     int32
	Providers         []ProviderEndpoint
	DefaultProvider   string
	CallTimeout       time.Duration
	SettingsTTL       time.Duration
	MaxConcurrent     int
	RequestsPerSecond float64
	MinGasPriceWei    *big.Int
	MaxGasPriceWei    *big.Int
	SignerKeyHex      string

	// SharedRequestsPerSecond caps calls across all processes; 0 disables it.
	SharedRequestsPerSecond int
}

// ScanConfig holds scanner configuration
type ScanConfig struct {
	MaxBlocksPerScan uint64
	ChunkSize        uint64
	PollInterval     time.Duration
	UnprocessedBatch int
	GapBatch         int
	ReconcileBatch   int
	MaintenanceMode  bool
}

// DepositConfig holds ingestion pipeline configuration
type DepositConfig struct {
	MaxDepositsPerUser int
	PlexPerDollarDaily string
	TxLockTTL          time.Duration
	TxLockWait         time.Duration
	UserLockTTL        time.Duration
	UserLockWait       time.Duration
}

// EventsConfig holds notification broker configuration. An empty URL logs events only.
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.db", "deposit_settlement")
	v.SetDefault("postgres.user", "settlement")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.max_connections", 20)

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", "9000")
	v.SetDefault("clickhouse.db", "deposit_settlement")
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_connections", 50)

	v.SetDefault("chain.id", 56)
	v.SetDefault("chain.system_wallet", "")
	v.SetDefault("chain.usdt_contract", "0x55d398326f99059fF775485246999027B3197955")
	v.SetDefault("chain.plex_contract", "")
	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("rpc.providers", "")
	v.SetDefault("rpc.default_provider", "quicknode")
	v.SetDefault("rpc.call_timeout", 30*time.Second)
	v.SetDefault("rpc.settings_ttl", 30*time.Second)
	v.SetDefault("rpc.max_concurrent", 10)
	v.SetDefault("rpc.requests_per_second", 25.0)
	v.SetDefault("rpc.shared_requests_per_second", 0)
	v.SetDefault("gas.min_price_gwei", "1")
	v.SetDefault("gas.max_price_gwei", "10")
	v.SetDefault("signer.private_key", "")

	v.SetDefault("scan.max_blocks_per_scan", 5000)
	v.SetDefault("scan.chunk_size", 2000)
	v.SetDefault("scan.poll_interval", 30*time.Second)
	v.SetDefault("scan.unprocessed_batch", 100)
	v.SetDefault("scan.gap_batch", 10)
	v.SetDefault("scan.reconcile_batch", 200)
	v.SetDefault("scan.maintenance_mode", false)

	v.SetDefault("deposit.max_per_user", 5)
	v.SetDefault("deposit.plex_per_dollar_daily", "10")
	v.SetDefault("deposit.tx_lock_ttl", 60*time.Second)
	v.SetDefault("deposit.tx_lock_wait", 5*time.Second)
	v.SetDefault("deposit.user_lock_ttl", 30*time.Second)
	v.SetDefault("deposit.user_lock_wait", 3*time.Second)

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", "deposit.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFile("", nil)
}

// LoadConfigFile additionally reads cfgFile (any format viper understands) and
// lets explicitly set flags override everything else. A flag name maps to a key
// by turning its first dash into a dot and the rest into underscores, so
// --scan-max-blocks-per-scan sets scan.max_blocks_per_scan.
func LoadConfigFile(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional; variables may come from the process environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if !f.Changed {
				return
			}
			key := flagKey(f.Name)
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	minGas, err := gweiToWei(v.GetString("gas.min_price_gwei"))
	if err != nil {
		return nil, fmt.Errorf("GAS_MIN_PRICE_GWEI: %w", err)
	}
	maxGas, err := gweiToWei(v.GetString("gas.max_price_gwei"))
	if err != nil {
		return nil, fmt.Errorf("GAS_MAX_PRICE_GWEI: %w", err)
	}

	providers, err := ParseProviders(v.GetString("rpc.providers"))
	if err != nil {
		return nil, fmt.Errorf("RPC_PROVIDERS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
			Host: v.GetString("server.host"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           v.GetString("postgres.host"),
				Port:           v.GetString("postgres.port"),
				Database:       v.GetString("postgres.db"),
				User:           v.GetString("postgres.user"),
				Password:       v.GetString("postgres.password"),
				MaxConnections: v.GetInt("postgres.max_connections"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  v.GetBool("clickhouse.enabled"),
				Host:     v.GetString("clickhouse.host"),
				Port:     v.GetString("clickhouse.port"),
				Database: v.GetString("clickhouse.db"),
				User:     v.GetString("clickhouse.user"),
				Password: v.GetString("clickhouse.password"),
			},
			Redis: RedisConfig{
				Host:           v.GetString("redis.host"),
				Port:           v.GetString("redis.port"),
				Password:       v.GetString("redis.password"),
				DB:             v.GetInt("redis.db"),
				MaxConnections: v.GetInt("redis.max_connections"),
			},
		},
		Chain: ChainConfig{
			ChainID:           v.GetInt64("chain.id"),
			SystemWallet:      v.GetString("chain.system_wallet"),
			USDTContract:      v.GetString("chain.usdt_contract"),
			PLEXContract:      v.GetString("chain.plex_contract"),
			TokenDecimals:     v.GetInt32("chain.token_decimals"),
			Providers:         providers,
			DefaultProvider:   v.GetString("rpc.default_provider"),
			CallTimeout:       v.GetDuration("rpc.call_timeout"),
			SettingsTTL:       v.GetDuration("rpc.settings_ttl"),
			MaxConcurrent:     v.GetInt("rpc.max_concurrent"),
			RequestsPerSecond: v.GetFloat64("rpc.requests_per_second"),
			MinGasPriceWei:    minGas,
			MaxGasPriceWei:    maxGas,
			SignerKeyHex:      v.GetString("signer.private_key"),

			SharedRequestsPerSecond: v.GetInt("rpc.shared_requests_per_second"),
		},
		Scan: ScanConfig{
			MaxBlocksPerScan: v.GetUint64("scan.max_blocks_per_scan"),
			ChunkSize:        v.GetUint64("scan.chunk_size"),
			PollInterval:     v.GetDuration("scan.poll_interval"),
			UnprocessedBatch: v.GetInt("scan.unprocessed_batch"),
			GapBatch:         v.GetInt("scan.gap_batch"),
			ReconcileBatch:   v.GetInt("scan.reconcile_batch"),
			MaintenanceMode:  v.GetBool("scan.maintenance_mode"),
		},
		Deposit: DepositConfig{
			MaxDepositsPerUser: v.GetInt("deposit.max_per_user"),
			PlexPerDollarDaily: v.GetString("deposit.plex_per_dollar_daily"),
			TxLockTTL:          v.GetDuration("deposit.tx_lock_ttl"),
			TxLockWait:         v.GetDuration("deposit.tx_lock_wait"),
			UserLockTTL:        v.GetDuration("deposit.user_lock_ttl"),
			UserLockWait:       v.GetDuration("deposit.user_lock_wait"),
		},
		Events: EventsConfig{
			AMQPURL:  v.GetString("events.amqp_url"),
			Exchange: v.GetString("events.exchange"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	return cfg, nil
}

// Validate checks the settings the core cannot run without.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Chain.SystemWallet) {
		return fmt.Errorf("CHAIN_SYSTEM_WALLET must be a hex address, got %q", c.Chain.SystemWallet)
	}
	if len(c.Chain.Providers) == 0 {
		return errors.New("RPC_PROVIDERS must name at least one provider")
	}
	found := false
	for _, p := range c.Chain.Providers {
		if p.Name == c.Chain.DefaultProvider {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("RPC_DEFAULT_PROVIDER %q is not in RPC_PROVIDERS", c.Chain.DefaultProvider)
	}
	if c.Chain.MinGasPriceWei.Cmp(c.Chain.MaxGasPriceWei) > 0 {
		return errors.New("GAS_MIN_PRICE_GWEI must not exceed GAS_MAX_PRICE_GWEI")
	}
	if c.Chain.MaxConcurrent <= 0 || c.Chain.RequestsPerSecond <= 0 {
		return errors.New("RPC_MAX_CONCURRENT and RPC_REQUESTS_PER_SECOND must be positive")
	}
	if c.Scan.MaxBlocksPerScan == 0 || c.Scan.ChunkSize == 0 {
		return errors.New("SCAN_MAX_BLOCKS_PER_SCAN and SCAN_CHUNK_SIZE must be positive")
	}
	if c.Deposit.MaxDepositsPerUser <= 0 {
		return errors.New("DEPOSIT_MAX_PER_USER must be positive")
	}
	return nil
}

// Contract returns the configured contract address for a token symbol.
func (c *ChainConfig) Contract(symbol string) string {
	switch strings.ToUpper(symbol) {
	case "USDT":
		return c.USDTContract
	case "PLEX":
		return c.PLEXContract
	default:
		return ""
	}
}

// ParseProviders parses "name=url,name=url" preserving order.
func ParseProviders(raw string) ([]ProviderEndpoint, error) {
	var out []ProviderEndpoint
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("malformed provider entry %q, want name=url", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		seen[name] = true
		out = append(out, ProviderEndpoint{Name: name, URL: url})
	}
	return out, nil
}

func flagKey(name string) string {
	section, rest, ok := strings.Cut(name, "-")
	if !ok {
		return name
	}
	return section + "." + strings.ReplaceAll(rest, "-", "_")
}

func gweiToWei(s string) (*big.Int, error) {
	f, ok := new(big.Float).SetString(strings.TrimSpace(s))
	if !ok || f.Sign() < 0 {
		return nil, fmt.Errorf("invalid gwei amount %q", s)
	}
	wei, _ := new(big.Float).Mul(f, big.NewFloat(1e9)).Int(nil)
	return wei, nil
}
