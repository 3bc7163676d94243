package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"copy_bot/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	privateKeyENV     = "FOLLOWER_PRIVATE_KEY"
	leaderAddressENV  = "LEADER_ADDRESS"
	vaultAddressENV   = "VAULT_ADDRESS"
	databaseDSN       = "DATABASE_DSN"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	chatTelegramENV   = "TELEGRAM_CHAT_ID"
	environmentENV    = "HL_ENV"
	driftCorrENV      = "ENABLE_PERIODIC_DRIFT_CORRECTION"
	logLevelENV       = "LOG_LEVEL"
)

const (
	EnvMainnet = "mainnet"
	EnvTestnet = "testnet"
)

// Config ...
type Config struct {
	Environment   string `yaml:"environment"`
	LeaderAddress string `yaml:"leader_address"`

	Follower struct {
		PrivateKey   string `yaml:"private_key"`
		VaultAddress string `yaml:"vault_address"`
	} `yaml:"follower"`

	Risk struct {
		MinPositionUsd float64  `yaml:"min_position_usd"`
		CopyRatio      float64  `yaml:"copy_ratio"`
		MaxLeverage    float64  `yaml:"max_leverage"`
		MaxNotionalUsd float64  `yaml:"max_notional_usd"`
		Inverse        bool     `yaml:"inverse"`
		MaxSlippageBps float64  `yaml:"max_slippage_bps"`
		AllowedAssets  []string `yaml:"allowed_assets"`
		IgnoredAssets  []string `yaml:"ignored_assets"`
	} `yaml:"risk"`

	Intervals struct {
		Reconcile   time.Duration `yaml:"reconcile"`
		Sync        time.Duration `yaml:"sync"`
		MetadataTTL time.Duration `yaml:"metadata_ttl"`
		PriceTTL    time.Duration `yaml:"price_ttl"`
		Order       time.Duration `yaml:"order_timeout"`
	} `yaml:"intervals"`

	Reconcile struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		BackoffBase    time.Duration `yaml:"backoff_base"`
		DriftTolerance float64       `yaml:"drift_tolerance"`
	} `yaml:"reconcile"`

	// Periodic trading from reconciliation and the fallback poll. Off means
	// event-driven replication with reconciliation kept diagnostic.
	EnablePeriodicDriftCorrection bool `yaml:"enable_periodic_drift_correction"`

	WS struct {
		AggregateFills bool          `yaml:"aggregate_fills"`
		PingInterval   time.Duration `yaml:"ping_interval"`
	} `yaml:"ws"`

	DB string `yaml:"db_dsn"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Service struct {
		HealthAddr string `yaml:"health_addr"`
		LogLevel   string `yaml:"log_level"`
	} `yaml:"service"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"tracing"`
}

func defaults() Config {
	var c Config
	c.Environment = EnvTestnet
	c.Risk.CopyRatio = 1
	c.Risk.MinPositionUsd = 10
	c.Risk.MaxLeverage = 5
	c.Risk.MaxNotionalUsd = 10_000
	c.Risk.MaxSlippageBps = 50
	c.Intervals.Reconcile = time.Minute
	c.Intervals.Sync = 5 * time.Minute
	c.Intervals.MetadataTTL = time.Hour
	c.Intervals.PriceTTL = 2 * time.Second
	c.Intervals.Order = 10 * time.Second
	c.Reconcile.MaxAttempts = 4
	c.Reconcile.BackoffBase = time.Second
	c.Reconcile.DriftTolerance = 0
	c.WS.PingInterval = 30 * time.Second
	c.Service.HealthAddr = ":8080"
	c.Service.LogLevel = "info"
	c.Tracing.Host = "localhost"
	c.Tracing.Port = 6831
	return c
}

// NewConfig reads configs/$CONFIG_FILE, applies env overrides and validates.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	name := getenvDefault(configFilePathENV, "values_local.yaml")
	dir := getenvDefault(configDirENV, "configs")

	cfg, err := Load(dir + "/" + name)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load decodes one YAML file on top of defaults. Env overrides apply, no validation.
func Load(path string) (*Config, error) {
	engine := viper.New()
	engine.SetConfigFile(path)
	engine.SetConfigType("yaml")
	engine.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	engine.AutomaticEnv()
	if err := engine.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(models.ErrConfig, "read %s: %v", path, err)
	}

	bs, err := yaml.Marshal(engine.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "marshal config to yaml")
	}

	cfg := defaults()
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, errors.Wrapf(models.ErrConfig, "decode %s: %v", path, err)
	}

	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getenvDefault(environmentENV, c.Environment)
	c.LeaderAddress = getenvDefault(leaderAddressENV, c.LeaderAddress)
	c.Follower.PrivateKey = getenvDefault(privateKeyENV, c.Follower.PrivateKey)
	c.Follower.VaultAddress = getenvDefault(vaultAddressENV, c.Follower.VaultAddress)
	c.DB = getenvDefault(databaseDSN, c.DB)
	c.Telegram.Token = getenvDefault(tokenTelegramENV, c.Telegram.Token)
	c.Telegram.ChatID = int64FromEnv(chatTelegramENV, c.Telegram.ChatID)
	c.EnablePeriodicDriftCorrection = boolFromEnv(driftCorrENV, c.EnablePeriodicDriftCorrection)
	c.Service.LogLevel = getenvDefault(logLevelENV, c.Service.LogLevel)
	c.Risk.CopyRatio = floatFromEnv("COPY_RATIO", c.Risk.CopyRatio)
	c.Intervals.Reconcile = durationFromEnv("RECONCILE_INTERVAL", c.Intervals.Reconcile)
}

// Validate checks the identifiers the engine cannot run without.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvMainnet, EnvTestnet:
	default:
		return errors.Wrapf(models.ErrConfig, "environment %q: want mainnet or testnet", c.Environment)
	}
	if c.LeaderAddress == "" {
		return errors.Wrap(models.ErrConfig, "leader_address is required")
	}
	if !common.IsHexAddress(c.LeaderAddress) {
		return errors.Wrapf(models.ErrConfig, "leader_address %q is not a hex address", c.LeaderAddress)
	}
	if c.Follower.PrivateKey == "" {
		return errors.Wrap(models.ErrConfig, "follower private key is required")
	}
	if _, err := c.FollowerKeyAddress(); err != nil {
		return err
	}
	if c.Follower.VaultAddress != "" && !common.IsHexAddress(c.Follower.VaultAddress) {
		return errors.Wrapf(models.ErrConfig, "vault_address %q is not a hex address", c.Follower.VaultAddress)
	}

	r := c.Risk
	if r.CopyRatio < 0 {
		return errors.Wrapf(models.ErrConfig, "copy_ratio %v < 0", r.CopyRatio)
	}
	if r.MinPositionUsd < 0 || r.MaxNotionalUsd < 0 || r.MaxSlippageBps < 0 {
		return errors.Wrap(models.ErrConfig, "risk limits must be >= 0")
	}
	if r.MaxLeverage <= 0 {
		return errors.Wrapf(models.ErrConfig, "max_leverage %v <= 0", r.MaxLeverage)
	}

	for name, d := range map[string]time.Duration{
		"intervals.reconcile":     c.Intervals.Reconcile,
		"intervals.sync":          c.Intervals.Sync,
		"intervals.metadata_ttl":  c.Intervals.MetadataTTL,
		"intervals.price_ttl":     c.Intervals.PriceTTL,
		"intervals.order_timeout": c.Intervals.Order,
		"ws.ping_interval":        c.WS.PingInterval,
	} {
		if d <= 0 {
			return errors.Wrapf(models.ErrConfig, "%s must be > 0", name)
		}
	}
	if c.Reconcile.MaxAttempts <= 0 {
		return errors.Wrap(models.ErrConfig, "reconcile.max_attempts must be > 0")
	}
	if c.Reconcile.DriftTolerance < 0 {
		return errors.Wrapf(models.ErrConfig, "reconcile.drift_tolerance %v < 0", c.Reconcile.DriftTolerance)
	}
	return nil
}

func (c *Config) IsMainnet() bool { return c.Environment == EnvMainnet }

// FollowerKeyAddress is the wallet address of the signing key.
func (c *Config) FollowerKeyAddress() (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Follower.PrivateKey, "0x"))
	if err != nil {
		return "", errors.Wrapf(models.ErrConfig, "follower private key: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// FollowerAddress is the account whose positions are replicated into: the
// vault when delegated, the key's wallet otherwise.
func (c *Config) FollowerAddress() string {
	if c.Follower.VaultAddress != "" {
		return common.HexToAddress(c.Follower.VaultAddress).Hex()
	}
	addr, _ := c.FollowerKeyAddress()
	return addr
}

func (c *Config) RiskConfig() models.RiskConfig {
	return models.RiskConfig{
		MinPositionUsd: decimal.NewFromFloat(c.Risk.MinPositionUsd),
		CopyRatio:      decimal.NewFromFloat(c.Risk.CopyRatio),
		MaxLeverage:    decimal.NewFromFloat(c.Risk.MaxLeverage),
		MaxNotionalUsd: decimal.NewFromFloat(c.Risk.MaxNotionalUsd),
		Inverse:        c.Risk.Inverse,
		MaxSlippageBps: decimal.NewFromFloat(c.Risk.MaxSlippageBps),
		AllowedAssets:  c.Risk.AllowedAssets,
		IgnoredAssets:  c.Risk.IgnoredAssets,
	}
}

func int64FromEnv(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "1" || v == "true" || v == "TRUE" {
			return true
		}
		if v == "0" || v == "false" || v == "FALSE" {
			return false
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
