package config

import (
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/paygate-labs/paygate/internal/model"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Gate        GateConfig        `mapstructure:"gate"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Routes      []RouteConfig     `mapstructure:"routes"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type GateConfig struct {
	// PayTo is the resource wallet that must appear as the authorization
	// recipient.
	PayTo              string      `mapstructure:"pay_to"`
	Network            string      `mapstructure:"network"`
	ChainID            int64       `mapstructure:"chain_id"`
	VerifyOnly         bool        `mapstructure:"verify_only"`
	ReplayGraceSeconds int         `mapstructure:"replay_grace_seconds"`
	DefaultAsset       model.Asset `mapstructure:"default_asset"`
}

type FacilitatorConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	Retries      int    `mapstructure:"retries"`
	RetryDelayMs int    `mapstructure:"retry_delay_ms"`
}

type OracleConfig struct {
	// Mode is one of "fixed", "http", "feed".
	Mode       string `mapstructure:"mode"`
	FixedPrice string `mapstructure:"fixed_price"`
	BaseURL    string `mapstructure:"base_url"`
	Pair       string `mapstructure:"pair"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	WSURL      string `mapstructure:"ws_url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	ReplayRetentionHours   int    `mapstructure:"replay_retention_hours"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

type RouteConfig struct {
	Pattern string `mapstructure:"pattern"`
	// Price is the flat fiat form, e.g. "$0.001". Mutually exclusive with
	// Amount/Asset.
	Price             string      `mapstructure:"price"`
	Amount            string      `mapstructure:"amount"`
	Asset             model.Asset `mapstructure:"asset"`
	Description       string      `mapstructure:"description"`
	MimeType          string      `mapstructure:"mime_type"`
	MaxTimeoutSeconds int         `mapstructure:"max_timeout_seconds"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. PAYGATE_FACILITATOR_BASE_URL
	viper.SetEnvPrefix("paygate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("gate.network", "base-sepolia")
	viper.SetDefault("gate.chain_id", 84532)
	viper.SetDefault("gate.verify_only", false)
	viper.SetDefault("gate.replay_grace_seconds", 300)
	viper.SetDefault("facilitator.timeout_ms", 5000)
	viper.SetDefault("facilitator.retries", 2)
	viper.SetDefault("facilitator.retry_delay_ms", 100)
	viper.SetDefault("oracle.mode", "fixed")
	viper.SetDefault("oracle.fixed_price", "1.0")
	viper.SetDefault("oracle.pair", "USDC-USD")
	viper.SetDefault("oracle.ttl_seconds", 30)
	viper.SetDefault("database.replay_retention_hours", 24)
	viper.SetDefault("database.cleanup_interval_minutes", 60)
	viper.SetDefault("ratelimit.enabled", false)
	viper.SetDefault("ratelimit.rps", 20)
	viper.SetDefault("ratelimit.burst", 40)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("journal.dir", "./data/settlements")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces the fail-fast contract: a malformed configuration is a
// startup error, never a per-request fault.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Gate.PayTo) {
		return fmt.Errorf("gate.pay_to is not a valid address: %q", c.Gate.PayTo)
	}
	if c.Gate.Network == "" {
		return fmt.Errorf("gate.network is required")
	}
	if c.Facilitator.BaseURL == "" {
		return fmt.Errorf("facilitator.base_url is required")
	}
	for i := range c.Routes {
		if _, err := c.Routes[i].Rule(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	return nil
}

// Rule converts a route entry to a pricing rule, rejecting entries that set
// neither or both price variants.
func (r *RouteConfig) Rule() (*model.PricingRule, error) {
	if r.Pattern == "" || !strings.HasPrefix(r.Pattern, "/") {
		return nil, fmt.Errorf("pattern must start with '/': %q", r.Pattern)
	}
	rule := &model.PricingRule{
		Pattern:           r.Pattern,
		Description:       r.Description,
		MimeType:          r.MimeType,
		MaxTimeoutSeconds: r.MaxTimeoutSeconds,
	}
	if rule.MaxTimeoutSeconds <= 0 {
		rule.MaxTimeoutSeconds = 60
	}

	hasFlat := r.Price != ""
	hasAtomic := r.Amount != ""
	switch {
	case hasFlat && hasAtomic:
		return nil, fmt.Errorf("pattern %q sets both price and amount", r.Pattern)
	case hasFlat:
		amount, err := parseFlatPrice(r.Price)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		rule.Flat = &model.FlatPrice{Currency: "USD", Amount: amount}
	case hasAtomic:
		if !common.IsHexAddress(r.Asset.Address) {
			return nil, fmt.Errorf("pattern %q: asset address is not a valid address", r.Pattern)
		}
		if r.Asset.Decimals < 0 || r.Asset.Decimals > 36 {
			return nil, fmt.Errorf("pattern %q: asset decimals out of range", r.Pattern)
		}
		if _, ok := new(big.Int).SetString(r.Amount, 10); !ok {
			return nil, fmt.Errorf("pattern %q: amount is not an atomic integer", r.Pattern)
		}
		rule.Atomic = &model.AtomicPrice{Amount: r.Amount, Asset: r.Asset}
	default:
		return nil, fmt.Errorf("pattern %q sets neither price nor amount", r.Pattern)
	}
	return rule, nil
}

func parseFlatPrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "$") {
		return decimal.Zero, fmt.Errorf("flat price must look like \"$0.001\", got %q", s)
	}
	amount, err := decimal.NewFromString(strings.TrimPrefix(s, "$"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid flat price %q: %w", s, err)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("flat price must be positive, got %q", s)
	}
	return amount, nil
}

// Rules converts and returns all configured pricing rules. Validate must
// have succeeded first.
func (c *Config) Rules() []model.PricingRule {
	rules := make([]model.PricingRule, 0, len(c.Routes))
	for i := range c.Routes {
		rule, err := c.Routes[i].Rule()
		if err != nil {
			continue
		}
		rules = append(rules, *rule)
	}
	return rules
}
