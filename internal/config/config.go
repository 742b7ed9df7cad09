// Package config loads engine configuration from an optional YAML file and
// ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/minevest/share-engine/internal/fees"
	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/pricing"
)

// Config is the parsed engine configuration.
type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string
	CacheTTL       time.Duration
	AllowedOrigins []string

	LockTimeout time.Duration
	JournalDir  string

	BatchInterval     time.Duration
	BatchSize         int
	ReconcileInterval time.Duration
	ExpiryInterval    time.Duration
	VolumeCap         limits.Window

	Fees    fees.Rules
	Pricing pricing.Config
	Rates   map[string]decimal.Decimal
	Intake  intake.Policy
}

// raw mirrors the file layout. Decimals are strings so "0.5" and 0.5 both
// parse exactly.
type raw struct {
	Port           string   `mapstructure:"port"`
	DatabaseURL    string   `mapstructure:"database_url"`
	RedisURL       string   `mapstructure:"redis_url"`
	CacheTTL       string   `mapstructure:"cache_ttl"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	LockTimeout string `mapstructure:"lock_timeout"`
	JournalDir  string `mapstructure:"journal_dir"`

	Settlement struct {
		BatchInterval     string        `mapstructure:"batch_interval"`
		BatchSize         int           `mapstructure:"batch_size"`
		ReconcileInterval string        `mapstructure:"reconcile_interval"`
		ExpiryInterval    string        `mapstructure:"expiry_interval"`
		VolumeCap         limits.Window `mapstructure:"volume_cap"`
	} `mapstructure:"settlement"`

	Fees struct {
		Split    map[string]string `mapstructure:"split"`
		Proceeds map[string]string `mapstructure:"proceeds"`
		Rates    map[string]string `mapstructure:"rates"`
	} `mapstructure:"fees"`

	Pricing struct {
		Weights           map[string]string `mapstructure:"weights"`
		MaxDailyChange    string            `mapstructure:"max_daily_change"`
		MaxWeeklyChange   string            `mapstructure:"max_weekly_change"`
		MaxMonthlyChange  string            `mapstructure:"max_monthly_change"`
		CircuitBreakerPct string            `mapstructure:"circuit_breaker_pct"`
		TolerancePct      string            `mapstructure:"tolerance_pct"`
	} `mapstructure:"pricing"`

	Currencies map[string]string `mapstructure:"currencies"`

	Intake struct {
		DefaultAccountType       string                `mapstructure:"default_account_type"`
		AccountTypes             map[string]rawAccount `mapstructure:"account_types"`
		BookingMinDownPaymentPct string                `mapstructure:"booking_min_down_payment_pct"`
		BookingTTL               string                `mapstructure:"booking_ttl"`
		TransferApprovalValue    string                `mapstructure:"transfer_approval_value"`
		ApproveUntrusted         bool                  `mapstructure:"approve_untrusted"`
	} `mapstructure:"intake"`
}

type rawAccount struct {
	MinOrder       int64         `mapstructure:"min_order"`
	MaxOrder       int64         `mapstructure:"max_order"`
	SellLimits     limits.Window `mapstructure:"sell_limits"`
	TransferLimits limits.Window `mapstructure:"transfer_limits"`
	LockOnPurchase bool          `mapstructure:"lock_on_purchase"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("lock_timeout", "2s")
	v.SetDefault("journal_dir", "./data/journal")

	v.SetDefault("settlement.batch_interval", "1m")
	v.SetDefault("settlement.batch_size", 100)
	v.SetDefault("settlement.reconcile_interval", "10m")
	v.SetDefault("settlement.expiry_interval", "1h")

	v.SetDefault("fees.split", map[string]string{
		"admin": "25", "buyback": "25", "project": "25", "expenses": "25",
	})
	v.SetDefault("fees.proceeds", map[string]string{
		"admin": "10", "buyback": "20", "project": "60", "expenses": "10",
	})
	v.SetDefault("fees.rates", map[string]string{
		"buy": "1", "booking": "1", "sell": "1", "buyback": "0", "transfer": "0.5",
	})

	v.SetDefault("pricing.weights", map[string]string{
		"mining_profit": "0.4", "dividend_impact": "0.2", "market_activity": "0.2",
		"volatility_adjustment": "0.1", "manual_adjustment": "0.1",
	})
	v.SetDefault("pricing.max_daily_change", "5")
	v.SetDefault("pricing.max_weekly_change", "10")
	v.SetDefault("pricing.max_monthly_change", "20")
	v.SetDefault("pricing.circuit_breaker_pct", "15")
	v.SetDefault("pricing.tolerance_pct", "2")

	v.SetDefault("currencies", map[string]string{"usd": "1"})

	v.SetDefault("intake.default_account_type", "standard")
	v.SetDefault("intake.account_types", map[string]any{
		"standard": map[string]any{"min_order": 1},
	})
	v.SetDefault("intake.booking_min_down_payment_pct", "20")
	v.SetDefault("intake.booking_ttl", "720h")
	v.SetDefault("intake.transfer_approval_value", "0")
}

// Load reads path (if non-empty), then ./config.yaml if present, and applies
// ENGINE_* environment overrides (ENGINE_DATABASE_URL, ENGINE_PRICING_TOLERANCE_PCT, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var r raw
	if err := v.Unmarshal(&r); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return r.parse()
}

func (r raw) parse() (*Config, error) {
	c := &Config{
		Port:           r.Port,
		DatabaseURL:    r.DatabaseURL,
		RedisURL:       r.RedisURL,
		AllowedOrigins: r.AllowedOrigins,
		JournalDir:     r.JournalDir,
		BatchSize:      r.Settlement.BatchSize,
		VolumeCap:      r.Settlement.VolumeCap,
	}
	p := parser{}

	c.CacheTTL = p.duration("cache_ttl", r.CacheTTL)
	c.LockTimeout = p.duration("lock_timeout", r.LockTimeout)
	c.BatchInterval = p.duration("settlement.batch_interval", r.Settlement.BatchInterval)
	c.ReconcileInterval = p.duration("settlement.reconcile_interval", r.Settlement.ReconcileInterval)
	c.ExpiryInterval = p.duration("settlement.expiry_interval", r.Settlement.ExpiryInterval)

	c.Fees = fees.Rules{
		FeeSplit:      p.funds("fees.split", r.Fees.Split),
		ProceedsSplit: p.funds("fees.proceeds", r.Fees.Proceeds),
		FeeRates:      make(map[model.OrderKind]decimal.Decimal, len(r.Fees.Rates)),
	}
	for k, s := range r.Fees.Rates {
		c.Fees.FeeRates[model.OrderKind(k)] = p.decimal("fees.rates."+k, s)
	}

	w := r.Pricing.Weights
	c.Pricing = pricing.Config{
		Weights: pricing.Weights{
			MiningProfit:         p.decimal("pricing.weights.mining_profit", w["mining_profit"]),
			DividendImpact:       p.decimal("pricing.weights.dividend_impact", w["dividend_impact"]),
			MarketActivity:       p.decimal("pricing.weights.market_activity", w["market_activity"]),
			VolatilityAdjustment: p.decimal("pricing.weights.volatility_adjustment", w["volatility_adjustment"]),
			ManualAdjustment:     p.decimal("pricing.weights.manual_adjustment", w["manual_adjustment"]),
		},
		MaxDailyChange:    p.decimal("pricing.max_daily_change", r.Pricing.MaxDailyChange),
		MaxWeeklyChange:   p.decimal("pricing.max_weekly_change", r.Pricing.MaxWeeklyChange),
		MaxMonthlyChange:  p.decimal("pricing.max_monthly_change", r.Pricing.MaxMonthlyChange),
		CircuitBreakerPct: p.decimal("pricing.circuit_breaker_pct", r.Pricing.CircuitBreakerPct),
		TolerancePct:      p.decimal("pricing.tolerance_pct", r.Pricing.TolerancePct),
	}

	c.Rates = make(map[string]decimal.Decimal, len(r.Currencies))
	for cur, s := range r.Currencies {
		c.Rates[strings.ToUpper(cur)] = p.decimal("currencies."+cur, s)
	}

	c.Intake = intake.Policy{
		AccountTypes:             make(map[string]intake.AccountType, len(r.Intake.AccountTypes)),
		DefaultAccountType:       r.Intake.DefaultAccountType,
		BookingMinDownPaymentPct: p.decimal("intake.booking_min_down_payment_pct", r.Intake.BookingMinDownPaymentPct),
		BookingTTL:               p.duration("intake.booking_ttl", r.Intake.BookingTTL),
		TransferApprovalValue:    p.decimal("intake.transfer_approval_value", r.Intake.TransferApprovalValue),
		ApproveUntrusted:         r.Intake.ApproveUntrusted,
	}
	for name, a := range r.Intake.AccountTypes {
		c.Intake.AccountTypes[name] = intake.AccountType{
			MinOrder:       a.MinOrder,
			MaxOrder:       a.MaxOrder,
			SellLimits:     a.SellLimits,
			TransferLimits: a.TransferLimits,
			LockOnPurchase: a.LockOnPurchase,
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	return c, c.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if _, ok := c.Intake.AccountTypes[c.Intake.DefaultAccountType]; !ok {
		return fmt.Errorf("intake.default_account_type %q has no account_types entry", c.Intake.DefaultAccountType)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if len(c.Rates) == 0 {
		return errors.New("at least one currency rate is required")
	}
	return nil
}

// parser keeps the first conversion error.
type parser struct {
	err error
}

func (p *parser) decimal(key, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("incorrect %q param (must be a decimal): %w", key, err)
	}
	return d
}

func (p *parser) duration(key, s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("incorrect %q param (must be a duration): %w", key, err)
	}
	return d
}

func (p *parser) funds(key string, m map[string]string) map[model.Fund]decimal.Decimal {
	out := make(map[model.Fund]decimal.Decimal, len(m))
	for name, s := range m {
		out[model.Fund(name)] = p.decimal(key+"."+name, s)
	}
	for _, f := range model.Funds {
		if _, ok := out[f]; !ok && p.err == nil {
			p.err = fmt.Errorf("%s: missing fund %q", key, f)
		}
	}
	return out
}
