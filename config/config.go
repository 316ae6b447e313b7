// Package config loads the daemon configuration from file, environment and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Log   LogConfig   `mapstructure:"log"`
	Store StoreConfig `mapstructure:"store"`
	API   APIConfig   `mapstructure:"api"`

	Orders   OrdersConfig   `mapstructure:"orders"`
	Matching MatchingConfig `mapstructure:"matching"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig controls the HTTP front end.
type APIConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// OrdersConfig controls the order book service limits.
type OrdersConfig struct {
	MaxPerUser int           `mapstructure:"max_per_user"`
	Expiry     time.Duration `mapstructure:"expiry"`
}

// MatchingConfig controls the matching engine.
type MatchingConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	PassBudget          int           `mapstructure:"pass_budget"`
	CommissionRate      float64       `mapstructure:"commission_rate"`
	ConfirmDeadline     time.Duration `mapstructure:"confirm_deadline"`
	NegotiationDeadline time.Duration `mapstructure:"negotiation_deadline"`
	SpreadAlertCap      float64       `mapstructure:"spread_alert_cap"`
	MirrorTTL           time.Duration `mapstructure:"mirror_ttl"`
	SinkTimeout         time.Duration `mapstructure:"sink_timeout"`
}

// NATSConfig controls the external messaging sink. Disabled means outbound
// participant messages are logged only.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("store.path", "commodex.db")

	v.SetDefault("api.addr", "0.0.0.0:8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)

	v.SetDefault("orders.max_per_user", 50)
	v.SetDefault("orders.expiry", 24*time.Hour)

	v.SetDefault("matching.interval", 5*time.Second)
	v.SetDefault("matching.pass_budget", 64)
	v.SetDefault("matching.commission_rate", 0.001)
	v.SetDefault("matching.confirm_deadline", 60*time.Second)
	v.SetDefault("matching.negotiation_deadline", 30*time.Second)
	v.SetDefault("matching.spread_alert_cap", 0.20)
	v.SetDefault("matching.mirror_ttl", 30*time.Second)
	v.SetDefault("matching.sink_timeout", 5*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.prefix", "commodex.msg")
}

// Load reads the configuration. path may be empty; environment variables use
// the COMMODEX_ prefix with underscores (e.g. COMMODEX_API_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMMODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Matching.CommissionRate < 0 || c.Matching.CommissionRate >= 1 {
		return fmt.Errorf("matching.commission_rate %v out of range [0, 1)", c.Matching.CommissionRate)
	}
	if c.Matching.SpreadAlertCap < 0 {
		return fmt.Errorf("matching.spread_alert_cap %v must not be negative", c.Matching.SpreadAlertCap)
	}
	if c.Orders.MaxPerUser <= 0 {
		return fmt.Errorf("orders.max_per_user %d must be positive", c.Orders.MaxPerUser)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	return nil
}
