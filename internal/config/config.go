// Package config loads ucpd settings from defaults, an optional YAML file,
// UCP_ prefixed environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. UCP_HTTP_ADDR.
const EnvPrefix = "UCP"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type Config struct {
	LogMode    string           `mapstructure:"log_mode"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Checkout   CheckoutConfig   `mapstructure:"checkout"`
	Orders     OrdersConfig     `mapstructure:"orders"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend for every aggregate.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig moves settlement tokens to Redis when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// AuthConfig maps API keys to tenants. Without keys every request runs as
// DefaultTenant.
type AuthConfig struct {
	// APIKeys is read from "key=tenant" entries, a YAML list or a comma
	// separated env value, so keys keep their case.
	APIKeys       map[string]string `mapstructure:"-"`
	DefaultTenant string            `mapstructure:"default_tenant"`
}

type SigningConfig struct {
	// KeyFile is a PEM encoded P-256 private key. A fresh key is generated
	// per process when empty.
	KeyFile string `mapstructure:"key_file"`
	// TrustedKeysFile is a JWK set whose keys may sign inbound requests.
	TrustedKeysFile string        `mapstructure:"trusted_keys_file"`
	HMACSecret      string        `mapstructure:"hmac_secret"`
	RequireSigned   bool          `mapstructure:"require_signed"`
	MaxClockSkew    time.Duration `mapstructure:"max_clock_skew"`
}

type WebhookConfig struct {
	URL             string        `mapstructure:"url"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
}

type CheckoutConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	AutoComplete   bool          `mapstructure:"auto_complete"`
	RequireBilling bool          `mapstructure:"require_billing"`
}

type OrdersConfig struct {
	PermalinkBase string `mapstructure:"permalink_base"`
}

type SettlementConfig struct {
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	ProcessingDelay  time.Duration `mapstructure:"processing_delay"`
	CompletionDelay  time.Duration `mapstructure:"completion_delay"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

var defaults = map[string]any{
	"log_mode":                     "production",
	"http.addr":                    ":8080",
	"http.read_header_timeout":     5 * time.Second,
	"http.shutdown_timeout":        10 * time.Second,
	"store.driver":                 DriverMemory,
	"store.dsn":                    "",
	"redis.addr":                   "",
	"redis.password":               "",
	"redis.db":                     0,
	"redis.prefix":                 "ucp",
	"redis.retention":              24 * time.Hour,
	"auth.default_tenant":          "default",
	"signing.key_file":             "",
	"signing.trusted_keys_file":    "",
	"signing.hmac_secret":          "",
	"signing.require_signed":       false,
	"signing.max_clock_skew":       5 * time.Minute,
	"webhook.url":                  "",
	"webhook.breaker_failures":     5,
	"webhook.breaker_open_for":     30 * time.Second,
	"checkout.ttl":                 6 * time.Hour,
	"checkout.auto_complete":       true,
	"checkout.require_billing":     false,
	"orders.permalink_base":        "",
	"settlement.token_ttl":         15 * time.Minute,
	"settlement.processing_delay":  2 * time.Second,
	"settlement.completion_delay":  3 * time.Second,
	"settlement.sweep_interval":    time.Minute,
	"settlement.recovery_interval": 30 * time.Second,
	"settlement.stale_after":       2 * time.Minute,
}

// Load reads the configuration. file may be empty. bind, when set, runs
// before decoding so callers can attach flags with [viper.Viper.BindPFlag].
func Load(file string, bind func(v *viper.Viper) error) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	if bind != nil {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	keys, err := parseAPIKeys(v.Get("auth.api_keys"))
	if err != nil {
		return nil, err
	}
	cfg.Auth.APIKeys = keys
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseAPIKeys(raw any) (map[string]string, error) {
	var entries []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		entries = strings.Split(val, ",")
	case []string:
		entries = val
	case []any:
		for _, e := range val {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("config: auth.api_keys entry %v is not a string", e)
			}
			entries = append(entries, s)
		}
	default:
		return nil, fmt.Errorf("config: auth.api_keys must be a list of key=tenant entries, got %T", raw)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(entries))
	for _, pair := range entries {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, tenant, ok := strings.Cut(pair, "=")
		if !ok || key == "" || tenant == "" {
			return nil, fmt.Errorf("config: auth.api_keys entry %q must be key=tenant", pair)
		}
		out[key] = tenant
	}
	return out, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite", c.Store.Driver))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Signing.RequireSigned && c.Signing.HMACSecret == "" && c.Signing.TrustedKeysFile == "" {
		errs = append(errs, errors.New("signing.require_signed needs signing.hmac_secret or signing.trusted_keys_file"))
	}
	if c.Signing.MaxClockSkew <= 0 {
		errs = append(errs, errors.New("signing.max_clock_skew must be positive"))
	}
	if c.Auth.DefaultTenant == "" {
		errs = append(errs, errors.New("auth.default_tenant is required"))
	}
	for name, d := range map[string]time.Duration{
		"checkout.ttl":                 c.Checkout.TTL,
		"settlement.token_ttl":         c.Settlement.TokenTTL,
		"settlement.sweep_interval":    c.Settlement.SweepInterval,
		"settlement.recovery_interval": c.Settlement.RecoveryInterval,
		"settlement.stale_after":       c.Settlement.StaleAfter,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
