package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "500ms",
// "2s" or "5m" rather than raw nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every setting the engine needs, passed explicitly into each
// component's constructor at startup. There is no global mutable state;
// credentials come from the environment, never from the file.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Venues map[string]VenueConfig `yaml:"venues"`

	Reconciliation ReconciliationConfig `yaml:"reconciliation"`

	Idempotency struct {
		RecordTTL    Duration `yaml:"record_ttl"`
		InFlightWait Duration `yaml:"in_flight_wait"`
	} `yaml:"idempotency"`

	PriceFeed struct {
		CacheTTL   Duration `yaml:"cache_ttl"`
		MaxSymbols int      `yaml:"max_symbols"`
	} `yaml:"price_feed"`
}

// VenueConfig configures one exchange venue: its adapter credentials and the
// admission budget for outbound calls to it.
type VenueConfig struct {
	Adapter   string `yaml:"adapter"` // bybit, binance or sim
	RestURL   string `yaml:"rest_url"`
	Testnet   bool   `yaml:"testnet"`
	APIKeyEnv string `yaml:"api_key_env"`
	SecretEnv string `yaml:"secret_env"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	CallTimeout Duration `yaml:"call_timeout"`
}

// RateLimitConfig is one venue's token bucket: capacity tokens, refilled
// continuously at RefillPerSec, with callers blocking at most MaxWait.
type RateLimitConfig struct {
	Capacity     int      `yaml:"capacity"`
	RefillPerSec float64  `yaml:"refill_per_sec"`
	MaxWait      Duration `yaml:"max_wait"`
}

// ReconciliationConfig controls the drift-detection loop.
type ReconciliationConfig struct {
	Interval Duration `yaml:"interval"`
	// GracePeriod is how long a SUBMITTED order with no venue record may sit
	// before it is assumed to have never reached the venue.
	GracePeriod Duration `yaml:"grace_period"`
	// DriftTolerance is the absolute position-quantity disagreement beyond
	// which a symbol is halted as a hard anomaly.
	DriftTolerance float64 `yaml:"drift_tolerance"`
}

// Load reads the YAML config at path and applies defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config suitable for local development: a single simulated
// venue and a sqlite database in the working directory.
func Default() *Config {
	cfg := &Config{
		Venues: map[string]VenueConfig{
			"sim": {
				Adapter: "sim",
				RateLimit: RateLimitConfig{
					Capacity:     10,
					RefillPerSec: 20,
					MaxWait:      Duration(2 * time.Second),
				},
				CallTimeout: Duration(5 * time.Second),
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "execution.db"
	}
	if c.Reconciliation.Interval == 0 {
		c.Reconciliation.Interval = Duration(time.Minute)
	}
	if c.Reconciliation.GracePeriod == 0 {
		c.Reconciliation.GracePeriod = Duration(2 * time.Minute)
	}
	if c.Reconciliation.DriftTolerance == 0 {
		c.Reconciliation.DriftTolerance = 0.0001
	}
	if c.Idempotency.RecordTTL == 0 {
		c.Idempotency.RecordTTL = Duration(24 * time.Hour)
	}
	if c.Idempotency.InFlightWait == 0 {
		c.Idempotency.InFlightWait = Duration(10 * time.Second)
	}
	if c.PriceFeed.CacheTTL == 0 {
		c.PriceFeed.CacheTTL = Duration(5 * time.Second)
	}
	if c.PriceFeed.MaxSymbols == 0 {
		c.PriceFeed.MaxSymbols = 512
	}

	for name, venue := range c.Venues {
		if venue.RateLimit.Capacity == 0 {
			venue.RateLimit.Capacity = 5
		}
		if venue.RateLimit.RefillPerSec == 0 {
			venue.RateLimit.RefillPerSec = 10
		}
		if venue.RateLimit.MaxWait == 0 {
			venue.RateLimit.MaxWait = Duration(2 * time.Second)
		}
		if venue.CallTimeout == 0 {
			venue.CallTimeout = Duration(5 * time.Second)
		}
		c.Venues[name] = venue
	}
}

// APIKey resolves the venue's API key from the environment.
func (v VenueConfig) APIKey() string { return os.Getenv(v.APIKeyEnv) }

// Secret resolves the venue's API secret from the environment.
func (v VenueConfig) Secret() string { return os.Getenv(v.SecretEnv) }
