package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Billing   Billing   `mapstructure:"billing"`
	Reconnect Reconnect `mapstructure:"reconnect"`
	Store     Store     `mapstructure:"store"`
	Gateway   Gateway   `mapstructure:"gateway"`
}

type Billing struct {
	Interval           time.Duration `mapstructure:"interval"`
	ProrationThreshold time.Duration `mapstructure:"proration_threshold"`
	StartupTimeout     time.Duration `mapstructure:"startup_timeout"`
	ProviderSharePct   int64         `mapstructure:"provider_share_pct"`
}

type Reconnect struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Store struct {
	Path string `mapstructure:"path"`
}

type Gateway struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("billing.interval", "60s")
	v.SetDefault("billing.proration_threshold", "30s")
	v.SetDefault("billing.startup_timeout", "90s")
	v.SetDefault("billing.provider_share_pct", 70)
	v.SetDefault("reconnect.base", "1s")
	v.SetDefault("reconnect.cap", "16s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("store.path", "sessions.db")
	v.SetDefault("gateway.timeout", "10s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Billing.Interval <= 0 {
		return fmt.Errorf("billing.interval must be positive, got %s", c.Billing.Interval)
	}
	if c.Billing.ProrationThreshold < 0 || c.Billing.ProrationThreshold > c.Billing.Interval {
		return fmt.Errorf("billing.proration_threshold must be within [0, %s]", c.Billing.Interval)
	}
	if c.Billing.ProviderSharePct < 0 || c.Billing.ProviderSharePct > 100 {
		return fmt.Errorf("billing.provider_share_pct must be within [0, 100]")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	return nil
}
