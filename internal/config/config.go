package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode            string            `mapstructure:"mode" validate:"oneof=debug release test"`
	Port            int               `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel        string            `mapstructure:"log_level"`
	Secret          string            `mapstructure:"secret" validate:"required"`
	JWTSecret       string            `mapstructure:"jwt_secret" validate:"required"`
	AllowObservers  bool              `mapstructure:"allow_observers"`
	InviteTTL       time.Duration     `mapstructure:"invite_ttl" validate:"min=1m"`
	MeetingsEnabled bool              `mapstructure:"meetings_enabled"`
	ReadLimit       int64             `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod      time.Duration     `mapstructure:"ping_period" validate:"min=1s"`
	SendBuffer      int               `mapstructure:"send_buffer" validate:"min=1"`
	DisconnectGrace time.Duration     `mapstructure:"disconnect_grace" validate:"min=0s"`
	RatingGrace     time.Duration     `mapstructure:"rating_grace" validate:"min=0s"`
	RateLimit       RateLimitConfig   `mapstructure:"rate_limit"`
	Persistence     PersistenceConfig `mapstructure:"persistence"`
}

type RateLimitConfig struct {
	Messages int           `mapstructure:"messages" validate:"min=1"`
	Interval time.Duration `mapstructure:"interval" validate:"min=1ms"`
}

type PersistenceConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=memory redis postgres http"`
	Timeout  time.Duration  `mapstructure:"timeout" validate:"min=1ms"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type RedisConfig struct {
	URI       string        `mapstructure:"uri"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

var ErrBackendConfig = errors.New("persistence backend is not configured")

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env))
}

func load(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("MEETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("persistence", cfg.Persistence.Backend).Bool("meetings_enabled", cfg.MeetingsEnabled).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("allow_observers", false)
	v.SetDefault("invite_ttl", "24h")
	v.SetDefault("meetings_enabled", true)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("disconnect_grace", "10s")
	v.SetDefault("rating_grace", "2m")
	v.SetDefault("rate_limit.messages", 20)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("persistence.backend", "memory")
	v.SetDefault("persistence.timeout", "5s")
	v.SetDefault("persistence.redis.uri", "")
	v.SetDefault("persistence.redis.addr", "localhost:6379")
	v.SetDefault("persistence.redis.password", "")
	v.SetDefault("persistence.redis.db", 0)
	v.SetDefault("persistence.redis.key_prefix", "meetsync:")
	v.SetDefault("persistence.redis.ttl", "720h")
	v.SetDefault("persistence.postgres.dsn", "")
	v.SetDefault("persistence.http.base_url", "")
	v.SetDefault("persistence.http.token", "")
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Persistence.Backend {
	case "postgres":
		if c.Persistence.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres.dsn", ErrBackendConfig)
		}
	case "http":
		if c.Persistence.HTTP.BaseURL == "" {
			return fmt.Errorf("%w: http.base_url", ErrBackendConfig)
		}
	}
	return nil
}
