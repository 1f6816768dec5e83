package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	authapi "classworks/cmd/internal/auth/api"
	"classworks/cmd/internal/auth/codec"
	"classworks/cmd/internal/auth/oauth"
	"classworks/cmd/internal/auth/ratelimit"
	"classworks/cmd/internal/auth/session"
	"classworks/cmd/internal/realtime"
	"classworks/cmd/security/password"
)

// ErrConfig wraps every configuration failure reported by LoadConfig.
var ErrConfig = errors.New("app config")

// ServerConfig is the process-level surface: listener, logging, database
// and the background sweep cadence.
type ServerConfig struct {
	HTTPAddr  string `env:"CLASSWORKS_HTTP_ADDR" envDefault:"0.0.0.0:3030"`
	LogLevel  string `env:"CLASSWORKS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CLASSWORKS_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"CLASSWORKS_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"CLASSWORKS_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"CLASSWORKS_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"CLASSWORKS_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"CLASSWORKS_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"CLASSWORKS_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	DatabaseURL   string `env:"CLASSWORKS_DATABASE_URL"`
	DBSchema      string `env:"CLASSWORKS_DB_SCHEMA" envDefault:"classworks"`
	DBAutoMigrate bool   `env:"CLASSWORKS_DB_AUTO_MIGRATE" envDefault:"true"`
	DBMaxConns    int32  `env:"CLASSWORKS_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32  `env:"CLASSWORKS_DB_MIN_CONNS" envDefault:"0"`

	// ReadinessRequireDB makes /readyz answer 503 unless Postgres is
	// configured and reachable.
	ReadinessRequireDB bool `env:"CLASSWORKS_READINESS_REQUIRE_DB" envDefault:"false"`

	// RequireTokenHMAC makes CLASSWORKS_TOKEN_HMAC_KEY mandatory.
	RequireTokenHMAC bool `env:"CLASSWORKS_REQUIRE_TOKEN_HMAC" envDefault:"false"`

	// AppsFile is an optional JSON array of apps seeded into the catalogue.
	AppsFile string `env:"CLASSWORKS_APPS_FILE"`

	CORSAllowedOrigins   []string `env:"CLASSWORKS_CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	CORSAllowCredentials bool     `env:"CLASSWORKS_CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CLASSWORKS_CORS_MAX_AGE" envDefault:"600"`

	DeviceCodeSweep time.Duration `env:"CLASSWORKS_DEVICE_CODE_SWEEP" envDefault:"5m"`
	OAuthStateSweep time.Duration `env:"CLASSWORKS_OAUTH_STATE_SWEEP" envDefault:"1m"`
	RateLimitSweep  time.Duration `env:"CLASSWORKS_RATE_LIMIT_SWEEP" envDefault:"1m"`
}

// Config is the full runtime configuration. Each component section is
// loaded by that component's own loader.
type Config struct {
	Server   ServerConfig
	Tokens   codec.Config
	Session  session.Config
	Password password.Config
	Auth     authapi.Config
	OAuth    oauth.Config
	Limits   ratelimit.Config
	Realtime realtime.Config
}

// DefaultConfig returns the defaults of every section. Token secrets are
// empty and must be filled in before New.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:           "0.0.0.0:3030",
			LogLevel:           "info",
			LogFormat:          "json",
			ReadHeaderTimeout:  5 * time.Second,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       15 * time.Second,
			IdleTimeout:        60 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			MaxHeaderBytes:     1 << 20,
			DBSchema:           "classworks",
			DBAutoMigrate:      true,
			DBMaxConns:         10,
			CORSAllowedOrigins: []string{"*"},
			CORSMaxAgeSeconds:  600,
			DeviceCodeSweep:    5 * time.Minute,
			OAuthStateSweep:    time.Minute,
			RateLimitSweep:     time.Minute,
		},
		Tokens:   codec.DefaultConfig(),
		Session:  session.DefaultConfig(),
		Password: password.DefaultConfig(),
		Auth:     authapi.DefaultConfig(),
		OAuth: oauth.Config{
			BaseURL:     "http://localhost:3000",
			FrontendURL: "http://localhost:5173",
		},
		Limits:   ratelimit.DefaultConfig(),
		Realtime: realtime.DefaultConfig(),
	}
}

// LoadConfig reads every section from the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if err := env.Parse(&cfg.Server); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := env.Parse(&cfg.Tokens); err != nil {
		return Config{}, fmt.Errorf("%w: tokens: %w", ErrConfig, err)
	}
	if err := env.Parse(&cfg.Limits); err != nil {
		return Config{}, fmt.Errorf("%w: rate limits: %w", ErrConfig, err)
	}

	var err error
	if cfg.Session, err = session.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.Password, err = password.FromEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.Auth, err = authapi.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.OAuth, err = oauth.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.Realtime, err = realtime.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-section constraints the component loaders do not.
func (c Config) Validate() error {
	s := c.Server
	if strings.TrimSpace(s.HTTPAddr) == "" {
		return fmt.Errorf("%w: CLASSWORKS_HTTP_ADDR is empty", ErrConfig)
	}
	switch strings.ToLower(strings.TrimSpace(s.LogFormat)) {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: CLASSWORKS_LOG_FORMAT must be json or pretty", ErrConfig)
	}
	if s.DBMinConns > s.DBMaxConns {
		return fmt.Errorf("%w: CLASSWORKS_DB_MIN_CONNS exceeds CLASSWORKS_DB_MAX_CONNS", ErrConfig)
	}
	for name, p := range map[string]ratelimit.Policy{
		"READ": c.Limits.Read, "WRITE": c.Limits.Write, "DELETE": c.Limits.Delete,
		"BATCH": c.Limits.Batch, "AUTH": c.Limits.Auth,
	} {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("%w: CLASSWORKS_RATE_%s_LIMIT and _WINDOW must be positive", ErrConfig, name)
		}
	}
	return nil
}
