package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrConfig wraps every gateway configuration failure.
var ErrConfig = errors.New("realtime config")

// Config is the websocket gateway policy.
type Config struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool `env:"CLASSWORKS_WS_ORIGIN_REQUIRED" envDefault:"false"`
	// AllowedOrigins lists full origins or bare hosts; "*" allows any.
	AllowedOrigins []string `env:"CLASSWORKS_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	WriteTimeout      time.Duration `env:"CLASSWORKS_WS_WRITE_TIMEOUT" envDefault:"5s"`
	// ReadIdleTimeout closes a connection that has neither sent a frame nor
	// answered a heartbeat for this long. It must exceed HeartbeatInterval.
	ReadIdleTimeout   time.Duration `env:"CLASSWORKS_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueue         int           `env:"CLASSWORKS_WS_SEND_QUEUE" envDefault:"256"`
	HeartbeatInterval time.Duration `env:"CLASSWORKS_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"CLASSWORKS_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"CLASSWORKS_WS_RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"CLASSWORKS_WS_RATE_WINDOW" envDefault:"10s"`

	HistorySize    int           `env:"CLASSWORKS_WS_HISTORY_SIZE" envDefault:"1000"`
	TokenCacheSize int           `env:"CLASSWORKS_WS_TOKEN_CACHE_SIZE" envDefault:"4096"`
	TokenCacheTTL  time.Duration `env:"CLASSWORKS_WS_TOKEN_CACHE_TTL" envDefault:"1h"`
}

const minSendQueue = 32

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{"*"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueue:         256,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		HistorySize:       defaultHistorySize,
		TokenCacheSize:    defaultTokenCacheSize,
		TokenCacheTTL:     defaultTokenCacheTTL,
	}
}

// LoadConfigFromEnv parses Config from CLASSWORKS_WS_* variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive timings and sizes.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"WRITE_TIMEOUT":      c.WriteTimeout,
		"READ_IDLE_TIMEOUT":  c.ReadIdleTimeout,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  c.HeartbeatTimeout,
		"RATE_WINDOW":        c.RateWindow,
		"TOKEN_CACHE_TTL":    c.TokenCacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: CLASSWORKS_WS_%s must be positive", ErrConfig, name)
		}
	}
	for name, n := range map[string]int{
		"SEND_QUEUE":       c.SendQueue,
		"RATE_EVENTS":      c.RateEvents,
		"HISTORY_SIZE":     c.HistorySize,
		"TOKEN_CACHE_SIZE": c.TokenCacheSize,
	} {
		if n <= 0 {
			return fmt.Errorf("%w: CLASSWORKS_WS_%s must be positive", ErrConfig, name)
		}
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout must be shorter than the interval", ErrConfig)
	}
	if c.ReadIdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: read idle timeout must be longer than the heartbeat interval", ErrConfig)
	}
	return nil
}
