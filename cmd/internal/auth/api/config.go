package authapi

import (
	"errors"
	"fmt"

	envparse "github.com/caarlos0/env/v11"
)

// ErrConfig wraps every configuration failure of this package.
var ErrConfig = errors.New("authapi config")

// Config controls request handling of the auth API.
type Config struct {
	TrustProxy   bool  `env:"CLASSWORKS_TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes int64 `env:"CLASSWORKS_MAX_BODY_BYTES" envDefault:"1048576"`

	// DeviceCodeMessage is shown next to a freshly created device code.
	DeviceCodeMessage string `env:"CLASSWORKS_DEVICE_CODE_MESSAGE" envDefault:"请在前端输入此代码进行授权"`

	// AllowDeviceAutoCreate lets POST /apps/{appId}/authorize register an
	// unknown device UUID on the fly.
	AllowDeviceAutoCreate bool `env:"CLASSWORKS_DEVICE_AUTO_CREATE" envDefault:"true"`

	// StrictDeviceUUID rejects device registrations whose uuid is not an RFC 4122 UUID.
	StrictDeviceUUID bool `env:"CLASSWORKS_DEVICE_STRICT_UUID" envDefault:"false"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:          1 << 20,
		DeviceCodeMessage:     "请在前端输入此代码进行授权",
		AllowDeviceAutoCreate: true,
	}
}

// LoadConfigFromEnv parses Config from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envparse.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: CLASSWORKS_MAX_BODY_BYTES must be positive", ErrConfig)
	}
	return nil
}
