package password

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
)

// Hash schemes.
const (
	SchemeBcrypt   = "bcrypt"
	SchemeArgon2id = "argon2id"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `env:"CLASSWORKS_ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"CLASSWORKS_ARGON2_ITERATIONS"`
	Parallelism uint8  `env:"CLASSWORKS_ARGON2_PARALLELISM"`
	SaltLength  uint32 `env:"CLASSWORKS_ARGON2_SALT_LEN"`
	KeyLength   uint32 `env:"CLASSWORKS_ARGON2_KEY_LEN"`
}

// Policy controls password validation.
type Policy struct {
	MinLength      int  `env:"CLASSWORKS_PASSWORD_MIN_LEN"`
	MaxLength      int  `env:"CLASSWORKS_PASSWORD_MAX_LEN"`
	RejectVeryWeak bool `env:"CLASSWORKS_PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Scheme     string `env:"CLASSWORKS_PASSWORD_SCHEME"`
	BcryptCost int    `env:"CLASSWORKS_BCRYPT_COST"`
	Params     Argon2idParams
	Policy     Policy
}

// DefaultConfig hashes with bcrypt at cost 8. Device secrets are checked on
// hot paths (auto-auth walks every rule of a device), so the default favours
// verify latency; Argon2id is available via CLASSWORKS_PASSWORD_SCHEME.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Scheme:     SchemeBcrypt,
		BcryptCost: 8,
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 1,
			MaxLength: 64,
		},
	}
}

// FromEnv overlays environment variables on DefaultConfig.
//
// Env surface:
// - CLASSWORKS_PASSWORD_SCHEME (bcrypt|argon2id)
// - CLASSWORKS_BCRYPT_COST
// - CLASSWORKS_PASSWORD_MIN_LEN, CLASSWORKS_PASSWORD_MAX_LEN
// - CLASSWORKS_PASSWORD_REJECT_VERY_WEAK
// - CLASSWORKS_ARGON2_MEMORY_KIB, _ITERATIONS, _PARALLELISM, _SALT_LEN, _KEY_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("password: parse env: %w", err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	switch c.Scheme {
	case SchemeBcrypt, SchemeArgon2id:
	default:
		return fmt.Errorf("password: %w: %q", ErrUnknownScheme, c.Scheme)
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > 14 {
		return fmt.Errorf("password: bcrypt cost out of range [%d..14]", bcrypt.MinCost)
	}
	if err := inRange("argon2 memory_kib", c.Params.MemoryKiB, 8*1024, 1024*1024); err != nil {
		return err
	}
	if err := inRange("argon2 iterations", c.Params.Iterations, 1, 20); err != nil {
		return err
	}
	if err := inRange("argon2 parallelism", uint32(c.Params.Parallelism), 1, 64); err != nil {
		return err
	}
	if err := inRange("argon2 salt_len", c.Params.SaltLength, 8, 64); err != nil {
		return err
	}
	if err := inRange("argon2 key_len", c.Params.KeyLength, 16, 64); err != nil {
		return err
	}
	if c.Policy.MinLength < 1 {
		return fmt.Errorf("password policy invalid: min_len must be >= 1")
	}
	if c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			c.Policy.MinLength,
			c.Policy.MaxLength,
		)
	}
	return nil
}

func inRange(name string, v, minVal, maxVal uint32) error {
	if v < minVal || v > maxVal {
		return fmt.Errorf("password: %s out of range [%d..%d]", name, minVal, maxVal)
	}
	return nil
}
