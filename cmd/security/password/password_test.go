package password

import (
	"errors"
	"strings"
	"testing"
)

func fastArgon() Config {
	cfg := DefaultConfig()
	cfg.Scheme = SchemeArgon2id
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify_Schemes(t *testing.T) {
	bc := DefaultConfig()
	bc.BcryptCost = 4

	tests := []struct {
		name   string
		cfg    Config
		prefix string
	}{
		{"bcrypt", bc, "$2a$"},
		{"argon2id", fastArgon(), "$argon2id$v=19$"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, err := tc.cfg.Hash("1234")
			if err != nil {
				t.Fatalf("Hash error: %v", err)
			}
			if !strings.HasPrefix(h, tc.prefix) {
				t.Fatalf("hash prefix: got=%q want=%q", h[:8], tc.prefix)
			}

			ok, err := tc.cfg.Verify(h, "1234")
			if err != nil || !ok {
				t.Fatalf("expected match, ok=%v err=%v", ok, err)
			}
			ok, err = tc.cfg.Verify(h, "4321")
			if err != nil || ok {
				t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestVerify_CrossScheme(t *testing.T) {
	argon := fastArgon()
	h, err := argon.Hash("room-7a")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	// A bcrypt-configured verifier still accepts Argon2id hashes.
	bc := DefaultConfig()
	bc.Params = argon.Params
	ok, err := bc.Verify(h, "room-7a")
	if err != nil || !ok {
		t.Fatalf("cross-scheme verify failed: ok=%v err=%v", ok, err)
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	cfg := DefaultConfig()

	for _, h := range []string{"not-a-hash", "", "$2a$short", "$argon2id$v=18$m=1,t=1,p=1$AA$AA", "plaintext"} {
		ok, err := cfg.Verify(h, "whatever")
		if !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("%q: expected ErrInvalidHash, got %v", h, err)
		}
		if ok {
			t.Fatalf("%q: expected false", h)
		}
	}
}

func TestVerify_RejectsOversizedArgonParams(t *testing.T) {
	cfg := fastArgon()
	big := fastArgon()
	big.Params.Iterations = cfg.Params.Iterations * 3
	h, err := big.Hash("secret")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if _, err := cfg.Verify(h, "secret"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MinLength = 4
	cfg.Policy.MaxLength = 16

	tests := []struct {
		pw   string
		want error
	}{
		{"   ", ErrPasswordEmpty},
		{"abc", ErrPasswordTooShort},
		{"this password is definitely too long", ErrPasswordTooLong},
		{"goodpassw0rd!", nil},
	}
	for _, tc := range tests {
		if err := cfg.Validate(tc.pw); !errors.Is(err, tc.want) {
			t.Fatalf("Validate(%q): got=%v want=%v", tc.pw, err, tc.want)
		}
	}
}

func TestValidate_BcryptByteLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MaxLength = 100
	pw := strings.Repeat("密", 30) // 30 runes, 90 bytes
	if err := cfg.Validate(pw); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	cfg.Scheme = SchemeArgon2id
	if err := cfg.Validate(pw); err != nil {
		t.Fatalf("argon2id has no byte limit, got %v", err)
	}
}

func TestPolicy_RejectVeryWeak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.RejectVeryWeak = true

	if err := cfg.Validate("password"); err != ErrWeakPassword {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := cfg.Validate("11111111"); err != ErrWeakPassword {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := cfg.Validate("a-very-ok-pass"); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}
