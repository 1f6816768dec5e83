package codec

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func hsConfig() Config {
	cfg := DefaultConfig()
	cfg.AccessSecret = "access-secret"
	cfg.RefreshSecret = "refresh-secret"
	return cfg
}

func mustCodec(t *testing.T, cfg Config, clk *fakeClock) *Codec {
	t.Helper()
	c, err := New(cfg, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCodec_HS256RoundTrip(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	c := mustCodec(t, hsConfig(), clk)

	tok, exp, err := c.Sign(Claims{AccountID: "acc", Provider: "github", Email: "a@b.c", TokenVersion: 3}, KindAccess)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if want := clk.t.Add(15 * time.Minute); !exp.Equal(want) {
		t.Fatalf("exp: got=%v want=%v", exp, want)
	}

	got, err := c.Verify(tok, KindAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.AccountID != "acc" || got.TokenVersion != 3 || got.Type != KindAccess || got.Provider != "github" {
		t.Fatalf("claims: %+v", got)
	}
	if got.Issuer != Issuer {
		t.Fatalf("issuer: %q", got.Issuer)
	}
	if r := got.Remaining(clk.t); r != 15*time.Minute {
		t.Fatalf("remaining: %v", r)
	}
}

func TestCodec_RefreshCarriesJTI(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := mustCodec(t, hsConfig(), clk)

	a, _, err := c.Sign(Claims{AccountID: "acc"}, KindRefresh)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, _, _ := c.Sign(Claims{AccountID: "acc"}, KindRefresh)
	if a == b {
		t.Fatalf("refresh tokens signed in the same second must differ")
	}
	got, err := c.Verify(a, KindRefresh)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(got.ID) != 32 || got.TokenVersion != 1 {
		t.Fatalf("jti/version: %+v", got)
	}
}

func TestCodec_VerifyFailures(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	same := hsConfig()
	same.RefreshSecret = same.AccessSecret
	c := mustCodec(t, same, clk)

	refresh, _, _ := c.Sign(Claims{AccountID: "acc"}, KindRefresh)
	access, _, _ := c.Sign(Claims{AccountID: "acc"}, KindAccess)

	other := hsConfig()
	other.AccessSecret = "different"
	foreign, _, _ := mustCodec(t, other, clk).Sign(Claims{AccountID: "acc"}, KindAccess)

	tests := []struct {
		name string
		tok  string
		kind Kind
		want error
	}{
		{"refresh presented as access", refresh, KindAccess, ErrWrongType},
		{"access presented as refresh", access, KindRefresh, ErrWrongType},
		{"foreign secret", foreign, KindAccess, ErrInvalidSignature},
		{"garbage", "not.a.jwt", KindAccess, ErrInvalidSignature},
		{"tampered", access[:len(access)-2] + "xx", KindAccess, ErrInvalidSignature},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Verify(tc.tok, tc.kind); !errors.Is(err, tc.want) {
				t.Fatalf("got=%v want=%v", err, tc.want)
			}
		})
	}
}

func TestCodec_Expired(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := mustCodec(t, hsConfig(), clk)
	tok, _, _ := c.Sign(Claims{AccountID: "acc"}, KindAccess)

	clk.Advance(16 * time.Minute)
	if _, err := c.Verify(tok, KindAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestCodec_NewRequiresKeys(t *testing.T) {
	if _, err := New(DefaultConfig()); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("HS256 without secrets: %v", err)
	}
	cfg := hsConfig()
	cfg.Alg = "RS256"
	if _, err := New(cfg); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("RS256 without keys: %v", err)
	}
	cfg.Alg = "ES512"
	if _, err := New(cfg); err == nil {
		t.Fatalf("unsupported alg must fail")
	}
}

func rsaPEM(t *testing.T) (priv, pub string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	privBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("pkix: %v", err)
	}
	pubBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(privBytes), string(pubBytes)
}

func TestCodec_RS256(t *testing.T) {
	accPriv, accPub := rsaPEM(t)
	refPriv, refPub := rsaPEM(t)

	cfg := DefaultConfig()
	cfg.Alg = "rs256"
	// Env files often carry PEMs on one line with literal \n.
	cfg.AccessPrivateKey = strings.ReplaceAll(accPriv, "\n", `\n`)
	cfg.AccessPublicKey = accPub
	cfg.RefreshPrivateKey = refPriv
	cfg.RefreshPublicKey = refPub

	clk := &fakeClock{t: time.Now()}
	c := mustCodec(t, cfg, clk)
	if c.Alg() != "RS256" {
		t.Fatalf("alg: %s", c.Alg())
	}

	tok, _, err := c.Sign(Claims{AccountID: "acc"}, KindAccess)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := c.Verify(tok, KindAccess); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Refresh keys are independent of access keys.
	if _, err := c.Verify(tok, KindRefresh); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("access token under refresh key: %v", err)
	}

	// Algorithm confusion: HS256 keyed with the public PEM must be rejected.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type:         KindAccess,
		AccountID:    "attacker",
		TokenVersion: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(clk.t.Add(time.Hour)),
		},
	})
	raw, err := forged.SignedString([]byte(accPub))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if _, err := c.Verify(raw, KindAccess); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("alg confusion accepted: %v", err)
	}
}

func TestLegacy_Verify(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	l, err := NewLegacy("access-secret", 7*24*time.Hour, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewLegacy: %v", err)
	}

	legacy := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{
		AccountID: "acc",
		Provider:  "github",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(clk.t),
			ExpiresAt: jwt.NewNumericDate(clk.t.Add(7 * 24 * time.Hour)),
		},
	})
	raw, _ := legacy.SignedString([]byte("access-secret"))
	got, err := l.Verify(raw)
	if err != nil {
		t.Fatalf("Verify legacy: %v", err)
	}
	if got.AccountID != "acc" {
		t.Fatalf("claims: %+v", got)
	}

	// A current-scheme access token signed with the same secret must not pass as legacy.
	c := mustCodec(t, hsConfig(), clk)
	modern, _, _ := c.Sign(Claims{AccountID: "acc", TokenVersion: 1}, KindAccess)
	if _, err := l.Verify(modern); !errors.Is(err, ErrWrongType) {
		t.Fatalf("modern token accepted as legacy: %v", err)
	}

	clk.Advance(8 * 24 * time.Hour)
	if _, err := l.Verify(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestParseLifetime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"15m", 15 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"900", 900 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"", 0, true},
		{"0", 0, true},
		{"-5m", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseLifetime(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseLifetime(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseLifetime(%q): got=%v err=%v want=%v", tc.in, got, err, tc.want)
		}
	}
}
