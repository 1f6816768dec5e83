package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Lifetime is a duration that also accepts a day suffix ("7d") and bare
// seconds ("900"), the formats token TTLs are usually configured with.
type Lifetime time.Duration

var lifetimeRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Lifetime) UnmarshalText(b []byte) error {
	d, err := ParseLifetime(string(b))
	if err != nil {
		return err
	}
	*l = Lifetime(d)
	return nil
}

// Duration returns l as a time.Duration.
func (l Lifetime) Duration() time.Duration { return time.Duration(l) }

func (l Lifetime) String() string { return time.Duration(l).String() }

// ParseLifetime parses "15m", "7d", "3600" or any time.ParseDuration input.
func ParseLifetime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("codec: empty lifetime")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("codec: lifetime must be positive: %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	if m := lifetimeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		if n <= 0 {
			return 0, fmt.Errorf("codec: lifetime must be positive: %q", s)
		}
		unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("codec: invalid lifetime %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("codec: lifetime must be positive: %q", s)
	}
	return d, nil
}
