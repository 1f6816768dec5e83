package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	t.Setenv("NO_COLOR", "1")

	var js bytes.Buffer
	NewLogger("warn", "json", &js).Info("dropped")
	NewLogger("warn", "json", &js).Warn("kept", "device_uuid", "class-3a")
	if strings.Contains(js.String(), "dropped") || !strings.Contains(js.String(), `"device_uuid":"class-3a"`) {
		t.Fatalf("json output=%q", js.String())
	}

	var pretty bytes.Buffer
	NewLogger("debug", "pretty", &pretty).Debug("hello", "n", 3)
	if got := pretty.String(); !strings.Contains(got, "[DEBUG] hello n=3") {
		t.Fatalf("pretty output=%q", got)
	}
}
