package realtime

import (
	"testing"
	"time"
)

func TestDetectDevice(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"", "Unknown Device"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Windows (Chrome)"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0", "Windows (Microsoft Edge)"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", "iOS (Safari)"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", "GNU/Linux (Firefox)"},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "Bot: Googlebot"},
		{"curl/8.4.0", "curl/8.4.0"},
	}
	for _, tt := range tests {
		if got := DetectDevice(tt.ua); got != tt.want {
			t.Fatalf("DetectDevice(%q): got=%q want=%q", tt.ua, got, tt.want)
		}
	}
}

func TestDeviceName(t *testing.T) {
	if got := deviceName("Windows (Chrome)", " 讲台 "); got != "Windows (Chrome) - 讲台" {
		t.Fatalf("with note: got=%q", got)
	}
	if got := deviceName("Windows (Chrome)", ""); got != "Windows (Chrome)" {
		t.Fatalf("without note: got=%q", got)
	}
}

func TestTokenCache_ForgetDevice(t *testing.T) {
	c := NewTokenCache(8, time.Hour)
	c.Put("t1", TokenInfo{DeviceUUID: "dev-1", AppID: "1"})
	c.Put("t2", TokenInfo{DeviceUUID: "dev-1", AppID: "2"})
	c.Put("t3", TokenInfo{DeviceUUID: "dev-2", AppID: "1"})

	if info, ok := c.Get("t2"); !ok || info.AppID != "2" {
		t.Fatalf("Get(t2): got=(%+v,%v)", info, ok)
	}
	if n := c.ForgetDevice("dev-1"); n != 2 {
		t.Fatalf("ForgetDevice: got=%d want=2", n)
	}
	if _, ok := c.Get("t1"); ok {
		t.Fatalf("t1 should be gone")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len: got=%d want=1", got)
	}
}

func TestTokenCache_BoundedBySize(t *testing.T) {
	c := NewTokenCache(2, time.Hour)
	c.Put("a", TokenInfo{})
	c.Put("b", TokenInfo{})
	c.Put("c", TokenInfo{})
	if got := c.Len(); got != 2 {
		t.Fatalf("Len: got=%d want=2", got)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
}
