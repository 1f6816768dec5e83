package realtime

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TokenInfo is the cached metadata of an app token seen by the gateway.
type TokenInfo struct {
	AppID          string    `json:"appId"`
	IsReadOnly     bool      `json:"isReadOnly"`
	DeviceType     string    `json:"deviceType,omitempty"`
	Note           string    `json:"note,omitempty"`
	DeviceUUID     string    `json:"deviceUuid"`
	DeviceName     string    `json:"deviceName"`
	DetectedDevice string    `json:"detectedDevice"`
	InstalledAt    time.Time `json:"installedAt"`
}

// TokenCache is a bounded LRU of TokenInfo whose entries expire after ttl.
type TokenCache struct {
	lru *expirable.LRU[string, TokenInfo]
}

// NewTokenCache returns a cache holding at most size entries.
func NewTokenCache(size int, ttl time.Duration) *TokenCache {
	if size <= 0 {
		size = defaultTokenCacheSize
	}
	if ttl <= 0 {
		ttl = defaultTokenCacheTTL
	}
	return &TokenCache{lru: expirable.NewLRU[string, TokenInfo](size, nil, ttl)}
}

func (c *TokenCache) Put(token string, info TokenInfo) { c.lru.Add(token, info) }

func (c *TokenCache) Get(token string) (TokenInfo, bool) { return c.lru.Get(token) }

func (c *TokenCache) Len() int { return c.lru.Len() }

// ForgetDevice drops every cached token of uuid.
func (c *TokenCache) ForgetDevice(uuid string) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if info, ok := c.lru.Peek(k); ok && info.DeviceUUID == uuid {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// DetectDevice derives a short client label from a User-Agent header.
func DetectDevice(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return "Unknown Device"
	}
	l := strings.ToLower(ua)
	for _, f := range strings.FieldsFunc(ua, func(r rune) bool { return r == ' ' || r == ';' || r == '(' || r == ')' }) {
		lf := strings.ToLower(f)
		if strings.Contains(lf, "bot") || strings.Contains(lf, "spider") || strings.Contains(lf, "crawler") {
			name, _, _ := strings.Cut(f, "/")
			return "Bot: " + name
		}
	}

	var osName string
	switch {
	case strings.Contains(l, "android"):
		osName = "Android"
	case strings.Contains(l, "iphone"), strings.Contains(l, "ipad"):
		osName = "iOS"
	case strings.Contains(l, "windows"):
		osName = "Windows"
	case strings.Contains(l, "mac os x"), strings.Contains(l, "macintosh"):
		osName = "macOS"
	case strings.Contains(l, "cros"):
		osName = "Chrome OS"
	case strings.Contains(l, "linux"):
		osName = "GNU/Linux"
	}

	var client string
	switch {
	case strings.Contains(l, "edg/"):
		client = "Microsoft Edge"
	case strings.Contains(l, "electron/"):
		client = "Electron"
	case strings.Contains(l, "chrome/"):
		client = "Chrome"
	case strings.Contains(l, "firefox/"):
		client = "Firefox"
	case strings.Contains(l, "safari/"):
		client = "Safari"
	}

	switch {
	case osName != "" && client != "":
		return osName + " (" + client + ")"
	case osName != "":
		return osName
	case client != "":
		return client
	}
	return firstToken(ua)
}

func firstToken(ua string) string {
	if i := strings.IndexAny(ua, " ;("); i > 0 {
		return ua[:i]
	}
	return ua
}

// deviceName joins the detected client label with the install note.
func deviceName(detected, note string) string {
	if note = strings.TrimSpace(note); note != "" {
		return detected + " - " + note
	}
	return detected
}
