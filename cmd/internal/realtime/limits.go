package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	defaultHistorySize    = 1000
	defaultTokenCacheSize = 4096
	defaultTokenCacheTTL  = time.Hour
	maxHistoryPage        = 1000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection event quota.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
