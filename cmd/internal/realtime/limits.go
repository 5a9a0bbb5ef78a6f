package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Session frames are tiny.
	maxFrameBytes = 8 << 10 // 8 KiB
)

const (
	// WebSocket ping defaults (overridable by env in ws_gateway.go).
	pingInterval = 25 * time.Second
	pingTimeout  = 5 * time.Second

	// A connection must attach within this window.
	helloTimeout = 10 * time.Second

	// Per-connection rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
