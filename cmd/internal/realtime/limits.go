package realtime

import "time"

const (
	// Max bytes per inbound websocket frame. Clients only send small control
	// messages.
	maxFrameBytes = 4 << 10

	// Period used to schedule pushes when the user has no readable items.
	defaultPeriod = 30 * time.Second

	// Pushes land just after the boundary so every code has rolled over.
	boundarySlack = 50 * time.Millisecond
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound control messages per window.
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
