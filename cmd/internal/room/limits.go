package room

import "time"

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Inbound events per user per window, across all of the user's connections.
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	// Bounds the write-through on each inbound frame.
	activityTimeout = 2 * time.Second

	// Accepted client_msg_ids remembered per room for duplicate detection.
	dedupeWindow = 512
)
