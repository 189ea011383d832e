// Package presence derives who is online from heartbeat timestamps.
//
// Every active session writes its own timestamp to its user record at a fixed
// interval. Readers consider a user online while that timestamp is younger
// than the staleness threshold; there is no disconnect signal, a closed client
// simply ages out.
package presence

import (
	"time"

	"teamchat/internal/model"
)

const (
	DefaultOnlineThreshold   = 20 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultPollInterval      = 5 * time.Second
)

// Config holds the presence timings. Zero fields fall back to the defaults.
type Config struct {
	OnlineThreshold   time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the stock timings: 20s threshold, 15s heartbeat, 5s poll.
func DefaultConfig() Config {
	return Config{
		OnlineThreshold:   DefaultOnlineThreshold,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollInterval:      DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.OnlineThreshold <= 0 {
		c.OnlineThreshold = DefaultOnlineThreshold
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// IsOnline reports whether a heartbeat written at lastSeen is still fresh at
// now. A user that never sent a heartbeat is offline.
func IsOnline(lastSeen *time.Time, now time.Time, threshold time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) < threshold
}

// Snapshot maps user id to "online right now".
type Snapshot map[string]bool

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Result is the outcome of one recompute.
type Result struct {
	Snapshot Snapshot
	// Online lists the online users in scan order.
	Online []model.User
	// NewlyOnline lists users that went from offline to online in this
	// recompute, in scan order. The session's own user is never included.
	NewlyOnline []model.User
}

// Stats counts heartbeat writes.
type Stats struct {
	Attempts            int
	Failures            int
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastError           error
}
