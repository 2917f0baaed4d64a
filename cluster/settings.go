package cluster

import "time"

// Settings are the interval parameters of a coordinator. They are
// fixed for the coordinator's lifetime.
type Settings struct {
	// HeartbeatInterval is how often a tick runs.
	HeartbeatInterval time.Duration

	// NodeTimeout is the heartbeat age past which a node is offline
	// and no longer eligible for master.
	NodeTimeout time.Duration

	// NodePurgeInterval is the heartbeat age past which a record is
	// deleted from storage.
	NodePurgeInterval time.Duration

	// OperationTimeout bounds each storage call within a tick.
	OperationTimeout time.Duration

	// StopGracePeriod is how long Stop waits for an in-flight tick.
	StopGracePeriod time.Duration
}

// RelationalSettings is the profile for row-per-node stores, which take
// frequent small writes well.
func RelationalSettings() Settings {
	return Settings{
		HeartbeatInterval: 10 * time.Second,
		NodeTimeout:       30 * time.Second,
		NodePurgeInterval: 10 * time.Minute,
		OperationTimeout:  5 * time.Second,
		StopGracePeriod:   5 * time.Second,
	}
}

// DirectorySettings is the profile for directory stores. All nodes
// contend on one attribute, so heartbeats are spaced further apart.
func DirectorySettings() Settings {
	return Settings{
		HeartbeatInterval: 30 * time.Second,
		NodeTimeout:       90 * time.Second,
		NodePurgeInterval: 30 * time.Minute,
		OperationTimeout:  10 * time.Second,
		StopGracePeriod:   10 * time.Second,
	}
}

// Validate checks the ordering heartbeat < timeout < purge.
func (s Settings) Validate() error {
	if s.HeartbeatInterval <= 0 {
		return ErrInvalidInterval
	}
	if s.NodeTimeout <= s.HeartbeatInterval {
		return ErrTimeoutTooSmall
	}
	if s.NodePurgeInterval <= s.NodeTimeout {
		return ErrPurgeTooSmall
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.OperationTimeout <= 0 {
		s.OperationTimeout = s.HeartbeatInterval
	}
	if s.StopGracePeriod <= 0 {
		s.StopGracePeriod = s.HeartbeatInterval
	}
	return s
}
