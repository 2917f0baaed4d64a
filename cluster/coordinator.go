package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusOpening Status = "OPENING"
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
)

// Identity is what makes the local node unique in the cluster.
type Identity struct {
	InstanceID       string
	StartupTimestamp time.Time
	GUID             string
}

// ErrorRecord is the most recent failure, kept for health reporting.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Phase   string    `json:"phase"`
	Message string    `json:"message"`
}

// Stats counts what the heartbeat loop has done so far.
type Stats struct {
	Ticks              uint64        `json:"ticks"`
	WriteFailures      uint64        `json:"write_failures"`
	ReadFailures       uint64        `json:"read_failures"`
	PurgeFailures      uint64        `json:"purge_failures"`
	RecordsPurged      uint64        `json:"records_purged"`
	LastTick           time.Time     `json:"last_tick"`
	LastTickDuration   time.Duration `json:"last_tick_duration"`
	LastSuccessfulTick time.Time     `json:"last_successful_tick"`
	LastRead           time.Time     `json:"last_read"`
}

// MetricsRecorder receives coordinator statistics. *metrics.Registry
// implements it.
type MetricsRecorder interface {
	RecordTick(duration time.Duration)
	RecordPhaseFailure(phase string)
	RecordPurged(n int)
	RecordMasterChange()
	UpdateClusterMetrics(nodesByState map[string]int, isMaster bool, configMismatch bool)
}

// Config holds the dependencies of a Coordinator.
type Config struct {
	// Provider is the shared store. A nil provider makes Start fail
	// with a ConfigurationError.
	Provider StorageProvider

	// Disabled marks the backend as explicitly switched off.
	Disabled bool

	Settings Settings
	Identity Identity

	// ConfigHash returns the local configuration fingerprint. It is
	// called on every heartbeat so a changed configuration is
	// published on the next tick.
	ConfigHash func() string

	Logger  zerolog.Logger
	Metrics MetricsRecorder
}

// Coordinator publishes the local node's heartbeat, keeps a view of its
// peers and elects a master. IsMaster, ListNodes, LastError and Status
// only consult memory and never block on storage.
type Coordinator struct {
	provider   StorageProvider
	disabled   bool
	settings   Settings
	identity   Identity
	configHash func() string
	metrics    MetricsRecorder
	log        zerolog.Logger
	now        func() time.Time

	view *View

	// mu serializes Start and Stop.
	mu       sync.Mutex
	stopCh   chan struct{}
	done     chan struct{}
	ioCancel context.CancelFunc
	stopped  bool

	// stateMu guards everything below.
	stateMu sync.RWMutex
	status  Status
	master  string
	lastErr *ErrorRecord
	stats   Stats
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Identity.InstanceID == "" {
		return nil, ErrInvalidInstanceID
	}
	if cfg.Identity.StartupTimestamp.IsZero() {
		return nil, ErrInvalidStartup
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: "invalid interval settings", Err: err}
	}

	configHash := cfg.ConfigHash
	if configHash == nil {
		configHash = func() string { return "" }
	}

	return &Coordinator{
		provider:   cfg.Provider,
		disabled:   cfg.Disabled,
		settings:   cfg.Settings.withDefaults(),
		identity:   cfg.Identity,
		configHash: configHash,
		metrics:    cfg.Metrics,
		log: cfg.Logger.With().
			Str("component", "coordinator").
			Str("instance_id", cfg.Identity.InstanceID).
			Logger(),
		now:    time.Now,
		view:   NewView(),
		status: StatusNew,
	}, nil
}

// Start validates the backend and schedules the heartbeat loop. The
// first tick runs one heartbeat interval after Start returns.
//
// A missing, disabled or unreachable backend closes the coordinator for
// good and returns a *ConfigurationError. Cancelling ctx stops the loop
// the same way Stop does, without waiting.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() != StatusNew {
		return ErrAlreadyStarted
	}
	c.setStatus(StatusOpening)

	if c.disabled {
		return c.failStart(&ConfigurationError{Reason: "backend disabled", Err: ErrBackendDisabled})
	}
	if c.provider == nil {
		return c.failStart(&ConfigurationError{Reason: "no backend", Err: ErrNoBackend})
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.settings.OperationTimeout)
	err := c.provider.Ping(pingCtx)
	cancel()
	if err != nil {
		return c.failStart(&ConfigurationError{Reason: "backend unreachable", Err: err})
	}

	// Storage calls run on their own context so that Stop can let an
	// in-flight tick finish during the grace period.
	ioCtx, ioCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.ioCancel = ioCancel
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go c.loop(ctx, c.stopCh, c.done, ioCtx, ioCancel)

	c.setStatus(StatusOpen)
	c.log.Info().
		Str("backend", c.provider.Name()).
		Dur("heartbeat_interval", c.settings.HeartbeatInterval).
		Dur("node_timeout", c.settings.NodeTimeout).
		Dur("node_purge_interval", c.settings.NodePurgeInterval).
		Msg("Cluster coordinator started")
	return nil
}

func (c *Coordinator) failStart(err *ConfigurationError) error {
	c.recordError("start", err)
	c.setStatus(StatusClosed)
	c.log.Error().Err(err).Msg("Cluster coordinator failed to start")
	return err
}

// Stop cancels the heartbeat loop and waits up to the grace period for
// an in-flight tick. A tick still running after that is abandoned and its
// result discarded. Stop is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil && !c.stopped {
		c.stopped = true
		close(c.stopCh)

		timer := time.NewTimer(c.settings.StopGracePeriod)
		select {
		case <-c.done:
		case <-timer.C:
			c.log.Warn().Dur("grace_period", c.settings.StopGracePeriod).Msg("Heartbeat tick did not finish in time, abandoning it")
		}
		timer.Stop()
		c.ioCancel()
	}

	if c.Status() != StatusClosed {
		c.setStatus(StatusClosed)
		c.log.Info().Msg("Cluster coordinator stopped")
	}
}

// loop runs one tick per heartbeat interval. time.Ticker drops ticks
// that fire while a tick is still running, so ticks never overlap.
func (c *Coordinator) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}, ioCtx context.Context, ioCancel context.CancelFunc) {
	defer close(done)

	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.log.Info().Err(ctx.Err()).Msg("Context done, stopping heartbeat loop")
			ioCancel()
			c.setStatus(StatusClosed)
			return
		case <-ticker.C:
			// select picks randomly when stop and the ticker are both ready.
			if stopRequested(stop) {
				return
			}
			c.tick(ioCtx, stop)
		}
	}
}

// tick runs write, read and purge in order. A failed phase ends the
// tick's storage work; the master is recomputed either way.
func (c *Coordinator) tick(ctx context.Context, stop <-chan struct{}) {
	start := c.now()
	self := NodeRecord{
		Timestamp:        start,
		StartupTimestamp: c.identity.StartupTimestamp,
		InstanceID:       c.identity.InstanceID,
		GUID:             c.identity.GUID,
		ConfigHash:       c.configHash(),
	}

	ok := c.runPhases(ctx, stop, self)
	if stopRequested(stop) {
		c.log.Debug().Msg("Stop requested, discarding heartbeat tick")
		return
	}

	end := c.now()
	c.recomputeMaster(end)

	duration := end.Sub(start)
	c.stateMu.Lock()
	c.stats.Ticks++
	c.stats.LastTick = start
	c.stats.LastTickDuration = duration
	if ok {
		c.stats.LastSuccessfulTick = start
	}
	c.stateMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTick(duration)
	}
	c.log.Debug().Dur("duration", duration).Bool("ok", ok).Int("nodes", c.view.Len()).Msg("Heartbeat tick finished")
}

func (c *Coordinator) runPhases(ctx context.Context, stop <-chan struct{}, self NodeRecord) bool {
	err := c.phase(ctx, stop, "write", func(ctx context.Context) error {
		return c.provider.WriteSelf(ctx, self)
	})
	if err != nil || stopRequested(stop) {
		return false
	}

	var records map[string]NodeRecord
	err = c.phase(ctx, stop, "read", func(ctx context.Context) error {
		var err error
		records, err = c.provider.ReadAll(ctx)
		return err
	})
	if stopRequested(stop) {
		return false
	}
	if err != nil {
		c.view.Put(self)
		return false
	}
	c.view.Replace(records, &self, c.now())

	var purged int
	err = c.phase(ctx, stop, "purge", func(ctx context.Context) error {
		var err error
		purged, err = c.provider.PurgeOlderThan(ctx, c.settings.NodePurgeInterval)
		return err
	})
	if stopRequested(stop) {
		return false
	}
	if purged > 0 {
		c.stateMu.Lock()
		c.stats.RecordsPurged += uint64(purged)
		c.stateMu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordPurged(purged)
		}
	}
	return err == nil
}

// phase runs one storage call under the operation timeout. Failures of a
// tick abandoned by Stop are not recorded.
func (c *Coordinator) phase(ctx context.Context, stop <-chan struct{}, name string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.settings.OperationTimeout)
	defer cancel()

	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if stopRequested(stop) {
		return fmt.Errorf("%s phase: %w", name, err)
	}

	c.log.Error().Err(err).Str("phase", name).Msg("Heartbeat phase failed")
	c.recordError(name, err)

	c.stateMu.Lock()
	switch name {
	case "write":
		c.stats.WriteFailures++
	case "read":
		c.stats.ReadFailures++
	case "purge":
		c.stats.PurgeFailures++
	}
	c.stateMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordPhaseFailure(name)
	}
	return fmt.Errorf("%s phase: %w", name, err)
}

func (c *Coordinator) recomputeMaster(now time.Time) {
	master, _ := c.view.Elect(now, c.settings.NodeTimeout)

	c.stateMu.Lock()
	prev := c.master
	c.master = master
	c.stateMu.Unlock()

	self := c.identity.InstanceID
	if prev != master {
		c.log.Info().Str("previous", prev).Str("master", master).Msg("Elected master changed")
		switch self {
		case master:
			c.log.Info().Msg("This node is now the master")
		case prev:
			c.log.Info().Msg("This node is no longer the master")
		}
		if c.metrics != nil {
			c.metrics.RecordMasterChange()
		}
	}

	if c.metrics != nil {
		byState := map[string]int{}
		for _, n := range c.view.Nodes(now, c.settings.NodeTimeout, master, self, c.configHash()) {
			byState[n.State.String()]++
		}
		c.metrics.UpdateClusterMetrics(byState, master != "" && master == self, c.view.ConfigMismatch(self, c.configHash()))
	}
}

func (c *Coordinator) recordError(phase string, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.lastErr = &ErrorRecord{
		Time:    c.now(),
		Phase:   phase,
		Message: err.Error(),
	}
}

func (c *Coordinator) setStatus(s Status) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.status = s
}

// Status returns the lifecycle state.
func (c *Coordinator) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status
}

// IsMaster reports whether the local node won the election computed at
// the end of the most recent tick.
func (c *Coordinator) IsMaster() bool {
	master := c.MasterID()
	return master != "" && master == c.identity.InstanceID
}

// MasterID returns the instance ID elected by the most recent tick, or
// the empty string if there is no master.
func (c *Coordinator) MasterID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.master
}

// ListNodes returns every known node ordered by instance ID.
func (c *Coordinator) ListNodes() []NodeInfo {
	return c.view.Nodes(c.now(), c.settings.NodeTimeout, c.MasterID(), c.identity.InstanceID, c.configHash())
}

// ConfigMismatch reports whether any known node runs with a different
// configuration than the local node.
func (c *Coordinator) ConfigMismatch() bool {
	return c.view.ConfigMismatch(c.identity.InstanceID, c.configHash())
}

// LastError returns the most recent failure, or nil if there was none.
func (c *Coordinator) LastError() *ErrorRecord {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.lastErr == nil {
		return nil
	}
	e := *c.lastErr
	return &e
}

// Stats returns a copy of the heartbeat statistics.
func (c *Coordinator) Stats() Stats {
	c.stateMu.RLock()
	stats := c.stats
	c.stateMu.RUnlock()
	stats.LastRead = c.view.Updated()
	return stats
}

// Settings returns the interval settings in effect.
func (c *Coordinator) Settings() Settings {
	return c.settings
}

// Identity returns the local node's identity.
func (c *Coordinator) Identity() Identity {
	return c.identity
}

func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
