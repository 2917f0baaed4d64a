package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		HeartbeatInterval: 10 * time.Second,
		NodeTimeout:       30 * time.Second,
		NodePurgeInterval: 10 * time.Minute,
		OperationTimeout:  time.Second,
		StopGracePeriod:   time.Second,
	}
}

func fastSettings() Settings {
	return Settings{
		HeartbeatInterval: 10 * time.Millisecond,
		NodeTimeout:       200 * time.Millisecond,
		NodePurgeInterval: time.Second,
		OperationTimeout:  time.Second,
		StopGracePeriod:   time.Second,
	}
}

type testNode struct {
	*Coordinator
	kv       *flakyKV
	provider *RelationalStorageProvider
}

// newTestNode builds a coordinator driven by hand through tick, sharing
// kv and clock with the other nodes of the test.
func newTestNode(t *testing.T, kv KeyValueAccessor, clock *fakeClock, id string, startup time.Time) *testNode {
	t.Helper()
	flaky := &flakyKV{KeyValueAccessor: kv}
	provider := newTestRelational(flaky, clock)

	c, err := New(Config{
		Provider:   provider,
		Settings:   testSettings(),
		Identity:   Identity{InstanceID: id, StartupTimestamp: startup, GUID: "guid-" + id},
		ConfigHash: func() string { return "cfg-1" },
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	c.now = clock.Now
	return &testNode{Coordinator: c, kv: flaky, provider: provider}
}

func (n *testNode) tick() {
	n.Coordinator.tick(context.Background(), nil)
}

type fakeRecorder struct {
	mu            sync.Mutex
	ticks         int
	failures      map[string]int
	purged        int
	masterChanges int
	isMaster      bool
	mismatch      bool
	byState       map[string]int
}

func (f *fakeRecorder) RecordTick(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

func (f *fakeRecorder) RecordPhaseFailure(phase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[string]int{}
	}
	f.failures[phase]++
}

func (f *fakeRecorder) RecordPurged(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged += n
}

func (f *fakeRecorder) RecordMasterChange() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masterChanges++
}

func (f *fakeRecorder) UpdateClusterMetrics(byState map[string]int, isMaster bool, mismatch bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byState = byState
	f.isMaster = isMaster
	f.mismatch = mismatch
}

func TestNew_Validation(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := New(Config{Settings: testSettings(), Identity: Identity{StartupTimestamp: t0}})
	assert.ErrorIs(t, err, ErrInvalidInstanceID)

	_, err = New(Config{Settings: testSettings(), Identity: Identity{InstanceID: "a"}})
	assert.ErrorIs(t, err, ErrInvalidStartup)

	bad := testSettings()
	bad.NodeTimeout = bad.HeartbeatInterval
	_, err = New(Config{Settings: bad, Identity: Identity{InstanceID: "a", StartupTimestamp: t0}})
	assert.ErrorIs(t, err, ErrTimeoutTooSmall)
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))

	bad = testSettings()
	bad.NodePurgeInterval = bad.NodeTimeout
	_, err = New(Config{Settings: bad, Identity: Identity{InstanceID: "a", StartupTimestamp: t0}})
	assert.ErrorIs(t, err, ErrPurgeTooSmall)
}

func TestNew_DefaultsFromHeartbeat(t *testing.T) {
	s := testSettings()
	s.OperationTimeout = 0
	s.StopGracePeriod = 0

	c, err := New(Config{Settings: s, Identity: Identity{InstanceID: "a", StartupTimestamp: time.Now()}})
	require.NoError(t, err)
	assert.Equal(t, s.HeartbeatInterval, c.Settings().OperationTimeout)
	assert.Equal(t, s.HeartbeatInterval, c.Settings().StopGracePeriod)
	assert.Equal(t, StatusNew, c.Status())
	assert.Nil(t, c.LastError())
}

func TestStart_ConfigurationErrors(t *testing.T) {
	downKV := newMemKV()
	downKV.down.Store(true)

	cases := map[string]struct {
		cfg     Config
		wantErr error
	}{
		"no backend": {
			cfg:     Config{},
			wantErr: ErrNoBackend,
		},
		"disabled": {
			cfg:     Config{Provider: newTestRelational(newMemKV(), newFakeClock(time.Now())), Disabled: true},
			wantErr: ErrBackendDisabled,
		},
		"unreachable": {
			cfg:     Config{Provider: newTestRelational(downKV, newFakeClock(time.Now()))},
			wantErr: ErrStorageUnavailable,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.cfg.Settings = fastSettings()
			tc.cfg.Identity = Identity{InstanceID: "a", StartupTimestamp: time.Now()}
			tc.cfg.Logger = zerolog.Nop()

			c, err := New(tc.cfg)
			require.NoError(t, err)

			err = c.Start(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)

			var cerr *ConfigurationError
			assert.True(t, errors.As(err, &cerr))
			assert.Equal(t, StatusClosed, c.Status())

			last := c.LastError()
			require.NotNil(t, last)
			assert.Equal(t, "start", last.Phase)
			assert.False(t, c.IsMaster())
			assert.Empty(t, c.ListNodes())

			assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
			c.Stop()
		})
	}
}

func TestStart_RunsHeartbeatLoop(t *testing.T) {
	kv := newMemKV()
	c, err := New(Config{
		Provider: NewRelationalStorageProvider(kv, "memory", testTable, zerolog.Nop()),
		Settings: fastSettings(),
		Identity: Identity{InstanceID: "solo", StartupTimestamp: time.Now()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.False(t, c.IsMaster(), "no tick has run yet")

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StatusOpen, c.Status())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, c.IsMaster, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "solo", c.MasterID())
	assert.Equal(t, 1, kv.rows(testTable))

	c.Stop()
	assert.Equal(t, StatusClosed, c.Status())
	ticks := c.Stats().Ticks
	assert.Positive(t, ticks)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ticks, c.Stats().Ticks, "no tick runs after Stop")

	c.Stop()
	assert.Equal(t, StatusClosed, c.Status())
}

func TestStart_ContextCancelCloses(t *testing.T) {
	c, err := New(Config{
		Provider: NewRelationalStorageProvider(newMemKV(), "memory", testTable, zerolog.Nop()),
		Settings: fastSettings(),
		Identity: Identity{InstanceID: "solo", StartupTimestamp: time.Now()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return c.Status() == StatusClosed }, 2*time.Second, 5*time.Millisecond)
	c.Stop()
}

func TestStop_BeforeStart(t *testing.T) {
	c, err := New(Config{
		Provider: NewRelationalStorageProvider(newMemKV(), "memory", testTable, zerolog.Nop()),
		Settings: fastSettings(),
		Identity: Identity{InstanceID: "solo", StartupTimestamp: time.Now()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	c.Stop()
	assert.Equal(t, StatusClosed, c.Status())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestStop_AbandonsSlowTick(t *testing.T) {
	settings := fastSettings()
	settings.OperationTimeout = time.Minute
	settings.StopGracePeriod = 50 * time.Millisecond

	provider := &blockingProvider{entered: make(chan struct{})}
	c, err := New(Config{
		Provider: provider,
		Settings: settings,
		Identity: Identity{InstanceID: "solo", StartupTimestamp: time.Now()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-provider.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat tick never started")
	}

	start := time.Now()
	c.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusClosed, c.Status())
	assert.False(t, c.IsMaster())
	assert.Zero(t, c.Stats().Ticks, "the abandoned tick must not be applied")

	// The abandoned tick returns once its context is cancelled. Neither
	// its failure nor a fresh tick may show up afterwards.
	time.Sleep(10 * settings.HeartbeatInterval)
	assert.Nil(t, c.LastError())
	assert.Zero(t, c.Stats().WriteFailures)
	assert.Equal(t, int32(1), provider.writes.Load())
}

func TestStop_NoTickAfterReturn(t *testing.T) {
	settings := fastSettings()
	settings.HeartbeatInterval = time.Millisecond
	settings.NodeTimeout = 100 * time.Millisecond
	settings.StopGracePeriod = 200 * time.Millisecond

	for range 20 {
		provider := &slowProvider{delay: 5 * time.Millisecond}
		c, err := New(Config{
			Provider: provider,
			Settings: settings,
			Identity: Identity{InstanceID: "solo", StartupTimestamp: time.Now()},
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, c.Start(context.Background()))

		require.Eventually(t, func() bool { return provider.writes.Load() > 0 }, 2*time.Second, time.Millisecond)
		c.Stop()
		after := provider.writes.Load()

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, after, provider.writes.Load(), "no write may start after Stop returns")
	}
}

func TestCoordinator_OldestLiveNodeLeads(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0.Add(10 * time.Second))
	kv := newMemKV()

	a := newTestNode(t, kv, clock, "node-a", t0)
	b := newTestNode(t, kv, clock, "node-b", t0.Add(time.Second))
	c := newTestNode(t, kv, clock, "node-c", t0.Add(2*time.Second))

	a.tick()
	b.tick()
	c.tick()
	a.tick()

	for _, n := range []*testNode{a, b, c} {
		assert.Equal(t, "node-a", n.MasterID(), "node %s", n.Identity().InstanceID)
	}
	assert.True(t, a.IsMaster())
	assert.False(t, b.IsMaster())
	assert.False(t, c.IsMaster())

	// node-a stops reaching storage; once its heartbeat ages past the
	// timeout the next oldest node takes over.
	a.kv.failPuts.Store(true)
	readsBefore := a.kv.reads.Load()
	clock.Advance(40 * time.Second)

	a.tick()
	b.tick()
	c.tick()

	assert.Equal(t, readsBefore, a.kv.reads.Load(), "a failed write skips the read")
	assert.False(t, a.IsMaster(), "a node that cannot heartbeat sees itself offline")
	assert.True(t, b.IsMaster())
	assert.Equal(t, "node-b", c.MasterID())
	require.NotNil(t, a.LastError())
	assert.Equal(t, "write", a.LastError().Phase)
	assert.Equal(t, uint64(1), a.Stats().WriteFailures)

	nodes := c.ListNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, NodeStateOffline, nodes[0].State)
	assert.Equal(t, NodeStateMaster, nodes[1].State)
	assert.Equal(t, NodeStateOnline, nodes[2].State)

	// node-a recovers and, still being the oldest, leads again.
	a.kv.failPuts.Store(false)
	clock.Advance(10 * time.Second)

	a.tick()
	b.tick()
	c.tick()

	for _, n := range []*testNode{a, b, c} {
		assert.Equal(t, "node-a", n.MasterID(), "node %s", n.Identity().InstanceID)
	}
}

// Three nodes heartbeat every 10s with a 30s timeout. node-c started
// after node-a but before node-b, so it takes over when node-a cannot
// write for 35s.
func TestCoordinator_NextOldestTakesOver(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0.Add(10 * time.Second))
	kv := newMemKV()

	a := newTestNode(t, kv, clock, "node-a", t0)
	b := newTestNode(t, kv, clock, "node-b", t0.Add(5*time.Second))
	c := newTestNode(t, kv, clock, "node-c", t0.Add(time.Second))
	all := []*testNode{a, b, c}

	for range 2 {
		for _, n := range all {
			n.tick()
		}
	}
	for _, n := range all {
		assert.Equal(t, "node-a", n.MasterID(), "node %s", n.Identity().InstanceID)
	}

	a.kv.failPuts.Store(true)
	for range 3 {
		clock.Advance(10 * time.Second)
		for _, n := range all {
			n.tick()
		}
	}
	// node-a's last heartbeat is exactly 30s old and still counts.
	assert.Equal(t, "node-a", b.MasterID())
	assert.Equal(t, "node-a", c.MasterID())

	clock.Advance(5 * time.Second)
	for _, n := range all {
		n.tick()
	}

	assert.Equal(t, "node-c", b.MasterID())
	assert.True(t, c.IsMaster())
	assert.False(t, b.IsMaster())
	assert.False(t, a.IsMaster())
	require.NotNil(t, a.LastError())
	assert.Equal(t, "write", a.LastError().Phase)

	nodes := b.ListNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, NodeStateOffline, nodes[0].State)
	assert.Nil(t, nodes[0].StartupTimestamp)
	assert.Equal(t, NodeStateOnline, nodes[1].State)
	assert.Equal(t, NodeStateMaster, nodes[2].State)
}

func TestCoordinator_SelfWriteIsIdempotent(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	kv := newMemKV()
	a := newTestNode(t, kv, clock, "node-a", t0)

	a.tick()
	a.tick()
	clock.Advance(10 * time.Second)
	a.tick()

	assert.Equal(t, 1, kv.rows(testTable))
	assert.Equal(t, uint64(3), a.Stats().Ticks)
	assert.True(t, a.Stats().LastSuccessfulTick.Equal(t0.Add(10*time.Second)))
	assert.True(t, a.Stats().LastRead.Equal(t0.Add(10*time.Second)))
	assert.Nil(t, a.LastError())
}

func TestCoordinator_PurgeLeavesViewUntilNextRead(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	kv := newMemKV()

	recorder := &fakeRecorder{}
	a := newTestNode(t, kv, clock, "node-a", t0)
	a.metrics = recorder
	gone := newTestNode(t, kv, clock, "node-gone", t0.Add(-time.Hour))

	gone.tick()
	clock.Advance(11 * time.Minute)

	a.tick()
	assert.Equal(t, 1, kv.rows(testTable), "expected the stale row to be purged from storage")
	assert.Equal(t, uint64(1), a.Stats().RecordsPurged)
	assert.Equal(t, 1, recorder.purged)

	nodes := a.ListNodes()
	require.Len(t, nodes, 2, "the purged record stays in the view until the next read")
	assert.Equal(t, "node-gone", nodes[1].InstanceID)
	assert.Equal(t, NodeStateOffline, nodes[1].State)
	assert.True(t, a.IsMaster(), "an offline node is never master even when oldest")

	clock.Advance(10 * time.Second)
	a.tick()
	nodes = a.ListNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].InstanceID)
}

func TestCoordinator_ReportsMetrics(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	kv := newMemKV()

	recorder := &fakeRecorder{}
	a := newTestNode(t, kv, clock, "node-a", t0)
	a.metrics = recorder
	b := newTestNode(t, kv, clock, "node-b", t0.Add(time.Second))

	b.tick()
	a.tick()
	assert.Equal(t, 1, recorder.ticks)
	assert.Equal(t, 1, recorder.masterChanges)
	assert.True(t, recorder.isMaster)
	assert.Equal(t, map[string]int{"master": 1, "online": 1}, recorder.byState)

	a.kv.failPuts.Store(true)
	a.tick()
	assert.Equal(t, 1, recorder.failures["write"])
	assert.Equal(t, 2, recorder.ticks)
}

func TestCoordinator_ConfigMismatch(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	kv := newMemKV()

	a := newTestNode(t, kv, clock, "node-a", t0)
	b := newTestNode(t, kv, clock, "node-b", t0.Add(time.Second))
	hash := "cfg-1"
	b.configHash = func() string { return hash }

	a.tick()
	b.tick()
	a.tick()
	assert.False(t, a.ConfigMismatch())
	assert.False(t, b.ConfigMismatch())

	hash = "cfg-2"
	b.tick()
	a.tick()
	assert.True(t, a.ConfigMismatch(), "node-b now publishes a different config")
	assert.True(t, b.ConfigMismatch())

	for _, n := range a.ListNodes() {
		assert.Equal(t, n.InstanceID == "node-a", n.ConfigMatches)
	}

	// A local change shows on the peers at once, before this node has
	// published it.
	hash = "cfg-3"
	for _, n := range b.ListNodes() {
		assert.Equal(t, n.InstanceID == "node-b", n.ConfigMatches, "node %s", n.InstanceID)
	}
}
