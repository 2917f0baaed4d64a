package cluster

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var errBackendDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memKV is a KeyValueAccessor shared by every simulated node of a test.
type memKV struct {
	mu     sync.Mutex
	tables map[string]map[string]string
	down   atomic.Bool
}

func newMemKV() *memKV {
	return &memKV{tables: map[string]map[string]string{}}
}

func (m *memKV) Put(ctx context.Context, table, key, value string) error {
	if m.down.Load() {
		return errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table] == nil {
		m.tables[table] = map[string]string{}
	}
	m.tables[table][key] = value
	return nil
}

func (m *memKV) Get(ctx context.Context, table, key string) (string, bool, error) {
	if m.down.Load() {
		return "", false, errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tables[table][key]
	return v, ok, nil
}

func (m *memKV) Keys(ctx context.Context, table string) ([]string, error) {
	if m.down.Load() {
		return nil, errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memKV) Delete(ctx context.Context, table, key string) error {
	if m.down.Load() {
		return errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

func (m *memKV) Ping(ctx context.Context) error {
	if m.down.Load() {
		return errBackendDown
	}
	return nil
}

func (m *memKV) rows(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// flakyKV lets one node's writes fail while its peers keep working
// against the same store.
type flakyKV struct {
	KeyValueAccessor
	failPuts atomic.Bool
	reads    atomic.Int32
}

func (f *flakyKV) Put(ctx context.Context, table, key, value string) error {
	if f.failPuts.Load() {
		return errBackendDown
	}
	return f.KeyValueAccessor.Put(ctx, table, key, value)
}

func (f *flakyKV) Keys(ctx context.Context, table string) ([]string, error) {
	f.reads.Add(1)
	return f.KeyValueAccessor.Keys(ctx, table)
}

// memDirectory is a DirectoryClient holding one attribute per entry.
type memDirectory struct {
	mu      sync.Mutex
	entries map[string]map[string][]string

	// beforeReplace runs inside ReplaceValue before the old value is
	// looked up, to simulate a concurrent writer.
	beforeReplace func()

	pingErr error
}

func newMemDirectory(entry string) *memDirectory {
	return &memDirectory{entries: map[string]map[string][]string{entry: {}}}
}

func (d *memDirectory) ReadMultiValued(ctx context.Context, entry, attr string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[entry]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return slices.Clone(e[attr]), nil
}

func (d *memDirectory) AddValue(ctx context.Context, entry, attr, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[entry]
	if !ok {
		return ErrEntryNotFound
	}
	if !slices.Contains(e[attr], value) {
		e[attr] = append(e[attr], value)
	}
	return nil
}

func (d *memDirectory) ReplaceValue(ctx context.Context, entry, attr, oldValue, newValue string) error {
	if d.beforeReplace != nil {
		d.beforeReplace()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[entry]
	if !ok {
		return ErrEntryNotFound
	}
	i := slices.Index(e[attr], oldValue)
	if i < 0 {
		return ErrValueNotFound
	}
	e[attr][i] = newValue
	return nil
}

func (d *memDirectory) DeleteValue(ctx context.Context, entry, attr, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[entry]
	if !ok {
		return ErrEntryNotFound
	}
	i := slices.Index(e[attr], value)
	if i < 0 {
		return ErrValueNotFound
	}
	e[attr] = slices.Delete(e[attr], i, i+1)
	return nil
}

func (d *memDirectory) Ping(ctx context.Context) error {
	return d.pingErr
}

func (d *memDirectory) values(entry, attr string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.entries[entry][attr])
}

// blockingProvider blocks WriteSelf until its context is done.
type blockingProvider struct {
	entered chan struct{}
	once    sync.Once
	writes  atomic.Int32
}

func (b *blockingProvider) Name() string                   { return "blocking" }
func (b *blockingProvider) Ping(ctx context.Context) error { return nil }

func (b *blockingProvider) WriteSelf(ctx context.Context, record NodeRecord) error {
	b.writes.Add(1)
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingProvider) ReadAll(ctx context.Context) (map[string]NodeRecord, error) {
	return map[string]NodeRecord{}, nil
}

func (b *blockingProvider) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

// slowProvider takes delay to answer each WriteSelf and stores nothing.
type slowProvider struct {
	delay  time.Duration
	writes atomic.Int32
}

func (s *slowProvider) Name() string                   { return "slow" }
func (s *slowProvider) Ping(ctx context.Context) error { return nil }

func (s *slowProvider) WriteSelf(ctx context.Context, record NodeRecord) error {
	s.writes.Add(1)
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowProvider) ReadAll(ctx context.Context) (map[string]NodeRecord, error) {
	return map[string]NodeRecord{}, nil
}

func (s *slowProvider) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}
