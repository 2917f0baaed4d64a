package cluster

import (
	"maps"
	"slices"
	"sync"
	"time"

	"clusterd/election"
)

// NodeState is derived from a record at read time; it is never stored.
type NodeState string

const (
	NodeStateMaster  NodeState = "master"
	NodeStateOnline  NodeState = "online"
	NodeStateOffline NodeState = "offline"
)

func (s NodeState) String() string {
	return string(s)
}

// NodeInfo is one line of the cluster listing.
type NodeInfo struct {
	InstanceID    string    `json:"instance_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// StartupTimestamp is nil for offline nodes.
	StartupTimestamp *time.Time `json:"startup_timestamp,omitempty"`

	State         NodeState `json:"state"`
	ConfigMatches bool      `json:"config_matches"`
}

// View caches the records from the last successful read of storage.
// The heartbeat loop is its only writer; readers never see a partially
// applied read because Replace swaps the whole map.
type View struct {
	mu      sync.RWMutex
	records map[string]NodeRecord
	updated time.Time
}

func NewView() *View {
	return &View{records: map[string]NodeRecord{}}
}

// Replace installs the result of a read-all. Records not in the read
// leave the view; self, when non-nil, is kept even if the read missed it.
func (v *View) Replace(records map[string]NodeRecord, self *NodeRecord, at time.Time) {
	next := maps.Clone(records)
	if next == nil {
		next = map[string]NodeRecord{}
	}
	if self != nil {
		if _, ok := next[self.InstanceID]; !ok {
			next[self.InstanceID] = *self
		}
	}

	v.mu.Lock()
	v.records = next
	v.updated = at
	v.mu.Unlock()
}

// Put sets one record without touching the others.
func (v *View) Put(record NodeRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := maps.Clone(v.records)
	next[record.InstanceID] = record
	v.records = next
}

// Snapshot returns the current records. The map must not be modified.
func (v *View) Snapshot() map[string]NodeRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.records
}

// Updated returns when the view last took a read-all.
func (v *View) Updated() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updated
}

// Len returns the number of cached records.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}

// Elect runs the master election over the cached records.
func (v *View) Elect(now time.Time, nodeTimeout time.Duration) (string, bool) {
	return electFrom(v.Snapshot(), now, nodeTimeout)
}

func electFrom(records map[string]NodeRecord, now time.Time, nodeTimeout time.Duration) (string, bool) {
	candidates := make([]election.Candidate, 0, len(records))
	for _, r := range records {
		candidates = append(candidates, r.candidate())
	}
	return election.Elect(candidates, now, nodeTimeout)
}

// Nodes lists the cached records ordered by instance ID with their
// state relative to the given master and local config hash. The record
// of self, the local node, always matches the local config.
func (v *View) Nodes(now time.Time, nodeTimeout time.Duration, master string, self string, localConfigHash string) []NodeInfo {
	records := v.Snapshot()

	ids := slices.Sorted(maps.Keys(records))
	nodes := make([]NodeInfo, 0, len(ids))
	for _, id := range ids {
		r := records[id]
		info := NodeInfo{
			InstanceID:    id,
			LastHeartbeat: r.Timestamp,
			ConfigMatches: id == self || r.ConfigHash == localConfigHash,
		}

		switch {
		case !election.Alive(r.Timestamp, now, nodeTimeout):
			info.State = NodeStateOffline
		case id == master:
			info.State = NodeStateMaster
		default:
			info.State = NodeStateOnline
		}

		if info.State != NodeStateOffline {
			startup := r.StartupTimestamp
			info.StartupTimestamp = &startup
		}
		nodes = append(nodes, info)
	}
	return nodes
}

// ConfigMismatch reports whether any peer of self carries a config hash
// different from the local one.
func (v *View) ConfigMismatch(self string, localConfigHash string) bool {
	for id, r := range v.Snapshot() {
		if id != self && r.ConfigHash != localConfigHash {
			return true
		}
	}
	return false
}
