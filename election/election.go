package election

import (
	"slices"
	"strings"
	"time"
)

// Candidate is the subset of a node's published record that matters to
// the election: who it is, when it last heartbeat, and when it started.
type Candidate struct {
	InstanceID string

	// Heartbeat is the time of the node's most recent successful
	// self-write. It decides whether the node is still alive.
	Heartbeat time.Time

	// Startup is fixed when the node process starts. The oldest
	// live node leads.
	Startup time.Time
}

// Alive reports whether a heartbeat taken at the given time is still
// within the node timeout.
func Alive(heartbeat time.Time, now time.Time, nodeTimeout time.Duration) bool {
	return now.Sub(heartbeat) <= nodeTimeout
}

// Elect returns the instance ID of the master among the candidates, or
// false if no candidate is alive.
//
// Candidates whose heartbeat is older than nodeTimeout are ignored. Of
// the rest, the one with the earliest startup time wins; identical
// startup times are broken by the lexicographically smallest instance
// ID so every node looking at the same view picks the same master.
func Elect(candidates []Candidate, now time.Time, nodeTimeout time.Duration) (string, bool) {
	var alive []Candidate
	for _, c := range candidates {
		if Alive(c.Heartbeat, now, nodeTimeout) {
			alive = append(alive, c)
		}
	}

	if len(alive) == 0 {
		return "", false
	}

	master := slices.MinFunc(alive, compareCandidates)
	return master.InstanceID, true
}

// compareCandidates orders candidates by startup time, then by instance
// ID. It is a total order over distinct instance IDs.
func compareCandidates(a, b Candidate) int {
	if c := a.Startup.Compare(b.Startup); c != 0 {
		return c
	}
	return strings.Compare(a.InstanceID, b.InstanceID)
}
