package cluster

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"clusterd/election"
)

// NodeRecord is the fact a node publishes about itself. A fresh record
// for the local node is built on every heartbeat; records for peers
// only ever come from storage.
type NodeRecord struct {
	// Timestamp is the time of the most recent successful
	// self-write. It drives liveness.
	Timestamp time.Time `json:"timestamp"`

	// StartupTimestamp is fixed at process start and never
	// rewritten. The earliest one among live nodes is master.
	StartupTimestamp time.Time `json:"startup_timestamp"`

	InstanceID string `json:"instance_id"`

	// GUID is an opaque per-process nonce kept for diagnostics.
	GUID string `json:"guid,omitempty"`

	// ConfigHash fingerprints the node's effective configuration.
	// It is only used to flag configuration mismatches.
	ConfigHash string `json:"config_hash"`
}

func (r NodeRecord) candidate() election.Candidate {
	return election.Candidate{
		InstanceID: r.InstanceID,
		Heartbeat:  r.Timestamp,
		Startup:    r.StartupTimestamp,
	}
}

// Validate checks the fields every stored record must carry.
func (r NodeRecord) Validate() error {
	if r.InstanceID == "" {
		return ErrInvalidInstanceID
	}
	if r.StartupTimestamp.IsZero() {
		return ErrInvalidStartup
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	return nil
}

// EncodeRecord serializes a record for storage.
func EncodeRecord(r NodeRecord) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeRecord parses a stored value. Every failure, including a
// record missing required fields, is a *SerializationError.
func DecodeRecord(value string) (NodeRecord, error) {
	var r NodeRecord
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return NodeRecord{}, &SerializationError{Value: value, Err: err}
	}
	if err := r.Validate(); err != nil {
		return NodeRecord{}, &SerializationError{Value: value, Err: err}
	}
	return r, nil
}

// directoryMarker prefixes every value this version writes to a
// directory attribute. Values without it belong to another format
// version and are left alone.
const directoryMarker = "clusterd.node.v1:"

func encodeDirectoryValue(r NodeRecord) (string, error) {
	body, err := EncodeRecord(r)
	if err != nil {
		return "", err
	}
	return directoryMarker + body, nil
}

// decodeDirectoryValue returns ok=false for foreign values, which are
// not an error.
func decodeDirectoryValue(value string) (r NodeRecord, ok bool, err error) {
	body, found := strings.CutPrefix(value, directoryMarker)
	if !found {
		return NodeRecord{}, false, nil
	}
	r, err = DecodeRecord(body)
	if err != nil {
		return NodeRecord{}, true, err
	}
	return r, true, nil
}
