package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DirectoryStorageProvider stores every node's record as one value of a
// single multi-valued attribute on a pre-provisioned directory entry.
//
// WriteSelf reads the attribute and then replaces this node's previous
// value. The two steps are not atomic against other nodes writing the
// same attribute; a replace that loses the race fails with
// ErrValueNotFound and is not retried. The next heartbeat re-reads and
// adds the value again.
type DirectoryStorageProvider struct {
	client  DirectoryClient
	backend string
	entry   string
	attr    string
	log     zerolog.Logger
	now     func() time.Time
}

func NewDirectoryStorageProvider(client DirectoryClient, backend string, entry string, attr string, logger zerolog.Logger) *DirectoryStorageProvider {
	return &DirectoryStorageProvider{
		client:  client,
		backend: backend,
		entry:   entry,
		attr:    attr,
		log:     logger.With().Str("backend", backend).Str("entry", entry).Str("attribute", attr).Logger(),
		now:     time.Now,
	}
}

func (p *DirectoryStorageProvider) Name() string {
	return p.backend
}

// Ping checks the server, then reads the attribute to prove the entry
// exists.
func (p *DirectoryStorageProvider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return unavailable(p.backend, "ping", err)
	}
	if _, err := p.client.ReadMultiValued(ctx, p.entry, p.attr); err != nil {
		return unavailable(p.backend, "ping", err)
	}
	return nil
}

func (p *DirectoryStorageProvider) WriteSelf(ctx context.Context, record NodeRecord) error {
	newValue, err := encodeDirectoryValue(record)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}

	values, err := p.readValues(ctx, "write-self")
	if err != nil {
		return err
	}

	var prior *directoryValue
	var stale []directoryValue
	for _, v := range values {
		if v.record.InstanceID != record.InstanceID {
			continue
		}
		if prior == nil || v.record.Timestamp.After(prior.record.Timestamp) {
			if prior != nil {
				stale = append(stale, *prior)
			}
			prior = &v
		} else {
			stale = append(stale, v)
		}
	}

	switch {
	case prior == nil:
		p.log.Info().Str("instance_id", record.InstanceID).Msg("Adding node value")
		if err := p.client.AddValue(ctx, p.entry, p.attr, newValue); err != nil {
			return unavailable(p.backend, "write-self", err)
		}
	case prior.raw == newValue:
	default:
		if err := p.client.ReplaceValue(ctx, p.entry, p.attr, prior.raw, newValue); err != nil {
			if errors.Is(err, ErrValueNotFound) {
				p.log.Warn().Str("instance_id", record.InstanceID).Msg("Previous node value changed concurrently, replace not applied")
			}
			return unavailable(p.backend, "write-self", err)
		}
	}

	// Leftovers of an interrupted replace on a backend that cannot swap
	// values in one operation.
	for _, v := range stale {
		if err := p.client.DeleteValue(ctx, p.entry, p.attr, v.raw); err != nil {
			p.log.Warn().Err(err).Str("instance_id", record.InstanceID).Msg("Failed to delete duplicate node value")
		}
	}
	return nil
}

func (p *DirectoryStorageProvider) ReadAll(ctx context.Context) (map[string]NodeRecord, error) {
	values, err := p.readValues(ctx, "read-all")
	if err != nil {
		return nil, err
	}

	records := make(map[string]NodeRecord, len(values))
	for _, v := range values {
		existing, ok := records[v.record.InstanceID]
		if ok && !v.record.Timestamp.After(existing.Timestamp) {
			continue
		}
		records[v.record.InstanceID] = v.record
	}
	return records, nil
}

func (p *DirectoryStorageProvider) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	values, err := p.readValues(ctx, "purge")
	if err != nil {
		return 0, err
	}

	now := p.now()
	purged := 0
	for _, v := range values {
		age := now.Sub(v.record.Timestamp)
		if age <= maxAge {
			continue
		}
		if err := p.client.DeleteValue(ctx, p.entry, p.attr, v.raw); err != nil {
			if errors.Is(err, ErrValueNotFound) {
				// Another node purged it first.
				continue
			}
			return purged, unavailable(p.backend, "purge", err)
		}
		p.log.Info().
			Str("instance_id", v.record.InstanceID).
			Dur("age", age).
			Msg("Purged stale node value")
		purged++
	}
	return purged, nil
}

type directoryValue struct {
	raw    string
	record NodeRecord
}

// readValues returns every value carrying this version's marker that
// decodes. Foreign values are ignored silently, malformed ones with a
// warning.
func (p *DirectoryStorageProvider) readValues(ctx context.Context, op string) ([]directoryValue, error) {
	raw, err := p.client.ReadMultiValued(ctx, p.entry, p.attr)
	if err != nil {
		return nil, unavailable(p.backend, op, err)
	}

	values := make([]directoryValue, 0, len(raw))
	for _, value := range raw {
		record, ours, err := decodeDirectoryValue(value)
		if !ours {
			continue
		}
		if err != nil {
			p.log.Warn().Err(err).Msg("Skipping malformed node value")
			continue
		}
		values = append(values, directoryValue{raw: value, record: record})
	}
	return values, nil
}
