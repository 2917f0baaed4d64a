package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	nodeKeyPrefix = "node-"

	// nodeKeyHashWidth bounds the hex digest so keys fit the narrowest
	// key column of the supported stores.
	nodeKeyHashWidth = 40
)

// nodeKey maps an instance ID of any length to a fixed-width key.
func nodeKey(instanceID string) string {
	sum := sha256.Sum256([]byte(nodeKeyPrefix + instanceID))
	return nodeKeyPrefix + hex.EncodeToString(sum[:])[:nodeKeyHashWidth]
}

// RelationalStorageProvider stores one row per node in a shared table.
type RelationalStorageProvider struct {
	kv      KeyValueAccessor
	backend string
	table   string
	log     zerolog.Logger
	now     func() time.Time
}

func NewRelationalStorageProvider(kv KeyValueAccessor, backend string, table string, logger zerolog.Logger) *RelationalStorageProvider {
	return &RelationalStorageProvider{
		kv:      kv,
		backend: backend,
		table:   table,
		log:     logger.With().Str("backend", backend).Str("table", table).Logger(),
		now:     time.Now,
	}
}

func (p *RelationalStorageProvider) Name() string {
	return p.backend
}

func (p *RelationalStorageProvider) Ping(ctx context.Context) error {
	if err := p.kv.Ping(ctx); err != nil {
		return unavailable(p.backend, "ping", err)
	}
	return nil
}

func (p *RelationalStorageProvider) WriteSelf(ctx context.Context, record NodeRecord) error {
	value, err := EncodeRecord(record)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}

	key := nodeKey(record.InstanceID)
	_, found, err := p.kv.Get(ctx, p.table, key)
	if err != nil {
		return unavailable(p.backend, "write-self", err)
	}
	if !found {
		p.log.Info().Str("instance_id", record.InstanceID).Str("key", key).Msg("Registering node row")
	}

	if err := p.kv.Put(ctx, p.table, key, value); err != nil {
		return unavailable(p.backend, "write-self", err)
	}
	return nil
}

func (p *RelationalStorageProvider) ReadAll(ctx context.Context) (map[string]NodeRecord, error) {
	rows, err := p.readRows(ctx, "read-all")
	if err != nil {
		return nil, err
	}

	records := make(map[string]NodeRecord, len(rows))
	for _, row := range rows {
		records[row.record.InstanceID] = row.record
	}
	return records, nil
}

func (p *RelationalStorageProvider) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := p.readRows(ctx, "purge")
	if err != nil {
		return 0, err
	}

	now := p.now()
	purged := 0
	for _, row := range rows {
		age := now.Sub(row.record.Timestamp)
		if age <= maxAge {
			continue
		}
		if err := p.kv.Delete(ctx, p.table, row.key); err != nil {
			return purged, unavailable(p.backend, "purge", err)
		}
		p.log.Info().
			Str("instance_id", row.record.InstanceID).
			Dur("age", age).
			Msg("Purged stale node row")
		purged++
	}
	return purged, nil
}

type relationalRow struct {
	key    string
	record NodeRecord
}

// readRows loads every node row that decodes and whose key matches its
// instance ID.
func (p *RelationalStorageProvider) readRows(ctx context.Context, op string) ([]relationalRow, error) {
	keys, err := p.kv.Keys(ctx, p.table)
	if err != nil {
		return nil, unavailable(p.backend, op, err)
	}

	var rows []relationalRow
	for _, key := range keys {
		if !strings.HasPrefix(key, nodeKeyPrefix) {
			continue
		}

		value, found, err := p.kv.Get(ctx, p.table, key)
		if err != nil {
			return nil, unavailable(p.backend, op, err)
		}
		if !found {
			// Deleted since the key listing.
			continue
		}

		record, err := DecodeRecord(value)
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("Skipping malformed node row")
			continue
		}
		if nodeKey(record.InstanceID) != key {
			p.log.Warn().
				Str("key", key).
				Str("instance_id", record.InstanceID).
				Msg("Skipping node row stored under a foreign key")
			continue
		}

		rows = append(rows, relationalRow{key: key, record: record})
	}
	return rows, nil
}
