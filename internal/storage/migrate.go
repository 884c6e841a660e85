package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"meridian.dev/server/internal/model"
)

// Migrate applies registered migrations to every record under prefix
// whose schema_version is older than the newest migration's target.
// A record with no schema_version field is treated as v1, per the
// schema-evolution contract. Each record is migrated atomically.
func Migrate(ctx context.Context, kv KV, prefix string, migrations []model.Migration) error {
	records, err := kv.Snapshot(ctx, prefix)
	if err != nil {
		return fmt.Errorf("migrate: snapshot %s: %w", prefix, err)
	}

	for key, raw := range records {
		version := schemaVersionOf(raw)
		chain := model.Chain(migrations, version)
		if len(chain) == 0 {
			continue
		}

		cur := raw
		for _, m := range chain {
			cur, err = m.Up(cur)
			if err != nil {
				return fmt.Errorf("migrate %s from v%d to v%d: %w", key, m.From, m.To, err)
			}
		}
		if err := kv.Put(ctx, key, cur); err != nil {
			return fmt.Errorf("migrate: write back %s: %w", key, err)
		}
	}
	return nil
}

func schemaVersionOf(raw []byte) uint16 {
	var probe struct {
		SchemaVersion uint16 `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.SchemaVersion == 0 {
		return 1
	}
	return probe.SchemaVersion
}
