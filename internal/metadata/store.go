// Package metadata implements the MetadataStore (an embedded SQLite
// database of devices/entities) and the MetadataSynchronizer that keeps it
// consistent with the set of Devices/Entities seen on the event stream.
package metadata

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ha-telemetry/ingestor/internal/model"
)

// Store wraps the embedded SQLite database backing device/entity metadata.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// the teacher's performance pragma set, and runs any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = memory",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	store := &Store{db: db}
	if _, err := NewMigrationManager(db).ApplyPending(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertDevices writes dev upserts in a single transaction.
func (s *Store) UpsertDevices(devices []model.Device) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO devices (device_id, name, manufacturer, model, sw_version, area_id, entity_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (device_id) DO UPDATE SET
			name = excluded.name,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			sw_version = excluded.sw_version,
			area_id = excluded.area_id,
			entity_count = excluded.entity_count,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("preparing device upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range devices {
		if _, err := stmt.Exec(d.DeviceID, d.Name, nullableString(d.Manufacturer), nullableString(d.Model), nullableString(d.SoftwareVer), nullableString(d.AreaID), d.EntityCount); err != nil {
			return fmt.Errorf("upserting device %s: %w", d.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device upserts: %w", err)
	}
	committed = true
	return nil
}

// UpsertEntities writes entity upserts in a single transaction.
func (s *Store) UpsertEntities(entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO entities (entity_id, device_id, domain, platform, disabled, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (entity_id) DO UPDATE SET
			device_id = excluded.device_id,
			domain = excluded.domain,
			platform = excluded.platform,
			disabled = excluded.disabled,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("preparing entity upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		if _, err := stmt.Exec(e.EntityID, nullableString(e.DeviceID), e.Domain, nullableString(e.Platform), e.Disabled); err != nil {
			return fmt.Errorf("upserting entity %s: %w", e.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity upserts: %w", err)
	}
	committed = true
	return nil
}

// DeviceCount returns the number of device rows; used by tests and health checks.
func (s *Store) DeviceCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&n)
	return n, err
}

// EntityCount returns the number of entity rows; used by tests and health checks.
func (s *Store) EntityCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entities").Scan(&n)
	return n, err
}

// Analyze runs ANALYZE to refresh the query planner's statistics.
func (s *Store) Analyze() error {
	_, err := s.db.Exec("ANALYZE")
	return err
}

// Vacuum defragments the database file. It can take a while on a large
// database and briefly locks out writers.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// WALCheckpoint flushes the write-ahead log into the main database file.
func (s *Store) WALCheckpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
