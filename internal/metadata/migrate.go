package metadata

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change, version-numbered by filename
// ("NNN_name.sql").
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationManager applies the embedded schema migrations to a MetadataStore
// database, tracking applied versions in a migrations table.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager constructs a MigrationManager for db.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureMigrationsTable creates the bookkeeping table if it doesn't exist.
func (m *MigrationManager) EnsureMigrationsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// AvailableMigrations returns every embedded migration, sorted by version.
func (m *MigrationManager) AvailableMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(parts[1], ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// AppliedVersions returns the set of already-applied migration versions.
func (m *MigrationManager) AppliedVersions() (map[int]time.Time, error) {
	applied := make(map[int]time.Time)
	rows, err := m.db.Query("SELECT version, applied_at FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// ApplyPending applies every migration not yet recorded as applied, each in
// its own transaction, in version order.
func (m *MigrationManager) ApplyPending() (int, error) {
	if err := m.EnsureMigrationsTable(); err != nil {
		return 0, err
	}

	applied, err := m.AppliedVersions()
	if err != nil {
		return 0, err
	}

	available, err := m.AvailableMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mg := range available {
		if _, done := applied[mg.Version]; done {
			continue
		}
		if err := m.apply(mg); err != nil {
			return count, fmt.Errorf("applying migration %d_%s: %w", mg.Version, mg.Name, err)
		}
		count++
	}
	return count, nil
}

func (m *MigrationManager) apply(mg Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(mg.SQL); err != nil {
		return fmt.Errorf("executing migration sql: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", mg.Version); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	committed = true
	return nil
}
