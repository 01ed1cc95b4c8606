package cmd

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/urfave/cli/v3"

	"github.com/ha-telemetry/ingestor/internal/config"
	"github.com/ha-telemetry/ingestor/internal/metadata"
)

// MigrateCommand manages the metadata database's schema migrations.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run or inspect metadata database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runMigrations(c.String("config"), c.Bool("status"))
		},
	}
}

func runMigrations(configPath string, statusOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.MetaDBPath)
	if err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}
	defer db.Close()

	mgr := metadata.NewMigrationManager(db)
	if err := mgr.EnsureMigrationsTable(); err != nil {
		return fmt.Errorf("ensuring migrations table: %w", err)
	}

	if statusOnly {
		return showMigrationStatus(mgr)
	}

	applied, err := mgr.ApplyPending()
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Printf("applied %d migration(s)\n", applied)
	return nil
}

func showMigrationStatus(mgr *metadata.MigrationManager) error {
	available, err := mgr.AvailableMigrations()
	if err != nil {
		return fmt.Errorf("listing available migrations: %w", err)
	}
	appliedVersions, err := mgr.AppliedVersions()
	if err != nil {
		return fmt.Errorf("listing applied migrations: %w", err)
	}

	fmt.Println("Migrations:")
	for _, m := range available {
		if at, ok := appliedVersions[m.Version]; ok {
			fmt.Printf("  [applied %s] %03d: %s\n", at.Format("2006-01-02 15:04:05"), m.Version, m.Name)
		} else {
			fmt.Printf("  [pending]          %03d: %s\n", m.Version, m.Name)
		}
	}
	return nil
}
