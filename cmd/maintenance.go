package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ha-telemetry/ingestor/internal/config"
	"github.com/ha-telemetry/ingestor/internal/metadata"
)

// MaintenanceCommand runs offline maintenance against the metadata database.
// It must not be run while the pipeline is up: both processes would hold
// conflicting locks on the same SQLite file.
func MaintenanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "maintenance",
		Usage: "Run metadata database maintenance (stop the pipeline first)",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "analyze", Usage: "Run ANALYZE to update query planner statistics"},
			&cli.BoolFlag{Name: "vacuum", Usage: "Run VACUUM to defragment the database"},
			&cli.BoolFlag{Name: "checkpoint", Usage: "Run a WAL checkpoint"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runMaintenance(c.String("config"), c.Bool("analyze"), c.Bool("vacuum"), c.Bool("checkpoint"))
		},
	}
}

func runMaintenance(configPath string, analyze, vacuum, checkpoint bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := metadata.Open(cfg.MetaDBPath)
	if err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}
	defer store.Close()

	if !analyze && !vacuum && !checkpoint {
		fmt.Println("nothing to do: pass --analyze, --vacuum, and/or --checkpoint")
		return nil
	}

	if checkpoint {
		fmt.Println("running WAL checkpoint...")
		if err := store.WALCheckpoint(); err != nil {
			return fmt.Errorf("WAL checkpoint: %w", err)
		}
	}
	if analyze {
		fmt.Println("running ANALYZE...")
		if err := store.Analyze(); err != nil {
			return fmt.Errorf("analyze: %w", err)
		}
	}
	if vacuum {
		fmt.Println("running VACUUM (this may take a while)...")
		if err := store.Vacuum(); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}

	fmt.Println("maintenance completed")
	return nil
}
