package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ha-telemetry/ingestor/cmd"
)

func main() {
	app := &cli.Command{
		Name:  "ha-ingestor",
		Usage: "Home Assistant telemetry ingestion pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: "./config.toml",
			},
		},
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.MigrateCommand(),
			cmd.MaintenanceCommand(),
			cmd.StatusCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
