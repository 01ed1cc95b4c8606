package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ha-telemetry/ingestor/internal/config"
	"github.com/ha-telemetry/ingestor/internal/supervisor"
)

// RunCommand starts the ingestion pipeline and blocks until it shuts down.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the ingestion pipeline",
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, c.String("config"))
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("assembling pipeline: %w", err)
	}

	return sup.Run(ctx, configPath)
}
