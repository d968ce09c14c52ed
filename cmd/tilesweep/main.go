package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("tilesweep failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.Command {
	commonFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path of a .env file with TS_ settings",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "jobs",
				Usage: "jobs file (YAML or JSON); overrides TS_JOBS_FILE",
			},
		}
	}

	return &cli.Command{
		Name:  "tilesweep",
		Usage: "slow, resumable download of vector tile pyramids into MBTiles archives",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "rotate through the configured jobs until interrupted",
				Flags:  commonFlags(),
				Action: runAction,
			},
			{
				Name:   "validate",
				Usage:  "check the jobs file and print the tile count of every job",
				Flags:  commonFlags(),
				Action: validateAction,
			},
			{
				Name:  "status",
				Usage: "print the persisted progress of every job",
				Flags: append(commonFlags(), &cli.BoolFlag{
					Name:  "json",
					Usage: "print JSON instead of a table",
				}),
				Action: statusAction,
			},
		},
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrConfigNotFound),
		errors.Is(err, apperrors.ErrConfiguration),
		errors.Is(err, apperrors.ErrNoJobs):
		return 2
	case errors.Is(err, apperrors.ErrStorageUnavailable):
		return 3
	default:
		return 1
	}
}
