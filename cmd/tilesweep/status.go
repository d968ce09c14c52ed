package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	cfgpkg "github.com/veranemoloko/tilesweep/internal/config"
	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	repo "github.com/veranemoloko/tilesweep/internal/repository"
	svc "github.com/veranemoloko/tilesweep/internal/service"
	"github.com/veranemoloko/tilesweep/internal/tiles"
)

func statusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Stdout carries the report; logs go to stderr.
	out, errOut := cmd.Root().Writer, cmd.Root().ErrWriter
	logger := cfgpkg.NewLoggerTo(cfg, errOut)
	slog.SetDefault(logger)

	jobs, err := cfgpkg.LoadJobs(cfg.JobsFile, logger)
	if err != nil {
		return err
	}

	progressRepo, err := repo.NewProgressStorage(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}

	statuses, err := svc.NewStatusService(progressRepo, jobs).ListJobs(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}
	renderStatusTable(out, statuses)
	return nil
}

func renderStatusTable(w io.Writer, statuses []domain.JobStatusResponse) {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Status", "Cursor", "Sweep", "Loops", "Total", "Last Error")

	for _, s := range statuses {
		name := s.Name
		if s.Current {
			name += " *"
		}
		table.Append(
			name,
			string(s.Status),
			s.Cursor.String(),
			fmt.Sprintf("%d / %d", s.SweepTiles, s.SweepSize),
			strconv.Itoa(s.Generation),
			strconv.FormatInt(s.TotalTiles, 10),
			truncateString(s.LastError, 50),
		)
	}

	table.Render()
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer

	data, err := os.ReadFile(cfg.JobsFile)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigNotFound, cfg.JobsFile)
	}
	if err != nil {
		return fmt.Errorf("read jobs file: %w", err)
	}

	jobs, rejected, err := cfgpkg.ParseJobs(data)
	if err != nil {
		return err
	}

	for _, rerr := range rejected {
		fmt.Fprintf(out, "REJECTED  %v\n", rerr)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Job", "Name", "Zoom", "Mirrors", "Spacing", "Tiles", "Archive")
	for _, job := range jobs {
		pyr, err := tiles.ForJob(job)
		if err != nil {
			return err
		}
		table.Append(
			job.Name,
			job.DisplayName,
			fmt.Sprintf("%d-%d", job.MinZoom, job.MaxZoom),
			strconv.Itoa(len(job.Mirrors)),
			job.Spacing.String(),
			strconv.FormatInt(pyr.Count(), 10),
			job.ArchivePath,
		)
	}
	table.Render()

	if len(jobs) == 0 {
		return apperrors.ErrNoJobs
	}
	if len(rejected) > 0 {
		return fmt.Errorf("%w: %d of %d jobs rejected", apperrors.ErrConfiguration, len(rejected), len(jobs)+len(rejected))
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
