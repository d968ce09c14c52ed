package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	h "github.com/veranemoloko/tilesweep/internal/api/http"
	cfgpkg "github.com/veranemoloko/tilesweep/internal/config"
	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	repo "github.com/veranemoloko/tilesweep/internal/repository"
	svc "github.com/veranemoloko/tilesweep/internal/service"
	"github.com/veranemoloko/tilesweep/internal/storage"
	"github.com/veranemoloko/tilesweep/internal/worker"
)

func loadConfig(cmd *cli.Command) (*cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfiguration, err)
	}
	if jobs := cmd.String("jobs"); jobs != "" {
		cfg.JobsFile = jobs
	}
	return cfg, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	session := uuid.New()
	logger := cfgpkg.SetupLogger(cfg).With("session", session.String())
	slog.SetDefault(logger)
	logger.Info("configuration loaded successfully", "jobs_file", cfg.JobsFile, "state_file", cfg.StateFile)

	jobs, err := cfgpkg.LoadJobs(cfg.JobsFile, logger)
	if err != nil {
		return err
	}

	progressRepo, err := repo.NewProgressStorage(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("failed to initialize progress repository: %w", err)
	}

	var snapshots svc.Snapshotter
	if cfg.SnapshotOnComplete {
		snapshots = storage.NewFileStorage(cfg.SnapshotDir)
	}

	scheduler, err := svc.NewScheduler(jobs, svc.SchedulerDeps{
		Repo:      progressRepo,
		Fetcher:   worker.NewHTTPFetcher(cfg.FetchTimeout, cfg.EffectiveUserAgent(), logger),
		Open:      archiveOpener(cfg.CompressTiles),
		Snapshots: snapshots,
		Logger:    logger,
	}, svc.SchedulerConfig{
		CheckpointInterval: cfg.CheckpointInterval,
		AbortCooldown:      cfg.AbortCooldown,
		IdleDelay:          cfg.IdleDelay,
		ShutdownGrace:      cfg.ShutdownTimeout,
		Retry:              cfg.RetryConfig(),
		SessionID:          session,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if cfg.StatusAddr != "" {
		server := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           h.NewRouter(svc.NewStatusService(progressRepo, jobs), logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("status server starting", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown failed", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped gracefully")
	return nil
}

func archiveOpener(compress bool) svc.ArchiveOpener {
	return func(ctx context.Context, job domain.MapJob) (worker.TileArchive, error) {
		return storage.OpenMBTiles(ctx, job.ArchivePath, storage.MetadataFor(job), compress)
	}
}
