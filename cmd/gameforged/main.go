package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gameforge/internal/adapters/duckdb"
	"gameforge/internal/adapters/fsws"
	"gameforge/internal/adapters/gitver"
	"gameforge/internal/adapters/providers"
	"gameforge/internal/config"
	"gameforge/internal/core/services"
	"gameforge/internal/skills"
	"gameforge/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting gameforge kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := duckdb.NewJobStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init job store: %w", err)
	}
	defer store.Close()

	// Jobs left active by a previous run have no live slot or process behind
	// them; fail them before accepting traffic.
	if n, err := store.ResetOrphaned(ctx); err != nil {
		return fmt.Errorf("orphan reset failed: %w", err)
	} else if n > 0 {
		logger.Info("orphaned jobs failed on startup", "count", n)
	}

	workspace := fsws.NewWorkspace(cfg.WorkspaceDir, nil)
	versionCtl := gitver.NewStore(logger)
	activity := gitver.NewActivityLog(logger, versionCtl, cfg.ActivityLogPath)

	library, err := skills.NewLibrary(logger, cfg.SkillsDir, cfg.ExcludedSkills)
	if err != nil {
		return fmt.Errorf("failed to load skill library: %w", err)
	}

	llmProvider, agentRunner, imageProvider, err := providers.Build(logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	slots := services.NewSlotPool(logger, services.SlotPoolConfig{
		MaxPerUser: cfg.MaxJobsPerUser,
		MaxTotal:   int64(cfg.MaxTotalJobs),
	})
	manager := services.NewJobManager(logger, store, eventBus, slots)

	classifier := services.NewIntentClassifier(logger, llmProvider, 0)
	selector := services.NewSkillSelector(logger, library, llmProvider, 0, services.DefaultExclusionRules())
	orchestrator := services.NewOrchestrator(logger, llmProvider, agentRunner, cfg.GenerationTimeout)
	applier := services.NewEditApplier(logger, workspace, imageProvider, cfg.AssetBase)
	versions := services.NewVersionStore(logger, versionCtl)

	processor := services.NewProcessor(
		logger, manager, classifier, selector, orchestrator,
		applier, versions, workspace, library, activity, workspace.ProjectDir,
	)

	apiServer := kernel.NewServer(logger, manager, processor, versions, workspace.ProjectDir, ctx, cfg.CORSOrigins)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: apiServer.Handler(),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := library.Watch(gCtx); err != nil {
			logger.Warn("skill watcher stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
