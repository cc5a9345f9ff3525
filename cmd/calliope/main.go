// Command calliope synchronizes artist catalogs from external music
// platforms into the canonical artist store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/calliohq/calliope/internal/config"
	"github.com/calliohq/calliope/internal/database"
	"github.com/calliohq/calliope/internal/identity"
	"github.com/calliohq/calliope/internal/logging"
	"github.com/calliohq/calliope/internal/maintenance"
	"github.com/calliohq/calliope/internal/platform"
	"github.com/calliohq/calliope/internal/platform/deezer"
	"github.com/calliohq/calliope/internal/platform/spotify"
	"github.com/calliohq/calliope/internal/sync"
)

func main() {
	cmd := "sync"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	configPath := os.Getenv("CAL_CONFIG_PATH")
	if configPath == "" {
		configPath = "/data/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.Config{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		FilePath: cfg.Logging.FilePath,
	}
	logManager, logger := logging.NewManager(logCfg)
	defer logManager.Close() //nolint:errcheck
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pick up logging changes from the config file without a restart.
	err = logging.Watch(ctx, configPath, logManager, func() (logging.Config, error) {
		c, err := config.Load(configPath)
		if err != nil {
			return logging.Config{}, err
		}
		return logging.Config{
			Level:    c.Logging.Level,
			Format:   c.Logging.Format,
			FilePath: c.Logging.FilePath,
		}, nil
	}, logger)
	if err != nil {
		logger.Warn("config watcher not started", "error", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database ready", slog.String("path", cfg.Database.Path))

	rates := make(map[platform.Name]float64, len(cfg.Platforms.Rates))
	for name, rps := range cfg.Platforms.Rates {
		rates[platform.Name(name)] = rps
	}
	limiter := platform.NewRateLimiterMap(rates)

	registry := platform.NewRegistry()
	registry.Register(deezer.New(limiter, logger))
	if cfg.Platforms.Spotify.ClientID != "" {
		registry.Register(spotify.New(
			cfg.Platforms.Spotify.ClientID,
			cfg.Platforms.Spotify.ClientSecret,
			limiter, logger))
	}

	repo := identity.NewService(db)
	resolver := identity.NewResolver(repo, identity.ResolverConfig{
		MatchThreshold:     cfg.Resolver.MatchThreshold,
		AutoMergeThreshold: cfg.Resolver.AutoMergeThreshold,
		AmbiguityMargin:    cfg.Resolver.AmbiguityMargin,
	}, logger)

	store := sync.NewStore(db)
	orch := sync.NewOrchestrator(registry, resolver, repo, store, sync.Config{
		Concurrency: cfg.Sync.Concurrency,
		Worker: sync.WorkerConfig{
			MaxPageAttempts:     cfg.Sync.MaxPageAttempts,
			BackoffBase:         cfg.Sync.BackoffBase,
			BackoffCap:          cfg.Sync.BackoffCap,
			IncrementalLookback: cfg.Sync.IncrementalLookback,
			CommitRetries:       sync.DefaultWorkerConfig().CommitRetries,
		},
	}, logger)
	defer orch.Close()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	switch cmd {
	case "sync":
		return runSync(ctx, orch, registry, args)
	case "checkpoints":
		return printCheckpoints(ctx, orch)
	case "jobs":
		return printJobs(ctx, orch)
	case "review":
		return printReviewItems(ctx, repo)
	case "maintenance":
		return runMaintenance(ctx, maintenance.NewService(db, cfg.Database.Path, logger), args)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func runSync(ctx context.Context, orch *sync.Orchestrator, registry *platform.Registry, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	platformFlag := fs.String("platform", "", "sync a single platform (default: all registered)")
	modeFlag := fs.String("mode", string(platform.ModeFull), "sync mode: full or incremental")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mode := platform.SyncMode(*modeFlag)
	names := registry.Names()
	if *platformFlag != "" {
		names = []platform.Name{platform.Name(*platformFlag)}
	}

	// Cancel running jobs at their next page boundary on SIGINT/SIGTERM.
	go func() {
		<-ctx.Done()
		orch.Close()
	}()

	var jobIDs []string
	for _, name := range names {
		id, err := orch.SubmitJob(ctx, name, mode)
		if err != nil {
			return fmt.Errorf("submitting %s job: %w", name, err)
		}
		jobIDs = append(jobIDs, id)
	}
	orch.Wait()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tMODE\tSTATE\tFETCHED\tMATCHED\tCREATED\tFAILED\tAMBIGUOUS")
	failed := false
	for _, id := range jobIDs {
		job, err := orch.GetJob(context.Background(), id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if job.State == sync.StateFailed {
			failed = true
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			job.Platform, job.Mode, job.State,
			job.Stats.Fetched, job.Stats.Matched, job.Stats.Created,
			job.Stats.Failed, job.Stats.Ambiguous)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("one or more sync jobs failed")
	}
	return nil
}

func printCheckpoints(ctx context.Context, orch *sync.Orchestrator) error {
	cps, err := orch.ListCheckpoints(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tMODE\tCURSOR\tLAST SUCCESS")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			cp.Platform, cp.Mode, cp.Cursor, cp.LastSuccessAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printJobs(ctx context.Context, orch *sync.Orchestrator) error {
	jobs, err := orch.ListJobs(ctx, 50)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tMODE\tSTATE\tFETCHED\tFAILED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.Platform, j.Mode, j.State, j.Stats.Fetched, j.Stats.Failed, j.Error)
	}
	return w.Flush()
}

func runMaintenance(ctx context.Context, svc *maintenance.Service, args []string) error {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "status":
		st, err := svc.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "db size\t%d\n", st.DBFileSize)
		fmt.Fprintf(w, "wal size\t%d\n", st.WALFileSize)
		fmt.Fprintf(w, "pages\t%d x %d\n", st.PageCount, st.PageSize)
		fmt.Fprintf(w, "artists\t%d\n", st.Artists)
		fmt.Fprintf(w, "mappings\t%d\n", st.Mappings)
		fmt.Fprintf(w, "review items\t%d\n", st.ReviewItems)
		fmt.Fprintf(w, "jobs\t%d\n", st.Jobs)
		return w.Flush()
	case "optimize":
		return svc.Optimize(ctx)
	case "vacuum":
		return svc.Vacuum(ctx)
	case "check":
		return svc.IntegrityCheck(ctx)
	default:
		return fmt.Errorf("unknown maintenance action: %s", action)
	}
}

func printReviewItems(ctx context.Context, repo *identity.Service) error {
	items, err := repo.ListReviewItems(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tEXTERNAL ID\tNAME\tCANDIDATES")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			it.Platform, it.ExternalID, it.Name, len(it.Candidates))
	}
	return w.Flush()
}
