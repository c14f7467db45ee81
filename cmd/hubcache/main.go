package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/hub"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	"github.com/ternarybob/hubcache/internal/orchestrator"
	"github.com/ternarybob/hubcache/internal/scheduler"
	badgerstore "github.com/ternarybob/hubcache/internal/storage/badger"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
	priorityFlag = flag.String("priority", "normal", "Job priority: low, normal or high")
	expiryFlag   = flag.Duration("expiry", 24*time.Hour, "File age threshold for clean-directory")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: hubcache [flags] <command> [args]

Commands:
  serve                              Run the scheduler and maintenance loops
  backfill <dataset> <revision>      Reconcile a dataset's queue with its cache
  set-revision <dataset> <revision>  Enqueue the root jobs for a new revision
  remove <dataset>                   Delete every job and cache entry of a dataset
  collect-queue-metrics              Print pending-job counts by type and status
  collect-cache-metrics              Print cache entry counts by kind and status
  clean-directory <dir>              Remove files older than -expiry under dir

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("HubCache version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("hubcache.toml"); err == nil {
			configFiles = append(configFiles, "hubcache.toml")
		} else if _, err := os.Stat("deployments/local/hubcache.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/hubcache.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.LoadVersionFromFile())

	if err := run(config, logger, flag.Args()); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
	os.Exit(0)
}

func run(config *common.Config, logger arbor.ILogger, args []string) error {
	command := args[0]
	ctx := context.Background()

	// clean-directory needs no storage
	if command == "clean-directory" {
		if len(args) < 2 {
			return fmt.Errorf("usage: hubcache clean-directory <dir>")
		}
		_, err := common.CleanDirectory(logger, args[1], *expiryFlag)
		return err
	}

	app, err := newApp(config, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch command {
	case "serve":
		return app.serve()

	case "backfill":
		if len(args) < 3 {
			return fmt.Errorf("usage: hubcache backfill <dataset> <revision>")
		}
		priority, err := parsePriority(*priorityFlag)
		if err != nil {
			return err
		}
		plan, err := app.orch.BackfillDataset(ctx, args[1], args[2], priority)
		if err != nil {
			return err
		}
		fmt.Printf("backfill %s@%s: tasks=%v in_process=%d\n",
			args[1], args[2], plan.Tasks(), len(plan.QueueStatus.InProcess))
		return nil

	case "set-revision":
		if len(args) < 3 {
			return fmt.Errorf("usage: hubcache set-revision <dataset> <revision>")
		}
		priority, err := parsePriority(*priorityFlag)
		if err != nil {
			return err
		}
		return app.orch.SetRevision(ctx, args[1], args[2], priority)

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: hubcache remove <dataset>")
		}
		return app.orch.RemoveDataset(ctx, args[1])

	case "collect-queue-metrics":
		counts, err := app.queue.CountJobsByStatus(ctx)
		if err != nil {
			return err
		}
		for jobType, byStatus := range counts {
			for status, count := range byStatus {
				fmt.Printf("queue jobs type=%s status=%s count=%d\n", jobType, status, count)
			}
		}
		return nil

	case "collect-cache-metrics":
		counts, err := app.cache.CountEntriesByKindAndStatus(ctx)
		if err != nil {
			return err
		}
		for kind, byStatus := range counts {
			for status, count := range byStatus {
				fmt.Printf("cache entries kind=%s http_status=%d count=%d\n", kind, status, count)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// app wires the storage layer, the processing graph and the orchestrator.
type app struct {
	config *common.Config
	logger arbor.ILogger
	db     *badgerstore.BadgerDB
	queue  interfaces.QueueStorage
	cache  interfaces.CacheStorage
	graph  *graph.ProcessingGraph
	orch   *orchestrator.Orchestrator
}

func newApp(config *common.Config, logger arbor.ILogger) (*app, error) {
	db, err := badgerstore.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	g, err := loadGraph(config)
	if err != nil {
		db.Close()
		return nil, err
	}

	queue := badgerstore.NewQueueStorage(db, logger)
	cache := badgerstore.NewCacheStorage(db, logger)
	orch := orchestrator.New(g, queue, cache, logger, orchestrator.Config{
		MaxFailedRuns:               config.Orchestrator.MaxFailedRuns,
		ErrorCodesToRetry:           config.Orchestrator.ErrorCodesToRetry,
		DifficultyBonusByFailedRuns: config.Orchestrator.DifficultyBonusByFailedRuns,
		DifficultyMax:               config.Orchestrator.DifficultyMax,
	})

	return &app{
		config: config,
		logger: logger,
		db:     db,
		queue:  queue,
		cache:  cache,
		graph:  g,
		orch:   orch,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close storage")
	}
}

// serve runs the scheduler until interrupted.
func (a *app) serve() error {
	var datasets scheduler.DatasetSource
	if a.config.Hub.Endpoint != "" {
		datasets = hub.NewClient(a.config.Hub, a.logger)
	}

	svc := scheduler.NewService(a.orch, a.queue, datasets, a.db, a.logger, *a.config)
	if err := svc.Start(); err != nil {
		return err
	}

	a.logger.Info().Msg("HubCache ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.logger.Info().Msg("Interrupt signal received, shutting down")
	return svc.Stop()
}

func loadGraph(config *common.Config) (*graph.ProcessingGraph, error) {
	if config.Graph.SpecPath == "" {
		return graph.Default(), nil
	}
	spec, err := graph.LoadSpecification(config.Graph.SpecPath)
	if err != nil {
		return nil, err
	}
	return graph.New(spec)
}

func parsePriority(value string) (models.Priority, error) {
	switch models.Priority(strings.ToLower(value)) {
	case models.PriorityLow:
		return models.PriorityLow, nil
	case models.PriorityNormal:
		return models.PriorityNormal, nil
	case models.PriorityHigh:
		return models.PriorityHigh, nil
	}
	return "", fmt.Errorf("invalid priority %q (expected low, normal or high)", value)
}
