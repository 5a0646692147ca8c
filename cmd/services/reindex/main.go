// Command reindex rebuilds a search index from the content database
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/linkflow-ai/contentindex/internal/content"
	"github.com/linkflow-ai/contentindex/internal/indexing/adapters/repository/postgres"
	"github.com/linkflow-ai/contentindex/internal/indexing/app/service"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/reindex"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/indexing/worker"
	"github.com/linkflow-ai/contentindex/internal/platform/config"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

const serviceName = "reindex"

// defaultWait bounds how long the command waits for another process to
// release the index files
const defaultWait = 30 * time.Second

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// parseFlags reads the command line into v and returns the rebuild options
func parseFlags(args []string, v *viper.Viper, stderr io.Writer) (reindex.Options, error) {
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Bool("clear", false, "drop every document first, including types that are no longer indexed")
	fs.Bool("progressive", false, "commit in several writers instead of once at the end")
	fs.Int("batch-size", 0, "documents per progressive commit (requires --progressive)")
	fs.String("index", store.DefaultIndex, "name of the index to rebuild")
	fs.String("whoosh-base", "", "index storage root, overrides WHOOSH_BASE")
	fs.Duration("wait", defaultWait, "how long to wait for a process holding the index, such as a running indexer")

	if err := fs.Parse(args); err != nil {
		return reindex.Options{}, err
	}
	if fs.NArg() > 0 {
		return reindex.Options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err := v.BindPFlags(fs); err != nil {
		return reindex.Options{}, err
	}

	opts := reindex.Options{
		Index:       v.GetString("index"),
		Clear:       v.GetBool("clear"),
		Progressive: v.GetBool("progressive"),
		BatchSize:   v.GetInt("batch-size"),
	}
	return opts, opts.Validate()
}

func run(args []string, stderr io.Writer) int {
	v := viper.New()
	opts, err := parseFlags(args, v, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "reindex: %v\n", err)
		return exitUsage
	}

	_ = godotenv.Load()
	cfg, err := config.LoadWith(v, serviceName)
	if err != nil {
		fmt.Fprintf(stderr, "reindex: %v\n", err)
		return exitError
	}
	if base := v.GetString("whoosh-base"); base != "" {
		cfg.Search.IndexBase = base
	}

	log := logger.New(cfg.Logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := rebuild(ctx, cfg, opts, v.GetDuration("wait"), log)
	if err != nil {
		log.Error("Reindex failed", "index", opts.Index, "error", err)
		return exitError
	}
	log.Info("Reindex finished",
		"index", opts.Index,
		"classes", stats.Classes,
		"documents", stats.Documents,
		"skipped", stats.Skipped,
		"commits", stats.Commits,
	)
	return exitOK
}

func rebuild(ctx context.Context, cfg *config.Config, opts reindex.Options, wait time.Duration, log logger.Logger) (reindex.Stats, error) {
	db, err := database.New(cfg.Database)
	if err != nil {
		return reindex.Stats{}, err
	}
	defer db.Close()

	classes, err := content.NewRegistry()
	if err != nil {
		return reindex.Stats{}, err
	}

	indexes := cfg.Search.Indexes
	if !contains(indexes, opts.Index) {
		indexes = append(indexes, opts.Index)
	}

	svc := service.NewIndexService(service.Config{
		IndexPath: cfg.Search.IndexPath(),
		Indexes:   indexes,
		Boosts:    cfg.Search.DefaultBoosts,
	}, service.Dependencies{
		Classes:  classes,
		Entities: postgres.NewEntityRepository(db.DB, classes),
		TxM:      db.TxManager,
		Metrics:  metrics.NewMetrics(serviceName),
	}, log)
	if err := svc.RegisterClasses(); err != nil {
		return reindex.Stats{}, err
	}
	svc.RegisterValueProvider(content.SlugProvider)

	if err := openIndexes(ctx, svc, wait, log); err != nil {
		return reindex.Stats{}, err
	}
	defer svc.Close()

	log.Info("Reindexing",
		"index", opts.Index,
		"path", cfg.Search.IndexPath(),
		"clear", opts.Clear,
		"progressive", opts.Progressive,
		"batch_size", opts.BatchSize,
	)
	return svc.Reindex(ctx, opts, nil)
}

// openIndexes retries while another process holds the index files. The
// indexer holds them for its whole lifetime, so a rebuild next to a running
// indexer goes through its /api/v1/admin/reindex endpoint instead.
func openIndexes(ctx context.Context, svc *service.IndexService, wait time.Duration, log logger.Logger) error {
	openCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	warned := false
	_, err := worker.RetryOnLock(openCtx, worker.LockRetryInterval, func() (struct{}, error) {
		return struct{}{}, svc.Open(openCtx)
	}, func() {
		if !warned {
			log.Warn("Index is locked by another process, waiting", "wait", wait.String())
			warned = true
		}
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("index still locked after %s, stop the indexer or use POST /api/v1/admin/reindex: %w", wait, model.ErrLocked)
	}
	return err
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
