package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marek/upcycle/internal/config"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/logger"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/storage"
	"github.com/marek/upcycle/internal/vector"
)

const rebuildBatchSize = 200

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		ServiceName: "upcycle-indextool",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	command := flag.String("cmd", "", "Command to run: init, rebuild, verify, snapshot, restore")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *command == "" {
		fmt.Fprintln(os.Stderr, "Usage: indextool -cmd <init|rebuild|verify|snapshot|restore> [-config path]")
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	switch *command {
	case "init":
		err = runInit(ctx, cfg, appLogger)
	case "rebuild":
		err = runRebuild(ctx, cfg, appLogger)
	case "verify":
		err = runVerify(ctx, cfg, appLogger)
	case "snapshot":
		err = runSnapshot(ctx, cfg, appLogger)
	case "restore":
		err = runRestore(ctx, cfg, appLogger)
	default:
		appLogger.WithField("cmd", *command).Fatal("Unknown command")
	}
	if err != nil {
		appLogger.WithError(err).Fatal("Command failed")
	}
}

func openIndex(ctx context.Context, cfg *config.Config) (vector.Index, error) {
	index, err := vector.New(&cfg.Index)
	if err != nil {
		return nil, err
	}
	if err := index.Initialize(ctx); err != nil {
		index.Close()
		return nil, err
	}
	return index, nil
}

// runInit creates an empty index and persists it, so the API server starts
// from a known-good state instead of lazily creating files on first write.
func runInit(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	index, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	count, err := index.Count(ctx)
	if err != nil {
		return err
	}
	if err := index.Save(ctx); err != nil {
		return err
	}
	log.WithField("vectors", count).Info("Index initialized")
	return nil
}

// runRebuild repopulates the index from completed database records. The
// existing index files are replaced, which discards soft-deleted slots.
func runRebuild(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return err
	}
	projectRepo := repository.NewProjectRepository(db)

	index, err := vector.New(&cfg.Index)
	if err != nil {
		return err
	}
	defer index.Close()
	// Skip Initialize: rebuild starts from an empty in-memory index and
	// overwrites the persisted files on Save.

	added := 0
	skipped := 0
	err = projectRepo.ListCompletedWithEmbedding(ctx, rebuildBatchSize, func(batch []domain.Project) error {
		for _, p := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := index.Add(ctx, p.ID, p.Embedding); err != nil {
				log.WithError(err).WithField("project_id", p.ID).Warn("Skipping project with bad embedding")
				skipped++
				continue
			}
			added++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := index.Save(ctx); err != nil {
		return err
	}
	log.WithFields(logger.Fields{
		"added":   added,
		"skipped": skipped,
	}).Info("Index rebuilt")
	return nil
}

// runVerify checks that the persisted index loads cleanly and that every
// completed record with an embedding is present in it.
func runVerify(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return err
	}
	projectRepo := repository.NewProjectRepository(db)

	index, err := openIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("index failed to load: %w", err)
	}
	defer index.Close()

	indexed, err := index.Count(ctx)
	if err != nil {
		return err
	}

	missing := 0
	expected := 0
	err = projectRepo.ListCompletedWithEmbedding(ctx, rebuildBatchSize, func(batch []domain.Project) error {
		for _, p := range batch {
			expected++
			hits, err := index.Search(ctx, p.Embedding, 1)
			if err != nil || len(hits) == 0 || hits[0].ID != p.ID || hits[0].Score < 0.99 {
				log.WithField("project_id", p.ID).Warn("Project missing from index")
				missing++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"indexed":  indexed,
		"expected": expected,
		"missing":  missing,
	}).Info("Verification finished")
	if missing > 0 {
		return fmt.Errorf("%d of %d projects missing from index, run rebuild", missing, expected)
	}
	return nil
}

func newSnapshotter(ctx context.Context, cfg *config.Config) (*storage.Snapshotter, error) {
	if !cfg.Snapshot.Enabled {
		return nil, fmt.Errorf("snapshots are disabled in config")
	}
	if cfg.Index.Backend != "" && cfg.Index.Backend != "flat" {
		return nil, fmt.Errorf("snapshots only apply to the flat index backend, got %q", cfg.Index.Backend)
	}
	store, err := storage.NewS3Storage(&cfg.Snapshot)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return storage.NewSnapshotter(store, cfg.Index.IndexPath, cfg.Index.MappingPath), nil
}

func runSnapshot(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	snap, err := newSnapshotter(ctx, cfg)
	if err != nil {
		return err
	}
	if err := snap.Snapshot(ctx); err != nil {
		return err
	}
	log.WithField("bucket", cfg.Snapshot.Bucket).Info("Snapshot uploaded")
	return nil
}

func runRestore(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	snap, err := newSnapshotter(ctx, cfg)
	if err != nil {
		return err
	}
	if err := snap.Restore(ctx); err != nil {
		return err
	}

	// Confirm the restored files load before declaring success.
	index, err := openIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("restored index failed to load: %w", err)
	}
	defer index.Close()

	count, err := index.Count(ctx)
	if err != nil {
		return err
	}
	log.WithField("vectors", count).Info("Snapshot restored")
	return nil
}
