package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/atproto"
	"github.com/blacksky-algorithms/rsky-sub000/internal/backfill"
	"github.com/blacksky-algorithms/rsky-sub000/internal/config"
	"github.com/blacksky-algorithms/rsky-sub000/internal/indexer"
	"github.com/blacksky-algorithms/rsky-sub000/internal/indexer/plugins"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest/kafka"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest/rabbitmq"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/queue"
	"github.com/blacksky-algorithms/rsky-sub000/internal/storage"
)

func main() {
	var cfgPath string
	var debug bool

	root := &cobra.Command{
		Use:           "subskyd",
		Short:         "firehose indexing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "subsky.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "ingest, backfill and index until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cfgPath, debug)
			},
		},
		&cobra.Command{
			Use:   "reseed",
			Short: "clear the seed checkpoint so the next run enumerates all repositories again",
			RunE: func(cmd *cobra.Command, args []string) error {
				return reseed(cfgPath)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfgPath string, debug bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	q := queue.New()
	for name, mark := range cfg.Queue.HighWaterMarks {
		q.SetHighWaterMark(name, mark)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	client := atproto.NewClient(cfg.Upstream.Host, atproto.WithDirectory(cfg.Upstream.Directory))
	svc := indexer.NewIndexingService(store, plugins.Default(), client, m, log)
	ix := indexer.New(q, svc, m, log, cfg.Indexer.Indexing(cfg.Queue.TrimInterval))
	producer := ingest.NewProducer(q, store, m, log, cfg.Ingest.Producer())

	var source ingest.Source
	switch cfg.Ingest.Source {
	case config.SourceKafka:
		source, err = kafka.NewAdapter(cfg.Ingest.KafkaAdapter(), producer.HandleFrame, log)
	case config.SourceRabbitMQ:
		source, err = rabbitmq.NewAdapter(cfg.Ingest.RabbitMQAdapter(), producer.HandleFrame, log)
	}
	if err != nil {
		return fmt.Errorf("build %s source: %w", cfg.Ingest.Source, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan stageError, 8)
	spawn := func(name string, fn func(context.Context) error) {
		go func() { errs <- stageError{name: name, err: fn(ctx)} }()
	}

	spawn("indexer", ix.Run)
	if source != nil {
		spawn("source", source.Run)
	}
	if cfg.Upstream.Host != "" {
		bf := backfill.New(q, client, m, log, cfg.Backfill.Backfiller())
		spawn("backfiller", bf.Run)

		seeder := backfill.NewSeeder(q, client, store, log, backfill.SeederOptions{PageSize: cfg.Backfill.SeedPageSize})
		go func() {
			// Seeding is a finite job; a failure should not take the
			// pipeline down with it.
			if err := seeder.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("seeding failed, rerun with the reseed command", zap.Error(err))
			}
		}()
	}
	if cfg.Metrics.Enabled {
		spawn("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.Metrics.Addr, reg)
		})
	}

	log.Info("subskyd started",
		zap.String("source", cfg.Ingest.Source),
		zap.String("store", cfg.Storage.Path),
		zap.String("consumer", cfg.Indexer.Consumer))

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case se := <-errs:
			if !stageFatal(ctx) {
				continue
			}
			log.Fatal("pipeline stage exited",
				zap.String("stage", se.name),
				zap.Error(se.err))
		}
	}
}

type stageError struct {
	name string
	err  error
}

// stageFatal reports whether a stage return should take the process down.
// The pipeline loops run until shutdown; any return before then is fatal,
// a clean nil included, or a quietly exited stage would leave a process
// that looks healthy and indexes nothing.
func stageFatal(ctx context.Context) bool {
	return ctx.Err() == nil
}

func reseed(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := backfill.ResetSeed(context.Background(), store); err != nil {
		return err
	}
	fmt.Println("seed checkpoint cleared")
	return nil
}
