package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/wal-tiered-storage/internal/blob"
	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/gftdcojp/wal-tiered-storage/internal/file"
	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/ingest"
	"github.com/gftdcojp/wal-tiered-storage/internal/lifecycle"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/serve"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/pkg/natsutil"
	"github.com/gftdcojp/wal-tiered-storage/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wal-tiered-storage %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	var (
		remote    storage.RemoteStorage = storage.NoopRemote{}
		blobStore *blob.Store
		s3Client  *s3util.Client
	)
	if cfg.Remote.Enabled {
		s3Client, err = s3util.NewClient(ctx, cfg.Remote)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		blobStore = blob.NewStore(s3Client.S3, s3Client.Bucket, cfg.Remote, metaStore, logger.Named("blob"))
		remote = blobStore
	}

	fileStore, err := file.NewStore(file.StoreConfig{
		DataDir:       cfg.Storage.DataDir,
		VerifyHeaders: cfg.Storage.VerifyHeaders,
		Defaults:      file.Config{Fsync: cfg.Storage.Fsync},
		FS:            fsio.OS{},
		Remote:        remote,
		Logger:        logger.Named("file"),
	})
	if err != nil {
		return fmt.Errorf("creating file store: %w", err)
	}

	d := cfg.Durability
	handle := durability.New[file.Config](fileStore, fsio.OS{}, durability.Config{
		MaxInFlight:     d.MaxInFlight,
		MaxEnqueuedJobs: d.MaxEnqueuedJobs,
		NotifyBuffer:    d.NotifyBuffer,
		MaxAttempts:     d.MaxAttempts,
		RetryBackoff:    d.RetryBackoff.Duration(),
		MaxBackoff:      d.MaxBackoff.Duration(),
	}, durability.WithLogger(logger), durability.WithCheckpointer(metaStore))

	var nc *nats.Conn
	if cfg.NATSRequired() {
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			handle.Shutdown(d.ShutdownTimeout.Duration())
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	var subscriber *ingest.Subscriber
	if cfg.Ingest.Enabled {
		subscriber = ingest.NewSubscriber(ingest.SubscriberConfig{
			NC:       nc,
			Ingest:   cfg.Ingest,
			Handle:   handle,
			Defaults: file.Config{Fsync: cfg.Storage.Fsync},
			Logger:   logger,
		})
	}
	publisher := serve.NewPublisher(nc, cfg.Ingest.SubjectPrefix, logger)

	// Watermarks and escalations are drained until the loop closes them.
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		forward(handle, subscriber, publisher, logger)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-handle.Done():
			return fmt.Errorf("durability loop stopped: %w", handle.Err())
		case <-gctx.Done():
			return nil
		}
	})

	if subscriber != nil {
		g.Go(func() error { return subscriber.Run(gctx) })
	}

	svc := serve.NewService(serve.ServiceConfig{
		Storage:    fileStore,
		Meta:       metaStore,
		Loop:       handle,
		RestoreDir: cfg.Storage.RestoreDir,
		Logger:     logger,
	})

	if cfg.API.Enabled {
		g.Go(func() error { return serve.RunHTTP(gctx, cfg.API, svc, logger.Named("api")) })
	}

	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, svc, logger.Named("nats-responder"))
		})
	}

	if cfg.Lifecycle.Enabled && blobStore != nil {
		mgr := lifecycle.NewManager(fileStore, blobStore, metaStore, cfg.Lifecycle, logger.Named("lifecycle"))
		g.Go(func() error { return mgr.Run(gctx) })
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		var pinger metrics.RemotePinger
		if s3Client != nil {
			pinger = s3Client
		}
		checker := metrics.NewHealthChecker(nc, metaStore, pinger, handle)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("wal-tiered-storage started",
		zap.String("version", version),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("remote", cfg.Remote.Enabled),
		zap.Bool("ingest", cfg.Ingest.Enabled),
	)

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.Info("shutting down, draining durability loop...",
		zap.Duration("timeout", d.ShutdownTimeout.Duration()))
	if err := handle.Shutdown(d.ShutdownTimeout.Duration()); err != nil {
		logger.Error("durability loop did not drain", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	<-forwarded
	if subscriber != nil {
		subscriber.Close()
	}
	return runErr
}

// forward fans durability notifications out to the ingest subscriber,
// which releases durable segments, and to NATS.
func forward(h *durability.Handle[file.Config], sub *ingest.Subscriber, pub *serve.Publisher, logger *zap.Logger) {
	durable, escalations := h.Durable(), h.Escalations()
	for durable != nil || escalations != nil {
		select {
		case d, ok := <-durable:
			if !ok {
				durable = nil
				continue
			}
			if sub != nil {
				sub.Release(d)
			}
			pub.Durable(d)
		case e, ok := <-escalations:
			if !ok {
				escalations = nil
				continue
			}
			logger.Error("segment escalated, namespace halted until resumed",
				zap.String("namespace", e.Namespace),
				zap.Uint64("start_frame_no", e.StartFrameNo),
				zap.Uint64("end_frame_no", e.EndFrameNo),
				zap.Int("attempts", e.Attempts),
				zap.Error(e.Err),
			)
			pub.Escalation(e)
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
