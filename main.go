package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	_ "github.com/YousifYassi/prototype/internal/capture/opencv"
	"github.com/YousifYassi/prototype/internal/classifier"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/health"
	"github.com/YousifYassi/prototype/internal/ingest"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/registry"
	"github.com/YousifYassi/prototype/internal/secrets"
	"github.com/YousifYassi/prototype/internal/service"
	"github.com/YousifYassi/prototype/internal/state"
	"github.com/YousifYassi/prototype/internal/storage"
	"github.com/YousifYassi/prototype/internal/stream"
	"github.com/YousifYassi/prototype/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfgSvc, err := config.NewService(configPath, log)
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg = cfgSvc.Get()

	log.Info("Starting site safety monitor",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"capture_backend", cfg.Capture.Backend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfgSvc, log); err != nil {
		log.Error("Fatal error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfgSvc *config.Service, log *logger.Logger) error {
	cfg := cfgSvc.Get()
	svcMgr := service.NewManager(log)

	secretsSvc := secrets.NewService(cfg.Secrets, log.Named("secrets"))
	svcMgr.Register(secretsSvc)

	stateMgr, err := state.NewManager(cfg.DatabasePath(), secretsSvc, log)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer stateMgr.Close()

	catalog, err := policy.LoadCatalog(cfg.Policy.CatalogPath, cfg.Policy.DefaultSeverity)
	if err != nil {
		return fmt.Errorf("failed to load policy catalog: %w", err)
	}

	models := registry.New(cfg.Models.Dir, cfg.Models.Extension, log)
	inference := classifier.NewClient(cfg.Inference, log)
	detectors := detection.NewFactory(models,
		func(m *classifier.Model) classifier.Classifier { return inference.ForModel(m) },
		catalog, cfg.Detection, cfg.Policy.DefaultMinSeverity, log)

	opener, err := capture.NewOpener(cfg.Capture, log)
	if err != nil {
		return err
	}

	files, err := storage.NewService(storage.Options{
		Storage: cfg.Storage,
		Ingest:  cfg.Ingest,
		Store:   stateMgr,
	}, log)
	if err != nil {
		return err
	}
	svcMgr.Register(files)

	dispatcher := alerts.NewDispatcher(cfg.Alerts, log)
	dispatcher.AddHandler(alerts.NewLogHandler(log))
	dispatcher.AddHandler(alerts.NewStoreHandler(stateMgr))
	if err := configureArchive(ctx, cfg.Alerts, dispatcher, files); err != nil {
		return err
	}
	if cfg.Alerts.Kafka.Enabled {
		kafka, err := alerts.NewKafkaHandler(cfg.Alerts.Kafka)
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		defer kafka.Close()
		dispatcher.AddHandler(kafka)
	}
	svcMgr.Register(dispatcher)

	streams := stream.NewManager(stream.ManagerOptions{
		Streams:     cfg.Streams,
		OpenTimeout: cfg.Capture.OpenTimeout,
		JPEGQuality: cfg.Detection.JPEGQuality,
		Opener:      opener,
		Detectors:   detectors,
		Dispatcher:  dispatcher,
		Store:       stateMgr,
	}, log)
	svcMgr.Register(streams)

	runner := ingest.NewRunner(ingest.RunnerOptions{
		MaxConcurrent: cfg.Ingest.MaxConcurrent,
		OpenTimeout:   cfg.Capture.OpenTimeout,
		JPEGQuality:   cfg.Detection.JPEGQuality,
		Opener:        opener,
		Detectors:     detectors,
		Alerts:        dispatcher,
		Store:         stateMgr,
	}, log)
	svcMgr.Register(runner)

	healthMgr := health.NewManager(cfg.Health, log, svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(stateMgr))
	healthMgr.RegisterChecker(health.NewInferenceChecker(inference, cfg.Inference.ServiceURL))
	healthMgr.RegisterChecker(health.NewFFmpegChecker(cfg.Capture.FFmpegPath, cfg.Capture.Backend == "ffmpeg"))
	healthMgr.RegisterChecker(health.NewStorageChecker(files.Disk(), cfg.Ingest.UploadDir, cfg.Storage.SnapshotsDir))
	healthMgr.RegisterChecker(health.NewStreamsChecker(streams))

	server := web.NewServer(cfg.Server, web.Dependencies{
		Streams:  streams,
		Jobs:     runner,
		Uploads:  files,
		Alerts:   stateMgr,
		Models:   models,
		Health:   healthMgr,
		Prober:   capture.NewProber(cfg.Capture.OpenTimeout, log),
		Services: svcMgr,
	}, log)
	server.SetVersion(version)
	dispatcher.AddHandler(server.Hub())
	svcMgr.Register(server)
	svcMgr.Register(healthMgr)

	cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if oldCfg.Detection != newCfg.Detection || oldCfg.Capture != newCfg.Capture {
			log.Warn("Detection and capture settings take effect after restart")
		}
		return nil
	})

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Some services failed to start", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Failed to reload configuration", "error", err)
			}
			continue
		}
		log.Info("Received shutdown signal", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return svcMgr.Shutdown(shutdownCtx)
}

func configureArchive(ctx context.Context, cfg config.AlertsConfig, dispatcher *alerts.Dispatcher, files *storage.Service) error {
	switch cfg.Archive {
	case "minio":
		archiver, err := alerts.NewMinioArchiver(ctx, cfg.Minio)
		if err != nil {
			return fmt.Errorf("failed to connect to minio: %w", err)
		}
		dispatcher.SetArchiver(archiver)
	case "disk":
		dispatcher.SetArchiver(files)
	}
	return nil
}
