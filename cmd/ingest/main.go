// Command ingest runs one video through the detection pipeline and prints
// the job report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	_ "github.com/YousifYassi/prototype/internal/capture/opencv"
	"github.com/YousifYassi/prototype/internal/classifier"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/ingest"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/registry"
)

func main() {
	var (
		configPath string
		project    policy.ProjectContext
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&project.ProjectID, "project", "", "Project id recorded on detections")
	flag.StringVar(&project.JurisdictionCode, "jurisdiction", "", "Jurisdiction code, e.g. ontario")
	flag.StringVar(&project.IndustryCode, "industry", "", "Industry code, e.g. construction")
	flag.IntVar(&project.MinSeverity, "min-severity", 0, "Minimum severity that raises an alert (1-5)")
	flag.StringVar(&project.CustomModelPath, "model", "", "Custom model manifest")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <video>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	report, err := run(cfg, log, flag.Arg(0), project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	if report.Status == ingest.StatusError {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger, videoPath string, project policy.ProjectContext) (ingest.Report, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := policy.LoadCatalog(cfg.Policy.CatalogPath, cfg.Policy.DefaultSeverity)
	if err != nil {
		return ingest.Report{}, err
	}

	inference := classifier.NewClient(cfg.Inference, log)
	detectors := detection.NewFactory(
		registry.New(cfg.Models.Dir, cfg.Models.Extension, log),
		func(m *classifier.Model) classifier.Classifier { return inference.ForModel(m) },
		catalog, cfg.Detection, cfg.Policy.DefaultMinSeverity, log)

	opener, err := capture.NewOpener(cfg.Capture, log)
	if err != nil {
		return ingest.Report{}, err
	}

	dispatcher := alerts.NewDispatcher(cfg.Alerts, log)
	dispatcher.AddHandler(alerts.NewLogHandler(log))
	if err := dispatcher.Start(ctx); err != nil {
		return ingest.Report{}, err
	}
	defer dispatcher.Stop(context.Background())

	runner := ingest.NewRunner(ingest.RunnerOptions{
		MaxConcurrent: 1,
		OpenTimeout:   cfg.Capture.OpenTimeout,
		JPEGQuality:   cfg.Detection.JPEGQuality,
		Opener:        opener,
		Detectors:     detectors,
		Alerts:        dispatcher,
	}, log)
	if err := runner.Start(ctx); err != nil {
		return ingest.Report{}, err
	}
	defer runner.Stop(context.Background())

	job, err := runner.Submit(ctx, videoPath, project)
	if err != nil {
		return ingest.Report{}, err
	}
	if err := job.Wait(ctx); err != nil {
		runner.Stop(context.Background())
	}
	return job.Report(), nil
}
