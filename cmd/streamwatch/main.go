package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentranscript/streamwatch/pkg/config"
	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/logging"
	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/probe"
	"github.com/opentranscript/streamwatch/pkg/providers/whisperd"
	"github.com/opentranscript/streamwatch/pkg/runner"
	"github.com/opentranscript/streamwatch/pkg/transcribe"
	"github.com/opentranscript/streamwatch/pkg/uploader"
	"github.com/opentranscript/streamwatch/pkg/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting", "version", runner.Version, "build_date", runner.BuildDate, "config", *configPath)

	obs, closeObs, err := buildObserver(cfg.Metrics)
	if err != nil {
		return err
	}
	defer closeObs()

	engine, err := whisperd.New(whisperd.Config{
		Endpoint:    cfg.Transcription.Endpoint,
		Model:       cfg.Transcription.Model,
		Device:      cfg.Transcription.Device,
		ComputeType: cfg.Transcription.ComputeType,
		CacheDir:    cfg.Transcription.CacheDir,
		Settings:    cfg.Transcription.Settings,
	})
	if err != nil {
		return err
	}
	model := transcribe.NewModelManager(
		engine,
		cfg.Transcription.Concurrency,
		time.Duration(cfg.Transcription.IdleUnloadMinutes)*time.Minute,
		obs,
		logger,
	)
	// The worker exists to transcribe; a model that cannot load is fatal.
	if err := model.Start(context.Background()); err != nil {
		return err
	}

	var relay *uploader.Client
	if cfg.Server.Enabled {
		relay = uploader.NewClient(cfg.Server.URL, cfg.Server.APIKey, logger)
	} else {
		logger.Warn("relay upload disabled, transcripts stay local")
	}

	deps := watcher.Deps{
		Prober:   probe.NewYTDLP(cfg.YTDLPPath, 30*time.Second),
		Launcher: downloader.NewYTDLP(cfg.YTDLPPath, logger),
		Merger:   downloader.NewFFmpeg(cfg.FFmpegPath),
		Model:    model,
		Relay:    relay,
		Decensor: transcribe.NewDecensor(nil),
		Obs:      obs,
		Logger:   logger,
	}
	supervisor := watcher.NewSupervisor(cfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := supervisor.Run(ctx); err != nil {
			logger.Error("supervisor exited", "error", err)
		}
	}()
	go model.RunIdleWatchdog(ctx)

	life := runner.NewLifecycleRunner(
		pipelineDrainer{pipelines: supervisorDone, model: model},
		runner.Hooks{
			OnStop: func() { logger.Info("worker stopped") },
		},
		30*time.Second,
	)
	return life.Run(ctx)
}

func buildObserver(cfg config.MetricsConfig) (metrics.Observer, func(), error) {
	if cfg.JSONLPath == "" {
		return metrics.NoopObserver{}, func() {}, nil
	}
	file, err := metrics.NewJSONLFileObserver(cfg.JSONLPath)
	if err != nil {
		return nil, nil, err
	}
	sampled := metrics.NewSamplingObserver(file, cfg.SampleRate)
	async := metrics.NewAsyncObserver(sampled, 1024)
	closeAll := func() {
		async.Close()
		if err := file.Close(); err != nil {
			slog.Warn("metrics file close failed", "error", err)
		}
	}
	return async, closeAll, nil
}

// pipelineDrainer holds process exit until the supervisor has joined every
// monitor, so sessions get their upload drain windows before the model goes.
type pipelineDrainer struct {
	pipelines <-chan struct{}
	model     *transcribe.ModelManager
}

func (d pipelineDrainer) Drain() error {
	<-d.pipelines
	return d.model.Shutdown(context.Background())
}
