package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"tubebroker/internal/adapters/localstorage"
	"tubebroker/internal/adapters/memquota"
	"tubebroker/internal/adapters/redisquota"
	"tubebroker/internal/adapters/ytdlp"
	"tubebroker/internal/api"
	"tubebroker/internal/config"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/metrics"
	"tubebroker/internal/service"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(cfgFile))
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
				cfg.Log.Development = true
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	storage, err := localstorage.NewLocalStorage(cfg.Broker.DownloadDir)
	if err != nil {
		return err
	}

	quota, closeQuota, err := newQuotaStore(cfg.Quota)
	if err != nil {
		return err
	}
	defer closeQuota()

	fetcher := ytdlp.NewDownloader(ytdlp.Config{
		Binary:    cfg.YtDlp.Binary,
		Fragments: cfg.YtDlp.Fragments,
	}, storage, log)
	if err := fetcher.Check(); err != nil {
		log.Warn("yt-dlp is not available, every job will fail", logger.Error(err))
	}

	registry := service.NewRegistry(nil)
	limiter := service.NewLimiter(quota, cfg.Broker.DailyLimit, nil)
	scheduler := service.NewScheduler(registry, fetcher, service.SchedulerConfig{
		Workers:    cfg.Broker.Workers,
		JobTimeout: cfg.Broker.JobTimeout,
	}, log, m)
	reaper := service.NewReaper(registry, storage, limiter, service.ReaperConfig{
		Interval:     cfg.Broker.SweepInterval,
		TokenTTL:     cfg.Broker.TokenTTL,
		FileDeadline: cfg.Broker.FileDeadline,
	}, nil, log, m)
	broker := service.NewOrchestrator(registry, limiter, storage, nil, log, m)

	serverCfg := api.ServerConfig{
		Address:           cfg.Server.Address,
		ReadTimeout:       cfg.Server.ReadTimeout,
		TrustedProxies:    cfg.Server.TrustedProxies,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		Debug:             cfg.Log.Level == "debug",
	}
	if cfg.Metrics.Enabled {
		serverCfg.MetricsPath = cfg.Metrics.Path
	}
	handler := api.NewHandler(broker, log, version)
	if pinger, ok := quota.(interface{ Ping(context.Context) error }); ok {
		handler.AddCheck("quota", pinger.Ping)
	}
	router, err := api.NewRouter(serverCfg, handler, log, reg)
	if err != nil {
		return err
	}
	server := api.NewServer(serverCfg, router, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	scheduler.Start(runCtx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(runCtx)
	}()

	log.Info("Broker started",
		logger.String("version", version),
		logger.Int("workers", cfg.Broker.Workers),
		logger.Int("daily_limit", cfg.Broker.DailyLimit),
		logger.String("quota_backend", cfg.Quota.Backend),
		logger.String("download_dir", cfg.Broker.DownloadDir),
	)

	serverErrs := server.StartAsync()
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case serveErr = <-serverErrs:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", logger.Error(err))
	}
	cancel()
	scheduler.Stop()
	<-reaperDone
	return serveErr
}

// newQuotaStore builds the configured backend and its cleanup.
func newQuotaStore(cfg config.QuotaConfig) (ports.QuotaStore, func(), error) {
	switch cfg.Backend {
	case config.QuotaRedis:
		client, err := redisquota.NewClient(redisquota.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect quota store: %w", err)
		}
		return redisquota.NewStore(client), func() { _ = client.Close() }, nil
	case config.QuotaMemory, "":
		return memquota.NewStore(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown quota backend " + cfg.Backend)
	}
}
