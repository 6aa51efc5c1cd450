package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedwagon-io/meterreader/internal/buffer"
	"github.com/speedwagon-io/meterreader/internal/collector"
	"github.com/speedwagon-io/meterreader/internal/collector/adapters"
	"github.com/speedwagon-io/meterreader/internal/config"
	"github.com/speedwagon-io/meterreader/internal/health"
	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
	"github.com/speedwagon-io/meterreader/internal/meter"
	"github.com/speedwagon-io/meterreader/internal/sender"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "log data instead of sending")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	log.Info("starting meter reader",
		slog.String("env", cfg.Env),
		slog.String("site_id", cfg.Site.ID),
		slog.Bool("dry_run", *dryRun),
	)

	siteCfg := config.MustLoadSite(cfg.Site.ConfigPath)

	log.Info("loaded site config",
		slog.String("site_id", siteCfg.SiteID),
		slog.String("site_name", siteCfg.SiteName),
		slog.Int("meters", len(siteCfg.Meters)),
		slog.Bool("discovery", !siteCfg.Discovery.Disabled),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	meterAdapter := adapters.NewMeterAdapter(log, siteCfg, meter.NewMDNSLookup(), meter.NewMetrics(reg))

	// Use LogSender for dry-run mode, HTTPSender otherwise
	var dataSender sender.Sender
	if *dryRun {
		dataSender = sender.NewLogSender(log)
		log.Info("dry-run mode: data will be logged instead of sent")
	} else {
		dataSender = sender.NewHTTPSender(log, &cfg.Sender, cfg.Site.ID)
	}

	var buf buffer.Buffer
	if cfg.Buffer.Enabled && !*dryRun {
		var err error
		buf, err = buffer.NewSQLiteBuffer(log, cfg.Buffer.Path)
		if err != nil {
			log.Error("failed to create buffer", sl.Err(err))
			os.Exit(1)
		}
		log.Info("buffer enabled", slog.String("path", cfg.Buffer.Path))
	}

	healthServer := health.NewServer(log, cfg.Health.Address)
	healthServer.SetMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	healthServer.AddChecker(health.NewSenderHealthChecker(dataSender.Health))

	if buf != nil {
		if sqliteBuf, ok := buf.(*buffer.SQLiteBuffer); ok {
			healthServer.AddChecker(health.NewBufferHealthChecker(sqliteBuf.Count))
		}
	}

	for _, r := range meterAdapter.Readers() {
		healthServer.AddMeter(r)
	}

	if err := healthServer.Start(); err != nil {
		log.Error("failed to start health server", sl.Err(err))
		os.Exit(1)
	}

	manager := collector.NewManager(log, cfg, siteCfg, meterAdapter, dataSender, buf)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	manager.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.Stop()

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop health server", sl.Err(err))
	}

	if buf != nil {
		if err := buf.Close(); err != nil {
			log.Error("failed to close buffer", sl.Err(err))
		}
	}

	log.Info("meter reader stopped")
}
