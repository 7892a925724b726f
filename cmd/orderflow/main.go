package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/internal/feed"
	"orderflow/logger"
	"orderflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Orderflow.Name,
		"version":     cfg.Orderflow.Version,
		"environment": config.AppEnvironment(),
		"symbol":      cfg.Orderbook.Symbol,
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudwatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	f, err := feed.New(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to build feed")
		os.Exit(1)
	}
	if err := f.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start feed")
		os.Exit(1)
	}

	// Drain status and error events into the log; a terminal UI would
	// consume these channels instead.
	go func() {
		chans := f.Channels()
		for {
			select {
			case <-ctx.Done():
				return
			case status := <-chans.Status:
				log.WithComponent("main").WithFields(logger.Fields{
					"state":  status.State.String(),
					"reason": status.Reason,
				}).Info("connection state")
				if status.State == models.StateErrored {
					log.WithComponent("main").Warn("connection gave up, retrying with subscriptions in 30s")
					go func() {
						time.Sleep(30 * time.Second)
						if err := f.ManualRetry(); err != nil {
							log.WithComponent("main").WithError(err).Warn("manual retry failed")
						}
					}()
				}
			case evt := <-chans.Errors:
				entry := log.WithComponent(evt.Component)
				if evt.Severity == models.SeverityError {
					entry.Error(evt.Message)
				} else {
					entry.Warn(evt.Message)
				}
			case report := <-chans.Perf:
				log.WithComponent("main").WithFields(logger.Fields{
					"msgs_per_sec": report.MessagesPerSec,
					"book_levels":  report.BookLevels,
					"dropped":      report.MessagesDropped,
				}).Debug("performance report")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")

	f.Stop()
	cancel()
	log.Info("orderflow stopped")
}
