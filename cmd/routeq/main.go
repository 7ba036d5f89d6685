package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/routeq/routeq/pkg/broker"
	"github.com/routeq/routeq/pkg/config"
	"github.com/routeq/routeq/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: routeq.yaml on the search path)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"data_dir":      cfg.Storage.DataDir,
		"serialization": cfg.Serialization.Type,
	}).Info("starting routeq")

	m := metrics.New(cfg.Monitoring.Namespace)

	b, err := broker.New(broker.FromConfig(cfg, logger, m))
	if err != nil {
		logger.WithError(err).Fatal("failed to start broker")
	}
	if err := b.ApplyTopology(cfg.Topology); err != nil {
		logger.WithError(err).Fatal("failed to apply topology")
	}
	logger.WithFields(logrus.Fields{
		"exchanges": len(cfg.Topology.Exchanges),
		"queues":    len(cfg.Topology.Queues),
		"bindings":  len(cfg.Topology.Bindings),
	}).Info("topology applied")

	var metricsSrv *http.Server
	if cfg.Monitoring.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Monitoring.MetricsPath, m.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsSrv = &http.Server{Addr: cfg.Monitoring.ListenAddr, Handler: mux}
		go func() {
			logger.WithField("addr", cfg.Monitoring.ListenAddr).Info("metrics endpoint up")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(ctx)
		cancel()
	}
	if err := b.Close(); err != nil {
		logger.WithError(err).Error("broker shutdown reported an error")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
