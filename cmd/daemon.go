// Package cmd holds the runnable glue between the CLI front-end and the
// registrar service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/wpser/internal/config"
	"grimm.is/wpser/internal/er"
	"grimm.is/wpser/internal/logging"
	"grimm.is/wpser/internal/metrics"
)

// RunDaemon starts the registrar in the foreground and blocks until
// SIGINT or SIGTERM.
func RunDaemon(configFile, ifaceOverride string, debug bool) error {
	cfg, err := loadConfig(configFile, ifaceOverride)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, Output: os.Stderr})
	logging.SetDefault(logger)

	svc := er.NewService(er.Config{
		Interface:      cfg.Interface,
		SearchInterval: time.Duration(cfg.SearchIntervalSeconds) * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registrar: %w", err)
	}
	defer svc.Stop()

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		metricsSrv = serveMetrics(cfg.MetricsListen, logger)
		defer metricsSrv.Close()
	}

	if r := cfg.Registrar; r != nil && r.Selected {
		// Give discovery a moment to populate the registry, then announce.
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				svc.SetSelectedRegistrar(true, uint16(r.DevicePasswordID), uint16(r.ConfigMethods))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())
	return nil
}

func loadConfig(configFile, ifaceOverride string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || ifaceOverride == "" {
			return nil, err
		}
		// No config file; run on flags alone.
		cfg = config.Default()
	}
	if ifaceOverride != "" {
		cfg.Interface = ifaceOverride
	}
	if cfg.Interface == "" {
		return nil, fmt.Errorf("no interface configured (set -i or %s)", configFile)
	}
	return cfg, nil
}

func serveMetrics(listen string, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		logger.Info("metrics endpoint listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}
