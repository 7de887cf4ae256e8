package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/hub"
	"aprilaire-go-home/internal/metrics"
	"aprilaire-go-home/internal/services"
	"aprilaire-go-home/internal/setup"
	"aprilaire-go-home/internal/store"
	"aprilaire-go-home/internal/web"
)

func newServeCmd() *cobra.Command {
	var cfgPath, envPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(envPath); err != nil {
				return err
			}
			cfg, err := loadConfig(cfgPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&envPath, "env-file", ".env", "dotenv file loaded before the config")
	return cmd
}

func loadServices(path string) (*services.Registry, error) {
	if path == "" {
		return services.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	return services.Load(data)
}

func serve(cfg *Config) error {
	logger, logCloser := newLogger(cfg)
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)
	logger.Info("aprilaire-go-home starting", "version", version)

	registry, err := loadServices(cfg.ServicesFile)
	if err != nil {
		return err
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	clientLogger := logger.With("component", "client")
	newClient := func(host string, port int) aprilaire.Backend {
		return aprilaire.NewClient(host, port, aprilaire.WithLogger(clientLogger))
	}

	events := coordinator.NewEventBus(logger)
	h := hub.New(db, newClient, events, registry, logger,
		hub.WithUnits(cfg.units()),
		hub.WithCoordinatorOptions(coordinator.WithReadyTimeout(cfg.readyTimeout())),
	)
	flow := setup.NewFlow(db, newClient, logger, setup.WithTimeout(cfg.setupTimeout()))

	// No-op when built with the no_automation tag.
	auto, autoWebOpts := initAutomation(h, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(h)
		collector.Start()
		webOpts = append(webOpts, web.WithMetrics(metrics.Handler(metrics.NewRegistry(collector, version))))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(h, flow, db, logger, webOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// No-op when built with the no_mqtt tag.
	mqtt := initMQTT(h, cfg, logger)

	if err := h.LoadAll(); err != nil {
		logger.Error("load entries", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if collector != nil {
		collector.Stop()
	}
	h.Shutdown()

	logger.Info("goodbye")
	return nil
}
