package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/matomo-bridge/internal/bridge"
	"github.com/nugget/matomo-bridge/internal/buildinfo"
	"github.com/nugget/matomo-bridge/internal/config"
	"github.com/nugget/matomo-bridge/internal/connwatch"
	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/events"
	"github.com/nugget/matomo-bridge/internal/flow"
	"github.com/nugget/matomo-bridge/internal/homeassistant"
	"github.com/nugget/matomo-bridge/internal/matomo"
	"github.com/nugget/matomo-bridge/internal/metrics"
	"github.com/nugget/matomo-bridge/internal/mqtt"
	"github.com/nugget/matomo-bridge/internal/web"
)

// shutdownTimeout bounds the graceful stop of coordinators, the MQTT
// session and the web server.
const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting matomo-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"poll_interval", cfg.Matomo.PollInterval(),
		"seed_entries", len(cfg.Entries),
	)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	newClient := newMatomoClient(cfg, m, logger)

	// --- Service health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- Sinks ---
	sinks := bridge.Sinks{metrics.NewSink(m)}

	// The MQTT session outlives ctx so the unload states and the bridge
	// offline message can still be published during shutdown.
	var mqttPub *mqtt.Publisher
	mqttCtx, mqttCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer mqttCancel()
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, logger)
		go func() {
			if err := mqttPub.Start(mqttCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		if _, err := connMgr.Watch(ctx, connwatch.Config{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
		}); err != nil {
			return err
		}
		sinks = append(sinks, mqttPub)

		logger.Info("mqtt discovery enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
		)
	} else {
		logger.Warn("mqtt not configured - sensors will not appear in Home Assistant through discovery")
	}

	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, nil)
		w, err := connMgr.Watch(ctx, connwatch.Config{
			Name:  "homeassistant",
			Probe: ha.Ping,
		})
		if err != nil {
			return err
		}
		ha.SetWatcher(w)
		sinks = append(sinks, homeassistant.NewSink(ha, logger))
		logger.Info("home assistant REST states enabled", "url", cfg.HomeAssistant.URL)
	}

	// --- Entries ---
	mgr := bridge.NewManager(bridge.Config{
		Store: store,
		NewFetcher: func(e entries.Entry) coordinator.Fetcher {
			return newClient(e.BaseURL, e.Token)
		},
		LookupSite: func(lCtx context.Context, e entries.Entry) (matomo.Site, error) {
			return newClient(e.BaseURL, e.Token).Site(lCtx, e.SiteID)
		},
		Sinks:           sinks,
		PollInterval:    cfg.Matomo.PollInterval(),
		RequestTimeout:  cfg.Matomo.RequestTimeout(),
		LiveLastMinutes: cfg.Matomo.LiveLastMinutes,
		Bus:             bus,
		Observer:        m,
		Gauge:           m,
		OnLoad: func(e entries.Entry) {
			probe := newClient(e.BaseURL, e.Token)
			if _, err := connMgr.Retain(ctx, connwatch.Config{
				Name: hostWatchName(e.BaseURL),
				Probe: func(pCtx context.Context) error {
					_, err := probe.Version(pCtx)
					return err
				},
			}); err != nil {
				logger.Warn("matomo host watch failed", "entry_id", e.ID, "error", err)
			}
		},
		OnUnload: func(e entries.Entry) {
			connMgr.Release(hostWatchName(e.BaseURL))
		},
		Logger: logger,
	})

	flowDeps := flow.Deps{
		NewClient: func(baseURL, token string) flow.SiteLister { return newClient(baseURL, token) },
		Store:     store,
		Bus:       bus,
		Logger:    logger,
	}
	importEntries(ctx, flowDeps, cfg.Entries, logger)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start entries: %w", err)
	}

	// --- Web UI ---
	ws := web.NewWebServer(web.Config{
		Manager:  mgr,
		Entries:  store,
		FlowDeps: flowDeps,
		Flows:    flow.NewRegistry(flow.DefaultTTL),
		Bus:      bus,
		Health:   connMgr,
		Metrics:  m.Handler(),
		Auth:     cfg.Web,
		Logger:   logger,
	})
	if !cfg.Web.AuthEnabled() {
		logger.Warn("web UI has no password; set web.password_hash to require one")
	}

	// --- Shutdown ---
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := ws.Shutdown(shutdownCtx); err != nil {
			logger.Error("web server shutdown failed", "error", err)
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("entry shutdown incomplete", "error", err)
		}
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		mqttCancel()
	}()

	err = ws.Start(cfg.Listen.Address, cfg.Listen.Port)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-stopped
		return fmt.Errorf("web server failed: %w", err)
	}

	<-stopped
	logger.Info("matomo-bridge stopped")
	return nil
}

// importEntries runs the config flow for each seed entry. Pairs that
// are already configured are skipped; failures are logged so one bad
// seed does not keep the others from loading.
func importEntries(ctx context.Context, deps flow.Deps, seeds []config.EntryConfig, logger *slog.Logger) {
	for i, seed := range seeds {
		res, err := flow.Import(ctx, deps, flow.ImportInput{
			URL:              seed.URL,
			Token:            seed.Token,
			SiteID:           seed.SiteID,
			IncludeAggregate: seed.IncludeAggregate,
		})
		switch {
		case err != nil:
			logger.Error("seed entry import failed", "index", i, "url", seed.URL, "site_id", seed.SiteID, "error", err)
		case res.Type == flow.ResultAbort:
			logger.Debug("seed entry already configured", "index", i, "url", seed.URL, "site_id", seed.SiteID)
		case res.Entry != nil:
			logger.Info("seed entry imported", "entry_id", res.Entry.ID, "url", res.Entry.BaseURL, "site_id", res.Entry.SiteID)
		}
	}
}

// hostWatchName names the health watcher shared by every entry on one
// Matomo installation.
func hostWatchName(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return "matomo " + u.Host + u.Path
	}
	return "matomo " + baseURL
}
