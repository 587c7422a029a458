package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/trymwestin/dvrsession/internal/config"
	"github.com/trymwestin/dvrsession/internal/core/endpoint"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/httpapi"
	"github.com/trymwestin/dvrsession/internal/metrics"
	"github.com/trymwestin/dvrsession/internal/mqtt"
	"github.com/trymwestin/dvrsession/internal/settings"
)

// app wires the daemon components together.
type app struct {
	cfg config.Config
	log *slog.Logger

	store *settings.FileStore
	bus   *state.EventBus
	reg   *prometheus.Registry
	mgr   *session.Manager
	pub   mqtt.Publisher
	http  *http.Server
}

func newApp(cfg config.Config, log *slog.Logger) (*app, error) {
	store, err := settings.OpenFileStore(cfg.Settings.Path)
	if err != nil {
		return nil, err
	}
	bus := state.NewEventBus(log)
	if n := seedServers(store, bus, log, cfg.Servers); n > 0 {
		log.Info("seeded servers from config", "count", n, "path", store.Path())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := session.Options{
		PollInterval: cfg.Poll.Interval,
		DevicesPath:  cfg.Poll.DevicesPath,
		StatsPath:    cfg.Poll.StatsPath,
	}
	mgr := session.NewManager(store, bus, metrics.New(reg), log, opts, session.HTTPTransportFactory(cfg.Poll.Timeout))

	a := &app{cfg: cfg, log: log, store: store, bus: bus, reg: reg, mgr: mgr}

	if cfg.MQTT.Enabled {
		a.pub = mqtt.NewHAPublisher(mqtt.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, mgr, bus, log)
	} else {
		a.pub = mqtt.NewStubPublisher(log)
	}

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(mgr, bus, reg, cfg.HTTP.CORSAll, log)
		a.http = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// start brings up the sessions, then the outer surfaces. It does not block.
func (a *app) start(ctx context.Context) error {
	if err := a.mgr.Start(ctx); err != nil {
		return err
	}
	if err := a.pub.Start(ctx); err != nil {
		a.mgr.Stop(ctx)
		return fmt.Errorf("mqtt: %w", err)
	}
	if a.http != nil {
		go func() {
			a.log.Info("http api listening", "addr", a.http.Addr)
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("http server failed", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) stop(ctx context.Context) {
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", "error", err)
		}
	}
	if err := a.pub.Stop(ctx); err != nil {
		a.log.Warn("mqtt shutdown", "error", err)
	}
	a.mgr.Stop(ctx)
}

// seedServers writes servers into an empty store and returns how many were
// added. A store that already holds endpoints is left untouched.
func seedServers(store settings.Store, pub state.Publisher, log *slog.Logger, servers []config.ServerConfig) int {
	if len(store.IDs()) > 0 {
		return 0
	}
	for i, sc := range servers {
		ep := endpoint.Load(i+1, store, pub, log)
		session.Configure(ep, session.ServerConfig(sc))
	}
	return len(servers)
}
