package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/serpent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"melodybrain/internal/daemon"
	"melodybrain/internal/geo"
	"melodybrain/internal/metrics"
	"melodybrain/internal/network"
	"melodybrain/internal/pprofutil"
	"melodybrain/internal/store"
)

type serverConfig struct {
	Listen            string
	StorePath         string
	GeoIPPath         string
	SweepInterval     time.Duration
	AdminAddress      string
	AdminSecret       string
	PrometheusAddress string
	MetricsSnapshot   string
	Verbose           bool
}

func (c *serverConfig) options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Name:        "listen",
			Description: "UDP address for heartbeats.",
			Flag:        "listen",
			Env:         "MELODYBRAIN_LISTEN",
			Default:     ":2026",
			Value:       serpent.StringOf(&c.Listen),
		},
		{
			Name:        "store",
			Description: "Path of the presence index file. Created sparse when missing.",
			Flag:        "store",
			Env:         "MELODYBRAIN_STORE",
			Default:     "./ipv4.bin",
			Value:       serpent.StringOf(&c.StorePath),
		},
		{
			Name:        "geoip",
			Description: "MaxMind country database. Empty resolves every client to the unknown country.",
			Flag:        "geoip",
			Env:         "MELODYBRAIN_GEOIP",
			Default:     "./GeoLite2-Country.mmdb",
			Value:       serpent.StringOf(&c.GeoIPPath),
		},
		{
			Name:        "sweep-interval",
			Description: "Minimum time between eviction sweeps.",
			Flag:        "sweep-interval",
			Env:         "MELODYBRAIN_SWEEP_INTERVAL",
			Default:     "20s",
			Value:       serpent.DurationOf(&c.SweepInterval),
		},
		{
			Name:        "admin-address",
			Description: "QUIC address of the admin status feed.",
			Flag:        "admin-address",
			Env:         "MELODYBRAIN_ADMIN_ADDRESS",
			Default:     "127.0.0.1:2027",
			Value:       serpent.StringOf(&c.AdminAddress),
		},
		{
			Name:        "admin-secret",
			Description: "Shared secret for the admin feed certificate. The feed is disabled when empty.",
			Flag:        "admin-secret",
			Env:         "MELODYBRAIN_ADMIN_SECRET",
			Value:       serpent.StringOf(&c.AdminSecret),
		},
		{
			Name:        "prometheus-address",
			Description: "Serve Prometheus metrics on this address when set.",
			Flag:        "prometheus-address",
			Env:         "MELODYBRAIN_PROMETHEUS_ADDRESS",
			Value:       serpent.StringOf(&c.PrometheusAddress),
		},
		{
			Name:        "metrics-snapshot",
			Description: "Write a JSON metrics snapshot to this path after each sweep.",
			Flag:        "metrics-snapshot",
			Env:         "MELODYBRAIN_METRICS_SNAPSHOT",
			Value:       serpent.StringOf(&c.MetricsSnapshot),
		},
		{
			Name:        "verbose",
			Description: "Enable debug logging.",
			Flag:        "verbose",
			Env:         "MELODYBRAIN_VERBOSE",
			Value:       serpent.BoolOf(&c.Verbose),
		},
	}
}

func runCmd() *serpent.Command {
	var cfg serverConfig
	return &serpent.Command{
		Use:     "run",
		Short:   "Run the aggregation loop.",
		Options: cfg.options(),
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, newLogger(inv.Stderr, cfg.Verbose), cfg)
		},
	}
}

func runServer(ctx context.Context, logger slog.Logger, cfg serverConfig) error {
	if _, err := pprofutil.StartFromEnv(ctx, logger); err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return xerrors.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error(ctx, "close store", slog.Error(err))
		}
	}()

	var resolver geo.Resolver = geo.Nop{}
	if cfg.GeoIPPath != "" {
		mm, err := geo.OpenMaxMind(cfg.GeoIPPath)
		if err != nil {
			return err
		}
		defer mm.Close()
		resolver = mm
	} else {
		logger.Warn(ctx, "no geoip database, all clients resolve to the unknown country")
	}

	m := metrics.New()
	runner := daemon.New(st, resolver, daemon.Options{
		Logger:        logger,
		Clock:         quartz.NewReal(),
		Metrics:       m,
		SweepInterval: cfg.SweepInterval,
		SnapshotPath:  cfg.MetricsSnapshot,
	})

	// Everything that can fail is set up before the loop starts, so an early
	// return never unmaps the store under a running Serve.
	var metricsSrv *http.Server
	if cfg.PrometheusAddress != "" {
		metricsSrv, err = newMetricsServer(cfg.PrometheusAddress, m)
		if err != nil {
			return err
		}
	}

	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return xerrors.Errorf("listen %s: %w", cfg.Listen, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer conn.Close()
		return runner.Serve(egCtx, conn)
	})
	if cfg.AdminSecret != "" && cfg.AdminAddress != "" {
		eg.Go(func() error {
			return network.ListenAndServe(egCtx, cfg.AdminAddress, network.ServerOptions{
				Logger: logger,
				Secret: cfg.AdminSecret,
				Status: runner.Snapshot,
			})
		})
	} else {
		logger.Info(ctx, "admin feed disabled")
	}
	if metricsSrv != nil {
		eg.Go(func() error {
			logger.Info(ctx, "prometheus listening", slog.F("addr", metricsSrv.Addr))
			err := metricsSrv.ListenAndServe()
			if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("prometheus server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			return metricsSrv.Close()
		})
	}
	return eg.Wait()
}

func newMetricsServer(addr string, m *metrics.Metrics) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, xerrors.Errorf("register metrics: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, xerrors.Errorf("register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, xerrors.Errorf("register process collector: %w", err)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
