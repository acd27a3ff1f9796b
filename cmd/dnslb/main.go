package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DXTimer/pdns/internal/api"
	"github.com/DXTimer/pdns/internal/backend"
	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/frontend"
	"github.com/DXTimer/pdns/internal/health"
	"github.com/DXTimer/pdns/internal/metrics"
	"github.com/DXTimer/pdns/internal/rings"
	"github.com/DXTimer/pdns/internal/router"
	"github.com/DXTimer/pdns/internal/rules"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/dnslb.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("dnslb starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath,
		"listeners", len(cfg.Listeners), "backends", len(cfg.Backends))

	m := metrics.New()
	rg := rings.New(cfg.Tuning.RingCapacity)

	servers := make([]*backend.Server, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		servers = append(servers, backend.NewServer(bc))
	}

	policy, err := router.NewPolicy(cfg.Policy)
	if err != nil {
		slog.Error("invalid server policy", "err", err)
		os.Exit(1)
	}
	rt := router.New(servers, policy)

	chain, err := rules.NewChain(cfg.Rules, cfg.ResponseRules, rt)
	if err != nil {
		slog.Error("failed to compile rules", "err", err)
		os.Exit(1)
	}

	hc := health.NewChecker(servers, m, cfg.HealthCheck)
	hc.Start()

	fe, err := frontend.NewServer(cfg, m, rg, chain)
	if err != nil {
		slog.Error("failed to build frontend", "err", err)
		os.Exit(1)
	}
	if err := fe.Start(); err != nil {
		slog.Error("failed to start frontend", "err", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(rt, fe, hc, m, rg, cfg.API)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start API server", "err", err)
		os.Exit(1)
	}

	// hot reload covers the routing side: backends, pools, policy and the
	// health-check targets; listener and rule changes need a restart
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		policy, perr := router.NewPolicy(newCfg.Policy)
		if perr != nil {
			slog.Error("reload rejected: invalid server policy", "err", perr)
			return
		}
		newServers := backend.Reconcile(rt.Servers(), newCfg.Backends)
		rt.Reload(newServers, policy)
		hc.SetServers(newServers)
		slog.Info("routing configuration reloaded",
			"backends", len(newServers), "policy", newCfg.Policy)
		slog.Info("listener and rule changes take effect on restart")
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("dnslb ready", "api_port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		apiServer.Stop()
		fe.Stop()
		hc.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("dnslb stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}
