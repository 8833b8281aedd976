// Command audioknife is the conversation broker server: it exposes the
// WebSocket endpoint telephony agents dial and brokers their conversations to
// the configured speech and language services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audioknife/audioknife/internal/config"
	"github.com/audioknife/audioknife/internal/health"
	"github.com/audioknife/audioknife/internal/observe"
	"github.com/audioknife/audioknife/internal/resilience"
	"github.com/audioknife/audioknife/internal/server"
	"github.com/audioknife/audioknife/pkg/billing"
	"github.com/audioknife/audioknife/pkg/billing/pgstore"
)

// shutdownGrace bounds the drain of live connections after SIGTERM.
const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// A missing file is fine; the environment alone can carry a full setup.
	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audioknife: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// rebuilding the handler chain.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("audioknife starting",
		"config", *configPath,
		"address", cfg.Server.Address,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "audioknife"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Service registry ──────────────────────────────────────────────────────
	registry, err := config.BuildRegistry(cfg)
	if err != nil {
		slog.Error("failed to build service registry", "err", err)
		return 1
	}

	// ── Billing ───────────────────────────────────────────────────────────────
	var store *pgstore.Store
	if dsn := cfg.Billing.PostgresDSN; dsn != "" {
		st, pool, err := pgstore.Connect(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect billing store", "err", err)
			return 1
		}
		defer pool.Close()
		store = st
		slog.Info("billing persistence enabled")
	}

	srvCfg := server.Config{
		Registry:     registry,
		Collector:    billing.NewCollector(),
		StopGrace:    cfg.Broker.StopGraceDuration(),
		InputBuffer:  cfg.Broker.InputBuffer,
		OutputBuffer: cfg.Broker.OutputBuffer,
		WrapJSON:     cfg.Server.WrapJSON,
		Metrics:      metrics,
	}
	if store != nil {
		// A dead store must not stall conversation terminals; the breaker
		// sheds saves while Postgres is down and reports stay in-band.
		srvCfg.Reports = resilience.GuardReports(store, nil)
	}
	srv := server.New(srvCfg)

	// ── Config reload ─────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, reloader(level, srv))
	if err != nil {
		// Expected when running without a config file.
		slog.Info("config reload disabled", "path", *configPath, "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	probes := []health.Checker{
		health.Services(func() int { return len(srv.Registry().Names()) }),
	}
	if store != nil {
		probes = append(probes, health.Store(store))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.Handle("/", srv) // some playback agents dial the bare host
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	printStartupSummary(cfg, registry.Names())
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx, cfg.Server.Address, observe.Middleware(metrics)(mux), shutdownGrace); err != nil &&
		!errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Config reload ───────────────────────────────────────────────────────────────

// reloader returns the watcher callback that applies what can change at
// runtime and names what cannot. Registry swaps only affect connections
// accepted after the reload; running conversations keep their adapters.
func reloader(level *slog.LevelVar, srv *server.Server) func(oldCfg, newCfg *config.Config) {
	return func(oldCfg, newCfg *config.Config) {
		diff := config.Diff(oldCfg, newCfg)

		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}

		if diff.ProvidersChanged {
			registry, err := config.BuildRegistry(newCfg)
			if err != nil {
				slog.Error("config reload: rebuilding services failed, keeping previous registry", "err", err)
			} else {
				srv.SwapRegistry(registry)
				for _, change := range diff.ProviderChanges {
					slog.Info("provider configuration changed",
						"provider", change.Provider,
						"added", change.Added, "removed", change.Removed, "changed", change.Changed,
					)
				}
				slog.Info("service registry rebuilt", "services", registry.Names())
			}
		}

		for _, setting := range diff.RestartRequired {
			slog.Warn("configuration change requires restart", "setting", setting)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, services []string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       audioknife — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Address", cfg.Server.Address)
	printRow("Log level", string(cfg.Server.LogLevel))
	printRow("Wrap JSON", fmt.Sprintf("%t", cfg.Server.WrapJSON))
	printRow("Stop grace", cfg.Broker.StopGraceDuration().String())
	if cfg.Billing.PostgresDSN != "" {
		printRow("Billing", "postgres")
	} else {
		printRow("Billing", "(in-band only)")
	}
	printRow("Services", fmt.Sprintf("%d", len(services)))
	for _, name := range services {
		printRow("", name)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
