package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/coordinator"
	"github.com/basket/go-fleet/internal/cron"
	"github.com/basket/go-fleet/internal/gateway"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/relay"
	"github.com/basket/go-fleet/internal/telemetry"
)

// parseFlags parses args into fs. done is true when the caller should return
// code immediately (help or a parse error).
func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) (done bool, code int) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, 0
		}
		fmt.Fprintln(stderr, err)
		return true, 2
	}
	return false, 0
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	bind := fs.String("bind", "", "listen address (overrides bind_addr)")
	quiet := fs.BoolP("quiet", "q", false, "log to the log file only")
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "serve: unexpected argument %q\n", fs.Arg(0))
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, stderr, "E_CONFIG_LOAD", err)
	}
	if *bind != "" {
		cfg.BindAddr = *bind
	}

	logger, level, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		return fatalStartup(nil, stderr, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		written, err := config.WriteStarter(cfg.HomeDir)
		if err != nil {
			return fatalStartup(logger, stderr, "E_CONFIG_WRITE", err)
		}
		if written {
			logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, stderr, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, stderr, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fatalStartup(logger, stderr, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	router := bus.New()
	eng, err := coordinator.New(coordinator.Config{
		Log:     store,
		Router:  router,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		return fatalStartup(logger, stderr, "E_COORDINATOR_INIT", err)
	}
	restoreStart := time.Now()
	if err := eng.Restore(ctx); err != nil {
		return fatalStartup(logger, stderr, "E_RESTORE", err)
	}
	seq, _ := eng.CurrentSeq(ctx)
	logger.Info("startup phase", "phase", "state_restored",
		"current_seq", seq, "duration_ms", time.Since(restoreStart).Milliseconds())

	gw, err := gateway.New(gateway.Config{
		Engine:            eng,
		Store:             store,
		Router:            router,
		AllowOrigins:      cfg.AllowOrigins,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		ConnectionBuffer:  cfg.ConnectionBuffer,
		ReplayLimit:       cfg.ReplayLimit,
		RateLimit:         cfg.RateLimit,
		SessionRateLimit:  cfg.SessionRateLimit,
		CORS:              cfg.CORS,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Instruments:       otelProvider,
	})
	if err != nil {
		return fatalStartup(logger, stderr, "E_GATEWAY_INIT", err)
	}
	gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s is already in use. Stop the existing process or change bind_addr in config.yaml", err, cfg.BindAddr)
		}
		return fatalStartup(logger, stderr, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched, err := cron.NewScheduler(cron.Config{Emitter: eng, Logger: logger, Schedule: cfg.SnapshotSchedule})
	if err != nil {
		return fatalStartup(logger, stderr, "E_CRON_SCHEDULE", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	relayDone := make(chan struct{})
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if cfg.Relay.Enabled {
		rl, err := relay.New(relay.Config{
			Client:     relay.NewClient(cfg.Relay),
			Router:     router,
			Alerter:    eng,
			Stream:     cfg.Relay.Stream,
			MaxLen:     cfg.Relay.MaxLen,
			BufferSize: cfg.ConnectionBuffer,
			Logger:     logger,
			Tracer:     otelProvider.Tracer,
			Metrics:    metrics,
		})
		if err != nil {
			return fatalStartup(logger, stderr, "E_RELAY_INIT", err)
		}
		defer rl.Close()
		go func() {
			defer close(relayDone)
			if err := rl.Run(relayCtx); err != nil {
				logger.Error("relay exited", "error", err)
			}
		}()
	} else {
		close(relayDone)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fatalStartup(logger, stderr, "E_CONFIG_WATCHER_START", err)
	}
	go confWatcher.Reload(ctx, func(next config.Config) {
		level.Set(telemetry.ParseLevel(next.LogLevel))
		if err := sched.Reschedule(next.SnapshotSchedule); err != nil {
			logger.Error("snapshot_schedule reload rejected; retaining previous schedule", "error", err)
		}
		logger.Info("config.yaml hot-reloaded", "log_level", next.LogLevel, "snapshot_schedule", next.SnapshotSchedule)
		if next.Fingerprint() != cfg.Fingerprint() {
			logger.Warn("config changes beyond log_level and snapshot_schedule apply on restart")
		}
	})
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, then drain sessions and the relay within the bounded timeout.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	gw.CloseAll("server shutting down")
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	stopRelay()
	select {
	case <-relayDone:
	case <-drainCtx.Done():
		logger.Warn("relay did not stop within drain timeout")
	}
	logger.Info("shutdown complete")
	return 0
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
