// Command genbroker is the admission-control broker: tiered rate limiting,
// circuit-broken upstream proxying, and a durable asynchronous job queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"

	"github.com/lumapix/genbroker/server"
	"github.com/lumapix/genbroker/telemetry"
)

var version = "dev"

var cli struct {
	Address   string `help:"Address to listen on." default:":8080" env:"GENBROKER_ADDRESS"`
	AuthToken string `help:"Bearer token required on API routes. Empty disables auth." env:"GENBROKER_AUTH_TOKEN"`

	DataPath  string `help:"Path to the bbolt job database." default:"./genbroker.db" env:"GENBROKER_DATA_PATH"`
	RedisAddr string `help:"Redis address for the shared job broker. Empty uses the local bbolt broker." env:"GENBROKER_REDIS_ADDR"`

	RPCUpstreamURL string `help:"Upstream endpoint proxied by /v1/rpc." env:"GENBROKER_RPC_UPSTREAM_URL"`
	RPCDependency  string `help:"Dependency name for the RPC upstream in stats and metrics." default:"rpc_upstream"`

	Workers        int           `help:"Job worker pool size." default:"4"`
	WorkerRate     float64       `help:"Job starts per second across all workers. 0 disables pacing." default:"0"`
	JobMaxAttempts int           `help:"Delivery budget per job." default:"3"`
	JobVisibility  time.Duration `help:"Worker claim duration before redelivery." default:"5m"`
	JobRetention   time.Duration `help:"How long terminal jobs stay queryable." default:"24h"`

	IdempotencyTTL time.Duration `help:"How long idempotency keys are remembered." default:"24h"`
	SweepInterval  time.Duration `help:"Cache and rate-bucket sweep period." default:"1m"`

	BreakerThreshold int           `help:"Consecutive failures that open a circuit." default:"5"`
	BreakerCooldown  time.Duration `help:"How long an open circuit holds before a trial call." default:"30s"`

	H2C bool `help:"Enable cleartext HTTP/2 on the listener."`

	MetricsPrometheus bool   `help:"Enable the Prometheus /metrics endpoint." default:"true" negatable:""`
	MetricsOTLP       string `help:"OTLP gRPC endpoint for metric export (e.g. localhost:4317)." env:"GENBROKER_OTLP_ENDPOINT"`

	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("genbroker"),
		kong.Description("Admission-control broker for generation workloads."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "genbroker",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.MetricsOTLP,
		EnablePrometheus: cli.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:          cli.Address,
		AuthToken:        cli.AuthToken,
		RPCUpstreamURL:   cli.RPCUpstreamURL,
		RPCDependency:    cli.RPCDependency,
		DataPath:         cli.DataPath,
		RedisAddr:        cli.RedisAddr,
		WorkerCount:      cli.Workers,
		WorkerRate:       rate.Limit(cli.WorkerRate),
		JobMaxAttempts:   cli.JobMaxAttempts,
		JobVisibility:    cli.JobVisibility,
		JobRetention:     cli.JobRetention,
		IdempotencyTTL:   cli.IdempotencyTTL,
		SweepInterval:    cli.SweepInterval,
		BreakerThreshold: cli.BreakerThreshold,
		BreakerCooldown:  cli.BreakerCooldown,
		EnableH2C:        cli.H2C,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	registerJobHandlers(srv, logger)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"broker", brokerKind(),
		"workers", cli.Workers,
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}
	return slog.New(handler), nil
}

func brokerKind() string {
	if cli.RedisAddr != "" {
		return "redis"
	}
	return "bolt"
}
