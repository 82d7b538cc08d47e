// Package server provides the HTTP admission surface: tiered rate limiting,
// circuit-broken upstream proxying, and asynchronous job submission.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/lumapix/genbroker/breaker"
	"github.com/lumapix/genbroker/queue"
	"github.com/lumapix/genbroker/ratelimit"
	"github.com/lumapix/genbroker/telemetry"
	"github.com/lumapix/genbroker/ttlcache"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer authentication when non-empty.
	AuthToken string

	// RPCUpstreamURL is the upstream endpoint proxied by POST /v1/rpc.
	RPCUpstreamURL string

	// RPCDependency names the upstream in breaker stats and metrics.
	// Default: "rpc_upstream".
	RPCDependency string

	// DataPath is the bbolt file backing the local job broker.
	// Default: "./genbroker.db".
	DataPath string

	// RedisAddr selects the shared Redis broker instead of the local
	// bbolt broker when non-empty.
	RedisAddr string

	// WorkerCount is the job worker pool size. Default: 4.
	WorkerCount int

	// JobMaxAttempts is the delivery budget per job. Default: 3.
	JobMaxAttempts int

	// JobVisibility is how long a worker claim holds before redelivery.
	// Default: 5 minutes.
	JobVisibility time.Duration

	// JobRetention is how long terminal jobs stay queryable.
	// Default: 24 hours.
	JobRetention time.Duration

	// WorkerRate paces job starts across workers. Zero means unpaced.
	WorkerRate rate.Limit

	// IdempotencyTTL is how long idempotency keys (webhook event IDs,
	// Idempotency-Key headers) are remembered. Default: 24 hours.
	IdempotencyTTL time.Duration

	// IdempotencyMaxEntries bounds the idempotency cache. Default: 100000.
	IdempotencyMaxEntries int

	// SweepInterval is how often expired cache entries and stale
	// rate-limit buckets are swept. Default: 1 minute.
	SweepInterval time.Duration

	// BreakerThreshold is the consecutive-failure trip point.
	// Zero uses the breaker default.
	BreakerThreshold int

	// BreakerCooldown is the OPEN hold time. Zero uses the breaker default.
	BreakerCooldown time.Duration

	// RateLimits overrides the per-class budgets. Nil uses defaults.
	RateLimits map[ratelimit.Class]ratelimit.Policy

	// EnableH2C enables cleartext HTTP/2 on the listener.
	EnableH2C bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP admission-control server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	limiter     *ratelimit.Limiter
	breakers    *breaker.Registry
	broker      queue.Broker
	dispatcher  *queue.Dispatcher
	reaper      *queue.RetentionReaper
	idempotency *ttlcache.Cache[string]
	sweeper     *ttlcache.Sweeper
	rpcClient   *http.Client

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.RPCDependency == "" {
		cfg.RPCDependency = "rpc_upstream"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./genbroker.db"
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 24 * time.Hour
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.IdempotencyMaxEntries <= 0 {
		cfg.IdempotencyMaxEntries = 100000
	}

	// Select the job broker: shared Redis when configured, local bbolt
	// otherwise. The bbolt broker gets a retention reaper; Redis expires
	// terminal records itself.
	var (
		jobBroker queue.Broker
		reaper    *queue.RetentionReaper
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rb, err := queue.NewRedisBroker(client,
			queue.WithRedisLogger(cfg.Logger.With("component", "redis-broker")),
			queue.WithRetention(cfg.JobRetention),
		)
		if err != nil {
			return nil, fmt.Errorf("creating redis broker: %w", err)
		}
		jobBroker = rb
	} else {
		bb, err := queue.NewBoltBroker(cfg.DataPath,
			queue.WithLogger(cfg.Logger.With("component", "bolt-broker")),
		)
		if err != nil {
			return nil, fmt.Errorf("creating bolt broker: %w", err)
		}
		jobBroker = bb
		reaper = queue.NewRetentionReaper(bb, cfg.JobRetention,
			queue.WithReaperLogger(cfg.Logger.With("component", "reaper")),
		)
	}

	dispatcher := queue.NewDispatcher(jobBroker, queue.DispatcherConfig{
		WorkerCount: cfg.WorkerCount,
		MaxAttempts: cfg.JobMaxAttempts,
		Visibility:  cfg.JobVisibility,
		WorkerRate:  cfg.WorkerRate,
		Logger:      cfg.Logger,
	})

	limiter := ratelimit.NewLimiter(cfg.RateLimits)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, breaker.WithRegistryLogger(cfg.Logger.With("component", "breaker")))

	idempotency := ttlcache.New[string](cfg.IdempotencyTTL, cfg.IdempotencyMaxEntries,
		ttlcache.WithEvictionHook[string](func(key, reason string) {
			telemetry.RecordCacheEviction(context.Background(), "idempotency", reason)
		}))

	sweeper := ttlcache.NewSweeper(ttlcache.SweeperConfig{
		Interval: cfg.SweepInterval,
		Logger:   cfg.Logger,
	}, map[string]ttlcache.Target{
		"idempotency":     idempotency,
		"job_dedup":       dispatcher.DedupCache(),
		"limiter_buckets": limiter,
	})

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		limiter:     limiter,
		breakers:    breakers,
		broker:      jobBroker,
		dispatcher:  dispatcher,
		reaper:      reaper,
		idempotency: idempotency,
		sweeper:     sweeper,
		rpcClient: &http.Client{
			// The breaker tags the call context with the dependency
			// name; the transport resolves it per request.
			Transport: telemetry.NewInstrumentedTransport(nil, ""),
			Timeout:   30 * time.Second,
		},
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = s.loggingMiddleware(s.authMiddleware(mux))
	if cfg.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Dispatcher returns the job dispatcher so the caller can register job
// handlers before Start.
func (s *Server) Dispatcher() *queue.Dispatcher {
	return s.dispatcher
}

// registerRoutes sets up the HTTP routes. Every tiered route is wrapped in
// its class's rate-limit middleware; /health and /metrics stay unlimited.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	limited := func(class ratelimit.Class, h http.HandlerFunc) http.Handler {
		return ratelimit.Middleware(s.limiter, class, nil, s.logger)(h)
	}

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Observability snapshot
	mux.Handle("GET /stats", limited(ratelimit.ClassGeneral, s.handleStats))

	// Free-tier generation: tight hourly budget, async execution
	mux.Handle("POST /v1/generate", limited(ratelimit.ClassFreeTier, s.handleGenerate))

	// Paid-tier job submission and lifecycle reads
	mux.Handle("POST /v1/jobs", limited(ratelimit.ClassJobSubmit, s.handleSubmitJob))
	mux.Handle("GET /v1/jobs/{id}", limited(ratelimit.ClassJobStatus, s.handleJobStatus))
	mux.Handle("GET /v1/jobs/{id}/result", limited(ratelimit.ClassJobResult, s.handleJobResult))

	// Payment provider webhook
	mux.Handle("POST /v1/payments/webhook", limited(ratelimit.ClassPayment, s.handleWebhook))

	// Circuit-broken upstream proxy
	mux.Handle("POST /v1/rpc", limited(ratelimit.ClassRPC, s.handleRPC))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so middleware and handlers can set the
		// route class, admission decision and endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add middleware/handler-set tags
		if tags.RouteClass != "" {
			attrs = append(attrs, "route_class", tags.RouteClass)
		}
		if tags.Decision != telemetry.DecisionNA {
			attrs = append(attrs, "decision", string(tags.Decision))
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background components and the listener.
func (s *Server) Start() error {
	if err := s.dispatcher.Start(context.Background()); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	if err := s.sweeper.Start(context.Background()); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	if s.reaper != nil {
		s.logger.Info("starting retention reaper", "retention", s.config.JobRetention)
		ctx, cancel := context.WithCancel(context.Background())
		s.reaperCancel = cancel
		s.reaperDone = make(chan struct{})
		go func() {
			defer close(s.reaperDone)
			s.reaper.Run(ctx)
		}()
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its background components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.reaperCancel != nil {
		s.reaperCancel()
		<-s.reaperDone
	}
	s.sweeper.Stop()
	s.dispatcher.Close()

	if closeErr := s.broker.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("closing broker: %w", closeErr)
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
