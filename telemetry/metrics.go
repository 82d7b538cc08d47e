package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/lumapix/genbroker"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	admissionDecisionsTotal metric.Int64Counter

	circuitTransitionsTotal metric.Int64Counter
	circuitRejectionsTotal  metric.Int64Counter
	dependencyCallDuration  metric.Float64Histogram
	dependencyCallsTotal    metric.Int64Counter

	cacheLookupsTotal   metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheEntries        metric.Int64Gauge

	jobsEnqueuedTotal     metric.Int64Counter
	jobsDeduplicatedTotal metric.Int64Counter
	jobsCompletedTotal    metric.Int64Counter
	jobDuration           metric.Float64Histogram
	queueDepth            metric.Int64Gauge

	retryAttemptsTotal metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "genbroker"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"genbroker_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"genbroker_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"genbroker_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"genbroker_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	admissionDecisionsTotal, err := meter.Int64Counter(
		"genbroker_admission_decisions_total",
		metric.WithDescription("Total admission decisions by route class and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	circuitTransitionsTotal, err := meter.Int64Counter(
		"genbroker_circuit_transitions_total",
		metric.WithDescription("Total circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	circuitRejectionsTotal, err := meter.Int64Counter(
		"genbroker_circuit_rejections_total",
		metric.WithDescription("Total calls rejected by open circuit breakers"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return err
	}

	dependencyCallDuration, err := meter.Float64Histogram(
		"genbroker_dependency_call_duration_seconds",
		metric.WithDescription("Duration of external dependency calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	dependencyCallsTotal, err := meter.Int64Counter(
		"genbroker_dependency_calls_total",
		metric.WithDescription("Total external dependency calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"genbroker_cache_lookups_total",
		metric.WithDescription("Total TTL cache lookups by cache and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"genbroker_cache_evictions_total",
		metric.WithDescription("Total TTL cache evictions by cache and reason"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"genbroker_cache_entries",
		metric.WithDescription("Current entries per TTL cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	jobsEnqueuedTotal, err := meter.Int64Counter(
		"genbroker_jobs_enqueued_total",
		metric.WithDescription("Total jobs enqueued by kind"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	jobsDeduplicatedTotal, err := meter.Int64Counter(
		"genbroker_jobs_deduplicated_total",
		metric.WithDescription("Total submissions answered with an existing job ID"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	jobsCompletedTotal, err := meter.Int64Counter(
		"genbroker_jobs_completed_total",
		metric.WithDescription("Total job attempts finished by kind and outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	jobDuration, err := meter.Float64Histogram(
		"genbroker_job_duration_seconds",
		metric.WithDescription("Job handler execution duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	queueDepth, err := meter.Int64Gauge(
		"genbroker_queue_depth",
		metric.WithDescription("Current number of pending jobs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	retryAttemptsTotal, err := meter.Int64Counter(
		"genbroker_retry_attempts_total",
		metric.WithDescription("Total retry attempts for transient storage errors"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"genbroker_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	reaperDuration, err := meter.Float64Histogram(
		"genbroker_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		admissionDecisionsTotal: admissionDecisionsTotal,
		circuitTransitionsTotal: circuitTransitionsTotal,
		circuitRejectionsTotal:  circuitRejectionsTotal,
		dependencyCallDuration:  dependencyCallDuration,
		dependencyCallsTotal:    dependencyCallsTotal,
		cacheLookupsTotal:       cacheLookupsTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		cacheEntries:            cacheEntries,
		jobsEnqueuedTotal:       jobsEnqueuedTotal,
		jobsDeduplicatedTotal:   jobsDeduplicatedTotal,
		jobsCompletedTotal:      jobsCompletedTotal,
		jobDuration:             jobDuration,
		queueDepth:              queueDepth,
		retryAttemptsTotal:      retryAttemptsTotal,
		reaperDeletedTotal:      reaperDeletedTotal,
		reaperDuration:          reaperDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route class and admission decision are read from request tags set by
// middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	routeClass := "unknown"
	decision := string(DecisionNA)
	endpoint := ""
	if tags != nil {
		if tags.RouteClass != "" {
			routeClass = tags.RouteClass
		}
		if tags.Decision != "" {
			decision = string(tags.Decision)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route_class, status_class, decision}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route_class", routeClass),
		attribute.String("status_class", statusClass),
		attribute.String("decision", decision),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route_class", routeClass),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("decision", decision),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordAdmissionDecision records one rate-limit admission decision.
func RecordAdmissionDecision(ctx context.Context, routeClass string, allowed bool) {
	if globalMetrics == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	globalMetrics.admissionDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route_class", routeClass),
		attribute.String("outcome", outcome),
	))
}

// RecordCircuitTransition records a breaker state transition.
func RecordCircuitTransition(ctx context.Context, dependency, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.circuitTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordCircuitRejection records a call rejected by an open breaker.
func RecordCircuitRejection(ctx context.Context, dependency string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.circuitRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
	))
}

// RecordDependencyCall records one external dependency call.
func RecordDependencyCall(ctx context.Context, dependency, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("outcome", outcome),
	)
	globalMetrics.dependencyCallsTotal.Add(ctx, 1, attrs)
	globalMetrics.dependencyCallDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a TTL cache lookup result.
func RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordCacheEviction records a TTL cache eviction.
// Reason is "capacity" or "expired".
func RecordCacheEviction(ctx context.Context, cache, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("reason", reason),
	))
}

// UpdateCacheEntries updates the per-cache entry gauge.
func UpdateCacheEntries(ctx context.Context, cache string, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries), metric.WithAttributes(
		attribute.String("cache", cache),
	))
}

// RecordJobEnqueued records one job submission persisted to the broker.
func RecordJobEnqueued(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobsEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordJobDeduplicated records a submission answered with an existing job ID.
func RecordJobDeduplicated(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobsDeduplicatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordJobCompleted records one finished job attempt.
// Outcome is "completed" or "failed_attempt".
func RecordJobCompleted(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.jobsCompletedTotal.Add(ctx, 1, attrs)
	globalMetrics.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateQueueDepth updates the pending-jobs gauge.
func UpdateQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth))
}

// RecordRetryAttempt records one retry of a transient storage error.
func RecordRetryAttempt(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retryAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
