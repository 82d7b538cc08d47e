package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with dependency call metrics.
type InstrumentedTransport struct {
	base       http.RoundTripper
	dependency string
}

// NewInstrumentedTransport creates a new instrumented transport for a dependency.
// If base is nil, http.DefaultTransport is used. When dependency is empty the
// name is resolved per request from the context (see WithDependencyContext),
// which is how calls made through a circuit breaker are attributed.
func NewInstrumentedTransport(base http.RoundTripper, dependency string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, dependency: dependency}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	dependency := t.dependency
	if dependency == "" {
		dependency = DependencyFromContext(req.Context())
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordDependencyCall(req.Context(), dependency, outcome, duration)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		dependency: dependency,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record call duration on close,
// so slow body reads count against the dependency.
type instrumentedBody struct {
	io.ReadCloser
	ctx        context.Context
	dependency string
	start      time.Time
	outcome    string
	recorded   bool
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordDependencyCall(b.ctx, b.dependency, b.outcome, time.Since(b.start))
	}
	return b.ReadCloser.Close()
}
