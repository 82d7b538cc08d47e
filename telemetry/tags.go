// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// dependencyKey is the context key for propagating the dependency name
	// to background goroutines.
	dependencyKey contextKey = "dependency"
)

// Decision represents the admission outcome of a request.
type Decision string

const (
	DecisionAllowed     Decision = "allowed"
	DecisionRateLimited Decision = "rate_limited"
	DecisionCircuitOpen Decision = "circuit_open"
	DecisionNA          Decision = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	RouteClass string
	Decision   Decision
	Endpoint   string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Decision: DecisionNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetDecision sets the admission decision for logging and metrics.
func SetDecision(r *http.Request, decision Decision) {
	if tags := GetTags(r); tags != nil {
		tags.Decision = decision
	}
}

// SetRouteClass sets the route class tag for metrics and logging.
func SetRouteClass(r *http.Request, class string) {
	if tags := GetTags(r); tags != nil {
		tags.RouteClass = class
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// DependencyFromContext retrieves the dependency name from a context.
// It checks both background contexts (set by WithDependencyContext) and
// request contexts.
func DependencyFromContext(ctx context.Context) string {
	if d, ok := ctx.Value(dependencyKey).(string); ok && d != "" {
		return d
	}
	return ""
}

// WithDependencyContext returns a context with the dependency name stored.
// Use this to propagate the dependency into goroutines that outlive the
// request context.
func WithDependencyContext(ctx context.Context, dependency string) context.Context {
	return context.WithValue(ctx, dependencyKey, dependency)
}
