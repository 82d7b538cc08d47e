package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lumapix/genbroker/breaker"
	"github.com/lumapix/genbroker/queue"
	"github.com/lumapix/genbroker/telemetry"
)

// maxBodySize bounds request bodies read by the API handlers. Job payloads
// are additionally bounded by the queue codec.
const maxBodySize = queue.MaxPayloadSize

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statsResponse is the observability snapshot served by GET /stats.
type statsResponse struct {
	Breakers    []breaker.Stats `json:"breakers"`
	QueueDepth  int             `json:"queue_depth"`
	CacheSizes  map[string]int  `json:"cache_sizes"`
	RateBuckets int             `json:"rate_buckets"`
}

// handleStats handles observability snapshot requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	depth, err := s.broker.Depth(r.Context())
	if err != nil {
		s.logger.Error("reading queue depth", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	resp := statsResponse{
		Breakers:   s.breakers.Snapshot(),
		QueueDepth: depth,
		CacheSizes: map[string]int{
			"idempotency": s.idempotency.Len(),
			"job_dedup":   s.dispatcher.DedupCache().Len(),
		},
		RateBuckets: s.limiter.Len(),
	}

	// Refresh the gauges while we have the numbers in hand.
	telemetry.UpdateQueueDepth(r.Context(), depth)
	telemetry.UpdateCacheEntries(r.Context(), "idempotency", s.idempotency.Len())
	telemetry.UpdateCacheEntries(r.Context(), "job_dedup", s.dispatcher.DedupCache().Len())

	writeJSON(w, http.StatusOK, resp)
}

// handleGenerate handles free-tier generation submissions. The request body
// is the generation payload; execution is asynchronous.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "generate")
	s.submitJob(w, r, "generation", nil)
}

// submitRequest is the POST /v1/jobs body.
type submitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// handleSubmitJob handles paid-tier job submissions with an explicit kind.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "job_submit")

	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": err.Error()})
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": "kind is required"})
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": "payload is required"})
		return
	}

	s.submitJob(w, r, req.Kind, req.Payload)
}

// submitJob enqueues a job of the given kind and answers 202 with its ID.
// When payload is nil the request body is the payload. An Idempotency-Key
// header maps repeated submissions to the first job within the TTL window.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, kind string, payload json.RawMessage) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		jobID, ok := s.idempotency.Get("submit:" + idemKey)
		telemetry.RecordCacheLookup(r.Context(), "idempotency", ok)
		if ok {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"job_id": jobID,
				"status": string(queue.StatusPending),
			})
			return
		}
	}

	if payload == nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", nil)
			return
		}
		if int64(len(body)) > maxBodySize {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", nil)
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": "body must be JSON"})
			return
		}
		payload = body
	}

	jobID, err := s.dispatcher.Enqueue(r.Context(), kind, payload)
	if err != nil {
		s.logger.Error("enqueue failed", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	if idemKey != "" {
		s.idempotency.Set("submit:"+idemKey, jobID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"status": string(queue.StatusPending),
	})
}

// jobResponse is the job record shape returned by the lifecycle reads.
type jobResponse struct {
	JobID      string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// handleJobStatus handles job status polling.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "job_status")

	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     string(job.Status),
		Attempts:   job.Attempts,
		EnqueuedAt: job.EnqueuedAt,
		UpdatedAt:  job.UpdatedAt,
	})
}

// handleJobResult handles result retrieval. Jobs still in flight answer 409
// so pollers keep using the status route.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "job_result")

	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}

	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job_not_finished", map[string]any{
			"job_id": job.ID,
			"status": string(job.Status),
		})
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		UpdatedAt: job.UpdatedAt,
		Result:    job.Result,
		Error:     job.Error,
	})
}

func (s *Server) fetchJob(w http.ResponseWriter, r *http.Request) (*queue.Job, bool) {
	id := r.PathValue("id")
	job, err := s.dispatcher.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", map[string]any{"job_id": id})
			return nil, false
		}
		s.logger.Error("reading job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return nil, false
	}
	return job, true
}

// webhookEvent is the payment provider event envelope. Only the event ID is
// interpreted here; the rest of the document is recorded verbatim for the
// payment worker.
type webhookEvent struct {
	EventID string `json:"event_id"`
}

// handleWebhook handles payment provider webhooks. Event IDs are idempotency
// keys: the first delivery enqueues a payment_event job, redeliveries within
// the TTL window are acknowledged without reprocessing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "payment_webhook")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || int64(len(body)) > maxBodySize {
		writeError(w, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": "body must be JSON"})
		return
	}
	if event.EventID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": "event_id is required"})
		return
	}

	cacheKey := "webhook:" + event.EventID
	jobID, ok := s.idempotency.Get(cacheKey)
	telemetry.RecordCacheLookup(r.Context(), "idempotency", ok)
	if ok {
		s.logger.Debug("duplicate webhook delivery", "event_id", event.EventID, "job_id", jobID)
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	// Enqueue persists the event with transient-failure retries before we
	// acknowledge, so a provider retry after a 5xx cannot double-process.
	jobID, err = s.dispatcher.Enqueue(r.Context(), "payment_event", body)
	if err != nil {
		s.logger.Error("recording payment event", "event_id", event.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	s.idempotency.Set(cacheKey, jobID)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// handleRPC proxies the request body to the configured upstream through the
// dependency's circuit breaker. Upstream 5xx and transport errors count as
// breaker failures; an open circuit answers 503 without touching the
// upstream.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "rpc")

	if s.config.RPCUpstreamURL == "" {
		writeError(w, http.StatusNotImplemented, "rpc_not_configured", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || int64(len(body)) > maxBodySize {
		writeError(w, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	var (
		upstreamStatus int
		upstreamBody   []byte
	)
	err = s.breakers.Execute(r.Context(), s.config.RPCDependency, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.RPCUpstreamURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building upstream request: %w", err)
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			req.Header.Set("Content-Type", ct)
		}

		resp, err := s.rpcClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling upstream: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("reading upstream response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}

		upstreamStatus = resp.StatusCode
		upstreamBody = respBody
		return nil
	})
	if err != nil {
		var oe *breaker.OpenError
		if errors.As(err, &oe) {
			telemetry.SetDecision(r, telemetry.DecisionCircuitOpen)
			retryAfter := int(oe.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", map[string]any{
				"dependency":          oe.Dependency,
				"retry_after_seconds": retryAfter,
			})
			return
		}
		s.logger.Warn("rpc upstream call failed", "dependency", s.config.RPCDependency, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", map[string]any{
			"dependency": s.config.RPCDependency,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(upstreamStatus)
	_, _ = w.Write(upstreamBody)
}

// errBodyTooLarge reports a request body past the payload cap.
var errBodyTooLarge = errors.New("request body too large")

// decodeBody decodes a JSON request body, rejecting bodies past the payload
// cap with errBodyTooLarge rather than a truncated-JSON parse error.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > maxBodySize {
		return errBodyTooLarge
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the structured low-detail error body. Extra fields merge
// into the error object alongside the code.
func writeError(w http.ResponseWriter, status int, code string, extra map[string]any) {
	errObj := map[string]any{"code": code}
	for k, v := range extra {
		errObj[k] = v
	}
	writeJSON(w, status, map[string]any{"error": errObj})
}
