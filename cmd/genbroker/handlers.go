package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lumapix/genbroker/queue"
	"github.com/lumapix/genbroker/server"
	"github.com/lumapix/genbroker/telemetry"
)

// registerJobHandlers installs the worker-side handlers for the job kinds
// this binary accepts over the API.
func registerJobHandlers(srv *server.Server, logger *slog.Logger) {
	d := srv.Dispatcher()

	// Credit application lives in the billing service; durably recording
	// the event is this process's whole responsibility.
	d.Register("payment_event", func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		logger.Info("payment event recorded", "job_id", job.ID, "payload_bytes", len(job.Payload))
		return json.RawMessage(`{"recorded":true}`), nil
	})

	// Generation jobs need an upstream; without one, submissions fail fast
	// as unregistered kinds instead of burning their delivery budget.
	if cli.RPCUpstreamURL == "" {
		logger.Warn("no rpc upstream configured, generation jobs will fail")
		return
	}

	client := &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil, cli.RPCDependency),
		Timeout:   60 * time.Second,
	}

	d.Register("generation", func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.RPCUpstreamURL, bytes.NewReader(job.Payload))
		if err != nil {
			return nil, fmt.Errorf("building generation request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling generation upstream: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, queue.MaxPayloadSize))
		if err != nil {
			return nil, fmt.Errorf("reading generation response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("generation upstream returned %d", resp.StatusCode)
		}
		return body, nil
	})
}
