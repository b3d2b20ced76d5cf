package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-migration/config"
	"github.com/goliatone/go-migration/runner"
	"github.com/goliatone/go-migration/saga"
)

const webhookTimeout = 30 * time.Second

func buildRegistry(handlers []config.HandlerConfig) (*saga.Registry, error) {
	registry := saga.NewRegistry()
	client := &http.Client{Timeout: webhookTimeout}
	for _, h := range handlers {
		var fn saga.HandlerFunc
		switch h.Kind {
		case "noop":
			fn = noopHandler(h.Result)
		case "fail":
			fn = failHandler(h.Name, h.Message)
		case "webhook":
			fn = webhookHandler(client, h)
		default:
			return nil, fmt.Errorf("handler %s: unsupported kind %q", h.Name, h.Kind)
		}
		if err := registry.Register(h.Name, fn); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func noopHandler(result map[string]any) saga.HandlerFunc {
	return func(context.Context, saga.Call) (saga.Result, error) {
		if len(result) == 0 {
			return nil, nil
		}
		out := make(saga.Result, len(result))
		for k, v := range result {
			out[k] = v
		}
		return out, nil
	}
}

func failHandler(name, message string) saga.HandlerFunc {
	if strings.TrimSpace(message) == "" {
		message = "handler " + name + " configured to fail"
	}
	return func(context.Context, saga.Call) (saga.Result, error) {
		return nil, fmt.Errorf("%s", message)
	}
}

type webhookRequest struct {
	SagaID         string         `json:"saga_id"`
	SagaType       string         `json:"saga_type"`
	EntityID       string         `json:"entity_id"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Milestone      string         `json:"milestone"`
	IdempotencyKey string         `json:"idempotency_key"`
	Attempt        int            `json:"attempt"`
	Context        map[string]any `json:"context,omitempty"`
	Forward        saga.Result    `json:"forward,omitempty"`
}

// webhookHandler posts the call as JSON. A 4xx response is permanent; any
// other non-2xx response is retried under the milestone policy.
func webhookHandler(client *http.Client, cfg config.HandlerConfig) saga.HandlerFunc {
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	return func(ctx context.Context, call saga.Call) (saga.Result, error) {
		body, err := json.Marshal(webhookRequest{
			SagaID:         call.SagaID,
			SagaType:       call.SagaType,
			EntityID:       call.EntityID,
			CorrelationID:  call.CorrelationID,
			Milestone:      call.Milestone,
			IdempotencyKey: call.IdempotencyKey,
			Attempt:        call.Attempt,
			Context:        call.Context,
			Forward:        call.Forward,
		})
		if err != nil {
			return nil, runner.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, runner.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", call.IdempotencyKey)
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := fmt.Errorf("%s %s: status %d: %s", method, cfg.URL, resp.StatusCode, strings.TrimSpace(string(payload)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, runner.Permanent(err)
			}
			return nil, err
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil, nil
		}
		var out saga.Result
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, runner.Permanent(fmt.Errorf("decode webhook response: %w", err))
		}
		return out, nil
	}
}
