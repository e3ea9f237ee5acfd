// Package handlers contains the action handlers the engine dispatches to.
// Each handler owns one action type and talks to one downstream integration.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gtm-command-center/internal/engine"
	"gtm-command-center/internal/models"
)

// Webhook executes an action by POSTing its context to a configured endpoint,
// forwarding the idempotency key so the receiver can de-duplicate. A JSON
// response carrying resource_url makes the action reversible: rollback issues
// a DELETE against that URL.
type Webhook struct {
	action      string
	integration string
	endpoint    string
	client      *http.Client
}

// NewWebhook builds a handler for action posting to endpoint. The breaker
// keys on the endpoint host, so actions sharing a downstream share a circuit.
func NewWebhook(action, endpoint string, client *http.Client) (*Webhook, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("webhook endpoint for %s: invalid url %q", action, endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{action: action, integration: u.Host, endpoint: endpoint, client: client}, nil
}

func (w *Webhook) ActionType() string  { return w.action }
func (w *Webhook) Integration() string { return w.integration }

type webhookPayload struct {
	ItemID        string         `json:"item_id"`
	ActionType    string         `json:"action_type"`
	ActionContext map[string]any `json:"action_context"`
}

// Execute posts the action. Dry runs return the exact payload that would be
// sent without any network call.
func (w *Webhook) Execute(ctx context.Context, req engine.HandlerRequest) (engine.HandlerResult, error) {
	payload := webhookPayload{
		ItemID:        req.ItemID,
		ActionType:    w.action,
		ActionContext: req.ActionContext,
	}
	if req.DryRun {
		return engine.HandlerResult{
			"preview":  true,
			"endpoint": w.endpoint,
			"payload":  payload,
		}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &engine.HandlerError{Retriable: true, Err: fmt.Errorf("post %s: %w", w.endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &engine.HandlerError{
			Retriable: true,
			Err:       fmt.Errorf("%s returned %d", w.integration, resp.StatusCode),
		}
	default:
		return nil, &engine.HandlerError{
			Retriable: false,
			Err:       fmt.Errorf("%s rejected the action with %d: %s", w.integration, resp.StatusCode, truncate(respBody, 200)),
		}
	}

	result := engine.HandlerResult{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			for k, v := range decoded {
				result[k] = v
			}
		}
	}
	return result, nil
}

// Rollback deletes the downstream resource the execution created. Attempts
// whose response carried no resource_url are not reversible.
func (w *Webhook) Rollback(ctx context.Context, attempt models.ExecutionAttempt) error {
	resource, _ := attempt.Result["resource_url"].(string)
	if resource == "" {
		return fmt.Errorf("attempt %s left no resource_url, cannot reverse", attempt.ID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return fmt.Errorf("build rollback request: %w", err)
	}
	httpReq.Header.Set("Idempotency-Key", attempt.IdempotencyKey+":rollback")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("delete %s: %w", resource, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// 404 counts as reversed: the resource is already gone.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s returned %d", resource, resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
