// Package http calls an HTTP endpoint described by the job payload through
// the shared target caller, so job calls get the same rate limit and
// signing as schedule targets.
package http

import (
	"context"
	"encoding/json"
	"fmt"

	"chronoflow/internal/dispatch"
	"chronoflow/internal/domain"
)

type HTTP struct {
	Caller *dispatch.HTTP
}

// Request is the job payload: the target plus the body to send.
type Request struct {
	domain.HTTPTarget
	Body json.RawMessage `json:"body,omitempty"`
}

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	if h.Caller == nil {
		return fmt.Errorf("http handler not configured")
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if _, err := h.Caller.Do(ctx, req.HTTPTarget, req.Body); err != nil {
		return err
	}
	return nil
}
