package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	portmodel "github.com/alanyang/promptlab/internal/port/model"
)

var _ portmodel.Invoker = (*HTTPInvoker)(nil)

const maxResponseBytes = 4 << 20

type Config struct {
	Endpoint string
	APIKey   string
	// Timeout is a client-side ceiling; callers usually pass a tighter context deadline.
	Timeout time.Duration
}

// HTTPInvoker posts a rendered prompt to a completion endpoint that answers with
// {"output", "tokens_used", "cost"}.
type HTTPInvoker struct {
	cfg    Config
	client *http.Client
}

func NewHTTPInvoker(cfg Config) (*HTTPInvoker, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("llm endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPInvoker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type completionRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	CardID string `json:"card_id,omitempty"`
	CaseID string `json:"test_case_id,omitempty"`
}

type completionResponse struct {
	Output     string  `json:"output"`
	TokensUsed int64   `json:"tokens_used"`
	Cost       float64 `json:"cost"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, p portmodel.Prompt) (portmodel.Result, error) {
	body, err := json.Marshal(completionRequest{Model: p.Model, Prompt: p.Text, CardID: p.CardID, CaseID: p.TestCaseID})
	if err != nil {
		return portmodel.Result{}, fmt.Errorf("encode completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return portmodel.Result{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return portmodel.Result{}, fmt.Errorf("%w: %v", portmodel.ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return portmodel.Result{}, ctx.Err()
		}
		return portmodel.Result{}, fmt.Errorf("%w: %v", portmodel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return portmodel.Result{}, fmt.Errorf("%w: read response: %v", portmodel.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return portmodel.Result{}, fmt.Errorf("%w: status %d", portmodel.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return portmodel.Result{}, fmt.Errorf("%w: status %d", portmodel.ErrTimeout, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return portmodel.Result{}, fmt.Errorf("model rejected prompt: status %d: %s", resp.StatusCode, truncate(data, 256))
	}

	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return portmodel.Result{}, fmt.Errorf("decode completion response: %w", err)
	}
	return portmodel.Result{
		Output:     out.Output,
		TokensUsed: out.TokensUsed,
		Cost:       out.Cost,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
