package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"orchestra-ai/internal/domain"
)

const defaultMaxResponseBytes = 1 << 20

// HTTPConfig configures HTTPRunner.
type HTTPConfig struct {
	Endpoint         string
	Headers          map[string]string
	MaxResponseBytes int64
}

// webhookResponse is the optional JSON reply shape. Any other body is taken
// verbatim as the output.
type webhookResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// HTTPRunner POSTs each AgentCall as JSON to a webhook and returns the reply.
type HTTPRunner struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

var _ domain.AgentRunner = (*HTTPRunner)(nil)

// NewHTTPRunner creates a webhook runner. client should carry a pooled
// transport; its Timeout is left unset because each call is bounded by the
// invocation context.
func NewHTTPRunner(cfg HTTPConfig, client *http.Client, logger *slog.Logger) *HTTPRunner {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if client == nil {
		client = &http.Client{Transport: NewPooledTransport(0, PoolConfig{})}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRunner{cfg: cfg, client: client, logger: logger}
}

func (r *HTTPRunner) Name() string { return "http" }

// Run posts the call and maps non-2xx replies to errors.
func (r *HTTPRunner) Run(ctx context.Context, call domain.AgentCall) (string, error) {
	if r.cfg.Endpoint == "" {
		return "", fmt.Errorf("http runner: no endpoint configured")
	}
	body, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("http runner: encode call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("http runner: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orchestra-Agent", call.AgentID)
	req.Header.Set("X-Orchestra-Invocation", call.InvocationID)
	for k, v := range r.cfg.Headers {
		if strings.ContainsAny(k, "\r\n") || strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("http runner: invalid header %q", k)
		}
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("http runner: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("http runner: read body: %w", err)
	}
	r.logger.Debug("webhook replied",
		"agent_id", call.AgentID,
		"status", resp.StatusCode,
		"size", len(data),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("http runner: webhook returned %d: %s", resp.StatusCode, snippet(data))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var wr webhookResponse
		if err := json.Unmarshal(data, &wr); err != nil {
			return "", fmt.Errorf("http runner: decode reply: %w", err)
		}
		if wr.Error != "" {
			return "", fmt.Errorf("http runner: agent reported: %s", wr.Error)
		}
		return wr.Output, nil
	}
	return strings.TrimSpace(string(data)), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
