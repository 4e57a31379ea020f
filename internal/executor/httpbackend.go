package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/genjob/internal/domain"
)

type HTTPBackendConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// HTTPBackend talks to an execution service over JSON/HTTP:
//
//	POST {base}/executions
//	GET  {base}/executions/{id}
//	POST {base}/executions/{id}/cancel
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewHTTPBackend(cfg HTTPBackendConfig, logger *slog.Logger) (*HTTPBackend, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := max(cfg.Burst, 1)

	return &HTTPBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (b *HTTPBackend) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var resp submitResponse
	if err := b.do(ctx, "submit", http.MethodPost, "/executions", req, &resp); err != nil {
		return "", err
	}
	if resp.ExecutionID == "" {
		return "", domain.NewBackendError("submit", fmt.Errorf("response carried no execution id"))
	}
	return resp.ExecutionID, nil
}

func (b *HTTPBackend) Poll(ctx context.Context, executionID string) (*BackendStatus, error) {
	var st BackendStatus
	if err := b.do(ctx, "poll", http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Cancel treats an unknown execution as already stopped.
func (b *HTTPBackend) Cancel(ctx context.Context, executionID string) error {
	err := b.do(ctx, "cancel", http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil)
	if statusErr, ok := err.(*statusError); ok && statusErr.code == http.StatusNotFound {
		return nil
	}
	return err
}

// statusError carries only the status code. Response bodies may hold
// backend traces and are logged instead.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.code)
}

func (b *HTTPBackend) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return domain.NewPermanentBackendError(op, fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return domain.NewPermanentBackendError(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewBackendError(op, err)
	}
	defer resp.Body.Close()

	b.logger.Debug("Backend request",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := &statusError{code: resp.StatusCode}
		if op != "cancel" || resp.StatusCode != http.StatusNotFound {
			b.logger.Warn("Backend request failed",
				slog.String("op", op),
				slog.Int("status", resp.StatusCode),
				slog.String("body", strings.TrimSpace(string(raw))),
			)
		}
		if op == "cancel" && resp.StatusCode == http.StatusNotFound {
			return statusErr
		}
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return domain.NewPermanentBackendError(op, statusErr)
		}
		return domain.NewBackendError(op, statusErr)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewBackendError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
