package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"
)

const maxResponseExcerpt = 512

// HTTPConfig is the handler configuration of an "http" job.
type HTTPConfig struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
	RetryOnCodes []int             `json:"retry_on_codes,omitempty"`
}

func (c HTTPConfig) timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// retryable reports whether a failed status may be tried again. Without an
// explicit list every failure status is.
func (c HTTPConfig) retryable(status int) bool {
	return len(c.RetryOnCodes) == 0 || slices.Contains(c.RetryOnCodes, status)
}

// HTTP calls the configured endpoint. A non-2xx status fails the job; when
// retry_on_codes is set, other statuses are not retried.
type HTTP struct {
	Client *http.Client
}

func (h HTTP) Execute(ctx context.Context, configuration string, scope ScopeContext) error {
	var c HTTPConfig
	if err := json.Unmarshal([]byte(configuration), &c); err != nil {
		return fmt.Errorf("http: configuration: %v: %w", err, ErrNoRetry)
	}
	if c.URL == "" {
		return fmt.Errorf("http: url required: %w", ErrNoRetry)
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var body io.Reader
	if len(c.Body) > 0 {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return fmt.Errorf("http: request: %v: %w", err, ErrNoRetry)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Job-Id", scope.JobID)
	if scope.TenantID != "" {
		req.Header.Set("X-Tenant-Id", scope.TenantID)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http: %s %s: %w", c.Method, c.URL, err)
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	excerpt = trimPartialRune(excerpt)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("http: %s %s: status %d: %s", c.Method, c.URL, resp.StatusCode, bytes.TrimSpace(excerpt))
	if !c.retryable(resp.StatusCode) {
		return fmt.Errorf("%w: %w", err, ErrNoRetry)
	}
	return err
}

// trimPartialRune drops a multi-byte character cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}
