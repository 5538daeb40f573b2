package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// maxReportBytes bounds the load report read from an agent
const maxReportBytes = 4 << 10

// HTTPChecker probes a resource agent's health endpoint. Any 2xx/3xx answer
// is healthy. A JSON body of the form {"cpu": 0.4, "memory": 0.7} is taken
// as the agent's current load; other bodies are ignored.
type HTTPChecker struct {
	// URL of the agent endpoint, e.g. "http://node-ip:9100/health"
	URL string

	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker with a 10s client timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs the HTTP probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, err, "failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, err, "request failed: %v", err)
	}
	defer resp.Body.Close()

	result := Result{
		Healthy:   resp.StatusCode >= 200 && resp.StatusCode < 400,
		Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		CheckedAt: start,
	}
	if result.Healthy {
		result.Load = readLoad(resp)
	}
	result.Duration = time.Since(start)
	return result
}

// readLoad decodes a load report, returning nil when the body is not one
func readLoad(resp *http.Response) *Load {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil
	}
	var load Load
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReportBytes)).Decode(&load); err != nil {
		return nil
	}
	if load.CPU < 0 || load.CPU > 1 || load.Memory < 0 || load.Memory > 1 {
		return nil
	}
	return &load
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

func failed(start time.Time, err error, format string, args ...any) Result {
	return Result{
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
		Err:       err,
	}
}
