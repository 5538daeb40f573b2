package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agent(status int, contentType, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestHTTPCheckerCheck(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		healthy     bool
		load        *Load
	}{
		{"plain ok", http.StatusOK, "text/plain", "healthy", true, nil},
		{"no content", http.StatusNoContent, "", "", true, nil},
		{"load report", http.StatusOK, "application/json", `{"cpu":0.4,"memory":0.7}`, true, &Load{CPU: 0.4, Memory: 0.7}},
		{"load report with charset", http.StatusOK, "application/json; charset=utf-8", `{"cpu":0.1,"memory":0}`, true, &Load{CPU: 0.1}},
		{"out of range load", http.StatusOK, "application/json", `{"cpu":40,"memory":70}`, true, nil},
		{"malformed json", http.StatusOK, "application/json", `{"cpu":`, true, nil},
		{"server error", http.StatusInternalServerError, "application/json", `{"cpu":0.4,"memory":0.7}`, false, nil},
		{"unavailable", http.StatusServiceUnavailable, "", "", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := agent(tt.status, tt.contentType, tt.body)
			defer server.Close()

			result := NewHTTPChecker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, tt.load, result.Load)
			assert.NoError(t, result.Err)
			assert.Positive(t, result.Duration)
		})
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Error(t, result.Err)
}

func TestHTTPCheckerCancelled(t *testing.T) {
	server := agent(http.StatusOK, "", "")
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestLoadPeak(t *testing.T) {
	assert.Equal(t, 0.7, Load{CPU: 0.4, Memory: 0.7}.Peak())
	assert.Equal(t, 0.9, Load{CPU: 0.9, Memory: 0.2}.Peak())
}
