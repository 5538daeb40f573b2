package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHealth(t *testing.T) {
	cfg := Config{Retries: 3}
	ok := Result{Healthy: true}
	bad := Result{Healthy: false}

	tests := []struct {
		name    string
		results []Result
		want    types.HealthStatus
	}{
		{"no checks", nil, types.HealthAvailable},
		{"one failure", []Result{bad}, types.HealthDegraded},
		{"two failures", []Result{bad, bad}, types.HealthDegraded},
		{"retries reached", []Result{bad, bad, bad}, types.HealthUnavailable},
		{"recovered", []Result{bad, bad, bad, ok}, types.HealthAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Status
			for _, r := range tt.results {
				s.Update(r)
			}
			assert.Equal(t, tt.want, s.Health(cfg))
		})
	}
}

func TestCheckerFor(t *testing.T) {
	cfg := DefaultConfig()

	c, err := CheckerFor(&types.ResourceInstance{ID: "a"}, cfg)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = CheckerFor(&types.ResourceInstance{ID: "a", ProbeType: "http", ProbeAddr: "http://x"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, CheckTypeHTTP, c.Type())

	c, err = CheckerFor(&types.ResourceInstance{ID: "a", ProbeType: "tcp", ProbeAddr: "x:1"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, CheckTypeTCP, c.Type())

	_, err = CheckerFor(&types.ResourceInstance{ID: "a", ProbeType: "icmp"}, cfg)
	assert.Error(t, err)
}

func TestProberCheckTracksStreak(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewProber(Config{Timeout: time.Second, Retries: 2})
	inst := &types.ResourceInstance{ID: "node-a", ProbeType: "http", ProbeAddr: server.URL}
	ctx := context.Background()

	health, ok := p.Check(ctx, inst)
	require.True(t, ok)
	assert.Equal(t, types.HealthAvailable, health)

	failing.Store(true)
	health, _ = p.Check(ctx, inst)
	assert.Equal(t, types.HealthDegraded, health)
	health, _ = p.Check(ctx, inst)
	assert.Equal(t, types.HealthUnavailable, health)

	s, ok := p.Status("node-a")
	require.True(t, ok)
	assert.Equal(t, 2, s.ConsecutiveFailures)

	failing.Store(false)
	health, _ = p.Check(ctx, inst)
	assert.Equal(t, types.HealthAvailable, health)

	p.Forget("node-a")
	_, ok = p.Status("node-a")
	assert.False(t, ok)
}

func TestProberWithoutProbe(t *testing.T) {
	p := NewProber(DefaultConfig())
	inst := &types.ResourceInstance{ID: "node-a"}

	_, ok := p.Check(context.Background(), inst)
	assert.False(t, ok)
	assert.NoError(t, p.Probe(context.Background(), inst))
}

func TestProberProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p := NewProber(Config{Timeout: time.Second, Retries: 1})
	inst := &types.ResourceInstance{ID: "node-a", ProbeType: "tcp", ProbeAddr: ln.Addr().String()}
	require.NoError(t, p.Probe(context.Background(), inst))

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = p.Probe(context.Background(), &types.ResourceInstance{ID: "node-a", ProbeType: "tcp", ProbeAddr: addr})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProbeFailed)
	assert.Equal(t, types.FailureNetworkError, types.ClassifyFailure(err))
}

func TestProberUtilization(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cpu":0.25,"memory":0.6}`))
	}))
	defer server.Close()

	p := NewProber(Config{Timeout: time.Second, Retries: 3})
	inst := &types.ResourceInstance{ID: "node-a", ProbeType: "http", ProbeAddr: server.URL}

	_, ok := p.Utilization("node-a")
	assert.False(t, ok)

	p.Check(context.Background(), inst)
	u, ok := p.Utilization("node-a")
	require.True(t, ok)
	assert.Equal(t, 0.6, u)

	failing.Store(true)
	p.Check(context.Background(), inst)
	_, ok = p.Utilization("node-a")
	assert.False(t, ok)
}
