package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker probes an instance by opening a TCP connection to it. It never
// reports load.
type TCPChecker struct {
	// Address to dial, e.g. "node-ip:7946"
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker with a 5s dial timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// Check dials the address and closes the connection straight away
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, err, "dial %s: %v", t.Address, err)
	}
	_ = conn.Close()

	return Result{
		Healthy:   true,
		Message:   "connected to " + t.Address,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
