package workload

import "github.com/cuemby/burrow/pkg/types"

// ring is a fixed-size buffer of metrics samples; the oldest is overwritten
// once it is full.
type ring struct {
	buf   []types.MetricsSample
	head  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]types.MetricsSample, size)}
}

func (r *ring) push(s types.MetricsSample) {
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[idx] = s
	r.count++
}

// samples returns the buffered samples oldest first
func (r *ring) samples() []types.MetricsSample {
	out := make([]types.MetricsSample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
