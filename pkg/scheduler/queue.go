package scheduler

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// agingWindow is the wait after which the aging bonus stops growing
const agingWindow = time.Hour

// Weights parameterise the queue score:
//
//	score = base(priority) + min(wait/1h, 1)*Aging - retries*RetryPenalty
type Weights struct {
	High         float64
	Normal       float64
	Low          float64
	Aging        float64
	RetryPenalty float64
}

// DefaultWeights are the documented queue weights
var DefaultWeights = Weights{High: 100, Normal: 50, Low: 10, Aging: 20, RetryPenalty: 5}

// Base returns the starting score of a priority level
func (w Weights) Base(p types.Priority) float64 {
	switch p {
	case types.PriorityHigh:
		return w.High
	case types.PriorityLow:
		return w.Low
	default:
		return w.Normal
	}
}

// Entry is a pending workload waiting in the queue
type Entry struct {
	ID           string
	Priority     types.Priority
	Requirements types.Requirements
	RetryCount   int
	// SubmittedAt is where the wait time is measured from
	SubmittedAt time.Time
	// EnqueuedAt is set on first enqueue and kept across updates
	EnqueuedAt time.Time
}

// EntryFor builds a queue entry from a workload
func EntryFor(w *types.Workload) Entry {
	return Entry{
		ID:           w.ID,
		Priority:     w.Priority,
		Requirements: w.Requirements,
		RetryCount:   w.RetryCount,
		SubmittedAt:  w.CreatedAt,
	}
}

// ScoredEntry is an entry with the score it had when the view was taken
type ScoredEntry struct {
	Entry
	Score float64
}

// Queue orders pending workloads by score. Dequeue never blocks.
type Queue struct {
	weights Weights

	mu      sync.Mutex
	entries map[string]*Entry

	now func() time.Time
}

// NewQueue creates an empty queue
func NewQueue(weights Weights) *Queue {
	return &Queue{
		weights: weights,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Score computes an entry's score at the given time
func (q *Queue) Score(e Entry, now time.Time) float64 {
	since := e.SubmittedAt
	if since.IsZero() {
		since = e.EnqueuedAt
	}
	wait := now.Sub(since)
	if wait < 0 {
		wait = 0
	}
	aging := math.Min(float64(wait)/float64(agingWindow), 1) * q.weights.Aging
	return q.weights.Base(e.Priority) + aging - float64(e.RetryCount)*q.weights.RetryPenalty
}

// before reports whether a is dequeued ahead of b
func before(a, b ScoredEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return strings.Compare(a.ID, b.ID) < 0
}

// Enqueue adds an entry. Re-enqueuing a queued id updates its priority,
// requirements and retry count in place.
func (q *Queue) Enqueue(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", types.ErrInvalidWorkload)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.entries[e.ID]; ok {
		cur.Priority = e.Priority
		cur.Requirements = e.Requirements
		cur.RetryCount = e.RetryCount
		if !e.SubmittedAt.IsZero() {
			cur.SubmittedAt = e.SubmittedAt
		}
		return nil
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.entries[e.ID] = &e
	return nil
}

// best finds the entry to dequeue next. Caller holds q.mu.
func (q *Queue) best() (ScoredEntry, bool) {
	now := q.now()
	var top ScoredEntry
	found := false
	for _, e := range q.entries {
		cand := ScoredEntry{Entry: *e, Score: q.Score(*e, now)}
		if !found || before(cand, top) {
			top = cand
			found = true
		}
	}
	return top, found
}

// Dequeue removes and returns the highest scored entry, or ErrQueueEmpty
func (q *Queue) Dequeue() (ScoredEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	top, ok := q.best()
	if !ok {
		return ScoredEntry{}, types.ErrQueueEmpty
	}
	delete(q.entries, top.ID)
	return top, nil
}

// Peek returns the next entry without removing it
func (q *Queue) Peek() (ScoredEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	top, ok := q.best()
	if !ok {
		return ScoredEntry{}, types.ErrQueueEmpty
	}
	return top, nil
}

// Remove drops an id from the queue and reports whether it was queued
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return false
	}
	delete(q.entries, id)
	return true
}

// Contains reports whether an id is queued
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns every entry in dequeue order with its current score
func (q *Queue) Snapshot() []ScoredEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]ScoredEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, ScoredEntry{Entry: *e, Score: q.Score(*e, now)})
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}
