package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAttempts struct {
	mu       sync.Mutex
	counts   map[string]int
	failIncr bool
	cleared  []string
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{counts: make(map[string]int)}
}

func (f *fakeAttempts) Incr(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIncr {
		return 0, errors.New("counter unavailable")
	}
	f.counts[jobID]++
	return f.counts[jobID], nil
}

func (f *fakeAttempts) Clear(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, jobID)
	f.cleared = append(f.cleared, jobID)
	return nil
}

// scriptedHandler returns the scripted results in order and records
// every Failed invocation.
type scriptedHandler struct {
	mu      sync.Mutex
	results []Result
	calls   int
	failed  []error
	block   bool
}

func (h *scriptedHandler) Handle(ctx context.Context, _ Job) Result {
	h.mu.Lock()
	idx := h.calls
	h.calls++
	block := h.block
	h.mu.Unlock()

	if block {
		<-ctx.Done()
		return Retry(ctx.Err())
	}
	if idx >= len(h.results) {
		return Ok()
	}
	return h.results[idx]
}

func (h *scriptedHandler) Failed(_ context.Context, _ Job, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, err)
}

func newCoordinatorForTest(attempts AttemptStore) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(attempts, 10*time.Second, 3, 0)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, &slept
}

func TestCoordinator_SucceedsFirstAttempt(t *testing.T) {
	attempts := newFakeAttempts()
	c, slept := newCoordinatorForTest(attempts)
	h := &scriptedHandler{results: []Result{Ok()}}

	res := c.Run(context.Background(), Job{ID: "job-1", MaxAttempts: 3}, h)

	require.Equal(t, KindOk, res.Kind)
	require.Equal(t, 1, h.calls)
	require.Empty(t, h.failed)
	require.Empty(t, *slept)
	require.Equal(t, []string{"job-1"}, attempts.cleared)
}

func TestCoordinator_RetriesWithLinearBackoff(t *testing.T) {
	attempts := newFakeAttempts()
	c, slept := newCoordinatorForTest(attempts)
	h := &scriptedHandler{results: []Result{
		Retry(errors.New("io glitch")),
		Retry(errors.New("io glitch again")),
		Ok(),
	}}

	res := c.Run(context.Background(), Job{ID: "job-2", MaxAttempts: 3}, h)

	require.Equal(t, KindOk, res.Kind)
	require.Equal(t, 3, h.calls)
	require.Empty(t, h.failed)
	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, *slept)
}

func TestCoordinator_ExhaustionFailsExactlyOnce(t *testing.T) {
	attempts := newFakeAttempts()
	c, _ := newCoordinatorForTest(attempts)
	cause := errors.New("storage down")
	h := &scriptedHandler{results: []Result{Retry(cause), Retry(cause), Retry(cause)}}

	res := c.Run(context.Background(), Job{ID: "job-3", MaxAttempts: 3}, h)

	require.Equal(t, KindFatal, res.Kind)
	require.Equal(t, 3, h.calls)
	require.Len(t, h.failed, 1)
	require.ErrorIs(t, h.failed[0], cause)
	// attempt counter is released after the terminal callback
	require.Equal(t, []string{"job-3"}, attempts.cleared)
}

func TestCoordinator_FatalSkipsRetries(t *testing.T) {
	attempts := newFakeAttempts()
	c, slept := newCoordinatorForTest(attempts)
	cause := errors.New("malformed csv")
	h := &scriptedHandler{results: []Result{Fatal(cause)}}

	res := c.Run(context.Background(), Job{ID: "job-4", MaxAttempts: 3}, h)

	require.Equal(t, KindFatal, res.Kind)
	require.Equal(t, 1, h.calls)
	require.Len(t, h.failed, 1)
	require.ErrorIs(t, h.failed[0], cause)
	require.Empty(t, *slept)
}

func TestCoordinator_AttemptBudgetSurvivesRedelivery(t *testing.T) {
	// A redelivered job continues its budget instead of starting over.
	attempts := newFakeAttempts()
	attempts.counts["job-5"] = 2

	c, _ := newCoordinatorForTest(attempts)
	h := &scriptedHandler{results: []Result{Retry(errors.New("still down"))}}

	res := c.Run(context.Background(), Job{ID: "job-5", MaxAttempts: 3}, h)

	require.Equal(t, KindFatal, res.Kind)
	require.Equal(t, 1, h.calls)
	require.Len(t, h.failed, 1)
}

func TestCoordinator_TimeoutIsRetryable(t *testing.T) {
	attempts := newFakeAttempts()
	c, _ := newCoordinatorForTest(attempts)
	h := &scriptedHandler{block: true}

	res := c.Run(context.Background(), Job{ID: "job-6", MaxAttempts: 1, TimeoutSeconds: 1}, h)

	// single-attempt budget: the timeout escalates to a permanent
	// failure with exactly one terminal callback
	require.Equal(t, KindFatal, res.Kind)
	require.Len(t, h.failed, 1)
	require.ErrorContains(t, h.failed[0], "timed out")
}

func TestCoordinator_DefaultTimeoutCoversUntimedJobs(t *testing.T) {
	attempts := newFakeAttempts()
	c, _ := newCoordinatorForTest(attempts)
	c.defaultTimeout = time.Second
	h := &scriptedHandler{block: true}

	res := c.Run(context.Background(), Job{ID: "job-8", MaxAttempts: 1}, h)

	require.Equal(t, KindFatal, res.Kind)
	require.Len(t, h.failed, 1)
	require.ErrorContains(t, h.failed[0], "timed out")
}

func TestCoordinator_CounterOutageLeavesJobForRedelivery(t *testing.T) {
	attempts := newFakeAttempts()
	attempts.failIncr = true
	c, _ := newCoordinatorForTest(attempts)
	h := &scriptedHandler{}

	res := c.Run(context.Background(), Job{ID: "job-7", MaxAttempts: 3}, h)

	require.Equal(t, KindRetryable, res.Kind)
	require.Zero(t, h.calls)
	require.Empty(t, h.failed)
}
