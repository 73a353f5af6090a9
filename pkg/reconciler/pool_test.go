package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolRunsJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPool(3)
	defer p.Stop()

	const jobs = 10
	go func() {
		for i := 0; i < jobs; i++ {
			rec := &types.ReconcileRecord{ID: uint64(i + 1)}
			_ = p.Submit(context.Background(), &Job{
				Record: rec,
				Run: func(ctx context.Context) *Result {
					return &Result{Record: rec, Outcome: OutcomeSkip}
				},
			})
		}
	}()

	seen := make(map[uint64]bool)
	for i := 0; i < jobs; i++ {
		select {
		case res := <-p.Results():
			seen[res.Record.ID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	assert.Len(t, seen, jobs)
}

func TestPoolBoundsOutstandingWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPool(2)
	defer p.Stop()

	var started atomic.Int32
	submit := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		return p.Submit(ctx, &Job{
			Record: &types.ReconcileRecord{},
			Run: func(ctx context.Context) *Result {
				started.Add(1)
				return &Result{Outcome: OutcomeSkip}
			},
		})
	}

	// Nobody drains results: two workers fill the queue of two, then each
	// holds one more result, so the fifth submission has no taker.
	for i := 0; i < 4; i++ {
		require.NoError(t, submit())
	}
	assert.ErrorIs(t, submit(), context.DeadlineExceeded)
	assert.Equal(t, int32(4), started.Load())
}

func TestPoolRecoversFromPanics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPool(1)
	defer p.Stop()

	rec := &types.ReconcileRecord{ID: 7}
	require.NoError(t, p.Submit(context.Background(), &Job{
		Record: rec,
		Run:    func(ctx context.Context) *Result { panic("boom") },
	}))

	res := <-p.Results()
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, uint64(7), res.Record.ID)
	assert.ErrorContains(t, res.Err, "boom")
}

func TestPoolStopCancelsJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPool(1)
	blocked := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), &Job{
		Record: &types.ReconcileRecord{},
		Run: func(ctx context.Context) *Result {
			close(blocked)
			<-ctx.Done()
			return nil
		},
	}))
	<-blocked
	p.Stop()

	err := p.Submit(context.Background(), &Job{Record: &types.ReconcileRecord{}})
	assert.ErrorIs(t, err, ErrPoolStopped)
}
