package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// ErrPoolStopped is returned when submitting to a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is one unit of work for the pool
type Job struct {
	Record *types.ReconcileRecord
	Run    func(ctx context.Context) *Result
}

// Pool runs jobs on a fixed number of workers. Submit blocks while every
// worker is busy, and workers block while the result queue (of the same
// size) is full, so at most twice the worker count is ever outstanding.
type Pool struct {
	tasks   chan *Job
	results chan *Result

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts a pool of size workers
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan *Job),
		results: make(chan *Result, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit hands a job to a worker, blocking until one accepts it
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	select {
	case p.tasks <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Results delivers completed jobs in completion order
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop cancels running jobs and waits for the workers to exit. Queued
// results are discarded.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.tasks:
			res := p.run(job)
			select {
			case p.results <- res:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) run(job *Job) (res *Result) {
	metrics.WorkersInFlight.Inc()
	defer metrics.WorkersInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			res = &Result{Record: job.Record, Outcome: OutcomeError, Err: fmt.Errorf("task panicked: %v", r)}
		}
	}()

	res = job.Run(p.ctx)
	if res == nil {
		res = &Result{Record: job.Record, Outcome: OutcomeSkip}
	}
	return res
}
