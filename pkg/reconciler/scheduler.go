package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lease"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LockName is the lease every scheduler pass runs under
const LockName = "reconcile-pass"

// PassResult summarises one scheduler pass
type PassResult struct {
	Ran      bool
	Reason   string
	Records  int
	Outcomes map[Outcome]int
}

// Scheduler periodically reconciles every ledger record needing attention.
// A pass only runs while this instance holds the pass lease and is the
// cluster leader; tasks for distinct records run on a bounded pool.
type Scheduler struct {
	cfg        config.Source
	ledger     *ledger.Ledger
	task       *Task
	locker     lease.Locker
	leadership lease.Leadership
	broker     *events.Broker
	clock      clock.Clock
	holder     string
	logger     zerolog.Logger

	triggerCh chan struct{}
	passMu    sync.Mutex // one pass at a time

	mu       sync.Mutex
	ready    map[types.RecordKey]bool
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Deps are the scheduler's collaborators
type Deps struct {
	Ledger     *ledger.Ledger
	Task       *Task
	Locker     lease.Locker
	Leadership lease.Leadership
	// Broker is optional
	Broker *events.Broker
	Clock  clock.Clock
	// Holder identifies this instance to the pass lease
	Holder string
}

// NewScheduler creates a scheduler reading its configuration from src
func NewScheduler(src config.Source, deps Deps) *Scheduler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	leadership := deps.Leadership
	if leadership == nil {
		leadership = lease.Standalone{}
	}
	holder := deps.Holder
	if holder == "" {
		holder = src.Current().ManagementServerID
	}
	return &Scheduler{
		cfg:        src,
		ledger:     deps.Ledger,
		task:       deps.Task,
		locker:     deps.Locker,
		leadership: leadership,
		broker:     deps.Broker,
		clock:      clk,
		holder:     holder,
		logger:     log.WithComponent("scheduler"),
		triggerCh:  make(chan struct{}, 1),
		ready:      make(map[types.RecordKey]bool),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the scheduling loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	metrics.UpdateComponent("scheduler", true, "")
	go s.run()
}

// Stop stops the loop and cancels any running pass without draining it
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
		started := s.started
		s.mu.Unlock()
		close(s.stopCh)
		if !started {
			close(s.done)
		}
	})
	<-s.done
	metrics.UpdateComponent("scheduler", false, "stopped")
}

// Shutdown stops the scheduler and hands every record this management
// server owns to the other instances by marking it INTERRUPTED
func (s *Scheduler) Shutdown() error {
	s.Stop()
	msid := s.cfg.Current().ManagementServerID
	n, err := s.ledger.MarkInterruptedByManagementServer(msid)
	if err != nil {
		return fmt.Errorf("failed to interrupt records of %s: %w", msid, err)
	}
	s.logger.Info().Int("records", n).Str("management_server_id", msid).Msg("Owned records marked interrupted")
	return nil
}

// Trigger asks for an early pass. Keys name records a heartbeat reported
// ready for convergence; the next pass probes them without waiting out the
// grace period.
func (s *Scheduler) Trigger(keys ...types.RecordKey) {
	s.mu.Lock()
	for _, k := range keys {
		s.ready[k] = true
	}
	s.mu.Unlock()

	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		cfg := s.cfg.Current()
		select {
		case <-s.clock.After(cfg.Period):
		case <-s.triggerCh:
		case <-s.stopCh:
			return
		}

		if _, err := s.RunPass(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Reconciliation pass failed")
		}
	}
}

// RunPass runs one pass if reconciliation is enabled, the pass lease is free
// and this instance leads the cluster
func (s *Scheduler) RunPass(ctx context.Context) (*PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	cfg := s.cfg.Current()
	if !cfg.Enabled {
		return s.notRun("disabled"), nil
	}

	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = cfg.Period
	}
	ok, err := s.locker.Acquire(ctx, LockName, s.holder, ttl)
	if err != nil {
		metrics.PassesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		return s.notRun("locked"), nil
	}
	defer func() {
		if err := s.locker.Release(context.Background(), LockName, s.holder); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			s.logger.Warn().Err(err).Msg("Failed to release pass lease")
		}
	}()

	if !s.leadership.IsLeader() {
		return s.notRun("not_leader"), nil
	}

	s.task.Configure(cfg)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PassDuration)

	recs, err := s.ledger.ListNeedingAttention()
	if err != nil {
		metrics.PassesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.setCancel(cancel) {
		return s.notRun("stopped"), nil
	}
	defer s.setCancel(nil)

	result := &PassResult{Ran: true, Records: len(recs), Outcomes: make(map[Outcome]int)}
	s.logger.Debug().Int("records", len(recs)).Int("workers", cfg.Workers).Msg("Reconciliation pass started")

	pool := NewPool(cfg.Workers)
	defer pool.Stop()

	ready := s.takeReady()
	g, gctx := errgroup.WithContext(passCtx)

	g.Go(func() error {
		for _, rec := range recs {
			rec := rec
			signaled := ready[rec.Key()]
			job := &Job{
				Record: rec,
				Run: func(ctx context.Context) *Result {
					return s.task.Evaluate(ctx, rec, cfg, signaled)
				},
			}
			if err := pool.Submit(gctx, job); err != nil {
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		for i := 0; i < len(recs); i++ {
			select {
			case res := <-pool.Results():
				s.settle(res, cfg, result)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		metrics.PassesTotal.WithLabelValues("interrupted").Inc()
		s.requeue(ready)
		return result, fmt.Errorf("pass interrupted: %w", err)
	}

	metrics.PassesTotal.WithLabelValues("ran").Inc()
	s.logger.Debug().
		Int("records", len(recs)).
		Interface("outcomes", result.Outcomes).
		Dur("duration", timer.Duration()).
		Msg("Reconciliation pass finished")
	return result, nil
}

// settle runs on the draining side only, so outcomes are applied one at a time
func (s *Scheduler) settle(res *Result, cfg config.Config, pass *PassResult) {
	pass.Outcomes[res.Outcome]++
	metrics.TaskOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()

	event, err := s.task.Settle(res, cfg)
	if err != nil {
		// the record stays for the next pass
		logger := log.WithRecord(s.logger, res.Record.RequestSequence, res.Record.OperationSignature)
		logger.Error().Err(err).Msg("Failed to settle reconciliation result")
		return
	}
	if event != nil && s.broker != nil {
		s.broker.Publish(event)
	}
}

func (s *Scheduler) notRun(reason string) *PassResult {
	metrics.PassesTotal.WithLabelValues(reason).Inc()
	s.logger.Debug().Str("reason", reason).Msg("Reconciliation pass skipped")
	return &PassResult{Reason: reason}
}

func (s *Scheduler) setCancel(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped && cancel != nil {
		return false
	}
	s.cancel = cancel
	return true
}

func (s *Scheduler) takeReady() map[types.RecordKey]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready := s.ready
	s.ready = make(map[types.RecordKey]bool)
	return ready
}

func (s *Scheduler) requeue(ready map[types.RecordKey]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range ready {
		s.ready[k] = true
	}
}
