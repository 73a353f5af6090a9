package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/resolver"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Outcome classifies what a reconciliation task did with its record
type Outcome string

const (
	// OutcomeSkip leaves the record as it is
	OutcomeSkip Outcome = "skip"
	// OutcomeAbandon marks the record skipped and removes it
	OutcomeAbandon Outcome = "abandon"
	// OutcomeExhausted leaves a record that ran out of attempts
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeRearm moves a stuck RECONCILING record back to RECONCILE_RETRY
	OutcomeRearm Outcome = "rearm"
	// OutcomeTransient means the agent could not be reached
	OutcomeTransient Outcome = "transient"
	// OutcomeProbed carries an agent answer and the resolver's decision
	OutcomeProbed Outcome = "probed"
	// OutcomeError is an unexpected failure inside the task
	OutcomeError Outcome = "error"
)

// Result is what a task hands back to the scheduler
type Result struct {
	Record  *types.ReconcileRecord
	Outcome Outcome
	Reason  string

	// Marked is set once the record was moved to RECONCILING
	Marked bool

	Answer   *codec.Answer
	Decision *resolver.Decision
	Err      error
}

type action int

const (
	actSkip action = iota
	actProbe
	actRearm
	actExhausted
)

// Task evaluates one ledger record: it runs the pre-checks, walks the
// decision table, probes when required and settles the outcome.
type Task struct {
	ledger   *ledger.Ledger
	domain   storage.DomainReader
	prober   *agent.Prober
	resolver *resolver.Resolver
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewTask creates the per-record reconciliation logic
func NewTask(l *ledger.Ledger, domain storage.DomainReader, p *agent.Prober, r *resolver.Resolver, clk clock.Clock) *Task {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Task{
		ledger:   l,
		domain:   domain,
		prober:   p,
		resolver: r,
		clock:    clk,
		logger:   log.WithComponent("reconcile-task"),
	}
}

// Configure applies the probe rate limits of cfg
func (t *Task) Configure(cfg config.Config) {
	if t.prober != nil && cfg.ProbeRate > 0 && cfg.ProbeBurst > 0 {
		t.prober.SetRate(cfg.ProbeRate, cfg.ProbeBurst)
	}
}

// Evaluate decides what to do with rec and probes its agent if needed.
// signaled is set when a heartbeat reported a usable answer for the record
// since the last pass. It only writes the RECONCILING mark; every other
// transition is made by Settle.
func (t *Task) Evaluate(ctx context.Context, rec *types.ReconcileRecord, cfg config.Config, signaled bool) *Result {
	res := &Result{Record: rec}

	op, err := codec.DecodeOperation(rec.OperationPayload)
	if err == nil {
		err = op.Validate()
	}
	if err != nil {
		return res.with(OutcomeAbandon, "malformed operation: %v", err)
	}

	gone, err := t.resourceGone(rec)
	if err != nil {
		return res.fail(err)
	}
	if gone {
		return res.with(OutcomeAbandon, "%s %d no longer exists", rec.ResourceType, rec.ResourceID)
	}

	act, reason, err := t.decide(rec, cfg, signaled)
	if err != nil {
		return res.fail(err)
	}
	switch act {
	case actSkip:
		return res.with(OutcomeSkip, "%s", reason)
	case actRearm:
		return res.with(OutcomeRearm, "%s", reason)
	case actExhausted:
		return res.with(OutcomeExhausted, "%s", reason)
	}

	outstanding, err := t.outstanding(op)
	if err != nil {
		return res.fail(err)
	}
	if !outstanding {
		return res.with(OutcomeAbandon, "no %s is outstanding on %s %d", op.Kind, rec.ResourceType, rec.ResourceID)
	}

	host, err := t.prober.SelectHost(ctx, rec, op)
	if err != nil {
		return res.with(OutcomeTransient, "%v", err)
	}

	// The record follows the agent that answers for it, so a sweep of its
	// old, dead host cannot interrupt the probe in flight
	fresh, err := t.ledger.Update(rec.ID, func(r *types.ReconcileRecord) {
		r.StateByManagement = types.StateReconciling
		r.HostID = host.ID
	})
	if errors.Is(err, storage.ErrNotFound) {
		return res.with(OutcomeSkip, "record completed concurrently")
	}
	if err != nil {
		return res.fail(err)
	}
	res.Record = fresh
	res.Marked = true

	answer, err := t.prober.Probe(ctx, host, fresh, op, cfg.ProbeTimeout)
	if err != nil {
		return res.with(OutcomeTransient, "%v", err)
	}
	res.Answer = answer

	var previous *codec.Answer
	if len(fresh.AnswerPayload) > 0 {
		if a, err := codec.DecodeAnswer(fresh.AnswerPayload); err == nil {
			previous = a
		}
	}
	d, err := t.resolver.Resolve(resolver.Input{
		Record:   fresh,
		Op:       op,
		Previous: previous,
		Answer:   answer,
	})
	if err != nil {
		return res.fail(err)
	}
	res.Decision = d
	res.Outcome = OutcomeProbed
	res.Reason = d.Reason
	return res
}

// decide walks the (stateByManagement, stateByAgent) table
func (t *Task) decide(rec *types.ReconcileRecord, cfg config.Config, signaled bool) (action, string, error) {
	now := t.clock.Now()
	graceElapsed := now.Sub(rec.Updated) > cfg.GracePeriod

	switch rec.StateByManagement {
	case types.StateTimedOut, types.StateInterrupted, types.StateReconcileRetry:
		return actProbe, "", nil

	case types.StateReconciling:
		if graceElapsed {
			return actRearm, fmt.Sprintf("reconciling since %s", rec.Updated.Format("15:04:05")), nil
		}
		return actSkip, "another pass is in flight", nil

	case types.StateReconcileFailed:
		if rec.RetryCount < cfg.MaxAttempts {
			return actProbe, "", nil
		}
		return actExhausted, fmt.Sprintf("%d of %d attempts used", rec.RetryCount, cfg.MaxAttempts), nil

	case types.StateCreated:
		switch {
		case rec.StateByAgent == types.AgentStateNone:
			return actSkip, "not acknowledged by any agent", nil
		case rec.StateByAgent.InFlight():
			down, err := t.hostDown(rec.HostID)
			if err != nil {
				return actSkip, "", err
			}
			if down {
				return actProbe, "", nil
			}
			return actSkip, "agent reports the operation running", nil
		case rec.StateByAgent.Finished():
			if signaled || graceElapsed {
				return actProbe, "", nil
			}
			return actSkip, "normal completion path may still clear it", nil
		default:
			return actProbe, "", nil
		}
	}
	return actSkip, fmt.Sprintf("terminal state %s", rec.StateByManagement), nil
}

func (t *Task) hostDown(id int64) (bool, error) {
	h, err := t.domain.GetHost(id)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get host %d: %w", id, err)
	}
	return h.Status == types.HostStatusDown || h.Status == types.HostStatusRemoved, nil
}

func (t *Task) resourceGone(rec *types.ReconcileRecord) (bool, error) {
	var err error
	switch rec.ResourceType {
	case types.ResourceVolume:
		_, err = t.domain.GetVolume(rec.ResourceID)
	case types.ResourceVirtualMachine:
		_, err = t.domain.GetVM(rec.ResourceID)
	default:
		return false, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s %d: %w", rec.ResourceType, rec.ResourceID, err)
	}
	return false, nil
}

// outstanding reports whether the domain still looks like an operation of
// this kind may be unfinished
func (t *Task) outstanding(op *codec.Operation) (bool, error) {
	switch op.Kind {
	case codec.KindMigrateVM:
		vm, err := t.domain.GetVM(op.MigrateVM.VMID)
		if err != nil {
			return false, err
		}
		if vm.State == types.VMMigrating {
			return true, nil
		}
		vols, err := t.domain.ListVolumesByInstance(vm.ID)
		if err != nil {
			return false, err
		}
		for _, v := range vols {
			if v.State == types.VolumeMigrating {
				return true, nil
			}
		}
		return false, nil

	case codec.KindCopyVolume, codec.KindMigrateVolume:
		_, id := codec.Resource(op)
		return t.volumeBusy(id)
	}
	return false, nil
}

func (t *Task) volumeBusy(id int64) (bool, error) {
	v, err := t.domain.GetVolume(id)
	if err != nil {
		return false, err
	}
	if v.State == types.VolumeCreating || v.State == types.VolumeMigrating {
		return true, nil
	}
	copies, err := t.domain.ListVolumeCopies(id)
	if err != nil {
		return false, err
	}
	for _, c := range copies {
		if c.State == types.CopyCreating || c.State == types.CopyCopying {
			return true, nil
		}
	}
	shadows, err := t.domain.ListVolumesByLastID(id)
	if err != nil {
		return false, err
	}
	for _, s := range shadows {
		if s.State == types.VolumeCreating || s.State == types.VolumeMigrating {
			return true, nil
		}
	}
	return false, nil
}

// Settle applies a task result to the ledger and the domain. It returns the
// event to publish, if any.
func (t *Task) Settle(res *Result, cfg config.Config) (*events.Event, error) {
	rec := res.Record
	logger := log.WithRecord(t.logger, rec.RequestSequence, rec.OperationSignature)

	switch res.Outcome {
	case OutcomeSkip:
		logger.Debug().Str("reason", res.Reason).Msg("Record skipped")
		return nil, nil

	case OutcomeExhausted:
		logger.Debug().Str("reason", res.Reason).Msg("Record out of attempts")
		return nil, nil

	case OutcomeAbandon:
		if _, err := t.transition(rec.ID, func(r *types.ReconcileRecord) {
			r.StateByManagement = types.StateReconcileSkipped
		}); err != nil {
			return nil, err
		}
		if err := t.ledger.Remove(rec.RequestSequence, rec.OperationSignature, nil); err != nil {
			return nil, fmt.Errorf("failed to remove abandoned record: %w", err)
		}
		logger.Warn().Str("reason", res.Reason).Msg("Record abandoned")
		return events.NewRecordEvent(events.EventRecordAbandoned, rec, res.Reason), nil

	case OutcomeRearm:
		changed, err := t.transition(rec.ID, func(r *types.ReconcileRecord) {
			if r.StateByManagement == types.StateReconciling && t.clock.Now().Sub(r.Updated) > cfg.GracePeriod {
				r.StateByManagement = types.StateReconcileRetry
			}
		})
		if err != nil || !changed {
			return nil, err
		}
		logger.Info().Str("reason", res.Reason).Msg("Stuck record re-armed")
		return events.NewRecordEvent(events.EventRecordRearmed, rec, res.Reason), nil

	case OutcomeTransient, OutcomeError:
		if res.Err != nil {
			logger.Error().Err(res.Err).Msg("Reconciliation task failed")
		} else {
			logger.Debug().Str("reason", res.Reason).Msg("Agent unreachable")
		}
		if res.Marked {
			_, err := t.transition(rec.ID, func(r *types.ReconcileRecord) {
				if r.StateByManagement == types.StateReconciling {
					r.StateByManagement = types.StateReconcileRetry
				}
			})
			return nil, err
		}
		return nil, nil

	case OutcomeProbed:
		return t.settleDecision(res, cfg, logger)
	}
	return nil, fmt.Errorf("unknown task outcome %q", res.Outcome)
}

func (t *Task) settleDecision(res *Result, cfg config.Config, logger zerolog.Logger) (*events.Event, error) {
	rec := res.Record
	d := res.Decision

	switch d.Verdict {
	case resolver.Converged:
		if err := t.resolver.Apply(rec, d); err != nil {
			return nil, err
		}
		if err := t.ledger.Remove(rec.RequestSequence, rec.OperationSignature, nil); err != nil {
			return nil, fmt.Errorf("failed to remove converged record: %w", err)
		}
		logger.Info().Str("reason", d.Reason).Int("volumes", len(d.Volumes)).Msg("Record converged")
		return events.NewRecordEvent(events.EventRecordConverged, rec, d.Reason), nil

	case resolver.Retry:
		payload, err := codec.EncodeAnswer(res.Answer)
		if err != nil {
			return nil, err
		}
		_, err = t.transition(rec.ID, func(r *types.ReconcileRecord) {
			r.StateByManagement = types.StateReconcileRetry
			r.AnswerName = res.Answer.Name()
			r.AnswerPayload = payload
		})
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("reason", d.Reason).Msg("Ground truth ambiguous, will retry")
		return nil, nil

	case resolver.Failed:
		var count int
		_, err := t.transition(rec.ID, func(r *types.ReconcileRecord) {
			r.StateByManagement = types.StateReconcileFailed
			if r.RetryCount < cfg.MaxAttempts {
				r.RetryCount++
			}
			count = r.RetryCount
		})
		if err != nil {
			return nil, err
		}
		if count >= cfg.MaxAttempts {
			logger.Warn().Int("attempts", count).Str("reason", d.Reason).Msg("Record exhausted its attempts")
			return events.NewRecordEvent(events.EventRecordExhausted, rec, d.Reason), nil
		}
		logger.Debug().Int("attempts", count).Str("reason", d.Reason).Msg("Probe reported failure")
		return nil, nil
	}
	return nil, fmt.Errorf("unknown verdict %q", d.Verdict)
}

// transition applies mutator to the fresh row. A record removed in the
// meantime is not an error.
func (t *Task) transition(id uint64, mutator func(*types.ReconcileRecord)) (bool, error) {
	changed := false
	_, err := t.ledger.Update(id, func(r *types.ReconcileRecord) {
		before := *r
		mutator(r)
		changed = before.StateByManagement != r.StateByManagement || before.RetryCount != r.RetryCount
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r *Result) with(o Outcome, format string, args ...interface{}) *Result {
	r.Outcome = o
	r.Reason = fmt.Sprintf(format, args...)
	return r
}

func (r *Result) fail(err error) *Result {
	r.Outcome = OutcomeError
	r.Err = err
	r.Reason = err.Error()
	return r
}
