package ledger

import (
	"bytes"
	"fmt"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Tracker is the dispatch-path entry point into the ledger. The command
// layer calls Persist when it sends a batch to an agent and ProcessAnswers
// when the batch completes normally.
type Tracker struct {
	ledger *Ledger
	msid   string
	logger zerolog.Logger
}

// NewTracker creates a tracker that records rows as owned by msid
func NewTracker(l *Ledger, msid string) *Tracker {
	return &Tracker{
		ledger: l,
		msid:   msid,
		logger: log.WithComponent("tracker"),
	}
}

// Persist stores one CREATED record per reconcilable operation in the batch.
// Re-persisting a known key refreshes its payload and re-points it at hostID.
// The whole batch is rejected before any write when an operation is malformed.
func (t *Tracker) Persist(hostID, seq int64, ops []*codec.Operation) error {
	if err := validateBatch(ops); err != nil {
		return err
	}
	for _, op := range ops {
		if op == nil || !op.Reconcile {
			continue
		}
		payload, err := codec.EncodeOperation(op)
		if err != nil {
			return fmt.Errorf("failed to encode operation %s: %w", op.Kind, err)
		}
		sig := codec.Signature(op)
		rt, rid := codec.Resource(op)

		existing, err := t.ledger.Get(seq, sig)
		if err == nil {
			_, err = t.ledger.Update(existing.ID, func(rec *types.ReconcileRecord) {
				if !bytes.Equal(rec.OperationPayload, payload) {
					rec.OperationPayload = payload
				}
				rec.HostID = hostID
				rec.ResourceType = rt
				rec.ResourceID = rid
			})
			if err != nil {
				return err
			}
			continue
		}

		_, err = t.ledger.Put(&types.ReconcileRecord{
			RequestSequence:    seq,
			OperationSignature: sig,
			ManagementServerID: t.msid,
			OperationName:      string(op.Kind),
			OperationPayload:   payload,
			StateByManagement:  types.StateCreated,
			HostID:             hostID,
			ResourceType:       rt,
			ResourceID:         rid,
		})
		if err != nil {
			return err
		}
		logger := log.WithRecord(t.logger, seq, sig)
		logger.Debug().Int64("host_id", hostID).Msg("Tracking reconcilable operation")
	}
	return nil
}

// ProcessAnswers removes the record of every reconcilable operation that the
// agent answered successfully. answers[i] belongs to ops[i].
func (t *Tracker) ProcessAnswers(seq int64, ops []*codec.Operation, answers []*codec.Answer) error {
	if err := validateBatch(ops); err != nil {
		return err
	}
	for i, op := range ops {
		if op == nil || !op.Reconcile {
			continue
		}
		if i >= len(answers) || answers[i] == nil || !answers[i].Result {
			continue
		}
		sig := codec.Signature(op)
		if err := t.ledger.Remove(seq, sig, nil); err != nil {
			return fmt.Errorf("failed to remove reconcile record %d/%s: %w", seq, sig, err)
		}
		logger := log.WithRecord(t.logger, seq, sig)
		logger.Debug().Msg("Operation completed normally")
	}
	return nil
}

func validateBatch(ops []*codec.Operation) error {
	for i, op := range ops {
		if op == nil || !op.Reconcile {
			continue
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("failed to validate operation %d: %w", i, err)
		}
	}
	return nil
}
