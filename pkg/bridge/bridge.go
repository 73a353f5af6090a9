package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Bridge folds the operation states agents piggyback on their heartbeats
// into the ledger. It never touches domain state and never changes a
// record's management state.
type Bridge struct {
	ledger *ledger.Ledger
	msid   string
	logger zerolog.Logger
}

// New creates a bridge that claims updated records for msid
func New(l *ledger.Ledger, msid string) *Bridge {
	return &Bridge{
		ledger: l,
		msid:   msid,
		logger: log.WithComponent("bridge"),
	}
}

// Process applies one heartbeat's reports and returns the keys of records
// that received a new usable final answer, so the scheduler can converge
// them early. Reports for operations the ledger no longer tracks are ignored.
func (b *Bridge) Process(ctx context.Context, hostID int64, reports []codec.OperationReport) ([]types.RecordKey, error) {
	metrics.HeartbeatReportsTotal.Add(float64(len(reports)))

	var ready []types.RecordKey
	for i := range reports {
		if err := ctx.Err(); err != nil {
			return ready, err
		}
		r := &reports[i]

		rec, err := b.ledger.Get(r.RequestSequence, r.Signature)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return ready, fmt.Errorf("failed to get reconcile record %d/%s: %w", r.RequestSequence, r.Signature, err)
		}

		var payload []byte
		usable := r.State.Finished() && usableAnswer(rec, r.Answer)
		if usable {
			if payload, err = codec.EncodeAnswer(r.Answer); err != nil {
				return ready, err
			}
		}

		signal := false
		_, err = b.ledger.Update(rec.ID, func(row *types.ReconcileRecord) {
			row.StateByAgent = r.State
			if row.ManagementServerID != b.msid {
				row.ManagementServerID = b.msid
			}
			if usable && !row.StateByManagement.Terminal() && !bytes.Equal(row.AnswerPayload, payload) {
				row.AnswerName = r.Answer.Name()
				row.AnswerPayload = payload
				signal = true
			}
		})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return ready, err
		}

		logger := log.WithRecord(b.logger, r.RequestSequence, r.Signature)
		logger.Debug().Int64("host_id", hostID).Str("agent_state", string(r.State)).Msg("Agent state reported")
		if signal {
			ready = append(ready, rec.Key())
		}
	}

	metrics.BridgeReadyTotal.Add(float64(len(ready)))
	return ready, nil
}

// usableAnswer reports whether an answer carries facts the resolver can use
// for rec's operation
func usableAnswer(rec *types.ReconcileRecord, a *codec.Answer) bool {
	if a == nil || string(a.Kind) != rec.OperationName {
		return false
	}
	return a.Result || a.Skipped
}
