package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrNoEndpoint is returned when no usable agent can inspect an operation
	ErrNoEndpoint = errors.New("no reachable agent endpoint")

	// ErrHostDown is returned when probing a host that is not up
	ErrHostDown = errors.New("host is not up")
)

// Transport delivers a probe to an agent and returns its answer
type Transport interface {
	Send(ctx context.Context, host *types.Host, probe *codec.Probe) (*codec.Answer, error)
}

// Prober asks agents what actually happened to an operation. It owns no state
// beyond its send rate limit.
type Prober struct {
	transport Transport
	hosts     storage.DomainReader
	selector  EndpointSelector
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewProber creates a prober sending at most r probes per second
func NewProber(transport Transport, hosts storage.DomainReader, selector EndpointSelector, r float64, burst int) *Prober {
	return &Prober{
		transport: transport,
		hosts:     hosts,
		selector:  selector,
		limiter:   rate.NewLimiter(rate.Limit(r), burst),
		logger:    log.WithComponent("prober"),
	}
}

// SetRate adjusts the send rate limit
func (p *Prober) SetRate(r float64, burst int) {
	p.limiter.SetLimit(rate.Limit(r))
	p.limiter.SetBurst(burst)
}

// SelectHost prefers the record's assigned host while it is up and otherwise
// asks the endpoint selector
func (p *Prober) SelectHost(ctx context.Context, rec *types.ReconcileRecord, op *codec.Operation) (*types.Host, error) {
	if rec.HostID != 0 {
		h, err := p.hosts.GetHost(rec.HostID)
		if err == nil && h.Usable() {
			return h, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to get host %d: %w", rec.HostID, err)
		}
	}
	h, err := p.selector.Select(ctx, op)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("no_endpoint").Inc()
		return nil, err
	}
	return h, nil
}

// Probe sends a read-only describe request for rec to host and waits for one
// answer or the timeout
func (p *Prober) Probe(ctx context.Context, host *types.Host, rec *types.ReconcileRecord, op *codec.Operation, timeout time.Duration) (*codec.Answer, error) {
	if !host.Usable() {
		return nil, fmt.Errorf("%w: %d (%s)", ErrHostDown, host.ID, host.Status)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("probe rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.NewTimer()
	answer, err := p.transport.Send(ctx, host, &codec.Probe{
		RequestSequence: rec.RequestSequence,
		Signature:       rec.OperationSignature,
		Operation:       op,
	})
	timer.ObserveDuration(metrics.ProbeDuration)

	logger := log.WithRecord(p.logger, rec.RequestSequence, rec.OperationSignature)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("transport_error").Inc()
		logger.Debug().Err(err).Int64("host_id", host.ID).Msg("Probe failed")
		return nil, fmt.Errorf("failed to probe host %d: %w", host.ID, err)
	}
	if answer.Kind != op.Kind {
		metrics.ProbesTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %s answer for %s probe", codec.ErrMalformed, answer.Kind, op.Kind)
	}

	outcome := "answered"
	switch {
	case answer.Skipped:
		outcome = "skipped"
	case !answer.Result:
		outcome = "failed"
	}
	metrics.ProbesTotal.WithLabelValues(outcome).Inc()
	logger.Debug().Int64("host_id", host.ID).Str("outcome", outcome).Msg("Probe answered")
	return answer, nil
}
