package reconciler

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lease"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// HostMonitor marks hosts down when their heartbeats stop and interrupts
// every record pinned to a host that is down or removed
type HostMonitor struct {
	cfg        config.Source
	hosts      storage.DomainStore
	ledger     *ledger.Ledger
	leadership lease.Leadership
	broker     *events.Broker
	clock      clock.Clock
	logger     zerolog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHostMonitor creates a host monitor. broker may be nil.
func NewHostMonitor(src config.Source, hosts storage.DomainStore, l *ledger.Ledger, leadership lease.Leadership, broker *events.Broker, clk clock.Clock) *HostMonitor {
	if clk == nil {
		clk = clock.WallClock
	}
	if leadership == nil {
		leadership = lease.Standalone{}
	}
	return &HostMonitor{
		cfg:        src,
		hosts:      hosts,
		ledger:     l,
		leadership: leadership,
		broker:     broker,
		clock:      clk,
		logger:     log.WithComponent("host-monitor"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins checking hosts every half host timeout
func (m *HostMonitor) Start() {
	go m.run()
}

// Stop stops the monitor
func (m *HostMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
}

func (m *HostMonitor) run() {
	defer close(m.done)
	for {
		select {
		case <-m.clock.After(m.interval()):
			if !m.leadership.IsLeader() {
				continue
			}
			if err := m.Check(); err != nil {
				m.logger.Error().Err(err).Msg("Host check failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *HostMonitor) interval() time.Duration {
	if d := m.cfg.Current().HostTimeout / 2; d > 0 {
		return d
	}
	return 30 * time.Second
}

// Check runs one sweep over the host table
func (m *HostMonitor) Check() error {
	hosts, err := m.hosts.ListHosts()
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}

	timeout := m.cfg.Current().HostTimeout
	now := m.clock.Now()
	for _, h := range hosts {
		switch h.Status {
		case types.HostStatusUp, types.HostStatusDisconnected:
			silent := now.Sub(h.LastHeartbeat)
			if silent <= timeout {
				continue
			}
			h.Status = types.HostStatusDown
			if err := m.hosts.PutHost(h); err != nil {
				return fmt.Errorf("failed to mark host %d down: %w", h.ID, err)
			}
			logger := log.WithHostID(h.ID)
			logger.Warn().Dur("silent", silent).Msg("Host marked down")
			if m.broker != nil {
				m.broker.Publish(&events.Event{
					Type:     events.EventHostDown,
					Message:  fmt.Sprintf("no heartbeat for %s", silent),
					Metadata: map[string]string{"host_id": strconv.FormatInt(h.ID, 10)},
				})
			}
		case types.HostStatusDown, types.HostStatusRemoved:
		default:
			continue
		}

		n, err := m.ledger.MarkInterruptedByHost(h.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			logger := log.WithHostID(h.ID)
			logger.Info().Int("records", n).Msg("Records pinned to host marked interrupted")
		}
	}
	return nil
}
