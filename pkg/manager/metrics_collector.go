package manager

import (
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// MetricsCollector refreshes gauges derived from replicated state
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *MetricsCollector) collect() {
	c.collectLedgerMetrics()
	c.collectHostMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectLedgerMetrics() {
	records, err := c.manager.ListReconcileRecords()
	if err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
		return
	}
	metrics.UpdateComponent("storage", true, "")

	counts := make(map[types.ManagementState]int)
	for _, rec := range records {
		counts[rec.StateByManagement]++
	}

	// Report every state so drained states drop back to zero
	for _, state := range []types.ManagementState{
		types.StateCreated,
		types.StateReconciling,
		types.StateReconcileRetry,
		types.StateReconcileFailed,
		types.StateReconciled,
		types.StateReconcileSkipped,
		types.StateInterrupted,
		types.StateTimedOut,
	} {
		metrics.LedgerRecords.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *MetricsCollector) collectHostMetrics() {
	hosts, err := c.manager.ListHosts()
	if err != nil {
		return
	}

	counts := map[types.HostStatus]int{
		types.HostStatusUp:           0,
		types.HostStatusDown:         0,
		types.HostStatusDisconnected: 0,
		types.HostStatusRemoved:      0,
	}
	for _, h := range hosts {
		counts[h.Status]++
	}

	for status, count := range counts {
		metrics.HostsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	leader := c.manager.LeaderAddr()
	metrics.UpdateComponent("raft", leader != "", "no raft leader")

	stats := c.manager.GetRaftStats()
	if stats != nil {
		if lastIndex, ok := stats["last_log_index"].(uint64); ok {
			metrics.RaftLogIndex.Set(float64(lastIndex))
		}
		if appliedIndex, ok := stats["applied_index"].(uint64); ok {
			metrics.RaftAppliedIndex.Set(float64(appliedIndex))
		}
		if peers, ok := stats["peers"].(uint64); ok {
			metrics.RaftPeers.Set(float64(peers))
		}
	}
}
