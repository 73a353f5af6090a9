package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// applyTimeout bounds how long a replicated write waits for commit
const applyTimeout = 5 * time.Second

// Manager represents a burrow management server node
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *BurrowFSM
	store       *storage.BoltStore
	eventBroker *events.Broker
	logger      zerolog.Logger

	// recordMu serializes read-modify-write of reconcile records on the leader
	recordMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	watchWg  sync.WaitGroup
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	return &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         NewBurrowFSM(store),
		store:       store,
		eventBroker: eventBroker,
		logger:      log.WithComponent("manager"),
		stopCh:      make(chan struct{}),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Management servers share a LAN; fail over well inside one
	// reconciliation period
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

// openRaft starts a raft node on a TCP transport with bolt-backed log and
// stable stores under the data directory
func (m *Manager) openRaft() (raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return "", fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return "", fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return "", fmt.Errorf("failed to create stable store: %w", err)
	}

	if err := m.startRaft(transport, logStore, stableStore, snapshotStore); err != nil {
		return "", err
	}
	return transport.LocalAddr(), nil
}

func (m *Manager) startRaft(transport raft.Transport, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore) error {
	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logs, stable, snaps, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	m.watchWg.Add(1)
	go m.watchLeadership(r.LeaderCh())
	return nil
}

// watchLeadership reports leadership transitions of this node
func (m *Manager) watchLeadership(ch <-chan bool) {
	defer m.watchWg.Done()
	for {
		select {
		case leader := <-ch:
			if leader {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
			m.logger.Info().Bool("leader", leader).Str("node_id", m.nodeID).Msg("Raft leadership changed")
			m.eventBroker.Publish(&events.Event{
				Type:    events.EventLeaderChanged,
				Message: fmt.Sprintf("node %s leader=%t", m.nodeID, leader),
				Metadata: map[string]string{
					"node_id": m.nodeID,
					"leader":  strconv.FormatBool(leader),
				},
			})
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) bootstrap(addr raft.ServerAddress) error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: addr,
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// Bootstrap initializes a new single-node Raft cluster. Restarting a node
// that already has cluster state resumes it instead.
func (m *Manager) Bootstrap() error {
	addr, err := m.openRaft()
	if err != nil {
		return err
	}
	if err := m.bootstrap(addr); err != nil {
		return err
	}
	m.logger.Info().Str("node_id", m.nodeID).Str("addr", string(addr)).Msg("Raft cluster bootstrapped")
	return nil
}

// Join starts raft without bootstrapping. The node takes part in the
// cluster once the leader adds it with AddVoter.
func (m *Manager) Join() error {
	addr, err := m.openRaft()
	if err != nil {
		return err
	}
	m.logger.Info().Str("node_id", m.nodeID).Str("addr", string(addr)).Msg("Raft started, waiting to be added by the leader")
	return nil
}

// WaitForLeader blocks until the cluster has a leader or timeout elapses
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.LeaderAddr() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no raft leader after %s", timeout)
}

// NodeID returns this node's raft server ID
func (m *Manager) NodeID() string {
	return m.nodeID
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.logger.Info().Str("node_id", nodeID).Str("addr", address).Msg("Added voter to cluster")
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	if servers, err := m.GetClusterServers(); err == nil {
		stats["peers"] = uint64(len(servers))
	}

	return stats
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// LocalStore returns the node's local replica. Writing to it directly
// bypasses replication.
func (m *Manager) LocalStore() *storage.BoltStore {
	return m.store
}

// Apply submits a command to the Raft cluster
func (m *Manager) Apply(cmd Command) error {
	_, err := m.applyCommand(cmd)
	return err
}

func (m *Manager) applyCommand(cmd Command) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command %s: %w", cmd.Op, err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) propose(op string, payload interface{}) (interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return m.applyCommand(Command{Op: op, Data: data})
}

// Shutdown stops raft and closes the local store
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.watchWg.Wait()

	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
