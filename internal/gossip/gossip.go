package gossip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/kevklatman/distfs/internal/directory"
	"github.com/kevklatman/distfs/internal/model"
)

// Options configures the gossip agent.
type Options struct {
	NodeID         string
	Address        string
	Region         string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is the payload carried in memberlist node metadata. It is
// size-limited by memberlist, so it stays small.
type nodeMeta struct {
	NodeID  string            `json:"node_id"`
	Address string            `json:"address"`
	Region  string            `json:"region"`
	Metrics model.NodeMetrics `json:"metrics"`
}

// Agent runs a memberlist member that feeds the cluster directory:
// join and metadata updates become registrations and heartbeats, leave
// events remove the node without waiting for heartbeat expiry.
type Agent struct {
	opts      Options
	directory *directory.Directory
	list      *memberlist.Memberlist
	logger    *zap.Logger

	mu   sync.RWMutex
	meta nodeMeta
}

// NewAgent creates and joins a gossip agent.
func NewAgent(opts Options, dir *directory.Directory, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		opts:      opts,
		directory: dir,
		logger:    logger,
		meta: nodeMeta{
			NodeID:  opts.NodeID,
			Address: opts.Address,
			Region:  opts.Region,
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = opts.NodeID
	mlConfig.BindPort = opts.BindPort
	if opts.GossipInterval > 0 {
		mlConfig.GossipInterval = opts.GossipInterval
	}
	if opts.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = opts.ProbeTimeout
	}
	if opts.ProbeInterval > 0 {
		mlConfig.ProbeInterval = opts.ProbeInterval
	}
	mlConfig.Delegate = a
	mlConfig.Events = &eventDelegate{agent: a}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	a.list = ml

	if len(opts.SeedNodes) > 0 {
		if _, err := ml.Join(opts.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	return a, nil
}

// UpdateMetrics refreshes the metrics gossiped in node metadata.
func (a *Agent) UpdateMetrics(m model.NodeMetrics) {
	a.mu.Lock()
	a.meta.Metrics = m
	a.mu.Unlock()

	if err := a.list.UpdateNode(2 * time.Second); err != nil {
		a.logger.Debug("node metadata broadcast failed", zap.Error(err))
	}
}

// Members returns the current member count.
func (a *Agent) Members() int {
	return a.list.NumMembers()
}

// Shutdown leaves the cluster and stops the member.
func (a *Agent) Shutdown() error {
	if err := a.list.Leave(2 * time.Second); err != nil {
		a.logger.Warn("gossip leave failed", zap.Error(err))
	}
	return a.list.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (a *Agent) NodeMeta(limit int) []byte {
	a.mu.RLock()
	data, _ := json.Marshal(a.meta)
	a.mu.RUnlock()
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (a *Agent) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (a *Agent) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate.
func (a *Agent) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate.
func (a *Agent) MergeRemoteState(buf []byte, join bool) {}

// observe folds a peer's gossiped metadata into the directory. Unknown
// nodes are registered, known ones get a heartbeat refresh.
func (a *Agent) observe(node *memberlist.Node) {
	if node.Name == a.opts.NodeID || len(node.Meta) == 0 {
		return
	}

	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		a.logger.Warn("bad gossip node metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return
	}

	if _, ok := a.directory.Get(meta.NodeID); !ok {
		rec := model.NodeRecord{
			NodeID:        meta.NodeID,
			Address:       meta.Address,
			Status:        model.NodeStatusActive,
			Region:        meta.Region,
			LastHeartbeat: time.Now(),
		}
		if err := a.directory.Register(rec); err != nil {
			a.logger.Debug("gossip register skipped",
				zap.String("node_id", meta.NodeID),
				zap.Error(err))
			return
		}
	}
	if err := a.directory.Heartbeat(meta.NodeID, meta.Metrics); err != nil {
		a.logger.Debug("gossip heartbeat skipped",
			zap.String("node_id", meta.NodeID),
			zap.Error(err))
	}
}

type eventDelegate struct {
	agent *Agent
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.agent.logger.Info("node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.agent.observe(node)
}

// NotifyLeave removes the departed node immediately instead of waiting
// for its heartbeat to lapse.
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.agent.logger.Info("node left", zap.String("node_id", node.Name))
	if node.Name != d.agent.opts.NodeID {
		d.agent.directory.Remove(node.Name)
	}
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.agent.observe(node)
}
