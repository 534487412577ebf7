package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/pkg/logging"
	pkgredis "github.com/AxonStream/axonpuls/pkg/redis"
)

const (
	registryKey   = "axonpuls:servers:registry"
	activeKey     = "axonpuls:servers:active"
	eventsChannel = "axonpuls:server:events"

	// HeartbeatInterval is how often a node refreshes its registry entry.
	HeartbeatInterval = 30 * time.Second
	// ReapInterval is how often each node sweeps for dead peers.
	ReapInterval = 60 * time.Second
	// NodeTTL is how stale a heartbeat may be before a peer is declared dead.
	NodeTTL = 90 * time.Second
)

// ServerEventType enumerates cluster lifecycle events.
type ServerEventType string

const (
	EventServerStarted  ServerEventType = "server_started"
	EventServerDraining ServerEventType = "server_draining"
	EventServerStopped  ServerEventType = "server_stopped"
	EventServerDied     ServerEventType = "server_died"
	// EventHealthAlert is published by the health monitor on the same
	// channel so operators watch one stream for cluster trouble.
	EventHealthAlert ServerEventType = "health_alert"
)

// ServerEvent is the payload broadcast on the server events channel.
type ServerEvent struct {
	Type    ServerEventType `json:"type"`
	NodeID  string          `json:"node_id"`
	At      int64           `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewNodeID builds the cluster-unique node identity.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "axonpuls"
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// Registry keeps this node's entry fresh in the shared KV and answers
// placement queries over the whole cluster. Entries live in one hash so a
// single HGETALL sees the cluster; the active set is the fast membership
// check for placement.
type Registry struct {
	client  goredis.UniversalClient
	pubsub  *pkgredis.TypedPubSub[ServerEvent]
	logger  logging.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	self *models.ServerNode

	now func() time.Time
}

func New(client goredis.UniversalClient, logger logging.Logger, m *metrics.Metrics, self *models.ServerNode) *Registry {
	return &Registry{
		client:  client,
		pubsub:  pkgredis.NewTypedPubSub[ServerEvent](client, logger),
		logger:  logger,
		metrics: m,
		self:    self,
		now:     time.Now,
	}
}

// Self returns a copy of this node's current entry.
func (r *Registry) Self() models.ServerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.self
}

// SetConnections lets the gateway report its current socket count for
// placement decisions.
func (r *Registry) SetConnections(n int) {
	r.mu.Lock()
	r.self.Connections = n
	r.mu.Unlock()
}

// Register announces this node to the cluster.
func (r *Registry) Register(ctx context.Context) error {
	now := r.now()
	r.mu.Lock()
	r.self.Status = models.NodeActive
	r.self.StartedAt = now
	r.self.LastHeartbeat = now
	nodeID := r.self.ID
	r.mu.Unlock()

	if err := r.writeSelf(ctx); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, activeKey, nodeID).Err(); err != nil {
		return fmt.Errorf("%w: join active set: %v", models.ErrTransient, err)
	}
	r.publish(ctx, EventServerStarted, nodeID, nil)
	r.logger.WithField("node_id", nodeID).Info("Registered in server registry")
	return nil
}

// Heartbeat refreshes this node's entry. Called on a 30 second cadence.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	r.self.LastHeartbeat = r.now()
	r.mu.Unlock()
	return r.writeSelf(ctx)
}

// Drain marks this node as draining so placement stops sending it work. The
// registry entry stays visible until Deregister for operators watching the
// shutdown.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.self.Status = models.NodeDraining
	nodeID := r.self.ID
	r.mu.Unlock()

	if err := r.client.SRem(ctx, activeKey, nodeID).Err(); err != nil {
		return fmt.Errorf("%w: leave active set: %v", models.ErrTransient, err)
	}
	if err := r.writeSelf(ctx); err != nil {
		return err
	}
	r.publish(ctx, EventServerDraining, nodeID, nil)
	return nil
}

// Deregister removes this node from the cluster on clean shutdown.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.RLock()
	nodeID := r.self.ID
	r.mu.RUnlock()

	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, registryKey, nodeID)
	pipe.SRem(ctx, activeKey, nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: deregister: %v", models.ErrTransient, err)
	}
	r.publish(ctx, EventServerStopped, nodeID, nil)
	return nil
}

// Nodes lists every registry entry, dead or alive.
func (r *Registry) Nodes(ctx context.Context) ([]*models.ServerNode, error) {
	entries, err := r.client.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read registry: %v", models.ErrTransient, err)
	}
	nodes := make([]*models.ServerNode, 0, len(entries))
	for id, raw := range entries {
		var node models.ServerNode
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			r.logger.WithError(err).WithField("node_id", id).Warn("Dropping malformed registry entry")
			continue
		}
		nodes = append(nodes, &node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ActiveNodes lists nodes that are in the active set, report active status
// and have heartbeated within the TTL.
func (r *Registry) ActiveNodes(ctx context.Context) ([]*models.ServerNode, error) {
	members, err := r.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read active set: %v", models.ErrTransient, err)
	}
	active := make(map[string]bool, len(members))
	for _, id := range members {
		active[id] = true
	}

	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-NodeTTL)
	out := nodes[:0]
	for _, node := range nodes {
		if active[node.ID] && node.Status == models.NodeActive && node.LastHeartbeat.After(cutoff) {
			out = append(out, node)
		}
	}
	return out, nil
}

// GetBestNode picks where to place the next connection: the least loaded
// active node with spare capacity, falling back to the least loaded active
// node when every one is past the soft ceiling. Draining and dead nodes are
// never candidates.
func (r *Registry) GetBestNode(ctx context.Context) (*models.ServerNode, error) {
	nodes, err := r.ActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no active nodes", models.ErrNotFound)
	}

	var best, fallback *models.ServerNode
	for _, node := range nodes {
		if fallback == nil || node.Load() < fallback.Load() {
			fallback = node
		}
		if !node.HasCapacity() {
			continue
		}
		if best == nil || node.Load() < best.Load() {
			best = node
		}
	}
	if best != nil {
		return best, nil
	}
	return fallback, nil
}

// Reap sweeps peers whose heartbeat is older than the TTL, removes them and
// announces their death so gateways can trigger client failover.
func (r *Registry) Reap(ctx context.Context) (int, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-NodeTTL)
	reaped := 0
	for _, node := range nodes {
		if node.ID == r.Self().ID || !node.LastHeartbeat.Before(cutoff) {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.HDel(ctx, registryKey, node.ID)
		pipe.SRem(ctx, activeKey, node.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.WithError(err).WithField("node_id", node.ID).Warn("Failed to reap dead node")
			continue
		}
		r.publish(ctx, EventServerDied, node.ID, nil)
		r.logger.WithFields(logging.Fields{
			"node_id":        node.ID,
			"last_heartbeat": node.LastHeartbeat,
		}).Warn("Reaped dead server node")
		reaped++
	}
	return reaped, nil
}

// PublishEvent lets other components (health monitor) share the channel.
func (r *Registry) PublishEvent(ctx context.Context, ev ServerEvent) error {
	if ev.At == 0 {
		ev.At = r.now().UnixMilli()
	}
	if err := r.pubsub.Publish(ctx, eventsChannel, ev); err != nil {
		return fmt.Errorf("%w: publish server event: %v", models.ErrTransient, err)
	}
	if r.metrics != nil {
		r.metrics.ServerEvents.WithLabelValues(string(ev.Type)).Inc()
	}
	return nil
}

// SubscribeEvents consumes the server events channel until ctx ends.
func (r *Registry) SubscribeEvents(ctx context.Context, handler func(ServerEvent)) error {
	return r.pubsub.Subscribe(ctx, eventsChannel, handler)
}

// Run keeps the registry entry fresh and the cluster swept until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	reap := time.NewTicker(ReapInterval)
	defer heartbeat.Stop()
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.WithError(err).Warn("Registry heartbeat failed")
			}
			r.refreshGauges(ctx)
		case <-reap.C:
			if _, err := r.Reap(ctx); err != nil {
				r.logger.WithError(err).Warn("Registry reap failed")
			}
		}
	}
}

func (r *Registry) writeSelf(ctx context.Context) error {
	r.mu.RLock()
	payload, err := json.Marshal(r.self)
	nodeID := r.self.ID
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal registry entry: %w", err)
	}
	if err := r.client.HSet(ctx, registryKey, nodeID, payload).Err(); err != nil {
		return fmt.Errorf("%w: write registry entry: %v", models.ErrTransient, err)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, eventType ServerEventType, nodeID string, payload json.RawMessage) {
	ev := ServerEvent{Type: eventType, NodeID: nodeID, At: r.now().UnixMilli(), Payload: payload}
	if err := r.PublishEvent(ctx, ev); err != nil {
		r.logger.WithError(err).WithField("type", string(eventType)).Warn("Failed to publish server event")
	}
}

func (r *Registry) refreshGauges(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return
	}
	counts := map[models.NodeStatus]int{}
	for _, node := range nodes {
		counts[node.Status]++
	}
	for _, status := range []models.NodeStatus{models.NodeActive, models.NodeDraining, models.NodeInactive} {
		r.metrics.RegistryNodes.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
