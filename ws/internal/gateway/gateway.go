// Package gateway holds the live client connections of one node and
// delivers events to them, forwarding to other nodes through a Relay when
// the subscriber is connected elsewhere. Rooms are keyed by environment
// and subscriber id, since subscriber ids repeat across environments.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/registry"
	"github.com/inboxrelay/relay/ws/internal/metrics"
)

var (
	ErrClosed        = errors.New("gateway: closed")
	ErrMissingUserID = errors.New("gateway: user id is required")
	ErrMissingEnv    = errors.New("gateway: environment id is required")
)

const (
	DefaultSendTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Conn is one client transport session.
type Conn interface {
	// Send writes env to the client. It must honour ctx's deadline.
	Send(ctx context.Context, env models.Envelope) error
	Close() error
}

// Heartbeater is implemented by registries whose entries expire unless the
// owning node keeps reporting in.
type Heartbeater interface {
	Heartbeat(ctx context.Context, nodeID string) error
	RetireNode(ctx context.Context, nodeID string) error
}

// PresenceHook observes a user's first connect and last disconnect.
type PresenceHook func(ctx context.Context, change models.PresenceChange)

// Handle identifies a registered connection.
type Handle struct {
	ID            string
	UserID        string
	TenantID      string
	EnvironmentID string

	conn Conn
	once sync.Once
}

func (h *Handle) key() registry.Key {
	return registry.Key{EnvironmentID: h.EnvironmentID, UserID: h.UserID}
}

// Gateway owns the connections of one node.
type Gateway struct {
	nodeID            string
	registry          registry.Registry
	logger            *slog.Logger
	sendTimeout       time.Duration
	heartbeatInterval time.Duration
	presence          PresenceHook

	mu      sync.RWMutex
	users   map[registry.Key]map[string]*Handle
	tenants map[string]map[string]*Handle
	relay   Relay
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logging.OrDefault(l) }
}

// WithSendTimeout bounds each per-connection send.
func WithSendTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.sendTimeout = d
		}
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.heartbeatInterval = d
		}
	}
}

func WithPresenceHook(h PresenceHook) Option {
	return func(g *Gateway) { g.presence = h }
}

// New returns a Gateway for nodeID backed by reg.
func New(nodeID string, reg registry.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		nodeID:            nodeID,
		registry:          reg,
		logger:            slog.Default(),
		sendTimeout:       DefaultSendTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		users:             make(map[registry.Key]map[string]*Handle),
		tenants:           make(map[string]map[string]*Handle),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logging.NodeID(nodeID))
	return g
}

// NodeID returns the id this gateway registers connections under.
func (g *Gateway) NodeID() string { return g.nodeID }

// AttachRelay connects the gateway to other nodes. Deliveries addressed to
// this node are handed back to DeliverLocal.
func (g *Gateway) AttachRelay(r Relay) error {
	if err := r.Listen(g); err != nil {
		return err
	}
	g.mu.Lock()
	g.relay = r
	g.mu.Unlock()
	return nil
}

func validKey(environmentID, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if environmentID == "" {
		return ErrMissingEnv
	}
	return nil
}

// Register adds conn to the room of (environmentID, userID) and records it
// in the registry.
func (g *Gateway) Register(ctx context.Context, conn Conn, environmentID, userID, tenantID string) (*Handle, error) {
	if err := validKey(environmentID, userID); err != nil {
		return nil, err
	}

	h := &Handle{
		ID:            uuid.NewString(),
		UserID:        userID,
		TenantID:      tenantID,
		EnvironmentID: environmentID,
		conn:          conn,
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	addHandle(g.users, h.key(), h)
	if tenantID != "" {
		addHandle(g.tenants, tenantID, h)
	}
	g.mu.Unlock()

	live, err := g.registry.Register(ctx, registry.Connection{
		ID:            h.ID,
		UserID:        userID,
		EnvironmentID: environmentID,
		TenantID:      tenantID,
		NodeID:        g.nodeID,
		ConnectedAt:   time.Now().UTC(),
	})
	if err != nil {
		g.mu.Lock()
		g.removeLocal(h)
		g.mu.Unlock()
		metrics.RegistryErrors.WithLabelValues("register").Inc()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.WithLabelValues("registered").Inc()
	g.logger.Debug("connection registered",
		logging.ConnectionID(h.ID), logging.SubscriberID(userID),
		logging.EnvironmentID(environmentID), logging.TenantID(tenantID))

	// The registry counts atomically with the write, so only the first live
	// connection across all nodes flips the subscriber online.
	if live == 1 {
		g.notifyPresence(ctx, h, true)
	}
	return h, nil
}

// Deregister removes h from its room and closes the underlying connection.
// Calling it more than once is a no-op.
func (g *Gateway) Deregister(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		g.mu.Lock()
		g.removeLocal(h)
		g.mu.Unlock()

		if _, err := g.registry.Deregister(ctx, h.key(), h.ID); err != nil {
			metrics.RegistryErrors.WithLabelValues("deregister").Inc()
			g.logger.Warn("failed to deregister connection",
				logging.ConnectionID(h.ID), logging.SubscriberID(h.UserID), logging.Error(err))
		}
		_ = h.conn.Close()

		metrics.ConnectionsActive.Dec()
		metrics.ConnectionsTotal.WithLabelValues("deregistered").Inc()
		g.logger.Debug("connection deregistered",
			logging.ConnectionID(h.ID), logging.SubscriberID(h.UserID))

		if g.presence != nil {
			online, err := g.registry.IsOnline(ctx, h.key())
			if err == nil && !online {
				g.notifyPresence(ctx, h, false)
			}
		}
	})
}

func (g *Gateway) notifyPresence(ctx context.Context, h *Handle, online bool) {
	if g.presence == nil {
		return
	}
	g.presence(ctx, models.PresenceChange{
		SubscriberID:   h.UserID,
		EnvironmentID:  h.EnvironmentID,
		OrganizationID: h.TenantID,
		Online:         online,
		At:             time.Now().UTC(),
		NodeID:         g.nodeID,
	})
}

// IsOnline reports whether the subscriber has a live connection on any node.
func (g *Gateway) IsOnline(ctx context.Context, environmentID, userID string) (bool, error) {
	if err := validKey(environmentID, userID); err != nil {
		return false, err
	}
	online, err := g.registry.IsOnline(ctx, registry.Key{EnvironmentID: environmentID, UserID: userID})
	if err != nil {
		metrics.RegistryErrors.WithLabelValues("is_online").Inc()
		return false, err
	}
	return online, nil
}

// SendToUser pushes an event to every live connection of the subscriber and
// returns how many connections were reached. Per-connection failures are
// logged and the failing connection is torn down; they never fail the call.
func (g *Gateway) SendToUser(ctx context.Context, environmentID, userID string, kind models.EventKind, data models.EventData) (int, error) {
	if err := validKey(environmentID, userID); err != nil {
		return 0, err
	}
	key := registry.Key{EnvironmentID: environmentID, UserID: userID}

	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return 0, ErrClosed
	}
	local := handlesOf(g.users[key])
	relay := g.relay
	g.mu.RUnlock()

	env := models.Envelope{Event: kind, Data: data}
	delivered := g.sendAll(ctx, local, env)

	if relay == nil {
		return delivered, nil
	}

	conns, err := g.registry.Connections(ctx, key)
	if err != nil {
		metrics.RegistryErrors.WithLabelValues("connections").Inc()
		g.logger.Warn("registry lookup failed, delivering locally only",
			logging.SubscriberID(userID), logging.EnvironmentID(environmentID),
			logging.Event(string(kind)), logging.Error(err))
		return delivered, nil
	}

	byNode := make(map[string][]string)
	for _, c := range conns {
		if c.NodeID == g.nodeID {
			continue
		}
		byNode[c.NodeID] = append(byNode[c.NodeID], c.ID)
	}
	for nodeID, ids := range byNode {
		d := Delivery{
			UserID:        userID,
			EnvironmentID: environmentID,
			ConnectionIDs: ids,
			Envelope:      env,
			Origin:        g.nodeID,
		}
		if err := relay.Deliver(ctx, nodeID, d); err != nil {
			metrics.RelayErrors.WithLabelValues("deliver").Inc()
			g.logger.Warn("failed to relay event",
				logging.SubscriberID(userID), logging.NodeID(nodeID), logging.Event(string(kind)), logging.Error(err))
			continue
		}
		delivered += len(ids)
		metrics.DeliveriesTotal.WithLabelValues(string(kind), "relayed").Add(float64(len(ids)))
	}

	return delivered, nil
}

// BroadcastToTenant pushes an event to every connection of tenantID on this
// node and asks the other nodes to do the same. It returns the local count.
func (g *Gateway) BroadcastToTenant(ctx context.Context, tenantID string, kind models.EventKind, data models.EventData) (int, error) {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return 0, ErrClosed
	}
	local := handlesOf(g.tenants[tenantID])
	relay := g.relay
	g.mu.RUnlock()

	env := models.Envelope{Event: kind, Data: data}
	delivered := g.sendAll(ctx, local, env)

	if relay != nil {
		if err := relay.Broadcast(ctx, Delivery{TenantID: tenantID, Envelope: env, Origin: g.nodeID}); err != nil {
			metrics.RelayErrors.WithLabelValues("broadcast").Inc()
			g.logger.Warn("failed to relay tenant broadcast",
				logging.TenantID(tenantID), logging.Event(string(kind)), logging.Error(err))
		}
	}
	return delivered, nil
}

// DeliverLocal sends a relayed delivery to the matching connections of this
// node. Broadcasts originating here are ignored.
func (g *Gateway) DeliverLocal(ctx context.Context, d Delivery) int {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return 0
	}
	var targets []*Handle
	switch {
	case d.UserID != "":
		set := g.users[registry.Key{EnvironmentID: d.EnvironmentID, UserID: d.UserID}]
		if len(d.ConnectionIDs) == 0 {
			targets = handlesOf(set)
		}
		for _, id := range d.ConnectionIDs {
			if h, ok := set[id]; ok {
				targets = append(targets, h)
			}
		}
	case d.TenantID != "" && d.Origin != g.nodeID:
		targets = handlesOf(g.tenants[d.TenantID])
	}
	g.mu.RUnlock()

	return g.sendAll(ctx, targets, d.Envelope)
}

// sendAll writes env to every handle in parallel, each bounded by the send
// timeout, and tears down the ones that fail.
func (g *Gateway) sendAll(ctx context.Context, handles []*Handle, env models.Envelope) int {
	if len(handles) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, g.sendTimeout)
			defer cancel()

			start := time.Now()
			err := h.conn.Send(sendCtx, env)
			metrics.SendDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.DeliveriesTotal.WithLabelValues(string(env.Event), "failed").Inc()
				g.logger.Warn("send failed, closing connection",
					logging.ConnectionID(h.ID), logging.SubscriberID(h.UserID), logging.TenantID(h.TenantID),
					logging.Event(string(env.Event)), logging.Error(err))
				g.Deregister(context.WithoutCancel(ctx), h)
				return
			}
			delivered.Add(1)
			metrics.DeliveriesTotal.WithLabelValues(string(env.Event), "delivered").Inc()
		}(h)
	}
	wg.Wait()
	return int(delivered.Load())
}

// LocalConnections returns the number of connections held by this node.
func (g *Gateway) LocalConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.users {
		n += len(set)
	}
	return n
}

// Start runs the node heartbeat until ctx is done or the gateway closes. It
// is a no-op when the registry does not expire entries.
func (g *Gateway) Start(ctx context.Context) {
	hb, ok := g.registry.(Heartbeater)
	if !ok {
		return
	}
	beat := func() {
		if err := hb.Heartbeat(ctx, g.nodeID); err != nil && ctx.Err() == nil {
			metrics.RegistryErrors.WithLabelValues("heartbeat").Inc()
			g.logger.Warn("node heartbeat failed", logging.Error(err))
		}
	}
	beat()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.done:
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
}

// Close deregisters every local connection, retires the node and detaches
// the relay. The gateway rejects further work afterwards.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	var all []*Handle
	for _, set := range g.users {
		all = append(all, handlesOf(set)...)
	}
	relay := g.relay
	g.relay = nil
	g.mu.Unlock()

	for _, h := range all {
		g.Deregister(ctx, h)
	}

	var errs []error
	if hb, ok := g.registry.(Heartbeater); ok {
		errs = append(errs, hb.RetireNode(ctx, g.nodeID))
	}
	if relay != nil {
		errs = append(errs, relay.Close())
	}
	g.wg.Wait()

	g.logger.Info("gateway closed", slog.Int("connections", len(all)))
	return errors.Join(errs...)
}

func (g *Gateway) removeLocal(h *Handle) {
	removeHandle(g.users, h.key(), h.ID)
	if h.TenantID != "" {
		removeHandle(g.tenants, h.TenantID, h.ID)
	}
}

func addHandle[K comparable](m map[K]map[string]*Handle, key K, h *Handle) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]*Handle)
		m[key] = set
	}
	set[h.ID] = h
}

func removeHandle[K comparable](m map[K]map[string]*Handle, key K, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func handlesOf(set map[string]*Handle) []*Handle {
	out := make([]*Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}
