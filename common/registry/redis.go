package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "relay:presence:"
	nodeKeyPrefix     = "relay:node:"

	// DefaultNodeTTL is how long a node's entries stay live without a heartbeat.
	DefaultNodeTTL = 30 * time.Second
)

// Redis is a Registry shared by every gateway node.
//
// Each subscriber has one hash, relay:presence:{environment}:{user}, keyed by
// connection id, so concurrent writes for different connections never
// overwrite each other. Every node refreshes a
// liveness key; entries owned by a node whose key has expired are treated as
// gone and pruned on read.
type Redis struct {
	client  *redis.Client
	nodeTTL time.Duration
	logger  *slog.Logger
}

// RedisOption configures a Redis registry.
type RedisOption func(*Redis)

// WithNodeTTL sets the node liveness window.
func WithNodeTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.nodeTTL = ttl
		}
	}
}

// WithLogger sets the logger used for pruning diagnostics.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, nodeTTL: DefaultNodeTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromURL connects to redisURL and verifies the connection.
func NewRedisFromURL(ctx context.Context, redisURL string, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client, opts...), nil
}

func presenceKey(key Key) string {
	return presenceKeyPrefix + key.EnvironmentID + ":" + key.UserID
}

func nodeKey(nodeID string) string { return nodeKeyPrefix + nodeID }

// Heartbeat marks nodeID as alive for the node TTL.
func (r *Redis) Heartbeat(ctx context.Context, nodeID string) error {
	if err := r.client.Set(ctx, nodeKey(nodeID), time.Now().Unix(), r.nodeTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat node %s: %w", nodeID, err)
	}
	return nil
}

// RetireNode drops the liveness key of nodeID so its remaining entries are
// pruned by the next reader.
func (r *Redis) RetireNode(ctx context.Context, nodeID string) error {
	return r.client.Del(ctx, nodeKey(nodeID)).Err()
}

// Register prunes entries left by dead nodes first so they do not inflate
// the returned count, then writes the entry and reads the hash length in
// one transaction.
func (r *Redis) Register(ctx context.Context, conn Connection) (int, error) {
	if err := conn.validate(); err != nil {
		return 0, err
	}
	b, err := json.Marshal(conn)
	if err != nil {
		return 0, fmt.Errorf("marshal connection: %w", err)
	}
	key := conn.Key()
	if _, err := r.Connections(ctx, key); err != nil {
		return 0, err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(key), conn.ID, b)
	count := pipe.HLen(ctx, presenceKey(key))
	pipe.Set(ctx, nodeKey(conn.NodeID), time.Now().Unix(), r.nodeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("register connection %s: %w", conn.ID, err)
	}
	return int(count.Val()), nil
}

func (r *Redis) Deregister(ctx context.Context, key Key, connID string) (bool, error) {
	n, err := r.client.HDel(ctx, presenceKey(key), connID).Result()
	if err != nil {
		return false, fmt.Errorf("deregister connection %s: %w", connID, err)
	}
	return n > 0, nil
}

func (r *Redis) Connections(ctx context.Context, key Key) ([]Connection, error) {
	raw, err := r.client.HGetAll(ctx, presenceKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	conns := make([]Connection, 0, len(raw))
	var stale []string
	nodes := make(map[string]bool)
	for field, value := range raw {
		var c Connection
		if err := json.Unmarshal([]byte(value), &c); err != nil {
			stale = append(stale, field)
			continue
		}
		conns = append(conns, c)
		nodes[c.NodeID] = false
	}

	if err := r.liveNodes(ctx, nodes); err != nil {
		return nil, err
	}

	live := conns[:0]
	for _, c := range conns {
		if nodes[c.NodeID] {
			live = append(live, c)
		} else {
			stale = append(stale, c.ID)
		}
	}

	if len(stale) > 0 {
		if err := r.client.HDel(ctx, presenceKey(key), stale...).Err(); err != nil {
			r.logger.Warn("failed to prune stale connections",
				"environment_id", key.EnvironmentID, "user_id", key.UserID, "count", len(stale), "error", err)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

func (r *Redis) liveNodes(ctx context.Context, nodes map[string]bool) error {
	if len(nodes) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(nodes))
	for id := range nodes {
		cmds[id] = pipe.Exists(ctx, nodeKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("check node liveness: %w", err)
	}
	for id, cmd := range cmds {
		nodes[id] = cmd.Val() > 0
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, key Key) (bool, error) {
	conns, err := r.Connections(ctx, key)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}

// Ping checks the redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
