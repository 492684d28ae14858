package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

const testEnv = "env-test"

func fakeConn(userID, nodeID string) Connection {
	return Connection{
		ID:            gofakeit.UUID(),
		UserID:        userID,
		EnvironmentID: testEnv,
		TenantID:      gofakeit.UUID(),
		NodeID:        nodeID,
		ConnectedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func userKey(userID string) Key { return Key{EnvironmentID: testEnv, UserID: userID} }

func register(t *testing.T, reg Registry, c Connection) int {
	t.Helper()
	n, err := reg.Register(context.Background(), c)
	require.NoError(t, err)
	return n
}

// registryContract runs the behaviour every Registry must share.
func registryContract(t *testing.T, newRegistry func(t *testing.T) Registry) {
	ctx := context.Background()

	t.Run("register and list", func(t *testing.T) {
		reg := newRegistry(t)
		user := gofakeit.UUID()
		a, b := fakeConn(user, "node-a"), fakeConn(user, "node-b")

		assert.Equal(t, 1, register(t, reg, a))
		assert.Equal(t, 2, register(t, reg, b))

		conns, err := reg.Connections(ctx, userKey(user))
		require.NoError(t, err)
		assert.ElementsMatch(t, []Connection{a, b}, conns)

		online, err := reg.IsOnline(ctx, userKey(user))
		require.NoError(t, err)
		assert.True(t, online)
	})

	t.Run("unknown user is offline", func(t *testing.T) {
		reg := newRegistry(t)
		online, err := reg.IsOnline(ctx, userKey(gofakeit.UUID()))
		require.NoError(t, err)
		assert.False(t, online)

		conns, err := reg.Connections(ctx, userKey(gofakeit.UUID()))
		require.NoError(t, err)
		assert.Empty(t, conns)
	})

	t.Run("deregister is idempotent", func(t *testing.T) {
		reg := newRegistry(t)
		c := fakeConn(gofakeit.UUID(), "node-a")
		register(t, reg, c)

		removed, err := reg.Deregister(ctx, c.Key(), c.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = reg.Deregister(ctx, c.Key(), c.ID)
		require.NoError(t, err)
		assert.False(t, removed)

		online, err := reg.IsOnline(ctx, c.Key())
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("deregister keeps other connections", func(t *testing.T) {
		reg := newRegistry(t)
		user := gofakeit.UUID()
		a, b := fakeConn(user, "node-a"), fakeConn(user, "node-a")
		register(t, reg, a)
		register(t, reg, b)

		_, err := reg.Deregister(ctx, userKey(user), a.ID)
		require.NoError(t, err)

		conns, err := reg.Connections(ctx, userKey(user))
		require.NoError(t, err)
		assert.Equal(t, []Connection{b}, conns)
	})

	t.Run("concurrent register and deregister", func(t *testing.T) {
		reg := newRegistry(t)
		user := gofakeit.UUID()

		keep := make([]Connection, 20)
		drop := make([]Connection, 20)
		for i := range keep {
			keep[i] = fakeConn(user, "node-a")
			drop[i] = fakeConn(user, "node-b")
			register(t, reg, drop[i])
		}

		var wg sync.WaitGroup
		for i := range keep {
			wg.Add(2)
			go func(c Connection) {
				defer wg.Done()
				_, err := reg.Register(ctx, c)
				assert.NoError(t, err)
			}(keep[i])
			go func(c Connection) {
				defer wg.Done()
				_, err := reg.Deregister(ctx, c.Key(), c.ID)
				assert.NoError(t, err)
			}(drop[i])
		}
		wg.Wait()

		conns, err := reg.Connections(ctx, userKey(user))
		require.NoError(t, err)
		assert.ElementsMatch(t, keep, conns)
	})

	t.Run("concurrent first connections count once", func(t *testing.T) {
		reg := newRegistry(t)
		user := gofakeit.UUID()

		const n = 10
		counts := make(chan int, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := reg.Register(ctx, fakeConn(user, "node-a"))
				assert.NoError(t, err)
				counts <- c
			}()
		}
		wg.Wait()
		close(counts)

		var seen []int
		for c := range counts {
			seen = append(seen, c)
		}
		assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
	})

	t.Run("environments with the same subscriber id stay apart", func(t *testing.T) {
		reg := newRegistry(t)
		a := fakeConn("alice", "node-a")
		a.EnvironmentID = "env-a"
		b := fakeConn("alice", "node-a")
		b.EnvironmentID = "env-b"

		assert.Equal(t, 1, register(t, reg, a))
		assert.Equal(t, 1, register(t, reg, b))

		conns, err := reg.Connections(ctx, Key{EnvironmentID: "env-a", UserID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, []Connection{a}, conns)

		_, err = reg.Deregister(ctx, a.Key(), a.ID)
		require.NoError(t, err)

		online, err := reg.IsOnline(ctx, a.Key())
		require.NoError(t, err)
		assert.False(t, online)
		online, err = reg.IsOnline(ctx, b.Key())
		require.NoError(t, err)
		assert.True(t, online)

		online, err = reg.IsOnline(ctx, Key{EnvironmentID: "env-c", UserID: "alice"})
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("rejects incomplete connection", func(t *testing.T) {
		reg := newRegistry(t)
		for _, c := range []Connection{
			{ID: "x", EnvironmentID: "e"},
			{UserID: "u", EnvironmentID: "e"},
			{ID: "x", UserID: "u"},
		} {
			_, err := reg.Register(ctx, c)
			assert.ErrorIs(t, err, ErrInvalidConnection)
		}
	})
}

func TestMemoryRegistry(t *testing.T) {
	registryContract(t, func(t *testing.T) Registry { return NewMemory() })
}

func TestRedisRegistry(t *testing.T) {
	registryContract(t, func(t *testing.T) Registry {
		_, client := setupTestRedis(t)
		return NewRedis(client)
	})
}

func TestRedisRegistry_PrunesDeadNodes(t *testing.T) {
	mr, client := setupTestRedis(t)
	reg := NewRedis(client, WithNodeTTL(10*time.Second))
	ctx := context.Background()
	user := gofakeit.UUID()

	dead := fakeConn(user, "node-dead")
	live := fakeConn(user, "node-live")
	register(t, reg, dead)
	register(t, reg, live)

	mr.FastForward(11 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "node-live"))

	conns, err := reg.Connections(ctx, userKey(user))
	require.NoError(t, err)
	assert.Equal(t, []Connection{live}, conns)

	// the dead entry is gone from the hash, not only filtered
	keys, err := mr.HKeys(presenceKey(userKey(user)))
	require.NoError(t, err)
	assert.Equal(t, []string{live.ID}, keys)
}

func TestRedisRegistry_KeyIncludesEnvironment(t *testing.T) {
	mr, client := setupTestRedis(t)
	reg := NewRedis(client)

	c := fakeConn("alice", "node-a")
	c.EnvironmentID = "env-a"
	register(t, reg, c)

	assert.True(t, mr.Exists("relay:presence:env-a:alice"))
	assert.False(t, mr.Exists("relay:presence:alice"))
}

func TestRedisRegistry_DeadEntriesDoNotCountOnRegister(t *testing.T) {
	mr, client := setupTestRedis(t)
	reg := NewRedis(client, WithNodeTTL(10*time.Second))
	user := gofakeit.UUID()

	register(t, reg, fakeConn(user, "node-dead"))
	mr.FastForward(11 * time.Second)

	assert.Equal(t, 1, register(t, reg, fakeConn(user, "node-live")))
}

func TestRedisRegistry_RetireNode(t *testing.T) {
	_, client := setupTestRedis(t)
	reg := NewRedis(client)
	ctx := context.Background()

	c := fakeConn(gofakeit.UUID(), "node-a")
	register(t, reg, c)
	require.NoError(t, reg.RetireNode(ctx, "node-a"))

	online, err := reg.IsOnline(ctx, c.Key())
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisRegistry_SkipsCorruptEntries(t *testing.T) {
	mr, client := setupTestRedis(t)
	reg := NewRedis(client)
	ctx := context.Background()

	c := fakeConn(gofakeit.UUID(), "node-a")
	register(t, reg, c)
	mr.HSet(presenceKey(c.Key()), "garbage", "{not json")

	conns, err := reg.Connections(ctx, c.Key())
	require.NoError(t, err)
	assert.Equal(t, []Connection{c}, conns)
	assert.Empty(t, mr.HGet(presenceKey(c.Key()), "garbage"))
}

func TestNewRedisFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	reg, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NoError(t, reg.Ping(context.Background()))
	require.NoError(t, reg.Close())

	_, err = NewRedisFromURL(context.Background(), "not a url")
	assert.Error(t, err)
}
