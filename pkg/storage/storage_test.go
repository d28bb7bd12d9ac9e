// Contract tests run against every backend through the backends helper,
// so the memory and Redis implementations stay behaviorally identical.
package storage

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFixture struct {
	name    string
	backend Backend
	mr      *miniredis.Miniredis // nil for memory
}

func backends(t *testing.T) []backendFixture {
	t.Helper()

	mem := NewMemoryBackend(WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rb := NewRedisBackendWithClient(client, RedisConfig{KeyPrefix: "test:"})
	t.Cleanup(func() { _ = rb.Close() })

	return []backendFixture{
		{name: "memory", backend: mem},
		{name: "redis", backend: rb, mr: mr},
	}
}

func TestSetGetDelete(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := fx.backend.Set(ctx, "k1", []byte("v1"), SetOptions{})
			require.NoError(t, err)
			require.True(t, ok)

			val, err := fx.backend.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), val)

			existed, err := fx.backend.Delete(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, existed)

			val, err = fx.backend.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Nil(t, val, "deleted key must read as nil")

			existed, err = fx.backend.Delete(ctx, "k1")
			require.NoError(t, err)
			assert.False(t, existed, "delete is idempotent")
		})
	}
}

func TestConditionalSet(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := fx.backend.Set(ctx, "cond", []byte("a"), SetOptions{IfExists: true})
			require.NoError(t, err)
			assert.False(t, ok, "XX write on absent key must not apply")

			ok, err = fx.backend.Set(ctx, "cond", []byte("a"), SetOptions{IfNotExists: true})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = fx.backend.Set(ctx, "cond", []byte("b"), SetOptions{IfNotExists: true})
			require.NoError(t, err)
			assert.False(t, ok, "NX write on present key must not apply")

			val, err := fx.backend.Get(ctx, "cond")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), val)

			ok, err = fx.backend.Set(ctx, "cond", []byte("c"), SetOptions{IfExists: true})
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestTTLAndExpire(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := fx.backend.Set(ctx, "ttl", []byte("v"), SetOptions{TTL: time.Minute})
			require.NoError(t, err)

			d, ok, err := fx.backend.TTL(ctx, "ttl")
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, time.Minute.Seconds(), d.Seconds(), 5)

			ok, err = fx.backend.Expire(ctx, "ttl", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)

			d, ok, err = fx.backend.TTL(ctx, "ttl")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Greater(t, d, 50*time.Minute)

			_, ok, err = fx.backend.TTL(ctx, "absent")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = fx.backend.Expire(ctx, "absent", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestExpiredKeyReadsAsNil(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := fx.backend.Set(ctx, "gone", []byte("v"), SetOptions{TTL: 20 * time.Millisecond})
			require.NoError(t, err)

			if fx.mr != nil {
				fx.mr.FastForward(50 * time.Millisecond)
			} else {
				time.Sleep(50 * time.Millisecond)
			}

			val, err := fx.backend.Get(ctx, "gone")
			require.NoError(t, err)
			assert.Nil(t, val)

			exists, err := fx.backend.Exists(ctx, "gone")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestGetExExtendsTTL(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := fx.backend.Set(ctx, "sess", []byte("v"), SetOptions{TTL: time.Minute})
			require.NoError(t, err)

			val, err := fx.backend.GetEx(ctx, "sess", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), val)

			d, ok, err := fx.backend.TTL(ctx, "sess")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Greater(t, d, 50*time.Minute, "GetEx must have extended the TTL")

			val, err = fx.backend.GetEx(ctx, "missing", time.Hour)
			require.NoError(t, err)
			assert.Nil(t, val)
		})
	}
}

func TestIncrBy(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			n, err := fx.backend.IncrBy(ctx, "counter", 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = fx.backend.IncrBy(ctx, "counter", 5)
			require.NoError(t, err)
			assert.Equal(t, int64(6), n)

			n, err = fx.backend.IncrBy(ctx, "counter", -2)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)
		})
	}
}

func TestMGetMDelete(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			for _, k := range []string{"a", "b", "c"} {
				_, err := fx.backend.Set(ctx, k, []byte("v-"+k), SetOptions{})
				require.NoError(t, err)
			}

			vals, err := fx.backend.MGet(ctx, "a", "missing", "c")
			require.NoError(t, err)
			require.Len(t, vals, 3)
			assert.Equal(t, []byte("v-a"), vals[0])
			assert.Nil(t, vals[1])
			assert.Equal(t, []byte("v-c"), vals[2])

			n, err := fx.backend.MDelete(ctx, "a", "b", "missing")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			exists, err := fx.backend.Exists(ctx, "c")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestScanPattern(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()

			keys := []string{"vault:a1:github", "vault:a1:slack", "vault:a2:github", "session:s1"}
			for _, k := range keys {
				_, err := fx.backend.Set(ctx, k, []byte("v"), SetOptions{})
				require.NoError(t, err)
			}

			var found []string
			err := fx.backend.Scan(ctx, "vault:a1:*", func(key string) bool {
				found = append(found, key)
				return true
			})
			require.NoError(t, err)
			sort.Strings(found)
			assert.Equal(t, []string{"vault:a1:github", "vault:a1:slack"}, found)

			// Early termination.
			var count int
			err = fx.backend.Scan(ctx, "vault:*", func(string) bool {
				count++
				return false
			})
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestPubSubDelivery(t *testing.T) {
	for _, fx := range backends(t) {
		t.Run(fx.name, func(t *testing.T) {
			provider, ok := fx.backend.(PubSubProvider)
			require.True(t, ok)
			ps := provider.PubSub()

			ctx := context.Background()
			var mu sync.Mutex
			var got []string
			unsub, err := ps.Subscribe(ctx, "sessions", func(msg []byte) {
				mu.Lock()
				got = append(got, string(msg))
				mu.Unlock()
			})
			require.NoError(t, err)
			defer unsub()

			_, err = ps.Publish(ctx, "sessions", []byte("closed:s1"))
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(got) == 1 && got[0] == "closed:s1"
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestEmulatedPubSubAtMostOncePerMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rb := NewRedisBackendWithClient(client, RedisConfig{
		KeyPrefix:           "test:",
		DisableNativePubSub: true,
		PollInterval:        10 * time.Millisecond,
	})
	defer rb.Close()

	ps := rb.PubSub()
	ctx := context.Background()

	var mu sync.Mutex
	counts := make(map[string]int)
	unsub, err := ps.Subscribe(ctx, "events", func(msg []byte) {
		mu.Lock()
		counts[string(msg)]++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	for _, m := range []string{"m1", "m2", "m3"} {
		_, err := ps.Publish(ctx, "events", []byte(m))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Let extra polls run, then verify no message was delivered twice.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for msg, n := range counts {
		assert.Equal(t, 1, n, "message %s delivered %d times", msg, n)
	}
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	mem := NewMemoryBackend(WithCleanupInterval(10 * time.Millisecond))
	defer mem.Close()
	ctx := context.Background()

	_, err := mem.Set(ctx, "short", []byte("v"), SetOptions{TTL: 5 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		_, present := mem.data["short"]
		return !present
	}, time.Second, 10*time.Millisecond)
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, Config{Type: BackendTypeMemory})
	require.NoError(t, err)
	require.NotNil(t, b)
	_ = b.Close()

	_, err = NewBackend(ctx, Config{Type: "etcd"})
	require.Error(t, err)
}
