package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// defaultPollInterval is how often the list-based pub/sub emulation drains
	// its backlog when native pub/sub is disabled.
	defaultPollInterval = 500 * time.Millisecond

	// emulatedChannelTTL bounds how long undrained emulated messages live.
	emulatedChannelTTL = time.Minute
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate the connection (optional).
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces every key, e.g. "atrium:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DisableNativePubSub forces the list+polling pub/sub emulation. Set this
	// for REST-style proxies that cannot hold a subscriber connection open.
	DisableNativePubSub bool

	// PollInterval overrides the emulation poll cadence (tests).
	PollInterval time.Duration
}

// RedisBackend implements Backend on a Redis-compatible server.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string

	// getexUnsupported is set after the first GETEX failure so subsequent
	// reads go straight to the non-atomic fallback.
	mu                sync.Mutex
	getexUnsupported  bool
	fallbackLoggedFor map[string]bool

	pubsub PubSub
}

var _ Backend = (*RedisBackend)(nil)
var _ PubSubProvider = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and returns a backend. The initial ping is
// retried with exponential backoff so the core tolerates a storage backend
// that comes up slightly after it.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New(errors.CodeStorageConfig, "redis address is required", nil)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (any, error) {
		return nil, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("redis ping failed, retrying in %v: %v", duration, err)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, errors.New(errors.CodeStorageConnection, "failed to connect to redis", err)
	}

	return newRedisBackend(client, cfg), nil
}

// NewRedisBackendWithClient creates a RedisBackend with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisBackendWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisBackend {
	return newRedisBackend(client, cfg)
}

func newRedisBackend(client redis.UniversalClient, cfg RedisConfig) *RedisBackend {
	b := &RedisBackend{
		client:            client,
		keyPrefix:         cfg.KeyPrefix,
		fallbackLoggedFor: make(map[string]bool),
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	if cfg.DisableNativePubSub {
		b.pubsub = newListPubSub(client, cfg.KeyPrefix, poll)
	} else {
		b.pubsub = &nativePubSub{client: client, keyPrefix: cfg.KeyPrefix}
	}
	return b
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	if lp, ok := b.pubsub.(*listPubSub); ok {
		lp.stop()
	}
	return b.client.Close()
}

// Ping checks Redis connectivity (health check).
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return connErr("ping", err)
	}
	return nil
}

func (b *RedisBackend) key(k string) string {
	return b.keyPrefix + k
}

func connErr(op string, err error) error {
	return errors.New(errors.CodeStorageConnection, fmt.Sprintf("redis %s failed", op), err)
}

// Get returns the value stored under key, or nil if absent.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, connErr("get", err)
	}
	return val, nil
}

// GetEx returns the value under key, extending its TTL in a single round trip
// via GETEX. On servers without GETEX it falls back to a non-atomic
// GET+EXPIRE and logs that the fallback occurred.
func (b *RedisBackend) GetEx(ctx context.Context, key string, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		return b.Get(ctx, key)
	}

	b.mu.Lock()
	unsupported := b.getexUnsupported
	b.mu.Unlock()

	if !unsupported {
		val, err := b.client.GetEx(ctx, b.key(key), ttl).Bytes()
		if err == nil {
			return val, nil
		}
		if err == redis.Nil {
			return nil, nil
		}
		if !isUnknownCommand(err) {
			return nil, connErr("getex", err)
		}
		b.mu.Lock()
		b.getexUnsupported = true
		b.mu.Unlock()
		logger.Warn("redis server lacks GETEX; falling back to non-atomic GET+EXPIRE")
	}

	val, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, connErr("get", err)
	}
	if err := b.client.Expire(ctx, b.key(key), ttl).Err(); err != nil {
		return nil, connErr("expire", err)
	}
	return val, nil
}

func isUnknownCommand(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNKNOWN COMMAND")
}

// Set stores value under key, honoring conditional flags.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	args := redis.SetArgs{TTL: opts.TTL}
	switch {
	case opts.IfNotExists:
		args.Mode = "NX"
	case opts.IfExists:
		args.Mode = "XX"
	}
	err := b.client.SetArgs(ctx, b.key(key), value, args).Err()
	if err == redis.Nil {
		// Conditional write did not apply.
		return false, nil
	}
	if err != nil {
		return false, connErr("set", err)
	}
	return true, nil
}

// Delete removes key, reporting whether it existed.
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.key(key)).Result()
	if err != nil {
		return false, connErr("del", err)
	}
	return n > 0, nil
}

// Exists reports whether key is present.
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(key)).Result()
	if err != nil {
		return false, connErr("exists", err)
	}
	return n > 0, nil
}

// Expire sets the TTL for key.
func (b *RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := b.client.Expire(ctx, b.key(key), ttl).Result()
	if err != nil {
		return false, connErr("expire", err)
	}
	return ok, nil
}

// TTL returns the remaining TTL for key.
func (b *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := b.client.TTL(ctx, b.key(key)).Result()
	if err != nil {
		return 0, false, connErr("ttl", err)
	}
	// go-redis reports -2 (missing) and -1 (no expiry) as negative durations.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// IncrBy atomically adds delta to the integer stored at key.
func (b *RedisBackend) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := b.client.IncrBy(ctx, b.key(key), delta).Result()
	if err != nil {
		return 0, connErr("incrby", err)
	}
	return n, nil
}

// MGet returns the values for keys in order; absent keys read as nil.
func (b *RedisBackend) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.key(k)
	}
	vals, err := b.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, connErr("mget", err)
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// MDelete removes the given keys and returns how many existed.
func (b *RedisBackend) MDelete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.key(k)
	}
	n, err := b.client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, connErr("del", err)
	}
	return n, nil
}

// Scan streams keys matching a Redis-style glob pattern to fn. The configured
// key prefix is stripped before keys are handed to fn.
func (b *RedisBackend) Scan(ctx context.Context, pattern string, fn func(key string) bool) error {
	iter := b.client.Scan(ctx, 0, b.key(pattern), 0).Iterator()
	for iter.Next(ctx) {
		if !fn(strings.TrimPrefix(iter.Val(), b.keyPrefix)) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return connErr("scan", err)
	}
	return nil
}

// PubSub returns the configured pub/sub capability (native or emulated).
func (b *RedisBackend) PubSub() PubSub {
	return b.pubsub
}

// nativePubSub uses Redis PUBLISH/SUBSCRIBE.
type nativePubSub struct {
	client    redis.UniversalClient
	keyPrefix string
}

func (p *nativePubSub) Publish(ctx context.Context, channel string, msg []byte) (int64, error) {
	n, err := p.client.Publish(ctx, p.keyPrefix+channel, msg).Result()
	if err != nil {
		return 0, connErr("publish", err)
	}
	return n, nil
}

func (p *nativePubSub) Subscribe(ctx context.Context, channel string, handler func(msg []byte)) (func(), error) {
	sub := p.client.Subscribe(ctx, p.keyPrefix+channel)
	// Wait for confirmation so publishes after Subscribe returns are seen.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, connErr("subscribe", err)
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(m.Payload))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = sub.Close()
	}, nil
}

func redisMsgID() string {
	return uuid.NewString()
}

// emulatedMessage is the envelope stored in the backlog list, carrying an id
// so drains can deduplicate.
type emulatedMessage struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// listPubSub emulates pub/sub with a Redis list plus polling, for backends
// that cannot hold a subscriber connection open. Delivery is at most once per
// published message: each message is removed from the list by exactly one
// drain, and within a drain each envelope is handed to local subscribers once.
type listPubSub struct {
	client       redis.UniversalClient
	keyPrefix    string
	pollInterval time.Duration

	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]func(msg []byte)
	pollers map[string]chan struct{}
}

func newListPubSub(client redis.UniversalClient, keyPrefix string, pollInterval time.Duration) *listPubSub {
	return &listPubSub{
		client:       client,
		keyPrefix:    keyPrefix,
		pollInterval: pollInterval,
		subs:         make(map[string]map[int]func(msg []byte)),
		pollers:      make(map[string]chan struct{}),
	}
}

func (p *listPubSub) listKey(channel string) string {
	return p.keyPrefix + "pubsub:" + channel
}

func (p *listPubSub) Publish(ctx context.Context, channel string, msg []byte) (int64, error) {
	env, err := json.Marshal(emulatedMessage{ID: redisMsgID(), Payload: msg})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message envelope: %w", err)
	}
	key := p.listKey(channel)
	pipe := p.client.TxPipeline()
	pipe.RPush(ctx, key, env)
	pipe.Expire(ctx, key, emulatedChannelTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, connErr("rpush", err)
	}
	// Subscriber count is unknowable across processes; report zero.
	return 0, nil
}

func (p *listPubSub) Subscribe(ctx context.Context, channel string, handler func(msg []byte)) (func(), error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[int]func(msg []byte))
	}
	p.subs[channel][id] = handler
	if _, running := p.pollers[channel]; !running {
		stop := make(chan struct{})
		p.pollers[channel] = stop
		go p.pollLoop(channel, stop)
	}
	p.mu.Unlock()

	_ = ctx
	return func() {
		p.mu.Lock()
		delete(p.subs[channel], id)
		if len(p.subs[channel]) == 0 {
			delete(p.subs, channel)
			if stop, ok := p.pollers[channel]; ok {
				close(stop)
				delete(p.pollers, channel)
			}
		}
		p.mu.Unlock()
	}, nil
}

func (p *listPubSub) pollLoop(channel string, stop chan struct{}) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.drain(channel)
		case <-stop:
			return
		}
	}
}

func (p *listPubSub) drain(channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultReadTimeout)
	defer cancel()

	key := p.listKey(channel)
	delivered := make(map[string]bool)
	for {
		raw, err := p.client.LPopCount(ctx, key, 64).Result()
		if err == redis.Nil || len(raw) == 0 {
			return
		}
		if err != nil {
			logger.Debugf("pubsub drain for %s failed: %v", channel, err)
			return
		}

		p.mu.Lock()
		handlers := make([]func([]byte), 0, len(p.subs[channel]))
		for _, h := range p.subs[channel] {
			handlers = append(handlers, h)
		}
		p.mu.Unlock()

		for _, item := range raw {
			var env emulatedMessage
			if err := json.Unmarshal([]byte(item), &env); err != nil {
				logger.Debugf("dropping malformed pubsub envelope on %s", channel)
				continue
			}
			if delivered[env.ID] {
				continue
			}
			delivered[env.ID] = true
			for _, h := range handlers {
				h(env.Payload)
			}
		}
	}
}

// stop terminates all pollers.
func (p *listPubSub) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch, stop := range p.pollers {
		close(stop)
		delete(p.pollers, ch)
	}
}
