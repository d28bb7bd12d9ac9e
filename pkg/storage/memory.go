package storage

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atrium-labs/atrium/pkg/errors"
)

// DefaultCleanupInterval is how often the in-memory backend sweeps expired keys.
const DefaultCleanupInterval = 30 * time.Second

// entry wraps a stored value with its expiry for TTL tracking.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBackend implements Backend with an in-process map.
// It is thread-safe and suitable for development, testing, and single-node
// deployments. Expired keys are removed lazily on read and by a background
// sweep.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]*entry

	pubsub *memoryPubSub

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

var _ Backend = (*MemoryBackend)(nil)
var _ PubSubProvider = (*MemoryBackend)(nil)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		m.cleanupInterval = interval
	}
}

// NewMemoryBackend creates an in-memory backend and starts its cleanup worker.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		data:            make(map[string]*entry),
		pubsub:          newMemoryPubSub(),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryBackend) cleanupLoop() {
	defer close(m.cleanupDone)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *MemoryBackend) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}
}

// Close stops the cleanup worker and waits for it to finish.
func (m *MemoryBackend) Close() error {
	close(m.stopCleanup)
	<-m.cleanupDone
	return nil
}

// live returns the entry for key if present and unexpired, deleting it when
// expired. Callers must hold the write lock.
func (m *MemoryBackend) live(key string, now time.Time) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(m.data, key)
		return nil
	}
	return e
}

// Get returns the value stored under key, or nil if absent or expired.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return m.GetEx(ctx, key, 0)
}

// GetEx returns the value under key and, when ttl is non-zero, extends the
// key's expiry in the same critical section.
func (m *MemoryBackend) GetEx(_ context.Context, key string, ttl time.Duration) ([]byte, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key, now)
	if e == nil {
		return nil, nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key, honoring conditional flags.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.live(key, now)
	if opts.IfNotExists && existing != nil {
		return false, nil
	}
	if opts.IfExists && existing == nil {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	e := &entry{value: stored}
	if opts.TTL > 0 {
		e.expiresAt = now.Add(opts.TTL)
	}
	m.data[key] = e
	return true, nil
}

// Delete removes key, reporting whether it existed.
func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(key, now) == nil {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// Exists reports whether key is present and unexpired.
func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key, now) != nil, nil
}

// Expire sets the TTL for key, reporting whether the key existed.
func (m *MemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key, now)
	if e == nil {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true, nil
}

// TTL returns the remaining TTL for key.
func (m *MemoryBackend) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key, now)
	if e == nil || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

// IncrBy atomically adds delta to the integer stored at key.
func (m *MemoryBackend) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	e := m.live(key, now)
	if e != nil {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, errors.Newf(errors.CodeStorageConfig, "value at %s is not an integer", key)
		}
		current = parsed
	}
	current += delta
	if e != nil {
		e.value = []byte(strconv.FormatInt(current, 10))
	} else {
		m.data[key] = &entry{value: []byte(strconv.FormatInt(current, 10))}
	}
	return current, nil
}

// MGet returns the values for keys in order; absent keys read as nil.
func (m *MemoryBackend) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(keys))
	for i, key := range keys {
		if e := m.live(key, now); e != nil {
			v := make([]byte, len(e.value))
			copy(v, e.value)
			out[i] = v
		}
	}
	return out, nil
}

// MDelete removes the given keys and returns how many existed.
func (m *MemoryBackend) MDelete(_ context.Context, keys ...string) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if m.live(key, now) != nil {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

// Scan streams keys matching a Redis-style glob pattern to fn.
func (m *MemoryBackend) Scan(ctx context.Context, pattern string, fn func(key string) bool) error {
	re, err := globToRegexp(pattern)
	if err != nil {
		return errors.New(errors.CodeStorageConfig, "invalid scan pattern", err)
	}

	// Snapshot matching keys under the lock, then call fn outside it so
	// handlers may issue storage operations without deadlocking.
	now := time.Now()
	m.mu.Lock()
	matched := make([]string, 0)
	for k, e := range m.data {
		if !e.expired(now) && re.MatchString(k) {
			matched = append(matched, k)
		}
	}
	m.mu.Unlock()

	for _, k := range matched {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// PubSub returns the in-process pub/sub capability.
func (m *MemoryBackend) PubSub() PubSub {
	return m.pubsub
}

// globToRegexp converts a Redis-style glob (*, ?, [...]) to a regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				sb.WriteString(regexp.QuoteMeta(pattern[i:]))
				i = len(pattern)
				continue
			}
			sb.WriteString(pattern[i : i+end+1])
			i += end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// memoryPubSub is the in-process pub/sub used by MemoryBackend.
type memoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(msg []byte)
}

func newMemoryPubSub() *memoryPubSub {
	return &memoryPubSub{subs: make(map[string]map[int]func(msg []byte))}
}

// Publish delivers msg synchronously to every subscriber of channel.
func (p *memoryPubSub) Publish(_ context.Context, channel string, msg []byte) (int64, error) {
	p.mu.RLock()
	handlers := make([]func([]byte), 0, len(p.subs[channel]))
	for _, h := range p.subs[channel] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return int64(len(handlers)), nil
}

// Subscribe registers handler for channel and returns an unsubscribe function.
func (p *memoryPubSub) Subscribe(_ context.Context, channel string, handler func(msg []byte)) (func(), error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[int]func(msg []byte))
	}
	p.subs[channel][id] = handler
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs[channel], id)
		if len(p.subs[channel]) == 0 {
			delete(p.subs, channel)
		}
		p.mu.Unlock()
	}, nil
}
