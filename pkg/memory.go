package pkg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration
}

// MemoryStorage implements Store using an in-memory map with TTL eviction.
type MemoryStorage struct {
	mu            sync.RWMutex
	data          map[string]*entry
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        atomic.Bool
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorage creates a new in-memory storage instance.
// If config is nil, default values are used.
func NewMemoryStorage(config *MemoryConfig) *MemoryStorage {
	cleanupInterval := time.Minute
	if config != nil && config.CleanupInterval > 0 {
		cleanupInterval = config.CleanupInterval
	}

	ms := &MemoryStorage{
		data:          make(map[string]*entry),
		cleanupTicker: time.NewTicker(cleanupInterval),
		done:          make(chan struct{}),
	}

	go ms.cleanupExpired()

	return ms
}

// check reports ctx cancellation or a closed store.
func (ms *MemoryStorage) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves a copy of the value associated with the given key.
// Returns ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	e, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		return nil, ErrKeyNotFound
	}

	if e.expired(time.Now()) {
		ms.mu.Lock()
		delete(ms.data, key)
		ms.mu.Unlock()

		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

// Set stores a copy of value with the given key and TTL.
func (ms *MemoryStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	ms.mu.Lock()
	ms.data[key] = &entry{value: valueCopy, expiresAt: expiresAt}
	ms.mu.Unlock()

	return nil
}

// Delete removes the key and its associated value from storage.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	delete(ms.data, key)
	ms.mu.Unlock()

	return nil
}

// Close stops the cleanup goroutine and drops all data.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.cleanupTicker.Stop()
	close(ms.done)

	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()

	return nil
}

func (ms *MemoryStorage) cleanupExpired() {
	for {
		select {
		case <-ms.cleanupTicker.C:
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) removeExpiredEntries() {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
		}
	}
}
