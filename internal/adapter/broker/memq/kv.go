package memq

import (
	"strconv"
	"sync"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// KV is an in-memory key-value store with TTLs and atomic counters.
type KV struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// NewKV returns an empty store.
func NewKV() *KV {
	return &KV{data: map[string]entry{}, now: time.Now}
}

func (kv *KV) get(key string) (entry, bool) {
	e, ok := kv.data[key]
	if !ok || e.expired(kv.now()) {
		delete(kv.data, key)
		return entry{}, false
	}
	return e, true
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Set implements domain.KeyValue.
func (kv *KV) Set(_ domain.Context, key, value string, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = entry{value: value, expiresAt: expiry(kv.now(), ttl)}
	return nil
}

// SetNX implements domain.KeyValue.
func (kv *KV) SetNX(_ domain.Context, key, value string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.get(key); ok {
		return false, nil
	}
	kv.data[key] = entry{value: value, expiresAt: expiry(kv.now(), ttl)}
	return true, nil
}

// Get implements domain.KeyValue.
func (kv *KV) Get(_ domain.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.get(key)
	return e.value, ok, nil
}

// Incr implements domain.KeyValue.
func (kv *KV) Incr(_ domain.Context, key string) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var n int64
	if e, ok := kv.get(key); ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	e := kv.data[key]
	e.value = strconv.FormatInt(n, 10)
	kv.data[key] = e
	return n, nil
}

// Expire implements domain.KeyValue.
func (kv *KV) Expire(_ domain.Context, key string, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if e, ok := kv.get(key); ok {
		e.expiresAt = expiry(kv.now(), ttl)
		kv.data[key] = e
	}
	return nil
}

// Delete implements domain.KeyValue.
func (kv *KV) Delete(_ domain.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for _, k := range keys {
		delete(kv.data, k)
	}
	return nil
}
