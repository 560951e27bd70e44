// Package resilience provides the retry executor, circuit breaker and API key
// rotation used around backend calls.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoKeys is returned by a pool built without keys.
var ErrNoKeys = errors.New("keypool: no keys configured")

// KeysExhaustedError is returned while every key in a pool is cooling down.
// The caller's retry loop treats it as transient.
type KeysExhaustedError struct {
	ResetAt time.Time // earliest time a key becomes usable again
}

func (e *KeysExhaustedError) Error() string {
	return fmt.Sprintf("keypool: all keys exhausted, earliest reset at %s", e.ResetAt.Format(time.RFC3339))
}

// KeyPool hands out API keys round-robin and skips keys that the backend has
// recently answered with a rate limit.
type KeyPool struct {
	mu    sync.Mutex
	keys  []pooledKey
	next  int
	clock func() time.Time
}

type pooledKey struct {
	value      string
	coolsUntil time.Time // zero while usable
}

// NewKeyPool creates a pool over keys. Order is preserved for rotation.
func NewKeyPool(keys []string) *KeyPool {
	pooled := make([]pooledKey, len(keys))
	for i, k := range keys {
		pooled[i] = pooledKey{value: k}
	}
	return &KeyPool{keys: pooled, clock: time.Now}
}

// Next returns the next usable key.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if len(kp.keys) == 0 {
		return "", ErrNoKeys
	}

	now := kp.clock()
	var earliest time.Time
	for i := range kp.keys {
		idx := (kp.next + i) % len(kp.keys)
		k := &kp.keys[idx]
		if !k.coolsUntil.After(now) {
			k.coolsUntil = time.Time{}
			kp.next = (idx + 1) % len(kp.keys)
			return k.value, nil
		}
		if earliest.IsZero() || k.coolsUntil.Before(earliest) {
			earliest = k.coolsUntil
		}
	}
	return "", &KeysExhaustedError{ResetAt: earliest}
}

// MarkRateLimited takes key out of rotation until resetAt.
func (kp *KeyPool) MarkRateLimited(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i := range kp.keys {
		if kp.keys[i].value == key {
			kp.keys[i].coolsUntil = resetAt
			return
		}
	}
}

// Cooldown takes key out of rotation for d from now.
func (kp *KeyPool) Cooldown(key string, d time.Duration) {
	kp.mu.Lock()
	resetAt := kp.clock().Add(d)
	kp.mu.Unlock()
	kp.MarkRateLimited(key, resetAt)
}
