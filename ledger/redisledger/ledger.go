// Package redisledger stores the replay-protection ledger and the
// self-attestation registry in Redis, so controllers in several processes
// can share one ledger.
//
// Per-hash locks are leases: a holder that outlives LockTTL loses the lock.
// Use counts stay bounded by the ceiling regardless, since the increment
// itself is conditional.
package redisledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/funderberkr/tractor"
)

// recordUseScript increments the use count while it is below the ceiling and
// the entry is not destroyed.
// KEYS[1] = entry key
// ARGV[1] = ceiling
// Returns the new count, -1 for a destroyed entry or -2 at the ceiling.
var recordUseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "destroyed") == "1" then
    return -1
end
local uses = tonumber(redis.call("HGET", KEYS[1], "uses") or "0")
if uses >= tonumber(ARGV[1]) then
    return -2
end
return redis.call("HINCRBY", KEYS[1], "uses", 1)
`)

// unlockScript releases a lock only if the caller still owns it.
// KEYS[1] = lock key
// ARGV[1] = owner token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	// DefaultPrefix namespaces every key written by the ledger.
	DefaultPrefix = "tractor"
	// DefaultLockTTL bounds how long a crashed holder blocks a blueprint.
	DefaultLockTTL = 30 * time.Second
	// DefaultLockRetry is the polling interval while a lock is held elsewhere.
	DefaultLockRetry = 10 * time.Millisecond
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTTL sets the lease length of per-hash locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.lockTTL = ttl }
}

// WithLockRetry sets the polling interval while waiting for a lock.
func WithLockRetry(interval time.Duration) Option {
	return func(l *Ledger) { l.lockRetry = interval }
}

// Ledger implements tractor.Ledger and tractor.Attestations on Redis.
type Ledger struct {
	client    redis.UniversalClient
	prefix    string
	lockTTL   time.Duration
	lockRetry time.Duration
}

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	l := &Ledger{
		client:    client,
		prefix:    prefix,
		lockTTL:   DefaultLockTTL,
		lockRetry: DefaultLockRetry,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial creates a ledger backed by a new client for addr.
func Dial(addr, password string, db int, prefix string, opts ...Option) *Ledger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return New(rdb, prefix, opts...)
}

// Close closes the underlying client.
func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) entryKey(h tractor.Hash) string {
	return fmt.Sprintf("%s:ledger:%s", l.prefix, hex.EncodeToString(h[:]))
}

func (l *Ledger) lockKey(h tractor.Hash) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, hex.EncodeToString(h[:]))
}

func (l *Ledger) attestedKey() string {
	return l.prefix + ":attested"
}

// Uses implements tractor.Ledger.
func (l *Ledger) Uses(ctx context.Context, h tractor.Hash) (uint64, error) {
	vals, err := l.client.HMGet(ctx, l.entryKey(h), "uses", "destroyed").Result()
	if err != nil {
		return 0, fmt.Errorf("redis ledger error: %w", err)
	}
	if len(vals) != 2 {
		return 0, errors.New("invalid response from redis HMGET")
	}
	if destroyed, _ := vals[1].(string); destroyed == "1" {
		return tractor.Destroyed, nil
	}
	raw, ok := vals[0].(string)
	if !ok {
		return 0, nil
	}
	uses, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt use count %q: %w", raw, err)
	}
	return uses, nil
}

// RecordUse implements tractor.Ledger.
func (l *Ledger) RecordUse(ctx context.Context, h tractor.Hash, ceiling uint64) error {
	res, err := recordUseScript.Run(ctx, l.client, []string{l.entryKey(h)}, strconv.FormatUint(ceiling, 10)).Int64()
	if err != nil {
		return fmt.Errorf("redis ledger error: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s destroyed", tractor.ErrCeilingReached, h)
	case -2:
		return fmt.Errorf("%w: %s reached %d uses", tractor.ErrCeilingReached, h, ceiling)
	}
	return nil
}

// Lock implements tractor.Ledger with a SET NX lease owned by a random token.
func (l *Ledger) Lock(ctx context.Context, h tractor.Hash) (func(), error) {
	key := l.lockKey(h)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock error: %w", err)
		}
		if ok {
			return func() {
				// release even when the caller's context is already done
				_ = unlockScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.lockRetry):
		}
	}
}

// Destroy implements tractor.Ledger.
func (l *Ledger) Destroy(ctx context.Context, h tractor.Hash) error {
	if err := l.client.HSet(ctx, l.entryKey(h), "destroyed", "1").Err(); err != nil {
		return fmt.Errorf("redis ledger error: %w", err)
	}
	return nil
}

// Attest implements tractor.Attestations.
func (l *Ledger) Attest(ctx context.Context, h tractor.Hash) error {
	if err := l.client.SAdd(ctx, l.attestedKey(), hex.EncodeToString(h[:])).Err(); err != nil {
		return fmt.Errorf("redis attestation error: %w", err)
	}
	return nil
}

// Attested implements tractor.Attestations.
func (l *Ledger) Attested(ctx context.Context, h tractor.Hash) (bool, error) {
	ok, err := l.client.SIsMember(ctx, l.attestedKey(), hex.EncodeToString(h[:])).Result()
	if err != nil {
		return false, fmt.Errorf("redis attestation error: %w", err)
	}
	return ok, nil
}
