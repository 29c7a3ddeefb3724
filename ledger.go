package tractor

import (
	"context"
	"fmt"
	"sync"
)

// Ledger records how many times each blueprint hash has been used.
//
// Counts never decrease. Destroy moves a hash to the Destroyed sentinel,
// after which RecordUse refuses it. RecordUse only increments while the
// count is below ceiling and returns ErrCeilingReached otherwise.
//
// Lock grants exclusive use of h to one holder across every controller
// sharing the ledger. It blocks until the lock is free or ctx ends.
type Ledger interface {
	Uses(ctx context.Context, h Hash) (uint64, error)
	RecordUse(ctx context.Context, h Hash, ceiling uint64) error
	Destroy(ctx context.Context, h Hash) error
	Lock(ctx context.Context, h Hash) (unlock func(), err error)
}

// Attestations is the set of hashes a controller has signed for itself.
// Entries are never removed.
type Attestations interface {
	Attest(ctx context.Context, h Hash) error
	Attested(ctx context.Context, h Hash) (bool, error)
}

// CheckUsable returns ErrCeilingReached unless the use count of h is strictly
// below ceiling. A ceiling of zero is never usable.
func CheckUsable(ctx context.Context, l Ledger, h Hash, ceiling uint64) error {
	uses, err := l.Uses(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if uses >= ceiling {
		return ceilingError(h, uses, ceiling)
	}
	return nil
}

func ceilingError(h Hash, uses, ceiling uint64) error {
	if uses == Destroyed {
		return fmt.Errorf("%w: %s destroyed", ErrCeilingReached, h)
	}
	return fmt.Errorf("%w: %s used %d of %d", ErrCeilingReached, h, uses, ceiling)
}

// MemoryLedger is an in-process Ledger and Attestations store.
type MemoryLedger struct {
	locks    hashLocks
	mu       sync.Mutex
	uses     map[Hash]uint64
	attested map[Hash]struct{}
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		uses:     make(map[Hash]uint64),
		attested: make(map[Hash]struct{}),
	}
}

// Uses implements Ledger.
func (m *MemoryLedger) Uses(_ context.Context, h Hash) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uses[h], nil
}

// RecordUse implements Ledger.
func (m *MemoryLedger) RecordUse(_ context.Context, h Hash, ceiling uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.uses[h]
	if n >= ceiling {
		return ceilingError(h, n, ceiling)
	}
	if n == Destroyed-1 {
		// the next increment would forge the destroy sentinel
		return fmt.Errorf("%w: %s counter saturated", ErrCeilingReached, h)
	}
	m.uses[h] = n + 1
	return nil
}

// Lock implements Ledger. Controllers sharing m contend on the same lock.
func (m *MemoryLedger) Lock(ctx context.Context, h Hash) (func(), error) {
	return m.locks.acquire(ctx, h)
}

// Destroy implements Ledger.
func (m *MemoryLedger) Destroy(_ context.Context, h Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uses[h] = Destroyed
	return nil
}

// Attest implements Attestations.
func (m *MemoryLedger) Attest(_ context.Context, h Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attested[h] = struct{}{}
	return nil
}

// Attested implements Attestations.
func (m *MemoryLedger) Attested(_ context.Context, h Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attested[h]
	return ok, nil
}

// hashLocks hands out one lock per blueprint hash, dropping it when the last
// waiter leaves.
type hashLocks struct {
	mu    sync.Mutex
	locks map[Hash]*hashLock
}

type hashLock struct {
	sem  chan struct{}
	refs int
}

func (l *hashLocks) acquire(ctx context.Context, h Hash) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[Hash]*hashLock)
	}
	hl, ok := l.locks[h]
	if !ok {
		hl = &hashLock{sem: make(chan struct{}, 1)}
		l.locks[h] = hl
	}
	hl.refs++
	l.mu.Unlock()

	select {
	case hl.sem <- struct{}{}:
		return func() {
			<-hl.sem
			l.release(h, hl)
		}, nil
	case <-ctx.Done():
		l.release(h, hl)
		return nil, ctx.Err()
	}
}

func (l *hashLocks) release(h Hash, hl *hashLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hl.refs--
	if hl.refs == 0 {
		delete(l.locks, h)
	}
}
