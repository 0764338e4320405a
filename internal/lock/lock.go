// Package lock provides run leases so at most one optimisation loop drives a
// session at a time, across goroutines (Memory) or processes (Redis).
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	ErrLocked    = errors.New("lock is held by another owner")
	ErrLeaseLost = errors.New("lease expired or was taken over")
)

type Locker interface {
	// Acquire takes the lock on key for ttl or fails with ErrLocked.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Shared reports whether l coordinates leases across processes. A lease from
// a process-local Locker says nothing about runs in other processes.
func Shared(l Locker) bool {
	s, ok := l.(interface{ Shared() bool })
	return ok && s.Shared()
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

type entry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]entry
	nowFn func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]entry), nowFn: time.Now}
}

func (m *Memory) Shared() bool { return false }

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := newToken()
	m.held[key] = entry{token: token, expires: now.Add(ttl)}
	return &memoryLease{m: m, key: key, token: token}, nil
}

type memoryLease struct {
	m     *Memory
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	now := l.m.nowFn()
	e, ok := l.m.held[l.key]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return ErrLeaseLost
	}
	e.expires = now.Add(ttl)
	l.m.held[l.key] = e
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if e, ok := l.m.held[l.key]; ok && e.token == l.token {
		delete(l.m.held, l.key)
	}
	return nil
}
