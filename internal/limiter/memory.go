package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with the same semantics as PG.
type Memory struct {
	mu  sync.Mutex
	s   Settings
	m   map[uuid.UUID]*entry
	now func() time.Time
}

// NewMemory constructs an in-process limiter. A nil now uses time.Now.
func NewMemory(s Settings, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{s: s.normalize(), m: map[uuid.UUID]*entry{}, now: now}
}

// Allow reports whether a lookup is currently allowed.
func (l *Memory) Allow(_ context.Context, doctorID uuid.UUID) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[doctorID]
	if !ok {
		return true, 0, nil
	}
	now := l.now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for the doctor.
func (l *Memory) Success(_ context.Context, doctorID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, doctorID)
	return nil
}

// Failure records a lookup miss.
func (l *Memory) Failure(_ context.Context, doctorID uuid.UUID) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.m[doctorID]
	if !ok {
		e = &entry{}
		l.m[doctorID] = e
	}
	if ok && now.Sub(e.updatedAt) > l.s.Window {
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= l.s.MaxFails {
		e.blockedUntil = now.Add(l.s.BlockFor)
		return true, l.s.BlockFor, nil
	}
	return false, 0, nil
}
