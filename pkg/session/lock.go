// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker hands out named mutual-exclusion locks. Entries are created on
// first use and dropped once nobody holds or waits for them.
type Locker struct {
	// Timeout bounds every Lock call. Zero means only ctx bounds it.
	Timeout time.Duration

	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocker returns a Locker whose acquisitions are bounded by timeout.
func NewLocker(timeout time.Duration) *Locker {
	return &Locker{
		Timeout: timeout,
		locks:   make(map[string]*entry),
	}
}

// Lock acquires the lock called name. The returned function releases it and
// is safe to call more than once. If the lock is not acquired in time the
// error wraps ErrLockTimeout.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	e := l.ref(name)

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(name, e)
		return nil, lockError(name, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(name, e)
		})
	}, nil
}

// Len returns the number of locks currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) ref(name string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[string]*entry)
	}
	e, ok := l.locks[name]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[name] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(name string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 && l.locks[name] == e {
		delete(l.locks, name)
	}
}

func lockError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", bridgeerrors.ErrLockTimeout, name)
	}
	return fmt.Errorf("lock %s: %w", name, err)
}
