// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"sync"
	"time"
)

// DefaultExclusiveTimeout bounds how long a blocking acquisition waits
// before giving up with a ContentionError.
const DefaultExclusiveTimeout = 5 * time.Second

// Token is proof of ownership of a Lock. Ownership is tied to the token
// value, not to the identity of the goroutine that acquired it, so a token
// may be handed between goroutines as long as release is symmetric.
type Token struct {
	lock  *Lock
	depth int
}

// Lock arbitrates exclusive access to a bus. It is re-entrant for the
// current holder through Hold and waits on a bounded timer rather than
// polling.
//
// The zero value is an unlocked Lock.
type Lock struct {
	mu       sync.Mutex
	holder   *Token
	released chan struct{} // closed and replaced on every full release
}

// TryAcquire attempts to take the lock without waiting. It returns the
// ownership token and whether acquisition succeeded.
func (l *Lock) TryAcquire() (*Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil {
		return nil, false
	}
	t := &Token{lock: l, depth: 1}
	l.holder = t
	return t, true
}

// Acquire takes the lock, waiting up to timeout for the current holder to
// release it. A timeout of zero or less means DefaultExclusiveTimeout. It
// returns a ContentionError if the wait expires.
func (l *Lock) Acquire(timeout time.Duration) (*Token, error) {
	if timeout <= 0 {
		timeout = DefaultExclusiveTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if l.holder == nil {
			t := &Token{lock: l, depth: 1}
			l.holder = t
			l.mu.Unlock()
			return t, nil
		}
		if l.released == nil {
			l.released = make(chan struct{})
		}
		ch := l.released
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ContentionError("onewire: timed out waiting for exclusive access")
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, ContentionError("onewire: timed out waiting for exclusive access")
		}
	}
}

// Hold re-enters the lock with an already-held token, deepening the
// critical section. Each Hold must be paired with a Release.
func (l *Lock) Hold(t *Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t == nil || l.holder != t {
		return ContentionError("onewire: hold by a non-owner token")
	}
	t.depth++
	return nil
}

// Release gives the lock back. The lock frees up once the outermost
// acquisition is released, waking all blocked acquirers.
func (l *Lock) Release(t *Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t == nil || l.holder != t {
		return ContentionError("onewire: release by a non-owner token")
	}
	t.depth--
	if t.depth > 0 {
		return nil
	}
	l.holder = nil
	if l.released != nil {
		close(l.released)
		l.released = nil
	}
	return nil
}

// Depth reports how many acquisitions t currently stacks. It drops to
// zero once the outermost acquisition has been released.
func (t *Token) Depth() int {
	t.lock.mu.Lock()
	defer t.lock.mu.Unlock()
	return t.depth
}

// Held reports whether the lock is currently held by any token.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != nil
}
