package peerwire

import (
	"fmt"
	"sync"

	"github.com/anacrolix/missinggo/v2/panicif"
	xsync "github.com/anacrolix/sync"
)

// coordinatorToken is the mutual-exclusion token an engine acquires at
// the top of Engine.ConnectionReady and releases at the bottom, also
// reused by the coordinator to guard its own callbacks into the engine
// (setWeAreChoking, sendHavePiece, ...). Engine code never observes
// concurrent mutation of its own state while holding it.
//
// Lock/Unlock run any actions deferred during the critical section once
// the section ends, so a coordinator callback invoked under the token
// can itself enqueue outbound work without re-entering the lock.
type coordinatorToken struct {
	internal      xsync.RWMutex
	unlockActions []func()
	allowDefers   bool
}

func (t *coordinatorToken) Lock() {
	t.internal.Lock()
	panicif.True(t.allowDefers)
	t.allowDefers = true
}

func (t *coordinatorToken) Unlock() {
	panicif.False(t.allowDefers)
	t.allowDefers = false
	t.runUnlockActions()
	t.internal.Unlock()
}

func (t *coordinatorToken) RLock()   { t.internal.RLock() }
func (t *coordinatorToken) RUnlock() { t.internal.RUnlock() }

// Defer schedules action to run once the current critical section ends.
func (t *coordinatorToken) Defer(action func()) {
	panicif.False(t.allowDefers)
	t.unlockActions = append(t.unlockActions, action)
}

func (t *coordinatorToken) runUnlockActions() {
	start := len(t.unlockActions)
	for i := 0; i < len(t.unlockActions); i++ {
		t.unlockActions[i]()
	}
	if start != len(t.unlockActions) {
		panic(fmt.Sprintf("num deferred actions changed while running: %v -> %v", start, len(t.unlockActions)))
	}
	t.unlockActions = t.unlockActions[:0]
}

// SafeUnlock/SafeLock bypass deferred-action running, for use by
// compatCond which must release and reacquire the lock around a wait
// without triggering unlock actions meant for the outer critical
// section.
func (t *coordinatorToken) SafeUnlock() {
	panicif.False(t.allowDefers)
	t.allowDefers = false
	t.internal.Unlock()
}

func (t *coordinatorToken) SafeLock() {
	t.internal.Lock()
	panicif.True(t.allowDefers)
	t.allowDefers = true
}

// compatCond is a condition variable compatible with coordinatorToken:
// unlike sync.Cond it unlocks/locks via SafeUnlock/SafeLock so waiting
// never runs the outer critical section's deferred actions early.
type compatCond struct {
	L *coordinatorToken

	mu      sync.Mutex
	waiters []chan struct{}
}

func newCompatCond(l *coordinatorToken) *compatCond {
	if l == nil {
		panic("nil coordinatorToken passed to newCompatCond")
	}
	return &compatCond{L: l}
}

func (c *compatCond) Wait() {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.L.SafeUnlock()
	<-ch
	c.L.SafeLock()
}

func (c *compatCond) Broadcast() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
