package alerts

import (
	"context"
	"sync"
	"time"
)

type cooldownState struct {
	last time.Time
	// holds a token while a send on the key is in flight
	slot chan struct{}
}

// Cooldowns enforces a minimum interval between successful deliveries per key.
// A key is reserved before sending and either committed on success or released on failure,
// so only a delivered notification starts the window. Sends on one key are serialised: a
// second reservation waits for the first send to settle and then checks the window again.
type Cooldowns struct {
	mu    sync.Mutex
	state map[string]*cooldownState
}

// NewCooldowns creates an empty cooldown table
func NewCooldowns() *Cooldowns {
	return &Cooldowns{state: make(map[string]*cooldownState)}
}

func (c *Cooldowns) entry(key string) *cooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[key]
	if !ok {
		st = &cooldownState{slot: make(chan struct{}, 1)}
		c.state[key] = st
	}
	return st
}

// Reserve claims key for a send. It waits while another send on the key is in flight and
// reports false when the last successful send is less than interval before now(). The error
// is non-nil only when ctx ends while waiting. A successful reservation must be followed by
// Commit or Release.
func (c *Cooldowns) Reserve(ctx context.Context, key string, interval time.Duration, now func() time.Time) (bool, error) {
	st := c.entry(key)
	select {
	case st.slot <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	c.mu.Lock()
	last := st.last
	c.mu.Unlock()
	if !last.IsZero() && now().Sub(last) < interval {
		<-st.slot
		return false, nil
	}
	return true, nil
}

// Commit records a successful send, starts the window and frees the key
func (c *Cooldowns) Commit(key string, at time.Time) {
	st := c.entry(key)
	c.mu.Lock()
	st.last = at
	c.mu.Unlock()
	<-st.slot
}

// Release frees the key without touching the window
func (c *Cooldowns) Release(key string) {
	<-c.entry(key).slot
}

// Last returns the time of the last successful send on key
func (c *Cooldowns) Last(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[key]
	if !ok || st.last.IsZero() {
		return time.Time{}, false
	}
	return st.last, true
}
