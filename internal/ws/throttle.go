package ws

import (
	"sync"
	"time"
)

// throttle limits how often an action may run per client within a
// sliding window. Used to bound the cost of introduce snapshot pushes
// during rapid repeated join storms.
type throttle struct {
	mu      sync.Mutex
	entries map[*Client][]time.Time
	max     int
	window  time.Duration
}

// newThrottle creates a throttle allowing max actions per window.
func newThrottle(max int, window time.Duration) *throttle {
	return &throttle{
		entries: make(map[*Client][]time.Time),
		max:     max,
		window:  window,
	}
}

// allow returns true if the client has not exceeded the limit.
// If allowed, the action is recorded.
func (t *throttle) allow(c *Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-t.window)

	timestamps := t.entries[c]
	// Remove expired entries
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= t.max {
		t.entries[c] = valid
		return false
	}

	t.entries[c] = append(valid, now)
	return true
}

// forget drops a client's history. Called on disconnect so the map does
// not grow with dead connections.
func (t *throttle) forget(c *Client) {
	t.mu.Lock()
	delete(t.entries, c)
	t.mu.Unlock()
}
