package character

import (
	"sort"
	"sync"
	"time"

	"github.com/christopherjohns/presence/internal/geo"
)

// defaultIdle is how long a character may go without an accepted event
// before it is removed as if it had parted.
const defaultIdle = 60 * time.Second

// expireTimer pairs a cancellable timer with the entry it guards. The
// registry compares handles on firing so a superseded timer that raced
// its own Stop can never remove a character that was since refreshed.
type expireTimer struct {
	stop func() bool
}

// timerFactory schedules fn after d and returns a cancel function.
// Tests substitute a manual implementation to control the clock.
type timerFactory func(d time.Duration, fn func()) func() bool

func realTimer(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// Registry owns the character map and the per-id expiration timers.
// All mutation funnels through its operations; it is safe for use from
// multiple goroutines.
type Registry struct {
	mu     sync.Mutex
	chars  map[string]*Character
	timers map[string]*expireTimer

	bounds   geo.Bounds
	idle     time.Duration
	newTimer timerFactory

	// onExpire is called (outside the lock) after an idle timer removes
	// a character, so the session layer can announce the part.
	onExpire func(id string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithBounds sets the play area positions are clamped into.
func WithBounds(b geo.Bounds) Option {
	return func(r *Registry) { r.bounds = b }
}

// WithIdleTimeout sets how long a character survives without activity.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

// WithExpireFunc sets the callback invoked when idle expiration removes
// a character.
func WithExpireFunc(fn func(id string)) Option {
	return func(r *Registry) { r.onExpire = fn }
}

// WithTimerFactory overrides timer creation. Used by tests to drive
// expiration without waiting on the wall clock.
func WithTimerFactory(f timerFactory) Option {
	return func(r *Registry) { r.newTimer = f }
}

// NewRegistry creates an empty Registry with the default bounds and
// idle timeout.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		chars:    make(map[string]*Character),
		timers:   make(map[string]*expireTimer),
		bounds:   geo.DefaultBounds,
		idle:     defaultIdle,
		newTimer: realTimer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bounds returns the configured play area.
func (r *Registry) Bounds() geo.Bounds {
	return r.bounds
}

// Join validates and inserts a character, or refreshes an existing one.
// A repeated join for a known id overwrites its state rather than
// failing, so reconnects and duplicate joins are harmless.
func (r *Registry) Join(id, username string, position, rotation geo.Vector) error {
	switch {
	case !geo.ValidID(id):
		return invalid("id")
	case !geo.ValidUsername(username):
		return invalid("username")
	case !geo.ValidVector(position):
		return invalid("position")
	case !geo.ValidVector(rotation):
		return invalid("rotation")
	}

	r.mu.Lock()
	c, ok := r.chars[id]
	if !ok {
		c = &Character{ID: id}
		r.chars[id] = c
	}
	c.Username = username
	c.Position = r.bounds.Clamp(position)
	c.Rotation = rotation
	r.scheduleExpiration(id)
	r.mu.Unlock()
	return nil
}

// Part removes a character and cancels its expiration timer. Removal is
// idempotent; parting an unknown id is not an error.
func (r *Registry) Part(id string) {
	r.mu.Lock()
	r.cancelExpiration(id)
	delete(r.chars, id)
	r.mu.Unlock()
}

// UpdateUsername changes a character's display name.
func (r *Registry) UpdateUsername(id, username string) error {
	if !geo.ValidID(id) {
		return invalid("id")
	}
	if !geo.ValidUsername(username) {
		return invalid("username")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	c.Username = username
	r.scheduleExpiration(id)
	return nil
}

// UpdatePosition moves a character. cameraPosition and playerHeight are
// optional companion fields; when present they are validated and clamped
// with the same discipline as the position itself.
func (r *Registry) UpdatePosition(id string, position geo.Vector, cameraPosition *geo.Vector, playerHeight *float64) error {
	if !geo.ValidID(id) {
		return invalid("id")
	}
	if !geo.ValidVector(position) {
		return invalid("position")
	}
	if cameraPosition != nil && !geo.ValidVector(*cameraPosition) {
		return invalid("cameraPosition")
	}
	if playerHeight != nil && !geo.ValidNumber(*playerHeight) {
		return invalid("playerHeight")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	c.Position = r.bounds.Clamp(position)
	if cameraPosition != nil {
		cp := r.bounds.Clamp(*cameraPosition)
		c.CameraPosition = &cp
	}
	if playerHeight != nil {
		h := r.bounds.ClampHeight(*playerHeight)
		c.PlayerHeight = &h
	}
	r.scheduleExpiration(id)
	return nil
}

// UpdateRotation turns a character. Rotation is unbounded but must be finite.
func (r *Registry) UpdateRotation(id string, rotation geo.Vector) error {
	if !geo.ValidID(id) {
		return invalid("id")
	}
	if !geo.ValidVector(rotation) {
		return invalid("rotation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	c.Rotation = rotation
	r.scheduleExpiration(id)
	return nil
}

// Ping refreshes a character's expiration timer without touching any
// other state. This is the cheap liveness heartbeat.
func (r *Registry) Ping(id string) error {
	if !geo.ValidID(id) {
		return invalid("id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chars[id]; !ok {
		return &NotFoundError{ID: id}
	}
	r.scheduleExpiration(id)
	return nil
}

// Get returns a copy of the character with the given id.
func (r *Registry) Get(id string) (Character, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[id]
	if !ok {
		return Character{}, false
	}
	return *c, true
}

// List returns a snapshot of all characters, ordered by id. Callers get
// copies; the live map is never exposed.
func (r *Registry) List() []Character {
	r.mu.Lock()
	result := make([]Character, 0, len(r.chars))
	for _, c := range r.chars {
		result = append(result, *c)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of live characters.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chars)
}

// scheduleExpiration arms the idle timer for id, cancelling any prior
// one first so at most one timer exists per id. Must be called with mu held.
func (r *Registry) scheduleExpiration(id string) {
	r.cancelExpiration(id)
	et := &expireTimer{}
	et.stop = r.newTimer(r.idle, func() { r.expire(id, et) })
	r.timers[id] = et
}

// cancelExpiration stops and forgets the timer for id, if any. Must be
// called with mu held.
func (r *Registry) cancelExpiration(id string) {
	if et, ok := r.timers[id]; ok {
		et.stop()
		delete(r.timers, id)
	}
}

// expire is the timer callback. It removes the character exactly as an
// inbound part would, but only if the firing timer is still the current
// one for the id; a timer that lost a race with its own cancellation is
// ignored.
func (r *Registry) expire(id string, et *expireTimer) {
	r.mu.Lock()
	current, ok := r.timers[id]
	if !ok || current != et {
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)
	delete(r.chars, id)
	r.mu.Unlock()

	if r.onExpire != nil {
		r.onExpire(id)
	}
}
