// Package presence derives online/offline status of identities from the
// connections held in a registry.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sarathsp06/relay/internal/envelope"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/registry"
)

// Event is a presence transition.
type Event struct {
	Identity string
	Online   bool
	At       time.Time
}

// Listener observes presence transitions. It is called synchronously and
// must not call back into the Tracker.
type Listener func(Event)

// DefaultLastSeenRetention bounds how long an offline identity's last-seen
// time is remembered.
const DefaultLastSeenRetention = 24 * time.Hour

// Tracker serializes every presence-changing registry mutation so that
// announcements go out in the order the transitions happened.
type Tracker struct {
	mu        sync.Mutex
	reg       *registry.Registry
	lastSeen  map[string]time.Time
	retention time.Duration
	listeners []Listener

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithLastSeenRetention sets how long last-seen times of offline identities
// are kept. Prune drops older entries.
func WithLastSeenRetention(d time.Duration) Option {
	return func(t *Tracker) { t.retention = d }
}

// NewTracker creates a tracker over reg. Presence starts empty.
func NewTracker(reg *registry.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		reg:       reg,
		lastSeen:  make(map[string]time.Time),
		retention: DefaultLastSeenRetention,
		now:       time.Now,
		logger:    logger.NewLogger("presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a listener for presence transitions.
func (t *Tracker) OnChange(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Authenticate binds connID to identity. If the identity was absent, a
// user_online announcement goes to every other authenticated connection.
func (t *Tracker) Authenticate(connID, identity string) (cameOnline bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, err := t.reg.Authenticate(connID, identity)
	if err != nil {
		return false, err
	}
	now := t.now()
	t.lastSeen[identity] = now
	if first {
		t.announce(Event{Identity: identity, Online: true, At: now}, connID)
	}
	return first, nil
}

// Disconnect unregisters connID. If it was the identity's last connection a
// user_offline announcement goes out. Calling it twice is harmless.
func (t *Tracker) Disconnect(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	identity, last := t.reg.Unregister(connID)
	if identity == "" {
		return
	}
	now := t.now()
	t.lastSeen[identity] = now
	if last {
		t.announce(Event{Identity: identity, Online: false, At: now})
	}
}

// Prune drops orphaned identity entries from the registry and announces any
// identity that lost its last entry as offline. Last-seen times of offline
// identities older than the retention are forgotten.
func (t *Tracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, identity := range t.reg.PruneOrphans() {
		t.lastSeen[identity] = now
		t.announce(Event{Identity: identity, Online: false, At: now})
	}

	if t.retention <= 0 {
		return
	}
	for identity, seen := range t.lastSeen {
		if now.Sub(seen) > t.retention && len(t.reg.LookupByIdentity(identity)) == 0 {
			delete(t.lastSeen, identity)
		}
	}
}

// IsOnline reports whether identity has at least one authenticated connection.
func (t *Tracker) IsOnline(identity string) bool {
	return len(t.reg.LookupByIdentity(identity)) > 0
}

// LastSeen returns the last time identity connected or disconnected.
func (t *Tracker) LastSeen(identity string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[identity]
	return ts, ok
}

// Online lists identities that are currently online, sorted.
func (t *Tracker) Online() []string {
	return t.reg.Identities()
}

// announce must be called with t.mu held.
func (t *Tracker) announce(ev Event, except ...string) {
	frame, err := envelope.Encode(envelope.NewPresence(ev.Identity, ev.Online, ev.At))
	if err != nil {
		t.logger.Error("Failed to encode presence event", "identity", ev.Identity, "error", err)
		return
	}
	delivered := t.reg.Broadcast(frame, except...)

	t.logger.Info("Presence changed",
		"identity", ev.Identity,
		"online", ev.Online,
		"notified", delivered,
	)

	for _, l := range t.listeners {
		l(ev)
	}
}
