// Package registry owns the mapping between live transport connections and
// the identities they claim.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sarathsp06/relay/internal/logger"
)

var (
	// ErrNotFound is returned for connection ids that are not registered.
	ErrNotFound = errors.New("connection not found")
	// ErrAlreadyBound is returned when an authenticated connection tries to
	// claim a different identity.
	ErrAlreadyBound = errors.New("connection already bound to another identity")
	// ErrEmptyIdentity is returned when authenticating with an empty identity.
	ErrEmptyIdentity = errors.New("identity is required")
)

// Link is the transport handle behind a connection.
type Link interface {
	// Send enqueues a frame without blocking. It reports false if the frame
	// was dropped because the link is closed or saturated.
	Send(frame []byte) bool
	// Probe issues a liveness probe. A reply is reported through MarkAlive.
	Probe() error
	// Close tears down the transport.
	Close() error
	// Open reports whether the transport is still usable.
	Open() bool
}

// connection is a registered link and its bookkeeping.
type connection struct {
	ID              string
	Identity        string
	RegisteredAt    time.Time
	AuthenticatedAt time.Time
	LastActivity    time.Time
	Alive           bool

	link Link
}

// Info is a read-only copy of a connection's state.
type Info struct {
	ID              string
	Identity        string
	RegisteredAt    time.Time
	AuthenticatedAt time.Time
	LastActivity    time.Time
	Alive           bool
	Link            Link
}

// Stats summarizes registry contents.
type Stats struct {
	Connections   int
	Authenticated int
	Identities    int
}

// Registry is a bidirectional connection/identity index. All mutations are
// atomic with respect to the snapshots used for fan-out.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*connection
	byIdentity map[string]map[string]struct{}

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:      make(map[string]*connection),
		byIdentity: make(map[string]map[string]struct{}),
		now:        time.Now,
		logger:     logger.NewLogger("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a link and returns its generated connection id.
func (r *Registry) Register(link Link) string {
	now := r.now()
	c := &connection{
		ID:           uuid.NewString(),
		RegisteredAt: now,
		LastActivity: now,
		Alive:        true,
		link:         link,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.logger.Debug("Connection registered", "connection_id", c.ID)
	return c.ID
}

// Authenticate binds a connection to an identity. first reports whether this
// connection is the identity's only one, i.e. the identity just came online.
// Re-authenticating with the same identity succeeds with first=false.
func (r *Registry) Authenticate(connID, identity string) (first bool, err error) {
	if identity == "" {
		return false, ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Identity != "" {
		if c.Identity == identity {
			return false, nil
		}
		return false, ErrAlreadyBound
	}

	now := r.now()
	c.Identity = identity
	c.AuthenticatedAt = now
	c.LastActivity = now

	set, ok := r.byIdentity[identity]
	if !ok {
		set = make(map[string]struct{})
		r.byIdentity[identity] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

// Unregister removes a connection. identity is the identity it was bound to
// (empty if never authenticated) and last reports whether it was that
// identity's final connection. Unregistering twice is a no-op.
func (r *Registry) Unregister(connID string) (identity string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)

	if c.Identity == "" {
		return "", false
	}
	set := r.byIdentity[c.Identity]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byIdentity, c.Identity)
		return c.Identity, true
	}
	return c.Identity, false
}

// Identity returns the identity bound to a connection, or "" if it has not
// authenticated.
func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.Identity, true
}

// LookupByIdentity returns the connections authenticated as identity, sorted.
func (r *Registry) LookupByIdentity(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identity]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send delivers a frame to one connection. It reports false if the
// connection is unknown or its link dropped the frame. The read lock is held
// across the enqueue so a frame never reaches a connection after Unregister.
func (r *Registry) Send(connID string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || !c.link.Open() {
		return false
	}
	return c.link.Send(frame)
}

// Broadcast sends a frame to every authenticated connection except the ones
// listed in except. It returns how many links accepted the frame.
func (r *Registry) Broadcast(frame []byte, except ...string) int {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, c := range r.conns {
		if c.Identity == "" {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		if c.link.Open() && c.link.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.LastActivity = r.now()
	}
	r.mu.Unlock()
}

// MarkAlive records a liveness reply on a connection.
func (r *Registry) MarkAlive(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.Alive = true
		c.LastActivity = r.now()
	}
	r.mu.Unlock()
}

// MarkPending clears the liveness flag ahead of a probe and returns the
// previous value.
func (r *Registry) MarkPending(connID string) (wasAlive bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, false
	}
	wasAlive = c.Alive
	c.Alive = false
	return wasAlive, true
}

// Snapshot returns a copy of every registered connection.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, Info{
			ID:              c.ID,
			Identity:        c.Identity,
			RegisteredAt:    c.RegisteredAt,
			AuthenticatedAt: c.AuthenticatedAt,
			LastActivity:    c.LastActivity,
			Alive:           c.Alive,
			Link:            c.link,
		})
	}
	return out
}

// PruneOrphans removes identity index entries that point at connections no
// longer registered. It returns identities whose sets became empty.
func (r *Registry) PruneOrphans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for identity, set := range r.byIdentity {
		for id := range set {
			if c, ok := r.conns[id]; !ok || c.Identity != identity {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(r.byIdentity, identity)
			emptied = append(emptied, identity)
		}
	}
	if len(emptied) > 0 {
		r.logger.Warn("Pruned orphaned identity entries", "identities", emptied)
	}
	return emptied
}

// Identities returns every identity with at least one connection, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Connections: len(r.conns), Identities: len(r.byIdentity)}
	for _, c := range r.conns {
		if c.Identity != "" {
			s.Authenticated++
		}
	}
	return s
}
