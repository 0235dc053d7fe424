package presence

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/sarathsp06/relay/internal/envelope"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/registry"
)

type recordingLink struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (l *recordingLink) Send(frame []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	var m map[string]any
	_ = json.Unmarshal(frame, &m)
	l.frames = append(l.frames, m)
	return true
}

func (l *recordingLink) Probe() error { return nil }
func (l *recordingLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
func (l *recordingLink) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *recordingLink) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.frames))
	for _, f := range l.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func newTracker() (*registry.Registry, *Tracker, *[]Event) {
	reg := registry.New(registry.WithLogger(logger.Discard()))
	tr := NewTracker(reg, WithLogger(logger.Discard()))
	var events []Event
	tr.OnChange(func(ev Event) { events = append(events, ev) })
	return reg, tr, &events
}

func TestOnlineOfflineBroadcast(t *testing.T) {
	reg, tr, events := newTracker()

	observer := &recordingLink{}
	oid := reg.Register(observer)
	if _, err := tr.Authenticate(oid, "did:observer"); err != nil {
		t.Fatal(err)
	}

	alice := &recordingLink{}
	aid := reg.Register(alice)
	cameOnline, err := tr.Authenticate(aid, "did:alice")
	if err != nil || !cameOnline {
		t.Fatalf("Expected did:alice to come online, got %v %v", cameOnline, err)
	}

	if got := observer.types(); len(got) != 1 || got[0] != envelope.TypeUserOnline {
		t.Fatalf("Observer expected one user_online, got %v", got)
	}
	if got := alice.types(); len(got) != 0 {
		t.Errorf("Alice should not be told about herself, got %v", got)
	}

	tr.Disconnect(aid)
	if got := observer.types(); len(got) != 2 || got[1] != envelope.TypeUserOffline {
		t.Fatalf("Observer expected user_offline, got %v", got)
	}
	if tr.IsOnline("did:alice") {
		t.Error("did:alice should be offline")
	}
	if _, ok := tr.LastSeen("did:alice"); !ok {
		t.Error("Expected last-seen for did:alice")
	}

	if len(*events) != 3 {
		t.Errorf("Expected 3 events (observer online, alice online, alice offline), got %d", len(*events))
	}
}

func TestMultipleConnectionsCollapse(t *testing.T) {
	reg, tr, events := newTracker()

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = reg.Register(&recordingLink{})
		if _, err := tr.Authenticate(ids[i], "did:multi"); err != nil {
			t.Fatal(err)
		}
	}
	tr.Disconnect(ids[0])
	tr.Disconnect(ids[1])
	if !tr.IsOnline("did:multi") {
		t.Fatal("did:multi should remain online while a connection is open")
	}
	if len(*events) != 1 {
		t.Fatalf("Expected only the initial online event, got %v", *events)
	}

	tr.Disconnect(ids[2])
	tr.Disconnect(ids[2])
	if len(*events) != 2 || (*events)[1].Online {
		t.Fatalf("Expected exactly one offline event, got %v", *events)
	}
}

// Random connect/authenticate/disconnect churn over N connections sharing one
// identity: online iff at least one is open, one offline per absence.
func TestPresenceChurnProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	for round := 0; round < 50; round++ {
		reg, tr, events := newTracker()
		open := map[string]bool{}
		var all []string
		expectedOffline := 0

		for step := 0; step < 40; step++ {
			if len(open) == 0 || rng.IntN(2) == 0 {
				id := reg.Register(&recordingLink{})
				if _, err := tr.Authenticate(id, "did:churn"); err != nil {
					t.Fatal(err)
				}
				open[id] = true
				all = append(all, id)
			} else {
				id := all[rng.IntN(len(all))]
				if open[id] {
					delete(open, id)
					if len(open) == 0 {
						expectedOffline++
					}
				}
				tr.Disconnect(id)
			}
			if tr.IsOnline("did:churn") != (len(open) > 0) {
				t.Fatalf("round %d step %d: online=%v but %d open", round, step, tr.IsOnline("did:churn"), len(open))
			}
		}

		offline := 0
		for _, ev := range *events {
			if !ev.Online {
				offline++
			}
		}
		if offline != expectedOffline {
			t.Fatalf("round %d: expected %d offline events, got %d", round, expectedOffline, offline)
		}
	}
}

func TestOnlineListing(t *testing.T) {
	reg, tr, _ := newTracker()
	for _, did := range []string{"did:b", "did:a"} {
		id := reg.Register(&recordingLink{})
		tr.Authenticate(id, did)
	}
	got := tr.Online()
	if len(got) != 2 || got[0] != "did:a" || got[1] != "did:b" {
		t.Errorf("Expected sorted [did:a did:b], got %v", got)
	}
}

func TestPruneForgetsStaleLastSeen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.New(registry.WithLogger(logger.Discard()))
	tr := NewTracker(reg,
		WithLogger(logger.Discard()),
		WithClock(func() time.Time { return now }),
		WithLastSeenRetention(time.Hour),
	)

	gone := reg.Register(&recordingLink{})
	stay := reg.Register(&recordingLink{})
	tr.Authenticate(gone, "did:gone")
	tr.Authenticate(stay, "did:stay")
	tr.Disconnect(gone)

	now = now.Add(30 * time.Minute)
	tr.Prune()
	if _, ok := tr.LastSeen("did:gone"); !ok {
		t.Fatal("Expected last-seen to survive within retention")
	}

	now = now.Add(2 * time.Hour)
	tr.Prune()
	if _, ok := tr.LastSeen("did:gone"); ok {
		t.Error("Expected stale last-seen of an offline identity to be dropped")
	}
	if _, ok := tr.LastSeen("did:stay"); !ok {
		t.Error("Online identity must keep its last-seen entry")
	}
}
