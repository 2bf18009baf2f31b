package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
	"github.com/gmcompanion/livesession/internal/storage"
)

type fakeHub struct {
	mu      sync.Mutex
	opened  []string
	closed  map[string]string
	removed []string
}

func newFakeHub() *fakeHub {
	return &fakeHub{closed: make(map[string]string)}
}

func (h *fakeHub) Open(session domain.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, session.ID)
	return nil
}

func (h *fakeHub) Close(sessionID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed[sessionID] = reason
}

func (h *fakeHub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, sessionID)
}

type fakeAuthorizer struct {
	roles map[string]domain.Role // proof -> role
}

func (a *fakeAuthorizer) Authorize(ctx context.Context, campaignID, userID, proof string) (domain.Role, error) {
	role, ok := a.roles[proof]
	if !ok {
		return domain.RoleUnspecified, errors.New(errors.CodeUnauthorized, "join proof is invalid")
	}
	return role, nil
}

type fakeSessionStore struct {
	mu     sync.Mutex
	opened []storage.SessionRecord
	closed []string
}

func (s *fakeSessionStore) RecordSessionOpened(ctx context.Context, record storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, record)
	return nil
}

func (s *fakeSessionStore) RecordSessionClosed(ctx context.Context, sessionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, sessionID)
	return nil
}

func (s *fakeSessionStore) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	return storage.SessionRecord{}, storage.ErrNotFound
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 14, 20, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func stubIDs() func() (string, error) {
	counter := 0
	return func() (string, error) {
		counter++
		return fmt.Sprintf("id-%d", counter), nil
	}
}

type fixture struct {
	registry *Registry
	hub      *fakeHub
	store    *fakeSessionStore
	clock    *testClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	hub := newFakeHub()
	store := &fakeSessionStore{}
	clock := newTestClock()
	auth := &fakeAuthorizer{roles: map[string]domain.Role{
		"gm-proof":     domain.RoleGM,
		"player-proof": domain.RolePlayer,
	}}
	reg := New(Deps{
		Hub:         hub,
		Auth:        auth,
		Store:       store,
		Config:      cfg,
		Clock:       clock.Now,
		IDGenerator: stubIDs(),
	})
	return &fixture{registry: reg, hub: hub, store: store, clock: clock}
}

func TestOpenSessionStartsFormingAndPersistsAudit(t *testing.T) {
	f := newFixture(t, Config{})
	session, err := f.registry.OpenSession(context.Background(), "camp-1", "user-gm")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if session.Status != domain.SessionStatusForming {
		t.Fatalf("status = %s, want forming", session.Status)
	}
	if len(f.hub.opened) != 1 || f.hub.opened[0] != session.ID {
		t.Fatalf("hub not opened for %s", session.ID)
	}
	if len(f.store.opened) != 1 || f.store.opened[0].ID != session.ID {
		t.Fatal("audit record not written")
	}
}

func TestJoinActivatesAndAssignsRoleFromProof(t *testing.T) {
	f := newFixture(t, Config{})
	session, err := f.registry.OpenSession(context.Background(), "camp-1", "user-gm")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	participant, err := f.registry.Join(context.Background(), session.ID, "user-gm", "gm-proof", "conn-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if participant.Role != domain.RoleGM {
		t.Fatalf("role = %s, want gm", participant.Role)
	}
	got, err := f.registry.Session(session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.SessionStatusActive {
		t.Fatalf("status = %s, want active after first join", got.Status)
	}

	if _, err := f.registry.Join(context.Background(), session.ID, "user-x", "bad-proof", "conn-2"); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for bad proof, got %v", err)
	}
	if _, err := f.registry.Join(context.Background(), "missing", "user-gm", "gm-proof", "conn-3"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJoinClosedSessionUnauthorized(t *testing.T) {
	f := newFixture(t, Config{})
	session, _ := f.registry.OpenSession(context.Background(), "camp-1", "user-gm")
	if err := f.registry.Close(context.Background(), session.ID, "gm ended"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.registry.Join(context.Background(), session.ID, "user-gm", "gm-proof", "conn-1"); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized join on closed session, got %v", err)
	}
	if reason := f.hub.closed[session.ID]; reason != "gm ended" {
		t.Fatalf("hub close reason = %q", reason)
	}
	if len(f.store.closed) != 1 {
		t.Fatal("audit close not written")
	}
}

func TestReattachWithinGraceReturnsRecord(t *testing.T) {
	f := newFixture(t, Config{ReconnectGrace: time.Minute})
	session, _ := f.registry.OpenSession(context.Background(), "camp-1", "user-gm")
	participant, err := f.registry.Join(context.Background(), session.ID, "user-p", "player-proof", "conn-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	f.registry.Ack(participant.ID, 7)

	f.registry.Disconnect(participant.ID, "conn-1")
	f.clock.Advance(30 * time.Second)

	got, err := f.registry.Reattach(participant.ID, "conn-2")
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if got.LastAckedVersion != 7 {
		t.Fatalf("last acked = %d, want 7", got.LastAckedVersion)
	}
	if got.ConnectionID != "conn-2" {
		t.Fatalf("connection id = %q, want conn-2", got.ConnectionID)
	}
	if got.Role != domain.RolePlayer {
		t.Fatalf("role = %s, want player", got.Role)
	}
}

func TestStaleDisconnectDoesNotDetachReattachedParticipant(t *testing.T) {
	f := newFixture(t, Config{ReconnectGrace: time.Minute})
	session, _ := f.registry.OpenSession(context.Background(), "camp-1", "user-gm")
	participant, _ := f.registry.Join(context.Background(), session.ID, "user-p", "player-proof", "conn-1")

	f.registry.Disconnect(participant.ID, "conn-1")
	if _, err := f.registry.Reattach(participant.ID, "conn-2"); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	// The old transport tears down after the reattach already succeeded.
	f.registry.Disconnect(participant.ID, "conn-1")

	f.clock.Advance(2 * time.Minute)
	f.registry.Sweep(context.Background())
	if _, err := f.registry.Participant(participant.ID); err != nil {
		t.Fatalf("reattached participant was expired: %v", err)
	}
}

func TestReattachBeyondGraceExpires(t *testing.T) {
	f := newFixture(t, Config{ReconnectGrace: time.Minute})
	session, _ := f.registry.OpenSession(context.Background(), "camp-1", "user-gm")
	participant, _ := f.registry.Join(context.Background(), session.ID, "user-p", "player-proof", "conn-1")

	f.registry.Disconnect(participant.ID, "conn-1")
	f.clock.Advance(2 * time.Minute)

	if _, err := f.registry.Reattach(participant.ID, "conn-2"); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected expired reconnect to be unauthorized, got %v", err)
	}
	// A second attempt hits the removed record path.
	if _, err := f.registry.Reattach(participant.ID, "conn-3"); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected rejoin requirement, got %v", err)
	}
}

func TestSweepPausesIdleThenClosesAndRemoves(t *testing.T) {
	cfg := Config{
		PauseAfter:     10 * time.Minute,
		CloseAfter:     time.Hour,
		ReconnectGrace: time.Minute,
		TeardownGrace:  5 * time.Second,
	}
	f := newFixture(t, cfg)
	ctx := context.Background()
	session, _ := f.registry.OpenSession(ctx, "camp-1", "user-gm")
	participant, _ := f.registry.Join(ctx, session.ID, "user-p", "player-proof", "conn-1")
	f.registry.Leave(participant.ID)

	// Not idle long enough yet.
	f.clock.Advance(5 * time.Minute)
	f.registry.Sweep(ctx)
	got, _ := f.registry.Session(session.ID)
	if got.Status != domain.SessionStatusActive {
		t.Fatalf("status = %s, want active before pause window", got.Status)
	}

	f.clock.Advance(6 * time.Minute)
	f.registry.Sweep(ctx)
	got, _ = f.registry.Session(session.ID)
	if got.Status != domain.SessionStatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	f.clock.Advance(time.Hour)
	f.registry.Sweep(ctx)
	got, _ = f.registry.Session(session.ID)
	if got.Status != domain.SessionStatusClosed {
		t.Fatalf("status = %s, want closed after idle timeout", got.Status)
	}
	if reason := f.hub.closed[session.ID]; reason != "idle timeout" {
		t.Fatalf("close reason = %q, want idle timeout", reason)
	}

	f.clock.Advance(10 * time.Second)
	f.registry.Sweep(ctx)
	if _, err := f.registry.Session(session.ID); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected removed session, got %v", err)
	}
	if len(f.hub.removed) != 1 || f.hub.removed[0] != session.ID {
		t.Fatal("hub loop not removed after teardown grace")
	}
}

func TestSweepExpiresDisconnectedParticipants(t *testing.T) {
	f := newFixture(t, Config{ReconnectGrace: time.Minute})
	ctx := context.Background()
	session, _ := f.registry.OpenSession(ctx, "camp-1", "user-gm")
	participant, _ := f.registry.Join(ctx, session.ID, "user-p", "player-proof", "conn-1")

	f.registry.Disconnect(participant.ID, "conn-1")
	f.clock.Advance(2 * time.Minute)
	f.registry.Sweep(ctx)

	if _, err := f.registry.Participant(participant.ID); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected expired participant to be gone, got %v", err)
	}
}

func TestRejoinAfterPauseResumesSession(t *testing.T) {
	cfg := Config{PauseAfter: 10 * time.Minute}
	f := newFixture(t, cfg)
	ctx := context.Background()
	session, _ := f.registry.OpenSession(ctx, "camp-1", "user-gm")
	participant, _ := f.registry.Join(ctx, session.ID, "user-p", "player-proof", "conn-1")
	f.registry.Leave(participant.ID)

	f.clock.Advance(11 * time.Minute)
	f.registry.Sweep(ctx)
	got, _ := f.registry.Session(session.ID)
	if got.Status != domain.SessionStatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	if _, err := f.registry.Join(ctx, session.ID, "user-p", "player-proof", "conn-2"); err != nil {
		t.Fatalf("rejoin paused session: %v", err)
	}
	got, _ = f.registry.Session(session.ID)
	if got.Status != domain.SessionStatusActive {
		t.Fatalf("status = %s, want active after rejoin", got.Status)
	}
}
