// Package registry owns the lifecycle of live sessions and their attached
// participants: opening, authorized joins, disconnect grace, idle
// transitions, and teardown.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gmcompanion/livesession/internal/auth"
	"github.com/gmcompanion/livesession/internal/id"
	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
	"github.com/gmcompanion/livesession/internal/storage"
)

// Default lifecycle windows, overridable through Config.
const (
	DefaultPauseAfter     = 10 * time.Minute
	DefaultCloseAfter     = 60 * time.Minute
	DefaultReconnectGrace = 2 * time.Minute
	DefaultTeardownGrace  = 5 * time.Second
)

// SessionHub is the slice of the synchronization hub the registry drives.
type SessionHub interface {
	Open(session domain.Session) error
	Close(sessionID, reason string)
	Remove(sessionID string)
}

// Config holds the registry's lifecycle windows.
type Config struct {
	// PauseAfter moves an Active session with no attached participants to
	// Paused.
	PauseAfter time.Duration
	// CloseAfter moves a Paused session to Closed.
	CloseAfter time.Duration
	// ReconnectGrace retains a disconnected participant's record for resync.
	ReconnectGrace time.Duration
	// TeardownGrace keeps a closed session's hub loop around long enough
	// for terminal deltas to drain.
	TeardownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.PauseAfter <= 0 {
		c.PauseAfter = DefaultPauseAfter
	}
	if c.CloseAfter <= 0 {
		c.CloseAfter = DefaultCloseAfter
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = DefaultReconnectGrace
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = DefaultTeardownGrace
	}
	return c
}

// Deps wires the registry's collaborators.
type Deps struct {
	Hub    SessionHub
	Auth   auth.Authorizer
	Store  storage.SessionStore
	Config Config
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// IDGenerator overrides id.NewID for tests.
	IDGenerator func() (string, error)
	Logger      *slog.Logger
}

type connState int

const (
	connAttached connState = iota
	connDisconnected
)

type participantRecord struct {
	participant    domain.Participant
	state          connState
	disconnectedAt time.Time
}

type liveSession struct {
	session      domain.Session
	participants map[string]*participantRecord
	emptySince   time.Time
	pausedAt     time.Time
	closedAt     time.Time
}

func (ls *liveSession) attachedCount() int {
	count := 0
	for _, record := range ls.participants {
		if record.state == connAttached {
			count++
		}
	}
	return count
}

// Registry tracks every open session and its participants.
type Registry struct {
	hub    SessionHub
	auth   auth.Authorizer
	store  storage.SessionStore
	cfg    Config
	clock  func() time.Time
	newID  func() (string, error)
	logger *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*liveSession
	participants map[string]string // participant id -> session id
}

// New creates a Registry.
func New(deps Deps) *Registry {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = id.NewID
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hub:          deps.Hub,
		auth:         deps.Auth,
		store:        deps.Store,
		cfg:          deps.Config.withDefaults(),
		clock:        clock,
		newID:        newID,
		logger:       logger,
		sessions:     make(map[string]*liveSession),
		participants: make(map[string]string),
	}
}

// OpenSession creates a session in Forming state and starts its hub loop.
func (r *Registry) OpenSession(ctx context.Context, campaignID, gmID string) (domain.Session, error) {
	session, err := domain.CreateSession(domain.CreateSessionInput{
		CampaignID: campaignID,
		GMID:       gmID,
	}, r.clock, r.newID)
	if err != nil {
		return domain.Session{}, errors.Wrap(errors.CodeInvalid, "create session", err)
	}
	if err := r.hub.Open(session); err != nil {
		return domain.Session{}, err
	}

	r.mu.Lock()
	r.sessions[session.ID] = &liveSession{
		session:      session,
		participants: make(map[string]*participantRecord),
		emptySince:   r.clock().UTC(),
	}
	r.mu.Unlock()

	if r.store != nil {
		record := storage.SessionRecord{
			ID:         session.ID,
			CampaignID: session.CampaignID,
			GMID:       session.GMID,
			Status:     session.Status.String(),
			CreatedAt:  session.CreatedAt,
		}
		if err := r.store.RecordSessionOpened(ctx, record); err != nil {
			r.logger.Warn("session audit write failed", "session_id", session.ID, "error", err)
		}
	}

	r.logger.Info("session opened", "session_id", session.ID, "campaign_id", campaignID)
	return session, nil
}

// Join authorizes a user against the campaign and attaches a new
// participant. The role comes from the join proof and is immutable for the
// participant's lifetime.
func (r *Registry) Join(ctx context.Context, sessionID, userID, proof, connectionID string) (domain.Participant, error) {
	r.mu.Lock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.Participant{}, errors.New(errors.CodeNotFound, "session is not open")
	}
	if ls.session.Status == domain.SessionStatusClosed {
		r.mu.Unlock()
		return domain.Participant{}, errors.New(errors.CodeUnauthorized, "session is closed")
	}
	campaignID := ls.session.CampaignID
	r.mu.Unlock()

	role, err := r.auth.Authorize(ctx, campaignID, userID, proof)
	if err != nil {
		return domain.Participant{}, err
	}

	participant, err := domain.CreateParticipant(domain.CreateParticipantInput{
		SessionID:    sessionID,
		UserID:       userID,
		Role:         role,
		ConnectionID: connectionID,
	}, r.clock, r.newID)
	if err != nil {
		return domain.Participant{}, errors.Wrap(errors.CodeInvalid, "create participant", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok = r.sessions[sessionID]
	if !ok || ls.session.Status == domain.SessionStatusClosed {
		return domain.Participant{}, errors.New(errors.CodeUnauthorized, "session is closed")
	}
	if ls.session.Status == domain.SessionStatusForming || ls.session.Status == domain.SessionStatusPaused {
		if err := ls.session.Transition(domain.SessionStatusActive, r.clock); err != nil {
			return domain.Participant{}, errors.Wrap(errors.CodeInternal, "activate session", err)
		}
	}
	ls.participants[participant.ID] = &participantRecord{participant: participant}
	ls.emptySince = time.Time{}
	ls.pausedAt = time.Time{}
	r.participants[participant.ID] = sessionID

	r.logger.Info("participant joined",
		"session_id", sessionID,
		"participant_id", participant.ID,
		"role", participant.Role)
	return participant, nil
}

// Leave detaches a participant for good. Leaving does not end the session.
func (r *Registry) Leave(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.participants[participantID]
	if !ok {
		return
	}
	delete(r.participants, participantID)
	ls, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(ls.participants, participantID)
	r.noteEmptyLocked(ls)
}

// Disconnect marks a participant's transport as lost. The record persists
// for the reconnect grace window so a reattach can resync instead of
// rejoining.
func (r *Registry) Disconnect(participantID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.participants[participantID]
	if !ok {
		return
	}
	ls, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	record, ok := ls.participants[participantID]
	if !ok || record.state == connDisconnected {
		return
	}
	// A stale connection tearing down after a reattach must not detach the
	// connection that replaced it.
	if record.participant.ConnectionID != connectionID {
		return
	}
	record.state = connDisconnected
	record.disconnectedAt = r.clock().UTC()
	r.noteEmptyLocked(ls)
}

// Reattach restores a disconnected participant within the grace window,
// returning its record (including the last acknowledged version) so the
// transport can drive a resync. Beyond the window the record is gone and a
// full rejoin is required.
func (r *Registry) Reattach(participantID, connectionID string) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.participants[participantID]
	if !ok {
		return domain.Participant{}, errors.New(errors.CodeUnauthorized, "reconnect window expired, rejoin required")
	}
	ls, ok := r.sessions[sessionID]
	if !ok {
		return domain.Participant{}, errors.New(errors.CodeUnauthorized, "session is closed")
	}
	record, ok := ls.participants[participantID]
	if !ok {
		return domain.Participant{}, errors.New(errors.CodeUnauthorized, "reconnect window expired, rejoin required")
	}
	if record.state == connDisconnected && r.clock().UTC().Sub(record.disconnectedAt) > r.cfg.ReconnectGrace {
		delete(ls.participants, participantID)
		delete(r.participants, participantID)
		r.noteEmptyLocked(ls)
		return domain.Participant{}, errors.New(errors.CodeUnauthorized, "reconnect window expired, rejoin required")
	}
	record.state = connAttached
	record.disconnectedAt = time.Time{}
	record.participant.ConnectionID = connectionID
	ls.emptySince = time.Time{}
	ls.pausedAt = time.Time{}
	if ls.session.Status == domain.SessionStatusPaused {
		_ = ls.session.Transition(domain.SessionStatusActive, r.clock)
	}
	return record.participant, nil
}

// Ack records the last state version a participant's client acknowledged.
func (r *Registry) Ack(participantID string, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.participants[participantID]
	if !ok {
		return
	}
	ls, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	record, ok := ls.participants[participantID]
	if !ok {
		return
	}
	if version > record.participant.LastAckedVersion {
		record.participant.LastAckedVersion = version
	}
}

// Participant returns the live record for an attached or disconnected
// participant.
func (r *Registry) Participant(participantID string) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.participants[participantID]
	if !ok {
		return domain.Participant{}, errors.New(errors.CodeNotFound, "participant is not attached")
	}
	ls, ok := r.sessions[sessionID]
	if !ok {
		return domain.Participant{}, errors.New(errors.CodeNotFound, "participant is not attached")
	}
	record, ok := ls.participants[participantID]
	if !ok {
		return domain.Participant{}, errors.New(errors.CodeNotFound, "participant is not attached")
	}
	return record.participant, nil
}

// Session returns the current lifecycle record for a session.
func (r *Registry) Session(sessionID string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, errors.New(errors.CodeNotFound, "session is not open")
	}
	return ls.session, nil
}

// Close transitions a session to Closed and tells the hub to deliver
// terminal deltas. The hub loop is removed later, after the teardown grace,
// by the sweeper.
func (r *Registry) Close(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.New(errors.CodeNotFound, "session is not open")
	}
	if ls.session.Status == domain.SessionStatusClosed {
		r.mu.Unlock()
		return nil
	}
	if err := ls.session.Transition(domain.SessionStatusClosed, r.clock); err != nil {
		r.mu.Unlock()
		return errors.Wrap(errors.CodeInternal, "close session", err)
	}
	now := r.clock().UTC()
	ls.closedAt = now
	for participantID := range ls.participants {
		delete(r.participants, participantID)
	}
	ls.participants = make(map[string]*participantRecord)
	r.mu.Unlock()

	r.hub.Close(sessionID, reason)

	if r.store != nil {
		if err := r.store.RecordSessionClosed(ctx, sessionID, now); err != nil {
			r.logger.Warn("session audit close failed", "session_id", sessionID, "error", err)
		}
	}
	r.logger.Info("session closed", "session_id", sessionID, "reason", reason)
	return nil
}

func (r *Registry) noteEmptyLocked(ls *liveSession) {
	if ls.attachedCount() == 0 && ls.emptySince.IsZero() {
		ls.emptySince = r.clock().UTC()
	}
}
