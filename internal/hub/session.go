package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

// subscriberBuffer is the per-subscriber delta channel depth. A subscriber
// that cannot drain this many deltas is cut off and must resync, so a slow
// client never stalls the apply loop or other subscribers.
const subscriberBuffer = 64

// Subscription is one subscriber's ordered, scope-filtered delta stream.
// The channel closes when the subscriber falls too far behind or the
// session ends; the last delivered delta of a clean close is terminal.
type Subscription struct {
	ID            string
	ParticipantID string
	Role          domain.Role
	C             <-chan Delta

	ch chan Delta
}

func newSubscription(id, participantID string, role domain.Role) *Subscription {
	ch := make(chan Delta, subscriberBuffer)
	return &Subscription{
		ID:            id,
		ParticipantID: participantID,
		Role:          role,
		C:             ch,
		ch:            ch,
	}
}

type applyCmd struct {
	mut   Mutation
	reply chan applyResult
}

type applyResult struct {
	delta Delta
	err   error
}

type publishCmd struct {
	kind    DeltaKind
	payload json.RawMessage
	scope   Scope
	reply   chan applyResult
}

type subscribeCmd struct {
	sub         *Subscription
	lastVersion uint64
	reply       chan subscribeResult
}

type subscribeResult struct {
	hydrate resyncResult
}

type unsubscribeCmd struct {
	id string
}

type resyncCmd struct {
	participantID string
	role          domain.Role
	lastVersion   uint64
	reply         chan resyncResult
}

type resyncResult struct {
	deltas   []Delta
	snapshot *State
	version  uint64
	err      error
}

type closeCmd struct {
	kind    DeltaKind
	payload json.RawMessage
	done    chan struct{}
}

// sessionLoop is the single-writer actor owning one session's state.
type sessionLoop struct {
	sessionID  string
	campaignID string
	state      *State
	ring       *deltaRing
	subs       map[string]*Subscription
	cmds       chan any
	sink       func(Delta)
	clock      func() time.Time
	logger     *slog.Logger
	done       chan struct{}
}

func newSessionLoop(sessionID, campaignID string, ringSize int, sink func(Delta), clock func() time.Time, logger *slog.Logger) *sessionLoop {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionLoop{
		sessionID:  sessionID,
		campaignID: campaignID,
		state:      newState(),
		ring:       newDeltaRing(ringSize),
		subs:       make(map[string]*Subscription),
		cmds:       make(chan any, 128),
		sink:       sink,
		clock:      clock,
		logger:     logger.With("session_id", sessionID),
		done:       make(chan struct{}),
	}
}

func (l *sessionLoop) run() {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			// Apply-loop panics are session-fatal: tell every subscriber
			// before tearing the session down, never swallow them.
			l.logger.Error("apply loop panic", "panic", r)
			payload, _ := json.Marshal(ErrorPayload{
				Code:    string(errors.CodeInternal),
				Message: "session apply loop failed",
			})
			l.terminate(DeltaSessionError, payload)
		}
	}()

	for cmd := range l.cmds {
		switch c := cmd.(type) {
		case applyCmd:
			c.reply <- l.handleApply(c.mut)
		case publishCmd:
			c.reply <- l.handlePublish(c.kind, c.payload, c.scope)
		case subscribeCmd:
			// Hydrate and attach in the same turn: the replay covers
			// everything up to the current version and the live stream
			// starts strictly after it, so a delta committed while the
			// subscriber was in flight is delivered exactly once.
			hydrate := l.handleResync(resyncCmd{
				participantID: c.sub.ParticipantID,
				role:          c.sub.Role,
				lastVersion:   c.lastVersion,
			})
			l.subs[c.sub.ID] = c.sub
			c.reply <- subscribeResult{hydrate: hydrate}
		case unsubscribeCmd:
			if sub, ok := l.subs[c.id]; ok {
				delete(l.subs, c.id)
				close(sub.ch)
			}
		case resyncCmd:
			c.reply <- l.handleResync(c)
		case closeCmd:
			l.terminate(c.kind, c.payload)
			if c.done != nil {
				close(c.done)
			}
			return
		}
	}
}

func (l *sessionLoop) handleApply(mut Mutation) applyResult {
	payload, scope, err := l.state.apply(mut, l.clock().UTC())
	if err != nil {
		return applyResult{err: err}
	}
	delta := l.commit(DeltaKind(mut.Kind), payload, scope)
	return applyResult{delta: delta}
}

func (l *sessionLoop) handlePublish(kind DeltaKind, payload json.RawMessage, scope Scope) applyResult {
	if !scope.Valid() {
		return applyResult{err: errors.New(errors.CodeInvalid, "delta scope is invalid")}
	}
	delta := l.commit(kind, payload, scope)
	return applyResult{delta: delta}
}

// commit advances the version, records the delta, and fans it out.
func (l *sessionLoop) commit(kind DeltaKind, payload json.RawMessage, scope Scope) Delta {
	fromVersion := l.state.Version
	l.state.Version++
	delta := Delta{
		SessionID:   l.sessionID,
		FromVersion: fromVersion,
		ToVersion:   l.state.Version,
		Kind:        kind,
		Payload:     payload,
		Scope:       scope,
		At:          l.clock().UTC(),
	}
	l.ring.append(delta)
	if l.sink != nil {
		l.sink(delta)
	}
	l.broadcast(delta)
	return delta
}

// broadcast fans a delta out to every subscriber whose role and identity
// the scope allows. Scope filtering happens here, at broadcast time, so
// the canonical state may hold GM-only fields without ever leaking them.
func (l *sessionLoop) broadcast(delta Delta) {
	for id, sub := range l.subs {
		if !delta.Scope.Allows(sub.Role, sub.ParticipantID) {
			continue
		}
		select {
		case sub.ch <- delta:
		default:
			// The subscriber is too slow to keep ordering guarantees;
			// cut the stream so the client reattaches and resyncs.
			l.logger.Warn("subscriber overflow, dropping stream",
				"subscription_id", id,
				"participant_id", sub.ParticipantID,
				"version", delta.ToVersion)
			delete(l.subs, id)
			close(sub.ch)
		}
	}
}

func (l *sessionLoop) handleResync(c resyncCmd) resyncResult {
	deltas, ok := l.ring.since(c.lastVersion, l.state.Version)
	if ok {
		filtered := make([]Delta, 0, len(deltas))
		for _, delta := range deltas {
			if delta.Scope.Allows(c.role, c.participantID) {
				filtered = append(filtered, delta)
			}
		}
		return resyncResult{deltas: filtered, version: l.state.Version}
	}
	snapshot := l.state.FilterFor(c.role, c.participantID)
	return resyncResult{snapshot: &snapshot, version: l.state.Version}
}

// terminate sends a final delta to every subscriber and closes all streams.
func (l *sessionLoop) terminate(kind DeltaKind, payload json.RawMessage) {
	l.commit(kind, payload, AllScope())
	for id, sub := range l.subs {
		delete(l.subs, id)
		close(sub.ch)
	}
}
