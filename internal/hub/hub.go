package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

// DefaultRingSize bounds per-session delta retention for resync replay.
const DefaultRingSize = 512

// Options configures a Hub.
type Options struct {
	// RingSize is the per-session delta retention, sized for the maximum
	// expected reconnect gap. Defaults to DefaultRingSize.
	RingSize int
	// Sink receives every committed delta for durable persistence. May be
	// nil. Must not block: the apply loop calls it inline.
	Sink func(Delta)
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Hub routes mutations, subscriptions, and resyncs to per-session apply
// loops.
type Hub struct {
	ringSize int
	sink     func(Delta)
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

type sessionHandle struct {
	loop   *sessionLoop
	closed bool
}

// New creates a Hub.
func New(opts Options) *Hub {
	ringSize := opts.RingSize
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ringSize: ringSize,
		sink:     opts.Sink,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("livesession/hub"),
		sessions: make(map[string]*sessionHandle),
	}
}

// Open starts the apply loop for a session. It is idempotent per session id.
func (h *Hub) Open(session domain.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handle, ok := h.sessions[session.ID]; ok {
		if handle.closed {
			return errors.New(errors.CodeSessionClosed, "session is closed")
		}
		return nil
	}
	loop := newSessionLoop(session.ID, session.CampaignID, h.ringSize, h.sink, h.clock, h.logger)
	h.sessions[session.ID] = &sessionHandle{loop: loop}
	go loop.run()
	return nil
}

func (h *Hub) handle(sessionID string) (*sessionLoop, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.sessions[sessionID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "session is not open")
	}
	if handle.closed {
		return nil, errors.New(errors.CodeSessionClosed, "session is closed")
	}
	return handle.loop, nil
}

// Apply sequences one mutation through the session's apply loop. The caller
// suspends only long enough for sequencing; apply never waits on ASR or
// subscriber delivery.
func (h *Hub) Apply(ctx context.Context, sessionID string, mut Mutation) (Delta, error) {
	ctx, span := h.tracer.Start(ctx, "hub.apply", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("mutation.kind", string(mut.Kind)),
	))
	defer span.End()

	loop, err := h.handle(sessionID)
	if err != nil {
		return Delta{}, err
	}

	reply := make(chan applyResult, 1)
	cmd := applyCmd{mut: mut, reply: reply}
	select {
	case loop.cmds <- cmd:
	case <-loop.done:
		return Delta{}, errors.New(errors.CodeSessionClosed, "session is closed")
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
	select {
	case result := <-reply:
		return result.delta, result.err
	case <-loop.done:
		return Delta{}, errors.New(errors.CodeSessionClosed, "session is closed")
	}
}

// Publish appends a pipeline-produced delta (transcript segment, keyword
// event) without version preconditions.
func (h *Hub) Publish(ctx context.Context, sessionID string, kind DeltaKind, payload any, scope Scope) (Delta, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Delta{}, errors.Wrap(errors.CodeInternal, "encode delta payload", err)
	}

	loop, err := h.handle(sessionID)
	if err != nil {
		return Delta{}, err
	}

	reply := make(chan applyResult, 1)
	cmd := publishCmd{kind: kind, payload: raw, scope: scope, reply: reply}
	select {
	case loop.cmds <- cmd:
	case <-loop.done:
		return Delta{}, errors.New(errors.CodeSessionClosed, "session is closed")
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
	select {
	case result := <-reply:
		return result.delta, result.err
	case <-loop.done:
		return Delta{}, errors.New(errors.CodeSessionClosed, "session is closed")
	}
}

// Subscribe attaches a delta stream for one participant connection and
// hydrates it in the same apply-loop turn: the returned ResyncResult carries
// everything committed after lastKnownVersion (or a snapshot when the gap
// outgrew the ring), and the stream carries only deltas committed after
// attachment. A delta committed while the subscriber was in flight lands in
// exactly one of the two, never both.
func (h *Hub) Subscribe(ctx context.Context, sessionID, subscriptionID, participantID string, role domain.Role, lastKnownVersion uint64) (*Subscription, ResyncResult, error) {
	loop, err := h.handle(sessionID)
	if err != nil {
		return nil, ResyncResult{}, err
	}

	sub := newSubscription(subscriptionID, participantID, role)
	reply := make(chan subscribeResult, 1)
	select {
	case loop.cmds <- subscribeCmd{sub: sub, lastVersion: lastKnownVersion, reply: reply}:
	case <-loop.done:
		return nil, ResyncResult{}, errors.New(errors.CodeSessionClosed, "session is closed")
	case <-ctx.Done():
		return nil, ResyncResult{}, ctx.Err()
	}
	select {
	case result := <-reply:
		hydrate := ResyncResult{
			Deltas:   result.hydrate.deltas,
			Snapshot: result.hydrate.snapshot,
			Version:  result.hydrate.version,
		}
		return sub, hydrate, nil
	case <-loop.done:
		return nil, ResyncResult{}, errors.New(errors.CodeSessionClosed, "session is closed")
	}
}

// Unsubscribe detaches a subscription and closes its stream.
func (h *Hub) Unsubscribe(sessionID, subscriptionID string) {
	loop, err := h.handle(sessionID)
	if err != nil {
		return
	}
	select {
	case loop.cmds <- unsubscribeCmd{id: subscriptionID}:
	case <-loop.done:
	}
}

// ResyncResult is the outcome of a reconnect: either the missing deltas in
// order, or a full role-filtered snapshot when the gap outgrew the ring.
type ResyncResult struct {
	Deltas   []Delta
	Snapshot *State
	Version  uint64
}

// Resync replays missed deltas for a reconnecting participant, or falls
// back to a full snapshot when the requested version left the ring.
func (h *Hub) Resync(ctx context.Context, sessionID, participantID string, role domain.Role, lastKnownVersion uint64) (ResyncResult, error) {
	ctx, span := h.tracer.Start(ctx, "hub.resync", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int64("resync.last_known_version", int64(lastKnownVersion)),
	))
	defer span.End()

	loop, err := h.handle(sessionID)
	if err != nil {
		return ResyncResult{}, err
	}

	reply := make(chan resyncResult, 1)
	cmd := resyncCmd{participantID: participantID, role: role, lastVersion: lastKnownVersion, reply: reply}
	select {
	case loop.cmds <- cmd:
	case <-loop.done:
		return ResyncResult{}, errors.New(errors.CodeSessionClosed, "session is closed")
	case <-ctx.Done():
		return ResyncResult{}, ctx.Err()
	}
	select {
	case result := <-reply:
		if result.err != nil {
			return ResyncResult{}, result.err
		}
		return ResyncResult{Deltas: result.deltas, Snapshot: result.snapshot, Version: result.version}, nil
	case <-loop.done:
		return ResyncResult{}, errors.New(errors.CodeSessionClosed, "session is closed")
	}
}

// Close ends a session: every subscriber receives a terminal SessionClosed
// delta and all streams shut down. Close is idempotent.
func (h *Hub) Close(sessionID, reason string) {
	h.closeWith(sessionID, DeltaSessionClosed, ClosedPayload{Reason: reason})
}

// Fail ends a session after a session-fatal error, notifying subscribers
// with a terminal error delta.
func (h *Hub) Fail(sessionID string, code errors.Code, message string) {
	h.closeWith(sessionID, DeltaSessionError, ErrorPayload{Code: string(code), Message: message})
}

func (h *Hub) closeWith(sessionID string, kind DeltaKind, payload any) {
	h.mu.Lock()
	handle, ok := h.sessions[sessionID]
	if !ok || handle.closed {
		h.mu.Unlock()
		return
	}
	handle.closed = true
	loop := handle.loop
	h.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	done := make(chan struct{})
	select {
	case loop.cmds <- closeCmd{kind: kind, payload: raw, done: done}:
		<-done
	case <-loop.done:
	}
}

// Remove forgets a closed session entirely. The registry calls this after
// the teardown grace period.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}
