// Package ws serves the participant wire protocol: one websocket per
// participant carrying join, mutation, resync, ack, and audio frames
// inbound, and scope-filtered deltas, snapshots, and errors outbound.
package ws

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gmcompanion/livesession/internal/audio"
	"github.com/gmcompanion/livesession/internal/hub"
	"github.com/gmcompanion/livesession/internal/id"
	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/platform/timeouts"
	"github.com/gmcompanion/livesession/internal/session/domain"
	"github.com/gmcompanion/livesession/internal/session/registry"
)

const outboundBuffer = 64

// SpeakerResolver applies a GM's diarization-cluster-to-participant
// mapping. Resulting revisions and corrections surface as transcript
// deltas, not through this call.
type SpeakerResolver interface {
	ResolveSpeaker(sessionID, clusterLabel, participantID string) error
}

// Handler upgrades participant connections and bridges them to the
// registry, hub, and audio ingest.
type Handler struct {
	registry *registry.Registry
	hub      *hub.Hub
	ingest   *audio.Ingest
	resolver SpeakerResolver
	logger   *slog.Logger
	upgrader websocket.Upgrader
	// newID overrides connection id generation for tests.
	newID func() (string, error)
}

// NewHandler creates a websocket Handler. resolver may be nil when speaker
// resolution is not wired.
func NewHandler(reg *registry.Registry, h *hub.Hub, ingest *audio.Ingest, resolver SpeakerResolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		hub:      h,
		ingest:   ingest,
		resolver: resolver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Join grants authenticate connections; origin is not part of
			// the trust model.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		newID: id.NewID,
	}
}

// ServeHTTP upgrades the connection and runs the participant session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.serve(r.Context(), conn)
}

type session struct {
	participant domain.Participant
	sub         *hub.Subscription
	connID      string
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(timeouts.WSPong))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeouts.WSPong))
	})

	outbound := make(chan ServerFrame, outboundBuffer)
	done := make(chan struct{})
	defer close(done)
	go h.writeLoop(conn, outbound, done)

	sess, ok := h.attach(ctx, conn, outbound)
	if !ok {
		return
	}
	defer func() {
		h.hub.Unsubscribe(sess.participant.SessionID, sess.connID)
		h.registry.Disconnect(sess.participant.ID, sess.connID)
	}()

	go h.forwardDeltas(conn, sess.sub, outbound, done)

	h.readLoop(ctx, conn, sess, outbound)
}

// attach performs the join or reattach handshake: the first frame decides
// which, everything else is rejected.
func (h *Handler) attach(ctx context.Context, conn *websocket.Conn, outbound chan<- ServerFrame) (session, bool) {
	var frame ClientFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return session{}, false
	}

	connID, err := h.newID()
	if err != nil {
		h.sendError(conn, outbound, errors.New(errors.CodeInternal, "connection setup failed"))
		return session{}, false
	}

	var (
		participant domain.Participant
		lastVersion uint64
	)
	switch frame.Type {
	case FrameJoin:
		participant, err = h.registry.Join(ctx, frame.SessionID, frame.UserID, frame.Proof, connID)
	case FrameReattach:
		participant, err = h.registry.Reattach(frame.ParticipantID, connID)
		lastVersion = participant.LastAckedVersion
	default:
		err = errors.New(errors.CodeInvalid, "first frame must be join or reattach")
	}
	if err != nil {
		h.sendError(conn, outbound, err)
		return session{}, false
	}

	// Subscribe hydrates atomically with attachment: the replay and the
	// live stream never overlap, so a mutation racing the handshake is
	// delivered exactly once.
	sub, hydrate, err := h.hub.Subscribe(ctx, participant.SessionID, connID, participant.ID, participant.Role, lastVersion)
	if err != nil {
		h.registry.Disconnect(participant.ID, connID)
		h.sendError(conn, outbound, err)
		return session{}, false
	}

	h.send(conn, outbound, ServerFrame{
		Type:          FrameJoined,
		ParticipantID: participant.ID,
		SessionID:     participant.SessionID,
		Role:          participant.Role.String(),
	})
	h.sendResync(conn, outbound, hydrate)

	return session{participant: participant, sub: sub, connID: connID}, true
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess session, outbound chan<- ServerFrame) {
	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeouts.WSPong))

		switch frame.Type {
		case FrameMutate:
			mut := hub.Mutation{
				ParticipantID: sess.participant.ID,
				Role:          sess.participant.Role,
				BaseVersion:   frame.BaseVersion,
				Kind:          hub.MutationKind(frame.Kind),
				Payload:       frame.Payload,
			}
			if _, err := h.hub.Apply(ctx, sess.participant.SessionID, mut); err != nil {
				h.sendError(conn, outbound, err)
			}

		case FrameResync:
			result, err := h.hub.Resync(ctx, sess.participant.SessionID, sess.participant.ID, sess.participant.Role, frame.Version)
			if err != nil {
				h.sendError(conn, outbound, err)
				continue
			}
			h.sendResync(conn, outbound, result)

		case FrameAck:
			h.registry.Ack(sess.participant.ID, frame.Version)

		case FrameAudio:
			pcm, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				h.sendError(conn, outbound, errors.New(errors.CodeInvalid, "audio data is not valid base64"))
				continue
			}
			chunk := audio.Chunk{
				SessionID: sess.participant.SessionID,
				Source:    frame.Source,
				Seq:       frame.Seq,
				Start:     time.Duration(frame.StartMS) * time.Millisecond,
				Duration:  time.Duration(frame.DurationMS) * time.Millisecond,
				Data:      pcm,
			}
			if err := h.ingest.PushChunk(sess.participant.SessionID, chunk); err != nil {
				h.sendError(conn, outbound, err)
			}

		case FrameResolveSpeaker:
			if sess.participant.Role != domain.RoleGM {
				h.sendError(conn, outbound, errors.New(errors.CodeUnauthorized, "only the GM may resolve speakers"))
				continue
			}
			if h.resolver == nil {
				h.sendError(conn, outbound, errors.New(errors.CodeInvalid, "speaker resolution is not available"))
				continue
			}
			if err := h.resolver.ResolveSpeaker(sess.participant.SessionID, frame.ClusterLabel, frame.TargetParticipantID); err != nil {
				h.sendError(conn, outbound, err)
			}

		case FrameLeave:
			h.registry.Leave(sess.participant.ID)
			return

		default:
			h.sendError(conn, outbound, errors.New(errors.CodeInvalid, "unknown frame type"))
		}
	}
}

// forwardDeltas pumps the subscription stream to the client. When the hub
// closes the stream without a terminal delta the subscriber fell behind and
// must reattach and resync.
func (h *Handler) forwardDeltas(conn *websocket.Conn, sub *hub.Subscription, outbound chan<- ServerFrame, done <-chan struct{}) {
	terminal := false
	for {
		select {
		case delta, ok := <-sub.C:
			if !ok {
				if !terminal {
					h.send(conn, outbound, ServerFrame{
						Type:   FrameClosed,
						Reason: "stream reset, reattach and resync",
					})
				}
				// Give the writer a moment to flush, then unblock the
				// read loop.
				time.Sleep(50 * time.Millisecond)
				_ = conn.Close()
				return
			}
			if delta.Kind == hub.DeltaSessionClosed || delta.Kind == hub.DeltaSessionError {
				terminal = true
			}
			h.send(conn, outbound, ServerFrame{Type: FrameDelta, Delta: &delta, Version: delta.ToVersion})
		case <-done:
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, outbound <-chan ServerFrame, done <-chan struct{}) {
	ticker := time.NewTicker(timeouts.WSPing)
	defer ticker.Stop()
	for {
		select {
		case frame := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite))
			if err := conn.WriteJSON(frame); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeouts.WSWrite)); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// send queues a frame for the writer. Dropping a frame on overflow would
// hand the client an undetectable gap, so a stalled writer cuts the
// connection instead; the client reattaches and resyncs.
func (h *Handler) send(conn *websocket.Conn, outbound chan<- ServerFrame, frame ServerFrame) {
	select {
	case outbound <- frame:
	default:
		h.logger.Warn("outbound buffer overflow, closing connection", "type", frame.Type)
		_ = conn.Close()
	}
}

func (h *Handler) sendResync(conn *websocket.Conn, outbound chan<- ServerFrame, result hub.ResyncResult) {
	if result.Snapshot != nil {
		h.send(conn, outbound, ServerFrame{Type: FrameSnapshot, Snapshot: result.Snapshot, Version: result.Version})
		return
	}
	for i := range result.Deltas {
		delta := result.Deltas[i]
		h.send(conn, outbound, ServerFrame{Type: FrameDelta, Delta: &delta, Version: delta.ToVersion})
	}
}

func (h *Handler) sendError(conn *websocket.Conn, outbound chan<- ServerFrame, err error) {
	h.send(conn, outbound, ServerFrame{
		Type:    FrameError,
		Code:    string(errors.CodeOf(err)),
		Message: err.Error(),
	})
}
