package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gmcompanion/livesession/internal/asr"
	"github.com/gmcompanion/livesession/internal/audio"
	"github.com/gmcompanion/livesession/internal/hub"
	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
	"github.com/gmcompanion/livesession/internal/session/registry"
)

type staticAuthorizer struct {
	roles map[string]domain.Role
}

func (a *staticAuthorizer) Authorize(ctx context.Context, campaignID, userID, proof string) (domain.Role, error) {
	role, ok := a.roles[proof]
	if !ok {
		return domain.RoleUnspecified, errors.New(errors.CodeUnauthorized, "join proof is invalid")
	}
	return role, nil
}

type nopRecognizer struct{}

func (nopRecognizer) Recognize(ctx context.Context, pcm []byte) (asr.Result, error) {
	return asr.Result{Text: "ok", Finalizable: true}, nil
}

type resolution struct {
	sessionID     string
	clusterLabel  string
	participantID string
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []resolution
}

func (r *fakeResolver) ResolveSpeaker(sessionID, clusterLabel, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resolution{sessionID, clusterLabel, participantID})
	return nil
}

func (r *fakeResolver) resolutions() []resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resolution(nil), r.calls...)
}

type wsFixture struct {
	server   *httptest.Server
	hub      *hub.Hub
	reg      *registry.Registry
	resolver *fakeResolver
	session  domain.Session
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	h := hub.New(hub.Options{})
	ingest := audio.NewIngest(nopRecognizer{}, nil, audio.Options{InitialInterval: time.Millisecond})
	reg := registry.New(registry.Deps{
		Hub: h,
		Auth: &staticAuthorizer{roles: map[string]domain.Role{
			"gm-proof":     domain.RoleGM,
			"player-proof": domain.RolePlayer,
		}},
	})
	resolver := &fakeResolver{}
	handler := NewHandler(reg, h, ingest, resolver, nil)

	session, err := reg.OpenSession(context.Background(), "camp-1", "user-gm")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	ingest.OpenSession(context.Background(), session.ID)

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		ingest.CloseSession(session.ID)
	})
	return &wsFixture{server: server, hub: h, reg: reg, resolver: resolver, session: session}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func join(t *testing.T, f *wsFixture, conn *websocket.Conn, userID, proof string) ServerFrame {
	t.Helper()
	writeFrame(t, conn, ClientFrame{
		Type:      FrameJoin,
		SessionID: f.session.ID,
		UserID:    userID,
		Proof:     proof,
	})
	frame := readFrame(t, conn)
	if frame.Type != FrameJoined {
		t.Fatalf("expected joined frame, got %+v", frame)
	}
	return frame
}

func TestJoinMutateDeltaRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	joined := join(t, f, conn, "user-gm", "gm-proof")
	if joined.Role != "gm" {
		t.Fatalf("role = %q, want gm", joined.Role)
	}

	payload, _ := json.Marshal(hub.SetInitiativePayload{Order: []string{"A", "B"}})
	writeFrame(t, conn, ClientFrame{
		Type:        FrameMutate,
		BaseVersion: 0,
		Kind:        string(hub.MutationSetInitiative),
		Payload:     payload,
	})

	frame := readFrame(t, conn)
	if frame.Type != FrameDelta || frame.Delta == nil {
		t.Fatalf("expected delta frame, got %+v", frame)
	}
	if frame.Delta.ToVersion != 1 || frame.Version != 1 {
		t.Fatalf("delta version = %d", frame.Delta.ToVersion)
	}

	// A stale resubmission is rejected back to this caller only.
	writeFrame(t, conn, ClientFrame{
		Type:        FrameMutate,
		BaseVersion: 0,
		Kind:        string(hub.MutationSetInitiative),
		Payload:     payload,
	})
	frame = readFrame(t, conn)
	if frame.Type != FrameError || frame.Code != string(errors.CodeStaleVersion) {
		t.Fatalf("expected stale version error frame, got %+v", frame)
	}
}

func TestJoinRejectedWithBadProof(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	writeFrame(t, conn, ClientFrame{
		Type:      FrameJoin,
		SessionID: f.session.ID,
		UserID:    "user-x",
		Proof:     "bad-proof",
	})
	frame := readFrame(t, conn)
	if frame.Type != FrameError || frame.Code != string(errors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized error frame, got %+v", frame)
	}
}

func TestAudioFrameValidation(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	join(t, f, conn, "user-p", "player-proof")

	writeFrame(t, conn, ClientFrame{
		Type:       FrameAudio,
		Source:     "mic-1",
		Seq:        1,
		StartMS:    0,
		DurationMS: 1000,
		Data:       base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	})
	// Duplicate seq is dropped and reported.
	writeFrame(t, conn, ClientFrame{
		Type:   FrameAudio,
		Source: "mic-1",
		Seq:    1,
		Data:   base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	})
	frame := readFrame(t, conn)
	if frame.Type != FrameError || frame.Code != string(errors.CodeDropped) {
		t.Fatalf("expected dropped error frame, got %+v", frame)
	}

	writeFrame(t, conn, ClientFrame{Type: FrameAudio, Source: "mic-1", Seq: 2, Data: "%%%not-base64%%%"})
	frame = readFrame(t, conn)
	if frame.Type != FrameError || frame.Code != string(errors.CodeInvalid) {
		t.Fatalf("expected invalid error frame, got %+v", frame)
	}
}

func TestReattachResyncsMissedDeltas(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conn := f.dial(t)
	joined := join(t, f, conn, "user-p", "player-proof")
	participantID := joined.ParticipantID

	writeFrame(t, conn, ClientFrame{Type: FrameAck, Version: 0})
	conn.Close()

	// While the player is away the GM advances the state.
	payload, _ := json.Marshal(hub.SetInitiativePayload{Order: []string{"A"}})
	if _, err := f.hub.Apply(ctx, f.session.ID, hub.Mutation{
		ParticipantID: "part-gm",
		Role:          domain.RoleGM,
		BaseVersion:   0,
		Kind:          hub.MutationSetInitiative,
		Payload:       payload,
	}); err != nil {
		t.Fatalf("gm apply: %v", err)
	}

	reconn := f.dial(t)
	writeFrame(t, reconn, ClientFrame{Type: FrameReattach, ParticipantID: participantID})
	frame := readFrame(t, reconn)
	if frame.Type != FrameJoined || frame.ParticipantID != participantID {
		t.Fatalf("expected joined frame for same participant, got %+v", frame)
	}
	frame = readFrame(t, reconn)
	if frame.Type != FrameDelta || frame.Delta == nil || frame.Delta.ToVersion != 1 {
		t.Fatalf("expected replayed delta v1, got %+v", frame)
	}
}

func TestResolveSpeakerIsGMOnly(t *testing.T) {
	f := newWSFixture(t)

	player := f.dial(t)
	join(t, f, player, "user-p", "player-proof")
	writeFrame(t, player, ClientFrame{
		Type:                FrameResolveSpeaker,
		ClusterLabel:        "1",
		TargetParticipantID: "part-p",
	})
	frame := readFrame(t, player)
	if frame.Type != FrameError || frame.Code != string(errors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized error frame, got %+v", frame)
	}
	if len(f.resolver.resolutions()) != 0 {
		t.Fatal("player frame must not reach the resolver")
	}

	gm := f.dial(t)
	join(t, f, gm, "user-gm", "gm-proof")
	writeFrame(t, gm, ClientFrame{
		Type:                FrameResolveSpeaker,
		ClusterLabel:        "1",
		TargetParticipantID: "part-p",
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		calls := f.resolver.resolutions()
		if len(calls) == 1 {
			want := resolution{sessionID: f.session.ID, clusterLabel: "1", participantID: "part-p"}
			if calls[0] != want {
				t.Fatalf("resolution = %+v, want %+v", calls[0], want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gm resolution never reached the resolver")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A writer stalled past its buffer must cut the connection rather than drop
// a frame: a dropped delta would leave the client with a gap it cannot
// detect, while a cut forces reattach and resync.
func TestSendOverflowClosesConnection(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	conn := <-serverConns

	h := &Handler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	// Unbuffered with no writer draining: the first send overflows.
	outbound := make(chan ServerFrame)
	h.send(conn, outbound, ServerFrame{Type: FrameDelta, Version: 4})

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be cut on overflow")
	}
}

func TestSessionCloseDeliversClosedDelta(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	join(t, f, conn, "user-p", "player-proof")

	if err := f.reg.Close(context.Background(), f.session.ID, "gm ended the session"); err != nil {
		t.Fatalf("close: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != FrameDelta || frame.Delta == nil || frame.Delta.Kind != hub.DeltaSessionClosed {
		t.Fatalf("expected terminal closed delta, got %+v", frame)
	}
}
