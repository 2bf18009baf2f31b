// Package live wires the session pipeline runtime: durable store, delta
// relay, synchronization hub, session registry, audio ingest, transcript
// merge engine, keyword detector, and the websocket transport, plus the
// HTTP lifecycle around them.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gmcompanion/livesession/internal/asr"
	"github.com/gmcompanion/livesession/internal/asr/googlespeech"
	"github.com/gmcompanion/livesession/internal/audio"
	"github.com/gmcompanion/livesession/internal/auth"
	"github.com/gmcompanion/livesession/internal/hub"
	"github.com/gmcompanion/livesession/internal/keyword"
	"github.com/gmcompanion/livesession/internal/platform/timeouts"
	"github.com/gmcompanion/livesession/internal/session/domain"
	"github.com/gmcompanion/livesession/internal/session/registry"
	"github.com/gmcompanion/livesession/internal/storage"
	"github.com/gmcompanion/livesession/internal/storage/sqlite"
	"github.com/gmcompanion/livesession/internal/transcript"
	"github.com/gmcompanion/livesession/internal/transport/ws"
)

// Deps overrides externally reachable collaborators, primarily for tests.
// Zero values select the production implementations.
type Deps struct {
	// Recognizer replaces the Google Speech client.
	Recognizer asr.Recognizer
	// Listener replaces the TCP listener built from Config.Addr.
	Listener net.Listener
	Logger   *slog.Logger
}

// Server hosts the live session pipeline and its HTTP lifecycle.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	listener net.Listener
	http     *http.Server

	store    *sqlite.Store
	relay    *storage.Relay
	hub      *hub.Hub
	registry *registry.Registry
	ingest   *audio.Ingest
	engine   *transcript.Engine
	detector *keyword.Detector
	auth     *auth.GrantVerifier

	// campaigns maps open session ids to their campaign for keyword scans.
	campaigns sync.Map
}

// New creates a configured Server. The caller owns the lifecycle: Serve
// blocks until the context ends, Close releases resources.
func New(ctx context.Context, cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewGrantVerifier([]byte(cfg.JoinGrantSecret), nil)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	recognizer := deps.Recognizer
	if recognizer == nil {
		recognizer, err = googlespeech.New(ctx, googlespeech.Config{
			ProjectID: cfg.SpeechProject,
			Location:  cfg.SpeechLocation,
			Language:  cfg.SpeechLanguage,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build speech client: %w", err)
		}
	}

	listener := deps.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		listener: listener,
		store:    store,
		auth:     verifier,
		detector: keyword.NewDetector(keyword.NewStoreDictionary(store)),
	}

	s.relay = storage.NewRelay(store, store, storage.RelayOptions{Logger: logger})
	s.hub = hub.New(hub.Options{
		RingSize: cfg.RingSize,
		Sink:     s.sinkDelta,
		Logger:   logger,
	})
	s.engine = transcript.NewEngine(transcript.Options{
		Horizon:   cfg.MergeHorizon,
		OnSegment: s.handleSegment,
		Logger:    logger,
	})
	s.ingest = audio.NewIngest(recognizer, s.deliverResult, audio.Options{
		QueueSize: cfg.IngestQueueSize,
		Workers:   cfg.ASRWorkers,
		MaxTries:  cfg.ASRMaxTries,
		Logger:    logger,
	})
	s.registry = registry.New(registry.Deps{
		Hub:   &pipelineHub{server: s},
		Auth:  verifier,
		Store: store,
		Config: registry.Config{
			PauseAfter:     cfg.PauseAfter,
			CloseAfter:     cfg.CloseAfter,
			ReconnectGrace: cfg.ReconnectGrace,
			TeardownGrace:  cfg.TeardownGrace,
		},
		Logger: logger,
	})

	wsHandler := ws.NewHandler(s.registry, s.hub, s.ingest, speakerResolver{engine: s.engine}, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("POST /sessions", s.handleOpenSession)
	mux.HandleFunc("PUT /triggers", s.handlePutTrigger)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return s, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a Server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg, Deps{})
	if err != nil {
		return err
	}
	defer server.Close()
	return server.Serve(ctx)
}

// Serve runs the HTTP listener and the pipeline's background workers until
// the context ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := s.http.Serve(s.listener)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	})
	group.Go(func() error {
		return s.registry.RunSweeper(ctx, s.cfg.SweepInterval)
	})
	group.Go(func() error {
		return s.relay.Run(ctx)
	})
	group.Go(func() error {
		return s.ingest.RunStatsLogger(ctx, s.cfg.StatsInterval)
	})
	group.Go(func() error {
		s.engine.RunFinalizer(ctx.Done(), s.cfg.MergeHorizon)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	s.logger.Info("live session service listening", "addr", s.listener.Addr().String())
	err := group.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.http != nil {
		_ = s.http.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close store", "error", err)
		}
	}
}

// sinkDelta forwards committed deltas to the durable relay. Provisional
// transcript text and keyword events are live-only and never persisted;
// terminal deltas are covered by the session audit row.
func (s *Server) sinkDelta(delta hub.Delta) {
	switch delta.Kind {
	case hub.DeltaTranscriptProvisional, hub.DeltaKeywordEvent,
		hub.DeltaSessionClosed, hub.DeltaSessionError:
		return
	}
	scope, err := json.Marshal(delta.Scope)
	if err != nil {
		s.logger.Error("encode delta scope", "error", err)
		return
	}
	s.relay.EnqueueDelta(storage.DeltaRecord{
		SessionID:   delta.SessionID,
		FromVersion: delta.FromVersion,
		ToVersion:   delta.ToVersion,
		Kind:        string(delta.Kind),
		Payload:     delta.Payload,
		Scope:       scope,
		At:          delta.At,
	})
}

// deliverResult feeds in-order recognition results to the merge engine.
// Emission back into the hub happens through handleSegment.
func (s *Server) deliverResult(result audio.ChunkResult) {
	s.engine.MergeResult(result.Chunk.SessionID, result)
}

// handleSegment publishes every emitted transcript segment to the session's
// delta stream. Finalized segments additionally go to the durable sink and
// through keyword detection.
func (s *Server) handleSegment(segment transcript.Segment) {
	ctx := context.Background()

	if !segment.Final {
		s.publish(ctx, segment.SessionID, hub.DeltaTranscriptProvisional, segment, hub.AllScope())
		return
	}

	s.publish(ctx, segment.SessionID, hub.DeltaTranscriptSegment, segment, hub.AllScope())
	s.relay.EnqueueSegment(storage.SegmentRecord{
		ID:           segment.ID,
		SessionID:    segment.SessionID,
		SpeakerID:    segment.SpeakerID,
		SpeakerLabel: segment.SpeakerLabel,
		Start:        segment.Start,
		End:          segment.End,
		Text:         segment.Text,
		CorrectionOf: segment.CorrectionOf,
		At:           time.Now().UTC(),
	})

	campaignID, ok := s.campaigns.Load(segment.SessionID)
	if !ok {
		return
	}
	events, err := s.detector.Scan(ctx, campaignID.(string), segment)
	if err != nil {
		s.logger.Error("keyword scan failed",
			"session_id", segment.SessionID,
			"segment_id", segment.ID,
			"error", err)
		return
	}
	for _, event := range events {
		scope := hub.AllScope()
		if event.Audience == keyword.AudienceGM {
			scope = hub.GMScope()
		}
		s.publish(ctx, segment.SessionID, hub.DeltaKeywordEvent, event, scope)
	}
}

func (s *Server) publish(ctx context.Context, sessionID string, kind hub.DeltaKind, payload any, scope hub.Scope) {
	if _, err := s.hub.Publish(ctx, sessionID, kind, payload, scope); err != nil {
		// Expected during teardown: the loop may already be closed.
		s.logger.Debug("publish skipped",
			"session_id", sessionID,
			"kind", string(kind),
			"error", err)
	}
}

// pipelineHub fans registry lifecycle transitions out to the hub, the audio
// ingest, and the transcript engine.
type pipelineHub struct {
	server *Server
}

func (p *pipelineHub) Open(session domain.Session) error {
	if err := p.server.hub.Open(session); err != nil {
		return err
	}
	p.server.campaigns.Store(session.ID, session.CampaignID)
	p.server.ingest.OpenSession(context.Background(), session.ID)
	return nil
}

// Close drains the audio and transcript stages before the hub emits the
// terminal delta, so trailing finalized segments still reach subscribers.
func (p *pipelineHub) Close(sessionID, reason string) {
	p.server.ingest.CloseSession(sessionID)
	p.server.engine.CloseSession(sessionID)
	p.server.hub.Close(sessionID, reason)
}

func (p *pipelineHub) Remove(sessionID string) {
	p.server.hub.Remove(sessionID)
	p.server.campaigns.Delete(sessionID)
}

var _ registry.SessionHub = (*pipelineHub)(nil)

// speakerResolver adapts the merge engine to the transport's GM-driven
// speaker resolution. Revisions and corrections flow back through
// handleSegment.
type speakerResolver struct {
	engine *transcript.Engine
}

func (r speakerResolver) ResolveSpeaker(sessionID, clusterLabel, participantID string) error {
	_, err := r.engine.ResolveSpeaker(sessionID, clusterLabel, participantID)
	return err
}

var _ ws.SpeakerResolver = speakerResolver{}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return sqlite.Open(path)
}
