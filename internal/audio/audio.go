// Package audio accepts streamed audio chunks, enforces per-source
// sequencing, and schedules speech recognition calls through a bounded
// worker pool. Recognition results are re-ordered back into sequence order
// before delivery to the transcript engine.
package audio

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/gmcompanion/livesession/internal/asr"
	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/platform/timeouts"
)

// Defaults, overridable through Options.
const (
	DefaultQueueSize = 64
	DefaultWorkers   = 4
	DefaultMaxTries  = 4
)

// Chunk is one bounded, timestamped segment of raw audio from a producer
// stream. Seq identifies the chunk's position in its source stream.
// Duplicates and sequence numbers at or below the source's delivered
// high-water mark are dropped; a chunk arriving ahead of its predecessors
// is accepted and reordered before delivery.
type Chunk struct {
	SessionID string
	Source    string
	Seq       uint64
	Start     time.Duration
	Duration  time.Duration
	Data      []byte
}

// ChunkResult pairs a chunk with its recognition outcome. Err is set when
// the retry budget is exhausted and the chunk contributes no text.
type ChunkResult struct {
	Chunk  Chunk
	Result asr.Result
	Err    error
}

// Stats counts one session's ingest outcomes.
type Stats struct {
	Accepted uint64
	Dropped  uint64
	Busy     uint64
	Failed   uint64
	Degraded bool
}

// Options configures an Ingest.
type Options struct {
	// QueueSize bounds the per-session chunk queue. A full queue returns
	// Busy so the producer paces itself.
	QueueSize int
	// Workers is the per-session recognition pool size.
	Workers int
	// MaxTries bounds recognition retries per chunk.
	MaxTries uint
	// InitialInterval seeds the retry backoff. Tests shrink it.
	InitialInterval time.Duration
	// CallTimeout bounds one recognition call. Defaults to
	// timeouts.ASRCall.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Ingest runs the audio pipeline for every open session.
type Ingest struct {
	recognizer asr.Recognizer
	deliver    func(ChunkResult)
	opts       Options
	logger     *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline
}

type pipeline struct {
	sessionID string
	queue     chan Chunk
	cancel    context.CancelFunc
	group     *errgroup.Group

	mu        sync.Mutex
	accepted  map[string]map[uint64]bool
	delivered map[string]uint64 // per-source delivered high-water mark
	pending   map[string][]uint64
	results   map[string]map[uint64]ChunkResult
	degraded  bool
	stats     Stats
}

// NewIngest creates an Ingest delivering ordered results to deliver.
// deliver runs on pipeline workers and must not block.
func NewIngest(recognizer asr.Recognizer, deliver func(ChunkResult), opts Options) *Ingest {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = timeouts.ASRCall
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ingest{
		recognizer: recognizer,
		deliver:    deliver,
		opts:       opts,
		logger:     opts.Logger,
		pipelines:  make(map[string]*pipeline),
	}
}

// OpenSession starts the chunk pipeline for a session. Idempotent.
func (in *Ingest) OpenSession(ctx context.Context, sessionID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.pipelines[sessionID]; ok {
		return
	}
	pipeCtx, cancel := context.WithCancel(ctx)
	group, pipeCtx := errgroup.WithContext(pipeCtx)
	p := &pipeline{
		sessionID: sessionID,
		queue:     make(chan Chunk, in.opts.QueueSize),
		cancel:    cancel,
		group:     group,
		accepted:  make(map[string]map[uint64]bool),
		delivered: make(map[string]uint64),
		pending:   make(map[string][]uint64),
		results:   make(map[string]map[uint64]ChunkResult),
	}
	in.pipelines[sessionID] = p
	for i := 0; i < in.opts.Workers; i++ {
		group.Go(func() error {
			return in.work(pipeCtx, p)
		})
	}
}

// CloseSession stops a session's pipeline, cancelling in-flight
// recognition calls, and logs the final ingest stats.
func (in *Ingest) CloseSession(sessionID string) {
	in.mu.Lock()
	p, ok := in.pipelines[sessionID]
	if ok {
		delete(in.pipelines, sessionID)
	}
	in.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	_ = p.group.Wait()

	stats := p.snapshotStats()
	in.logger.Info("audio pipeline closed",
		"session_id", sessionID,
		"accepted", stats.Accepted,
		"dropped", stats.Dropped,
		"busy", stats.Busy,
		"failed", stats.Failed,
		"degraded", stats.Degraded)
}

// PushChunk validates and queues one audio chunk. Duplicate or regressed
// sequence numbers return Dropped; a full queue returns Busy and the
// producer must pace itself and retry.
func (in *Ingest) PushChunk(sessionID string, chunk Chunk) error {
	in.mu.Lock()
	p, ok := in.pipelines[sessionID]
	in.mu.Unlock()
	if !ok {
		return errors.New(errors.CodeNotFound, "session audio pipeline is not open")
	}

	p.mu.Lock()
	stale := chunk.Seq <= p.delivered[chunk.Source]
	if stale || p.accepted[chunk.Source][chunk.Seq] {
		p.stats.Dropped++
		dropped := p.stats.Dropped
		p.mu.Unlock()
		in.logger.Warn("audio chunk dropped",
			"session_id", sessionID,
			"source", chunk.Source,
			"seq", chunk.Seq,
			"dropped_total", dropped)
		return errors.WithMetadata(errors.CodeDropped, "chunk sequence regressed or duplicated", map[string]string{
			"source": chunk.Source,
		})
	}

	select {
	case p.queue <- chunk:
	default:
		p.stats.Busy++
		p.mu.Unlock()
		return errors.New(errors.CodeBusy, "audio queue is full, pace and retry")
	}

	if p.accepted[chunk.Source] == nil {
		p.accepted[chunk.Source] = make(map[uint64]bool)
	}
	p.accepted[chunk.Source][chunk.Seq] = true
	at, _ := slices.BinarySearch(p.pending[chunk.Source], chunk.Seq)
	p.pending[chunk.Source] = slices.Insert(p.pending[chunk.Source], at, chunk.Seq)
	p.stats.Accepted++
	p.mu.Unlock()
	return nil
}

// Stats returns a snapshot of one session's ingest counters.
func (in *Ingest) Stats(sessionID string) (Stats, bool) {
	in.mu.Lock()
	p, ok := in.pipelines[sessionID]
	in.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return p.snapshotStats(), true
}

// RunStatsLogger periodically logs per-session ingest counters until ctx is
// cancelled.
func (in *Ingest) RunStatsLogger(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.mu.Lock()
			pipelines := make([]*pipeline, 0, len(in.pipelines))
			for _, p := range in.pipelines {
				pipelines = append(pipelines, p)
			}
			in.mu.Unlock()
			for _, p := range pipelines {
				stats := p.snapshotStats()
				in.logger.Info("audio ingest stats",
					"session_id", p.sessionID,
					"accepted", stats.Accepted,
					"dropped", stats.Dropped,
					"busy", stats.Busy,
					"failed", stats.Failed,
					"degraded", stats.Degraded)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (in *Ingest) work(ctx context.Context, p *pipeline) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-p.queue:
			in.process(ctx, p, chunk)
		}
	}
}

func (in *Ingest) process(ctx context.Context, p *pipeline, chunk Chunk) {
	operation := func() (asr.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, in.opts.CallTimeout)
		defer cancel()
		return in.recognizer.Recognize(callCtx, chunk.Data)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = in.opts.InitialInterval

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(in.opts.MaxTries))

	out := ChunkResult{Chunk: chunk, Result: result}
	if err != nil {
		if ctx.Err() != nil {
			// Session closing; the chunk is abandoned with the pipeline.
			return
		}
		out.Err = errors.Wrap(errors.CodeUpstreamUnavailable, "speech recognition failed", err)
		p.mu.Lock()
		p.stats.Failed++
		firstFailure := !p.degraded
		p.degraded = true
		p.stats.Degraded = true
		p.mu.Unlock()
		if firstFailure {
			in.logger.Error("session entering transcript-degraded mode",
				"session_id", chunk.SessionID,
				"source", chunk.Source,
				"seq", chunk.Seq,
				"error", err)
		}
	}

	p.complete(out, in.deliver)
}

// complete stores one finished chunk and flushes every result at the head
// of its source's seq-ordered accepted set. Delivery happens under the
// pipeline lock so downstream sees per-source sequence order. Sequence
// numbers that never arrived are simply absent from the accepted set and
// never block delivery.
func (p *pipeline) complete(result ChunkResult, deliver func(ChunkResult)) {
	source := result.Chunk.Source
	p.mu.Lock()
	defer p.mu.Unlock()

	bySeq, ok := p.results[source]
	if !ok {
		bySeq = make(map[uint64]ChunkResult)
		p.results[source] = bySeq
	}
	bySeq[result.Chunk.Seq] = result

	for len(p.pending[source]) > 0 {
		head := p.pending[source][0]
		ready, ok := bySeq[head]
		if !ok {
			break
		}
		delete(bySeq, head)
		delete(p.accepted[source], head)
		p.pending[source] = p.pending[source][1:]
		p.delivered[source] = head
		if deliver != nil {
			deliver(ready)
		}
	}
}

func (p *pipeline) snapshotStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
