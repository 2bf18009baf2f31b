// Package transcript merges speaker-attributed recognition results into an
// ordered, correctable transcript. Segments start provisional inside a
// sliding finalization window; past the horizon they become immutable and
// later revisions are appended as correction segments.
package transcript

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gmcompanion/livesession/internal/audio"
	"github.com/gmcompanion/livesession/internal/id"
	"github.com/gmcompanion/livesession/internal/platform/errors"
)

// DefaultHorizon is the trailing window beyond which provisional segments
// finalize.
const DefaultHorizon = 5 * time.Second

// Segment is one unit of transcript text.
type Segment struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	// SpeakerID is a participant id once the speaker map resolves the
	// diarization cluster, or unknown-N until then.
	SpeakerID    string        `json:"speaker_id"`
	SpeakerLabel string        `json:"speaker_label"`
	Start        time.Duration `json:"start"`
	End          time.Duration `json:"end"`
	Text         string        `json:"text"`
	Final        bool          `json:"final"`
	// CorrectionOf references the finalized segment this one supersedes.
	CorrectionOf string `json:"correction_of,omitempty"`
}

// Options configures an Engine.
type Options struct {
	// Horizon is the sliding finalization window. Defaults to
	// DefaultHorizon.
	Horizon time.Duration
	// OnSegment receives every emitted segment: new and revised
	// provisionals, finalizations, and corrections. Must not block.
	OnSegment func(Segment)
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// IDGenerator overrides id.NewID for tests.
	IDGenerator func() (string, error)
	Logger      *slog.Logger
}

// provisionalMark tracks a segment inside the finalization window.
// Non-finalizable recognition output (degraded upstream) never finalizes by
// horizon alone; it holds until a revision supersedes it or the session
// closes.
type provisionalMark struct {
	at          time.Time
	finalizable bool
}

type sessionTranscript struct {
	segments    map[string]*Segment
	order       []string // segment ids sorted by start time
	provisional map[string]provisionalMark
	speakerMap  map[string]string
	unknown     map[string]string
	unknownSeq  int
}

// Engine merges chunk results into per-session transcripts.
type Engine struct {
	horizon   time.Duration
	onSegment func(Segment)
	clock     func() time.Time
	newID     func() (string, error)
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionTranscript
}

// NewEngine creates a transcript merge engine.
func NewEngine(opts Options) *Engine {
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := opts.IDGenerator
	if newID == nil {
		newID = id.NewID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		horizon:   horizon,
		onSegment: opts.OnSegment,
		clock:     clock,
		newID:     newID,
		logger:    logger,
		sessions:  make(map[string]*sessionTranscript),
	}
}

func (e *Engine) session(sessionID string) *sessionTranscript {
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionTranscript{
			segments:    make(map[string]*Segment),
			provisional: make(map[string]provisionalMark),
			speakerMap:  make(map[string]string),
			unknown:     make(map[string]string),
		}
		e.sessions[sessionID] = st
	}
	return st
}

func (st *sessionTranscript) speakerFor(label string) string {
	if participantID, ok := st.speakerMap[label]; ok {
		return participantID
	}
	if name, ok := st.unknown[label]; ok {
		return name
	}
	st.unknownSeq++
	name := "unknown-" + strconv.Itoa(st.unknownSeq)
	st.unknown[label] = name
	return name
}

func (st *sessionTranscript) insertOrdered(segment *Segment) {
	at := sort.Search(len(st.order), func(i int) bool {
		other := st.segments[st.order[i]]
		if other.Start != segment.Start {
			return other.Start > segment.Start
		}
		return other.ID > segment.ID
	})
	st.order = append(st.order, "")
	copy(st.order[at+1:], st.order[at:])
	st.order[at] = segment.ID
}

// MergeResult folds one ordered chunk result into the session transcript,
// returning the segments it emitted. Degraded chunks (Err set, no text)
// contribute nothing.
func (e *Engine) MergeResult(sessionID string, result audio.ChunkResult) []Segment {
	if result.Err != nil || strings.TrimSpace(result.Result.Text) == "" {
		return nil
	}

	e.mu.Lock()
	st := e.session(sessionID)

	segmentID, err := e.newID()
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("segment id generation failed", "session_id", sessionID, "error", err)
		return nil
	}

	segment := &Segment{
		ID:           segmentID,
		SessionID:    sessionID,
		SpeakerID:    st.speakerFor(result.Result.SpeakerLabel),
		SpeakerLabel: result.Result.SpeakerLabel,
		Start:        result.Chunk.Start,
		End:          result.Chunk.Start + result.Chunk.Duration,
		Text:         strings.TrimSpace(result.Result.Text),
	}
	st.segments[segment.ID] = segment
	st.insertOrdered(segment)
	st.provisional[segment.ID] = provisionalMark{
		at:          e.clock().UTC(),
		finalizable: result.Result.Finalizable,
	}
	emitted := []Segment{*segment}
	e.mu.Unlock()

	e.emit(emitted)
	return emitted
}

// ReviseSegment updates a segment's text. Inside the window the provisional
// segment is revised in place; a finalized segment is never mutated and the
// revision appends a correction segment instead.
func (e *Engine) ReviseSegment(sessionID, segmentID, text string) (Segment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Segment{}, errors.New(errors.CodeInvalid, "segment text is required")
	}

	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return Segment{}, errors.New(errors.CodeNotFound, "session transcript is not open")
	}
	segment, ok := st.segments[segmentID]
	if !ok {
		e.mu.Unlock()
		return Segment{}, errors.New(errors.CodeNotFound, "segment not found")
	}

	if !segment.Final {
		segment.Text = text
		// Revised text is authoritative, so a degraded hold lifts here.
		st.provisional[segment.ID] = provisionalMark{at: e.clock().UTC(), finalizable: true}
		out := *segment
		e.mu.Unlock()
		e.emit([]Segment{out})
		return out, nil
	}

	correction, err := e.correctionLocked(st, segment, text, segment.SpeakerID, segment.SpeakerLabel)
	if err != nil {
		e.mu.Unlock()
		return Segment{}, err
	}
	e.mu.Unlock()
	e.emit([]Segment{correction})
	return correction, nil
}

// ResolveSpeaker maps a diarization cluster label to a participant.
// Provisional segments with that label are revised in place; finalized ones
// get correction segments.
func (e *Engine) ResolveSpeaker(sessionID, clusterLabel, participantID string) ([]Segment, error) {
	clusterLabel = strings.TrimSpace(clusterLabel)
	participantID = strings.TrimSpace(participantID)
	if clusterLabel == "" || participantID == "" {
		return nil, errors.New(errors.CodeInvalid, "cluster label and participant id are required")
	}

	e.mu.Lock()
	st := e.session(sessionID)
	st.speakerMap[clusterLabel] = participantID

	var emitted []Segment
	for _, segmentID := range append([]string(nil), st.order...) {
		segment := st.segments[segmentID]
		if segment.SpeakerLabel != clusterLabel || segment.SpeakerID == participantID {
			continue
		}
		if segment.CorrectionOf != "" {
			continue
		}
		if !segment.Final {
			segment.SpeakerID = participantID
			emitted = append(emitted, *segment)
			continue
		}
		correction, err := e.correctionLocked(st, segment, segment.Text, participantID, clusterLabel)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		emitted = append(emitted, correction)
	}
	e.mu.Unlock()

	e.emit(emitted)
	return emitted, nil
}

// correctionLocked appends an immutable correction segment superseding a
// finalized one.
func (e *Engine) correctionLocked(st *sessionTranscript, prior *Segment, text, speakerID, speakerLabel string) (Segment, error) {
	segmentID, err := e.newID()
	if err != nil {
		return Segment{}, errors.Wrap(errors.CodeInternal, "generate segment id", err)
	}
	correction := &Segment{
		ID:           segmentID,
		SessionID:    prior.SessionID,
		SpeakerID:    speakerID,
		SpeakerLabel: speakerLabel,
		Start:        prior.Start,
		End:          prior.End,
		Text:         text,
		Final:        true,
		CorrectionOf: prior.ID,
	}
	st.segments[correction.ID] = correction
	st.insertOrdered(correction)
	return *correction, nil
}

// Sweep finalizes every finalizable provisional segment older than the
// horizon, in start-time order, and returns the finalized segments.
// Non-finalizable segments stay provisional past the horizon.
func (e *Engine) Sweep() []Segment {
	now := e.clock().UTC()

	e.mu.Lock()
	var emitted []Segment
	for _, st := range e.sessions {
		for _, segmentID := range st.order {
			mark, ok := st.provisional[segmentID]
			if !ok || !mark.finalizable {
				continue
			}
			if now.Sub(mark.at) < e.horizon {
				continue
			}
			segment := st.segments[segmentID]
			segment.Final = true
			delete(st.provisional, segmentID)
			emitted = append(emitted, *segment)
		}
	}
	e.mu.Unlock()

	e.emit(emitted)
	return emitted
}

// RunFinalizer sweeps the finalization horizon until ctx is cancelled.
func (e *Engine) RunFinalizer(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-done:
			return
		}
	}
}

// CloseSession finalizes any remaining provisional segments and drops the
// session transcript state.
func (e *Engine) CloseSession(sessionID string) []Segment {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	var emitted []Segment
	for _, segmentID := range st.order {
		if _, provisional := st.provisional[segmentID]; !provisional {
			continue
		}
		segment := st.segments[segmentID]
		segment.Final = true
		emitted = append(emitted, *segment)
	}
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	e.emit(emitted)
	return emitted
}

// Segments returns the session transcript in start-time order.
func (e *Engine) Segments(sessionID string) []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Segment, 0, len(st.order))
	for _, segmentID := range st.order {
		out = append(out, *st.segments[segmentID])
	}
	return out
}

func (e *Engine) emit(segments []Segment) {
	if e.onSegment == nil {
		return
	}
	for _, segment := range segments {
		e.onSegment(segment)
	}
}
