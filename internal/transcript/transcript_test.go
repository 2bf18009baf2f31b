package transcript

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gmcompanion/livesession/internal/asr"
	"github.com/gmcompanion/livesession/internal/audio"
	"github.com/gmcompanion/livesession/internal/platform/errors"
)

type engineClock struct {
	mu  sync.Mutex
	now time.Time
}

func newEngineClock() *engineClock {
	return &engineClock{now: time.Date(2026, time.March, 14, 20, 0, 0, 0, time.UTC)}
}

func (c *engineClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *engineClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type emitLog struct {
	mu       sync.Mutex
	segments []Segment
}

func (l *emitLog) add(segment Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = append(l.segments, segment)
}

func (l *emitLog) all() []Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Segment(nil), l.segments...)
}

func newTestEngine(t *testing.T, horizon time.Duration) (*Engine, *engineClock, *emitLog) {
	t.Helper()
	clock := newEngineClock()
	log := &emitLog{}
	counter := 0
	engine := NewEngine(Options{
		Horizon:   horizon,
		OnSegment: log.add,
		Clock:     clock.Now,
		IDGenerator: func() (string, error) {
			counter++
			return fmt.Sprintf("seg-%d", counter), nil
		},
	})
	return engine, clock, log
}

func resultAt(seq uint64, label, text string) audio.ChunkResult {
	return audio.ChunkResult{
		Chunk: audio.Chunk{
			SessionID: "sess-1",
			Source:    "mic-1",
			Seq:       seq,
			Start:     time.Duration(seq) * time.Second,
			Duration:  time.Second,
		},
		Result: asr.Result{SpeakerLabel: label, Text: text, Confidence: 0.9, Finalizable: true},
	}
}

func TestMergeResultEmitsProvisionalWithUnknownSpeaker(t *testing.T) {
	engine, _, _ := newTestEngine(t, 5*time.Second)

	emitted := engine.MergeResult("sess-1", resultAt(1, "A", "we enter the crypt"))
	if len(emitted) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(emitted))
	}
	segment := emitted[0]
	if segment.Final {
		t.Fatal("expected provisional segment inside the window")
	}
	if segment.SpeakerID != "unknown-1" {
		t.Fatalf("speaker = %q, want unknown-1", segment.SpeakerID)
	}

	// Same cluster keeps its placeholder; a new cluster gets the next one.
	second := engine.MergeResult("sess-1", resultAt(2, "A", "torches out"))[0]
	third := engine.MergeResult("sess-1", resultAt(3, "B", "I check for traps"))[0]
	if second.SpeakerID != "unknown-1" || third.SpeakerID != "unknown-2" {
		t.Fatalf("speakers = %q, %q", second.SpeakerID, third.SpeakerID)
	}
}

func TestMergeResultSkipsDegradedChunks(t *testing.T) {
	engine, _, log := newTestEngine(t, 5*time.Second)

	degraded := audio.ChunkResult{
		Chunk: audio.Chunk{SessionID: "sess-1", Seq: 1},
		Err:   errors.New(errors.CodeUpstreamUnavailable, "speech recognition failed"),
	}
	if emitted := engine.MergeResult("sess-1", degraded); emitted != nil {
		t.Fatalf("expected no segments, got %d", len(emitted))
	}
	if len(log.all()) != 0 {
		t.Fatal("expected no emissions for degraded chunk")
	}
}

func TestSweepFinalizesPastHorizonInStartOrder(t *testing.T) {
	engine, clock, _ := newTestEngine(t, 5*time.Second)

	engine.MergeResult("sess-1", resultAt(1, "A", "one"))
	engine.MergeResult("sess-1", resultAt(3, "A", "three"))
	engine.MergeResult("sess-1", resultAt(2, "A", "two"))

	if finalized := engine.Sweep(); len(finalized) != 0 {
		t.Fatalf("expected nothing final inside the window, got %d", len(finalized))
	}

	// Chunk 4 never arrives; the horizon elapses and 1-3 finalize anyway.
	clock.Advance(6 * time.Second)
	finalized := engine.Sweep()
	if len(finalized) != 3 {
		t.Fatalf("finalized %d segments, want 3", len(finalized))
	}
	wantTexts := []string{"one", "two", "three"}
	for i, segment := range finalized {
		if !segment.Final {
			t.Fatalf("segment %d not final", i)
		}
		if segment.Text != wantTexts[i] {
			t.Fatalf("segment %d text = %q, want %q", i, segment.Text, wantTexts[i])
		}
	}

	// A second sweep finds nothing left.
	if finalized := engine.Sweep(); len(finalized) != 0 {
		t.Fatalf("expected idempotent sweep, got %d", len(finalized))
	}
}

// Degraded recognition output is never promoted to an immutable final
// segment by the horizon alone; it holds provisional until a revision
// supersedes it.
func TestSweepHoldsNonFinalizableSegments(t *testing.T) {
	engine, clock, _ := newTestEngine(t, 5*time.Second)

	degraded := resultAt(1, "A", "garbled guess")
	degraded.Result.Finalizable = false
	segment := engine.MergeResult("sess-1", degraded)[0]
	engine.MergeResult("sess-1", resultAt(2, "A", "clear speech"))

	clock.Advance(6 * time.Second)
	finalized := engine.Sweep()
	if len(finalized) != 1 || finalized[0].Text != "clear speech" {
		t.Fatalf("expected only the finalizable segment to finalize, got %+v", finalized)
	}

	// A revision supplies authoritative text and lifts the hold.
	if _, err := engine.ReviseSegment("sess-1", segment.ID, "garbled, corrected"); err != nil {
		t.Fatalf("revise: %v", err)
	}
	clock.Advance(6 * time.Second)
	finalized = engine.Sweep()
	if len(finalized) != 1 || finalized[0].ID != segment.ID || !finalized[0].Final {
		t.Fatalf("expected revised segment to finalize, got %+v", finalized)
	}

	// Close still flushes anything held.
	held := resultAt(3, "A", "trailing guess")
	held.Result.Finalizable = false
	engine.MergeResult("sess-1", held)
	closed := engine.CloseSession("sess-1")
	if len(closed) != 1 || !closed[0].Final {
		t.Fatalf("expected held segment to flush on close, got %+v", closed)
	}
}

func TestReviseProvisionalMutatesInPlace(t *testing.T) {
	engine, _, _ := newTestEngine(t, 5*time.Second)
	original := engine.MergeResult("sess-1", resultAt(1, "A", "we enter the cript"))[0]

	revised, err := engine.ReviseSegment("sess-1", original.ID, "we enter the crypt")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.ID != original.ID || revised.CorrectionOf != "" {
		t.Fatal("expected in-place provisional revision")
	}
	if revised.Text != "we enter the crypt" {
		t.Fatalf("text = %q", revised.Text)
	}
}

func TestReviseFinalAppendsCorrection(t *testing.T) {
	engine, clock, _ := newTestEngine(t, 5*time.Second)
	original := engine.MergeResult("sess-1", resultAt(1, "A", "fire bolt"))[0]
	clock.Advance(6 * time.Second)
	engine.Sweep()

	correction, err := engine.ReviseSegment("sess-1", original.ID, "Fireball")
	if err != nil {
		t.Fatalf("revise final: %v", err)
	}
	if correction.ID == original.ID {
		t.Fatal("expected a new segment id for the correction")
	}
	if correction.CorrectionOf != original.ID || !correction.Final {
		t.Fatalf("unexpected correction %+v", correction)
	}

	// The finalized original is untouched.
	for _, segment := range engine.Segments("sess-1") {
		if segment.ID == original.ID && segment.Text != "fire bolt" {
			t.Fatalf("finalized segment mutated: %q", segment.Text)
		}
	}
}

func TestResolveSpeakerRevisesProvisionalAndCorrectsFinal(t *testing.T) {
	engine, clock, _ := newTestEngine(t, 5*time.Second)
	early := engine.MergeResult("sess-1", resultAt(1, "A", "hello"))[0]
	clock.Advance(6 * time.Second)
	engine.Sweep()
	late := engine.MergeResult("sess-1", resultAt(10, "A", "again"))[0]

	emitted, err := engine.ResolveSpeaker("sess-1", "A", "part-gm")
	if err != nil {
		t.Fatalf("resolve speaker: %v", err)
	}
	if len(emitted) != 2 {
		t.Fatalf("emitted %d segments, want 2", len(emitted))
	}

	var sawCorrection, sawRevision bool
	for _, segment := range emitted {
		switch {
		case segment.CorrectionOf == early.ID:
			sawCorrection = true
			if segment.SpeakerID != "part-gm" || !segment.Final {
				t.Fatalf("bad correction %+v", segment)
			}
		case segment.ID == late.ID:
			sawRevision = true
			if segment.SpeakerID != "part-gm" || segment.Final {
				t.Fatalf("bad revision %+v", segment)
			}
		}
	}
	if !sawCorrection || !sawRevision {
		t.Fatalf("missing emissions: correction=%v revision=%v", sawCorrection, sawRevision)
	}

	// New chunks from the cluster resolve directly.
	next := engine.MergeResult("sess-1", resultAt(11, "A", "once more"))[0]
	if next.SpeakerID != "part-gm" {
		t.Fatalf("speaker = %q, want part-gm", next.SpeakerID)
	}
}

// Replaying the emitted segment stream in order reconstructs the same final
// transcript regardless of the provisional intermediates.
func TestEmittedStreamReplayIsDeterministic(t *testing.T) {
	engine, clock, log := newTestEngine(t, 5*time.Second)

	engine.MergeResult("sess-1", resultAt(1, "A", "first draft"))
	first := engine.Segments("sess-1")[0]
	if _, err := engine.ReviseSegment("sess-1", first.ID, "first"); err != nil {
		t.Fatalf("revise: %v", err)
	}
	engine.MergeResult("sess-1", resultAt(2, "B", "second"))
	clock.Advance(6 * time.Second)
	engine.Sweep()
	if _, err := engine.ReviseSegment("sess-1", first.ID, "first, corrected"); err != nil {
		t.Fatalf("correct: %v", err)
	}

	replayed := make(map[string]Segment)
	for _, segment := range log.all() {
		prior, seen := replayed[segment.ID]
		if seen && prior.Final && !segment.Final {
			t.Fatalf("final segment %s replayed as provisional", segment.ID)
		}
		replayed[segment.ID] = segment
	}

	var finals []Segment
	for _, segment := range replayed {
		if segment.Final {
			finals = append(finals, segment)
		}
	}
	if len(finals) != 3 {
		t.Fatalf("replayed %d final segments, want 3", len(finals))
	}
	for _, segment := range finals {
		switch segment.ID {
		case first.ID:
			if segment.Text != "first" {
				t.Fatalf("finalized text = %q, want pre-horizon revision", segment.Text)
			}
		default:
			if segment.CorrectionOf == first.ID && segment.Text != "first, corrected" {
				t.Fatalf("correction text = %q", segment.Text)
			}
		}
	}
}

func TestCloseSessionFinalizesRemainder(t *testing.T) {
	engine, _, _ := newTestEngine(t, 5*time.Second)
	engine.MergeResult("sess-1", resultAt(1, "A", "parting words"))

	finalized := engine.CloseSession("sess-1")
	if len(finalized) != 1 || !finalized[0].Final {
		t.Fatalf("unexpected close emission %+v", finalized)
	}
	if segments := engine.Segments("sess-1"); segments != nil {
		t.Fatal("expected session transcript to be dropped")
	}
	if finalized := engine.CloseSession("sess-1"); finalized != nil {
		t.Fatal("expected idempotent close")
	}
}
