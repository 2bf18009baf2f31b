package hub

import (
	"encoding/json"
	"time"
)

// DeltaKind identifies the type of a session state delta.
type DeltaKind string

// State mutation deltas.
const (
	// DeltaSetInitiative records a new initiative order.
	DeltaSetInitiative DeltaKind = "state.set_initiative"
	// DeltaSetCondition records a character condition change.
	DeltaSetCondition DeltaKind = "state.set_condition"
	// DeltaRevealHandout records a handout becoming visible to a scope.
	DeltaRevealHandout DeltaKind = "state.reveal_handout"
	// DeltaSetNote records a collaborative note write.
	DeltaSetNote DeltaKind = "state.set_note"
	// DeltaSetTranscriptCursor records the shared transcript read cursor.
	DeltaSetTranscriptCursor DeltaKind = "state.set_transcript_cursor"
)

// Pipeline deltas published by the transcript and keyword components.
const (
	// DeltaTranscriptSegment carries a finalized transcript segment.
	DeltaTranscriptSegment DeltaKind = "transcript.segment"
	// DeltaTranscriptProvisional carries a provisional transcript segment
	// that may still be revised.
	DeltaTranscriptProvisional DeltaKind = "transcript.provisional"
	// DeltaKeywordEvent carries a detected trigger term.
	DeltaKeywordEvent DeltaKind = "keyword.event"
)

// Terminal deltas.
const (
	// DeltaSessionClosed is the last delta of every subscription.
	DeltaSessionClosed DeltaKind = "session.closed"
	// DeltaSessionError reports a session-fatal failure to all
	// subscribers before teardown.
	DeltaSessionError DeltaKind = "session.error"
)

// Delta is an immutable, versioned change record. Versions within a
// session increase by exactly one per delta with no gaps.
type Delta struct {
	SessionID   string          `json:"session_id"`
	FromVersion uint64          `json:"from_version"`
	ToVersion   uint64          `json:"to_version"`
	Kind        DeltaKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Scope       Scope           `json:"scope"`
	At          time.Time       `json:"at"`
}

// ClosedPayload is the payload of a DeltaSessionClosed delta.
type ClosedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is the payload of a DeltaSessionError delta.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
