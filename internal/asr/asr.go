// Package asr defines the speech recognition capability consumed by the
// audio pipeline. Implementations attribute a speaker label and text to
// each audio chunk.
package asr

import "context"

// Result is the recognition outcome for one audio chunk.
type Result struct {
	// SpeakerLabel is the diarization cluster label, not a participant id.
	// The transcript engine resolves labels to participants.
	SpeakerLabel string
	Text         string
	Confidence   float64
	// Finalizable reports whether the text is stable enough to finalize.
	// Degraded upstream output stays provisional.
	Finalizable bool
}

// Recognizer converts one chunk of raw audio into a speaker-attributed
// transcript result. Calls may be long-running and must honor ctx.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte) (Result, error)
}
