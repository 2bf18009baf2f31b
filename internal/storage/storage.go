// Package storage defines persistence contracts for durable session
// history: session audit records, the finalized delta log, transcript
// segments, and campaign keyword triggers.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// SessionRecord stores one session audit entry.
type SessionRecord struct {
	ID         string
	CampaignID string
	GMID       string
	Status     string
	CreatedAt  time.Time
	ClosedAt   *time.Time
}

// DeltaRecord stores one committed session-state delta.
type DeltaRecord struct {
	SessionID   string
	FromVersion uint64
	ToVersion   uint64
	Kind        string
	Payload     []byte
	Scope       []byte
	At          time.Time
}

// SegmentRecord stores one finalized transcript segment.
type SegmentRecord struct {
	ID           string
	SessionID    string
	SpeakerID    string
	SpeakerLabel string
	Start        time.Duration
	End          time.Duration
	Text         string
	CorrectionOf string
	At           time.Time
}

// SegmentPage stores one page of transcript segments ordered by start time.
type SegmentPage struct {
	Segments      []SegmentRecord
	NextPageToken string
}

// TriggerRecord stores one campaign-scoped keyword trigger.
type TriggerRecord struct {
	ID         string
	CampaignID string
	Term       string
	RefID      string
	Audience   string
}

// SessionStore persists session audit records.
type SessionStore interface {
	RecordSessionOpened(ctx context.Context, record SessionRecord) error
	RecordSessionClosed(ctx context.Context, sessionID string, closedAt time.Time) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
}

// DeltaSink persists committed deltas for durable campaign history.
type DeltaSink interface {
	AppendDelta(ctx context.Context, record DeltaRecord) error
}

// TranscriptSink persists finalized transcript segments.
type TranscriptSink interface {
	AppendSegment(ctx context.Context, record SegmentRecord) error
	ListSegments(ctx context.Context, sessionID string, pageSize int, pageToken string) (SegmentPage, error)
}

// TriggerStore serves the campaign-scoped keyword trigger dictionary.
type TriggerStore interface {
	PutTrigger(ctx context.Context, record TriggerRecord) error
	ListTriggers(ctx context.Context, campaignID string) ([]TriggerRecord, error)
}
