package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gmcompanion/livesession/internal/id"
)

// SessionStatus describes the lifecycle state of a session.
type SessionStatus int

const (
	// SessionStatusUnspecified represents an invalid session status value.
	SessionStatusUnspecified SessionStatus = iota
	// SessionStatusForming indicates the session exists but no participant
	// has joined yet.
	SessionStatusForming
	// SessionStatusActive indicates the session is currently active.
	SessionStatusActive
	// SessionStatusPaused indicates the session has no attached
	// participants but may still be rejoined.
	SessionStatusPaused
	// SessionStatusClosed indicates the session has ended. Closed sessions
	// are retained for audit and never reopened.
	SessionStatusClosed
)

// String returns the lowercase name of the status.
func (s SessionStatus) String() string {
	switch s {
	case SessionStatusForming:
		return "forming"
	case SessionStatusActive:
		return "active"
	case SessionStatusPaused:
		return "paused"
	case SessionStatusClosed:
		return "closed"
	default:
		return "unspecified"
	}
}

var (
	// ErrEmptyCampaignID indicates a missing campaign ID.
	ErrEmptyCampaignID = errors.New("campaign id is required")
	// ErrEmptyGMID indicates a missing GM user ID.
	ErrEmptyGMID = errors.New("gm id is required")
	// ErrInvalidStatusTransition indicates a disallowed lifecycle move.
	ErrInvalidStatusTransition = errors.New("invalid session status transition")
)

// Session represents one active play session within a campaign.
type Session struct {
	ID         string
	CampaignID string
	GMID       string
	Status     SessionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ClosedAt   *time.Time // nil until the session is closed
}

// CreateSessionInput describes the metadata needed to open a session.
type CreateSessionInput struct {
	CampaignID string
	GMID       string
}

// CreateSession creates a new session with a generated ID and timestamps.
// The session starts in FORMING status until the first participant joins.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	return Session{
		ID:         sessionID,
		CampaignID: normalized.CampaignID,
		GMID:       normalized.GMID,
		Status:     SessionStatusForming,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
		ClosedAt:   nil,
	}, nil
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.CampaignID = strings.TrimSpace(input.CampaignID)
	if input.CampaignID == "" {
		return CreateSessionInput{}, ErrEmptyCampaignID
	}
	input.GMID = strings.TrimSpace(input.GMID)
	if input.GMID == "" {
		return CreateSessionInput{}, ErrEmptyGMID
	}
	return input, nil
}

// Transition moves the session to a new lifecycle status, enforcing
// Forming -> Active -> Paused -> Closed ordering. Active and Paused may
// flip back and forth; Closed is terminal.
func (s *Session) Transition(status SessionStatus, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if !validTransition(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, s.Status, status)
	}
	s.Status = status
	s.UpdatedAt = now().UTC()
	if status == SessionStatusClosed {
		closedAt := s.UpdatedAt
		s.ClosedAt = &closedAt
	}
	return nil
}

func validTransition(from, to SessionStatus) bool {
	switch from {
	case SessionStatusForming:
		return to == SessionStatusActive || to == SessionStatusClosed
	case SessionStatusActive:
		return to == SessionStatusPaused || to == SessionStatusClosed
	case SessionStatusPaused:
		return to == SessionStatusActive || to == SessionStatusClosed
	default:
		return false
	}
}
