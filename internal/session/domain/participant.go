package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gmcompanion/livesession/internal/id"
)

// Role describes a participant's visibility level within a session.
type Role int

const (
	// RoleUnspecified represents an invalid role value.
	RoleUnspecified Role = iota
	// RoleGM can see every delta, including GM-only scoped payloads.
	RoleGM
	// RolePlayer can see all-scope deltas and deltas targeted at them.
	RolePlayer
	// RoleObserver can see all-scope deltas but may not mutate state.
	RoleObserver
)

// String returns the lowercase name of the role.
func (r Role) String() string {
	switch r {
	case RoleGM:
		return "gm"
	case RolePlayer:
		return "player"
	case RoleObserver:
		return "observer"
	default:
		return "unspecified"
	}
}

// ParseRole maps a role name to its Role value.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "gm":
		return RoleGM, nil
	case "player":
		return RolePlayer, nil
	case "observer":
		return RoleObserver, nil
	default:
		return RoleUnspecified, fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

var (
	// ErrInvalidRole indicates an unknown participant role.
	ErrInvalidRole = errors.New("invalid participant role")
	// ErrEmptyUserID indicates a missing user ID.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptySessionID indicates a missing session ID.
	ErrEmptySessionID = errors.New("session id is required")
)

// Participant is one device/user attachment to a session. A user may hold
// multiple concurrent Participant records (multi-device). The role is
// immutable for the lifetime of the record; a role change requires rejoin.
type Participant struct {
	ID               string
	SessionID        string
	UserID           string
	Role             Role
	ConnectionID     string
	AttachedAt       time.Time
	LastAckedVersion uint64
}

// CreateParticipantInput describes a join request that passed authorization.
type CreateParticipantInput struct {
	SessionID    string
	UserID       string
	Role         Role
	ConnectionID string
}

// CreateParticipant creates a participant record for a successful join.
func CreateParticipant(input CreateParticipantInput, now func() time.Time, idGenerator func() (string, error)) (Participant, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.SessionID == "" {
		return Participant{}, ErrEmptySessionID
	}
	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return Participant{}, ErrEmptyUserID
	}
	switch input.Role {
	case RoleGM, RolePlayer, RoleObserver:
	default:
		return Participant{}, ErrInvalidRole
	}

	participantID, err := idGenerator()
	if err != nil {
		return Participant{}, fmt.Errorf("generate participant id: %w", err)
	}

	return Participant{
		ID:           participantID,
		SessionID:    input.SessionID,
		UserID:       input.UserID,
		Role:         input.Role,
		ConnectionID: input.ConnectionID,
		AttachedAt:   now().UTC(),
	}, nil
}
