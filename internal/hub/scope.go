package hub

import (
	"slices"

	"github.com/gmcompanion/livesession/internal/session/domain"
)

// ScopeKind names the visibility class of a delta.
type ScopeKind string

const (
	// ScopeAll delivers to every subscriber.
	ScopeAll ScopeKind = "all"
	// ScopeGM delivers only to GM subscribers.
	ScopeGM ScopeKind = "gm"
	// ScopeParticipants delivers to an explicit participant-id set, plus
	// the GM.
	ScopeParticipants ScopeKind = "participants"
)

// Scope is the audience of a delta. The zero value denies everyone but the
// GM, so a forgotten scope can never leak to players.
type Scope struct {
	Kind           ScopeKind `json:"kind"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
}

// AllScope returns a scope delivered to every subscriber.
func AllScope() Scope {
	return Scope{Kind: ScopeAll}
}

// GMScope returns a scope delivered only to the GM.
func GMScope() Scope {
	return Scope{Kind: ScopeGM}
}

// ParticipantScope returns a scope delivered to the named participants and
// the GM.
func ParticipantScope(participantIDs ...string) Scope {
	return Scope{Kind: ScopeParticipants, ParticipantIDs: participantIDs}
}

// Allows reports whether a subscriber with the given role and participant
// id may receive a delta carrying this scope. It is a pure function: the
// broadcast path calls it for every subscriber on every delta.
func (s Scope) Allows(role domain.Role, participantID string) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeGM:
		return role == domain.RoleGM
	case ScopeParticipants:
		if role == domain.RoleGM {
			return true
		}
		return slices.Contains(s.ParticipantIDs, participantID)
	default:
		// Unknown scope kinds fail closed for non-GM subscribers.
		return role == domain.RoleGM
	}
}

// Valid reports whether the scope kind is one of the known values.
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeAll, ScopeGM, ScopeParticipants:
		return true
	default:
		return false
	}
}
