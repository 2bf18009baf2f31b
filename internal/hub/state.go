package hub

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

// Handout is a piece of shared content revealed to a scope.
type Handout struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Scope Scope  `json:"scope"`
}

// Note is one collaborative note field. GM-only notes are filtered out of
// player-facing snapshots.
type Note struct {
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	GMOnly    bool      `json:"gm_only"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the authoritative snapshot of session-shared data. Exactly one
// copy exists per session, owned by that session's apply loop.
type State struct {
	Version          uint64              `json:"version"`
	Initiative       []string            `json:"initiative,omitempty"`
	Conditions       map[string][]string `json:"conditions,omitempty"`
	Handouts         map[string]Handout  `json:"handouts,omitempty"`
	Notes            map[string]Note     `json:"notes,omitempty"`
	TranscriptCursor uint64              `json:"transcript_cursor"`
}

func newState() *State {
	return &State{
		Conditions: make(map[string][]string),
		Handouts:   make(map[string]Handout),
		Notes:      make(map[string]Note),
	}
}

// FilterFor returns a copy of the state containing only fields the given
// subscriber may see. GM subscribers receive the full snapshot.
func (s *State) FilterFor(role domain.Role, participantID string) State {
	filtered := State{
		Version:          s.Version,
		Initiative:       slices.Clone(s.Initiative),
		Conditions:       make(map[string][]string, len(s.Conditions)),
		Handouts:         make(map[string]Handout, len(s.Handouts)),
		Notes:            make(map[string]Note, len(s.Notes)),
		TranscriptCursor: s.TranscriptCursor,
	}
	for characterID, conditions := range s.Conditions {
		filtered.Conditions[characterID] = slices.Clone(conditions)
	}
	for handoutID, handout := range s.Handouts {
		if handout.Scope.Allows(role, participantID) {
			filtered.Handouts[handoutID] = handout
		}
	}
	for field, note := range s.Notes {
		if note.GMOnly && role != domain.RoleGM {
			continue
		}
		filtered.Notes[field] = note
	}
	return filtered
}

// MutationKind identifies a client-submitted state mutation.
type MutationKind string

const (
	// MutationSetInitiative replaces the initiative order.
	MutationSetInitiative MutationKind = MutationKind(DeltaSetInitiative)
	// MutationSetCondition replaces one character's condition list.
	MutationSetCondition MutationKind = MutationKind(DeltaSetCondition)
	// MutationRevealHandout makes a handout visible to a scope. GM only.
	MutationRevealHandout MutationKind = MutationKind(DeltaRevealHandout)
	// MutationSetNote writes a collaborative note field.
	MutationSetNote MutationKind = MutationKind(DeltaSetNote)
	// MutationSetTranscriptCursor moves the shared transcript cursor.
	MutationSetTranscriptCursor MutationKind = MutationKind(DeltaSetTranscriptCursor)
)

// Mutation is a client-submitted state change. BaseVersion must match the
// current state version or the mutation is rejected with StaleVersion.
type Mutation struct {
	ParticipantID string          `json:"participant_id"`
	Role          domain.Role     `json:"-"`
	BaseVersion   uint64          `json:"base_version"`
	Kind          MutationKind    `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

// SetInitiativePayload is the payload of MutationSetInitiative.
type SetInitiativePayload struct {
	Order []string `json:"order"`
}

// SetConditionPayload is the payload of MutationSetCondition.
type SetConditionPayload struct {
	CharacterID string   `json:"character_id"`
	Conditions  []string `json:"conditions"`
}

// RevealHandoutPayload is the payload of MutationRevealHandout.
type RevealHandoutPayload struct {
	Handout Handout `json:"handout"`
}

// SetNotePayload is the payload of MutationSetNote.
type SetNotePayload struct {
	Field  string `json:"field"`
	Text   string `json:"text"`
	GMOnly bool   `json:"gm_only"`
}

// SetTranscriptCursorPayload is the payload of MutationSetTranscriptCursor.
type SetTranscriptCursorPayload struct {
	Cursor uint64 `json:"cursor"`
}

// apply validates and applies a mutation to the state, returning the
// canonical delta payload and its broadcast scope. The caller (the apply
// loop) is responsible for version bookkeeping.
func (s *State) apply(mut Mutation, now time.Time) (json.RawMessage, Scope, error) {
	if mut.Role == domain.RoleObserver || mut.Role == domain.RoleUnspecified {
		return nil, Scope{}, errors.New(errors.CodeUnauthorized, "observers may not mutate session state")
	}
	if mut.BaseVersion != s.Version {
		return nil, Scope{}, errors.WithMetadata(errors.CodeStaleVersion, "mutation base version is stale", map[string]string{
			"base_version":    fmt.Sprintf("%d", mut.BaseVersion),
			"current_version": fmt.Sprintf("%d", s.Version),
		})
	}

	switch mut.Kind {
	case MutationSetInitiative:
		var payload SetInitiativePayload
		if err := json.Unmarshal(mut.Payload, &payload); err != nil {
			return nil, Scope{}, errors.Wrap(errors.CodeInvalid, "decode initiative payload", err)
		}
		s.Initiative = slices.Clone(payload.Order)
		return marshalPayload(payload, AllScope())

	case MutationSetCondition:
		var payload SetConditionPayload
		if err := json.Unmarshal(mut.Payload, &payload); err != nil {
			return nil, Scope{}, errors.Wrap(errors.CodeInvalid, "decode condition payload", err)
		}
		payload.CharacterID = strings.TrimSpace(payload.CharacterID)
		if payload.CharacterID == "" {
			return nil, Scope{}, errors.New(errors.CodeInvalid, "character id is required")
		}
		if len(payload.Conditions) == 0 {
			delete(s.Conditions, payload.CharacterID)
		} else {
			s.Conditions[payload.CharacterID] = slices.Clone(payload.Conditions)
		}
		return marshalPayload(payload, AllScope())

	case MutationRevealHandout:
		if mut.Role != domain.RoleGM {
			return nil, Scope{}, errors.New(errors.CodeUnauthorized, "only the gm may reveal handouts")
		}
		var payload RevealHandoutPayload
		if err := json.Unmarshal(mut.Payload, &payload); err != nil {
			return nil, Scope{}, errors.Wrap(errors.CodeInvalid, "decode handout payload", err)
		}
		payload.Handout.ID = strings.TrimSpace(payload.Handout.ID)
		if payload.Handout.ID == "" {
			return nil, Scope{}, errors.New(errors.CodeInvalid, "handout id is required")
		}
		if !payload.Handout.Scope.Valid() {
			return nil, Scope{}, errors.New(errors.CodeInvalid, "handout scope is invalid")
		}
		s.Handouts[payload.Handout.ID] = payload.Handout
		return marshalPayload(payload, payload.Handout.Scope)

	case MutationSetNote:
		var payload SetNotePayload
		if err := json.Unmarshal(mut.Payload, &payload); err != nil {
			return nil, Scope{}, errors.Wrap(errors.CodeInvalid, "decode note payload", err)
		}
		payload.Field = strings.TrimSpace(payload.Field)
		if payload.Field == "" {
			return nil, Scope{}, errors.New(errors.CodeInvalid, "note field is required")
		}
		if payload.GMOnly && mut.Role != domain.RoleGM {
			return nil, Scope{}, errors.New(errors.CodeUnauthorized, "only the gm may write gm-only notes")
		}
		s.Notes[payload.Field] = Note{
			Text:      payload.Text,
			AuthorID:  mut.ParticipantID,
			GMOnly:    payload.GMOnly,
			UpdatedAt: now,
		}
		scope := AllScope()
		if payload.GMOnly {
			scope = GMScope()
		}
		return marshalPayload(payload, scope)

	case MutationSetTranscriptCursor:
		var payload SetTranscriptCursorPayload
		if err := json.Unmarshal(mut.Payload, &payload); err != nil {
			return nil, Scope{}, errors.Wrap(errors.CodeInvalid, "decode cursor payload", err)
		}
		s.TranscriptCursor = payload.Cursor
		return marshalPayload(payload, AllScope())

	default:
		return nil, Scope{}, errors.WithMetadata(errors.CodeInvalid, "unknown mutation kind", map[string]string{
			"kind": string(mut.Kind),
		})
	}
}

func marshalPayload(payload any, scope Scope) (json.RawMessage, Scope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Scope{}, errors.Wrap(errors.CodeInternal, "encode delta payload", err)
	}
	return raw, scope, nil
}
