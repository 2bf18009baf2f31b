package ws

import (
	"encoding/json"

	"github.com/gmcompanion/livesession/internal/hub"
)

// Inbound frame types.
const (
	FrameJoin           = "join"
	FrameReattach       = "reattach"
	FrameMutate         = "mutate"
	FrameResync         = "resync"
	FrameAck            = "ack"
	FrameAudio          = "audio"
	FrameResolveSpeaker = "resolve_speaker"
	FrameLeave          = "leave"
)

// Outbound frame types.
const (
	FrameJoined   = "joined"
	FrameDelta    = "delta"
	FrameSnapshot = "snapshot"
	FrameError    = "error"
	FrameClosed   = "closed"
)

// ClientFrame is one inbound JSON message from a participant connection.
// Type selects which fields apply.
type ClientFrame struct {
	Type string `json:"type"`

	// join
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Proof     string `json:"proof,omitempty"`

	// reattach
	ParticipantID string `json:"participant_id,omitempty"`

	// mutate
	BaseVersion uint64          `json:"base_version,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// resync and ack
	Version uint64 `json:"version,omitempty"`

	// audio; Data is base64-encoded PCM
	Source     string `json:"source,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
	StartMS    int64  `json:"start_ms,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Data       string `json:"data,omitempty"`

	// resolve_speaker (GM only)
	ClusterLabel        string `json:"cluster_label,omitempty"`
	TargetParticipantID string `json:"target_participant_id,omitempty"`
}

// ServerFrame is one outbound JSON message to a participant connection.
type ServerFrame struct {
	Type string `json:"type"`

	// joined
	ParticipantID string `json:"participant_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Role          string `json:"role,omitempty"`

	// delta
	Delta *hub.Delta `json:"delta,omitempty"`

	// snapshot; Version also tags resync replays
	Snapshot *hub.State `json:"snapshot,omitempty"`
	Version  uint64     `json:"version,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// closed
	Reason string `json:"reason,omitempty"`
}
