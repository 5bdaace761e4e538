package event

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types appended to the log.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionDeleted         = "session.deleted"
	TypeStateChanged           = "state.changed"
	TypeBundleScheduled        = "actions.bundle_scheduled"
	TypeBundleApplied          = "actions.bundle_applied"
	TypeBundlePartiallyApplied = "actions.bundle_partially_applied"
	TypeBundleRejected         = "actions.bundle_rejected"
	TypeBundleCanceled         = "actions.bundle_canceled"
	TypeRecordingStarted       = "recording.started"
	TypeRecordingStopped       = "recording.stopped"
	TypeRecordingFeedback      = "recording.feedback_changed"
	TypeRecordingMode          = "recording.mode_changed"
	TypeTransportStarted       = "transport.started"
	TypeTransportStopped       = "transport.stopped"
	TypeGapDetected            = "events.gap_detected"
)

// Event is one entry in the append-only log. Seq is assigned by the log and
// strictly increases for the life of the process.
type Event struct {
	EventID      string         `json:"eventId"`
	Seq          uint64         `json:"seq"`
	Type         string         `json:"type"`
	TS           time.Time      `json:"ts"`
	SessionID    string         `json:"sessionId,omitempty"`
	StateVersion uint64         `json:"stateVersion"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewID mints a time-ordered event id.
func NewID(ts time.Time) string {
	return ulid.MustNew(ulid.Timestamp(ts), rand.Reader).String()
}
