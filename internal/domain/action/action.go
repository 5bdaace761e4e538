package action

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/instrument-hub/instrument-hub/internal/domain/musictime"
)

// Risk classifies the severity of an action or bundle.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 0
	}
}

// Max returns the higher-ranked of the two risks.
func (r Risk) Max(other Risk) Risk {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// Action types.
const (
	TypeSetParameter   = "set_parameter"
	TypeRampParameter  = "ramp_parameter"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeSetFeedback    = "set_feedback"
	TypeSetRecordMode  = "set_record_mode"
	TypeTransportStart = "transport_start"
	TypeTransportStop  = "transport_stop"
	TypeSetTempo       = "set_tempo"
	TypeSetKey         = "set_key"
	TypeSetTrackField  = "set_track_field"
	TypeSetStageField  = "set_stage_field"
	TypeSetDrumStep    = "set_drum_step"
	TypeSetDrumLane    = "set_drum_lane"
	TypeSetChordStep   = "set_chord_step"
)

var riskTable = map[string]Risk{
	TypeSetParameter:   RiskLow,
	TypeRampParameter:  RiskLow,
	TypeSetTrackField:  RiskLow,
	TypeSetStageField:  RiskLow,
	TypeSetDrumStep:    RiskLow,
	TypeSetDrumLane:    RiskLow,
	TypeSetChordStep:   RiskLow,
	TypeStartRecording: RiskMedium,
	TypeSetFeedback:    RiskMedium,
	TypeSetRecordMode:  RiskMedium,
	TypeTransportStart: RiskMedium,
	TypeSetTempo:       RiskMedium,
	TypeSetKey:         RiskMedium,
	TypeStopRecording:  RiskHigh,
	TypeTransportStop:  RiskHigh,
}

// RiskFor returns the risk rank for an action type. Unknown types rank low;
// they are rejected elsewhere before risk matters.
func RiskFor(actionType string) Risk {
	if r, ok := riskTable[actionType]; ok {
		return r
	}
	return RiskLow
}

// KnownTypes lists every supported action type.
func KnownTypes() []string {
	out := make([]string, 0, len(riskTable))
	for t := range riskTable {
		out = append(out, t)
	}
	return out
}

// Validation failure codes surfaced in the error envelope.
const (
	CodePathUnknown          = "ACTION_PATH_UNKNOWN"
	CodeTypeUnsupported      = "ACTION_TYPE_UNSUPPORTED"
	CodeOutOfRange           = "ACTION_OUT_OF_RANGE"
	CodeRecordingActive      = "RECORDING_ALREADY_ACTIVE"
	CodeRecordingNotActive   = "RECORDING_NOT_ACTIVE"
	CodeModeUnsupported      = "RECORDING_MODE_UNSUPPORTED"
	CodeFeedbackUnsupported  = "RECORDING_FEEDBACK_UNSUPPORTED"
	CodeRiskExceedsPolicy    = "RISK_EXCEEDS_POLICY"
	CodeDependencyViolation  = "DEPENDENCY_VIOLATION"
	CodeStaleStateVersion    = "STALE_STATE_VERSION"
	CodeConfirmationExpired  = "CONFIRMATION_TOKEN_EXPIRED"
	CodeIdempotencyConflict  = "IDEMPOTENCY_KEY_CONFLICT"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeValidationNotFound   = "VALIDATION_NOT_FOUND"
	CodeValidationExpired    = "VALIDATION_EXPIRED"
	CodeValidationMismatch   = "VALIDATION_BUNDLE_MISMATCH"
	CodeBundleNotFound       = "BUNDLE_NOT_FOUND"
	CodeBundleNotCancellable = "BUNDLE_NOT_CANCELLABLE"
)

// Action is one typed mutation inside a bundle.
type Action struct {
	ActionID string          `json:"actionId,omitempty"`
	Type     string          `json:"type"`
	Target   string          `json:"target,omitempty"`
	Value    any             `json:"value,omitempty"`
	From     *float64        `json:"from,omitempty"`
	To       *float64        `json:"to,omitempty"`
	Curve    string          `json:"curve,omitempty"`
	Time     *musictime.Spec `json:"time,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// FloatValue extracts a numeric value. JSON numbers decode as float64.
func (a Action) FloatValue() (float64, bool) {
	switch v := a.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// StringValue extracts a string value.
func (a Action) StringValue() (string, bool) {
	s, ok := a.Value.(string)
	return s, ok
}

// Bundle is a named, ordered set of actions submitted as one unit.
// Immutable once submitted; identity is BundleID.
type Bundle struct {
	BundleID                 string          `json:"bundleId"`
	IntentID                 string          `json:"intentId,omitempty"`
	ValidationID             string          `json:"validationId,omitempty"`
	PreconditionStateVersion *uint64         `json:"preconditionStateVersion,omitempty"`
	Atomic                   bool            `json:"atomic,omitempty"`
	RequireConfirmation      bool            `json:"requireConfirmation,omitempty"`
	Time                     *musictime.Spec `json:"time,omitempty"`
	Actions                  []Action        `json:"actions"`
}

// Signature hashes the bundle bit-for-bit, excluding the validationId field
// so a validated bundle can be redeemed with the id filled in.
func (b Bundle) Signature() string {
	clone := b
	clone.ValidationID = ""
	raw, _ := json.Marshal(clone)
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Failure is one per-action validation or execution failure. Failures are
// collected, never thrown: callers always see the complete list.
type Failure struct {
	ActionID string `json:"actionId,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// BundleStatus is the bundle state machine's terminal and transit states.
type BundleStatus string

const (
	StatusScheduled        BundleStatus = "scheduled"
	StatusInProgress       BundleStatus = "in_progress"
	StatusApplied          BundleStatus = "applied"
	StatusPartiallyApplied BundleStatus = "partially_applied"
	StatusRejected         BundleStatus = "rejected"
	StatusCanceled         BundleStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s BundleStatus) Terminal() bool {
	switch s {
	case StatusApplied, StatusPartiallyApplied, StatusRejected, StatusCanceled:
		return true
	}
	return false
}

// ScheduledState is the registry's view of an in-flight bundle.
type ScheduledState struct {
	BundleID      string       `json:"bundleId"`
	IntentID      string       `json:"intentId,omitempty"`
	SessionID     string       `json:"sessionId,omitempty"`
	ScheduledBar  int          `json:"scheduledBar"`
	ScheduledBeat float64      `json:"scheduledBeat"`
	ExecuteAt     time.Time    `json:"executeAt"`
	Status        BundleStatus `json:"status"`
	Risk          Risk         `json:"risk"`
	StateVersion  uint64       `json:"stateVersion"`
	ErrorCodes    []string     `json:"errorCodes,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}
