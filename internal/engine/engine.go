// Package engine holds the narrow accessor interfaces of the audio-side
// collaborators. The control plane consumes them read/write and degrades to
// documented defaults when a collaborator is absent.
package engine

import "github.com/instrument-hub/instrument-hub/internal/domain/musictime"

// Recording modes accepted by SetRecordMode.
const (
	ModeReplace = "replace"
	ModeOverdub = "overdub"
)

// VoiceRecordState is the recording state of one voice.
type VoiceRecordState struct {
	Voice     string  `json:"voice"`
	Recording bool    `json:"recording"`
	Feedback  float64 `json:"feedback"`
	Mode      string  `json:"mode"`
}

// AudioEngine is the audio engine handle. All reads are fast atomic-style
// reads of cached scalars; callers may block on them from the control-plane
// loop.
type AudioEngine interface {
	SampleTime() int64
	ClockRunning() bool
	Transport() musictime.Snapshot

	Parameter(path string) (float64, bool)
	SetParameter(path string, value float64) error

	Voices() []VoiceRecordState
	VoiceState(voice string) (VoiceRecordState, bool)
	StartRecording(voice string) error
	StopRecording(voice string) error
	SetFeedback(voice string, level float64) error
	SetRecordMode(voice, mode string) error

	StartTransport() error
	StopTransport() error
	SetTempo(bpm float64) error
	SetKey(root string) error
	Key() string
}

// StepSequencer exposes per-track and per-stage field accessors.
type StepSequencer interface {
	SetTrackField(track int, field string, value float64) error
	SetStageField(track, stage int, field string, value float64) error
	TrackField(track int, field string) (float64, bool)
	Snapshot() map[string]any
	Start()
	Stop()
}

// DrumSequencer exposes per-lane and per-step accessors.
type DrumSequencer interface {
	SetStep(lane, step int, value float64) error
	SetLaneField(lane int, field string, value float64) error
	Snapshot() map[string]any
}

// ChordSequencer exposes per-step accessors.
type ChordSequencer interface {
	SetStep(step int, field string, value float64) error
	Snapshot() map[string]any
}
