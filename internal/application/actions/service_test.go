package actions

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instrument-hub/instrument-hub/internal/application/schedule"
	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	"github.com/instrument-hub/instrument-hub/internal/domain/event"
	"github.com/instrument-hub/instrument-hub/internal/domain/musictime"
	"github.com/instrument-hub/instrument-hub/internal/engine"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/eventlog"
	"github.com/instrument-hub/instrument-hub/internal/runloop"
)

func fv(v float64) *float64 { return &v }

func newTestService(t *testing.T, maxRisk action.Risk) (*Service, *engine.Memory, *eventlog.Log) {
	t.Helper()
	logger := zerolog.Nop()
	loop := runloop.New(logger)
	audio := engine.NewMemory("voiceA", "voiceB")
	log := eventlog.New(100, logger)
	sched := schedule.New(loop, audio, logger)
	collab := Collaborators{
		Engine: audio,
		Steps:  engine.NewMemorySteps(),
		Drums:  engine.NewMemoryDrums(),
		Chords: engine.NewMemoryChords(),
	}
	svc := NewService(collab, NewPolicy(maxRisk, nil, logger), log, sched, time.Minute, time.Minute, logger)
	return svc, audio, log
}

func eventTypes(log *eventlog.Log) []string {
	var out []string
	for _, ev := range log.History(eventlog.Filter{}) {
		out = append(out, ev.Type)
	}
	return out
}

func TestValidateCollectsAllFailuresWithoutSideEffects(t *testing.T) {
	svc, audio, _ := newTestService(t, action.RiskHigh)

	rec := svc.Validate(action.Bundle{
		BundleID: "b1",
		Actions: []action.Action{
			{ActionID: "a1", Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 2.0},
			{ActionID: "a2", Type: action.TypeSetParameter, Target: "engine.noSuchParam", Value: 0.5},
			{ActionID: "a3", Type: action.TypeStartRecording, Target: "engine.masterVolume"},
		},
	}, "s1")

	require.False(t, rec.Valid)
	require.Len(t, rec.Failures, 3)
	assert.Equal(t, action.CodeOutOfRange, rec.Failures[0].Code)
	assert.Equal(t, action.CodePathUnknown, rec.Failures[1].Code)
	assert.Equal(t, action.CodeTypeUnsupported, rec.Failures[2].Code)

	_, ok := audio.Parameter("engine.masterVolume")
	assert.False(t, ok, "validation must not write")
}

func TestValidateSimulatesRecordingTransitions(t *testing.T) {
	svc, audio, _ := newTestService(t, action.RiskHigh)

	// double start fails on the simulated view
	rec := svc.Validate(action.Bundle{
		BundleID: "b1",
		Actions: []action.Action{
			{ActionID: "a1", Type: action.TypeStartRecording, Target: "recording.voiceA"},
			{ActionID: "a2", Type: action.TypeStartRecording, Target: "recording.voiceA"},
		},
	}, "s1")
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, action.CodeRecordingActive, rec.Failures[0].Code)
	assert.Equal(t, "a2", rec.Failures[0].ActionID)

	// start then stop is coherent
	rec = svc.Validate(action.Bundle{
		BundleID: "b2",
		Actions: []action.Action{
			{Type: action.TypeStartRecording, Target: "recording.voiceA"},
			{Type: action.TypeStopRecording, Target: "recording.voiceA"},
		},
	}, "s1")
	assert.True(t, rec.Valid)

	vs, _ := audio.VoiceState("voiceA")
	assert.False(t, vs.Recording, "validation must not start recording")
}

func TestValidateHighRiskIssuesConfirmationToken(t *testing.T) {
	svc, audio, _ := newTestService(t, action.RiskHigh)
	require.NoError(t, audio.StartRecording("voiceA"))

	rec := svc.Validate(action.Bundle{
		BundleID: "b1",
		Actions:  []action.Action{{Type: action.TypeStopRecording, Target: "recording.voiceA"}},
	}, "s1")

	require.True(t, rec.Valid)
	assert.Equal(t, action.RiskHigh, rec.Risk)
	assert.True(t, rec.RequiresConfirmation)
	assert.NotEmpty(t, rec.ConfirmationToken)
	assert.False(t, rec.ConfirmationTokenExpiresAt.IsZero())
}

func TestValidateRespectsRiskCap(t *testing.T) {
	svc, _, _ := newTestService(t, action.RiskMedium)

	rec := svc.Validate(action.Bundle{
		BundleID: "b1",
		Actions:  []action.Action{{Type: action.TypeTransportStop, Target: "transport"}},
	}, "s1")

	require.False(t, rec.Valid)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, action.CodeRiskExceedsPolicy, rec.Failures[0].Code)
}

func TestScheduleAppliesBundleAndBumpsVersionOnce(t *testing.T) {
	svc, audio, log := newTestService(t, action.RiskHigh)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		IntentID: "i1",
		Actions: []action.Action{
			{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5},
			{Type: action.TypeSetParameter, Target: "granular.voiceA.volume", Value: 0.9},
		},
	}, "", "", "s1")
	require.Nil(t, rerr)

	assert.Equal(t, action.StatusApplied, state.Status)
	assert.Equal(t, uint64(1), log.StateVersion())
	assert.Equal(t, uint64(1), state.StateVersion)

	v, ok := audio.Parameter("engine.masterVolume")
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
	v, _ = audio.Parameter("granular.voiceA.volume")
	assert.Equal(t, 0.9, v)

	assert.Equal(t, []string{
		event.TypeBundleScheduled,
		event.TypeStateChanged,
		event.TypeBundleApplied,
	}, eventTypes(log))
}

func TestScheduleAtomicRejectionHasZeroSideEffects(t *testing.T) {
	svc, audio, log := newTestService(t, action.RiskHigh)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		Atomic:   true,
		Actions: []action.Action{
			{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5},
			{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 7.0},
		},
	}, "", "", "s1")
	require.Nil(t, rerr)

	assert.Equal(t, action.StatusRejected, state.Status)
	assert.Equal(t, []string{action.CodeOutOfRange}, state.ErrorCodes)
	_, ok := audio.Parameter("engine.masterVolume")
	assert.False(t, ok, "atomic rejection must not write")
	assert.Equal(t, uint64(0), log.StateVersion())
	assert.Contains(t, eventTypes(log), event.TypeBundleRejected)
	assert.NotContains(t, eventTypes(log), event.TypeStateChanged)
}

func TestScheduleBestEffortAppliesWhatItCan(t *testing.T) {
	svc, audio, log := newTestService(t, action.RiskHigh)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		Actions: []action.Action{
			{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5},
			{ActionID: "bad", Type: action.TypeSetParameter, Target: "engine.noSuch", Value: 0.5},
			{Type: action.TypeSetParameter, Target: "engine.reverbMix", Value: 0.4},
		},
	}, "", "", "s1")
	require.Nil(t, rerr)

	assert.Equal(t, action.StatusPartiallyApplied, state.Status)
	assert.Equal(t, []string{action.CodePathUnknown}, state.ErrorCodes)
	assert.Equal(t, uint64(1), log.StateVersion())

	v, _ := audio.Parameter("engine.reverbMix")
	assert.Equal(t, 0.4, v)

	var changed []string
	for _, ev := range log.History(eventlog.Filter{Type: event.TypeStateChanged}) {
		changed = ev.Payload["changedPaths"].([]string)
	}
	assert.Equal(t, []string{"engine.masterVolume", "engine.reverbMix"}, changed)
}

// notReadyEngine reads like a healthy engine but refuses recording writes,
// the shape of an engine still warming up.
type notReadyEngine struct {
	*engine.Memory
}

func (e *notReadyEngine) StartRecording(string) error { return errors.New("engine not ready") }

func TestAtomicRealPassFailureSettlesRejected(t *testing.T) {
	logger := zerolog.Nop()
	loop := runloop.New(logger)
	audio := &notReadyEngine{Memory: engine.NewMemory("voiceA")}
	log := eventlog.New(100, logger)
	sched := schedule.New(loop, audio, logger)
	svc := NewService(Collaborators{Engine: audio}, NewPolicy(action.RiskHigh, nil, logger), log, sched, time.Minute, time.Minute, logger)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		Atomic:   true,
		Actions: []action.Action{
			{Type: action.TypeStartRecording, Target: "recording.voiceA"},
			{Type: action.TypeStopRecording, Target: "recording.voiceA"},
		},
	}, "", "", "s1")
	require.Nil(t, rerr)

	// the dry run passed, the degraded start never took, and the stop then
	// failed its live re-check
	assert.Equal(t, action.StatusRejected, state.Status)
	assert.Contains(t, state.ErrorCodes, action.CodeRecordingNotActive)
	assert.Contains(t, eventTypes(log), event.TypeBundleRejected)
	assert.NotContains(t, eventTypes(log), event.TypeBundlePartiallyApplied)
}

func TestDeferredFireRevalidatesRecordingState(t *testing.T) {
	svc, audio, log := newTestService(t, action.RiskHigh)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		Time:     &musictime.Spec{Anchor: musictime.AnchorTransportPosition, Bar: 1000, Beat: 1},
		Actions:  []action.Action{{Type: action.TypeStartRecording, Target: "recording.voiceA"}},
	}, "", "", "s1")
	require.Nil(t, rerr)
	require.Equal(t, action.StatusScheduled, state.Status)

	// the voice starts recording before the deadline arrives
	require.NoError(t, audio.StartRecording("voiceA"))

	svc.execute("b1")
	got, ok := svc.Bundle("b1")
	require.True(t, ok)
	assert.Equal(t, action.StatusRejected, got.Status)
	assert.Equal(t, []string{action.CodeRecordingActive}, got.ErrorCodes)
	assert.Contains(t, eventTypes(log), event.TypeBundleRejected)
	assert.NotContains(t, eventTypes(log), event.TypeRecordingStarted)

	vs, _ := audio.VoiceState("voiceA")
	assert.True(t, vs.Recording, "the earlier recording must be untouched")
}

func TestScheduleStaleStateVersion(t *testing.T) {
	svc, _, log := newTestService(t, action.RiskHigh)
	log.BumpVersion()

	stale := uint64(0)
	_, rerr := svc.Schedule(action.Bundle{
		BundleID:                 "b1",
		PreconditionStateVersion: &stale,
		Actions:                  []action.Action{{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5}},
	}, "", "", "s1")

	require.NotNil(t, rerr)
	assert.Equal(t, 409, rerr.HTTPStatus)
	assert.Equal(t, action.CodeStaleStateVersion, rerr.Code)
}

func TestValidatedOnlyRedemption(t *testing.T) {
	svc, _, _ := newTestService(t, action.RiskHigh)

	bundle := action.Bundle{
		BundleID: "b1",
		Actions:  []action.Action{{Type: action.TypeSetTempo, Target: "session", Value: 140.0}},
	}
	rec := svc.Validate(bundle, "s1")
	require.True(t, rec.Valid)
	require.False(t, rec.RequiresConfirmation)

	// unknown validation
	withID := bundle
	withID.ValidationID = "nope"
	_, rerr := svc.Schedule(withID, ApplyModeValidated, "", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, action.CodeValidationNotFound, rerr.Code)

	// mutated bundle no longer matches the validated signature
	mutated := bundle
	mutated.ValidationID = rec.ValidationID
	mutated.Actions = []action.Action{{Type: action.TypeSetTempo, Target: "session", Value: 150.0}}
	_, rerr = svc.Schedule(mutated, ApplyModeValidated, "", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, action.CodeValidationMismatch, rerr.Code)

	// matching bundle redeems
	withID.ValidationID = rec.ValidationID
	state, rerr := svc.Schedule(withID, ApplyModeValidated, "", "s1")
	require.Nil(t, rerr)
	assert.Equal(t, action.StatusApplied, state.Status)

	// single use
	withID.BundleID = "b2"
	_, rerr = svc.Schedule(withID, ApplyModeValidated, "", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, action.CodeValidationNotFound, rerr.Code)
}

func TestValidatedOnlyConfirmationGate(t *testing.T) {
	svc, audio, _ := newTestService(t, action.RiskHigh)
	require.NoError(t, audio.StartRecording("voiceA"))

	bundle := action.Bundle{
		BundleID: "b1",
		Actions:  []action.Action{{Type: action.TypeStopRecording, Target: "recording.voiceA"}},
	}
	rec := svc.Validate(bundle, "s1")
	require.True(t, rec.RequiresConfirmation)

	bundle.ValidationID = rec.ValidationID
	_, rerr := svc.Schedule(bundle, ApplyModeValidated, "", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, action.CodeDependencyViolation, rerr.Code)

	_, rerr = svc.Schedule(bundle, ApplyModeValidated, "wrong-token", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, action.CodeDependencyViolation, rerr.Code)

	state, rerr := svc.Schedule(bundle, ApplyModeValidated, rec.ConfirmationToken, "s1")
	require.Nil(t, rerr)
	assert.Equal(t, action.StatusApplied, state.Status)

	vs, _ := audio.VoiceState("voiceA")
	assert.False(t, vs.Recording)
}

func TestCancelBeatsTimerFire(t *testing.T) {
	svc, audio, log := newTestService(t, action.RiskHigh)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		Time:     &musictime.Spec{Anchor: musictime.AnchorTransportPosition, Bar: 1000, Beat: 1},
		Actions:  []action.Action{{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5}},
	}, "", "", "s1")
	require.Nil(t, rerr)
	require.Equal(t, action.StatusScheduled, state.Status)

	canceled, rerr := svc.Cancel("b1", "s1")
	require.Nil(t, rerr)
	assert.Equal(t, action.StatusCanceled, canceled.Status)

	// a late timer fire must be a no-op
	svc.execute("b1")
	got, ok := svc.Bundle("b1")
	require.True(t, ok)
	assert.Equal(t, action.StatusCanceled, got.Status)
	_, wrote := audio.Parameter("engine.masterVolume")
	assert.False(t, wrote)
	assert.Contains(t, eventTypes(log), event.TypeBundleCanceled)

	_, rerr = svc.Cancel("b1", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, action.CodeBundleNotCancellable, rerr.Code)

	_, rerr = svc.Cancel("missing", "s1")
	require.NotNil(t, rerr)
	assert.Equal(t, 404, rerr.HTTPStatus)
	assert.Equal(t, action.CodeBundleNotFound, rerr.Code)
}

func TestScheduledListsSoonestFirst(t *testing.T) {
	svc, _, _ := newTestService(t, action.RiskHigh)

	for i, bar := range []int{500, 200, 900} {
		_, rerr := svc.Schedule(action.Bundle{
			BundleID: []string{"far", "near", "farther"}[i],
			Time:     &musictime.Spec{Anchor: musictime.AnchorTransportPosition, Bar: bar, Beat: 1},
			Actions:  []action.Action{{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5}},
		}, "", "", "s1")
		require.Nil(t, rerr)
	}

	list := svc.Scheduled()
	require.Len(t, list, 3)
	assert.Equal(t, "near", list[0].BundleID)
	assert.Equal(t, "far", list[1].BundleID)
	assert.Equal(t, "farther", list[2].BundleID)
}

func TestRampParameterLandsOnTarget(t *testing.T) {
	svc, audio, _ := newTestService(t, action.RiskHigh)

	state, rerr := svc.Schedule(action.Bundle{
		BundleID: "b1",
		Actions: []action.Action{{
			Type: action.TypeRampParameter, Target: "granular.voiceB.filterCutoff",
			From: fv(200), To: fv(4000), Curve: "exp",
		}},
	}, "", "", "s1")
	require.Nil(t, rerr)
	assert.Equal(t, action.StatusApplied, state.Status)

	v, ok := audio.Parameter("granular.voiceB.filterCutoff")
	require.True(t, ok)
	assert.Equal(t, 4000.0, v)
}
