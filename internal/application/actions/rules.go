package actions

import (
	"fmt"

	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	"github.com/instrument-hub/instrument-hub/internal/domain/event"
	"github.com/instrument-hub/instrument-hub/internal/engine"
)

// recordingView is the simulated per-voice recording state a validation
// pass runs against, seeded from live reads. Walking a bundle mutates the
// view so "start recording twice" is caught without starting anything.
type recordingView map[string]bool

func (s *Service) liveRecordingView() recordingView {
	view := make(recordingView)
	if s.collab.Engine == nil {
		return view
	}
	for _, v := range s.collab.Engine.Voices() {
		view[v.Voice] = v.Recording
	}
	return view
}

func fail(a action.Action, code, format string, args ...any) *action.Failure {
	return &action.Failure{ActionID: a.ActionID, Code: code, Message: fmt.Sprintf(format, args...)}
}

// checkAction routes one action to its per-domain rule. It never touches
// collaborator state; recording transitions update only the view.
func (s *Service) checkAction(a action.Action, view recordingView) *action.Failure {
	tp, err := action.ParseTarget(a.Target)
	if err != nil {
		return fail(a, action.CodePathUnknown, "%v", err)
	}
	if f := s.policy.CheckAction(a); f != nil {
		return f
	}

	switch tp.Domain {
	case action.DomainEngine, action.DomainGranular:
		return s.checkParameterAction(a, tp)
	case action.DomainRecording:
		return checkRecordingAction(a, tp, view)
	case action.DomainTransport:
		return checkTransportAction(a)
	case action.DomainSession:
		return checkSessionAction(a)
	case action.DomainSequencer:
		return checkSequencerAction(a, tp)
	case action.DomainDrums:
		return checkDrumAction(a, tp)
	case action.DomainChords:
		return checkChordAction(a, tp)
	}
	return fail(a, action.CodePathUnknown, "unhandled domain %q", tp.Domain)
}

func (s *Service) checkParameterAction(a action.Action, tp action.TargetPath) *action.Failure {
	var spec engine.ParamSpec
	var ok bool
	if tp.Domain == action.DomainEngine {
		spec, ok = engine.EngineParam(tp.Param)
	} else {
		if s.collab.Engine == nil {
			return fail(a, action.CodePathUnknown, "no voice %q", tp.Voice)
		}
		if _, voiceOK := s.collab.Engine.VoiceState(tp.Voice); !voiceOK {
			return fail(a, action.CodePathUnknown, "no voice %q", tp.Voice)
		}
		spec, ok = engine.GranularParam(tp.Param)
	}
	if !ok {
		return fail(a, action.CodePathUnknown, "unknown parameter %q", a.Target)
	}

	switch a.Type {
	case action.TypeSetParameter:
		_, f := floatInRange(a, spec)
		return f
	case action.TypeRampParameter:
		if a.From == nil || a.To == nil {
			return fail(a, action.CodeDependencyViolation, "ramp_parameter requires from and to")
		}
		for _, v := range []float64{*a.From, *a.To} {
			if v < spec.Min || v > spec.Max {
				return fail(a, action.CodeOutOfRange, "%s: %g outside [%g, %g]", a.Target, v, spec.Min, spec.Max)
			}
		}
		switch a.Curve {
		case "", "linear", "exp":
			return nil
		default:
			return fail(a, action.CodeDependencyViolation, "unknown ramp curve %q", a.Curve)
		}
	default:
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for %q", a.Type, a.Target)
	}
}

func checkRecordingAction(a action.Action, tp action.TargetPath, view recordingView) *action.Failure {
	recording, ok := view[tp.Voice]
	if !ok {
		return fail(a, action.CodePathUnknown, "no voice %q", tp.Voice)
	}
	switch a.Type {
	case action.TypeStartRecording:
		if recording {
			return fail(a, action.CodeRecordingActive, "voice %q is already recording", tp.Voice)
		}
		view[tp.Voice] = true
		return nil
	case action.TypeStopRecording:
		if !recording {
			return fail(a, action.CodeRecordingNotActive, "voice %q is not recording", tp.Voice)
		}
		view[tp.Voice] = false
		return nil
	case action.TypeSetFeedback:
		v, ok := a.FloatValue()
		if !ok || v < 0 || v > 1 {
			return fail(a, action.CodeFeedbackUnsupported, "feedback wants a value in [0, 1]")
		}
		return nil
	case action.TypeSetRecordMode:
		mode, _ := a.StringValue()
		if mode != engine.ModeReplace && mode != engine.ModeOverdub {
			return fail(a, action.CodeModeUnsupported, "unknown record mode %q", mode)
		}
		return nil
	default:
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for %q", a.Type, a.Target)
	}
}

func checkTransportAction(a action.Action) *action.Failure {
	switch a.Type {
	case action.TypeTransportStart, action.TypeTransportStop:
		return nil
	default:
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for transport", a.Type)
	}
}

func checkSessionAction(a action.Action) *action.Failure {
	switch a.Type {
	case action.TypeSetTempo:
		v, ok := a.FloatValue()
		if !ok || v < 20 || v > 300 {
			return fail(a, action.CodeOutOfRange, "tempo wants a value in [20, 300] bpm")
		}
		return nil
	case action.TypeSetKey:
		root, _ := a.StringValue()
		if !engine.ValidKeyRoot(root) {
			return fail(a, action.CodeOutOfRange, "unknown key root %q", root)
		}
		return nil
	default:
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for session", a.Type)
	}
}

func checkSequencerAction(a action.Action, tp action.TargetPath) *action.Failure {
	if tp.Track > engine.SequencerTracks {
		return fail(a, action.CodePathUnknown, "track %d out of range", tp.Track)
	}
	switch a.Type {
	case action.TypeSetTrackField:
		if tp.Stage != 0 {
			return fail(a, action.CodeTypeUnsupported, "set_track_field addresses a track, not a stage")
		}
		spec, ok := engine.TrackField(tp.Param)
		if !ok {
			return fail(a, action.CodePathUnknown, "unknown track field %q", tp.Param)
		}
		_, f := floatInRange(a, spec)
		return f
	case action.TypeSetStageField:
		if tp.Stage == 0 {
			return fail(a, action.CodeTypeUnsupported, "set_stage_field wants a stage sub-path")
		}
		if tp.Stage > engine.SequencerStages {
			return fail(a, action.CodePathUnknown, "stage %d out of range", tp.Stage)
		}
		spec, ok := engine.StageField(tp.Param)
		if !ok {
			return fail(a, action.CodePathUnknown, "unknown stage field %q", tp.Param)
		}
		_, f := floatInRange(a, spec)
		return f
	default:
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for %q", a.Type, a.Target)
	}
}

func checkDrumAction(a action.Action, tp action.TargetPath) *action.Failure {
	if tp.Lane > engine.DrumLanes {
		return fail(a, action.CodePathUnknown, "lane %d out of range", tp.Lane)
	}
	switch a.Type {
	case action.TypeSetDrumStep:
		if tp.Step == 0 {
			return fail(a, action.CodeTypeUnsupported, "set_drum_step wants a step sub-path")
		}
		if tp.Step > engine.DrumSteps {
			return fail(a, action.CodePathUnknown, "step %d out of range", tp.Step)
		}
		v, ok := a.FloatValue()
		if !ok || v < 0 || v > 1 {
			return fail(a, action.CodeOutOfRange, "drum step wants a value in [0, 1]")
		}
		return nil
	case action.TypeSetDrumLane:
		if tp.Param == "" {
			return fail(a, action.CodeTypeUnsupported, "set_drum_lane wants a lane field")
		}
		spec, ok := engine.DrumLaneField(tp.Param)
		if !ok {
			return fail(a, action.CodePathUnknown, "unknown lane field %q", tp.Param)
		}
		_, f := floatInRange(a, spec)
		return f
	default:
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for %q", a.Type, a.Target)
	}
}

func checkChordAction(a action.Action, tp action.TargetPath) *action.Failure {
	if a.Type != action.TypeSetChordStep {
		return fail(a, action.CodeTypeUnsupported, "type %q not valid for %q", a.Type, a.Target)
	}
	if tp.Step > engine.ChordSteps {
		return fail(a, action.CodePathUnknown, "step %d out of range", tp.Step)
	}
	field := tp.Param
	if field == "" {
		field = "degree"
	}
	spec, ok := engine.ChordStepField(field)
	if !ok {
		return fail(a, action.CodePathUnknown, "unknown chord field %q", field)
	}
	_, f := floatInRange(a, spec)
	return f
}

func floatInRange(a action.Action, spec engine.ParamSpec) (float64, *action.Failure) {
	v, ok := a.FloatValue()
	if !ok {
		return 0, fail(a, action.CodeDependencyViolation, "%s wants a numeric value", a.Target)
	}
	if v < spec.Min || v > spec.Max {
		return 0, fail(a, action.CodeOutOfRange, "%s: %g outside [%g, %g]", a.Target, v, spec.Min, spec.Max)
	}
	return v, nil
}

// applied describes one successful mutation for event emission.
type applied struct {
	path      string
	eventType string
	payload   map[string]any
}

// applyAction re-checks one action against live state, then writes to its
// collaborator. Absent collaborators and collaborator write failures
// degrade silently: the control plane stays usable while the audio side
// is still coming up.
func (s *Service) applyAction(a action.Action) (*applied, *action.Failure) {
	live := s.liveRecordingView()
	if f := s.checkAction(a, live); f != nil {
		return nil, f
	}
	tp, _ := action.ParseTarget(a.Target)

	out := &applied{path: a.Target, payload: map[string]any{"target": a.Target}}
	switch a.Type {
	case action.TypeSetParameter:
		v, _ := a.FloatValue()
		if s.collab.Engine != nil {
			s.logWriteErr(s.collab.Engine.SetParameter(a.Target, v))
		}
		out.payload["value"] = v

	case action.TypeRampParameter:
		if s.collab.Engine != nil {
			s.logWriteErr(s.collab.Engine.SetParameter(a.Target, *a.To))
		}
		out.payload["from"] = *a.From
		out.payload["to"] = *a.To
		curve := a.Curve
		if curve == "" {
			curve = "linear"
		}
		out.payload["curve"] = curve

	case action.TypeStartRecording:
		s.logWriteErr(s.collab.Engine.StartRecording(tp.Voice))
		out.eventType = event.TypeRecordingStarted
		out.payload["voice"] = tp.Voice

	case action.TypeStopRecording:
		s.logWriteErr(s.collab.Engine.StopRecording(tp.Voice))
		out.eventType = event.TypeRecordingStopped
		out.payload["voice"] = tp.Voice

	case action.TypeSetFeedback:
		v, _ := a.FloatValue()
		s.logWriteErr(s.collab.Engine.SetFeedback(tp.Voice, v))
		out.eventType = event.TypeRecordingFeedback
		out.payload["voice"] = tp.Voice
		out.payload["feedback"] = v

	case action.TypeSetRecordMode:
		mode, _ := a.StringValue()
		s.logWriteErr(s.collab.Engine.SetRecordMode(tp.Voice, mode))
		out.eventType = event.TypeRecordingMode
		out.payload["voice"] = tp.Voice
		out.payload["mode"] = mode

	case action.TypeTransportStart:
		if s.collab.Engine != nil {
			s.logWriteErr(s.collab.Engine.StartTransport())
		}
		out.eventType = event.TypeTransportStarted

	case action.TypeTransportStop:
		if s.collab.Engine != nil {
			s.logWriteErr(s.collab.Engine.StopTransport())
		}
		out.eventType = event.TypeTransportStopped

	case action.TypeSetTempo:
		v, _ := a.FloatValue()
		if s.collab.Engine != nil {
			s.logWriteErr(s.collab.Engine.SetTempo(v))
		}
		out.payload["bpm"] = v

	case action.TypeSetKey:
		root, _ := a.StringValue()
		if s.collab.Engine != nil {
			s.logWriteErr(s.collab.Engine.SetKey(root))
		}
		out.payload["key"] = root

	case action.TypeSetTrackField:
		v, _ := a.FloatValue()
		if s.collab.Steps != nil {
			s.logWriteErr(s.collab.Steps.SetTrackField(tp.Track, tp.Param, v))
		}
		out.payload["value"] = v

	case action.TypeSetStageField:
		v, _ := a.FloatValue()
		if s.collab.Steps != nil {
			s.logWriteErr(s.collab.Steps.SetStageField(tp.Track, tp.Stage, tp.Param, v))
		}
		out.payload["value"] = v

	case action.TypeSetDrumStep:
		v, _ := a.FloatValue()
		if s.collab.Drums != nil {
			s.logWriteErr(s.collab.Drums.SetStep(tp.Lane, tp.Step, v))
		}
		out.payload["value"] = v

	case action.TypeSetDrumLane:
		v, _ := a.FloatValue()
		if s.collab.Drums != nil {
			s.logWriteErr(s.collab.Drums.SetLaneField(tp.Lane, tp.Param, v))
		}
		out.payload["value"] = v

	case action.TypeSetChordStep:
		v, _ := a.FloatValue()
		field := tp.Param
		if field == "" {
			field = "degree"
		}
		if s.collab.Chords != nil {
			s.logWriteErr(s.collab.Chords.SetStep(tp.Step, field, v))
		}
		out.payload["value"] = v

	default:
		return nil, fail(a, action.CodeTypeUnsupported, "unsupported action type %q", a.Type)
	}
	return out, nil
}

func (s *Service) logWriteErr(err error) {
	if err != nil {
		s.logger.Debug().Err(err).Msg("collaborator write degraded")
	}
}
