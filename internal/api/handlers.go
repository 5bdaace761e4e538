package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/instrument-hub/instrument-hub/internal/application/idempotency"
	"github.com/instrument-hub/instrument-hub/internal/application/session"
	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	"github.com/instrument-hub/instrument-hub/internal/domain/event"
	"github.com/instrument-hub/instrument-hub/internal/domain/musictime"
	domainsession "github.com/instrument-hub/instrument-hub/internal/domain/session"
	"github.com/instrument-hub/instrument-hub/internal/engine"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/eventlog"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/httpwire"
)

func (s *Server) handleCreateSession(req *httpwire.Request) *httpwire.Response {
	var body struct {
		ClientName string   `json:"clientName"`
		Scopes     []string `json:"scopes,omitempty"`
	}
	if len(req.Body) > 0 {
		if err := decodeStrict(req.Body, &body); err != nil {
			return respondError(http.StatusBadRequest, action.CodeDependencyViolation, err.Error(), nil)
		}
	}
	if body.ClientName == "" {
		body.ClientName = "anonymous"
	}
	if len(body.Scopes) == 0 {
		body.Scopes = []string{"*"}
	}

	sess, err := s.sessions.Create(body.ClientName, body.Scopes)
	if err != nil {
		return respondError(http.StatusInternalServerError, action.CodeDependencyViolation, err.Error(), nil)
	}
	s.log.Append(event.TypeSessionCreated, sess.SessionID.String(), map[string]any{
		"clientName": sess.ClientName,
	})
	return respondJSON(http.StatusOK, map[string]any{
		"sessionId": sess.SessionID,
		"token":     sess.Token,
		"scopes":    sess.Scopes,
		"expiresAt": sess.ExpiresAt,
	})
}

func (s *Server) handleDeleteSession(req *httpwire.Request, _ *domainsession.Session, rawID string) *httpwire.Response {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return respondError(http.StatusBadRequest, action.CodeDependencyViolation, "malformed session id", nil)
	}
	token := req.BearerToken()
	if token == "" {
		token = req.Query.Get("token")
	}
	switch err := s.sessions.Delete(id, token); err {
	case nil:
		s.log.Append(event.TypeSessionDeleted, id.String(), nil)
		return &httpwire.Response{Status: http.StatusNoContent}
	case session.ErrNotFound:
		return respondError(http.StatusNotFound, action.CodeDependencyViolation, err.Error(), nil)
	case session.ErrForbidden:
		return respondError(http.StatusUnauthorized, action.CodeDependencyViolation, err.Error(), nil)
	default:
		return respondError(http.StatusInternalServerError, action.CodeDependencyViolation, err.Error(), nil)
	}
}

func (s *Server) handleCapabilities(_ *httpwire.Request, sess *domainsession.Session) *httpwire.Response {
	types := action.KnownTypes()
	sort.Strings(types)
	return respondJSON(http.StatusOK, map[string]any{
		"scopes": sess.Scopes,
		"collaborators": map[string]bool{
			"engine":    s.collab.Engine != nil,
			"sequencer": s.collab.Steps != nil,
			"drums":     s.collab.Drums != nil,
			"chords":    s.collab.Chords != nil,
		},
		"version":     "1",
		"actionTypes": types,
		"anchors": []string{
			musictime.AnchorNow, musictime.AnchorNextBeat,
			musictime.AnchorNextBar, musictime.AnchorTransportPosition,
		},
		"quantizations": []string{
			musictime.QuantOff, musictime.QuantSixteenth, musictime.QuantEighth,
			musictime.QuantQuarter, musictime.QuantBar,
		},
		"riskLevels": []string{string(action.RiskLow), string(action.RiskMedium), string(action.RiskHigh)},
		"keyRoots":   engine.ChromaticRoots,
		"limits": map[string]int{
			"sequencerTracks": engine.SequencerTracks,
			"sequencerStages": engine.SequencerStages,
			"drumLanes":       engine.DrumLanes,
			"drumSteps":       engine.DrumSteps,
			"chordSteps":      engine.ChordSteps,
		},
		"liveSessions": s.sessions.Count(),
	})
}

func (s *Server) voiceNames() []string {
	if s.collab.Engine == nil {
		return nil
	}
	voices := s.collab.Engine.Voices()
	names := make([]string, 0, len(voices))
	for _, v := range voices {
		names = append(names, v.Voice)
	}
	return names
}

func (s *Server) handleParameters(*httpwire.Request) *httpwire.Response {
	desc := engine.Descriptors(s.voiceNames())
	sort.Slice(desc, func(i, j int) bool { return desc[i].Path < desc[j].Path })
	return respondJSON(http.StatusOK, map[string]any{"parameters": desc})
}

func (s *Server) handleState(*httpwire.Request) *httpwire.Response {
	state := map[string]any{
		"stateVersion": s.log.StateVersion(),
	}

	transport := map[string]any{
		"running": false, "bar": 1, "beat": 0.0, "bpm": 120.0, "quarterNotesPerBar": 4,
		"sampleTime": int64(0),
	}
	if eng := s.collab.Engine; eng != nil {
		snap := eng.Transport()
		transport["running"] = eng.ClockRunning()
		transport["bar"] = snap.Bar
		transport["beat"] = snap.Beat
		transport["bpm"] = snap.BPM
		transport["quarterNotesPerBar"] = snap.QuarterNotesPerBar
		transport["sampleTime"] = eng.SampleTime()
		state["key"] = eng.Key()
		state["voices"] = eng.Voices()
	}
	state["transport"] = transport

	params := make(map[string]float64)
	for _, d := range engine.Descriptors(s.voiceNames()) {
		v := d.Def
		if s.collab.Engine != nil {
			if live, ok := s.collab.Engine.Parameter(d.Path); ok {
				v = live
			}
		}
		params[d.Path] = v
	}
	state["parameters"] = params

	if s.collab.Steps != nil {
		state["sequencer"] = s.collab.Steps.Snapshot()
	}
	if s.collab.Drums != nil {
		state["drums"] = s.collab.Drums.Snapshot()
	}
	if s.collab.Chords != nil {
		state["chords"] = s.collab.Chords.Snapshot()
	}
	state["scheduledBundles"] = len(s.actions.Scheduled())
	return respondJSON(http.StatusOK, state)
}

func (s *Server) handleStateQuery(req *httpwire.Request) *httpwire.Response {
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := decodeStrict(req.Body, &body); err != nil {
		return respondError(http.StatusBadRequest, action.CodeDependencyViolation, err.Error(), nil)
	}
	values := make(map[string]any, len(body.Paths))
	for _, p := range body.Paths {
		values[p] = s.queryPath(p)
	}
	return respondJSON(http.StatusOK, map[string]any{
		"stateVersion": s.log.StateVersion(),
		"values":       values,
	})
}

// queryPath resolves one dotted path to its live value, falling back to the
// table default for parameters never written. Unknown paths read as null.
func (s *Server) queryPath(path string) any {
	if s.collab.Engine != nil {
		if v, ok := s.collab.Engine.Parameter(path); ok {
			return v
		}
	}
	tp, err := action.ParseTarget(path)
	if err != nil {
		return nil
	}
	switch tp.Domain {
	case action.DomainEngine:
		if spec, ok := engine.EngineParam(tp.Param); ok {
			return spec.Default
		}
	case action.DomainGranular:
		if s.collab.Engine == nil {
			return nil
		}
		if _, ok := s.collab.Engine.VoiceState(tp.Voice); !ok {
			return nil
		}
		if spec, ok := engine.GranularParam(tp.Param); ok {
			return spec.Default
		}
	}
	return nil
}

func (s *Server) handleHistory(req *httpwire.Request) *httpwire.Response {
	limit, _ := strconv.Atoi(req.Query.Get("limit"))
	events := s.log.History(eventlog.Filter{
		AfterSeq:  parseUint(req.Query.Get("afterSeq")),
		BeforeSeq: parseUint(req.Query.Get("beforeSeq")),
		Type:      req.Query.Get("type"),
		SessionID: req.Query.Get("sessionId"),
		Limit:     limit,
	})
	return respondJSON(http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleValidate(req *httpwire.Request, sess *domainsession.Session) *httpwire.Response {
	var body struct {
		Bundle action.Bundle `json:"bundle"`
	}
	if err := decodeStrict(req.Body, &body); err != nil {
		return respondError(http.StatusBadRequest, action.CodeDependencyViolation, err.Error(), nil)
	}
	if len(body.Bundle.Actions) == 0 {
		return respondError(http.StatusUnprocessableEntity, action.CodeDependencyViolation, "bundle has no actions", nil)
	}
	rec := s.actions.Validate(body.Bundle, sess.SessionID.String())
	return respondJSON(http.StatusOK, rec)
}

func (s *Server) handleSchedule(req *httpwire.Request, sess *domainsession.Session) *httpwire.Response {
	var body struct {
		Bundle            action.Bundle `json:"bundle"`
		ApplyMode         string        `json:"applyMode,omitempty"`
		ConfirmationToken string        `json:"confirmationToken,omitempty"`
		IdempotencyKey    string        `json:"idempotencyKey"`
	}
	if err := decodeStrict(req.Body, &body); err != nil {
		return respondError(http.StatusBadRequest, action.CodeDependencyViolation, err.Error(), nil)
	}
	if len(body.Bundle.Actions) == 0 {
		return respondError(http.StatusUnprocessableEntity, action.CodeDependencyViolation, "bundle has no actions", nil)
	}
	return s.idempotent(req, body.IdempotencyKey, func() *httpwire.Response {
		state, rerr := s.actions.Schedule(body.Bundle, body.ApplyMode, body.ConfirmationToken, sess.SessionID.String())
		if rerr != nil {
			return respondRequestError(rerr)
		}
		return respondJSON(http.StatusAccepted, scheduleEnvelope(state))
	})
}

// scheduleEnvelope is the accepted-or-settled response for scheduling
// calls. Bundles executed inline report their terminal status directly.
func scheduleEnvelope(state action.ScheduledState) map[string]any {
	out := map[string]any{
		"bundleId": state.BundleID,
		"status":   state.Status,
		"scheduledAtTransport": map[string]any{
			"bar":  state.ScheduledBar,
			"beat": state.ScheduledBeat,
		},
		"executeAt":    state.ExecuteAt,
		"stateVersion": state.StateVersion,
	}
	if state.IntentID != "" {
		out["intentId"] = state.IntentID
	}
	if len(state.ErrorCodes) > 0 {
		out["errorCodes"] = state.ErrorCodes
	}
	return out
}

func (s *Server) handleScheduled(req *httpwire.Request) *httpwire.Response {
	bundles := s.actions.Scheduled()
	if want := req.Query.Get("status"); want != "" {
		filtered := bundles[:0]
		for _, b := range bundles {
			if string(b.Status) == want {
				filtered = append(filtered, b)
			}
		}
		bundles = filtered
	}
	return respondJSON(http.StatusOK, map[string]any{"bundles": bundles})
}

func (s *Server) handleCancel(_ *httpwire.Request, sess *domainsession.Session, bundleID string) *httpwire.Response {
	state, rerr := s.actions.Cancel(bundleID, sess.SessionID.String())
	if rerr != nil {
		return respondRequestError(rerr)
	}
	return respondJSON(http.StatusOK, state)
}

func (s *Server) handleVoices(*httpwire.Request) *httpwire.Response {
	voices := []engine.VoiceRecordState{}
	if s.collab.Engine != nil {
		voices = s.collab.Engine.Voices()
	}
	return respondJSON(http.StatusOK, map[string]any{"voices": voices})
}

// handleRecording maps the per-voice convenience routes onto single-action
// bundles so they flow through the same risk and scheduling machinery.
func (s *Server) handleRecording(req *httpwire.Request, sess *domainsession.Session, voice, verb string) *httpwire.Response {
	var body struct {
		IdempotencyKey string          `json:"idempotencyKey"`
		Time           *musictime.Spec `json:"time,omitempty"`
		Feedback       *float64        `json:"feedback,omitempty"`
		Mode           string          `json:"mode,omitempty"`
	}
	if len(req.Body) > 0 {
		if err := decodeStrict(req.Body, &body); err != nil {
			return respondError(http.StatusBadRequest, action.CodeDependencyViolation, err.Error(), nil)
		}
	}

	a := action.Action{Target: "recording." + voice}
	switch verb {
	case "start":
		a.Type = action.TypeStartRecording
	case "stop":
		a.Type = action.TypeStopRecording
	case "feedback":
		if body.Feedback == nil {
			return respondError(http.StatusUnprocessableEntity, action.CodeDependencyViolation, "feedback is required", nil)
		}
		a.Type = action.TypeSetFeedback
		a.Value = *body.Feedback
	case "mode":
		a.Type = action.TypeSetRecordMode
		a.Value = body.Mode
	default:
		return respondError(http.StatusNotFound, action.CodePathUnknown, "unknown recording operation", nil)
	}

	return s.idempotent(req, body.IdempotencyKey, func() *httpwire.Response {
		bundle := action.Bundle{
			BundleID: uuid.NewString(),
			Time:     body.Time,
			Actions:  []action.Action{a},
		}
		state, rerr := s.actions.Schedule(bundle, "", "", sess.SessionID.String())
		if rerr != nil {
			return respondRequestError(rerr)
		}
		// a single-action call that settles rejected inline reads better
		// as its own error than as a 202 with buried codes
		if state.Status == action.StatusRejected && len(state.ErrorCodes) > 0 {
			return respondError(http.StatusUnprocessableEntity, state.ErrorCodes[0],
				verb+" rejected for voice "+voice, nil)
		}
		return respondJSON(http.StatusAccepted, scheduleEnvelope(state))
	})
}

func (s *Server) handleSampleTime(*httpwire.Request) *httpwire.Response {
	out := map[string]any{"sampleTime": int64(0), "clockRunning": false, "serverTime": time.Now().UTC()}
	if eng := s.collab.Engine; eng != nil {
		out["sampleTime"] = eng.SampleTime()
		out["clockRunning"] = eng.ClockRunning()
		out["transport"] = eng.Transport()
	}
	return respondJSON(http.StatusOK, out)
}

// idempotent wraps an executing handler with key lookup, conflict detection
// and replay. Only successful responses are stored; a failed attempt may be
// retried with the same key.
func (s *Server) idempotent(req *httpwire.Request, key string, fn func() *httpwire.Response) *httpwire.Response {
	if key == "" {
		return respondError(http.StatusUnprocessableEntity, action.CodeDependencyViolation, "idempotencyKey is required", nil)
	}
	sig := idempotency.Signature(req.Method, req.Path, req.Body)
	rec, conflict := s.idem.Lookup(key, sig)
	if conflict {
		return respondError(http.StatusConflict, action.CodeIdempotencyConflict,
			"idempotency key was used by a different request", nil)
	}
	if rec != nil {
		return replay(rec)
	}
	resp := fn()
	if resp.Status < 400 {
		s.idem.Store(key, sig, resp.Status, resp.Body)
	}
	return resp
}

// replay re-emits a stored response, marked so callers can tell a replay
// from a fresh execution.
func replay(rec *idempotency.Record) *httpwire.Response {
	body := rec.Body
	var m map[string]any
	if err := json.Unmarshal(rec.Body, &m); err == nil && m != nil {
		m["idempotentReplay"] = true
		if remarshaled, err := json.Marshal(m); err == nil {
			body = remarshaled
		}
	}
	return &httpwire.Response{
		Status:  rec.StatusCode,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}
