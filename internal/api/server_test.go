package api

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instrument-hub/instrument-hub/internal/application/actions"
	"github.com/instrument-hub/instrument-hub/internal/application/idempotency"
	"github.com/instrument-hub/instrument-hub/internal/application/schedule"
	"github.com/instrument-hub/instrument-hub/internal/application/session"
	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	"github.com/instrument-hub/instrument-hub/internal/engine"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/eventlog"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/httpwire"
	"github.com/instrument-hub/instrument-hub/internal/runloop"
)

func newTestAPI(t *testing.T) *Server {
	t.Helper()
	logger := zerolog.Nop()
	loop := runloop.New(logger)
	loop.Start()
	t.Cleanup(loop.Stop)

	audio := engine.NewMemory("voiceA", "voiceB")
	log := eventlog.New(100, logger)
	sched := schedule.New(loop, audio, logger)
	collab := actions.Collaborators{
		Engine: audio,
		Steps:  engine.NewMemorySteps(),
		Drums:  engine.NewMemoryDrums(),
		Chords: engine.NewMemoryChords(),
	}
	svc := actions.NewService(collab, actions.NewPolicy(action.RiskHigh, nil, logger), log, sched, time.Minute, time.Minute, logger)
	sessions := session.NewStore(time.Hour, logger)
	return NewServer(loop, sessions, idempotency.NewCache(), svc, log, collab, logger)
}

func makeReq(t *testing.T, method, target, token string, body any) *httpwire.Request {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	req := &httpwire.Request{
		Method:  method,
		Target:  target,
		Path:    u.Path,
		Query:   u.Query(),
		Proto:   "HTTP/1.1",
		Headers: map[string]string{},
	}
	if token != "" {
		req.Headers["authorization"] = "Bearer " + token
	}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req.Body = raw
	}
	return req
}

func decodeBody(t *testing.T, resp *httpwire.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &m))
	return m
}

func createSession(t *testing.T, s *Server) string {
	t.Helper()
	resp := s.ServeRequest(makeReq(t, "POST", "/v1/sessions", "", map[string]any{"clientName": "test"}))
	require.Equal(t, 200, resp.Status)
	body := decodeBody(t, resp)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestAPI(t)

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/sessions", "", map[string]any{"clientName": "looper"}))
	require.Equal(t, 200, resp.Status)
	body := decodeBody(t, resp)
	token := body["token"].(string)
	sessionID := body["sessionId"].(string)

	resp = s.ServeRequest(makeReq(t, "GET", "/v1/capabilities", token, nil))
	assert.Equal(t, 200, resp.Status)

	resp = s.ServeRequest(makeReq(t, "DELETE", "/v1/sessions/"+sessionID, token, nil))
	assert.Equal(t, 204, resp.Status)

	resp = s.ServeRequest(makeReq(t, "GET", "/v1/capabilities", token, nil))
	assert.Equal(t, 401, resp.Status)
}

func TestAuthRequired(t *testing.T) {
	s := newTestAPI(t)

	resp := s.ServeRequest(makeReq(t, "GET", "/v1/state", "", nil))
	assert.Equal(t, 401, resp.Status)

	// debug clock endpoint stays open
	resp = s.ServeRequest(makeReq(t, "GET", "/v1/debug/sampletime", "", nil))
	assert.Equal(t, 200, resp.Status)
}

func TestCapabilitiesListsActionTypes(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "GET", "/v1/capabilities", token, nil))
	require.Equal(t, 200, resp.Status)
	body := decodeBody(t, resp)

	types := body["actionTypes"].([]any)
	assert.Contains(t, types, "set_parameter")
	assert.Contains(t, types, "transport_stop")
	assert.Len(t, types, len(action.KnownTypes()))
}

func TestScheduleIdempotencyReplay(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	payload := map[string]any{
		"idempotencyKey": "key-1",
		"bundle": map[string]any{
			"bundleId": "b1",
			"actions": []map[string]any{
				{"type": "set_parameter", "target": "engine.masterVolume", "value": 0.5},
			},
		},
	}

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/actions/schedule", token, payload))
	require.Equal(t, 202, resp.Status)
	first := decodeBody(t, resp)
	assert.Equal(t, "applied", first["status"])
	assert.Nil(t, first["idempotentReplay"])

	// byte-identical retry replays without re-executing
	resp = s.ServeRequest(makeReq(t, "POST", "/v1/actions/schedule", token, payload))
	require.Equal(t, 202, resp.Status)
	replayed := decodeBody(t, resp)
	assert.Equal(t, true, replayed["idempotentReplay"])
	assert.Equal(t, first["bundleId"], replayed["bundleId"])

	// same key, different request
	payload["bundle"].(map[string]any)["bundleId"] = "b2"
	resp = s.ServeRequest(makeReq(t, "POST", "/v1/actions/schedule", token, payload))
	require.Equal(t, 409, resp.Status)
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, action.CodeIdempotencyConflict, errObj["code"])
}

func TestScheduleRequiresIdempotencyKey(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/actions/schedule", token, map[string]any{
		"bundle": map[string]any{
			"bundleId": "b1",
			"actions": []map[string]any{
				{"type": "set_parameter", "target": "engine.masterVolume", "value": 0.5},
			},
		},
	}))
	assert.Equal(t, 422, resp.Status)
}

func TestRecordingRoutes(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/recording/voices/voiceA/start", token, map[string]any{
		"idempotencyKey": "rec-1",
	}))
	require.Equal(t, 202, resp.Status)
	assert.Equal(t, "applied", decodeBody(t, resp)["status"])

	resp = s.ServeRequest(makeReq(t, "GET", "/v1/recording/voices", token, nil))
	require.Equal(t, 200, resp.Status)
	voices := decodeBody(t, resp)["voices"].([]any)
	require.Len(t, voices, 2)
	first := voices[0].(map[string]any)
	assert.Equal(t, "voiceA", first["voice"])
	assert.Equal(t, true, first["recording"])

	// key is mandatory on mutating recording routes
	resp = s.ServeRequest(makeReq(t, "POST", "/v1/recording/voices/voiceA/stop", token, map[string]any{}))
	assert.Equal(t, 422, resp.Status)

	resp = s.ServeRequest(makeReq(t, "POST", "/v1/recording/voices/voiceA/feedback", token, map[string]any{
		"idempotencyKey": "rec-2",
		"feedback":       0.8,
	}))
	assert.Equal(t, 202, resp.Status)

	resp = s.ServeRequest(makeReq(t, "POST", "/v1/recording/voices/voiceA/nonsense", token, map[string]any{
		"idempotencyKey": "rec-3",
	}))
	assert.Equal(t, 404, resp.Status)
}

func TestRecordingStartConflictSurfacesError(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/recording/voices/voiceA/start", token, map[string]any{
		"idempotencyKey": "c-1",
	}))
	require.Equal(t, 202, resp.Status)

	// starting an already-recording voice fails its inline execution
	resp = s.ServeRequest(makeReq(t, "POST", "/v1/recording/voices/voiceA/start", token, map[string]any{
		"idempotencyKey": "c-2",
	}))
	require.Equal(t, 422, resp.Status)
	errObj := decodeBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, action.CodeRecordingActive, errObj["code"])
}

func TestValidateEndpoint(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/actions/validate", token, map[string]any{
		"bundle": map[string]any{
			"bundleId": "b1",
			"actions": []map[string]any{
				{"type": "set_parameter", "target": "engine.masterVolume", "value": 5.0},
			},
		},
	}))
	require.Equal(t, 200, resp.Status)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["validationId"])
	failures := body["failures"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, action.CodeOutOfRange, failures[0].(map[string]any)["code"])
}

func TestStateAndQuery(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "GET", "/v1/state", token, nil))
	require.Equal(t, 200, resp.Status)
	state := decodeBody(t, resp)
	assert.Equal(t, float64(0), state["stateVersion"])
	params := state["parameters"].(map[string]any)
	assert.Equal(t, 0.8, params["engine.masterVolume"])

	resp = s.ServeRequest(makeReq(t, "POST", "/v1/state/query", token, map[string]any{
		"paths": []string{"engine.masterVolume", "granular.voiceA.volume", "engine.noSuch"},
	}))
	require.Equal(t, 200, resp.Status)
	values := decodeBody(t, resp)["values"].(map[string]any)
	assert.Equal(t, 0.8, values["engine.masterVolume"])
	assert.Equal(t, 0.7, values["granular.voiceA.volume"])
	assert.Nil(t, values["engine.noSuch"])
}

func TestHistoryEndpointFilters(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "POST", "/v1/actions/schedule", token, map[string]any{
		"idempotencyKey": "h-1",
		"bundle": map[string]any{
			"bundleId": "b1",
			"actions": []map[string]any{
				{"type": "set_parameter", "target": "engine.reverbMix", "value": 0.3},
			},
		},
	}))
	require.Equal(t, 202, resp.Status)

	resp = s.ServeRequest(makeReq(t, "GET", "/v1/history?type=state.changed", token, nil))
	require.Equal(t, 200, resp.Status)
	events := decodeBody(t, resp)["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "state.changed", ev["type"])
	assert.Equal(t, float64(1), ev["stateVersion"])
}

func TestUnknownRouteAndBadBody(t *testing.T) {
	s := newTestAPI(t)
	token := createSession(t, s)

	resp := s.ServeRequest(makeReq(t, "GET", "/v1/nope", token, nil))
	assert.Equal(t, 404, resp.Status)

	req := makeReq(t, "POST", "/v1/actions/validate", token, nil)
	req.Body = []byte(`{"bundle": {"unknownField": 1}}`)
	resp = s.ServeRequest(req)
	assert.Equal(t, 400, resp.Status)
}
