// Package api is the control-plane HTTP surface. Every handler executes on
// the run loop via Call, which is what lets the services underneath skip
// locking entirely.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/instrument-hub/instrument-hub/internal/application/actions"
	"github.com/instrument-hub/instrument-hub/internal/application/idempotency"
	"github.com/instrument-hub/instrument-hub/internal/application/session"
	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	domainsession "github.com/instrument-hub/instrument-hub/internal/domain/session"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/eventlog"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/httpwire"
	"github.com/instrument-hub/instrument-hub/internal/runloop"
)

// EventsPath is the websocket upgrade path.
const EventsPath = "/v1/events"

type Server struct {
	logger   zerolog.Logger
	loop     *runloop.Loop
	sessions *session.Store
	idem     *idempotency.Cache
	actions  *actions.Service
	log      *eventlog.Log
	collab   actions.Collaborators
}

func NewServer(loop *runloop.Loop, sessions *session.Store, idem *idempotency.Cache, svc *actions.Service, log *eventlog.Log, collab actions.Collaborators, logger zerolog.Logger) *Server {
	return &Server{
		logger:   logger.With().Str("service", "api").Logger(),
		loop:     loop,
		sessions: sessions,
		idem:     idem,
		actions:  svc,
		log:      log,
		collab:   collab,
	}
}

// ServeRequest hops onto the run loop for the whole request. A false Call
// means the loop is shutting down.
func (s *Server) ServeRequest(req *httpwire.Request) *httpwire.Response {
	var resp *httpwire.Response
	ok := s.loop.Call(func() { resp = s.route(req) })
	if !ok {
		return respondError(http.StatusServiceUnavailable, action.CodeDependencyViolation, "server is shutting down", nil)
	}
	return resp
}

func (s *Server) route(req *httpwire.Request) *httpwire.Response {
	segs := strings.Split(strings.Trim(req.Path, "/"), "/")
	if len(segs) < 2 || segs[0] != "v1" {
		return respondError(http.StatusNotFound, action.CodePathUnknown, "unknown route", nil)
	}

	// unauthenticated routes
	if req.Method == "POST" && req.Path == "/v1/sessions" {
		return s.handleCreateSession(req)
	}
	if req.Method == "GET" && req.Path == "/v1/debug/sampletime" {
		return s.handleSampleTime(req)
	}

	sess, errResp := s.authenticate(req)
	if errResp != nil {
		return errResp
	}

	switch {
	case req.Method == "DELETE" && len(segs) == 3 && segs[1] == "sessions":
		return s.handleDeleteSession(req, sess, segs[2])
	case req.Method == "GET" && req.Path == "/v1/capabilities":
		return s.handleCapabilities(req, sess)
	case req.Method == "GET" && req.Path == "/v1/parameters":
		return s.handleParameters(req)
	case req.Method == "GET" && req.Path == "/v1/state":
		return s.handleState(req)
	case req.Method == "POST" && req.Path == "/v1/state/query":
		return s.handleStateQuery(req)
	case req.Method == "GET" && req.Path == "/v1/history":
		return s.handleHistory(req)
	case req.Method == "POST" && req.Path == "/v1/actions/validate":
		return s.handleValidate(req, sess)
	case req.Method == "POST" && req.Path == "/v1/actions/schedule":
		return s.handleSchedule(req, sess)
	case req.Method == "GET" && req.Path == "/v1/actions/scheduled":
		return s.handleScheduled(req)
	case req.Method == "POST" && len(segs) == 4 && segs[1] == "actions" && segs[3] == "cancel":
		return s.handleCancel(req, sess, segs[2])
	case req.Method == "GET" && req.Path == "/v1/recording/voices":
		return s.handleVoices(req)
	case req.Method == "POST" && len(segs) == 5 && segs[1] == "recording" && segs[2] == "voices":
		return s.handleRecording(req, sess, segs[3], segs[4])
	}
	return respondError(http.StatusNotFound, action.CodePathUnknown, "unknown route", nil)
}

func (s *Server) authenticate(req *httpwire.Request) (*domainsession.Session, *httpwire.Response) {
	token := req.BearerToken()
	if token == "" {
		token = req.Query.Get("token")
	}
	sess, err := s.sessions.Authenticate(token, time.Now().UTC())
	if err != nil {
		code := action.CodeDependencyViolation
		if err == session.ErrTokenExpired {
			code = action.CodeTokenExpired
		}
		return nil, respondError(http.StatusUnauthorized, code, err.Error(), nil)
	}
	return sess, nil
}

// AcceptSocket authorizes the websocket upgrade before the 101 goes out.
func (s *Server) AcceptSocket(req *httpwire.Request) *httpwire.Response {
	var errResp *httpwire.Response
	ok := s.loop.Call(func() { _, errResp = s.authenticate(req) })
	if !ok {
		return respondError(http.StatusServiceUnavailable, action.CodeDependencyViolation, "server is shutting down", nil)
	}
	return errResp
}

// ServeSocket registers a live event subscriber. Registration and removal
// both hop to the loop; the socket's own goroutines handle frame I/O.
func (s *Server) ServeSocket(req *httpwire.Request, sock *httpwire.Socket) {
	afterSeq := parseUint(req.Query.Get("afterSeq"))
	sub := &socketSubscriber{sock: sock}
	s.loop.Submit(func() { s.log.Subscribe(sub, afterSeq) })
	sock.OnClose(func() {
		s.loop.Submit(func() { s.log.Unsubscribe(sub) })
	})
}

// socketSubscriber adapts a websocket to the event log's subscriber
// contract. A full outbound queue reads as can't-keep-up and drops the
// subscriber.
type socketSubscriber struct {
	sock *httpwire.Socket
}

func (s *socketSubscriber) Send(raw []byte) bool {
	return s.sock.SendText(raw)
}

func parseUint(s string) uint64 {
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}

func decodeStrict(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func respondJSON(status int, v any) *httpwire.Response {
	body, err := json.Marshal(v)
	if err != nil {
		return respondError(http.StatusInternalServerError, action.CodeDependencyViolation, "response marshal failed", nil)
	}
	return &httpwire.Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func respondError(status int, code, message string, details any) *httpwire.Response {
	body, _ := json.Marshal(errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
	return &httpwire.Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

func respondRequestError(rerr *actions.RequestError) *httpwire.Response {
	var details any
	if len(rerr.Failures) > 0 {
		details = map[string]any{"failures": rerr.Failures}
	}
	return respondError(rerr.HTTPStatus, rerr.Code, rerr.Message, details)
}
