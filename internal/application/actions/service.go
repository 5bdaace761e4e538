// Package actions validates, schedules and executes action bundles. All
// state lives on the control-plane run loop; every exported method must be
// called from it.
package actions

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/instrument-hub/instrument-hub/internal/application/schedule"
	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	"github.com/instrument-hub/instrument-hub/internal/domain/event"
	"github.com/instrument-hub/instrument-hub/internal/engine"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/eventlog"
)

// Collaborators are the audio-side handles the service writes through. Any
// of them may be nil; writes then degrade to no-ops.
type Collaborators struct {
	Engine engine.AudioEngine
	Steps  engine.StepSequencer
	Drums  engine.DrumSequencer
	Chords engine.ChordSequencer
}

// ValidationRecord is a stored dry-run result, redeemable once within its
// TTL by a bundle with a matching signature.
type ValidationRecord struct {
	ValidationID               string           `json:"validationId"`
	BundleSignature            string           `json:"-"`
	Valid                      bool             `json:"valid"`
	Risk                       action.Risk      `json:"risk"`
	RequiresConfirmation       bool             `json:"requiresConfirmation"`
	ConfirmationToken          string           `json:"confirmationToken,omitempty"`
	ConfirmationTokenExpiresAt time.Time        `json:"confirmationTokenExpiresAt,omitempty"`
	ExpiresAt                  time.Time        `json:"expiresAt"`
	Failures                   []action.Failure `json:"failures,omitempty"`
}

// RequestError is a request-level rejection carrying its HTTP shape.
type RequestError struct {
	HTTPStatus int
	Code       string
	Message    string
	Failures   []action.Failure
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reqErr(status int, code, format string, args ...any) *RequestError {
	return &RequestError{HTTPStatus: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

type scheduledEntry struct {
	state  action.ScheduledState
	bundle action.Bundle
	timer  *time.Timer
}

type Service struct {
	logger zerolog.Logger
	collab Collaborators
	policy Policy
	log    *eventlog.Log
	sched  *schedule.Scheduler

	validationTTL   time.Duration
	confirmationTTL time.Duration

	validations map[string]*ValidationRecord
	registry    map[string]*scheduledEntry
}

func NewService(collab Collaborators, policy Policy, log *eventlog.Log, sched *schedule.Scheduler, validationTTL, confirmationTTL time.Duration, logger zerolog.Logger) *Service {
	if validationTTL <= 0 {
		validationTTL = 5 * time.Minute
	}
	if confirmationTTL <= 0 {
		confirmationTTL = 2 * time.Minute
	}
	return &Service{
		logger:          logger.With().Str("service", "actions").Logger(),
		collab:          collab,
		policy:          policy,
		log:             log,
		sched:           sched,
		validationTTL:   validationTTL,
		confirmationTTL: confirmationTTL,
		validations:     make(map[string]*ValidationRecord),
		registry:        make(map[string]*scheduledEntry),
	}
}

// aggregateRisk is the highest per-action risk across a bundle.
func aggregateRisk(actions []action.Action) action.Risk {
	risk := action.RiskLow
	for _, a := range actions {
		risk = risk.Max(action.RiskFor(a.Type))
	}
	return risk
}

func (s *Service) purgeValidations(now time.Time) {
	for id, rec := range s.validations {
		if now.After(rec.ExpiresAt) {
			delete(s.validations, id)
		}
	}
}

// Validate dry-runs a bundle against live state without side effects and
// stores the result for later redemption.
func (s *Service) Validate(bundle action.Bundle, sessionID string) *ValidationRecord {
	now := time.Now().UTC()
	s.purgeValidations(now)

	var failures []action.Failure
	view := s.liveRecordingView()
	for _, a := range bundle.Actions {
		if f := s.checkAction(a, view); f != nil {
			failures = append(failures, *f)
			continue
		}
		if a.Time != nil {
			if _, err := s.sched.Resolve(a.Time); err != nil {
				failures = append(failures, action.Failure{
					ActionID: a.ActionID,
					Code:     action.CodeDependencyViolation,
					Message:  err.Error(),
				})
			}
		}
	}
	if bundle.Time != nil {
		if _, err := s.sched.Resolve(bundle.Time); err != nil {
			failures = append(failures, action.Failure{
				Code:    action.CodeDependencyViolation,
				Message: err.Error(),
			})
		}
	}

	risk := aggregateRisk(bundle.Actions)
	if f := s.policy.CheckBundle(risk); f != nil {
		failures = append(failures, *f)
	}

	rec := &ValidationRecord{
		ValidationID:    uuid.NewString(),
		BundleSignature: bundle.Signature(),
		Valid:           len(failures) == 0,
		Risk:            risk,
		ExpiresAt:       now.Add(s.validationTTL),
		Failures:        failures,
	}
	if rec.Valid && (risk == action.RiskHigh || bundle.RequireConfirmation) {
		rec.RequiresConfirmation = true
		rec.ConfirmationToken = uuid.NewString()
		rec.ConfirmationTokenExpiresAt = now.Add(s.confirmationTTL)
	}
	s.validations[rec.ValidationID] = rec

	s.logger.Debug().
		Str("validationId", rec.ValidationID).
		Bool("valid", rec.Valid).
		Str("risk", string(risk)).
		Int("failures", len(failures)).
		Msg("bundle validated")
	return rec
}

// ApplyModeValidated requires a prior valid validation to be redeemed at
// schedule time.
const ApplyModeValidated = "validated_only"

// Schedule admits a bundle into the registry and arms its execution. The
// returned state reflects execution already if the deadline was near enough
// to run inline.
func (s *Service) Schedule(bundle action.Bundle, applyMode, confirmationToken, sessionID string) (action.ScheduledState, *RequestError) {
	now := time.Now().UTC()
	s.purgeValidations(now)

	if bundle.BundleID == "" {
		bundle.BundleID = uuid.NewString()
	}
	if _, exists := s.registry[bundle.BundleID]; exists {
		return action.ScheduledState{}, reqErr(http.StatusConflict, action.CodeDependencyViolation,
			"bundle %q is already scheduled", bundle.BundleID)
	}
	if bundle.PreconditionStateVersion != nil && *bundle.PreconditionStateVersion != s.log.StateVersion() {
		return action.ScheduledState{}, reqErr(http.StatusConflict, action.CodeStaleStateVersion,
			"preconditionStateVersion %d does not match current %d",
			*bundle.PreconditionStateVersion, s.log.StateVersion())
	}

	if applyMode == ApplyModeValidated {
		if rerr := s.redeemValidation(bundle, confirmationToken, now); rerr != nil {
			return action.ScheduledState{}, rerr
		}
	}

	res, err := s.sched.Resolve(bundle.Time)
	if err != nil {
		return action.ScheduledState{}, reqErr(http.StatusUnprocessableEntity, action.CodeDependencyViolation, "%v", err)
	}

	ent := &scheduledEntry{
		bundle: bundle,
		state: action.ScheduledState{
			BundleID:      bundle.BundleID,
			IntentID:      bundle.IntentID,
			SessionID:     sessionID,
			ScheduledBar:  res.Bar,
			ScheduledBeat: res.Beat,
			ExecuteAt:     res.ExecuteAt,
			Status:        action.StatusScheduled,
			Risk:          aggregateRisk(bundle.Actions),
			StateVersion:  s.log.StateVersion(),
			CreatedAt:     now,
		},
	}
	s.registry[bundle.BundleID] = ent

	s.log.Append(event.TypeBundleScheduled, sessionID, map[string]any{
		"bundleId":    bundle.BundleID,
		"intentId":    bundle.IntentID,
		"executeAt":   res.ExecuteAt,
		"bar":         res.Bar,
		"beat":        res.Beat,
		"risk":        string(ent.state.Risk),
		"actionCount": len(bundle.Actions),
	})

	if s.sched.Inline(res.Delay) {
		// already on the loop; run in place
		s.execute(bundle.BundleID)
	} else {
		id := bundle.BundleID
		ent.timer = s.sched.Arm(res.Delay, func() { s.execute(id) })
	}
	return ent.state, nil
}

// redeemValidation consumes a stored validation. Single use: a successful
// redemption deletes the record.
func (s *Service) redeemValidation(bundle action.Bundle, confirmationToken string, now time.Time) *RequestError {
	if bundle.ValidationID == "" {
		return reqErr(http.StatusUnprocessableEntity, action.CodeDependencyViolation,
			"apply mode %s requires a validationId", ApplyModeValidated)
	}
	rec, ok := s.validations[bundle.ValidationID]
	if !ok {
		return reqErr(http.StatusNotFound, action.CodeValidationNotFound,
			"validation %q not found", bundle.ValidationID)
	}
	if now.After(rec.ExpiresAt) {
		delete(s.validations, bundle.ValidationID)
		return reqErr(http.StatusUnprocessableEntity, action.CodeValidationExpired,
			"validation %q has expired", bundle.ValidationID)
	}
	if !rec.Valid {
		return reqErr(http.StatusUnprocessableEntity, action.CodeDependencyViolation,
			"validation %q did not pass", bundle.ValidationID)
	}
	if rec.BundleSignature != bundle.Signature() {
		return reqErr(http.StatusUnprocessableEntity, action.CodeValidationMismatch,
			"bundle differs from the one validated as %q", bundle.ValidationID)
	}
	if rec.RequiresConfirmation {
		if now.After(rec.ConfirmationTokenExpiresAt) {
			return reqErr(http.StatusUnprocessableEntity, action.CodeConfirmationExpired,
				"confirmation token for validation %q has expired", bundle.ValidationID)
		}
		if confirmationToken == "" || confirmationToken != rec.ConfirmationToken {
			return reqErr(http.StatusUnprocessableEntity, action.CodeDependencyViolation,
				"validation %q requires its confirmation token", bundle.ValidationID)
		}
	}
	delete(s.validations, bundle.ValidationID)
	return nil
}

// execute runs a scheduled bundle. Timer fires race Cancel: the status
// re-check here is what makes cancellation authoritative.
func (s *Service) execute(bundleID string) {
	ent, ok := s.registry[bundleID]
	if !ok || ent.state.Status != action.StatusScheduled {
		return
	}
	ent.state.Status = action.StatusInProgress
	bundle := ent.bundle

	if bundle.Atomic {
		// full dry-run immediately before writing; any failure means
		// zero side effects
		view := s.liveRecordingView()
		var failures []action.Failure
		for _, a := range bundle.Actions {
			if f := s.checkAction(a, view); f != nil {
				failures = append(failures, *f)
			}
		}
		if len(failures) > 0 {
			s.finish(ent, action.StatusRejected, nil, failures)
			return
		}
	}

	var (
		results  []*applied
		failures []action.Failure
	)
	for _, a := range bundle.Actions {
		res, f := s.applyAction(a)
		if f != nil {
			failures = append(failures, *f)
			if bundle.Atomic {
				break
			}
			continue
		}
		results = append(results, res)
	}

	status := action.StatusApplied
	switch {
	case bundle.Atomic && len(failures) > 0:
		// an atomic bundle never settles partial: a real-pass failure
		// after a clean dry-run still aborts as rejected
		status = action.StatusRejected
	case len(results) == 0 && len(failures) > 0:
		status = action.StatusRejected
	case len(failures) > 0:
		status = action.StatusPartiallyApplied
	}
	s.finish(ent, status, results, failures)
}

// finish settles a bundle: bumps the state version once if anything was
// applied, emits per-action domain events, one state.changed, and the
// terminal bundle event.
func (s *Service) finish(ent *scheduledEntry, status action.BundleStatus, results []*applied, failures []action.Failure) {
	ent.state.Status = status
	for _, f := range failures {
		ent.state.ErrorCodes = append(ent.state.ErrorCodes, f.Code)
	}
	sessionID := ent.state.SessionID

	if len(results) > 0 {
		ent.state.StateVersion = s.log.BumpVersion()
		changed := make([]string, 0, len(results))
		for _, r := range results {
			changed = append(changed, r.path)
			if r.eventType != "" {
				s.log.Append(r.eventType, sessionID, r.payload)
			}
		}
		s.log.Append(event.TypeStateChanged, sessionID, map[string]any{
			"bundleId":     ent.state.BundleID,
			"changedPaths": changed,
		})
	}

	payload := map[string]any{
		"bundleId": ent.state.BundleID,
		"intentId": ent.state.IntentID,
		"applied":  len(results),
		"failed":   len(failures),
	}
	if len(failures) > 0 {
		payload["failures"] = failures
	}
	var terminal string
	switch status {
	case action.StatusApplied:
		terminal = event.TypeBundleApplied
	case action.StatusPartiallyApplied:
		terminal = event.TypeBundlePartiallyApplied
	default:
		terminal = event.TypeBundleRejected
	}
	s.log.Append(terminal, sessionID, payload)

	s.logger.Info().
		Str("bundleId", ent.state.BundleID).
		Str("status", string(status)).
		Int("applied", len(results)).
		Int("failed", len(failures)).
		Msg("bundle settled")
}

// Cancel withdraws a scheduled bundle before it fires.
func (s *Service) Cancel(bundleID, sessionID string) (action.ScheduledState, *RequestError) {
	ent, ok := s.registry[bundleID]
	if !ok {
		return action.ScheduledState{}, reqErr(http.StatusNotFound, action.CodeBundleNotFound,
			"bundle %q not found", bundleID)
	}
	if ent.state.Status != action.StatusScheduled {
		return action.ScheduledState{}, reqErr(http.StatusUnprocessableEntity, action.CodeBundleNotCancellable,
			"bundle %q is %s", bundleID, ent.state.Status)
	}
	if ent.timer != nil {
		ent.timer.Stop()
	}
	ent.state.Status = action.StatusCanceled
	s.log.Append(event.TypeBundleCanceled, sessionID, map[string]any{
		"bundleId": bundleID,
		"intentId": ent.state.IntentID,
	})
	return ent.state, nil
}

// Scheduled lists every registered bundle, soonest deadline first.
func (s *Service) Scheduled() []action.ScheduledState {
	out := make([]action.ScheduledState, 0, len(s.registry))
	for _, ent := range s.registry {
		out = append(out, ent.state)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].BundleID < out[j].BundleID
		}
		return out[i].ExecuteAt.Before(out[j].ExecuteAt)
	})
	return out
}

// Bundle returns one registry entry.
func (s *Service) Bundle(bundleID string) (action.ScheduledState, bool) {
	ent, ok := s.registry[bundleID]
	if !ok {
		return action.ScheduledState{}, false
	}
	return ent.state, ok
}
