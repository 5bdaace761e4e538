// Package schedule resolves symbolic time specs against the live transport
// and arms deferred work on the run loop.
package schedule

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/instrument-hub/instrument-hub/internal/domain/musictime"
	"github.com/instrument-hub/instrument-hub/internal/engine"
	"github.com/instrument-hub/instrument-hub/internal/runloop"
)

type Scheduler struct {
	logger zerolog.Logger
	loop   *runloop.Loop
	audio  engine.AudioEngine
}

func New(loop *runloop.Loop, audio engine.AudioEngine, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("service", "schedule").Logger(),
		loop:   loop,
		audio:  audio,
	}
}

// Snapshot reads the live transport, degrading to a stopped 120 bpm 4/4
// transport when no engine is attached.
func (s *Scheduler) Snapshot() musictime.Snapshot {
	if s.audio == nil {
		return musictime.Snapshot{Bar: 1, Beat: 0, BPM: 120, QuarterNotesPerBar: 4}
	}
	return s.audio.Transport()
}

// Resolve turns a spec into a concrete deadline. A nil spec means now.
func (s *Scheduler) Resolve(spec *musictime.Spec) (musictime.Resolution, error) {
	st := musictime.Spec{}
	if spec != nil {
		st = *spec
	}
	return musictime.Resolve(s.Snapshot(), st, time.Now().UTC())
}

// Inline reports whether a resolved delay should execute immediately on
// the current loop pass instead of arming a timer.
func (s *Scheduler) Inline(d time.Duration) bool {
	return d <= runloop.InlineThreshold
}

// Arm posts fn to the loop after d.
func (s *Scheduler) Arm(d time.Duration, fn func()) *time.Timer {
	return s.loop.Schedule(d, fn)
}
