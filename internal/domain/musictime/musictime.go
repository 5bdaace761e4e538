package musictime

import (
	"errors"
	"math"
	"time"
)

// Anchor names the symbolic reference point a Spec resolves against.
const (
	AnchorNow               = "now"
	AnchorNextBeat          = "next_beat"
	AnchorNextBar           = "next_bar"
	AnchorTransportPosition = "at_transport_position"
)

// Quantization grid names.
const (
	QuantOff       = "off"
	QuantSixteenth = "1/16"
	QuantEighth    = "1/8"
	QuantQuarter   = "1/4"
	QuantBar       = "1_bar"
)

var (
	ErrUnknownAnchor       = errors.New("unknown anchor")
	ErrUnknownQuantization = errors.New("unknown quantization")
)

// Snapshot is a point-in-time read of the transport. Beat counts beats
// elapsed since the start of the bar, so a snapshot halfway through the
// third beat of bar 2 reads {Bar: 2, Beat: 2.5}.
type Snapshot struct {
	Bar                int     `json:"bar"`
	Beat               float64 `json:"beat"`
	BPM                float64 `json:"bpm"`
	QuarterNotesPerBar int     `json:"quarterNotesPerBar"`
}

// Spec is a symbolic time specification supplied by a caller. Bar and Beat
// are only consulted for the at_transport_position anchor.
type Spec struct {
	Anchor       string  `json:"anchor,omitempty"`
	Quantization string  `json:"quantization,omitempty"`
	Bar          int     `json:"bar,omitempty"`
	Beat         float64 `json:"beat,omitempty"`
}

// Resolution is a concrete deadline. Beat is the 1-based beat within the
// target bar.
type Resolution struct {
	ExecuteAt time.Time     `json:"executeAt"`
	Bar       int           `json:"bar"`
	Beat      float64       `json:"beat"`
	Delay     time.Duration `json:"-"`
	Beats     float64       `json:"-"`
}

// Resolve turns a Spec plus a live transport snapshot into a concrete
// future instant. Pure: all inputs are explicit, including the clock.
func Resolve(snap Snapshot, spec Spec, now time.Time) (Resolution, error) {
	qn := float64(snap.QuarterNotesPerBar)
	if qn <= 0 {
		qn = 4
	}
	bpm := snap.BPM
	if bpm <= 0 {
		bpm = 120
	}

	current := float64(snap.Bar-1)*qn + snap.Beat

	var target float64
	switch spec.Anchor {
	case "", AnchorNow:
		target = current
	case AnchorNextBeat:
		target = math.Floor(current) + 1
	case AnchorNextBar:
		target = (math.Floor(current/qn) + 1) * qn
	case AnchorTransportPosition:
		target = float64(spec.Bar-1)*qn + spec.Beat
		if target < current {
			target = current
		}
	default:
		return Resolution{}, ErrUnknownAnchor
	}

	step, err := quantStep(spec.Quantization, qn)
	if err != nil {
		return Resolution{}, err
	}
	if step > 0 {
		target = math.Ceil(target/step) * step
	}

	beats := target - current
	if beats < 0 {
		beats = 0
	}
	secondsPerBeat := 60 / bpm
	delay := time.Duration(beats * secondsPerBeat * float64(time.Second))

	return Resolution{
		ExecuteAt: now.Add(delay),
		Bar:       int(target/qn) + 1,
		Beat:      math.Mod(target, qn) + 1,
		Delay:     delay,
		Beats:     beats,
	}, nil
}

func quantStep(q string, qn float64) (float64, error) {
	switch q {
	case "", QuantOff:
		return 0, nil
	case QuantSixteenth:
		return 0.25, nil
	case QuantEighth:
		return 0.5, nil
	case QuantQuarter:
		return 1, nil
	case QuantBar:
		return qn, nil
	default:
		return 0, ErrUnknownQuantization
	}
}
