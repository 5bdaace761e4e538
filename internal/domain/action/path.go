package action

import (
	"fmt"
	"strconv"
	"strings"
)

// Domain tags the collaborator a target path addresses.
type Domain string

const (
	DomainEngine    Domain = "engine"
	DomainGranular  Domain = "granular"
	DomainRecording Domain = "recording"
	DomainTransport Domain = "transport"
	DomainSession   Domain = "session"
	DomainSequencer Domain = "sequencer"
	DomainDrums     Domain = "drums"
	DomainChords    Domain = "chords"
)

// TargetPath is a parsed target string. Parsing happens once at the
// boundary; dispatch afterwards is on the Domain tag, never on string
// prefixes.
type TargetPath struct {
	Domain Domain
	Voice  string
	Param  string
	Track  int
	Stage  int
	Lane   int
	Step   int
}

// ParseTarget parses dotted target strings such as
// "granular.voiceA.filterCutoff", "recording.voiceB", "transport",
// "sequencer.track3.stage5.pitch", "drums.lane2.step7" or "chords.step4".
func ParseTarget(target string) (TargetPath, error) {
	parts := strings.Split(target, ".")
	if target == "" {
		return TargetPath{}, fmt.Errorf("empty target")
	}
	switch Domain(parts[0]) {
	case DomainEngine:
		if len(parts) != 2 || parts[1] == "" {
			return TargetPath{}, fmt.Errorf("engine target wants engine.<param>: %q", target)
		}
		return TargetPath{Domain: DomainEngine, Param: parts[1]}, nil

	case DomainGranular:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return TargetPath{}, fmt.Errorf("granular target wants granular.<voice>.<param>: %q", target)
		}
		return TargetPath{Domain: DomainGranular, Voice: parts[1], Param: parts[2]}, nil

	case DomainRecording:
		if len(parts) != 2 || parts[1] == "" {
			return TargetPath{}, fmt.Errorf("recording target wants recording.<voice>: %q", target)
		}
		return TargetPath{Domain: DomainRecording, Voice: parts[1]}, nil

	case DomainTransport:
		if len(parts) != 1 {
			return TargetPath{}, fmt.Errorf("transport target takes no sub-path: %q", target)
		}
		return TargetPath{Domain: DomainTransport}, nil

	case DomainSession:
		if len(parts) != 1 {
			return TargetPath{}, fmt.Errorf("session target takes no sub-path: %q", target)
		}
		return TargetPath{Domain: DomainSession}, nil

	case DomainSequencer:
		if len(parts) < 3 || len(parts) > 4 {
			return TargetPath{}, fmt.Errorf("sequencer target wants sequencer.track<N>[.stage<M>].<field>: %q", target)
		}
		track, err := indexSuffix(parts[1], "track")
		if err != nil {
			return TargetPath{}, fmt.Errorf("sequencer target %q: %w", target, err)
		}
		tp := TargetPath{Domain: DomainSequencer, Track: track}
		if len(parts) == 4 {
			stage, err := indexSuffix(parts[2], "stage")
			if err != nil {
				return TargetPath{}, fmt.Errorf("sequencer target %q: %w", target, err)
			}
			tp.Stage = stage
			tp.Param = parts[3]
		} else {
			tp.Param = parts[2]
		}
		if tp.Param == "" {
			return TargetPath{}, fmt.Errorf("sequencer target %q: missing field", target)
		}
		return tp, nil

	case DomainDrums:
		if len(parts) != 3 {
			return TargetPath{}, fmt.Errorf("drums target wants drums.lane<N>.<step|field>: %q", target)
		}
		lane, err := indexSuffix(parts[1], "lane")
		if err != nil {
			return TargetPath{}, fmt.Errorf("drums target %q: %w", target, err)
		}
		tp := TargetPath{Domain: DomainDrums, Lane: lane}
		if step, err := indexSuffix(parts[2], "step"); err == nil {
			tp.Step = step
		} else {
			tp.Param = parts[2]
		}
		return tp, nil

	case DomainChords:
		if len(parts) < 2 || len(parts) > 3 {
			return TargetPath{}, fmt.Errorf("chords target wants chords.step<N>[.<field>]: %q", target)
		}
		step, err := indexSuffix(parts[1], "step")
		if err != nil {
			return TargetPath{}, fmt.Errorf("chords target %q: %w", target, err)
		}
		tp := TargetPath{Domain: DomainChords, Step: step}
		if len(parts) == 3 {
			tp.Param = parts[2]
		}
		return tp, nil
	}
	return TargetPath{}, fmt.Errorf("unknown target domain %q", parts[0])
}

func indexSuffix(s, prefix string) (int, error) {
	if !strings.HasPrefix(s, prefix) || len(s) == len(prefix) {
		return 0, fmt.Errorf("expected %s<N>, got %q", prefix, s)
	}
	n, err := strconv.Atoi(s[len(prefix):])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("expected %s<N>, got %q", prefix, s)
	}
	return n, nil
}
