package engine

// ParamSpec describes one controllable parameter: its range, default and
// unit. The table backs both GET /v1/parameters and range validation.
type ParamSpec struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	Unit    string  `json:"unit,omitempty"`
}

var engineParams = map[string]ParamSpec{
	"masterVolume": {Name: "masterVolume", Min: 0, Max: 1, Default: 0.8},
	"reverbMix":    {Name: "reverbMix", Min: 0, Max: 1, Default: 0.2},
	"reverbSize":   {Name: "reverbSize", Min: 0, Max: 1, Default: 0.5},
	"delayTime":    {Name: "delayTime", Min: 0, Max: 2, Default: 0.25, Unit: "s"},
	"delayFeedback": {
		Name: "delayFeedback", Min: 0, Max: 0.95, Default: 0.3,
	},
	"compThreshold": {Name: "compThreshold", Min: -60, Max: 0, Default: -12, Unit: "dB"},
}

var granularParams = map[string]ParamSpec{
	"volume":       {Name: "volume", Min: 0, Max: 1, Default: 0.7},
	"pan":          {Name: "pan", Min: -1, Max: 1, Default: 0},
	"grainSize":    {Name: "grainSize", Min: 0.01, Max: 2, Default: 0.1, Unit: "s"},
	"grainDensity": {Name: "grainDensity", Min: 0.5, Max: 100, Default: 20, Unit: "hz"},
	"position":     {Name: "position", Min: 0, Max: 1, Default: 0},
	"spread":       {Name: "spread", Min: 0, Max: 1, Default: 0.1},
	"pitch":        {Name: "pitch", Min: -24, Max: 24, Default: 0, Unit: "st"},
	"filterCutoff": {Name: "filterCutoff", Min: 20, Max: 20000, Default: 8000, Unit: "hz"},
	"filterRes":    {Name: "filterRes", Min: 0, Max: 1, Default: 0.1},
	"speed":        {Name: "speed", Min: -2, Max: 2, Default: 1},
}

var trackFields = map[string]ParamSpec{
	"gate":        {Name: "gate", Min: 0, Max: 1, Default: 1},
	"octave":      {Name: "octave", Min: -2, Max: 2, Default: 0},
	"probability": {Name: "probability", Min: 0, Max: 1, Default: 1},
	"length":      {Name: "length", Min: 1, Max: 16, Default: 8, Unit: "stages"},
	"division":    {Name: "division", Min: 1, Max: 16, Default: 4},
}

var stageFields = map[string]ParamSpec{
	"pitch":    {Name: "pitch", Min: 0, Max: 36, Default: 0, Unit: "st"},
	"gate":     {Name: "gate", Min: 0, Max: 1, Default: 1},
	"tie":      {Name: "tie", Min: 0, Max: 1, Default: 0},
	"skip":     {Name: "skip", Min: 0, Max: 1, Default: 0},
	"velocity": {Name: "velocity", Min: 0, Max: 127, Default: 100},
}

var drumLaneFields = map[string]ParamSpec{
	"level":  {Name: "level", Min: 0, Max: 1, Default: 0.8},
	"decay":  {Name: "decay", Min: 0.01, Max: 4, Default: 0.3, Unit: "s"},
	"tune":   {Name: "tune", Min: -12, Max: 12, Default: 0, Unit: "st"},
	"choke":  {Name: "choke", Min: 0, Max: 1, Default: 0},
	"sample": {Name: "sample", Min: 0, Max: 127, Default: 0},
}

var chordStepFields = map[string]ParamSpec{
	"degree":    {Name: "degree", Min: 1, Max: 7, Default: 1},
	"voicing":   {Name: "voicing", Min: 0, Max: 5, Default: 0},
	"inversion": {Name: "inversion", Min: 0, Max: 3, Default: 0},
	"spread":    {Name: "spread", Min: 0, Max: 2, Default: 0},
}

// Table bounds.
const (
	SequencerTracks = 8
	SequencerStages = 16
	DrumLanes       = 8
	DrumSteps       = 16
	ChordSteps      = 16
)

// ChromaticRoots are the key roots accepted by SetKey.
var ChromaticRoots = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// ValidKeyRoot reports whether root names a chromatic pitch class.
func ValidKeyRoot(root string) bool {
	for _, r := range ChromaticRoots {
		if r == root {
			return true
		}
	}
	return false
}

// EngineParam looks up a top-level engine parameter.
func EngineParam(name string) (ParamSpec, bool) {
	p, ok := engineParams[name]
	return p, ok
}

// GranularParam looks up a per-voice granular parameter.
func GranularParam(name string) (ParamSpec, bool) {
	p, ok := granularParams[name]
	return p, ok
}

// TrackField looks up a sequencer track field.
func TrackField(name string) (ParamSpec, bool) {
	p, ok := trackFields[name]
	return p, ok
}

// StageField looks up a sequencer stage field.
func StageField(name string) (ParamSpec, bool) {
	p, ok := stageFields[name]
	return p, ok
}

// DrumLaneField looks up a drum lane field.
func DrumLaneField(name string) (ParamSpec, bool) {
	p, ok := drumLaneFields[name]
	return p, ok
}

// ChordStepField looks up a chord step field.
func ChordStepField(name string) (ParamSpec, bool) {
	p, ok := chordStepFields[name]
	return p, ok
}

// ParameterDescriptor is one row of GET /v1/parameters.
type ParameterDescriptor struct {
	Path string  `json:"path"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Def  float64 `json:"default"`
	Unit string  `json:"unit,omitempty"`
}

// Descriptors flattens the parameter tables into addressable paths. Voices
// come from the live engine so absent collaborators list nothing.
func Descriptors(voices []string) []ParameterDescriptor {
	out := make([]ParameterDescriptor, 0, len(engineParams)+len(granularParams)*len(voices))
	for _, p := range engineParams {
		out = append(out, ParameterDescriptor{Path: "engine." + p.Name, Min: p.Min, Max: p.Max, Def: p.Default, Unit: p.Unit})
	}
	for _, v := range voices {
		for _, p := range granularParams {
			out = append(out, ParameterDescriptor{Path: "granular." + v + "." + p.Name, Min: p.Min, Max: p.Max, Def: p.Default, Unit: p.Unit})
		}
	}
	return out
}
