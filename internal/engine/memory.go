package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/instrument-hub/instrument-hub/internal/domain/musictime"
)

// Memory is an in-memory implementation of every collaborator interface.
// It backs the server when no real audio engine is attached and doubles as
// the test double for the action engine.
type Memory struct {
	mu sync.Mutex

	bpm       float64
	qnPerBar  int
	key       string
	running   bool
	startedAt time.Time
	startBar  int

	params map[string]float64
	voices map[string]*VoiceRecordState
	order  []string

	tracks map[string]float64
	drums  map[string]float64
	chords map[string]float64
}

// NewMemory builds a memory engine with the given granular voices.
func NewMemory(voices ...string) *Memory {
	m := &Memory{
		bpm:      120,
		qnPerBar: 4,
		key:      "C",
		params:   make(map[string]float64),
		voices:   make(map[string]*VoiceRecordState),
		order:    append([]string(nil), voices...),
		tracks:   make(map[string]float64),
		drums:    make(map[string]float64),
		chords:   make(map[string]float64),
	}
	for _, v := range voices {
		m.voices[v] = &VoiceRecordState{Voice: v, Feedback: 0.5, Mode: ModeReplace}
	}
	return m
}

func (m *Memory) SampleTime() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0
	}
	return int64(time.Since(m.startedAt).Seconds() * 48000)
}

func (m *Memory) ClockRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Memory) Transport() musictime.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := musictime.Snapshot{Bar: m.startBar, Beat: 0, BPM: m.bpm, QuarterNotesPerBar: m.qnPerBar}
	if snap.Bar < 1 {
		snap.Bar = 1
	}
	if m.running {
		elapsedBeats := time.Since(m.startedAt).Minutes() * m.bpm
		snap.Bar += int(elapsedBeats) / m.qnPerBar
		snap.Beat = elapsedBeats - float64(int(elapsedBeats)/m.qnPerBar*m.qnPerBar)
	}
	return snap
}

func (m *Memory) Parameter(path string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.params[path]
	return v, ok
}

func (m *Memory) SetParameter(path string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[path] = value
	return nil
}

func (m *Memory) Voices() []VoiceRecordState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VoiceRecordState, 0, len(m.order))
	for _, v := range m.order {
		out = append(out, *m.voices[v])
	}
	return out
}

func (m *Memory) VoiceState(voice string) (VoiceRecordState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voices[voice]
	if !ok {
		return VoiceRecordState{}, false
	}
	return *vs, true
}

func (m *Memory) StartRecording(voice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voices[voice]
	if !ok {
		return fmt.Errorf("unknown voice %q", voice)
	}
	if vs.Recording {
		return fmt.Errorf("voice %q already recording", voice)
	}
	vs.Recording = true
	return nil
}

func (m *Memory) StopRecording(voice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voices[voice]
	if !ok {
		return fmt.Errorf("unknown voice %q", voice)
	}
	if !vs.Recording {
		return fmt.Errorf("voice %q not recording", voice)
	}
	vs.Recording = false
	return nil
}

func (m *Memory) SetFeedback(voice string, level float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voices[voice]
	if !ok {
		return fmt.Errorf("unknown voice %q", voice)
	}
	vs.Feedback = level
	return nil
}

func (m *Memory) SetRecordMode(voice, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voices[voice]
	if !ok {
		return fmt.Errorf("unknown voice %q", voice)
	}
	vs.Mode = mode
	return nil
}

func (m *Memory) StartTransport() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		m.running = true
		m.startedAt = time.Now()
		if m.startBar < 1 {
			m.startBar = 1
		}
	}
	return nil
}

func (m *Memory) StopTransport() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *Memory) SetTempo(bpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bpm = bpm
	return nil
}

func (m *Memory) SetKey(root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = root
	return nil
}

func (m *Memory) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// MemorySteps is the in-memory step sequencer.
type MemorySteps struct {
	mu      sync.Mutex
	running bool
	fields  map[string]float64
}

func NewMemorySteps() *MemorySteps {
	return &MemorySteps{fields: make(map[string]float64)}
}

func (s *MemorySteps) SetTrackField(track int, field string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[fmt.Sprintf("track%d.%s", track, field)] = value
	return nil
}

func (s *MemorySteps) SetStageField(track, stage int, field string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[fmt.Sprintf("track%d.stage%d.%s", track, stage, field)] = value
	return nil
}

func (s *MemorySteps) TrackField(track int, field string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fields[fmt.Sprintf("track%d.%s", track, field)]
	return v, ok
}

func (s *MemorySteps) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.fields)+1)
	for k, v := range s.fields {
		out[k] = v
	}
	out["running"] = s.running
	return out
}

func (s *MemorySteps) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *MemorySteps) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// MemoryDrums is the in-memory drum sequencer.
type MemoryDrums struct {
	mu     sync.Mutex
	fields map[string]float64
}

func NewMemoryDrums() *MemoryDrums {
	return &MemoryDrums{fields: make(map[string]float64)}
}

func (d *MemoryDrums) SetStep(lane, step int, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[fmt.Sprintf("lane%d.step%d", lane, step)] = value
	return nil
}

func (d *MemoryDrums) SetLaneField(lane int, field string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[fmt.Sprintf("lane%d.%s", lane, field)] = value
	return nil
}

func (d *MemoryDrums) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		out[k] = v
	}
	return out
}

// MemoryChords is the in-memory chord sequencer.
type MemoryChords struct {
	mu     sync.Mutex
	fields map[string]float64
}

func NewMemoryChords() *MemoryChords {
	return &MemoryChords{fields: make(map[string]float64)}
}

func (c *MemoryChords) SetStep(step int, field string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if field == "" {
		field = "degree"
	}
	c.fields[fmt.Sprintf("step%d.%s", step, field)] = value
	return nil
}

func (c *MemoryChords) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}
