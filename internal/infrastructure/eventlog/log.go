// Package eventlog is the append-only sequenced event log and its live
// broadcaster. It is owned exclusively by the control-plane run loop: no
// locks, every call happens on the loop.
package eventlog

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/instrument-hub/instrument-hub/internal/domain/event"
)

// Subscriber receives marshaled events. A false return means the
// subscriber cannot keep up and will be dropped.
type Subscriber interface {
	Send(raw []byte) bool
}

// Log is the capped, monotonically sequenced event log plus the live
// subscriber set. Trimming the cap can open a sequence gap for replaying
// subscribers; Subscribe signals it with a synthetic gap event.
type Log struct {
	logger zerolog.Logger
	cap    int

	entries      []*event.Event
	nextSeq      uint64
	stateVersion uint64

	subscribers map[Subscriber]struct{}
}

func New(capacity int, logger zerolog.Logger) *Log {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Log{
		logger:      logger.With().Str("service", "eventlog").Logger(),
		cap:         capacity,
		nextSeq:     1,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// StateVersion is the global monotonic mutation counter.
func (l *Log) StateVersion() uint64 { return l.stateVersion }

// BumpVersion increments the state version for one accepted mutation.
func (l *Log) BumpVersion() uint64 {
	l.stateVersion++
	return l.stateVersion
}

// Append assigns the next seq, stores the event, trims past the cap and
// pushes to every live subscriber.
func (l *Log) Append(eventType, sessionID string, payload map[string]any) *event.Event {
	now := time.Now().UTC()
	ev := &event.Event{
		EventID:      event.NewID(now),
		Seq:          l.nextSeq,
		Type:         eventType,
		TS:           now,
		SessionID:    sessionID,
		StateVersion: l.stateVersion,
		Payload:      payload,
	}
	l.nextSeq++
	l.entries = append(l.entries, ev)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error().Err(err).Str("type", eventType).Msg("event marshal failed")
		return ev
	}
	for sub := range l.subscribers {
		if !sub.Send(raw) {
			delete(l.subscribers, sub)
			l.logger.Warn().Str("type", eventType).Msg("dropped slow subscriber")
		}
	}
	return ev
}

// Subscribe registers a subscriber, first catching it up past afterSeq.
// If trimming removed events it has not seen, a synthetic gap event goes
// out before the retained backlog. Gap events are never appended to the
// log: appending would consume seqs and open further gaps.
func (l *Log) Subscribe(sub Subscriber, afterSeq uint64) {
	if first, ok := l.firstRetained(); ok && afterSeq+1 < first {
		gap := &event.Event{
			EventID:      event.NewID(time.Now().UTC()),
			Seq:          first - 1,
			Type:         event.TypeGapDetected,
			TS:           time.Now().UTC(),
			StateVersion: l.stateVersion,
			Payload: map[string]any{
				"expectedSeq": afterSeq + 1,
				"actualSeq":   first,
				"resync":      "GET /v1/state",
			},
		}
		if raw, err := json.Marshal(gap); err == nil {
			if !sub.Send(raw) {
				return
			}
		}
	}
	for _, ev := range l.entries {
		if ev.Seq <= afterSeq {
			continue
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if !sub.Send(raw) {
			return
		}
	}
	l.subscribers[sub] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (l *Log) Unsubscribe(sub Subscriber) {
	delete(l.subscribers, sub)
}

// SubscriberCount reports live subscribers.
func (l *Log) SubscriberCount() int { return len(l.subscribers) }

func (l *Log) firstRetained() (uint64, bool) {
	if len(l.entries) == 0 {
		// everything before nextSeq is gone
		if l.nextSeq > 1 {
			return l.nextSeq, true
		}
		return 0, false
	}
	return l.entries[0].Seq, true
}

// Filter narrows History reads.
type Filter struct {
	AfterSeq  uint64
	BeforeSeq uint64
	Type      string
	SessionID string
	Limit     int
}

// History returns retained events matching the filter, oldest first.
func (l *Log) History(f Filter) []*event.Event {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := make([]*event.Event, 0, limit)
	for _, ev := range l.entries {
		if ev.Seq <= f.AfterSeq {
			continue
		}
		if f.BeforeSeq > 0 && ev.Seq >= f.BeforeSeq {
			break
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.SessionID != "" && ev.SessionID != f.SessionID {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}
