// Package feed carries the engine's outward event streams: conjunction
// alerts at watch tier or above, and maneuver plan lifecycle transitions.
//
// Each feed is an append-only, monotonically sequenced log with a bounded
// in-memory tail. Consumers either poll Since with the last sequence they
// saw or subscribe for live delivery; the sequence numbers let them detect
// and repair gaps after a disconnect or a dropped send.
package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/star/kessler/internal/metrics"
)

// Event is one feed entry. Data holds the payload marshaled once at append
// time so fan-out does not re-encode per subscriber.
type Event struct {
	Seq  uint64          `json:"seq"`
	At   time.Time       `json:"at"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Log is a sequenced ring of events with live subscribers.
type Log struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	buf     []Event // ring, oldest at head when full
	start   int
	count   int
	nextSeq uint64
	subs    map[int]chan Event
	nextSub int
	dropped uint64
}

const defaultCapacity = 1024

// NewLog creates a feed retaining the most recent capacity events.
func NewLog(name string, capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{
		name:    name,
		logger:  logger,
		buf:     make([]Event, capacity),
		nextSeq: 1,
		subs:    make(map[int]chan Event),
	}
}

// Append marshals the payload, assigns the next sequence number, stores the
// event, and offers it to every live subscriber. Subscribers that cannot
// keep up miss the event and recover through Since.
func (l *Log) Append(eventType string, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("feed %s: marshal %s event: %w", l.name, eventType, err)
	}

	l.mu.Lock()
	ev := Event{Seq: l.nextSeq, At: at, Type: eventType, Data: data}
	l.nextSeq++

	idx := (l.start + l.count) % len(l.buf)
	if l.count == len(l.buf) {
		l.start = (l.start + 1) % len(l.buf)
		l.buf[idx] = ev
	} else {
		l.buf[idx] = ev
		l.count++
	}

	var lagging int
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			lagging++
		}
	}
	if lagging > 0 {
		l.dropped += uint64(lagging)
	}
	l.mu.Unlock()

	if lagging > 0 {
		metrics.AddFeedDropped(l.name, lagging)
		l.logger.Warn("feed subscribers lagging",
			"feed", l.name,
			"seq", ev.Seq,
			"lagging", lagging,
		)
	}
	return ev, nil
}

// Since returns the retained events with sequence numbers greater than seq,
// oldest first. A consumer that fell behind the ring simply gets the oldest
// retained tail; the gap shows in the sequence numbers.
func (l *Log) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		ev := l.buf[(l.start+i)%len(l.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// LatestSeq returns the sequence number of the newest event, 0 when empty.
func (l *Log) LatestSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Name returns the feed name given at construction.
func (l *Log) Name() string { return l.name }

// Dropped returns the number of live deliveries skipped for slow subscribers.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Subscribe registers a live consumer. The returned cancel function must be
// called to release the subscription; after cancel the channel is closed.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
