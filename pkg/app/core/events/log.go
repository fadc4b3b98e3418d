package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrSequenceGap = errors.New("event sequence gap")

// Sink receives committed events in sequence order.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Log is the in-memory, append-only copy of the audit log. Sequence
// numbers start at 1 and have no gaps.
type Log struct {
	mu     sync.RWMutex
	events []Event
	sinks  []Sink
	logger *zap.Logger

	// OnSinkError is called for every failed publish, after logging.
	OnSinkError func(sink Sink, err error)
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// AddSink registers s for every event published from now on.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// NextSeq is the sequence number the next appended event must carry.
func (l *Log) NextSeq() uint64 { return l.LastSeq() + 1 }

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Append adds e, which must carry the next sequence number.
func (l *Log) Append(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if want := uint64(len(l.events)) + 1; e.Seq != want {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, e.Seq, want)
	}
	l.events = append(l.events, e)
	return nil
}

// Load replaces the log with a persisted history.
func (l *Log) Load(history []Event) error {
	for i, e := range history {
		if e.Seq != uint64(i)+1 {
			return fmt.Errorf("%w: position %d holds seq %d", ErrSequenceGap, i, e.Seq)
		}
		if err := e.Validate(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.events = append([]Event(nil), history...)
	l.mu.Unlock()
	return nil
}

// Since returns up to limit events with Seq > seq. limit <= 0 means all.
func (l *Log) Since(seq uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.events)) {
		return nil
	}
	out := l.events[seq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Event(nil), out...)
}

// Publish hands e to every sink. A failing sink is logged and skipped; it
// never undoes the event, which is already committed.
func (l *Log) Publish(ctx context.Context, e Event) {
	l.mu.RLock()
	sinks := append([]Sink(nil), l.sinks...)
	l.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, e); err != nil {
			l.logger.Warn("event_publish_failed",
				zap.Uint64("seq", e.Seq),
				zap.String("kind", string(e.Kind)),
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Error(err))
			if l.OnSinkError != nil {
				l.OnSinkError(s, err)
			}
		}
	}
}
