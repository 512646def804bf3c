package eventlog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events"
)

// MemoryLog implements Log with in-process storage. Replay works within the
// process lifetime only; crash recovery is lossy by definition and the
// coordinator logs that at startup when no bus is configured.
type MemoryLog struct {
	streams map[string]*memoryStream
	mu      sync.RWMutex
	logger  *logger.Logger
	closed  bool
}

type memoryStream struct {
	events []*events.Event
	seq    uint64
	subs   []*memorySubscription
	mu     sync.RWMutex
}

type memorySubscription struct {
	stream  *memoryStream
	handler Handler
	active  bool
	mu      sync.Mutex
}

// NewMemoryLog creates a new in-memory event log.
func NewMemoryLog(log *logger.Logger) *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memoryStream),
		logger:  log.WithFields(zap.String("component", "eventlog")),
	}
}

func (l *MemoryLog) stream(name string) *memoryStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		s = &memoryStream{}
		l.streams[name] = s
	}
	return s
}

// Append stores the event and fans it out to live subscribers.
func (l *MemoryLog) Append(ctx context.Context, stream string, event *events.Event) (uint64, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	s := l.stream(stream)

	s.mu.Lock()
	s.seq++
	event.Seq = s.seq
	stored := *event
	s.events = append(s.events, &stored)
	subs := make([]*memorySubscription, len(s.subs))
	copy(subs, s.subs)
	seq := s.seq
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if err := sub.handler(ctx, &stored); err != nil {
			l.logger.Error("event handler failed",
				zap.String("stream", stream),
				zap.String("kind", event.Kind),
				zap.Error(err))
		}
	}

	return seq, nil
}

// Replay invokes the handler for stored events with seq >= fromSeq.
func (l *MemoryLog) Replay(ctx context.Context, stream string, fromSeq uint64, handler Handler) (uint64, error) {
	s := l.stream(stream)

	s.mu.RLock()
	snapshot := make([]*events.Event, len(s.events))
	copy(snapshot, s.events)
	s.mu.RUnlock()

	var last uint64
	for _, e := range snapshot {
		if e.Seq < fromSeq {
			continue
		}
		if err := handler(ctx, e); err != nil {
			return last, err
		}
		last = e.Seq
	}
	return last, nil
}

// Subscribe registers a live handler for the stream.
func (l *MemoryLog) Subscribe(stream string, handler Handler) (Subscription, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	s := l.stream(stream)
	sub := &memorySubscription{stream: s, handler: handler, active: true}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return sub, nil
}

// Close deactivates all subscriptions.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, s := range l.streams {
		s.mu.Lock()
		for _, sub := range s.subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		s.subs = nil
		s.mu.Unlock()
	}
}

// Unsubscribe removes the subscription from its stream.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	for i, sub := range s.stream.subs {
		if sub == s {
			s.stream.subs = append(s.stream.subs[:i], s.stream.subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
