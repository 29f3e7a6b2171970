// Package eventlog is the per-session ordered event stream: an append-only
// ring buffer for bounded replay plus a broadcast fan-out for live consumers.
// SSE resume is built on it — subscribers come back with their last seen id
// and either replay the gap from the ring or receive a gap signal.
package eventlog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stakpak/agentd/pkg/protocol"
)

// DefaultCapacity is the per-session ring size when none is configured.
const DefaultCapacity = 256

// subscriberBuffer bounds each live channel. A consumer that falls this far
// behind is dropped and must re-subscribe with its last seen id.
const subscriberBuffer = 64

// GapInfo signals that a subscriber resumed past the ring's horizon.
type GapInfo struct {
	RequestedAfterID  uint64
	OldestAvailableID uint64
}

// Subscription is the result of subscribing to a session's stream.
type Subscription struct {
	// Replay holds resident envelopes with id > the requested last id, in order.
	Replay []protocol.EventEnvelope
	// Live receives envelopes published after the subscription was taken.
	// Closed when the subscriber is dropped or cancelled.
	Live <-chan protocol.EventEnvelope
	// Gap is non-nil when events between the requested id and the oldest
	// resident envelope have been evicted.
	Gap *GapInfo

	cancel func()
}

// Close detaches the subscriber from the fan-out.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Log owns the ring buffers and fan-out for all sessions in the process.
type Log struct {
	capacity int

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	mu     sync.Mutex
	nextID uint64
	ring   []protocol.EventEnvelope // ordered, at most capacity entries
	subs   map[int]chan protocol.EventEnvelope
	nextSub int
}

// New creates a log with the given per-session ring capacity.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		sessions: make(map[string]*sessionLog),
	}
}

func (l *Log) session(sessionID string) *sessionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		s = &sessionLog{
			nextID: 1,
			subs:   make(map[int]chan protocol.EventEnvelope),
		}
		l.sessions[sessionID] = s
	}
	return s
}

// Publish appends an event to the session's stream and broadcasts it.
// Returns the assigned envelope id (per-session monotonic, starting at 1).
func (l *Log) Publish(sessionID, runID string, event protocol.AgentEvent) uint64 {
	s := l.session(sessionID)

	s.mu.Lock()
	env := protocol.EventEnvelope{
		ID:        s.nextID,
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}
	s.nextID++

	s.ring = append(s.ring, env)
	if len(s.ring) > l.capacity {
		s.ring = s.ring[len(s.ring)-l.capacity:]
	}

	// Fan out without blocking the publisher. A full buffer means the
	// consumer lagged past its window; drop it rather than stall the run.
	for id, ch := range s.subs {
		select {
		case ch <- env:
		default:
			delete(s.subs, id)
			close(ch)
			slog.Debug("eventlog: dropped lagged subscriber", "session", sessionID, "subscriber", id)
		}
	}
	s.mu.Unlock()

	return env.ID
}

// Subscribe attaches a consumer to the session's stream. lastEventID is the
// highest envelope id the consumer has already seen; 0 means from the start.
func (l *Log) Subscribe(sessionID string, lastEventID uint64) *Subscription {
	s := l.session(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{}

	if len(s.ring) > 0 {
		oldest := s.ring[0].ID
		if lastEventID+1 < oldest {
			sub.Gap = &GapInfo{
				RequestedAfterID:  lastEventID,
				OldestAvailableID: oldest,
			}
		}
		for _, env := range s.ring {
			if env.ID > lastEventID {
				sub.Replay = append(sub.Replay, env)
			}
		}
	} else if lastEventID >= s.nextID && s.nextID > 1 {
		// Consumer claims to be ahead of everything we ever published.
		sub.Gap = &GapInfo{RequestedAfterID: lastEventID, OldestAvailableID: s.nextID}
	}

	ch := make(chan protocol.EventEnvelope, subscriberBuffer)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	sub.Live = ch
	sub.cancel = func() {
		s.mu.Lock()
		if live, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(live)
		}
		s.mu.Unlock()
	}

	return sub
}

// LastID returns the most recently assigned envelope id for a session,
// or 0 when nothing has been published.
func (l *Log) LastID(sessionID string) uint64 {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID - 1
}

// Drop discards a session's ring and disconnects its subscribers.
// Called when a session is deleted.
func (l *Log) Drop(sessionID string) {
	l.mu.Lock()
	s, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
}
