package history

import (
	"context"
	"sync"
	"time"
)

// EventType is the per-pid outcome of a reclamation attempt.
type EventType string

const (
	EventTerminated     EventType = "terminated"
	EventWouldTerminate EventType = "would_terminate"
	EventFailed         EventType = "failed"
	EventAlreadyGone    EventType = "already_gone"
)

// Origin names the operation that requested the reclamation.
type Origin string

const (
	OriginNegotiation Origin = "negotiation"
	OriginSweep       Origin = "sweep"
	OriginClose       Origin = "close"
)

// Event is one audited reclamation outcome.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	Origin     Origin    `json:"origin"`
	Mode       string    `json:"mode"`
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Reason     string    `json:"reason,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder keeps events in memory. It backs tests and the embedded API when
// no external sink is configured.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events (oldest dropped); limit <= 0 keeps all.
func NewRecorder(limit int) *Recorder { return &Recorder{limit: limit} }

func (r *Recorder) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Fanout sends every event to each sink and returns the first error.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
