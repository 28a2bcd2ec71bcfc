package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/agentd/internal/process"
)

// EventType defines the kind of registry transition.
type EventType string

const (
	EventSpawn    EventType = "spawn"    // child launched, entered waiting
	EventRegister EventType = "register" // waiting -> running
	EventUnlink   EventType = "unlink"   // removed from running
	EventKill     EventType = "kill"     // SIGTERM sent by the daemon
)

// Event represents a registry transition exported to external systems.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Record     process.Record `json:"record"`
}

// NewEvent stamps a new event with a random id and the current time.
func NewEvent(t EventType, rec process.Record) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds the number of events buffered by a Recorder.
const DefaultQueueSize = 1024

// Recorder fans events out to sinks from a background goroutine so that
// slow sinks never hold up registry transitions. When the queue is full new
// events are dropped and logged.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue chan Event
	done  chan struct{}

	// mu guards closed; Emit holds it shared so Close cannot close the
	// queue under a send.
	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder. A nil or empty sink list yields a recorder
// whose Emit is a no-op.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan Event, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Emit enqueues e for delivery. Events emitted after Close are dropped.
func (r *Recorder) Emit(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Debug("history recorder closed, dropping event", "type", e.Type, "pid", e.Record.PID)
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type, "pid", e.Record.PID)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "type", e.Type, "pid", e.Record.PID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains pending events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
