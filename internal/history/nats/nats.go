package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/agentd/internal/history"
)

// DefaultSubject is the subject prefix used when the DSN names none.
// Events are published to "<prefix>.<event type>".
const DefaultSubject = "agentd.history"

// Sink publishes events as JSON messages on a NATS subject.
type Sink struct {
	nc      *nats.Conn
	subject string
}

// New connects to url (nats://host:port).
func New(url, subject string) (*Sink, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("agentd-history"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Sink{nc: nc, subject: strings.TrimSuffix(subject, ".")}, nil
}

// Subject returns the subject an event of type t is published on.
func (s *Sink) Subject(t history.EventType) string {
	return s.subject + "." + string(t)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.Subject(e.Type))
	msg.Data = b
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	if err := s.nc.PublishMsg(msg); err != nil {
		return err
	}
	// Flush so delivery failures surface to the caller.
	return s.nc.FlushWithContext(ctx)
}

func (s *Sink) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}
