// Package dispatch maps command names received on the public and privileged
// channels to process manager operations.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is a routing failure: unknown or internal name, wrong
	// channel or wrong method.
	ErrNotFound = errors.New("command not found")
	// ErrBadRequest is returned for bodies that cannot be decoded into the
	// command's parameters.
	ErrBadRequest = errors.New("bad request")
)

// Channel identifies the trust boundary a request arrived on.
type Channel int

const (
	Public Channel = iota
	Privileged
)

func (c Channel) String() string {
	if c == Privileged {
		return "privileged"
	}
	return "public"
}

// InternalPrefix marks names that are never routable.
const InternalPrefix = "_"

// Handler runs a command. A nil result yields a bare acknowledgment.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

// Command binds a name to a handler.
type Command struct {
	Name    string
	Method  string // http.MethodGet or http.MethodPost
	Channel Channel
	Handler Handler
}

// Reachable reports whether the command may be invoked from ch. The
// privileged channel reaches every command; the public one only public
// commands.
func (c Command) Reachable(ch Channel) bool {
	return c.Channel == Public || ch == Privileged
}

// Envelope is the success response shape.
type Envelope struct {
	Success  int `json:"success"`
	Response any `json:"response,omitempty"`
}

// Dispatcher is an explicit command table, populated at startup.
type Dispatcher struct {
	cmds map[string]Command
	log  *slog.Logger
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cmds: map[string]Command{}, log: logger.With("component", "dispatch")}
}

// Add registers c. Internal names, duplicates and missing handlers are
// programming errors.
func (d *Dispatcher) Add(c Command) error {
	switch {
	case c.Name == "" || strings.HasPrefix(c.Name, InternalPrefix):
		return fmt.Errorf("invalid command name %q", c.Name)
	case c.Handler == nil:
		return fmt.Errorf("command %s: nil handler", c.Name)
	case c.Method != http.MethodGet && c.Method != http.MethodPost:
		return fmt.Errorf("command %s: unsupported method %q", c.Name, c.Method)
	}
	if _, dup := d.cmds[c.Name]; dup {
		return fmt.Errorf("command %s already registered", c.Name)
	}
	d.cmds[c.Name] = c
	return nil
}

// Commands lists the commands reachable from ch sorted by name.
func (d *Dispatcher) Commands(ch Channel) []Command {
	out := make([]Command, 0, len(d.cmds))
	for _, c := range d.cmds {
		if c.Reachable(ch) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves name for a request on ch using method.
func (d *Dispatcher) Lookup(ch Channel, method, name string) (Command, error) {
	if strings.HasPrefix(name, InternalPrefix) {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	c, ok := d.cmds[name]
	if !ok || !c.Reachable(ch) || c.Method != method {
		return Command{}, fmt.Errorf("%w: %s %s", ErrNotFound, method, name)
	}
	return c, nil
}

// Dispatch resolves and runs a command. Routing failures wrap ErrNotFound,
// undecodable bodies wrap ErrBadRequest; anything else is an internal error.
func (d *Dispatcher) Dispatch(ctx context.Context, ch Channel, method, name string, body []byte) (Envelope, error) {
	c, err := d.Lookup(ch, method, name)
	if err != nil {
		d.log.Debug("route rejected", "channel", ch.String(), "method", method, "command", name)
		return Envelope{}, err
	}
	resp, err := c.Handler(ctx, bytes.TrimSpace(body))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Success: 1, Response: resp}, nil
}

var validate = validator.New()

// Decode unmarshals body into v and validates its struct tags. An empty body
// decodes as an empty object.
func Decode(body json.RawMessage, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
