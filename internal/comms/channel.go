// Package comms implements the line-delimited JSON channel between a task
// worker and its supervisor.
//
// Inbound messages arrive on one stream (the worker's stdin). Requests go out
// on a second stream that is only opened once StartupDetails names it. The
// protocol is half-duplex: at most one request is in flight and its reply is
// read before anything else is sent.
package comms

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrNotConnected is returned by Send before the requests descriptor is open.
var ErrNotConnected = errors.New("requests channel not connected")

// ResponseError is an ErrorResponse surfaced as a Go error.
type ResponseError struct {
	Type   ErrorType
	Detail map[string]any
}

func (e *ResponseError) Error() string {
	if len(e.Detail) == 0 {
		return fmt.Sprintf("supervisor error: %s", e.Type)
	}
	return fmt.Sprintf("supervisor error: %s %v", e.Type, e.Detail)
}

// Channel is the worker's end of the supervisor protocol. It is safe for use
// by multiple goroutines; requests are serialized.
type Channel struct {
	in     *bufio.Reader
	open   Opener
	logger *slog.Logger

	mu  sync.Mutex
	out io.WriteCloser
}

// Option configures a Channel.
type Option func(*Channel)

// WithOpener overrides how the requests descriptor is opened.
func WithOpener(o Opener) Option {
	return func(c *Channel) { c.open = o }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// NewChannel creates a channel reading inbound messages from in.
func NewChannel(in io.Reader, opts ...Option) *Channel {
	c := &Channel{
		in:     bufio.NewReader(in),
		open:   OpenDescriptor,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Receive blocks until one message arrives. A StartupDetails naming a
// requests descriptor opens the outbound side as a side effect.
func (c *Channel) Receive() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receive()
}

// Send writes msg without waiting for a reply.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(msg)
}

// Request sends msg and reads the reply while holding the channel, so no
// other request can interleave. Nothing is sent once ctx is done.
func (c *Channel) Request(ctx context.Context, msg Message) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request %s: %w", msg.messageType(), err)
	}
	if err := c.send(msg); err != nil {
		return nil, err
	}
	reply, err := c.receive()
	if err != nil {
		return nil, fmt.Errorf("reply to %s: %w", msg.messageType(), err)
	}
	return reply, nil
}

// Connected reports whether the requests descriptor has been opened.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Close closes the outbound side if it was opened.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return nil
	}
	err := c.out.Close()
	c.out = nil
	return err
}

func (c *Channel) receive() (Message, error) {
	msg, err := ReadMessage(c.in)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			c.logger.Error("unable to decode message", "error", err)
		}
		return nil, err
	}

	if sd, ok := msg.(*StartupDetails); ok && c.out == nil {
		d := Descriptor{FD: sd.RequestsFD, Addr: sd.RequestsAddr}
		if !d.IsZero() {
			out, err := c.open(d)
			if err != nil {
				return nil, fmt.Errorf("open requests descriptor: %w", err)
			}
			c.out = out
		}
	}
	return msg, nil
}

func (c *Channel) send(msg Message) error {
	if c.out == nil {
		return fmt.Errorf("send %s: %w", msg.messageType(), ErrNotConnected)
	}
	c.logger.Debug("sending request", "type", msg.messageType())
	return WriteMessage(c.out, msg)
}

// Expect narrows a Request reply to T. An ErrorResponse becomes a
// *ResponseError; any other unexpected variant is a protocol error.
func Expect[T Message](reply Message, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if er, ok := reply.(*ErrorResponse); ok {
		return zero, &ResponseError{Type: er.Error, Detail: er.Detail}
	}
	got, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected reply %s", ErrProtocol, reply.messageType())
	}
	return got, nil
}
