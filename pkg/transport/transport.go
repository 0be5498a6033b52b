package transport

import (
	"context"

	"github.com/amirimatin/go-kvnode/pkg/envelope"
)

// Transport exposes the local advertised address of a bound listener.
type Transport interface {
	// Addr returns the local bind/advertise address if applicable.
	Addr() string
}

// Handler consumes decoded envelopes. Route may block; a returned error
// aborts the connection that delivered env.
type Handler interface {
	Route(ctx context.Context, env envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

func (f HandlerFunc) Route(ctx context.Context, env envelope.Envelope) error { return f(ctx, env) }

// Sender delivers one already-encoded message to addr, best effort.
type Sender interface {
	Send(addr string, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(addr string, payload []byte) error

func (f SenderFunc) Send(addr string, payload []byte) error { return f(addr, payload) }
