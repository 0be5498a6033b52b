// Package router demultiplexes decoded envelopes onto bounded per-lane
// queues.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amirimatin/go-kvnode/pkg/envelope"
	obsmetrics "github.com/amirimatin/go-kvnode/pkg/observability/metrics"
	"github.com/amirimatin/go-kvnode/pkg/transport"
)

// DefaultQueueCap is the capacity of each lane queue.
const DefaultQueueCap = 24

// Queues holds one bounded FIFO of serialized payloads per lane.
type Queues struct {
	Election    chan []byte
	Replication chan []byte
	Command     chan []byte
}

// NewQueues allocates the three lane queues with the given capacity
// (DefaultQueueCap when capacity <= 0).
func NewQueues(capacity int) Queues {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return Queues{
		Election:    make(chan []byte, capacity),
		Replication: make(chan []byte, capacity),
		Command:     make(chan []byte, capacity),
	}
}

// For returns the queue of lane, or nil for an unknown lane.
func (q Queues) For(lane envelope.Lane) chan []byte {
	switch lane {
	case envelope.Election:
		return q.Election
	case envelope.Replication:
		return q.Replication
	case envelope.Command:
		return q.Command
	}
	return nil
}

// Depths reports the number of items waiting in each queue.
func (q Queues) Depths() map[string]int {
	return map[string]int{
		string(envelope.Election):    len(q.Election),
		string(envelope.Replication): len(q.Replication),
		string(envelope.Command):     len(q.Command),
	}
}

// Router forwards envelope payloads to their lane queue. It is a pure
// dispatch: payloads are re-serialized, never interpreted.
type Router struct {
	q Queues
}

func New(q Queues) *Router { return &Router{q: q} }

// Queues returns the queues the router feeds.
func (r *Router) Queues() Queues { return r.q }

// Route blocks until the payload is enqueued or ctx is done. A full queue
// stalls the caller; nothing is dropped.
func (r *Router) Route(ctx context.Context, env envelope.Envelope) error {
	q := r.q.For(env.Lane)
	if q == nil {
		return fmt.Errorf("%w: %q", envelope.ErrUnknownLane, env.Lane)
	}
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("router: encode %s payload: %w", env.Lane, err)
	}
	select {
	case q <- b:
	case <-ctx.Done():
		return ctx.Err()
	}
	obsmetrics.EnvelopesRouted.WithLabelValues(string(env.Lane)).Inc()
	obsmetrics.QueueDepth.WithLabelValues(string(env.Lane)).Set(float64(len(q)))
	return nil
}

var _ transport.Handler = (*Router)(nil)
