// Package bridge moves consensus protocol traffic between the lane queues,
// the network and the engine's own channels.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/envelope"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-kvnode/pkg/observability/metrics"
	"github.com/amirimatin/go-kvnode/pkg/router"
	"github.com/amirimatin/go-kvnode/pkg/transport"
)

// Resolver maps a node id to its endpoint.
type Resolver interface {
	Resolve(id uint64) string
}

// pump applies step to every item of src, in order, until src is closed or
// ctx is done.
func pump[T any](ctx context.Context, src <-chan T, step func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-src:
			if !ok {
				return
			}
			step(item)
		}
	}
}

// Outbound sends engine-produced messages to their destination peer, one
// connection per message. Delivery is at most once: a failed send is logged
// and the message dropped.
type Outbound[T consensus.Addressed] struct {
	Lane     envelope.Lane
	Source   <-chan T
	Resolver Resolver
	Sender   transport.Sender
	Logger   *log.Logger
}

// Run drains Source until it closes or ctx is done.
func (o Outbound[T]) Run(ctx context.Context) {
	pump(ctx, o.Source, func(m T) {
		if err := o.forward(m); err != nil {
			obsmetrics.BridgeDropped.WithLabelValues(string(o.Lane), "out").Inc()
			logutil.Warnf(o.Logger, "bridge: %s message to node %d dropped: %v", o.Lane, m.Destination(), err)
			return
		}
		obsmetrics.BridgeSent.WithLabelValues(string(o.Lane)).Inc()
	})
}

func (o Outbound[T]) forward(m T) error {
	line, err := envelope.Encode(envelope.Envelope{Lane: o.Lane, Payload: m})
	if err != nil {
		return err
	}
	return o.Sender.Send(o.Resolver.Resolve(m.Destination()), line)
}

// Inbound decodes routed payloads and hands them to the engine. The engine
// channel must stay open for the process lifetime; a closed channel is an
// invariant violation and panics.
type Inbound[T any] struct {
	Lane   envelope.Lane
	Source <-chan []byte
	Sink   chan<- T
	Logger *log.Logger
}

// Run drains Source until it closes or ctx is done.
func (i Inbound[T]) Run(ctx context.Context) {
	pump(ctx, i.Source, func(b []byte) {
		var m T
		if err := json.Unmarshal(b, &m); err != nil {
			obsmetrics.BridgeDropped.WithLabelValues(string(i.Lane), "in").Inc()
			logutil.Warnf(i.Logger, "bridge: undecodable %s payload dropped: %v", i.Lane, err)
			return
		}
		i.deliver(ctx, m)
	})
}

func (i Inbound[T]) deliver(ctx context.Context, m T) {
	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Sprintf("bridge: %s engine channel closed: %v", i.Lane, r))
		}
	}()
	select {
	case i.Sink <- m:
		obsmetrics.BridgeDelivered.WithLabelValues(string(i.Lane)).Inc()
	case <-ctx.Done():
	}
}

// Bridge runs the four legs between an engine and the lane queues.
type Bridge struct {
	engine   consensus.Engine
	queues   router.Queues
	resolver Resolver
	sender   transport.Sender
	logger   *log.Logger
}

// New wires a Bridge. Nothing runs until Start.
func New(engine consensus.Engine, queues router.Queues, resolver Resolver, sender transport.Sender, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{engine: engine, queues: queues, resolver: resolver, sender: sender, logger: logger}
}

// Start launches the election and replication legs in both directions.
// They stop when ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	go Outbound[consensus.ElectionMessage]{
		Lane: envelope.Election, Source: b.engine.ElectionOutbound(),
		Resolver: b.resolver, Sender: b.sender, Logger: b.logger,
	}.Run(ctx)
	go Outbound[consensus.ReplicationMessage]{
		Lane: envelope.Replication, Source: b.engine.ReplicationOutbound(),
		Resolver: b.resolver, Sender: b.sender, Logger: b.logger,
	}.Run(ctx)
	go Inbound[consensus.ElectionMessage]{
		Lane: envelope.Election, Source: b.queues.Election,
		Sink: b.engine.ElectionInbound(), Logger: b.logger,
	}.Run(ctx)
	go Inbound[consensus.ReplicationMessage]{
		Lane: envelope.Replication, Source: b.queues.Replication,
		Sink: b.engine.ReplicationInbound(), Logger: b.logger,
	}.Run(ctx)
}
