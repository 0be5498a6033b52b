// Package command executes client Get/Put/Snapshot operations against the
// consensus engine and reports one reply line per command.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/envelope"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-kvnode/pkg/observability/metrics"
	"github.com/amirimatin/go-kvnode/pkg/observability/tracing"
)

// Reply texts.
const (
	ReplyNoValue       = "no value for key"
	ReplyStored        = "success: value stored"
	ReplySnapshotTaken = "success: snapshot taken"
)

// Notifier receives the reply of each processed command.
type Notifier interface {
	Notify(text string)
}

// Processor runs commands one at a time in queue order.
type Processor struct {
	engine   consensus.Engine
	notifier Notifier
	logger   *log.Logger
}

// NewProcessor returns a Processor bound to engine and notifier.
func NewProcessor(engine consensus.Engine, notifier Notifier, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{engine: engine, notifier: notifier, logger: logger}
}

// Run consumes serialized command payloads until src closes or ctx is done.
func (p *Processor) Run(ctx context.Context, src <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-src:
			if !ok {
				return
			}
			var cmd envelope.CommandPayload
			if err := json.Unmarshal(b, &cmd); err != nil {
				// The router only queues payloads it decoded itself, so this
				// is not expected; the sender still gets its one reply.
				logutil.Warnf(p.logger, "command: undecodable payload: %v", err)
				obsmetrics.CommandsTotal.WithLabelValues("unknown", "error").Inc()
				p.notifier.Notify(fmt.Sprintf("failure: command not understood: %v", err))
				continue
			}
			p.notifier.Notify(p.Handle(ctx, cmd))
		}
	}
}

// Handle executes one command and returns its reply text.
func (p *Processor) Handle(ctx context.Context, cmd envelope.CommandPayload) string {
	_, end := tracing.StartSpan(ctx, "command."+string(cmd.Operation), "key", cmd.Key)
	defer end()

	var (
		reply  string
		result = "ok"
	)
	switch cmd.Operation {
	case envelope.Get:
		v, found := p.get(cmd.Key)
		if !found {
			reply, result = ReplyNoValue, "miss"
			break
		}
		reply = fmt.Sprintf("this value is: %d", v)
	case envelope.Put:
		if err := p.engine.Append(consensus.KeyValue{Key: cmd.Key, Value: cmd.Value}); err != nil {
			logutil.Warnf(p.logger, "command: put %q failed: %v", cmd.Key, err)
			reply, result = fmt.Sprintf("failure: value not stored: %v", err), "error"
			break
		}
		reply = ReplyStored
	case envelope.Snapshot:
		if err := p.engine.Snapshot(nil, true); err != nil {
			logutil.Warnf(p.logger, "command: snapshot failed: %v", err)
			reply, result = fmt.Sprintf("failure: snapshot not taken: %v", err), "error"
			break
		}
		reply = ReplySnapshotTaken
	default:
		reply, result = fmt.Sprintf("failure: %v: %q", envelope.ErrUnknownOperation, cmd.Operation), "error"
	}
	obsmetrics.CommandsTotal.WithLabelValues(string(cmd.Operation), result).Inc()
	return reply
}

func (p *Processor) get(key string) (uint64, bool) {
	entries, ok := p.engine.ReadEntries(consensus.FullRange)
	if !ok {
		return 0, false
	}
	return Reconstruct(entries, key)
}
