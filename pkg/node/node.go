// Package node assembles one replicated KV node: the TCP listener, the lane
// router, the consensus bridge, the command processor and the management
// endpoint around an injected consensus engine.
package node

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/amirimatin/go-kvnode/pkg/bridge"
	"github.com/amirimatin/go-kvnode/pkg/command"
	"github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	"github.com/amirimatin/go-kvnode/pkg/notify"
	obsmetrics "github.com/amirimatin/go-kvnode/pkg/observability/metrics"
	"github.com/amirimatin/go-kvnode/pkg/observability/tracing"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	"github.com/amirimatin/go-kvnode/pkg/router"
	"github.com/amirimatin/go-kvnode/pkg/transport/tcp"
)

// Lifecycle is implemented by engines the node starts and stops itself.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Node is one running member of the store.
type Node struct {
	opts Options
	log  *log.Logger

	mu  sync.RWMutex
	run struct {
		started bool
		closed  bool
		cancel  context.CancelFunc
	}
	listener *tcp.Listener
	router   *router.Router
}

// New constructs a Node from validated options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	opts.Resolver = peer.NewResolver(opts.Resolver.Host, opts.Resolver.BasePort)
	if opts.Sender == nil {
		opts.Sender = tcp.Sender
	}
	if opts.ClientAddr == "" {
		opts.ClientAddr = notify.DefaultClientAddr
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.New(opts.ClientAddr, opts.Logger)
	}
	capacity := opts.QueueCap
	if capacity == 0 {
		capacity = router.DefaultQueueCap
	}
	return &Node{opts: opts, log: opts.Logger, router: router.New(router.NewQueues(capacity))}, nil
}

// Start binds the protocol endpoint and launches every task: bridge legs,
// command loop, engine, leader observation and management endpoint. All
// of them stop when ctx is done or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.started {
		return ErrAlreadyStarted
	}
	obsmetrics.Register()
	ctx, cancel := context.WithCancel(ctx)

	n.listener = tcp.NewListener(n.opts.listenAddr(), n.router, n.log)
	if err := n.listener.Start(ctx); err != nil {
		cancel()
		return err
	}
	logutil.Infof(n.log, "node %d listening at %s (peers %v)", n.opts.Identity.ID, n.listener.Addr(), n.opts.Identity.Peers)

	q := n.router.Queues()
	bridge.New(n.opts.Engine, q, n.opts.Resolver, n.opts.Sender, n.log).Start(ctx)
	go command.NewProcessor(n.opts.Engine, n.opts.Notifier, n.log).Run(ctx, q.Command)

	if lc, ok := n.opts.Engine.(Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			cancel()
			_ = n.listener.Stop()
			return err
		}
	}
	if ln, ok := n.opts.Engine.(consensus.LeaderNotifier); ok {
		go n.watchLeader(ctx, ln.LeaderCh())
	}

	if n.opts.RPCServer != nil {
		if err := n.opts.RPCServer.Start(ctx, n.statusJSON); err != nil {
			cancel()
			_ = n.listener.Stop()
			return err
		}
		logutil.Infof(n.log, "management endpoint listening at %s (status/metrics/healthz)", n.opts.RPCServer.Addr())
	}
	n.run.started = true
	n.run.cancel = cancel
	return nil
}

func (n *Node) watchLeader(ctx context.Context, ch <-chan consensus.LeaderInfo) {
	var last consensus.LeaderInfo
	for {
		select {
		case <-ctx.Done():
			return
		case li := <-ch:
			if li == last {
				continue
			}
			last = li
			obsmetrics.LeaderChanges.Inc()
			if li.ID == n.opts.Identity.ID {
				obsmetrics.IsLeader.Set(1)
			} else {
				obsmetrics.IsLeader.Set(0)
			}
			logutil.Infof(n.log, "leader change observed: id=%d term=%d", li.ID, li.Term)
			if n.opts.OnLeaderChange != nil {
				n.opts.OnLeaderChange(li)
			}
		}
	}
}

// Addr returns the bound protocol endpoint.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr()
}

// Identity returns the node id and its peers.
func (n *Node) Identity() peer.Identity { return n.opts.Identity }

// MgmtAddr returns the management endpoint, or "" when none is configured.
func (n *Node) MgmtAddr() string {
	if n.opts.RPCServer == nil {
		return ""
	}
	return n.opts.RPCServer.Addr()
}

// Status returns this node's local view.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	_, end := tracing.StartSpan(ctx, "node.Status")
	defer end()
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.run.started {
		return nil, ErrNotStarted
	}
	s := &Status{
		ID:         n.opts.Identity.ID,
		Peers:      n.opts.Identity.Peers,
		Listen:     n.listener.Addr(),
		ClientAddr: n.opts.ClientAddr,
		Queues:     n.router.Queues().Depths(),
	}
	if s.Peers == nil {
		s.Peers = []uint64{}
	}
	if l, ok := n.opts.Engine.(consensus.Leadership); ok {
		s.Term = l.Term()
		s.IsLeader = l.IsLeader()
		if id, ok := l.Leader(); ok {
			s.LeaderID = id
			s.Healthy = true
		} else {
			s.Warnings = append(s.Warnings, "no leader known")
		}
		if s.IsLeader {
			obsmetrics.IsLeader.Set(1)
		} else {
			obsmetrics.IsLeader.Set(0)
		}
	} else {
		s.Healthy = true
	}
	for lane, depth := range s.Queues {
		obsmetrics.QueueDepth.WithLabelValues(lane).Set(float64(depth))
	}
	return s, nil
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
	s, err := n.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Stop cancels every task and shuts down the engine and the endpoints.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.run.started || n.run.closed {
		return nil
	}
	n.run.closed = true
	n.run.cancel()
	_ = n.listener.Stop()
	if lc, ok := n.opts.Engine.(Lifecycle); ok {
		_ = lc.Stop()
	}
	if n.opts.RPCServer != nil {
		_ = n.opts.RPCServer.Stop(ctx)
	}
	return nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
	return n.Stop(context.Background())
}
