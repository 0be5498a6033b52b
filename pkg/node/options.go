package node

import (
	"errors"
	"log"

	"github.com/amirimatin/go-kvnode/pkg/command"
	"github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	"github.com/amirimatin/go-kvnode/pkg/transport"
)

// Options carries the identity, endpoints and injected collaborators of a
// node. Instances are typically produced from bootstrap.Config.
type Options struct {
	// Identity is this node's id and its fixed peer set.
	Identity peer.Identity
	// Resolver maps ids to protocol endpoints.
	Resolver peer.Resolver
	// ListenAddr overrides the endpoint derived from Identity.ID. Useful
	// with port 0 in tests.
	ListenAddr string
	// ClientAddr receives command replies.
	ClientAddr string
	// QueueCap sizes each lane queue; zero means router.DefaultQueueCap.
	QueueCap int

	// Engine is the replicated log. Required.
	Engine consensus.Engine
	// Sender delivers outbound protocol messages; defaults to plain TCP.
	Sender transport.Sender
	// Notifier overrides the TCP reply channel.
	Notifier command.Notifier

	// Optional management endpoint.
	RPCServer transport.RPCServer

	Logger *log.Logger

	// OnLeaderChange is called for every leadership update the engine reports.
	OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity.
func (o Options) Validate() error {
	if o.Identity.ID == 0 {
		return errors.New("node: id must be non-zero")
	}
	for _, p := range o.Identity.Peers {
		if p == o.Identity.ID {
			return errors.New("node: peers must not include the node itself")
		}
	}
	if o.Engine == nil {
		return ErrNoEngine
	}
	if o.QueueCap < 0 {
		return errors.New("node: negative queue capacity")
	}
	return nil
}

func (o Options) listenAddr() string {
	if o.ListenAddr != "" {
		return o.ListenAddr
	}
	return o.Resolver.Resolve(o.Identity.ID)
}
