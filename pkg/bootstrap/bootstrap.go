package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	cns "github.com/amirimatin/go-kvnode/pkg/consensus"
	consraft "github.com/amirimatin/go-kvnode/pkg/consensus/raft"
	"github.com/amirimatin/go-kvnode/pkg/discovery"
	"github.com/amirimatin/go-kvnode/pkg/node"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	"github.com/amirimatin/go-kvnode/pkg/security/tlsconfig"
	"github.com/amirimatin/go-kvnode/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-kvnode/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-kvnode/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID uint64
	Peers  []uint64
	// PeerSource, when set, contributes additional peer ids read at Build.
	// Peers and the source are merged, deduplicated and stripped of NodeID.
	PeerSource discovery.Source
	Host       string // peer host, default 127.0.0.1
	BasePort   uint16 // node n listens on BasePort+n, default 11000
	// ListenAddr overrides the derived protocol endpoint.
	ListenAddr string
	ClientAddr string // reply endpoint, default 127.0.0.1:12345
	QueueCap   int    // per-lane queue capacity, default 24

	// Management API (status/metrics/healthz); disabled when MgmtAddr is empty.
	MgmtAddr  string
	MgmtProto string // "http" (default) or "grpc"
	MgmtTLS   tlsconfig.Options

	// Persistence
	DataDir string // empty → in-memory

	// Raft tuning (optional). Zero means defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	RPCTimeout       time.Duration
	RaftLogLevel     string

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger

	OnLeaderChange func(info cns.LeaderInfo)
}

// NewMgmtServer returns the management server for proto, serving TLS when
// tlsOpts is enabled.
func NewMgmtServer(proto, addr string, tlsOpts tlsconfig.Options, logger *log.Logger) (transport.RPCServer, error) {
	cfg, err := tlsOpts.Server()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: management tls: %w", err)
	}
	switch proto {
	case "", "http":
		return httpjson.NewServer(addr, logger).UseTLS(cfg), nil
	case "grpc":
		return mgmtgrpc.NewServer(addr).UseTLS(cfg), nil
	}
	return nil, fmt.Errorf("bootstrap: unknown management protocol %q", proto)
}

// NewMgmtClient returns a management client for proto.
func NewMgmtClient(proto string, timeout time.Duration, tlsOpts tlsconfig.Options) (transport.RPCClient, error) {
	cfg, err := tlsOpts.Client()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: management tls: %w", err)
	}
	switch proto {
	case "", "http":
		return httpjson.NewClient(timeout).UseTLS(cfg), nil
	case "grpc":
		return mgmtgrpc.NewClient(timeout).UseTLS(cfg), nil
	}
	return nil, fmt.Errorf("bootstrap: unknown management protocol %q", proto)
}

// Build assembles a node.Node from Config without starting it.
func Build(cfg Config) (*node.Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	ids := append([]uint64(nil), cfg.Peers...)
	if cfg.PeerSource != nil {
		more, err := cfg.PeerSource.Peers()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: peers: %w", err)
		}
		ids = append(ids, more...)
	}
	cfg.Peers = discovery.Normalize(cfg.NodeID, ids)
	id := peer.Identity{ID: cfg.NodeID, Peers: cfg.Peers}

	eng, err := consraft.New(consraft.Options{
		NodeID:           cfg.NodeID,
		Peers:            cfg.Peers,
		Logger:           cfg.Logger,
		LogLevel:         cfg.RaftLogLevel,
		Bootstrap:        true,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ElectionTimeout:  cfg.ElectionTimeout,
		RPCTimeout:       cfg.RPCTimeout,
		QueueCap:         cfg.QueueCap,
		DataDir:          cfg.DataDir,
	})
	if err != nil {
		return nil, err
	}

	var srv transport.RPCServer
	if cfg.MgmtAddr != "" {
		if srv, err = NewMgmtServer(cfg.MgmtProto, cfg.MgmtAddr, cfg.MgmtTLS, cfg.Logger); err != nil {
			return nil, err
		}
	}

	return node.New(node.Options{
		Identity:       id,
		Resolver:       peer.NewResolver(cfg.Host, cfg.BasePort),
		ListenAddr:     cfg.ListenAddr,
		ClientAddr:     cfg.ClientAddr,
		QueueCap:       cfg.QueueCap,
		Engine:         eng,
		RPCServer:      srv,
		Logger:         cfg.Logger,
		OnLeaderChange: cfg.OnLeaderChange,
	})
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
