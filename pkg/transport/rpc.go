package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// RPCServer exposes management endpoints (status, health, metrics).
type RPCServer interface {
	Start(ctx context.Context, status StatusFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient queries another node's management endpoint using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
}
