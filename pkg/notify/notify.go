// Package notify delivers command replies to the client endpoint.
package notify

import (
	"log"

	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-kvnode/pkg/observability/metrics"
	"github.com/amirimatin/go-kvnode/pkg/transport"
	"github.com/amirimatin/go-kvnode/pkg/transport/tcp"
)

// DefaultClientAddr is where replies go unless configured otherwise.
const DefaultClientAddr = "127.0.0.1:12345"

// Notifier sends one reply line per connection. Failures are logged and
// swallowed; a client that is not listening simply misses the reply.
type Notifier struct {
	addr   string
	sender transport.Sender
	logger *log.Logger
}

// New returns a Notifier targeting addr over plain TCP.
func New(addr string, logger *log.Logger) *Notifier {
	if addr == "" {
		addr = DefaultClientAddr
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{addr: addr, sender: tcp.Sender, logger: logger}
}

// Addr returns the client endpoint.
func (n *Notifier) Addr() string { return n.addr }

// Notify writes text followed by a newline to the client endpoint.
func (n *Notifier) Notify(text string) {
	if err := n.sender.Send(n.addr, []byte(text+"\n")); err != nil {
		obsmetrics.NotifyFailures.Inc()
		logutil.Warnf(n.logger, "notify: reply to %s lost: %v", n.addr, err)
	}
}
