package tcp

import (
	"net"

	"github.com/amirimatin/go-kvnode/pkg/transport"
)

// Send opens a fresh connection to addr, writes payload and closes. There is
// no retry and no connection reuse: delivery is at most once.
func Send(addr string, payload []byte) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}

// Sender is Send as a transport.Sender.
var Sender transport.Sender = transport.SenderFunc(Send)
