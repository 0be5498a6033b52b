// Package tcp carries envelopes over plain TCP: a listener that frames each
// connection into lines, and a connect-send-close sender.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/amirimatin/go-kvnode/pkg/envelope"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-kvnode/pkg/observability/metrics"
	"github.com/amirimatin/go-kvnode/pkg/transport"
)

// Listener accepts inbound connections and decodes one envelope per line.
// Every connection is served by its own goroutine; a bad line closes only
// that connection. Lines are not size-limited.
type Listener struct {
	bind    string
	handler transport.Handler
	logger  *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewListener prepares a listener on bind (e.g. "127.0.0.1:11001"). It does
// not open the socket; call Start.
func NewListener(bind string, h transport.Handler, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{bind: bind, handler: h, logger: logger, conns: make(map[net.Conn]struct{})}
}

// Start binds the socket and launches the accept loop. The listener is
// closed when ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.bind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.ln = ln
	l.cancel = cancel
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = l.Stop()
	}()
	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.bind
}

// Stop closes the listening socket and every live connection.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			logutil.Warnf(l.logger, "tcp: accept on %s: %v", l.bind, err)
			continue
		}
		if !l.track(conn) {
			_ = conn.Close()
			return
		}
		obsmetrics.ConnectionsTotal.Inc()
		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			env, derr := envelope.Decode(line)
			if derr != nil {
				obsmetrics.DecodeErrors.Inc()
				logutil.Warnf(l.logger, "tcp: closing %s: %v", conn.RemoteAddr(), derr)
				return
			}
			if rerr := l.handler.Route(ctx, env); rerr != nil {
				logutil.Warnf(l.logger, "tcp: route %s envelope from %s: %v", env.Lane, conn.RemoteAddr(), rerr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.isClosed() {
				logutil.Warnf(l.logger, "tcp: read %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (l *Listener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

var _ transport.Transport = (*Listener)(nil)
