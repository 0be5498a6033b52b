package node

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/consensus/consensustest"
	raftcons "github.com/amirimatin/go-kvnode/pkg/consensus/raft"
	"github.com/amirimatin/go-kvnode/pkg/envelope"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	"github.com/amirimatin/go-kvnode/pkg/transport/tcp"
)

var quiet = log.New(io.Discard, "", 0)

// clientEndpoint collects reply lines the way kvctl listen does.
func clientEndpoint(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	lines := make(chan string, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}(c)
		}
	}()
	return ln.Addr().String(), lines
}

func send(t *testing.T, addr string, op envelope.Operation, key string, value uint64) {
	t.Helper()
	b, err := envelope.Encode(envelope.NewCommand(op, key, value))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := tcp.Send(addr, b); err != nil {
		t.Fatalf("send %s: %v", op, err)
	}
}

func expect(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	select {
	case got := <-lines:
		if got != want {
			t.Fatalf("reply = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestOptions_Validate(t *testing.T) {
	eng := consensustest.New(1)
	cases := []struct {
		name string
		opts Options
	}{
		{"zero id", Options{Engine: eng}},
		{"self peer", Options{Identity: peer.Identity{ID: 1, Peers: []uint64{1}}, Engine: eng}},
		{"no engine", Options{Identity: peer.Identity{ID: 1}}},
		{"negative cap", Options{Identity: peer.Identity{ID: 1}, Engine: eng, QueueCap: -1}},
	}
	for _, tc := range cases {
		if _, err := New(tc.opts); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestNode_CommandsEndToEnd(t *testing.T) {
	clientAddr, lines := clientEndpoint(t)
	n, err := New(Options{
		Identity:   peer.Identity{ID: 1},
		ListenAddr: "127.0.0.1:0",
		ClientAddr: clientAddr,
		Engine:     consensustest.New(4),
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := n.Status(context.Background()); err != ErrNotStarted {
		t.Fatalf("status before start: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n.Close()

	send(t, n.Addr(), envelope.Put, "key", 0)
	expect(t, lines, "success: value stored")
	send(t, n.Addr(), envelope.Get, "key", 0)
	expect(t, lines, "this value is: 0")
	send(t, n.Addr(), envelope.Put, "key", 1)
	expect(t, lines, "success: value stored")
	send(t, n.Addr(), envelope.Snapshot, "", 0)
	expect(t, lines, "success: snapshot taken")
	send(t, n.Addr(), envelope.Get, "key", 0)
	expect(t, lines, "this value is: 1")
	send(t, n.Addr(), envelope.Get, "missing", 0)
	expect(t, lines, "no value for key")

	st, err := n.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ID != 1 || st.Listen != n.Addr() || st.ClientAddr != clientAddr || len(st.Queues) != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestNode_ProtocolTrafficReachesEngine(t *testing.T) {
	eng := consensustest.New(4)
	n, err := New(Options{
		Identity:   peer.Identity{ID: 1, Peers: []uint64{2}},
		ListenAddr: "127.0.0.1:0",
		Engine:     eng,
		Notifier:   nopNotifier{},
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n.Close()

	b, _ := envelope.Encode(envelope.Envelope{Lane: envelope.Election, Payload: consensus.ElectionMessage{
		Packet: consensus.Packet{From: 2, To: 1, Kind: "vote"},
	}})
	if err := tcp.Send(n.Addr(), b); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-eng.ReceivedElection():
		if m.From != 2 || m.Kind != "vote" {
			t.Fatalf("engine got %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("election message never reached the engine")
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

func TestNode_RaftSingleNodeEndToEnd(t *testing.T) {
	clientAddr, lines := clientEndpoint(t)
	eng, err := raftcons.New(raftcons.Options{
		NodeID:           1,
		Logger:           quiet,
		LogLevel:         "error",
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
		CommitTimeout:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	leaders := make(chan consensus.LeaderInfo, 4)
	n, err := New(Options{
		Identity:       peer.Identity{ID: 1},
		ListenAddr:     "127.0.0.1:0",
		ClientAddr:     clientAddr,
		Engine:         eng,
		Logger:         quiet,
		OnLeaderChange: func(li consensus.LeaderInfo) { leaders <- li },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n.Close()

	select {
	case li := <-leaders:
		if li.ID != 1 {
			t.Fatalf("leader = %d", li.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no leader elected")
	}

	send(t, n.Addr(), envelope.Put, "key", 0)
	expect(t, lines, "success: value stored")
	send(t, n.Addr(), envelope.Get, "key", 0)
	expect(t, lines, "this value is: 0")
	send(t, n.Addr(), envelope.Put, "key", 1)
	expect(t, lines, "success: value stored")
	send(t, n.Addr(), envelope.Snapshot, "", 0)
	expect(t, lines, "success: snapshot taken")
	send(t, n.Addr(), envelope.Get, "key", 0)
	expect(t, lines, "this value is: 1")

	raw, err := n.statusJSON(ctx)
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Healthy || !st.IsLeader || st.LeaderID != 1 || st.Term == 0 {
		t.Fatalf("status = %+v", st)
	}
}
