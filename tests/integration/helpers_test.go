//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/amirimatin/go-kvnode/pkg/bootstrap"
	"github.com/amirimatin/go-kvnode/pkg/envelope"
	"github.com/amirimatin/go-kvnode/pkg/node"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	httpjson "github.com/amirimatin/go-kvnode/pkg/transport/httpjson"
	"github.com/amirimatin/go-kvnode/pkg/transport/tcp"
)

type status struct {
	ID       uint64 `json:"id"`
	Healthy  bool   `json:"healthy"`
	LeaderID uint64 `json:"leader_id"`
	IsLeader bool   `json:"is_leader"`
	Term     uint64 `json:"term"`
}

var errNotYet = &temporaryError{}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		err := fn()
		if err == nil {
			return
		}
		last = err
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (status, error) {
	var s status
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	return s, nil
}

// freeBasePort returns a base port such that base+1..base+n are free.
func freeBasePort(t *testing.T, n int) uint16 {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		base := uint16(20000 + rand.Intn(30000))
		ok := true
		for id := 1; id <= n && ok; id++ {
			ln, err := net.Listen("tcp", net.JoinHostPort(peer.DefaultHost, strconv.Itoa(int(base)+id)))
			if err != nil {
				ok = false
				continue
			}
			ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatalf("no free base port")
	return 0
}

// replies binds a client endpoint and streams every reply line it receives.
func replies(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client endpoint: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	out := make(chan string, 64)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			sc := bufio.NewScanner(c)
			for sc.Scan() {
				out <- sc.Text()
			}
			c.Close()
		}
	}()
	return ln.Addr().String(), out
}

func command(t *testing.T, addr string, lines <-chan string, op envelope.Operation, key string, value uint64) string {
	t.Helper()
	b, err := envelope.Encode(envelope.NewCommand(op, key, value))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := tcp.Send(addr, b); err != nil {
		t.Fatalf("send %s to %s: %v", op, addr, err)
	}
	select {
	case l := <-lines:
		return l
	case <-time.After(10 * time.Second):
		t.Fatalf("no reply to %s from %s", op, addr)
	}
	return ""
}

func startCluster(t *testing.T, ctx context.Context, size int, clientAddr string) []*node.Node {
	t.Helper()
	base := freeBasePort(t, size)
	all := make([]uint64, 0, size)
	for id := 1; id <= size; id++ {
		all = append(all, uint64(id))
	}
	nodes := make([]*node.Node, 0, size)
	for _, id := range all {
		var peers []uint64
		for _, p := range all {
			if p != id {
				peers = append(peers, p)
			}
		}
		n, err := bootstrap.Run(ctx, bootstrap.Config{
			NodeID:           id,
			Peers:            peers,
			BasePort:         base,
			ClientAddr:       clientAddr,
			MgmtAddr:         "127.0.0.1:0",
			HeartbeatTimeout: 200 * time.Millisecond,
			ElectionTimeout:  200 * time.Millisecond,
			Logger:           log.New(io.Discard, "", 0),
		})
		if err != nil {
			t.Fatalf("node %d: %v", id, err)
		}
		t.Cleanup(func() { n.Close() })
		nodes = append(nodes, n)
	}
	return nodes
}

// waitLeader polls every live node until all report the same leader.
func waitLeader(t *testing.T, ctx context.Context, nodes []*node.Node) uint64 {
	t.Helper()
	cli := httpjson.NewClient(2 * time.Second)
	var leader uint64
	waitUntil(t, 20*time.Second, func() error {
		leader = 0
		for _, n := range nodes {
			s, err := fetchStatus(ctx, cli, n.MgmtAddr())
			if err != nil {
				return err
			}
			if !s.Healthy {
				return errNotYet
			}
			if leader != 0 && s.LeaderID != leader {
				return fmt.Errorf("leaders disagree: %d vs %d", leader, s.LeaderID)
			}
			leader = s.LeaderID
		}
		return nil
	})
	return leader
}
