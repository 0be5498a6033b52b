package cli

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-kvnode/pkg/consensus/consensustest"
	"github.com/amirimatin/go-kvnode/pkg/discovery"
	"github.com/amirimatin/go-kvnode/pkg/node"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	httpjson "github.com/amirimatin/go-kvnode/pkg/transport/httpjson"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startNode(t *testing.T, clientAddr string) *node.Node {
	t.Helper()
	n, err := node.New(node.Options{
		Identity:   peer.Identity{ID: 1},
		ListenAddr: "127.0.0.1:0",
		ClientAddr: clientAddr,
		Engine:     consensustest.New(4),
		RPCServer:  httpjson.NewServer("127.0.0.1:0", log.New(io.Discard, "", 0)),
		Logger:     log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%s %v: %v", cmd.Name(), args, err)
	}
	return strings.TrimSpace(out.String())
}

func TestClient_PutGetSnapshotAwait(t *testing.T) {
	clientAddr := freeAddr(t)
	n := startNode(t, clientAddr)
	common := []string{"--addr", n.Addr(), "--await", "--client-addr", clientAddr, "--timeout", "5s"}

	if got := execute(t, NewPutCmd(), append([]string{"color", "7"}, common...)...); got != "success: value stored" {
		t.Fatalf("put reply = %q", got)
	}
	if got := execute(t, NewGetCmd(), append([]string{"color"}, common...)...); got != "this value is: 7" {
		t.Fatalf("get reply = %q", got)
	}
	if got := execute(t, NewSnapshotCmd(), common...); got != "success: snapshot taken" {
		t.Fatalf("snapshot reply = %q", got)
	}
	if got := execute(t, NewGetCmd(), append([]string{"missing"}, common...)...); got != "no value for key" {
		t.Fatalf("get missing reply = %q", got)
	}
}

func TestClient_PutRejectsNonNumericValue(t *testing.T) {
	cmd := NewPutCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"k", "seven", "--addr", "127.0.0.1:1"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for non-numeric value")
	}
}

func TestClient_SendToUnreachableNodeFails(t *testing.T) {
	cmd := NewGetCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"k", "--addr", freeAddr(t)})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestTarget_EndpointResolvesNode(t *testing.T) {
	tg := target{node: 3, host: "127.0.0.1", basePort: 11000}
	if got := tg.endpoint(); got != "127.0.0.1:11003" {
		t.Fatalf("endpoint = %q", got)
	}
	tg.addr = "10.0.0.1:9"
	if got := tg.endpoint(); got != "10.0.0.1:9" {
		t.Fatalf("override = %q", got)
	}
}

func TestPeerSource_DuplicatesAndFile(t *testing.T) {
	src, err := peerSource("2,2,3", "", "")
	if err != nil {
		t.Fatalf("peer source: %v", err)
	}
	ids, _ := src.Peers()
	if got := discovery.Normalize(1, ids); !reflect.DeepEqual(got, []uint64{2, 3}) {
		t.Fatalf("peers = %v, want [2 3]", got)
	}

	path := filepath.Join(t.TempDir(), "peers.txt")
	if err := os.WriteFile(path, []byte("1\n3,4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err = peerSource("2", path, "")
	if err != nil {
		t.Fatalf("peer source: %v", err)
	}
	ids, err = src.Peers()
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if got := discovery.Normalize(1, ids); !reflect.DeepEqual(got, []uint64{2, 3, 4}) {
		t.Fatalf("merged peers = %v, want [2 3 4]", got)
	}

	if _, err := peerSource("2,x", "", ""); err == nil {
		t.Fatalf("expected error for non-numeric peer")
	}
}

func TestStatusCmd_HTTP(t *testing.T) {
	n := startNode(t, freeAddr(t))
	deadline := time.Now().Add(3 * time.Second)
	for n.MgmtAddr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := execute(t, NewStatusCmd(), "--addr", n.MgmtAddr(), "--mgmt-proto", "http")
	if !strings.Contains(got, `"healthy":true`) {
		t.Fatalf("status = %s", got)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrintReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- printReplies(ctx, ln, &out) }()

	for _, line := range []string{"success: value stored", "this value is: 1"} {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_, _ = c.Write([]byte(line + "\n"))
		c.Close()
	}
	want := "success: value stored\nthis value is: 1\n"
	deadline := time.Now().Add(3 * time.Second)
	for out.String() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	ln.Close()
	if err := <-done; err != nil {
		t.Fatalf("printReplies: %v", err)
	}
	if got := out.String(); got != want {
		t.Fatalf("out = %q", got)
	}
}
