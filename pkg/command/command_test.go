package command

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/consensus/consensustest"
	"github.com/amirimatin/go-kvnode/pkg/envelope"
)

var quiet = log.New(io.Discard, "", 0)

func cmd(op envelope.Operation, key string, value uint64) envelope.CommandPayload {
	return envelope.CommandPayload{Operation: op, Key: key, Value: value}
}

type replies chan string

func (r replies) Notify(text string) { r <- text }

func TestReconstruct_Scenarios(t *testing.T) {
	cases := []struct {
		name    string
		entries []consensus.ReadEntry
		key     string
		want    uint64
		found   bool
	}{
		{
			name: "latest decided wins",
			entries: []consensus.ReadEntry{
				consensus.DecidedEntry(0, consensus.KeyValue{Key: "A", Value: 1}),
				consensus.DecidedEntry(1, consensus.KeyValue{Key: "A", Value: 2}),
			},
			key: "A", want: 2, found: true,
		},
		{
			name: "snapshot closer to tail wins",
			entries: []consensus.ReadEntry{
				consensus.DecidedEntry(0, consensus.KeyValue{Key: "A", Value: 1}),
				consensus.SnapshotEntry(1, map[string]uint64{"A": 5}),
			},
			key: "A", want: 5, found: true,
		},
		{
			name: "absent key",
			entries: []consensus.ReadEntry{
				consensus.DecidedEntry(0, consensus.KeyValue{Key: "B", Value: 9}),
			},
			key: "A", found: false,
		},
		{
			name: "undecided skipped",
			entries: []consensus.ReadEntry{
				consensus.DecidedEntry(0, consensus.KeyValue{Key: "A", Value: 3}),
				consensus.UndecidedEntry(1),
			},
			key: "A", want: 3, found: true,
		},
		{
			name: "snapshot without key falls through",
			entries: []consensus.ReadEntry{
				consensus.DecidedEntry(0, consensus.KeyValue{Key: "A", Value: 4}),
				consensus.SnapshotEntry(1, map[string]uint64{"B": 8}),
			},
			key: "A", want: 4, found: true,
		},
		{
			name: "decided after snapshot wins",
			entries: []consensus.ReadEntry{
				consensus.SnapshotEntry(0, map[string]uint64{"A": 5}),
				consensus.DecidedEntry(1, consensus.KeyValue{Key: "A", Value: 6}),
			},
			key: "A", want: 6, found: true,
		},
		{name: "empty", key: "A", found: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := Reconstruct(tc.entries, tc.key)
			if found != tc.found || got != tc.want {
				t.Fatalf("Reconstruct = (%d, %v), want (%d, %v)", got, found, tc.want, tc.found)
			}
		})
	}
}

func TestReconstruct_Deterministic(t *testing.T) {
	entries := []consensus.ReadEntry{
		consensus.DecidedEntry(0, consensus.KeyValue{Key: "A", Value: 1}),
		consensus.SnapshotEntry(1, map[string]uint64{"A": 5, "B": 2}),
		consensus.DecidedEntry(2, consensus.KeyValue{Key: "B", Value: 3}),
	}
	first, _ := Reconstruct(entries, "A")
	for i := 0; i < 50; i++ {
		if v, _ := Reconstruct(entries, "A"); v != first {
			t.Fatalf("run %d returned %d, first returned %d", i, v, first)
		}
	}
}

func TestHandle_PutGetSnapshotGet(t *testing.T) {
	p := NewProcessor(consensustest.New(1), nil, quiet)
	ctx := context.Background()

	steps := []struct {
		c    envelope.CommandPayload
		want string
	}{
		{cmd(envelope.Get, "key", 0), ReplyNoValue},
		{cmd(envelope.Put, "key", 0), ReplyStored},
		{cmd(envelope.Get, "key", 0), "this value is: 0"},
		{cmd(envelope.Put, "key", 1), ReplyStored},
		{cmd(envelope.Snapshot, "", 0), ReplySnapshotTaken},
		{cmd(envelope.Get, "key", 0), "this value is: 1"},
		{cmd(envelope.Get, "other", 0), ReplyNoValue},
	}
	for i, s := range steps {
		if got := p.Handle(ctx, s.c); got != s.want {
			t.Fatalf("step %d (%s %q): reply = %q, want %q", i, s.c.Operation, s.c.Key, got, s.want)
		}
	}
}

func TestHandle_EngineFailuresBecomeReplies(t *testing.T) {
	eng := consensustest.New(1)
	eng.FailAppends(consensus.ErrNotLeader)
	eng.FailSnapshots(errors.New("disk full"))
	p := NewProcessor(eng, nil, quiet)

	got := p.Handle(context.Background(), cmd(envelope.Put, "k", 1))
	if !strings.HasPrefix(got, "failure: value not stored") || !strings.Contains(got, consensus.ErrNotLeader.Error()) {
		t.Fatalf("put reply = %q", got)
	}
	got = p.Handle(context.Background(), cmd(envelope.Snapshot, "", 0))
	if got != "failure: snapshot not taken: disk full" {
		t.Fatalf("snapshot reply = %q", got)
	}
}

func TestRun_OneReplyPerCommand(t *testing.T) {
	out := make(replies, 4)
	p := NewProcessor(consensustest.New(1), out, quiet)
	src := make(chan []byte, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, src)

	for _, c := range []envelope.CommandPayload{
		cmd(envelope.Put, "a", 42),
		cmd(envelope.Get, "a", 0),
	} {
		b, _ := json.Marshal(c)
		src <- b
	}
	src <- []byte("garbage")
	b, _ := json.Marshal(cmd(envelope.Get, "b", 0))
	src <- b

	want := []string{ReplyStored, "this value is: 42", "failure: command not understood: ", ReplyNoValue}
	for _, w := range want {
		select {
		case got := <-out:
			if !strings.HasPrefix(got, w) || (!strings.HasSuffix(w, ": ") && got != w) {
				t.Fatalf("reply = %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
	select {
	case extra := <-out:
		t.Fatalf("unexpected extra reply %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
