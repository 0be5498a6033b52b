package raftcons

import (
	"bytes"
	"io"
	"testing"

	r "github.com/hashicorp/raft"

	c "github.com/amirimatin/go-kvnode/pkg/consensus"
	skv "github.com/amirimatin/go-kvnode/pkg/state/kv"
)

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestKVFSM_ApplySnapshotRestore(t *testing.T) {
	st := skv.New()
	fsm := newKVFSM(st)

	for _, kv := range []c.KeyValue{{Key: "a", Value: 1}, {Key: "a", Value: 2}} {
		data, _ := encodeCommand(kv)
		if v := fsm.Apply(&r.Log{Data: data}); v != nil {
			if err, ok := v.(error); ok && err != nil {
				t.Fatalf("apply %v: %v", kv, err)
			}
		}
	}
	if v, ok := st.Get("a"); !ok || v != 2 {
		t.Fatalf("a = (%d, %v)", v, ok)
	}

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sink := &memSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}

	st2 := skv.New()
	if err := newKVFSM(st2).Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v, ok := st2.Get("a"); !ok || v != 2 {
		t.Fatalf("restored a = (%d, %v)", v, ok)
	}
}

func TestKVFSM_ApplyRejectsGarbage(t *testing.T) {
	v := newKVFSM(skv.New()).Apply(&r.Log{Data: []byte("nope")})
	if err, ok := v.(error); !ok || err == nil {
		t.Fatalf("expected decode error, got %v", v)
	}
}
