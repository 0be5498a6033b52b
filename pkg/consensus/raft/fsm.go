package raftcons

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"

	c "github.com/amirimatin/go-kvnode/pkg/consensus"
	base "github.com/amirimatin/go-kvnode/pkg/state"
	skv "github.com/amirimatin/go-kvnode/pkg/state/kv"
)

// kvFSM bridges Raft Apply/Snapshot to a KVState.
type kvFSM struct {
	st base.KVState
}

func newKVFSM(st base.KVState) *kvFSM { return &kvFSM{st: st} }

func encodeCommand(kv c.KeyValue) ([]byte, error) { return json.Marshal(kv) }

func decodeCommand(data []byte) (c.KeyValue, error) {
	var kv c.KeyValue
	err := json.Unmarshal(data, &kv)
	return kv, err
}

func (f *kvFSM) Apply(l *raft.Log) interface{} {
	kv, err := decodeCommand(l.Data)
	if err != nil {
		return err
	}
	return f.st.Apply(kv)
}

func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.st.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snapshot{blob: blob}, nil
}

func (f *kvFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.st.Restore(data)
}

type snapshot struct {
	blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

var (
	_ raft.FSM     = (*kvFSM)(nil)
	_ base.KVState = (*skv.State)(nil)
)
