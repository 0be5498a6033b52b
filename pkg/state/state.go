package state

import "github.com/amirimatin/go-kvnode/pkg/consensus"

// KVState is the replicated state machine driven by committed log entries.
type KVState interface {
	Apply(kv consensus.KeyValue) error
	Get(key string) (uint64, bool)
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}
