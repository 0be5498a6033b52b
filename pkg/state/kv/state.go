package kv

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
	base "github.com/amirimatin/go-kvnode/pkg/state"
)

const snapshotVersion = 1

// State is an in-memory last-writer-wins key-value map.
type State struct {
	mu     sync.RWMutex
	values map[string]uint64
}

func New() *State { return &State{values: make(map[string]uint64)} }

// Apply stores kv. Any string, including "", is a valid key.
func (s *State) Apply(kv consensus.KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[kv.Key] = kv.Value
	return nil
}

func (s *State) Get(key string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of keys held.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

type snapshotDoc struct {
	Version int               `json:"version"`
	Values  map[string]uint64 `json:"values"`
}

// Snapshot encodes the map as JSON. Keys are emitted sorted, so equal states
// produce identical bytes.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshotDoc{Version: snapshotVersion, Values: s.values})
}

func (s *State) Restore(buf []byte) error {
	values, err := Decode(buf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = values
	return nil
}

// Decode parses a snapshot produced by Snapshot into a fresh map.
func Decode(buf []byte) (map[string]uint64, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("state: unsupported snapshot version %d", doc.Version)
	}
	out := make(map[string]uint64, len(doc.Values))
	for k, v := range doc.Values {
		out[k] = v
	}
	return out, nil
}

var _ base.KVState = (*State)(nil)
