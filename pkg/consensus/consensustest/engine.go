// Package consensustest provides an in-memory, single-node consensus.Engine
// for tests. Every append is decided immediately; Snapshot folds the decided
// prefix into one Snapshotted entry.
package consensustest

import (
	"errors"
	"sync"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
)

// Engine is a deterministic consensus.Engine double.
type Engine struct {
	mu       sync.Mutex
	entries  []consensus.ReadEntry
	next     uint64
	appendFn func(consensus.KeyValue) error
	snapErr  error
	snaps    int

	electionOut    chan consensus.ElectionMessage
	electionIn     chan consensus.ElectionMessage
	replicationOut chan consensus.ReplicationMessage
	replicationIn  chan consensus.ReplicationMessage
}

// New returns an empty engine whose protocol channels have capacity buf.
func New(buf int) *Engine {
	return &Engine{
		electionOut:    make(chan consensus.ElectionMessage, buf),
		electionIn:     make(chan consensus.ElectionMessage, buf),
		replicationOut: make(chan consensus.ReplicationMessage, buf),
		replicationIn:  make(chan consensus.ReplicationMessage, buf),
	}
}

// FailAppends makes every subsequent Append return err (nil restores).
func (e *Engine) FailAppends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.appendFn = nil
		return
	}
	e.appendFn = func(consensus.KeyValue) error { return err }
}

// FailSnapshots makes every subsequent Snapshot return err (nil restores).
func (e *Engine) FailSnapshots(err error) {
	e.mu.Lock()
	e.snapErr = err
	e.mu.Unlock()
}

// Seed replaces the log with entries, verbatim.
func (e *Engine) Seed(entries ...consensus.ReadEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append([]consensus.ReadEntry(nil), entries...)
	e.next = 0
	for _, en := range entries {
		if en.Index >= e.next {
			e.next = en.Index + 1
		}
	}
}

// Snapshots returns how many successful snapshots were taken.
func (e *Engine) Snapshots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snaps
}

func (e *Engine) Append(kv consensus.KeyValue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.appendFn != nil {
		if err := e.appendFn(kv); err != nil {
			return err
		}
	}
	e.entries = append(e.entries, consensus.DecidedEntry(e.next, kv))
	e.next++
	return nil
}

func (e *Engine) ReadEntries(r consensus.IndexRange) ([]consensus.ReadEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []consensus.ReadEntry
	for _, en := range e.entries {
		if r.Contains(en.Index) {
			out = append(out, en)
		}
	}
	return out, len(out) > 0
}

var errNothingToSnapshot = errors.New("consensustest: nothing to snapshot")

func (e *Engine) Snapshot(index *uint64, local bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapErr != nil {
		return e.snapErr
	}
	if len(e.entries) == 0 {
		return errNothingToSnapshot
	}
	upTo := e.entries[len(e.entries)-1].Index
	if index != nil {
		if *index > upTo {
			return consensus.ErrIndexNotDecided
		}
		upTo = *index
	}
	state := map[string]uint64{}
	var rest []consensus.ReadEntry
	for _, en := range e.entries {
		if en.Index > upTo {
			rest = append(rest, en)
			continue
		}
		switch en.Kind {
		case consensus.Decided:
			state[en.KV.Key] = en.KV.Value
		case consensus.Snapshotted:
			for k, v := range en.Snapshot {
				state[k] = v
			}
		}
	}
	e.entries = append([]consensus.ReadEntry{consensus.SnapshotEntry(upTo, state)}, rest...)
	e.snaps++
	return nil
}

func (e *Engine) ElectionOutbound() <-chan consensus.ElectionMessage       { return e.electionOut }
func (e *Engine) ElectionInbound() chan<- consensus.ElectionMessage        { return e.electionIn }
func (e *Engine) ReplicationOutbound() <-chan consensus.ReplicationMessage { return e.replicationOut }
func (e *Engine) ReplicationInbound() chan<- consensus.ReplicationMessage  { return e.replicationIn }

// EmitElection queues m as if the engine produced it.
func (e *Engine) EmitElection(m consensus.ElectionMessage) { e.electionOut <- m }

// EmitReplication queues m as if the engine produced it.
func (e *Engine) EmitReplication(m consensus.ReplicationMessage) { e.replicationOut <- m }

// ReceivedElection exposes what the node delivered on the election lane.
func (e *Engine) ReceivedElection() <-chan consensus.ElectionMessage { return e.electionIn }

// ReceivedReplication exposes what the node delivered on the replication lane.
func (e *Engine) ReceivedReplication() <-chan consensus.ReplicationMessage { return e.replicationIn }

var _ consensus.Engine = (*Engine)(nil)
