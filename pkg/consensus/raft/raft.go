package raftcons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/vmihailenco/msgpack/v5"

	c "github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	skv "github.com/amirimatin/go-kvnode/pkg/state/kv"
)

// ErrNotStarted is returned by calls made before Start or after Stop.
var ErrNotStarted = errors.New("raftcons: not started")

const readAttempts = 3

var errReadRaced = errors.New("raftcons: snapshot changed during read")

// Engine implements consensus.Engine using HashiCorp Raft. Raft RPCs leave
// and enter through the engine's election and replication channels, so the
// node's bridge is the only network path.
type Engine struct {
	opts  Options
	log   *log.Logger
	r     atomic.Pointer[raft.Raft]
	trans *laneTransport
	lch   chan c.LeaderInfo

	logs   raft.LogStore
	snaps  raft.SnapshotStore
	closer io.Closer
	kv     *skv.State
}

// New builds an Engine. Its protocol channels exist immediately, so a bridge
// can be wired before Start.
func New(opts Options) (*Engine, error) {
	if opts.NodeID == 0 {
		return nil, fmt.Errorf("raftcons: node id must be non-zero")
	}
	for _, p := range opts.Peers {
		if p == opts.NodeID {
			return nil, fmt.Errorf("raftcons: node %d listed as its own peer", p)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = DefaultQueueCap
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	e := &Engine{
		opts:  opts,
		log:   opts.Logger,
		trans: newLaneTransport(opts.NodeID, opts.QueueCap, opts.RPCTimeout, opts.Logger),
		lch:   make(chan c.LeaderInfo, 16),
	}
	e.trans.setHandler(e.serve)
	return e, nil
}

func (e *Engine) config() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(strconv.FormatUint(e.opts.NodeID, 10))
	cfg.TrailingLogs = e.opts.TrailingLogs
	if e.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = e.opts.HeartbeatTimeout
		// Keep lease <= heartbeat to satisfy invariants
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout < 5*time.Millisecond {
				cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
			}
		}
	}
	if e.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = e.opts.ElectionTimeout
	}
	if cfg.ElectionTimeout < cfg.HeartbeatTimeout {
		cfg.ElectionTimeout = cfg.HeartbeatTimeout
	}
	if e.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = e.opts.CommitTimeout
	}
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:       fmt.Sprintf("raft-%d", e.opts.NodeID),
		Level:      hclog.LevelFromString(e.opts.LogLevel),
		Output:     logutil.Writer(e.log),
		JSONFormat: logutil.JSON(),
	})
	return cfg
}

func (e *Engine) stores(logger hclog.Logger) (raft.LogStore, raft.StableStore, raft.SnapshotStore, io.Closer, error) {
	if e.opts.DataDir == "" {
		return raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), nil, nil
	}
	retain := e.opts.SnapshotsRetained
	if retain == 0 {
		retain = 2
	}
	if err := os.MkdirAll(e.opts.DataDir, 0o755); err != nil {
		return nil, nil, nil, nil, err
	}
	bstore, err := raftboltdb.NewBoltStore(filepath.Join(e.opts.DataDir, "raft.db"))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	snaps, err := raft.NewFileSnapshotStoreWithLogger(e.opts.DataDir, retain, logger)
	if err != nil {
		_ = bstore.Close()
		return nil, nil, nil, nil, err
	}
	return bstore, bstore, snaps, bstore, nil
}

// Start creates the raft instance, bootstraps it when asked and begins
// serving inbound protocol traffic. It stops when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	if e.r.Load() != nil {
		return nil
	}
	cfg := e.config()
	logs, stable, snaps, closer, err := e.stores(cfg.Logger)
	if err != nil {
		return err
	}
	e.kv = skv.New()
	r, err := raft.NewRaft(cfg, newKVFSM(e.kv), logs, stable, snaps, e.trans)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return err
	}
	e.logs, e.snaps, e.closer = logs, snaps, closer
	e.r.Store(r)
	e.trans.start()

	// Observe leadership changes and forward to LeaderCh.
	obsCh := make(chan raft.Observation, 32)
	r.RegisterObserver(raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	}))
	go func() {
		for {
			select {
			case <-obsCh:
				if id, ok := e.Leader(); ok {
					e.emitLeader(c.LeaderInfo{ID: id, Term: e.Term()})
				}
			case <-e.trans.shutdownCh:
				return
			}
		}
	}()

	if e.opts.Bootstrap {
		servers := []raft.Server{{ID: cfg.LocalID, Address: e.trans.LocalAddr()}}
		for _, p := range e.opts.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(strconv.FormatUint(p, 10)), Address: serverAddress(p)})
		}
		err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = e.Stop()
	}()
	return nil
}

// Append replicates kv. A follower forwards the proposal to the leader.
func (e *Engine) Append(kv c.KeyValue) error {
	r := e.r.Load()
	if r == nil {
		return ErrNotStarted
	}
	if r.State() == raft.Leader {
		return e.apply(r, kv)
	}
	leader, ok := e.Leader()
	if !ok {
		return c.ErrNotLeader
	}
	body, err := msgpack.Marshal(kv)
	if err != nil {
		return err
	}
	_, err = e.trans.roundTrip(replicationLane, leader, kindPropose, body, e.opts.ApplyTimeout)
	return err
}

func (e *Engine) apply(r *raft.Raft, kv c.KeyValue) error {
	data, err := encodeCommand(kv)
	if err != nil {
		return err
	}
	af := r.Apply(data, e.opts.ApplyTimeout)
	if err := af.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %v", c.ErrNotLeader, err)
		}
		return err
	}
	if v := af.Response(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// serve handles requests peers send outside the raft protocol.
func (e *Engine) serve(kind string, from uint64, body []byte) ([]byte, error) {
	r := e.r.Load()
	if r == nil {
		return nil, ErrNotStarted
	}
	switch kind {
	case kindPropose:
		var kv c.KeyValue
		if err := msgpack.Unmarshal(body, &kv); err != nil {
			return nil, err
		}
		if r.State() != raft.Leader {
			return nil, c.ErrNotLeader
		}
		return nil, e.apply(r, kv)
	case kindCompact:
		if err := e.snapshot(r); err != nil {
			logutil.Warnf(e.log, "raftcons: compaction requested by node %d failed: %v", from, err)
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("raftcons: unknown request %q", kind)
	}
}

// ReadEntries reports the latest snapshot as one Snapshotted entry followed
// by the command entries after it: Decided up to the applied index,
// Undecided beyond.
func (e *Engine) ReadEntries(rng c.IndexRange) ([]c.ReadEntry, bool) {
	r := e.r.Load()
	if r == nil {
		return nil, false
	}
	for attempt := 0; attempt < readAttempts; attempt++ {
		out, err := e.read(r, rng)
		if errors.Is(err, errReadRaced) || errors.Is(err, raft.ErrLogNotFound) {
			continue
		}
		if err != nil {
			logutil.Warnf(e.log, "raftcons: read entries: %v", err)
			return nil, false
		}
		return out, len(out) > 0
	}
	logutil.Warnf(e.log, "raftcons: read entries raced with compaction %d times", readAttempts)
	return nil, false
}

func (e *Engine) latestSnapshot() (uint64, map[string]uint64, error) {
	metas, err := e.snaps.List()
	if err != nil || len(metas) == 0 {
		return 0, nil, err
	}
	meta, rc, err := e.snaps.Open(metas[0].ID)
	if err != nil {
		return 0, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, nil, err
	}
	m, err := skv.Decode(data)
	if err != nil {
		return 0, nil, err
	}
	return meta.Index, m, nil
}

func (e *Engine) read(r *raft.Raft, rng c.IndexRange) ([]c.ReadEntry, error) {
	var out []c.ReadEntry
	floor, snap, err := e.latestSnapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil && rng.Contains(floor) {
		out = append(out, c.SnapshotEntry(floor, snap))
	}

	applied := r.AppliedIndex()
	first, err := e.logs.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := e.logs.LastIndex()
	if err != nil {
		return nil, err
	}
	start := floor + 1
	if first > start {
		start = first
	}
	if rng.From > start {
		start = rng.From
	}
	for i := start; i <= last && (rng.To == 0 || i <= rng.To); i++ {
		var l raft.Log
		if err := e.logs.GetLog(i, &l); err != nil {
			return nil, err
		}
		if l.Type != raft.LogCommand {
			continue
		}
		if i > applied {
			out = append(out, c.UndecidedEntry(i))
			continue
		}
		kv, err := decodeCommand(l.Data)
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		out = append(out, c.DecidedEntry(i, kv))
	}

	// A snapshot taken mid-read may have compacted entries we never saw.
	again, _, err := e.latestSnapshot()
	if err != nil {
		return nil, err
	}
	if again != floor {
		return nil, errReadRaced
	}
	return out, nil
}

// Snapshot compacts the log up to the applied index. index, when given,
// must already be decided. local == false asks every peer to compact too.
func (e *Engine) Snapshot(index *uint64, local bool) error {
	r := e.r.Load()
	if r == nil {
		return ErrNotStarted
	}
	if index != nil && *index > r.AppliedIndex() {
		return c.ErrIndexNotDecided
	}
	if err := e.snapshot(r); err != nil {
		return err
	}
	if !local {
		for _, p := range e.opts.Peers {
			if err := e.trans.fire(replicationLane, p, kindCompact, nil); err != nil {
				logutil.Warnf(e.log, "raftcons: compact hint to node %d: %v", p, err)
			}
		}
	}
	return nil
}

func (e *Engine) snapshot(r *raft.Raft) error {
	err := r.Snapshot().Error()
	if err != nil && !errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return err
	}
	return nil
}

func (e *Engine) ElectionOutbound() <-chan c.ElectionMessage       { return e.trans.electionOut }
func (e *Engine) ElectionInbound() chan<- c.ElectionMessage        { return e.trans.electionIn }
func (e *Engine) ReplicationOutbound() <-chan c.ReplicationMessage { return e.trans.replicationOut }
func (e *Engine) ReplicationInbound() chan<- c.ReplicationMessage  { return e.trans.replicationIn }

func (e *Engine) IsLeader() bool {
	r := e.r.Load()
	return r != nil && r.State() == raft.Leader
}

func (e *Engine) Leader() (uint64, bool) {
	r := e.r.Load()
	if r == nil {
		return 0, false
	}
	_, sid := r.LeaderWithID()
	if sid == "" {
		return 0, false
	}
	id, err := parseServer(string(sid))
	if err != nil {
		return 0, false
	}
	return id, true
}

func (e *Engine) Term() uint64 {
	r := e.r.Load()
	if r == nil {
		return 0
	}
	return r.CurrentTerm()
}

// AppliedIndex is the last log index handed to the state machine.
func (e *Engine) AppliedIndex() uint64 {
	r := e.r.Load()
	if r == nil {
		return 0
	}
	return r.AppliedIndex()
}

// Value reads key from the local state machine.
func (e *Engine) Value(key string) (uint64, bool) {
	if e.kv == nil {
		return 0, false
	}
	return e.kv.Get(key)
}

func (e *Engine) Stop() error {
	r := e.r.Swap(nil)
	if r == nil {
		return nil
	}
	err := r.Shutdown().Error()
	if e.closer != nil {
		if cerr := e.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// LeaderCh delivers leadership updates; slow readers miss intermediate ones.
func (e *Engine) LeaderCh() <-chan c.LeaderInfo { return e.lch }

func (e *Engine) emitLeader(li c.LeaderInfo) {
	select {
	case e.lch <- li:
	default:
	}
}

var (
	_ c.Engine         = (*Engine)(nil)
	_ c.LeaderNotifier = (*Engine)(nil)
	_ c.Leadership     = (*Engine)(nil)
)
