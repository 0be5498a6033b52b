package raftcons

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	c "github.com/amirimatin/go-kvnode/pkg/consensus"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
)

// Packet kinds. Responses carry the request kind plus respSuffix and the
// request's Seq.
const (
	kindAppend          = "append"
	kindVote            = "vote"
	kindPreVote         = "prevote"
	kindTimeoutNow      = "timeout_now"
	kindInstallSnapshot = "install_snapshot"
	kindPropose         = "propose"
	kindCompact         = "compact"

	respSuffix = "_resp"
)

type lane uint8

const (
	electionLane lane = iota
	replicationLane
)

// requestHandler serves the non-raft request kinds (propose, compact).
type requestHandler func(kind string, from uint64, body []byte) ([]byte, error)

type installSnapshotBody struct {
	Req  *raft.InstallSnapshotRequest `msgpack:"req"`
	Data []byte                       `msgpack:"data"`
}

// laneTransport carries raft RPCs as consensus packets over the engine's
// election and replication channels. Each request is matched to its response
// by a random Seq; a request with no response within the timeout fails.
type laneTransport struct {
	id      uint64
	timeout time.Duration
	logger  *log.Logger

	consumer chan raft.RPC

	electionOut    chan c.ElectionMessage
	electionIn     chan c.ElectionMessage
	replicationOut chan c.ReplicationMessage
	replicationIn  chan c.ReplicationMessage

	mu          sync.Mutex
	pending     map[string]chan c.Packet
	heartbeatFn func(raft.RPC)
	handler     requestHandler

	shutdownCh chan struct{}
	closeOnce  sync.Once
}

func newLaneTransport(id uint64, queueCap int, timeout time.Duration, logger *log.Logger) *laneTransport {
	return &laneTransport{
		id:             id,
		timeout:        timeout,
		logger:         logger,
		consumer:       make(chan raft.RPC),
		electionOut:    make(chan c.ElectionMessage, queueCap),
		electionIn:     make(chan c.ElectionMessage, queueCap),
		replicationOut: make(chan c.ReplicationMessage, queueCap),
		replicationIn:  make(chan c.ReplicationMessage, queueCap),
		pending:        make(map[string]chan c.Packet),
		shutdownCh:     make(chan struct{}),
	}
}

func serverAddress(id uint64) raft.ServerAddress {
	return raft.ServerAddress(strconv.FormatUint(id, 10))
}

func parseServer(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("raftcons: bad server address %q: %w", s, err)
	}
	return id, nil
}

// start launches one dispatcher per inbound lane.
func (t *laneTransport) start() {
	go drain(t.electionIn, t.shutdownCh, func(m c.ElectionMessage) { t.dispatch(electionLane, m.Packet) })
	go drain(t.replicationIn, t.shutdownCh, func(m c.ReplicationMessage) { t.dispatch(replicationLane, m.Packet) })
}

func drain[T any](in <-chan T, stop <-chan struct{}, f func(T)) {
	for {
		select {
		case <-stop:
			return
		case m := <-in:
			f(m)
		}
	}
}

func (t *laneTransport) setHandler(h requestHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *laneTransport) dispatch(l lane, p c.Packet) {
	if p.To != t.id {
		logutil.Warnf(t.logger, "raftcons: packet for node %d delivered to node %d, dropped", p.To, t.id)
		return
	}
	if strings.HasSuffix(p.Kind, respSuffix) {
		t.resolve(p)
		return
	}
	switch p.Kind {
	case kindPropose, kindCompact:
		go t.serveApp(l, p)
	default:
		if err := t.serveRaft(l, p); err != nil {
			logutil.Warnf(t.logger, "raftcons: %s from node %d rejected: %v", p.Kind, p.From, err)
			t.respondErr(l, p, err)
		}
	}
}

func (t *laneTransport) resolve(p c.Packet) {
	t.mu.Lock()
	ch := t.pending[p.Seq]
	delete(t.pending, p.Seq)
	t.mu.Unlock()
	if ch != nil {
		ch <- p
	}
}

func isHeartbeat(req *raft.AppendEntriesRequest) bool {
	leader := req.RPCHeader.Addr
	if len(leader) == 0 {
		leader = req.Leader
	}
	return req.Term != 0 && leader != nil &&
		req.PrevLogEntry == 0 && req.PrevLogTerm == 0 &&
		len(req.Entries) == 0 && req.LeaderCommitIndex == 0
}

// serveRaft decodes a raft request and hands it to the consumer. The
// response is sent back asynchronously once raft answers.
func (t *laneTransport) serveRaft(l lane, p c.Packet) error {
	respCh := make(chan raft.RPCResponse, 1)
	rpc := raft.RPC{RespChan: respCh}
	heartbeat := false

	switch p.Kind {
	case kindAppend:
		req := &raft.AppendEntriesRequest{}
		if err := msgpack.Unmarshal(p.Body, req); err != nil {
			return err
		}
		rpc.Command = req
		heartbeat = isHeartbeat(req)
	case kindVote:
		req := &raft.RequestVoteRequest{}
		if err := msgpack.Unmarshal(p.Body, req); err != nil {
			return err
		}
		rpc.Command = req
	case kindPreVote:
		req := &raft.RequestPreVoteRequest{}
		if err := msgpack.Unmarshal(p.Body, req); err != nil {
			return err
		}
		rpc.Command = req
	case kindTimeoutNow:
		req := &raft.TimeoutNowRequest{}
		if err := msgpack.Unmarshal(p.Body, req); err != nil {
			return err
		}
		rpc.Command = req
	case kindInstallSnapshot:
		var body installSnapshotBody
		if err := msgpack.Unmarshal(p.Body, &body); err != nil {
			return err
		}
		if body.Req == nil {
			return fmt.Errorf("install_snapshot without request")
		}
		rpc.Command = body.Req
		rpc.Reader = bytes.NewReader(body.Data)
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}

	if heartbeat {
		t.mu.Lock()
		fn := t.heartbeatFn
		t.mu.Unlock()
		if fn != nil {
			fn(rpc)
			go t.awaitRaft(l, p, respCh)
			return nil
		}
	}

	select {
	case t.consumer <- rpc:
	case <-t.shutdownCh:
		return raft.ErrTransportShutdown
	}
	go t.awaitRaft(l, p, respCh)
	return nil
}

func (t *laneTransport) awaitRaft(l lane, req c.Packet, respCh <-chan raft.RPCResponse) {
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			t.respondErr(l, req, resp.Error)
			return
		}
		body, err := msgpack.Marshal(resp.Response)
		if err != nil {
			t.respondErr(l, req, err)
			return
		}
		t.respond(l, req, body)
	case <-t.shutdownCh:
	}
}

func (t *laneTransport) serveApp(l lane, p c.Packet) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		t.respondErr(l, p, fmt.Errorf("raftcons: node %d not ready", t.id))
		return
	}
	body, err := h(p.Kind, p.From, p.Body)
	if err != nil {
		t.respondErr(l, p, err)
		return
	}
	t.respond(l, p, body)
}

// respond answers req. Requests without a Seq expect no answer.
func (t *laneTransport) respond(l lane, req c.Packet, body []byte) {
	if req.Seq == "" {
		return
	}
	_ = t.send(l, c.Packet{From: t.id, To: req.From, Seq: req.Seq, Kind: req.Kind + respSuffix, Body: body})
}

func (t *laneTransport) respondErr(l lane, req c.Packet, err error) {
	if req.Seq == "" {
		return
	}
	_ = t.send(l, c.Packet{From: t.id, To: req.From, Seq: req.Seq, Kind: req.Kind + respSuffix, Err: err.Error()})
}

func (t *laneTransport) send(l lane, p c.Packet) error {
	switch l {
	case electionLane:
		select {
		case t.electionOut <- c.ElectionMessage{Packet: p}:
		case <-t.shutdownCh:
			return raft.ErrTransportShutdown
		}
	default:
		select {
		case t.replicationOut <- c.ReplicationMessage{Packet: p}:
		case <-t.shutdownCh:
			return raft.ErrTransportShutdown
		}
	}
	return nil
}

// roundTrip sends one request and waits for the matching response.
func (t *laneTransport) roundTrip(l lane, to uint64, kind string, body []byte, timeout time.Duration) (c.Packet, error) {
	seq := uuid.NewString()
	ch := make(chan c.Packet, 1)
	t.mu.Lock()
	t.pending[seq] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
	}()

	if err := t.send(l, c.Packet{From: t.id, To: to, Seq: seq, Kind: kind, Body: body}); err != nil {
		return c.Packet{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		if p.Err != "" {
			return p, &remoteError{msg: p.Err}
		}
		return p, nil
	case <-timer.C:
		return c.Packet{}, fmt.Errorf("raftcons: %s to node %d timed out after %s", kind, to, timeout)
	case <-t.shutdownCh:
		return c.Packet{}, raft.ErrTransportShutdown
	}
}

// fire sends a request that expects no response.
func (t *laneTransport) fire(l lane, to uint64, kind string, body []byte) error {
	return t.send(l, c.Packet{From: t.id, To: to, Kind: kind, Body: body})
}

// remoteError is an error reported by the peer that served a request.
type remoteError struct{ msg string }

func (e *remoteError) Error() string { return e.msg }

// Is lets errors.Is see through the wire for the engine's sentinels.
func (e *remoteError) Is(target error) bool {
	return target == c.ErrNotLeader && e.msg == c.ErrNotLeader.Error()
}

func (t *laneTransport) rpc(l lane, target raft.ServerAddress, kind string, args, resp interface{}, timeout time.Duration) error {
	to, err := parseServer(string(target))
	if err != nil {
		return err
	}
	body, err := msgpack.Marshal(args)
	if err != nil {
		return err
	}
	p, err := t.roundTrip(l, to, kind, body, timeout)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(p.Body, resp)
}

func (t *laneTransport) Consumer() <-chan raft.RPC { return t.consumer }

func (t *laneTransport) LocalAddr() raft.ServerAddress { return serverAddress(t.id) }

func (t *laneTransport) AppendEntriesPipeline(raft.ServerID, raft.ServerAddress) (raft.AppendPipeline, error) {
	return nil, raft.ErrPipelineReplicationNotSupported
}

func (t *laneTransport) AppendEntries(_ raft.ServerID, target raft.ServerAddress, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error {
	return t.rpc(replicationLane, target, kindAppend, args, resp, t.timeout)
}

func (t *laneTransport) RequestVote(_ raft.ServerID, target raft.ServerAddress, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
	return t.rpc(electionLane, target, kindVote, args, resp, t.timeout)
}

func (t *laneTransport) RequestPreVote(_ raft.ServerID, target raft.ServerAddress, args *raft.RequestPreVoteRequest, resp *raft.RequestPreVoteResponse) error {
	return t.rpc(electionLane, target, kindPreVote, args, resp, t.timeout)
}

func (t *laneTransport) InstallSnapshot(_ raft.ServerID, target raft.ServerAddress, args *raft.InstallSnapshotRequest, resp *raft.InstallSnapshotResponse, data io.Reader) error {
	blob, err := io.ReadAll(io.LimitReader(data, args.Size))
	if err != nil {
		return err
	}
	return t.rpc(replicationLane, target, kindInstallSnapshot, installSnapshotBody{Req: args, Data: blob}, resp, 10*t.timeout)
}

func (t *laneTransport) TimeoutNow(_ raft.ServerID, target raft.ServerAddress, args *raft.TimeoutNowRequest, resp *raft.TimeoutNowResponse) error {
	return t.rpc(electionLane, target, kindTimeoutNow, args, resp, t.timeout)
}

func (t *laneTransport) EncodePeer(_ raft.ServerID, addr raft.ServerAddress) []byte {
	return []byte(addr)
}

func (t *laneTransport) DecodePeer(b []byte) raft.ServerAddress { return raft.ServerAddress(b) }

func (t *laneTransport) SetHeartbeatHandler(cb func(rpc raft.RPC)) {
	t.mu.Lock()
	t.heartbeatFn = cb
	t.mu.Unlock()
}

func (t *laneTransport) Close() error {
	t.closeOnce.Do(func() { close(t.shutdownCh) })
	return nil
}

var (
	_ raft.Transport   = (*laneTransport)(nil)
	_ raft.WithPreVote = (*laneTransport)(nil)
	_ raft.WithClose   = (*laneTransport)(nil)
)
