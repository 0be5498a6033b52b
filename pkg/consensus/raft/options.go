package raftcons

import (
	"log"
	"time"
)

const (
	// DefaultQueueCap is the buffer of each engine protocol channel.
	DefaultQueueCap = 24
	// DefaultRPCTimeout bounds one request/response exchange with a peer.
	DefaultRPCTimeout = 2 * time.Second
)

// Options configure the Raft-based Engine.
type Options struct {
	NodeID uint64
	// Peers are the other voters. Every node must be started with the same
	// {NodeID} ∪ Peers set.
	Peers  []uint64
	Logger *log.Logger
	// LogLevel is the hclog level for raft internals ("" = info).
	LogLevel string

	// Bootstrap writes the initial configuration on Start. A node with
	// existing state skips it.
	Bootstrap bool

	// Timeouts (optional). Zero means defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration
	RPCTimeout       time.Duration

	// QueueCap sizes the four protocol channels.
	QueueCap int

	// DataDir selects on-disk stores when non-empty (bolt store for log/stable,
	// file snapshot store). When empty, in-memory stores are used.
	DataDir string

	// SnapshotsRetained controls how many snapshots to retain on disk.
	SnapshotsRetained int
	// TrailingLogs is how many log entries survive a snapshot. Zero compacts
	// everything the snapshot covers.
	TrailingLogs uint64
}
