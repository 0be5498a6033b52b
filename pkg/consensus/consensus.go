package consensus

import "errors"

var (
	// ErrNotLeader is returned when a write cannot reach a leader.
	ErrNotLeader = errors.New("consensus: no known leader")
	// ErrIndexNotDecided is returned when a snapshot index is past the decided prefix.
	ErrIndexNotDecided = errors.New("consensus: index not decided")
	// ErrClosed is returned once the engine has shut down.
	ErrClosed = errors.New("consensus: engine closed")
)

// KeyValue is the unit of replicated state.
type KeyValue struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

// EntryKind tags a ReadEntry.
type EntryKind uint8

const (
	Undecided EntryKind = iota
	Decided
	Snapshotted
)

func (k EntryKind) String() string {
	switch k {
	case Decided:
		return "Decided"
	case Snapshotted:
		return "Snapshotted"
	default:
		return "Undecided"
	}
}

// ReadEntry is one position of a ReadEntries result. KV is set for Decided
// entries, Snapshot for Snapshotted ones.
type ReadEntry struct {
	Index    uint64
	Kind     EntryKind
	KV       KeyValue
	Snapshot map[string]uint64
}

// DecidedEntry builds a Decided entry.
func DecidedEntry(index uint64, kv KeyValue) ReadEntry {
	return ReadEntry{Index: index, Kind: Decided, KV: kv}
}

// SnapshotEntry builds a Snapshotted entry.
func SnapshotEntry(index uint64, snap map[string]uint64) ReadEntry {
	return ReadEntry{Index: index, Kind: Snapshotted, Snapshot: snap}
}

// UndecidedEntry builds an Undecided entry.
func UndecidedEntry(index uint64) ReadEntry {
	return ReadEntry{Index: index, Kind: Undecided}
}

// IndexRange selects log indices From..To inclusive. To == 0 leaves the
// range open-ended.
type IndexRange struct {
	From uint64
	To   uint64
}

// FullRange covers the whole log.
var FullRange = IndexRange{}

// Contains reports whether index i falls within r.
func (r IndexRange) Contains(i uint64) bool {
	if i < r.From {
		return false
	}
	return r.To == 0 || i <= r.To
}

// Addressed is implemented by every protocol message the node forwards to a
// peer. Destination is the only field the node inspects.
type Addressed interface {
	Destination() uint64
}

// Packet is the opaque body shared by election and replication traffic.
// Body is produced and consumed by the engine only.
type Packet struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
	Seq  string `json:"seq,omitempty"`
	Kind string `json:"kind"`
	Body []byte `json:"body,omitempty"`
	Err  string `json:"err,omitempty"`
}

// Destination returns the node id the packet is addressed to.
func (p Packet) Destination() uint64 { return p.To }

// ElectionMessage travels on the Election lane.
type ElectionMessage struct {
	Packet
}

// ReplicationMessage travels on the Replication lane.
type ReplicationMessage struct {
	Packet
}

// Engine is the call contract of the replicated log. Reads, appends and
// snapshots are synchronous; protocol traffic flows through the four
// channels, which stay open for the lifetime of the engine.
type Engine interface {
	Append(kv KeyValue) error
	// ReadEntries returns the entries in r, or ok == false when the engine
	// has nothing to report for the range.
	ReadEntries(r IndexRange) (entries []ReadEntry, ok bool)
	// Snapshot compacts the log up to index (nil: everything decided).
	// local == false asks peers to compact as well.
	Snapshot(index *uint64, local bool) error

	ElectionOutbound() <-chan ElectionMessage
	ElectionInbound() chan<- ElectionMessage
	ReplicationOutbound() <-chan ReplicationMessage
	ReplicationInbound() chan<- ReplicationMessage
}

var (
	_ Addressed = ElectionMessage{}
	_ Addressed = ReplicationMessage{}
)
