package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
	ID   uint64
	Term uint64
}

// LeaderNotifier is an optional interface that an Engine implementation may
// provide to notify about leadership changes via an observable channel.
type LeaderNotifier interface {
	// LeaderCh delivers leadership updates. Implementations should buffer
	// and coalesce as needed to avoid blocking the consensus internals.
	LeaderCh() <-chan LeaderInfo
}

// Leadership is optionally implemented by engines that expose their view of
// the current leader and term.
type Leadership interface {
	IsLeader() bool
	Leader() (id uint64, ok bool)
	Term() uint64
}
