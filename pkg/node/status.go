package node

// Status is a JSON-serializable snapshot of one node for management
// endpoints and tooling.
type Status struct {
	ID         uint64   `json:"id"`
	Peers      []uint64 `json:"peers"`
	Listen     string   `json:"listen"`
	ClientAddr string   `json:"client_addr"`
	// Healthy is true once a leader is known.
	Healthy  bool   `json:"healthy"`
	LeaderID uint64 `json:"leader_id,omitempty"`
	IsLeader bool   `json:"is_leader"`
	Term     uint64 `json:"term"`
	// Queues holds the number of items waiting in each lane queue.
	Queues   map[string]int `json:"queues"`
	Warnings []string       `json:"warnings,omitempty"`
}
