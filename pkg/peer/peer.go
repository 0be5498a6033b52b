// Package peer maps node identifiers to network endpoints.
package peer

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultHost is the loopback host every node listens on.
	DefaultHost = "127.0.0.1"
	// DefaultBasePort is added to a node id to obtain its port.
	DefaultBasePort uint16 = 11000
)

// Identity is the immutable identity of the local node.
type Identity struct {
	ID    uint64
	Peers []uint64
}

// All returns the local id and its peers, sorted and de-duplicated.
func (i Identity) All() []uint64 {
	seen := map[uint64]struct{}{i.ID: {}}
	out := []uint64{i.ID}
	for _, p := range i.Peers {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Resolver derives a node's endpoint from its identifier: Host:BasePort+id.
// Resolve is pure and has no failure mode.
type Resolver struct {
	Host     string
	BasePort uint16
}

// NewResolver returns a Resolver, applying defaults for zero values.
func NewResolver(host string, basePort uint16) Resolver {
	if host == "" {
		host = DefaultHost
	}
	if basePort == 0 {
		basePort = DefaultBasePort
	}
	return Resolver{Host: host, BasePort: basePort}
}

// Resolve returns the host:port endpoint of node id.
func (r Resolver) Resolve(id uint64) string {
	host := r.Host
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(r.BasePort)+id, 10))
}

// ParseIDs converts a comma-separated list such as "2, 3" into node ids.
// Empty items are skipped.
func ParseIDs(csv string) ([]uint64, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("peer: invalid node id %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}
