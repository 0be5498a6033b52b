package static

import (
	"github.com/amirimatin/go-kvnode/pkg/discovery"
	"github.com/amirimatin/go-kvnode/pkg/peer"
)

type staticPeers struct {
	ids []uint64
}

func (s *staticPeers) Peers() ([]uint64, error) { return append([]uint64(nil), s.ids...), nil }

// New returns a Source that always returns the given ids.
func New(ids ...uint64) discovery.Source {
	return &staticPeers{ids: append([]uint64(nil), ids...)}
}

// Parse builds a Source from a comma-separated list such as "2,3".
func Parse(csv string) (discovery.Source, error) {
	ids, err := peer.ParseIDs(csv)
	if err != nil {
		return nil, err
	}
	return New(ids...), nil
}
