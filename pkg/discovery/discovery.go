// Package discovery supplies the fixed set of peer ids a node is started
// with.
package discovery

import "sort"

// Source returns the ids of the cluster. A Source may list the local node;
// callers drop it.
type Source interface {
	Peers() ([]uint64, error)
}

// Merge returns a Source listing the ids of every non-nil source in order.
func Merge(sources ...Source) Source { return merged(sources) }

type merged []Source

func (m merged) Peers() ([]uint64, error) {
	var out []uint64
	for _, s := range m {
		if s == nil {
			continue
		}
		ids, err := s.Peers()
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

// Normalize removes duplicates and self, returning the ids sorted.
func Normalize(self uint64, ids []uint64) []uint64 {
	set := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == self {
			continue
		}
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
