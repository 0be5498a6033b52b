package command

import "github.com/amirimatin/go-kvnode/pkg/consensus"

// Reconstruct returns the value of key as seen from the tail of entries.
// Positions are scanned newest first: a Decided entry for key or a
// Snapshotted entry containing key ends the scan, anything else is skipped.
//
// A snapshot closer to the tail wins over an older Decided entry for the
// same key. Whether a snapshot dominates every entry before its index is
// not checked.
func Reconstruct(entries []consensus.ReadEntry, key string) (uint64, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.Kind {
		case consensus.Decided:
			if e.KV.Key == key {
				return e.KV.Value, true
			}
		case consensus.Snapshotted:
			if v, ok := e.Snapshot[key]; ok {
				return v, true
			}
		}
	}
	return 0, false
}
