package node

import "errors"

var (
	ErrNotStarted     = errors.New("node: not started")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrNoEngine       = errors.New("node: no consensus engine")
)
