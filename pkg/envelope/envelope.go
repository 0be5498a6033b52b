// Package envelope implements the line-delimited JSON wire format shared by
// clients and peers: one {"lane":...,"payload":...} object per line.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
)

var (
	ErrUnknownLane      = errors.New("envelope: unknown lane")
	ErrUnknownOperation = errors.New("envelope: unknown operation")
	ErrMissingPayload   = errors.New("envelope: missing payload")
)

// Lane identifies one of the three protocol categories multiplexed over a
// connection.
type Lane string

const (
	Election    Lane = "Election"
	Replication Lane = "Replication"
	Command     Lane = "Command"
)

// Lanes lists every lane in a stable order.
var Lanes = []Lane{Election, Replication, Command}

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	switch l {
	case Election, Replication, Command:
		return true
	}
	return false
}

// Operation is a client command.
type Operation string

const (
	Get      Operation = "Get"
	Put      Operation = "Put"
	Snapshot Operation = "Snapshot"
)

func (o *Operation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Operation(s) {
	case Get, Put, Snapshot:
		*o = Operation(s)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// CommandPayload is the body of a Command envelope. Value is padding for
// Get and Snapshot.
type CommandPayload struct {
	Operation Operation `json:"operation"`
	Key       string    `json:"key"`
	Value     uint64    `json:"value"`
}

// Envelope carries a lane tag and the lane's payload. After Decode, Payload
// holds a *CommandPayload, a consensus.ElectionMessage or a
// consensus.ReplicationMessage.
type Envelope struct {
	Lane    Lane
	Payload any
}

type wire struct {
	Lane    Lane            `json:"lane"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes e as a single JSON line terminated by '\n'.
func Encode(e Envelope) ([]byte, error) {
	if !e.Lane.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLane, e.Lane)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s payload: %w", e.Lane, err)
	}
	b, err := json.Marshal(wire{Lane: e.Lane, Payload: body})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one line (with or without its terminator) into an Envelope,
// decoding the payload into the lane's concrete type.
func Decode(line []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(bytes.TrimSpace(line), &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if len(w.Payload) == 0 || bytes.Equal(w.Payload, []byte("null")) {
		return Envelope{}, ErrMissingPayload
	}
	switch w.Lane {
	case Election:
		var m consensus.ElectionMessage
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return Envelope{}, fmt.Errorf("envelope: decode election payload: %w", err)
		}
		return Envelope{Lane: w.Lane, Payload: m}, nil
	case Replication:
		var m consensus.ReplicationMessage
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return Envelope{}, fmt.Errorf("envelope: decode replication payload: %w", err)
		}
		return Envelope{Lane: w.Lane, Payload: m}, nil
	case Command:
		cmd := new(CommandPayload)
		if err := json.Unmarshal(w.Payload, cmd); err != nil {
			return Envelope{}, fmt.Errorf("envelope: decode command payload: %w", err)
		}
		if cmd.Operation == "" {
			return Envelope{}, fmt.Errorf("%w: missing", ErrUnknownOperation)
		}
		return Envelope{Lane: w.Lane, Payload: cmd}, nil
	}
	return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownLane, w.Lane)
}

// NewCommand wraps a command payload in an Envelope.
func NewCommand(op Operation, key string, value uint64) Envelope {
	return Envelope{Lane: Command, Payload: &CommandPayload{Operation: op, Key: key, Value: value}}
}
