package envelope

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/amirimatin/go-kvnode/pkg/consensus"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"election", Envelope{Lane: Election, Payload: consensus.ElectionMessage{Packet: consensus.Packet{From: 1, To: 2, Seq: "a1", Kind: "vote", Body: []byte{0x81, 0xa1, 0x54}}}}},
		{"election-response", Envelope{Lane: Election, Payload: consensus.ElectionMessage{Packet: consensus.Packet{From: 2, To: 1, Seq: "a1", Kind: "vote_resp", Err: "rejected"}}}},
		{"replication", Envelope{Lane: Replication, Payload: consensus.ReplicationMessage{Packet: consensus.Packet{From: 3, To: 1, Seq: "b7", Kind: "append", Body: []byte("entries")}}}},
		{"get", NewCommand(Get, "A", 0)},
		{"put", NewCommand(Put, "key", 18446744073709551615)},
		{"snapshot", NewCommand(Snapshot, "", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.env)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if !bytes.HasSuffix(line, []byte("\n")) || bytes.Count(line, []byte("\n")) != 1 {
				t.Fatalf("encoded form is not a single line: %q", line)
			}
			got, err := Decode(line)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.env) {
				t.Fatalf("round trip = %#v, want %#v", got, tt.env)
			}
		})
	}
}

func TestDecode_WireShape(t *testing.T) {
	line := []byte(`{"lane":"Command","payload":{"operation":"Put","key":"A","value":10}}`)
	env, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cmd, ok := env.Payload.(*CommandPayload)
	if !ok {
		t.Fatalf("payload type %T", env.Payload)
	}
	if env.Lane != Command || cmd.Operation != Put || cmd.Key != "A" || cmd.Value != 10 {
		t.Fatalf("unexpected envelope %+v / %+v", env, cmd)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"unknown lane", `{"lane":"Gossip","payload":{}}`, ErrUnknownLane},
		{"unknown op", `{"lane":"Command","payload":{"operation":"Delete","key":"A","value":0}}`, ErrUnknownOperation},
		{"missing op", `{"lane":"Command","payload":{"key":"A"}}`, ErrUnknownOperation},
		{"missing payload", `{"lane":"Command"}`, ErrMissingPayload},
		{"null payload", `{"lane":"Election","payload":null}`, ErrMissingPayload},
	}
	for _, tt := range tests {
		if _, err := Decode([]byte(tt.line)); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	for _, bad := range []string{`not json`, `{"lane":"Command","payload":{"value":-1}}`, `{"lane":"Replication","payload":"x"}`} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Fatalf("Decode(%q) succeeded", bad)
		}
	}
}

func TestEncode_RejectsUnknownLane(t *testing.T) {
	if _, err := Encode(Envelope{Lane: "Bogus", Payload: 1}); !errors.Is(err, ErrUnknownLane) {
		t.Fatalf("err = %v", err)
	}
}
