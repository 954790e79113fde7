package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/perpcore/pkg/events"
)

func init() {
	gob.Register(BatchWire{})
	gob.Register(SinceWire{})
}

// BatchWire is one committed batch of events as gossiped between nodes
type BatchWire struct {
	Origin  string // peer id of the committing node
	Events  []events.Event
	Evicted bool // catch-up only: older events are no longer held
}

// SinceWire asks a peer for the events it still holds after seq After
type SinceWire struct {
	After uint64
	Limit int
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
