// Package notify publishes stream session lifecycle events.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Lifecycle event types.
const (
	EventStarted  = "started"
	EventReplaced = "replaced"
	EventClosed   = "closed"
)

// Event describes one session lifecycle change.
type Event struct {
	Type      string    `json:"type" msgpack:"type"`
	Stream    string    `json:"stream" msgpack:"stream"`
	Instance  string    `json:"instance" msgpack:"instance"`
	Endpoint  string    `json:"endpoint,omitempty" msgpack:"endpoint,omitempty"`
	Transport string    `json:"transport,omitempty" msgpack:"transport,omitempty"`
	At        time.Time `json:"at" msgpack:"at"`
}

// Notifier receives lifecycle events. Implementations must not block the
// caller for long.
type Notifier interface {
	Notify(ev Event)
}

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Event) {}

// Payload encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Encode serializes ev in the given encoding.
func Encode(ev Event, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingJSON:
		return json.Marshal(ev)
	case EncodingMsgpack:
		return msgpack.Marshal(ev)
	}
	return nil, fmt.Errorf("notify: unknown encoding %q", encoding)
}
