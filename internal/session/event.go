package session

// EventKind tags an Event delivered to a Session.
type EventKind int

// Event kinds, grouped by the collaborator that raises them.
const (
	// Transport
	EventConnected EventKind = iota + 1
	EventFragment
	EventTransportClosed
	EventTransportError

	// Sink
	EventSinkReady
	EventDrain

	// Surface
	EventSeek
	EventResume
	EventProgress

	// Sink or surface failure; terminal.
	EventError

	// Explicit teardown.
	EventClose
)

var eventNames = map[EventKind]string{
	EventConnected:       "connected",
	EventFragment:        "fragment",
	EventTransportClosed: "transport-closed",
	EventTransportError:  "transport-error",
	EventSinkReady:       "sink-ready",
	EventDrain:           "drain",
	EventSeek:            "seek",
	EventResume:          "resume",
	EventProgress:        "progress",
	EventError:           "error",
	EventClose:           "close",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single notification for a Session. Data is set for
// EventFragment; Err is set for EventError and EventTransportError.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Poster accepts events for asynchronous delivery to a Session. Transports,
// sinks and surfaces hold a Poster rather than the Session itself.
type Poster interface {
	Post(ev Event)
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(ev Event)

// Post calls f(ev).
func (f PosterFunc) Post(ev Event) { f(ev) }
