package session

import "context"

// Transport is a persistent duplex connection to a media endpoint. Open
// connects in the background and reports EventConnected, EventFragment,
// EventTransportClosed and EventTransportError to the Poster.
type Transport interface {
	Open(ctx context.Context, p Poster)
	Send(msg string) error
	Close() error
}

// Sink is a decode buffer that accepts one operation at a time. An
// operation (Append or Trim) completes asynchronously with EventDrain;
// issuing another operation before that is rejected. Open reports
// EventSinkReady once the sink can accept appends.
type Sink interface {
	Open(p Poster)
	Ready() bool
	Busy() bool
	Append(fragment []byte) error
	// Trim evicts retained media in [start, end), in seconds.
	Trim(start, end float64) error
	EndOfStream() error
	Buffered() (TimeRange, bool)
}

// Surface is the playback position consumer. While attached it reports
// EventSeek, EventResume, EventProgress and EventError to the Poster.
type Surface interface {
	Attach(p Poster)
	Detach()
	CurrentTime() float64
	SetCurrentTime(t float64)
}

// Observer receives session telemetry. All methods must be cheap and
// non-blocking; they run on the session's event loop.
type Observer interface {
	SessionStarted(streamID string)
	SessionClosed(streamID string)
	FragmentReceived(streamID string, size int)
	FragmentAppended(streamID string, size int)
	QueueDepth(streamID string, depth int)
	WindowTrimmed(streamID string)
	PositionCorrected(streamID string)
	SinkFailed(streamID string)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string) {}
func (nopObserver) SessionClosed(string) {}
func (nopObserver) FragmentReceived(string, int) {}
func (nopObserver) FragmentAppended(string, int) {}
func (nopObserver) QueueDepth(string, int) {}
func (nopObserver) WindowTrimmed(string) {}
func (nopObserver) PositionCorrected(string) {}
func (nopObserver) SinkFailed(string) {}
