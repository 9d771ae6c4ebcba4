package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a Session's position in its lifecycle.
type State int

// Session states. Closed is terminal.
const (
	StateConnecting State = iota
	StateBufferOpening
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBufferOpening:
		return "buffer-opening"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// defaultMailboxSize is the number of pending events a Session buffers
// before Post blocks the caller.
const defaultMailboxSize = 64

// Config holds the parameters for creating a Session.
type Config struct {
	ID        string
	Transport Transport
	Sink      Sink
	Surface   Surface
	Policy    Policy
	// Registry, if set, is released when the session closes.
	Registry    *Registry
	Observer    Observer
	Log         *slog.Logger
	MailboxSize int
}

// Stats is a point-in-time snapshot of a Session's counters.
type Stats struct {
	ID            string  `json:"id"`
	Instance      string  `json:"instance"`
	State         string  `json:"state"`
	Received      int64   `json:"received"`
	Appended      int64   `json:"appended"`
	BytesAppended int64   `json:"bytesAppended"`
	QueueDepth    int     `json:"queueDepth"`
	MaxQueueDepth int     `json:"maxQueueDepth"`
	Trims         int64   `json:"trims"`
	Corrections   int64   `json:"corrections"`
	LastTrimEnd   float64 `json:"lastTrimEnd"`
	SinkBusy      bool    `json:"sinkBusy"`
}

// Session moves fragments from one Transport into one Sink. All state
// changes happen inside Handle, one event at a time.
type Session struct {
	id        string
	instance  string
	log       *slog.Logger
	transport Transport
	sink      Sink
	surface   Surface
	policy    Policy
	registry  *Registry
	observer  Observer
	createdAt time.Time

	mu          sync.Mutex
	state       State
	sinkReady   bool
	sinkBusy    bool
	started     bool
	attached    bool
	queue       [][]byte
	lastTrimEnd float64

	received      int64
	appended      int64
	bytesAppended int64
	maxQueue      int
	trims         int64
	corrections   int64

	mailbox   chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Session in the Connecting state. It returns an error if
// the id or any collaborator is missing.
func New(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		return nil, ErrMissingID
	}
	if cfg.Transport == nil || cfg.Sink == nil || cfg.Surface == nil {
		return nil, ErrMissingDep
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}

	instance := uuid.NewString()
	return &Session{
		id:        cfg.ID,
		instance:  instance,
		log:       cfg.Log.With("component", "session", "stream", cfg.ID, "instance", instance),
		transport: cfg.Transport,
		sink:      cfg.Sink,
		surface:   cfg.Surface,
		policy:    cfg.Policy.withDefaults(),
		registry:  cfg.Registry,
		observer:  cfg.Observer,
		createdAt: time.Now(),
		state:     StateConnecting,
		mailbox:   make(chan Event, cfg.MailboxSize),
		done:      make(chan struct{}),
	}, nil
}

// ID returns the stream identifier.
func (s *Session) ID() string { return s.id }

// InstanceID returns the unique identifier of this Session instance,
// distinguishing it from earlier sessions for the same stream.
func (s *Session) InstanceID() string { return s.instance }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Policy returns the effective policy.
func (s *Session) Policy() Policy { return s.policy }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session has reached the Closed state.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run opens the sink and the transport, then processes posted events
// until the session closes or ctx is cancelled. Cancelling ctx closes the
// session.
func (s *Session) Run(ctx context.Context) error {
	s.observer.SessionStarted(s.id)
	s.log.Info("session starting")

	s.sink.Open(s)
	s.transport.Open(ctx, s)

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-s.done:
			return nil
		case ev := <-s.mailbox:
			s.Handle(ev)
		}
	}
}

// Post queues ev for the Run loop. It blocks while the mailbox is full and
// returns immediately once the session has closed.
func (s *Session) Post(ev Event) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

// Close tears the session down. Calling Close on a closed session is a
// no-op.
func (s *Session) Close() {
	s.Handle(Event{Kind: EventClose})
}

// Handle processes a single event. It is the only entry point that
// changes session state.
func (s *Session) Handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		if ev.Kind != EventClose {
			s.log.Debug("event ignored, session closed", "event", ev.Kind)
		}
		return
	}

	switch ev.Kind {
	case EventConnected:
		s.onConnected()
	case EventSinkReady:
		s.onSinkReady()
	case EventFragment:
		s.onFragment(ev.Data)
	case EventDrain:
		s.onDrain()
	case EventProgress:
		s.onProgress()
	case EventSeek, EventResume:
		s.correctPosition(ev.Kind)
	case EventTransportClosed:
		s.log.Info("transport closed")
	case EventTransportError:
		s.log.Warn("transport error", "error", ev.Err)
	case EventError:
		s.log.Error("sink or playback error, closing", "error", ev.Err)
		s.observer.SinkFailed(s.id)
		s.teardown()
	case EventClose:
		s.teardown()
	default:
		s.log.Debug("unknown event", "event", ev.Kind)
	}
}

func (s *Session) onConnected() {
	if s.state != StateConnecting {
		s.log.Debug("duplicate connected event", "state", s.state)
		return
	}
	if err := s.transport.Send(s.id); err != nil {
		s.log.Warn("handshake failed", "error", &TransportError{Op: "handshake", Err: err})
	}
	s.state = StateBufferOpening
	s.log.Debug("handshake sent")
	if s.sinkReady {
		s.enterStreaming()
	}
}

func (s *Session) onSinkReady() {
	s.sinkReady = true
	if s.state == StateBufferOpening {
		s.enterStreaming()
	}
}

// enterStreaming attaches the surface and flushes fragments that arrived
// while the sink was opening.
func (s *Session) enterStreaming() {
	s.state = StateStreaming
	s.surface.Attach(s)
	s.attached = true
	s.log.Info("streaming", "queued", len(s.queue))

	if len(s.queue) > 0 && !s.sinkBusy {
		next := s.dequeue()
		if s.append(next) {
			s.started = true
		}
	}
}

func (s *Session) onFragment(data []byte) {
	s.received++
	s.observer.FragmentReceived(s.id, len(data))

	if s.state != StateStreaming {
		s.enqueue(data)
		return
	}
	if !s.started && !s.sinkBusy {
		if s.append(data) {
			s.started = true
		}
		return
	}
	s.enqueue(data)
}

func (s *Session) onDrain() {
	if !s.sinkBusy {
		s.log.Debug("drain with no outstanding operation")
	}
	if len(s.queue) > 0 {
		// sinkBusy stays set: the next append is issued immediately.
		s.append(s.dequeue())
		return
	}
	s.sinkBusy = false
	s.started = false
}

// append hands data to the sink. On rejection the session is torn down
// and append returns false.
func (s *Session) append(data []byte) bool {
	if err := s.sink.Append(data); err != nil {
		s.fail(&SinkError{Op: "append", Err: err})
		return false
	}
	s.sinkBusy = true
	s.appended++
	s.bytesAppended += int64(len(data))
	s.observer.FragmentAppended(s.id, len(data))
	return true
}

func (s *Session) enqueue(data []byte) {
	s.queue = append(s.queue, data)
	if len(s.queue) > s.maxQueue {
		s.maxQueue = len(s.queue)
	}
	s.observer.QueueDepth(s.id, len(s.queue))
}

func (s *Session) dequeue() []byte {
	head := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.observer.QueueDepth(s.id, len(s.queue))
	return head
}

func (s *Session) onProgress() {
	if s.state != StateStreaming {
		return
	}
	span, ok := s.sink.Buffered()
	if !ok || !NeedsTrim(span, s.lastTrimEnd, s.policy.RetainedWindow) {
		return
	}
	if s.sinkBusy || s.sink.Busy() {
		s.log.Debug("trim deferred, sink busy", "start", span.Start, "end", span.End)
		return
	}

	start, end := TrimRange(span, s.policy.RetainedWindow, s.policy.TrimEpsilon)
	if err := s.sink.Trim(start, end); err != nil {
		s.fail(&SinkError{Op: "trim", Err: err})
		return
	}
	s.sinkBusy = true
	s.lastTrimEnd = span.End
	s.trims++
	s.observer.WindowTrimmed(s.id)
	s.log.Debug("window trimmed", "from", start, "to", end, "bufferedEnd", span.End)
}

func (s *Session) correctPosition(kind EventKind) {
	if s.state != StateStreaming {
		return
	}
	span, ok := s.sink.Buffered()
	if !ok {
		return
	}
	current := s.surface.CurrentTime()
	target, corrected := CorrectedPosition(current, span.Start, s.policy.SeekMargin)
	if !corrected {
		return
	}
	s.surface.SetCurrentTime(target)
	s.corrections++
	s.observer.PositionCorrected(s.id)
	s.log.Info("playback position corrected",
		"trigger", kind,
		"from", current,
		"to", target,
		"bufferStart", span.Start)
}

func (s *Session) fail(err error) {
	s.log.Error("sink operation failed, closing", "error", err)
	s.observer.SinkFailed(s.id)
	s.teardown()
}

// teardown closes the transport, ends the sink when it is idle, detaches
// the surface and releases the registry entry. Callers hold s.mu.
func (s *Session) teardown() {
	s.state = StateClosed
	s.closeOnce.Do(func() { close(s.done) })

	if err := s.transport.Close(); err != nil {
		s.log.Debug("transport close", "error", err)
	}

	switch {
	case !s.sinkReady:
		s.log.Warn("close failed, sink is not open")
	case s.sinkBusy || s.sink.Busy():
		s.log.Warn("close failed, sink is busy")
	default:
		if err := s.sink.EndOfStream(); err != nil {
			s.log.Warn("end of stream", "error", &SinkError{Op: "end-of-stream", Err: err})
		}
	}

	if s.attached {
		s.surface.Detach()
		s.attached = false
	}

	dropped := len(s.queue)
	s.queue = nil

	if s.registry != nil {
		s.registry.Release(s.id, s)
	}
	s.observer.SessionClosed(s.id)
	s.log.Info("session closed",
		"received", s.received,
		"appended", s.appended,
		"dropped", dropped,
		"trims", s.trims)
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:            s.id,
		Instance:      s.instance,
		State:         s.state.String(),
		Received:      s.received,
		Appended:      s.appended,
		BytesAppended: s.bytesAppended,
		QueueDepth:    len(s.queue),
		MaxQueueDepth: s.maxQueue,
		Trims:         s.trims,
		Corrections:   s.corrections,
		LastTrimEnd:   s.lastTrimEnd,
		SinkBusy:      s.sinkBusy,
	}
}
