package session

import (
	"context"
	"errors"
	"sync"
)

var errRejected = errors.New("rejected")

type fakeTransport struct {
	mu      sync.Mutex
	opened  int
	sent    []string
	closed  int
	sendErr error
}

func (f *fakeTransport) Open(context.Context, Poster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
}

func (f *fakeTransport) Send(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// fakeSink rejects any operation issued while a previous one is pending,
// the same contract a real decode buffer enforces.
type fakeSink struct {
	mu        sync.Mutex
	opened    int
	ready     bool
	busy      bool
	appended  [][]byte
	trims     [][2]float64
	eos       int
	span      TimeRange
	spanOK    bool
	appendErr error
	overlaps  int
}

func (f *fakeSink) Open(Poster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
}

func (f *fakeSink) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSink) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeSink) Append(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	if f.busy {
		f.overlaps++
		return errRejected
	}
	f.busy = true
	f.appended = append(f.appended, data)
	return nil
}

func (f *fakeSink) Trim(start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		f.overlaps++
		return errRejected
	}
	f.busy = true
	f.trims = append(f.trims, [2]float64{start, end})
	if f.spanOK && end > f.span.Start {
		f.span.Start = end
	}
	return nil
}

func (f *fakeSink) EndOfStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eos++
	return nil
}

func (f *fakeSink) Buffered() (TimeRange, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.span, f.spanOK
}

func (f *fakeSink) setSpan(start, end float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.span = TimeRange{Start: start, End: end}
	f.spanOK = true
}

// complete finishes the pending operation, as the sink would before
// raising drain.
func (f *fakeSink) complete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = false
}

func (f *fakeSink) appendedStrings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.appended))
	for i, b := range f.appended {
		out[i] = string(b)
	}
	return out
}

type fakeSurface struct {
	mu       sync.Mutex
	current  float64
	sets     []float64
	attached int
	detached int
}

func (f *fakeSurface) Attach(Poster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached++
}

func (f *fakeSurface) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached++
}

func (f *fakeSurface) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSurface) SetCurrentTime(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
	f.sets = append(f.sets, t)
}

type fixture struct {
	sess      *Session
	transport *fakeTransport
	sink      *fakeSink
	surface   *fakeSurface
	registry  *Registry
}

func newFixture(t interface{ Fatalf(string, ...any) }, id string) *fixture {
	f := &fixture{
		transport: &fakeTransport{},
		sink:      &fakeSink{ready: true},
		surface:   &fakeSurface{},
		registry:  NewRegistry(nil),
	}
	s, err := New(Config{
		ID:        id,
		Transport: f.transport,
		Sink:      f.sink,
		Surface:   f.surface,
		Registry:  f.registry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.sess = s
	f.registry.Register(id, s)
	return f
}

// streaming drives the fixture through the handshake into Streaming.
func (f *fixture) streaming() *fixture {
	f.sess.Handle(Event{Kind: EventConnected})
	f.sess.Handle(Event{Kind: EventSinkReady})
	return f
}

func (f *fixture) fragment(data string) {
	f.sess.Handle(Event{Kind: EventFragment, Data: []byte(data)})
}

func (f *fixture) drain() {
	f.sink.complete()
	f.sess.Handle(Event{Kind: EventDrain})
}
