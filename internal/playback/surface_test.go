package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/livefeed/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is a non-blocking Poster that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) Post(ev session.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []session.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count(kind session.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestSurfacePlayheadAdvances(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(Options{Now: clk.Now})

	clk.Advance(1500 * time.Millisecond)
	if got := s.CurrentTime(); got != 1.5 {
		t.Errorf("CurrentTime = %v, want 1.5", got)
	}

	s.SetCurrentTime(40)
	clk.Advance(2 * time.Second)
	if got := s.CurrentTime(); got != 42 {
		t.Errorf("CurrentTime = %v, want 42", got)
	}
}

func TestSurfacePauseResume(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(Options{Now: clk.Now})
	rec := &recorder{}
	s.Attach(rec)
	defer s.Detach()

	clk.Advance(time.Second)
	s.Pause()
	clk.Advance(10 * time.Second)
	if got := s.CurrentTime(); got != 1 {
		t.Errorf("paused CurrentTime = %v, want 1", got)
	}
	if !s.Paused() {
		t.Error("Paused should be true")
	}

	s.Resume()
	clk.Advance(time.Second)
	if got := s.CurrentTime(); got != 2 {
		t.Errorf("resumed CurrentTime = %v, want 2", got)
	}
	if rec.count(session.EventResume) != 1 {
		t.Errorf("events = %v, want one resume", rec.kinds())
	}
}

func TestSurfaceSeekPostsEvent(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(Options{Now: clk.Now})

	// Not attached: no event, but the playhead still moves.
	s.Seek(5)
	if got := s.CurrentTime(); got != 5 {
		t.Errorf("CurrentTime = %v, want 5", got)
	}

	rec := &recorder{}
	s.Attach(rec)
	s.Seek(7)
	s.Detach()
	s.Seek(9)

	if got := rec.kinds(); len(got) != 1 || got[0] != session.EventSeek {
		t.Errorf("events = %v, want [seek]", got)
	}
}

func TestSurfaceFailPostsError(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	rec := &recorder{}
	s.Attach(rec)
	defer s.Detach()

	boom := errors.New("decoder crashed")
	s.Fail(boom)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Kind != session.EventError || !errors.Is(rec.events[0].Err, boom) {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestSurfaceProgressTicker(t *testing.T) {
	t.Parallel()
	s := New(Options{ProgressInterval: 5 * time.Millisecond})
	rec := &recorder{}
	s.Attach(rec)

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(session.EventProgress) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for progress events")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Detach()
	if s.Attached() {
		t.Error("Attached after Detach")
	}
	n := rec.count(session.EventProgress)
	time.Sleep(30 * time.Millisecond)
	if got := rec.count(session.EventProgress); got != n {
		t.Errorf("progress after Detach: %d -> %d", n, got)
	}
}

func TestSurfaceReattach(t *testing.T) {
	t.Parallel()
	s := New(Options{ProgressInterval: time.Hour})
	first := &recorder{}
	second := &recorder{}

	s.Attach(first)
	s.Detach()
	s.Attach(second)
	defer s.Detach()

	s.Seek(1)
	if first.count(session.EventSeek) != 0 || second.count(session.EventSeek) != 1 {
		t.Error("seek should reach only the current poster")
	}
}
