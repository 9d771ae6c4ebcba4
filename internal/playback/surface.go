// Package playback provides a headless playback surface: a playhead that
// advances with the wall clock while playing and reports seek, resume,
// progress and failure to the attached session.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/livefeed/internal/session"
)

// Options configures a Surface.
type Options struct {
	// ProgressInterval is how often EventProgress is posted while
	// attached. Zero disables the ticker.
	ProgressInterval time.Duration
	// Now overrides the clock.
	Now func() time.Time
	Log *slog.Logger
}

// Surface implements session.Surface.
type Surface struct {
	log      *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	poster session.Poster
	base   float64
	anchor time.Time
	paused bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a playing Surface positioned at 0.
func New(opts Options) *Surface {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Surface{
		log:      opts.Log.With("component", "playback"),
		now:      opts.Now,
		interval: opts.ProgressInterval,
		anchor:   opts.Now(),
	}
}

// Attach starts reporting events to p.
func (s *Surface) Attach(p session.Poster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poster != nil {
		return
	}
	s.poster = p
	if s.interval <= 0 {
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.tick(s.stop, s.interval)
}

// Detach stops reporting events and waits for the progress ticker to exit.
func (s *Surface) Detach() {
	s.mu.Lock()
	stop := s.stop
	s.poster = nil
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}

// Attached reports whether a session is attached.
func (s *Surface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poster != nil
}

// CurrentTime returns the playhead position in seconds.
func (s *Surface) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

func (s *Surface) position() float64 {
	if s.paused {
		return s.base
	}
	return s.base + s.now().Sub(s.anchor).Seconds()
}

// SetCurrentTime moves the playhead without reporting a seek.
func (s *Surface) SetCurrentTime(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = t
	s.anchor = s.now()
}

// Paused reports whether playback is paused.
func (s *Surface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Seek moves the playhead to t and reports EventSeek.
func (s *Surface) Seek(t float64) {
	s.SetCurrentTime(t)
	s.log.Debug("seek", "position", t)
	s.post(session.Event{Kind: session.EventSeek})
}

// Pause freezes the playhead.
func (s *Surface) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.base = s.position()
	s.paused = true
}

// Resume restarts the playhead and reports EventResume.
func (s *Surface) Resume() {
	s.mu.Lock()
	wasPaused := s.paused
	if wasPaused {
		s.paused = false
		s.anchor = s.now()
	}
	s.mu.Unlock()

	if wasPaused {
		s.log.Debug("resume", "position", s.CurrentTime())
	}
	s.post(session.Event{Kind: session.EventResume})
}

// Fail reports a playback failure. The attached session treats it as
// terminal.
func (s *Surface) Fail(err error) {
	s.log.Error("playback failed", "error", err)
	s.post(session.Event{Kind: session.EventError, Err: err})
}

// post delivers ev outside the lock so a session handling another event
// can call back into the surface.
func (s *Surface) post(ev session.Event) {
	s.mu.Lock()
	p := s.poster
	s.mu.Unlock()
	if p != nil {
		p.Post(ev)
	}
}

func (s *Surface) tick(stop <-chan struct{}, interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.post(session.Event{Kind: session.EventProgress})
		}
	}
}
