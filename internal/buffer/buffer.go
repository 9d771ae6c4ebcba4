// Package buffer implements a headless fMP4 decode buffer. Fragments are
// placed back to back on a single timeline (sequence mode) regardless of
// their own decode timestamps, and whole fragments are evicted by Trim.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/livefeed/internal/fmp4"
	"github.com/zsiec/livefeed/internal/session"
)

// Sentinel errors returned when an operation is issued out of turn.
var (
	ErrNotOpen = errors.New("buffer: not open")
	ErrBusy    = errors.New("buffer: operation in progress")
	ErrEnded   = errors.New("buffer: ended")
)

// DefaultInitialDuration is reported by Duration until media arrives.
const DefaultInitialDuration = 2.0

// FragmentFunc observes each media fragment after it is buffered.
type FragmentFunc func(init *fmp4.Init, frag *fmp4.Fragment)

// Options configures a Buffer.
type Options struct {
	// Output, if set, receives the init segment and every appended media
	// fragment, in order.
	Output          io.Writer
	OnFragment      FragmentFunc
	InitialDuration float64
	Log             *slog.Logger
}

type opKind int

const (
	opAppend opKind = iota
	opTrim
)

type op struct {
	kind       opKind
	data       []byte
	start, end float64
}

// entry is one buffered media message placed on the timeline.
type entry struct {
	start, end float64
	data       []byte
}

// Buffer is a session.Sink that decodes fMP4 fragments on a worker
// goroutine, one operation at a time.
type Buffer struct {
	log        *slog.Logger
	out        io.Writer
	onFragment FragmentFunc
	initialDur float64

	ops      chan op
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	poster  session.Poster
	ready   bool
	busy    bool
	ended   bool
	init    *fmp4.Init
	entries []entry
	end     float64
	bytes   int
}

// New creates a Buffer. It does nothing until Open is called.
func New(opts Options) *Buffer {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.InitialDuration <= 0 {
		opts.InitialDuration = DefaultInitialDuration
	}
	return &Buffer{
		log:        opts.Log.With("component", "buffer"),
		out:        opts.Output,
		onFragment: opts.OnFragment,
		initialDur: opts.InitialDuration,
		ops:        make(chan op, 1),
		stop:       make(chan struct{}),
	}
}

// Open starts the worker and reports EventSinkReady to p.
func (b *Buffer) Open(p session.Poster) {
	b.mu.Lock()
	if b.poster != nil || b.ended {
		b.mu.Unlock()
		return
	}
	b.poster = p
	b.ready = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.Post(session.Event{Kind: session.EventSinkReady})
		b.loop()
	}()
}

// Ready reports whether the buffer is open and not ended.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready && !b.ended
}

// Busy reports whether an Append or Trim is in progress.
func (b *Buffer) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Append queues a fragment for decoding. Completion is reported with
// EventDrain, or EventError if the fragment cannot be decoded.
func (b *Buffer) Append(fragment []byte) error {
	return b.submit(op{kind: opAppend, data: fragment})
}

// Trim evicts every buffered fragment that lies entirely inside
// [start, end). Completion is reported with EventDrain.
func (b *Buffer) Trim(start, end float64) error {
	if end <= start {
		return fmt.Errorf("buffer: invalid trim range [%v, %v)", start, end)
	}
	return b.submit(op{kind: opTrim, start: start, end: end})
}

func (b *Buffer) submit(o op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.ended:
		return ErrEnded
	case !b.ready:
		return ErrNotOpen
	case b.busy:
		return ErrBusy
	}
	b.busy = true
	// ops has room for exactly the one operation busy admits.
	b.ops <- o
	return nil
}

// EndOfStream stops the worker. The buffered media stays available to
// Snapshot.
func (b *Buffer) EndOfStream() error {
	b.mu.Lock()
	switch {
	case b.ended:
		b.mu.Unlock()
		return ErrEnded
	case !b.ready:
		b.mu.Unlock()
		return ErrNotOpen
	case b.busy:
		b.mu.Unlock()
		return ErrBusy
	}
	b.ended = true
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stop) })
	b.log.Debug("end of stream", "duration", b.Duration())
	return nil
}

// Wait blocks until the worker has exited.
func (b *Buffer) Wait() {
	b.wg.Wait()
}

// Close stops the worker even if an operation is outstanding, then waits
// for it to exit. Buffered media stays available to Snapshot.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

// Buffered returns the span of retained media, in seconds.
func (b *Buffer) Buffered() (session.TimeRange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return session.TimeRange{}, false
	}
	return session.TimeRange{
		Start: b.entries[0].start,
		End:   b.entries[len(b.entries)-1].end,
	}, true
}

// Duration returns the end of the timeline in seconds, or the initial
// placeholder duration if no media has been appended yet.
func (b *Buffer) Duration() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.end == 0 {
		return b.initialDur
	}
	return b.end
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	Fragments int                `json:"fragments"`
	Bytes     int                `json:"bytes"`
	Buffered  *session.TimeRange `json:"buffered,omitempty"`
	Duration  float64            `json:"duration"`
}

// Stats returns a snapshot of the buffer's contents.
func (b *Buffer) Stats() Stats {
	span, ok := b.Buffered()
	st := Stats{Duration: b.Duration()}
	if ok {
		st.Buffered = &span
	}
	b.mu.Lock()
	st.Fragments = len(b.entries)
	st.Bytes = b.bytes
	b.mu.Unlock()
	return st
}

// Snapshot returns the init segment followed by every retained fragment
// as one playable fMP4 byte stream.
func (b *Buffer) Snapshot() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.init == nil {
		return nil, fmp4.ErrNoInit
	}
	var buf bytes.Buffer
	buf.Grow(len(b.init.Raw) + b.bytes)
	buf.Write(b.init.Raw)
	for _, e := range b.entries {
		buf.Write(e.data)
	}
	return buf.Bytes(), nil
}

func (b *Buffer) loop() {
	for {
		select {
		case <-b.stop:
			return
		case o := <-b.ops:
			var err error
			switch o.kind {
			case opAppend:
				err = b.decode(o.data)
			case opTrim:
				b.evict(o.start, o.end)
			}

			b.mu.Lock()
			b.busy = false
			p := b.poster
			b.mu.Unlock()

			if err != nil {
				b.log.Warn("fragment rejected", "error", err)
				p.Post(session.Event{Kind: session.EventError, Err: err})
				continue
			}
			p.Post(session.Event{Kind: session.EventDrain})
		}
	}
}

func (b *Buffer) decode(data []byte) error {
	b.mu.Lock()
	init := b.init
	b.mu.Unlock()

	seg, err := fmp4.Parse(data, init)
	if err != nil {
		return fmt.Errorf("buffer: decode fragment: %w", err)
	}

	media := data
	if seg.Init != nil {
		init = seg.Init
		media = data[len(seg.Init.Raw):]
		b.log.Info("init segment", "tracks", len(init.Tracks))
	}
	if b.out != nil {
		if _, err := b.out.Write(data); err != nil {
			return fmt.Errorf("buffer: write output: %w", err)
		}
	}

	b.mu.Lock()
	b.init = init
	if len(seg.Fragments) > 0 {
		d := seg.Duration()
		b.entries = append(b.entries, entry{start: b.end, end: b.end + d, data: media})
		b.end += d
		b.bytes += len(media)
	}
	b.mu.Unlock()

	if b.onFragment != nil {
		for _, f := range seg.Fragments {
			b.onFragment(init, f)
		}
	}
	return nil
}

func (b *Buffer) evict(start, end float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	removed := 0
	for _, e := range b.entries {
		if e.start >= start && e.end <= end {
			b.bytes -= len(e.data)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(b.entries[len(kept):])
	b.entries = kept
	b.log.Debug("evicted", "count", removed, "start", start, "end", end)
}
