// Package stream owns the live stream sessions of a process: it builds the
// transport, buffer, playback surface and caption tap for each stream,
// runs the session, and tears everything down when the session ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livefeed/internal/buffer"
	"github.com/zsiec/livefeed/internal/captions"
	"github.com/zsiec/livefeed/internal/notify"
	"github.com/zsiec/livefeed/internal/playback"
	"github.com/zsiec/livefeed/internal/session"
	"github.com/zsiec/livefeed/internal/transport"
)

// Sentinel errors returned by Manager operations.
var (
	ErrStreamNotFound = errors.New("stream: not found")
	ErrShutdown       = errors.New("stream: manager shut down")
	ErrInvalidRequest = errors.New("stream: invalid request")
)

// srtStreamPrefix prefixes the stream id in SRT connection requests.
const srtStreamPrefix = "live/"

// Request describes a stream to initialise.
type Request struct {
	ID        string         `json:"id"`
	Address   string         `json:"address"`
	Port      int            `json:"port"`
	Transport transport.Kind `json:"transport,omitempty"`
}

func (r Request) validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	case r.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalidRequest)
	case r.Port < 1 || r.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRequest, r.Port)
	}
	return nil
}

// Stream is one running session and the collaborators built for it.
type Stream struct {
	Request   Request
	StartedAt time.Time

	session  *session.Session
	buffer   *buffer.Buffer
	surface  *playback.Surface
	captions *captions.Tap
	output   *os.File
	done     chan struct{}
}

// Info is a point-in-time view of a stream.
type Info struct {
	ID        string         `json:"id"`
	Instance  string         `json:"instance"`
	Address   string         `json:"address"`
	Port      int            `json:"port"`
	Transport transport.Kind `json:"transport"`
	State     string         `json:"state"`
	StartedAt time.Time      `json:"startedAt"`
	Position  float64        `json:"position"`
	Paused    bool           `json:"paused"`
	Session   session.Stats  `json:"session"`
	Buffer    buffer.Stats   `json:"buffer"`
}

func (s *Stream) info() Info {
	return Info{
		ID:        s.Request.ID,
		Instance:  s.session.InstanceID(),
		Address:   s.Request.Address,
		Port:      s.Request.Port,
		Transport: s.Request.Transport,
		State:     s.session.State().String(),
		StartedAt: s.StartedAt,
		Position:  s.surface.CurrentTime(),
		Paused:    s.surface.Paused(),
		Session:   s.session.Stats(),
		Buffer:    s.buffer.Stats(),
	}
}

// Options configures a Manager.
type Options struct {
	Policy           session.Policy
	Transport        transport.Options
	DefaultTransport transport.Kind
	// OutputDir, if set, receives one recording per session.
	OutputDir    string
	CaptionLines int
	Observer     session.Observer
	Notifier     notify.Notifier
	Log          *slog.Logger
	// NewTransport overrides how the transport for a request is built.
	NewTransport func(Request) (session.Transport, error)
}

// Manager runs one session per stream id.
type Manager struct {
	log      *slog.Logger
	opts     Options
	registry *session.Registry
	g        *errgroup.Group
	ctx      context.Context

	// initMu serialises InitStream so a replacement never races its
	// predecessor's teardown.
	initMu sync.Mutex

	// registry maps stream ids to their current session. streams holds the
	// collaborators of every session that has not finished, including a
	// replaced one still tearing down.
	mu       sync.RWMutex
	streams  map[*session.Session]*Stream
	shutdown bool
}

// NewManager creates a Manager. Sessions run until closed or until ctx is
// cancelled.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.DefaultTransport == "" {
		opts.DefaultTransport = transport.KindWebSocket
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(r Request) (session.Transport, error) {
			to := opts.Transport
			to.Log = opts.Log
			to.StreamID = srtStreamPrefix + r.ID
			return transport.New(r.Transport, transport.Endpoint{Address: r.Address, Port: r.Port}, to)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{
		log:      opts.Log.With("component", "stream-manager"),
		opts:     opts,
		registry: session.NewRegistry(opts.Log),
		g:        g,
		ctx:      gctx,
		streams:  make(map[*session.Session]*Stream),
	}
}

// InitStream starts a session for req. A session already running for the
// same id is closed first and replaced.
func (m *Manager) InitStream(req Request) (Info, error) {
	if req.Transport == "" {
		req.Transport = m.opts.DefaultTransport
	}
	if err := req.validate(); err != nil {
		return Info{}, err
	}
	if _, err := transport.ParseKind(string(req.Transport)); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.isShutdown() {
		return Info{}, ErrShutdown
	}

	var replaced string
	if prev, ok := m.lookup(req.ID); ok {
		replaced = prev.session.InstanceID()
		m.log.Info("replacing stream", "stream", req.ID, "previous", replaced)
		prev.session.Close()
	}
	// A session that already left the registry may still hold the output file.
	for _, st := range m.unfinished(req.ID) {
		<-st.done
	}

	st, err := m.build(req)
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	m.streams[st.session] = st
	m.mu.Unlock()
	if old, ok := m.registry.Register(req.ID, st.session); ok {
		// Only reachable if a session was registered outside InitStream.
		old.Close()
	}

	if replaced != "" {
		m.notify(notify.EventReplaced, req, replaced)
	}
	m.notify(notify.EventStarted, req, st.session.InstanceID())

	m.g.Go(func() error {
		defer m.finish(st)
		return st.session.Run(m.ctx)
	})

	m.log.Info("stream initialised",
		"stream", req.ID,
		"instance", st.session.InstanceID(),
		"transport", string(req.Transport),
		"endpoint", fmt.Sprintf("%s:%d", req.Address, req.Port))
	return st.info(), nil
}

func (m *Manager) build(req Request) (*Stream, error) {
	tr, err := m.opts.NewTransport(req)
	if err != nil {
		return nil, fmt.Errorf("stream %s: transport: %w", req.ID, err)
	}

	var out *os.File
	if m.opts.OutputDir != "" {
		path := filepath.Join(m.opts.OutputDir, outputName(req.ID))
		out, err = os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("stream %s: create output: %w", req.ID, err)
		}
	}

	tap := captions.NewTap(m.opts.CaptionLines, m.opts.Log.With("stream", req.ID))
	bopts := buffer.Options{
		OnFragment:      tap.OnFragment,
		InitialDuration: m.opts.Policy.InitialDuration,
		Log:             m.opts.Log.With("stream", req.ID),
	}
	if out != nil {
		bopts.Output = out
	}
	buf := buffer.New(bopts)
	surface := playback.New(playback.Options{
		ProgressInterval: m.opts.Policy.ProgressInterval,
		Log:              m.opts.Log.With("stream", req.ID),
	})

	sess, err := session.New(session.Config{
		ID:        req.ID,
		Transport: tr,
		Sink:      buf,
		Surface:   surface,
		Policy:    m.opts.Policy,
		Registry:  m.registry,
		Observer:  m.opts.Observer,
		Log:       m.opts.Log,
	})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("stream %s: %w", req.ID, err)
	}

	return &Stream{
		Request:   req,
		StartedAt: sess.CreatedAt(),
		session:   sess,
		buffer:    buf,
		surface:   surface,
		captions:  tap,
		output:    out,
		done:      make(chan struct{}),
	}, nil
}

// outputName maps a stream id to a file name inside the output directory.
func outputName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, id)
	return strings.TrimLeft(name, ".") + ".mp4"
}

// finish runs after a session's Run loop returns.
func (m *Manager) finish(st *Stream) {
	st.buffer.Close()
	if st.output != nil {
		if err := st.output.Close(); err != nil {
			m.log.Warn("close output", "stream", st.Request.ID, "error", err)
		}
	}

	// The session released its registry entry during teardown.
	m.mu.Lock()
	delete(m.streams, st.session)
	m.mu.Unlock()

	m.notify(notify.EventClosed, st.Request, st.session.InstanceID())
	close(st.done)
}

func (m *Manager) notify(typ string, req Request, instance string) {
	m.opts.Notifier.Notify(notify.Event{
		Type:      typ,
		Stream:    req.ID,
		Instance:  instance,
		Endpoint:  fmt.Sprintf("%s:%d", req.Address, req.Port),
		Transport: string(req.Transport),
		At:        time.Now().UTC(),
	})
}

func (m *Manager) isShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdown
}

// lookup resolves id through the registry to the stream of its current
// session.
func (m *Manager) lookup(id string) (*Stream, bool) {
	sess, ok := m.registry.Lookup(id)
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.streams[sess]
	return st, ok
}

func (m *Manager) unfinished(id string) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Stream
	for _, st := range m.streams {
		if st.Request.ID == id {
			out = append(out, st)
		}
	}
	return out
}

// current returns the stream of every registered session.
func (m *Manager) current() []*Stream {
	sessions := m.registry.List()
	m.mu.RLock()
	defer m.mu.RUnlock()
	streams := make([]*Stream, 0, len(sessions))
	for _, sess := range sessions {
		if st, ok := m.streams[sess]; ok {
			streams = append(streams, st)
		}
	}
	return streams
}

// CloseStream closes the session for id and waits for its teardown.
func (m *Manager) CloseStream(id string) error {
	st, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	st.session.Close()
	<-st.done
	return nil
}

// Info returns a view of the stream with the given id.
func (m *Manager) Info(id string) (Info, error) {
	st, ok := m.lookup(id)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return st.info(), nil
}

// List returns a view of every stream, ordered by id.
func (m *Manager) List() []Info {
	streams := m.current()
	infos := make([]Info, 0, len(streams))
	for _, st := range streams {
		infos = append(infos, st.info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// Seek moves the playhead of stream id to t seconds.
func (m *Manager) Seek(id string, t float64) error {
	st, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	st.surface.Seek(t)
	return nil
}

// Pause freezes the playhead of stream id.
func (m *Manager) Pause(id string) error {
	st, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	st.surface.Pause()
	return nil
}

// Resume restarts the playhead of stream id.
func (m *Manager) Resume(id string) error {
	st, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	st.surface.Resume()
	return nil
}

// Snapshot returns the retained media of stream id as one fMP4 file.
func (m *Manager) Snapshot(id string) ([]byte, error) {
	st, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return st.buffer.Snapshot()
}

// Captions returns the most recent caption lines decoded for stream id.
func (m *Manager) Captions(id string) ([]captions.Line, error) {
	st, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return st.captions.Lines(), nil
}

// Shutdown closes every session and waits for all of them to finish.
// InitStream fails with ErrShutdown afterwards.
func (m *Manager) Shutdown() error {
	m.initMu.Lock()
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	streams := m.current()
	m.initMu.Unlock()

	for _, st := range streams {
		st.session.Close()
	}
	err := m.g.Wait()
	m.log.Info("stream manager stopped", "closed", len(streams))
	return err
}
