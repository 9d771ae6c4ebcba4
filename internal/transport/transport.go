// Package transport provides the persistent media connections a session
// reads fragments from. Every transport follows the same protocol: connect,
// send the stream id as one text message, then receive fMP4 fragments as
// binary messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zsiec/livefeed/internal/session"
)

// Kind selects the wire protocol.
type Kind string

// Supported transports.
const (
	KindWebSocket Kind = "websocket"
	KindQUIC      Kind = "quic"
	KindSRT       Kind = "srt"
)

// Sentinel errors.
var (
	ErrClosed       = errors.New("transport: closed")
	ErrNotConnected = errors.New("transport: not connected")
	ErrUnknownKind  = errors.New("transport: unknown kind")
)

// ParseKind maps a configuration string to a Kind. The empty string
// selects WebSocket.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindWebSocket:
		return KindWebSocket, nil
	case KindQUIC:
		return KindQUIC, nil
	case KindSRT:
		return KindSRT, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Endpoint is the media server to connect to.
type Endpoint struct {
	Address string
	Port    int
}

// HostPort returns the endpoint as host:port.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Options tunes a transport. Zero values select defaults.
type Options struct {
	DialTimeout  time.Duration
	MaxFrameSize int
	// StreamID is the SRT stream id sent in the connection request.
	StreamID string
	// InsecureSkipVerify disables certificate verification for QUIC,
	// for servers using self-signed development certificates.
	InsecureSkipVerify bool
	Log                *slog.Logger
}

const defaultDialTimeout = 10 * time.Second

// frameConn is one established connection, independent of protocol.
type frameConn interface {
	ReadFrame() (FrameType, []byte, error)
	WriteText(msg string) error
	Close() error
}

type dialFunc func(ctx context.Context) (frameConn, error)

// Client is a session.Transport over one of the supported protocols.
type Client struct {
	kind     Kind
	endpoint Endpoint
	log      *slog.Logger
	dial     dialFunc

	mu     sync.Mutex
	conn   frameConn
	cancel context.CancelFunc
	closed bool
	done   chan struct{}
}

// New creates an unconnected Client. Open starts the connection.
func New(kind Kind, ep Endpoint, opts Options) (*Client, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}

	var dial dialFunc
	switch kind {
	case KindWebSocket:
		dial = dialWebSocket(ep, opts)
	case KindQUIC:
		dial = dialQUIC(ep, opts)
	case KindSRT:
		dial = dialSRT(ep, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return newClient(kind, ep, opts.Log, dial), nil
}

func newClient(kind Kind, ep Endpoint, log *slog.Logger, dial dialFunc) *Client {
	return &Client{
		kind:     kind,
		endpoint: ep,
		log:      log.With("component", "transport", "kind", string(kind), "endpoint", ep.HostPort()),
		dial:     dial,
		done:     make(chan struct{}),
	}
}

// Kind returns the wire protocol.
func (c *Client) Kind() Kind { return c.kind }

// Endpoint returns the remote endpoint.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Open connects in the background. Progress is reported to p as
// EventConnected, EventFragment, EventTransportError and
// EventTransportClosed.
func (c *Client) Open(ctx context.Context, p session.Poster) {
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, p)
}

func (c *Client) run(ctx context.Context, p session.Poster) {
	defer close(c.done)

	conn, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("connect failed", "error", err)
			p.Post(session.Event{Kind: session.EventTransportError, Err: err})
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.log.Info("connected")
	p.Post(session.Event{Kind: session.EventConnected})

	for {
		typ, data, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.log.Warn("read failed", "error", err)
				p.Post(session.Event{Kind: session.EventTransportError, Err: err})
			}
			c.log.Info("disconnected")
			p.Post(session.Event{Kind: session.EventTransportClosed})
			return
		}
		switch typ {
		case FrameBinary:
			p.Post(session.Event{Kind: session.EventFragment, Data: data})
		default:
			c.log.Debug("ignoring frame", "type", typ, "size", len(data))
		}
	}
}

// Send writes msg as a single text message.
func (c *Client) Send(msg string) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteText(msg)
}

// Close tears down the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
