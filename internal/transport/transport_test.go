package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/livefeed/internal/session"
)

type chanPoster chan session.Event

func (c chanPoster) Post(ev session.Event) { c <- ev }

func (c chanPoster) expect(t *testing.T, kind session.EventKind) session.Event {
	t.Helper()
	select {
	case ev := <-c:
		if ev.Kind != kind {
			t.Fatalf("event = %v (err %v), want %v", ev.Kind, ev.Err, kind)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %v", kind)
		return session.Event{}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf []byte
	buf = AppendFrame(buf, FrameText, []byte("cam-1"))
	buf = AppendFrame(buf, FrameBinary, bytes.Repeat([]byte{0xAB}, 300))
	buf = AppendFrame(buf, FrameBinary, nil)

	r := bufio.NewReader(bytes.NewReader(buf))
	tests := []struct {
		typ  FrameType
		size int
	}{
		{FrameText, 5},
		{FrameBinary, 300},
		{FrameBinary, 0},
	}
	for i, tt := range tests {
		typ, payload, err := ReadFrame(r, 0)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if typ != tt.typ || len(payload) != tt.size {
			t.Errorf("frame %d = %v/%d, want %v/%d", i, typ, len(payload), tt.typ, tt.size)
		}
	}
	if _, _, err := ReadFrame(r, 0); !errors.Is(err, io.EOF) {
		t.Errorf("err after last frame = %v, want io.EOF", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	t.Parallel()

	full := AppendFrame(nil, FrameBinary, []byte("payload"))

	tests := []struct {
		name    string
		data    []byte
		maxSize int
		want    error
	}{
		{"truncated payload", full[:len(full)-2], 0, io.ErrUnexpectedEOF},
		{"missing length", full[:1], 0, io.ErrUnexpectedEOF},
		{"too large", full, 3, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(tt.data)), tt.maxSize)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Kind{"": KindWebSocket, "websocket": KindWebSocket, "quic": KindQUIC, "srt": KindSRT} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("rtmp"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(rtmp) err = %v, want ErrUnknownKind", err)
	}
	if _, err := New("rtmp", Endpoint{}, Options{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("New(rtmp) err = %v, want ErrUnknownKind", err)
	}
}

// pipeConn is an in-memory frameConn.
type pipeConn struct {
	frames chan []byte
	mu     sync.Mutex
	sent   []string
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *pipeConn) ReadFrame() (FrameType, []byte, error) {
	select {
	case f, ok := <-p.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return FrameBinary, f, nil
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *pipeConn) WriteText(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()
	conn := newPipeConn()
	c := newClient(KindWebSocket, Endpoint{"127.0.0.1", 1}, slog.Default(),
		func(context.Context) (frameConn, error) { return conn, nil })

	if err := c.Send("early"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect err = %v, want ErrNotConnected", err)
	}

	p := make(chanPoster, 8)
	c.Open(context.Background(), p)
	p.expect(t, session.EventConnected)

	if err := c.Send("cam-1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn.frames <- []byte("f0")
	if ev := p.expect(t, session.EventFragment); string(ev.Data) != "f0" {
		t.Errorf("fragment = %q, want f0", ev.Data)
	}

	// A clean remote close reports closed without an error.
	close(conn.frames)
	p.expect(t, session.EventTransportClosed)
	<-c.Done()

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Send("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close err = %v, want ErrClosed", err)
	}
	if len(conn.sent) != 1 || conn.sent[0] != "cam-1" {
		t.Errorf("sent = %v", conn.sent)
	}
}

func TestClientDialFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("refused")
	c := newClient(KindSRT, Endpoint{"127.0.0.1", 1}, slog.Default(),
		func(context.Context) (frameConn, error) { return nil, boom })

	p := make(chanPoster, 4)
	c.Open(context.Background(), p)
	ev := p.expect(t, session.EventTransportError)
	if !errors.Is(ev.Err, boom) {
		t.Errorf("err = %v, want %v", ev.Err, boom)
	}
	<-c.Done()
}

func TestClientCancelStopsReader(t *testing.T) {
	t.Parallel()
	conn := newPipeConn()
	c := newClient(KindQUIC, Endpoint{"127.0.0.1", 1}, slog.Default(),
		func(context.Context) (frameConn, error) { return conn, nil })

	ctx, cancel := context.WithCancel(context.Background())
	p := make(chanPoster, 8)
	c.Open(ctx, p)
	p.expect(t, session.EventConnected)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit after cancel")
	}
	// Cancellation is not a transport error.
	p.expect(t, session.EventTransportClosed)
}

func TestWebSocketTransport(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	handshake := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WebSocketPath {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		handshake <- string(msg)
		_ = ws.WriteMessage(websocket.TextMessage, []byte("ignored"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("init"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("seg1"))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	c, err := New(KindWebSocket, Endpoint{Address: host, Port: port}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	p := make(chanPoster, 8)
	c.Open(context.Background(), p)
	p.expect(t, session.EventConnected)
	if err := c.Send("cam-7"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case id := <-handshake:
		if id != "cam-7" {
			t.Errorf("handshake = %q, want cam-7", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive handshake")
	}

	for _, want := range []string{"init", "seg1"} {
		if ev := p.expect(t, session.EventFragment); string(ev.Data) != want {
			t.Errorf("fragment = %q, want %q", ev.Data, want)
		}
	}
	p.expect(t, session.EventTransportClosed)
}
