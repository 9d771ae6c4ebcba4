package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/livefeed/internal/fmp4/fmp4test"
	"github.com/zsiec/livefeed/internal/transport"
)

func writeFeed(t *testing.T, durations ...uint32) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "init.mp4"), fmp4test.Init(), 0o644); err != nil {
		t.Fatal(err)
	}
	for i, ms := range durations {
		name := filepath.Join(dir, fmt.Sprintf("seg_%d.m4s", i+1))
		if err := os.WriteFile(name, fmp4test.Media(uint32(i+1), ms, []byte{byte(i + 1)}), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadFeed(t *testing.T) {
	t.Parallel()
	// Eleven segments so seg_10 and seg_11 must sort after seg_9.
	durs := []uint32{500, 500, 500, 500, 500, 500, 500, 500, 500, 2000, 250}
	f, err := loadFeed(writeFeed(t, durs...))
	if err != nil {
		t.Fatalf("loadFeed: %v", err)
	}
	if !bytes.Equal(f.init, fmp4test.Init()) {
		t.Error("init segment mismatch")
	}
	if len(f.segments) != len(durs) {
		t.Fatalf("segments = %d, want %d", len(f.segments), len(durs))
	}
	for i, seg := range f.segments {
		if want := fmt.Sprintf("seg_%d.m4s", i+1); seg.name != want {
			t.Errorf("segment %d = %s, want %s", i, seg.name, want)
		}
		if want := time.Duration(durs[i]) * time.Millisecond; seg.duration != want {
			t.Errorf("%s duration = %v, want %v", seg.name, seg.duration, want)
		}
	}
}

func TestLoadFeedErrors(t *testing.T) {
	t.Parallel()
	if _, err := loadFeed(t.TempDir()); err == nil {
		t.Error("expected error without init.mp4")
	}
	if _, err := loadFeed(writeFeed(t)); err == nil {
		t.Error("expected error without media segments")
	}

	dir := writeFeed(t, 100)
	if err := os.WriteFile(filepath.Join(dir, "seg_2.m4s"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFeed(dir); err == nil || !strings.Contains(err.Error(), "seg_2.m4s") {
		t.Errorf("err = %v, want a parse error naming seg_2.m4s", err)
	}
}

func TestSegmentNumber(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"/x/seg_1.m4s":   1,
		"seg_42.m4s":     42,
		"seg_latest.m4s": -1,
	}
	for path, want := range tests {
		if got := segmentNumber(path); got != want {
			t.Errorf("segmentNumber(%q) = %d, want %d", path, got, want)
		}
	}
}

func TestPlaySendsInitThenSegments(t *testing.T) {
	t.Parallel()
	f, err := loadFeed(writeFeed(t, 10, 10, 10))
	if err != nil {
		t.Fatal(err)
	}

	var sent [][]byte
	err = f.play(context.Background(), playOptions{Speed: 100}, func(b []byte) error {
		sent = append(sent, b)
		return nil
	})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(sent))
	}
	if !bytes.Equal(sent[0], f.init) {
		t.Error("first message should be the init segment")
	}
	for i, seg := range f.segments {
		if !bytes.Equal(sent[i+1], seg.data) {
			t.Errorf("message %d is not %s", i+1, seg.name)
		}
	}
}

func TestPlayLoopStopsOnCancel(t *testing.T) {
	t.Parallel()
	f, err := loadFeed(writeFeed(t, 10))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err = f.play(ctx, playOptions{Loop: true, Speed: 100}, func([]byte) error {
		n++
		if n == 5 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n != 5 {
		t.Errorf("sent %d, want 5", n)
	}
}

func TestPlayStopsOnSendError(t *testing.T) {
	t.Parallel()
	f, err := loadFeed(writeFeed(t, 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("broken pipe")
	err = f.play(context.Background(), playOptions{Loop: true}, func([]byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestWebSocketHandler(t *testing.T) {
	t.Parallel()
	f, err := loadFeed(writeFeed(t, 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(wsHandler(f, playOptions{Speed: 100}, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + transport.WebSocketPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("cam-1")); err != nil {
		t.Fatal(err)
	}
	want := [][]byte{f.init, f.segments[0].data, f.segments[1].data}
	for i, w := range want {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if mt != websocket.BinaryMessage || !bytes.Equal(data, w) {
			t.Errorf("message %d: type %d, %d bytes", i, mt, len(data))
		}
	}
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("after last segment err = %v, want normal close", err)
	}
}

func TestWriteChunked(t *testing.T) {
	t.Parallel()
	var w chunkRecorder
	buf := bytes.Repeat([]byte{7}, srtPayloadSize*2+10)
	if err := writeChunked(&w, buf); err != nil {
		t.Fatal(err)
	}
	if len(w.sizes) != 3 || w.sizes[0] != srtPayloadSize || w.sizes[2] != 10 {
		t.Errorf("chunk sizes = %v", w.sizes)
	}
}

type chunkRecorder struct{ sizes []int }

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return len(p), nil
}
