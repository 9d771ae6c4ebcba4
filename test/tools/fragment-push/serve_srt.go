package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/srtgo"

	"github.com/zsiec/livefeed/internal/transport"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtPayloadSize is the largest single write in SRT live mode.
const srtPayloadSize = 1316

func serveSRT(ctx context.Context, addr string, f *feed, opts playOptions, log *slog.Logger) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	log.Info("srt server listening", "addr", addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if streamName(req.StreamID) == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept error", "error", err)
			continue
		}
		go handleSRT(ctx, conn, f, opts, log)
	}
}

// streamName strips the live/ prefix from an SRT stream id.
func streamName(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	return strings.TrimPrefix(streamID, "live/")
}

func handleSRT(ctx context.Context, conn *srtgo.Conn, f *feed, opts playOptions, log *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	name := streamName(conn.StreamID())
	typ, id, err := transport.ReadFrame(bufio.NewReader(conn), maxHandshakeSize)
	if err != nil || typ != transport.FrameText {
		log.Warn("missing handshake", "stream", name, "error", err)
		return
	}
	log.Info("client connected", "stream", string(id), "streamid", name, "remote", conn.RemoteAddr())

	err = f.play(ctx, opts, func(b []byte) error {
		return writeChunked(conn, transport.AppendFrame(nil, transport.FrameBinary, b))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Info("client stream ended", "stream", string(id), "error", err)
		return
	}
	log.Info("client stream finished", "stream", string(id))
}

// writeChunked writes buf in pieces no larger than one SRT live payload.
func writeChunked(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n := min(len(buf), srtPayloadSize)
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
