package main

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/livefeed/internal/certs"
	"github.com/zsiec/livefeed/internal/transport"
)

// maxHandshakeSize bounds the stream id frame a client sends.
const maxHandshakeSize = 4 << 10

func serveQUIC(ctx context.Context, addr string, cert *certs.CertInfo, f *feed, opts playOptions, log *slog.Logger) error {
	ln, err := quic.ListenAddr(addr, cert.TLSConfig(transport.ALPN), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("quic server listening", "addr", addr, "alpn", transport.ALPN)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleQUIC(ctx, conn, f, opts, log)
	}
}

func handleQUIC(ctx context.Context, conn quic.Connection, f *feed, opts playOptions, log *slog.Logger) {
	defer conn.CloseWithError(0, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	str, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Warn("accept stream", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	typ, id, err := transport.ReadFrame(bufio.NewReader(str), maxHandshakeSize)
	if err != nil || typ != transport.FrameText {
		log.Warn("missing handshake", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	log.Info("client connected", "stream", string(id), "remote", conn.RemoteAddr())

	err = f.play(ctx, opts, func(b []byte) error {
		_, err := str.Write(transport.AppendFrame(nil, transport.FrameBinary, b))
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Info("client stream ended", "stream", string(id), "error", err)
		return
	}
	_ = str.Close()
	log.Info("client stream finished", "stream", string(id))
}
