package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/livefeed/internal/transport"
)

func serveWebSocket(ctx context.Context, addr string, f *feed, opts playOptions, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(transport.WebSocketPath, wsHandler(f, opts, log))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	log.Info("websocket server listening", "addr", addr, "path", transport.WebSocketPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func wsHandler(f *feed, opts playOptions, log *slog.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		// Development tool; accept any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		mt, msg, err := ws.ReadMessage()
		if err != nil || mt != websocket.TextMessage {
			log.Warn("missing handshake", "remote", r.RemoteAddr, "error", err)
			return
		}
		id := string(msg)
		log.Info("client connected", "stream", id, "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// Drain client messages so a close is noticed between sends.
		go func() {
			defer cancel()
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		err = f.play(ctx, opts, func(b []byte) error {
			return ws.WriteMessage(websocket.BinaryMessage, b)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Info("client stream ended", "stream", id, "error", err)
			return
		}
		msgClose := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msgClose, time.Now().Add(time.Second))
		log.Info("client stream finished", "stream", id)
	})
}
