package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the path media servers expose the fragment feed on.
const WebSocketPath = "/ws"

const wsCloseTimeout = time.Second

func dialWebSocket(ep Endpoint, opts Options) dialFunc {
	u := url.URL{Scheme: "ws", Host: ep.HostPort(), Path: WebSocketPath}
	return func(ctx context.Context) (frameConn, error) {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = opts.DialTimeout

		ws, _, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
		}
		ws.SetReadLimit(int64(opts.MaxFrameSize))
		return &wsConn{ws: ws}, nil
	}
}

type wsConn struct {
	ws        *websocket.Conn
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadFrame() (FrameType, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	switch mt {
	case websocket.BinaryMessage:
		return FrameBinary, data, nil
	case websocket.TextMessage:
		return FrameText, data, nil
	}
	return 0, nil, errors.New("websocket: unexpected message type")
}

func (c *wsConn) WriteText(msg string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
