package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "livefeed"

const quicReadBufferSize = 64 << 10

func dialQUIC(ep Endpoint, opts Options) dialFunc {
	tlsConf := &tls.Config{
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed dev servers
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
	return func(ctx context.Context) (frameConn, error) {
		dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()

		conn, err := quic.DialAddr(dctx, ep.HostPort(), tlsConf, quicConf)
		if err != nil {
			return nil, fmt.Errorf("quic dial %s: %w", ep.HostPort(), err)
		}
		str, err := conn.OpenStreamSync(dctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, fmt.Errorf("quic open stream: %w", err)
		}
		return &quicConn{
			conn:    conn,
			str:     str,
			r:       bufio.NewReaderSize(str, quicReadBufferSize),
			maxSize: opts.MaxFrameSize,
		}, nil
	}
}

type quicConn struct {
	conn    quic.Connection
	str     quic.Stream
	r       *bufio.Reader
	maxSize int

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *quicConn) ReadFrame() (FrameType, []byte, error) {
	return ReadFrame(c.r, c.maxSize)
}

func (c *quicConn) WriteText(msg string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.str.Write(AppendFrame(nil, FrameText, []byte(msg)))
	return err
}

func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.str.CancelRead(0)
		_ = c.str.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}
