package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtReadBufferSize is the read buffer for SRT socket reads.
const srtReadBufferSize = 1316 * 10

// srtPayloadSize is the largest single write in SRT live mode.
const srtPayloadSize = 1316

func dialSRT(ep Endpoint, opts Options) dialFunc {
	return func(ctx context.Context) (frameConn, error) {
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs
		if opts.StreamID != "" {
			cfg.StreamID = opts.StreamID
		}

		ch := make(chan srtDialResult, 1)
		go func() {
			conn, err := srtgo.Dial(ep.HostPort(), cfg)
			ch <- srtDialResult{conn, err}
		}()

		timer := time.NewTimer(opts.DialTimeout)
		defer timer.Stop()

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, fmt.Errorf("srt dial %s: %w", ep.HostPort(), res.err)
			}
			return &srtConn{
				conn:    res.conn,
				r:       bufio.NewReaderSize(res.conn, srtReadBufferSize),
				maxSize: opts.MaxFrameSize,
			}, nil
		case <-timer.C:
			go closeLateSRT(ch)
			return nil, fmt.Errorf("srt dial %s: timed out after %s", ep.HostPort(), opts.DialTimeout)
		case <-ctx.Done():
			go closeLateSRT(ch)
			return nil, ctx.Err()
		}
	}
}

type srtDialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLateSRT closes a connection whose dial completed after the caller
// gave up.
func closeLateSRT(ch <-chan srtDialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

type srtConn struct {
	conn    *srtgo.Conn
	r       *bufio.Reader
	maxSize int

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *srtConn) ReadFrame() (FrameType, []byte, error) {
	return ReadFrame(c.r, c.maxSize)
}

func (c *srtConn) WriteText(msg string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	buf := AppendFrame(nil, FrameText, []byte(msg))
	for len(buf) > 0 {
		n := min(len(buf), srtPayloadSize)
		if _, err := c.conn.Write(buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (c *srtConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
