package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// StatusBackpressure is the dedicated close code sent when a connection's
// outbound buffer crosses the high watermark. Closing is preferable to
// dropping: a silently dropped audio chunk would desynchronize slot
// indexing on the client.
const StatusBackpressure websocket.StatusCode = 4008

// Transport is the session's outbound half of a client connection. The
// connection itself is owned by the server accept loop; the session only
// emits messages through it.
type Transport interface {
	Send(v any) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn wraps one websocket connection with a single writer goroutine,
// outbound byte accounting and a liveness heartbeat.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	maxBuffered int64
	sendCh      chan []byte
	queued      atomic.Int64
	alive       atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn starts the writer and heartbeat goroutines for ws.
func NewConn(ctx context.Context, ws *websocket.Conn, cfg Config, log zerolog.Logger) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ws:          ws,
		log:         log,
		maxBuffered: cfg.MaxBufferedBytes,
		sendCh:      make(chan []byte, 512),
		ctx:         cctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
	c.alive.Store(true)
	go c.writeLoop()
	go c.heartbeat(cfg.HeartbeatInterval)
	return c
}

// Send marshals v and queues it for writing. It never blocks the caller:
// when the queued-but-unflushed byte count would exceed the high watermark
// the connection is closed with StatusBackpressure instead.
func (c *Conn) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if c.queued.Load()+int64(len(b)) > c.maxBuffered {
		c.log.Warn().Int64("buffered", c.queued.Load()).Msg("outbound buffer over high watermark, closing")
		c.Close(StatusBackpressure, "backpressure")
		return ErrBackpressure
	}
	c.queued.Add(int64(len(b)))
	select {
	case c.sendCh <- b:
		return nil
	case <-c.closed:
		c.queued.Add(-int64(len(b)))
		return ErrConnClosed
	default:
		// The frame queue is full; treat it like the byte watermark.
		c.queued.Add(-int64(len(b)))
		c.Close(StatusBackpressure, "send queue full")
		return ErrBackpressure
	}
}

// BufferedBytes reports the bytes queued but not yet flushed to the socket.
func (c *Conn) BufferedBytes() int64 { return c.queued.Load() }

// ReadMessage blocks for the next inbound text frame. Non-text frames are
// skipped. Any inbound frame counts as heartbeat liveness.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		c.alive.Store(true)
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

// Close shuts the connection down once; later calls are no-ops.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		go c.ws.Close(code, reason)
	})
	return nil
}

// Closed is closed when the connection is torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) writeLoop() {
	for {
		select {
		case b := <-c.sendCh:
			wctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.ws.Write(wctx, websocket.MessageText, b)
			cancel()
			c.queued.Add(-int64(len(b)))
			if err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// heartbeat probes the connection every interval. A connection that showed
// no traffic since the previous tick and does not answer a ping before the
// next one is terminated.
func (c *Conn) heartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.alive.Swap(false) {
				continue
			}
			pctx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("heartbeat failed, terminating")
				c.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			c.alive.Store(true)
		case <-c.closed:
			return
		}
	}
}
