package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// wsWriteWait bounds a single data frame write.
	wsWriteWait = 10 * time.Second
	// wsControlWait bounds ping and close control frame writes.
	wsControlWait = 1 * time.Second
	// wsCloseGrace is how long a closing connection waits for the client to
	// echo the close frame before the socket is torn down.
	wsCloseGrace = 2 * time.Second
)

// conn is one live WebSocket client. It satisfies matchmaking.Peer.
//
// The read loop runs on the HTTP handler goroutine. A write pump owns every
// data frame write; control frames (ping, close) go through WriteControl,
// which gorilla allows concurrently with the writer.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	queue   *sendQueue
	limiter *rate.Limiter

	idleTimeout time.Duration
	connectedAt time.Time

	done      chan struct{}
	closeOnce sync.Once

	// registered is set once the matchmaker accepted the connection.
	registered atomic.Bool
	// wasWaiting records whether release pulled the connection out of the
	// waiting pool.
	wasWaiting atomic.Bool
}

func (c *conn) ID() string { return c.id }

// Send queues payload for the write pump. A full queue means the client is not
// keeping up; the frame is dropped and the connection is closed.
func (c *conn) Send(payload []byte) bool {
	if c.queue.Enqueue(payload) {
		return true
	}
	if !c.closing() {
		c.log.Warn("ws_slow_consumer", "queued", c.queue.Len())
		go c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
	}
	return false
}

func (c *conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// closeWith sends a close frame and gives the client wsCloseGrace to answer
// before the socket is dropped. Only the first call has any effect. The
// connection leaves matchmaking before the close frame is written, so it can
// no longer be matched or addressed while the handshake runs.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		c.srv.release(c)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsControlWait))
		time.AfterFunc(wsCloseGrace, func() { _ = c.ws.Close() })
	})
}

// terminate stops the pumps without a close frame.
func (c *conn) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		c.srv.release(c)
		_ = c.ws.Close()
	})
}

// drain discards whatever the client still sends until it closes or the grace
// period ends. Dropping the socket with unread bytes would reset it and could
// swallow the close frame already written.
func (c *conn) drain() {
	nc := c.ws.UnderlyingConn()
	_ = nc.SetReadDeadline(time.Now().Add(wsCloseGrace))
	_, _ = io.Copy(io.Discard, nc)
}

func (c *conn) extendReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// readLoop parses and dispatches inbound frames until the transport fails.
// After a close has been initiated it keeps draining so the client's close
// echo can be observed.
func (c *conn) readLoop() {
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		if !c.closing() {
			c.extendReadDeadline()
		}
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err) && !c.closing():
				c.log.Debug("ws_idle_timeout")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				c.log.Warn("ws_message_too_big")
				c.drain()
			}
			return
		}
		if c.closing() {
			continue
		}
		c.extendReadDeadline()

		// The limiter is checked after the read so the frame's bytes are
		// consumed and the client reliably observes the close code.
		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn("ws_rate_limited")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			continue
		}

		if msgType != websocket.TextMessage {
			c.reject(&protocolError{Code: codeUnsupportedFrame, Message: "expected text message"})
			continue
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			var perr *protocolError
			if !errors.As(err, &perr) {
				perr = badMessage("%v", err)
			}
			c.reject(perr)
			continue
		}

		c.srv.metrics.MessageReceived(string(msg.Type))
		c.srv.dispatch(c, msg)
	}
}

// reject answers a malformed frame with an error envelope. The connection
// stays open.
func (c *conn) reject(perr *protocolError) {
	c.srv.metrics.BadMessage(perr.Code)
	c.log.Debug("bad_message", "code", perr.Code, "err", perr.Message)
	c.srv.sendTo(c, serverMessage{Type: messageTypeError, Code: perr.Code, Message: perr.Message})
}

// writeLoop drains the send queue onto the socket.
func (c *conn) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("ws_write_failed", "err", err)
			c.terminate()
			return
		}
	}
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWait)); err != nil {
				c.log.Debug("ws_ping_failed", "err", err)
				c.terminate()
				return
			}
		}
	}
}

func newLimiter(messagesPerSecond int) *rate.Limiter {
	if messagesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(messagesPerSecond), messagesPerSecond)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
