package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// envelope mirrors the relay's flat wire shape in both directions.
type envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// client is one signaling connection. Inbound frames are decoded by a reader
// goroutine and delivered on in; in is closed when the socket fails or the
// client is closed.
type client struct {
	ws *websocket.Conn
	id string

	writeMu sync.Mutex

	in      chan envelope
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

func dialClient(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header) (*client, error) {
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &client{ws: ws, in: make(chan envelope, 32), done: make(chan struct{})}
	go c.readLoop()

	welcome, err := c.next(ctx)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	if welcome.Type != "welcome" || welcome.ID == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("first frame was %q, want welcome", welcome.Type)
	}
	c.id = welcome.ID
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.in)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.readErr = fmt.Errorf("decode frame: %w", err)
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

var errClosed = errors.New("probe: signaling connection closed")

// next returns the next inbound frame.
func (c *client) next(ctx context.Context) (envelope, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			if c.readErr != nil {
				return envelope{}, fmt.Errorf("%w: %v", errClosed, c.readErr)
			}
			return envelope{}, errClosed
		}
		return msg, nil
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}

// await skips frames until one of type typ arrives. Error frames abort.
func (c *client) await(ctx context.Context, typ string) (envelope, error) {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			return envelope{}, err
		}
		switch msg.Type {
		case typ:
			return msg, nil
		case "error":
			return envelope{}, fmt.Errorf("relay rejected a frame: %s: %s", msg.Code, msg.Message)
		}
	}
}

func (c *client) send(msg envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close ends the connection and releases the reader even if nobody is
// draining in.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
