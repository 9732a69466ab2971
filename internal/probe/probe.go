// Package probe exercises a running relay end to end: two signaling clients
// join the queue, get matched, and negotiate a real WebRTC data channel using
// nothing but the relay for signaling.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

const defaultTimeout = 20 * time.Second

var ErrPeerDisconnected = errors.New("probe: peer disconnected")

type Config struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://127.0.0.1:3000/ws.
	URL     string
	Timeout time.Duration
	// Header is sent with both upgrades (Origin, for example).
	Header http.Header

	ICEServers []webrtc.ICEServer
	// Nets optionally pins each client's peer connection to a network, in
	// dial order. Nil uses the host network.
	Nets [2]transport.Net

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Result reports how long each phase took, measured from the first dial.
type Result struct {
	CallerID  string
	CalleeID  string
	Matched   time.Duration
	Connected time.Duration
	RoundTrip time.Duration
}

func Run(ctx context.Context, cfg Config) (Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	start := time.Now()

	var clients [2]*client
	for i := range clients {
		c, err := dialClient(ctx, dialer, cfg.URL, cfg.Header)
		if err != nil {
			return Result{}, err
		}
		defer c.close()
		clients[i] = c
	}

	for _, c := range clients {
		if err := c.send(envelope{Type: "join-queue"}); err != nil {
			return Result{}, fmt.Errorf("join queue: %w", err)
		}
	}
	for i, c := range clients {
		msg, err := c.await(ctx, "matched")
		if err != nil {
			return Result{}, fmt.Errorf("await match: %w", err)
		}
		if want := clients[1-i].id; msg.PeerID != want {
			return Result{}, fmt.Errorf("client %s matched with %s, want %s", c.id, msg.PeerID, want)
		}
	}

	res := Result{Matched: time.Since(start)}
	log.Debug("probe_matched", "a", clients[0].id, "b", clients[1].id)

	caller, callee := 0, 1
	if clients[1].id < clients[0].id {
		caller, callee = 1, 0
	}
	res.CallerID, res.CalleeID = clients[caller].id, clients[callee].id

	errCh := make(chan error, 8)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	lf := newLoggerFactory(log)
	var peers [2]*peer
	for i := range peers {
		p, err := newPeer(newAPI(cfg.Nets[i], lf), cfg.ICEServers, clients[i], clients[1-i].id, fail)
		if err != nil {
			return res, err
		}
		defer p.close()
		peers[i] = p
	}

	peers[callee].pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			if string(m.Data) == "ping" {
				if err := dc.SendText("pong"); err != nil {
					fail(fmt.Errorf("send pong: %w", err))
				}
			}
		})
	})

	dc, err := peers[caller].pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return res, fmt.Errorf("create data channel: %w", err)
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	pongs := make(chan time.Time, 1)
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if string(m.Data) == "pong" {
			select {
			case pongs <- time.Now():
			default:
			}
		}
	})

	callEnded := make(chan struct{})
	go pump(ctx, clients[caller], peers[caller], fail, nil)
	go pump(ctx, clients[callee], peers[callee], fail, callEnded)

	if err := peers[caller].offer(); err != nil {
		return res, err
	}

	if err := wait(ctx, opened, errCh, "data channel open"); err != nil {
		return res, err
	}
	res.Connected = time.Since(start)

	sentAt := time.Now()
	if err := dc.SendText("ping"); err != nil {
		return res, fmt.Errorf("send ping: %w", err)
	}
	select {
	case at := <-pongs:
		res.RoundTrip = at.Sub(sentAt)
	case err := <-errCh:
		return res, err
	case <-ctx.Done():
		return res, fmt.Errorf("await pong: %w", ctx.Err())
	}

	if err := clients[caller].send(envelope{Type: "end-call", PeerID: res.CalleeID}); err != nil {
		return res, fmt.Errorf("end call: %w", err)
	}
	if err := wait(ctx, callEnded, errCh, "call-ended"); err != nil {
		return res, err
	}
	return res, nil
}

func wait(ctx context.Context, done <-chan struct{}, errCh <-chan error, what string) error {
	select {
	case <-done:
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await %s: %w", what, ctx.Err())
	}
}

// pump applies relayed signaling to p until the connection ends. callEnded,
// when non-nil, is closed on the first call-ended frame.
func pump(ctx context.Context, c *client, p *peer, fail func(error), callEnded chan struct{}) {
	var endOnce sync.Once
	for {
		msg, err := c.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fail(err)
			}
			return
		}

		switch msg.Type {
		case "answer":
			if msg.PeerID == p.with {
				err = p.handleDescription(msg.Answer)
			}
		case "ice-candidate":
			if msg.PeerID == p.with {
				err = p.handleCandidate(msg.Candidate)
			}
		case "call-ended":
			if callEnded != nil {
				endOnce.Do(func() { close(callEnded) })
			}
		case "peer-disconnected":
			err = ErrPeerDisconnected
		case "error":
			err = fmt.Errorf("relay rejected a frame: %s: %s", msg.Code, msg.Message)
		}
		if err != nil {
			fail(err)
			return
		}
	}
}
