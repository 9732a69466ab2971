package probe

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// dataChannelLabel names the channel the offerer opens.
const dataChannelLabel = "probe"

func newAPI(n transport.Net, lf logging.LoggerFactory) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: lf}
	if n != nil {
		se.SetNet(n)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// peer is one side of the probe call. Remote candidates that arrive before
// the remote description are held until it is set.
type peer struct {
	pc   *webrtc.PeerConnection
	sig  *client
	with string

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newPeer(api *webrtc.API, iceServers []webrtc.ICEServer, sig *client, with string, onErr func(error)) (*peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &peer{pc: pc, sig: sig, with: with}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			onErr(fmt.Errorf("encode candidate: %w", err))
			return
		}
		if err := sig.send(envelope{Type: "ice-candidate", PeerID: with, Candidate: raw}); err != nil {
			onErr(fmt.Errorf("send candidate: %w", err))
		}
	})
	return p, nil
}

// offer starts negotiation and sends the offer through the relay.
func (p *peer) offer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return p.sig.send(envelope{Type: "offer", PeerID: p.with, Offer: raw})
}

// handleDescription applies a relayed session description. The relay delivers
// both offers and answers as "answer" frames, so the SDP type decides which
// side of the exchange this is.
func (p *peer) handleDescription(raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	if err := p.flushCandidates(); err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	out, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return p.sig.send(envelope{Type: "answer", PeerID: p.with, Answer: out})
}

func (p *peer) handleCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(init)
}

func (p *peer) flushCandidates() error {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (p *peer) close() {
	_ = p.pc.Close()
}
