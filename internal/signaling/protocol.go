package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type messageType string

// Client -> server.
const (
	messageTypeJoinQueue    messageType = "join-queue"
	messageTypeLeaveQueue   messageType = "leave-queue"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
	messageTypeEndCall      messageType = "end-call"
)

// Server -> client.
const (
	messageTypeWelcome          messageType = "welcome"
	messageTypeMatched          messageType = "matched"
	messageTypeCallEnded        messageType = "call-ended"
	messageTypePeerDisconnected messageType = "peer-disconnected"
	messageTypeError            messageType = "error"
)

// Error codes carried by error envelopes.
const (
	codeBadMessage       = "bad_message"
	codeUnknownType      = "unknown_type"
	codeUnsupportedFrame = "unsupported_frame"
)

const (
	// MaxTokenBytes bounds the opaque verification token carried by join-queue.
	MaxTokenBytes = 4096
	// MaxPeerIDBytes bounds the addressee identity of relayed messages.
	MaxPeerIDBytes = 128
)

// clientMessage is the flat wire shape of every inbound frame. Payloads stay
// raw; the relay never looks inside them.
type clientMessage struct {
	Type      messageType     `json:"type"`
	Token     *string         `json:"token,omitempty"`
	PeerID    *string         `json:"peerId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// serverMessage is the flat wire shape of every outbound frame.
type serverMessage struct {
	Type      messageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

func badMessage(format string, args ...any) *protocolError {
	return &protocolError{Code: codeBadMessage, Message: fmt.Sprintf(format, args...)}
}

func knownClientType(t messageType) bool {
	switch t {
	case messageTypeJoinQueue, messageTypeLeaveQueue, messageTypeOffer,
		messageTypeAnswer, messageTypeICECandidate, messageTypeEndCall:
		return true
	}
	return false
}

// parseClientMessage decodes one inbound text frame. Every failure is a
// *protocolError so the caller can answer with an error envelope.
func parseClientMessage(data []byte) (clientMessage, error) {
	var envelope struct {
		Type messageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return clientMessage{}, badMessage("invalid JSON: %v", err)
	}
	if envelope.Type == "" {
		return clientMessage{}, badMessage("missing type")
	}
	if !knownClientType(envelope.Type) {
		return clientMessage{}, &protocolError{
			Code:    codeUnknownType,
			Message: fmt.Sprintf("unsupported message type %q", envelope.Type),
		}
	}

	var msg clientMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return clientMessage{}, badMessage("%v", err)
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func (m clientMessage) validate() error {
	hasPayload := present(m.Offer) || present(m.Answer) || present(m.Candidate)

	switch m.Type {
	case messageTypeJoinQueue:
		if m.PeerID != nil || hasPayload {
			return badMessage("join-queue message has unexpected fields")
		}
		if m.Token != nil && len(*m.Token) > MaxTokenBytes {
			return badMessage("token exceeds %d bytes", MaxTokenBytes)
		}
		return nil
	case messageTypeLeaveQueue:
		if m.Token != nil || m.PeerID != nil || hasPayload {
			return badMessage("leave-queue message has unexpected fields")
		}
		return nil
	}

	// Everything else is addressed to another connection.
	if m.Token != nil {
		return badMessage("%s message has unexpected fields", m.Type)
	}
	if m.PeerID == nil || *m.PeerID == "" {
		return badMessage("%s message missing peerId", m.Type)
	}
	if len(*m.PeerID) > MaxPeerIDBytes {
		return badMessage("peerId exceeds %d bytes", MaxPeerIDBytes)
	}

	switch m.Type {
	case messageTypeOffer:
		if !present(m.Offer) {
			return badMessage("offer message missing offer")
		}
		if present(m.Answer) || present(m.Candidate) {
			return badMessage("offer message has unexpected fields")
		}
	case messageTypeAnswer:
		if !present(m.Answer) {
			return badMessage("answer message missing answer")
		}
		if present(m.Offer) || present(m.Candidate) {
			return badMessage("answer message has unexpected fields")
		}
	case messageTypeICECandidate:
		if !present(m.Candidate) {
			return badMessage("ice-candidate message missing candidate")
		}
		if present(m.Offer) || present(m.Answer) {
			return badMessage("ice-candidate message has unexpected fields")
		}
	case messageTypeEndCall:
		if hasPayload {
			return badMessage("end-call message has unexpected fields")
		}
	}
	return nil
}

func (m clientMessage) peerID() string {
	if m.PeerID == nil {
		return ""
	}
	return *m.PeerID
}

func (m clientMessage) token() string {
	if m.Token == nil {
		return ""
	}
	return *m.Token
}

// present reports whether a raw payload was supplied. A literal null counts as
// absent.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// relayEnvelope builds what the addressee of msg receives. Offers and answers
// both travel as "answer"; end-call collapses to a bare call-ended.
func relayEnvelope(from string, msg clientMessage) serverMessage {
	switch msg.Type {
	case messageTypeOffer:
		return serverMessage{Type: messageTypeAnswer, PeerID: from, Answer: msg.Offer}
	case messageTypeAnswer:
		return serverMessage{Type: messageTypeAnswer, PeerID: from, Answer: msg.Answer}
	case messageTypeICECandidate:
		return serverMessage{Type: messageTypeICECandidate, PeerID: from, Candidate: msg.Candidate}
	default:
		return serverMessage{Type: messageTypeCallEnded}
	}
}

// encodeServerMessage marshals without HTML escaping so relayed payloads keep
// their original characters.
func encodeServerMessage(msg serverMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
