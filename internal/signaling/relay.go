package signaling

import (
	"errors"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/metrics"
)

// relay forwards an addressed message to its target. Undeliverable messages
// are dropped without telling the sender.
func (s *Server) relay(from *conn, msg clientMessage) {
	to := msg.peerID()
	if to == from.id {
		s.dropped(from, msg, metrics.DropReasonSelf)
		return
	}

	target, err := s.mm.Route(from.id, to)
	if err != nil {
		reason := metrics.DropReasonTargetNotLive
		if errors.Is(err, matchmaking.ErrNotPaired) {
			reason = metrics.DropReasonNotPaired
		}
		s.dropped(from, msg, reason)
		return
	}

	if msg.Type == messageTypeEndCall {
		s.mm.EndPairing(from.id, to)
	}

	if !s.sendTo(target, relayEnvelope(from.id, msg)) {
		s.dropped(from, msg, metrics.DropReasonQueueFull)
		return
	}
	s.metrics.MessageRelayed(string(msg.Type))
}

func (s *Server) dropped(from *conn, msg clientMessage, reason string) {
	s.metrics.MessageDropped(reason)
	from.log.Debug("relay_dropped", "type", msg.Type, "peer_id", msg.peerID(), "reason", reason)
}
