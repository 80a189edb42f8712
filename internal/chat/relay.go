package chat

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/huddle/internal/session"
)

// Relay forwards call negotiation between two users. It keeps no call state:
// ringing, connected, and ended live on the clients.
type Relay struct {
	registry  *session.Registry
	transport Transport
	log       zerolog.Logger
}

// NewRelay returns a relay resolving targets through reg.
func NewRelay(reg *session.Registry, tr Transport, log zerolog.Logger) *Relay {
	return &Relay{
		registry:  reg,
		transport: tr,
		log:       log.With().Str("component", "relay").Logger(),
	}
}

type signal struct {
	From      string          `json:"from"`
	FromID    int64           `json:"fromId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// RelayOffer delivers an SDP offer to the target as an "offer" event.
func (r *Relay) RelayOffer(from session.Handle, to Target, offer json.RawMessage) bool {
	return r.forward(EventOffer, from, to, func(s *signal) { s.Offer = offer })
}

// RelayAnswer delivers an SDP answer to the target.
func (r *Relay) RelayAnswer(from session.Handle, to Target, answer json.RawMessage) bool {
	return r.forward(EventAnswer, from, to, func(s *signal) { s.Answer = answer })
}

// RelayIceCandidate delivers one ICE candidate to the target.
func (r *Relay) RelayIceCandidate(from session.Handle, to Target, candidate json.RawMessage) bool {
	return r.forward(EventIceCandidate, from, to, func(s *signal) { s.Candidate = candidate })
}

// RelayDecline tells the target the call was declined.
func (r *Relay) RelayDecline(from session.Handle, to Target) bool {
	return r.forward(EventCallDeclined, from, to, nil)
}

// forward stamps the payload with the sender's identity and narrowcasts it.
// An unregistered sender or an unresolvable target makes it a no-op.
func (r *Relay) forward(event string, from session.Handle, to Target, fill func(*signal)) bool {
	sender, ok := r.registry.ResolveByHandle(from)
	if !ok {
		r.log.Debug().Str("event", event).Str("session", string(from)).Msg("Signal from unregistered session dropped")
		return false
	}
	target, ok := resolveTarget(r.registry, to)
	if !ok {
		r.log.Debug().Str("event", event).Int64("to_id", to.UserID).Str("to_name", to.Name).Msg("Signal target offline")
		return false
	}

	msg := signal{From: sender.Name, FromID: sender.UserID}
	if fill != nil {
		fill(&msg)
	}
	frame, err := Encode(event, msg)
	if err != nil {
		r.log.Warn().Err(err).Str("event", event).Msg("Dropping unencodable signal")
		return false
	}
	return r.transport.Send(target.Handle, frame)
}
