package server

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/session"
	"github.com/Tyrowin/huddle/internal/store"
)

type registerPayload struct {
	Email  string `json:"email" validate:"required,email,max=254"`
	Name   string `json:"name" validate:"required,max=64"`
	Avatar string `json:"avatar" validate:"max=2048"`
}

type privateTypingPayload struct {
	To chat.Target `json:"to"`
}

type imageUploadPayload struct {
	FileURL  string          `json:"fileUrl" validate:"required,url,max=2048"`
	Username string          `json:"username" validate:"max=64"`
	Avatar   string          `json:"avatar" validate:"max=2048"`
	Time     json.RawMessage `json:"time"`
}

type privateMessagePayload struct {
	ToUserID   int64  `json:"toUserId" validate:"required_without=ToSocketID,gte=0"`
	ToSocketID string `json:"toSocketId" validate:"required_without=ToUserID,max=64"`
	// Message may be empty but must be present.
	Message *string `json:"message" validate:"required"`
}

type loadPrivateChatPayload struct {
	User1Email string `json:"user1Email" validate:"required,email,max=254"`
	User2Email string `json:"user2Email" validate:"required,email,max=254"`
}

type signalPayload struct {
	To        chat.Target     `json:"to"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

// Dispatcher decodes inbound envelopes, validates their payloads, and calls
// the router or relay. Malformed events are logged and dropped; nothing is
// reported back to the sender except ack replies.
type Dispatcher struct {
	router   *chat.Router
	relay    *chat.Relay
	validate *validator.Validate
}

// NewDispatcher returns a Dispatcher over router and relay.
func NewDispatcher(router *chat.Router, relay *chat.Relay) *Dispatcher {
	return &Dispatcher{
		router:   router,
		relay:    relay,
		validate: validator.New(),
	}
}

// HandleEvent implements EventHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, c *Client, raw []byte) {
	log := c.Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic while handling event")
		}
	}()

	var env chat.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping frame that is not an event envelope")
		return
	}

	err := d.dispatch(ctx, c, env)
	var perr *PayloadError
	switch {
	case err == nil:
		log.Debug().Str("event", env.Event).Msg("Event handled")
	case errors.As(err, &perr):
		log.Warn().Err(err).Str("event", env.Event).Msg("Dropping malformed event")
	case errors.Is(err, chat.ErrNotConnected):
		log.Debug().Str("event", env.Event).Msg("Connection closed during registration")
	default:
		log.Error().Err(err).Str("event", env.Event).Msg("Event failed")
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c *Client, env chat.Envelope) error {
	switch env.Event {
	case chat.EventRegister:
		p, err := decodeStruct[registerPayload](d.validate, env)
		if err != nil {
			return err
		}
		_, err = d.router.Register(ctx, c.id, p.Email, p.Name, p.Avatar)
		return err

	case chat.EventChatMessage:
		if isEmpty(env.Data) {
			return &PayloadError{Event: env.Event, Err: errors.New("missing payload")}
		}
		d.router.BroadcastChat(env.Data)
		return nil

	case chat.EventTyping:
		name, err := decodeString(d.validate, env, "required,max=64")
		if err != nil {
			return err
		}
		d.router.BroadcastTyping(c.id, name)
		return nil

	case chat.EventPrivateTyping:
		p, err := decodeStruct[privateTypingPayload](d.validate, env)
		if err != nil {
			return err
		}
		if p.To.IsZero() {
			return &PayloadError{Event: env.Event, Err: errors.New("missing target")}
		}
		d.router.RelayPrivateTyping(c.id, p.To)
		return nil

	case chat.EventImageUpload:
		if _, err := decodeStruct[imageUploadPayload](d.validate, env); err != nil {
			return err
		}
		d.router.BroadcastImage(env.Data)
		return nil

	case chat.EventPrivateMessage:
		return d.privateMessage(ctx, c, env)

	case chat.EventLoadPrivateChat:
		return d.loadPrivateChat(ctx, c, env)

	case chat.EventFindUserByName:
		return d.findUserByName(ctx, c, env)

	case chat.EventCallUser, chat.EventAnswer, chat.EventIceCandidate, chat.EventCallDeclined:
		return d.signal(c, env)

	default:
		return &PayloadError{Event: env.Event, Err: errors.New("unknown event")}
	}
}

func (d *Dispatcher) privateMessage(ctx context.Context, c *Client, env chat.Envelope) error {
	p, err := decodeStruct[privateMessagePayload](d.validate, env)
	if err != nil {
		return err
	}

	target := session.Handle(p.ToSocketID)
	if p.ToUserID > 0 {
		s, ok := d.router.Resolve(chat.Target{UserID: p.ToUserID})
		if !ok {
			return nil
		}
		target = s.Handle
	}

	_, err = d.router.SendPrivateMessage(ctx, c.id, target, *p.Message)
	return err
}

func (d *Dispatcher) loadPrivateChat(ctx context.Context, c *Client, env chat.Envelope) error {
	p, err := decodeStruct[loadPrivateChatPayload](d.validate, env)
	if err != nil {
		d.reply(c, env, []store.HistoryEntry{})
		return err
	}

	history, err := d.router.LoadHistory(ctx, p.User1Email, p.User2Email)
	if err != nil {
		d.reply(c, env, []store.HistoryEntry{})
		return err
	}
	d.reply(c, env, history)
	return nil
}

func (d *Dispatcher) findUserByName(ctx context.Context, c *Client, env chat.Envelope) error {
	name, err := decodeString(d.validate, env, "required,max=64")
	if err != nil {
		d.reply(c, env, nil)
		return err
	}

	user, ok, err := d.router.FindUserByName(ctx, name)
	if err != nil || !ok {
		d.reply(c, env, nil)
		return err
	}
	d.reply(c, env, user)
	return nil
}

func (d *Dispatcher) signal(c *Client, env chat.Envelope) error {
	p, err := decodeStruct[signalPayload](d.validate, env)
	if err != nil {
		return err
	}
	if p.To.IsZero() {
		return &PayloadError{Event: env.Event, Err: errors.New("missing target")}
	}

	switch env.Event {
	case chat.EventCallUser:
		if isEmpty(p.Offer) {
			return &PayloadError{Event: env.Event, Err: errors.New("missing offer")}
		}
		d.relay.RelayOffer(c.id, p.To, p.Offer)
	case chat.EventAnswer:
		if isEmpty(p.Answer) {
			return &PayloadError{Event: env.Event, Err: errors.New("missing answer")}
		}
		d.relay.RelayAnswer(c.id, p.To, p.Answer)
	case chat.EventIceCandidate:
		if isEmpty(p.Candidate) {
			return &PayloadError{Event: env.Event, Err: errors.New("missing candidate")}
		}
		d.relay.RelayIceCandidate(c.id, p.To, p.Candidate)
	case chat.EventCallDeclined:
		d.relay.RelayDecline(c.id, p.To)
	}
	return nil
}

// reply answers a request that carried an ack id; requests without one get
// no reply.
func (d *Dispatcher) reply(c *Client, env chat.Envelope, data any) {
	if env.Ack == nil {
		return
	}
	frame, err := chat.EncodeAck(*env.Ack, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", env.Event).Msg("Failed to encode reply")
		return
	}
	c.hub.Send(c.id, frame)
}

func decodeStruct[T any](v *validator.Validate, env chat.Envelope) (T, error) {
	var p T
	if isEmpty(env.Data) {
		return p, &PayloadError{Event: env.Event, Err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return p, &PayloadError{Event: env.Event, Err: err}
	}
	if err := v.Struct(p); err != nil {
		return p, &PayloadError{Event: env.Event, Err: err}
	}
	return p, nil
}

func decodeString(v *validator.Validate, env chat.Envelope, rules string) (string, error) {
	var s string
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return "", &PayloadError{Event: env.Event, Err: err}
	}
	if err := v.Var(s, rules); err != nil {
		return "", &PayloadError{Event: env.Event, Err: err}
	}
	return s, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
