package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/huddle/internal/session"
	"github.com/Tyrowin/huddle/internal/store"
)

// ErrNotConnected is returned by Register when the connection closed while
// the user row was being written.
var ErrNotConnected = errors.New("connection closed before registration completed")

// Store is the subset of the durable store the router needs.
type Store interface {
	UpsertUser(ctx context.Context, email, name, avatar string, seen time.Time) (store.User, error)
	UserByName(ctx context.Context, name string) (store.User, error)
	InsertPrivateMessage(ctx context.Context, senderID, receiverID int64, text string, at time.Time) (store.PrivateMessage, error)
	History(ctx context.Context, emailA, emailB string) ([]store.HistoryEntry, error)
}

// Transport delivers encoded frames to live connections. Delivery to a single
// connection is FIFO in call order.
type Transport interface {
	Send(h session.Handle, payload []byte) bool
	// Broadcast delivers to every connection except the given handle, which
	// may be empty, and returns the number of connections reached.
	Broadcast(payload []byte, except session.Handle) int
	Connected(h session.Handle) bool
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the wall clock used to timestamp users and messages.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router broadcasts public events, narrowcasts private ones, and keeps the
// session registry in step with connection lifecycle.
type Router struct {
	store     Store
	registry  *session.Registry
	transport Transport
	log       zerolog.Logger
	now       func() time.Time

	// presenceMu serialises registry mutation with the roster broadcast that
	// follows it, so rosters go out in mutation order.
	presenceMu sync.Mutex
}

// NewRouter wires a router over the given collaborators.
func NewRouter(st Store, reg *session.Registry, tr Transport, log zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		store:     st,
		registry:  reg,
		transport: tr,
		log:       log.With().Str("component", "router").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the session registry the router maintains.
func (r *Router) Registry() *session.Registry {
	return r.registry
}

// Register upserts the user by email, binds it to h, and broadcasts the
// roster.
func (r *Router) Register(ctx context.Context, h session.Handle, email, name, avatar string) (store.User, error) {
	user, err := r.store.UpsertUser(ctx, email, name, avatar, r.now())
	if err != nil {
		return store.User{}, err
	}

	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	if !r.transport.Connected(h) {
		return user, ErrNotConnected
	}
	r.registry.Register(session.Session{
		Handle: h,
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Avatar: user.Avatar,
	})
	r.log.Info().Str("session", string(h)).Int64("user_id", user.ID).Msg("Session registered")
	r.broadcastRoster()
	return user, nil
}

// Unregister drops the session bound to h and broadcasts the roster. A
// handle that never registered is a no-op.
func (r *Router) Unregister(h session.Handle) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	if !r.registry.Unregister(h) {
		return
	}
	r.log.Info().Str("session", string(h)).Msg("Session unregistered")
	r.broadcastRoster()
}

func (r *Router) broadcastRoster() {
	frame, err := Encode(EventUserList, r.registry.Snapshot())
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode roster")
		return
	}
	r.transport.Broadcast(frame, "")
}

// BroadcastChat forwards payload unchanged to every connection, sender
// included. Public chat is not persisted.
func (r *Router) BroadcastChat(payload json.RawMessage) int {
	return r.broadcastRaw(EventChatMessage, payload, "")
}

// BroadcastImage announces an uploaded image to every connection.
func (r *Router) BroadcastImage(payload json.RawMessage) int {
	return r.broadcastRaw(EventImageUpload, payload, "")
}

// BroadcastTyping tells every connection but the sender that displayName is
// typing.
func (r *Router) BroadcastTyping(sender session.Handle, displayName string) int {
	frame, err := Encode(EventTyping, displayName)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode typing event")
		return 0
	}
	return r.transport.Broadcast(frame, sender)
}

func (r *Router) broadcastRaw(event string, payload json.RawMessage, except session.Handle) int {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		r.log.Warn().Err(err).Str("event", event).Msg("Dropping unencodable payload")
		return 0
	}
	return r.transport.Broadcast(frame, except)
}

type privateTyping struct {
	From   string `json:"from"`
	FromID int64  `json:"fromId"`
}

// RelayPrivateTyping notifies the target's connection that the sender is
// typing. Unknown senders or targets are ignored.
func (r *Router) RelayPrivateTyping(sender session.Handle, to Target) bool {
	from, ok := r.registry.ResolveByHandle(sender)
	if !ok {
		return false
	}
	target, ok := resolveTarget(r.registry, to)
	if !ok {
		return false
	}
	return r.deliver(target.Handle, EventPrivateTyping, privateTyping{From: from.Name, FromID: from.UserID})
}

type privateMessage struct {
	From    string `json:"from"`
	FromID  int64  `json:"fromId"`
	Message string `json:"message"`
}

// SendPrivateMessage persists text from sender to target and delivers it to
// the target connection only. Both handles must hold live sessions; otherwise
// nothing is stored or sent. It reports whether the message was delivered.
func (r *Router) SendPrivateMessage(ctx context.Context, sender, target session.Handle, text string) (bool, error) {
	from, ok := r.registry.ResolveByHandle(sender)
	if !ok {
		return false, nil
	}
	to, ok := r.registry.ResolveByHandle(target)
	if !ok {
		return false, nil
	}

	if _, err := r.store.InsertPrivateMessage(ctx, from.UserID, to.UserID, text, r.now()); err != nil {
		return false, err
	}
	return r.deliver(to.Handle, EventPrivateMessage, privateMessage{
		From:    from.Name,
		FromID:  from.UserID,
		Message: text,
	}), nil
}

// LoadHistory returns the conversation between two users, oldest first.
func (r *Router) LoadHistory(ctx context.Context, emailA, emailB string) ([]store.HistoryEntry, error) {
	return r.store.History(ctx, emailA, emailB)
}

// FindUserByName looks the name up in the durable store, so offline users
// are found too.
func (r *Router) FindUserByName(ctx context.Context, name string) (store.User, bool, error) {
	user, err := r.store.UserByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, err
	}
	return user, true, nil
}

// Resolve maps a target to its live session.
func (r *Router) Resolve(to Target) (session.Session, bool) {
	return resolveTarget(r.registry, to)
}

func (r *Router) deliver(h session.Handle, event string, data any) bool {
	frame, err := Encode(event, data)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return false
	}
	return r.transport.Send(h, frame)
}
