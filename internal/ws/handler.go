package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/christopherjohns/presence/internal/character"
	"github.com/christopherjohns/presence/internal/event"
	"github.com/christopherjohns/presence/internal/metrics"
	"nhooyr.io/websocket"
)

// defaultIntroduceWindow is the minimum gap between snapshot pushes to
// one connection.
const defaultIntroduceWindow = time.Second

// Publisher forwards an accepted event to the other workers. A nil
// Publisher means single-worker mode; nothing is forwarded.
type Publisher interface {
	Publish(ctx context.Context, msg event.Message)
}

// Handler upgrades HTTP connections to websockets and adapts each
// connection's inbound events into registry calls, fanning accepted
// state changes out to the other local connections and to the
// cross-worker channel.
type Handler struct {
	hub       *Hub
	registry  *character.Registry
	publisher Publisher
	introduce *throttle
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPublisher sets the cross-worker publisher for accepted events.
func WithPublisher(p Publisher) HandlerOption {
	return func(h *Handler) { h.publisher = p }
}

// WithIntroduceWindow sets the per-connection snapshot throttle window.
func WithIntroduceWindow(d time.Duration) HandlerOption {
	return func(h *Handler) { h.introduce = newThrottle(1, d) }
}

// NewHandler creates a websocket Handler bound to a hub and registry.
func NewHandler(hub *Hub, registry *character.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:       hub,
		registry:  registry,
		introduce: newThrottle(1, defaultIntroduceWindow),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the HTTP connection to a websocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &Client{
		conn:     conn,
		clientID: generateClientID(),
	}

	connCtx := h.hub.addClient(client)
	defer func() {
		h.hub.removeClient(client)
		h.introduce.forget(client)
		// The request context dies with the connection; the part still
		// has to reach the other workers.
		h.handleDisconnect(context.Background(), client)
	}()

	h.readLoop(r.Context(), connCtx, client)
}

// readLoop reads envelopes from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		msg, err := event.Decode(data)
		if err != nil {
			log.Printf("ws: client %s sent undecodable event: %v", client.clientID, err)
			continue
		}
		h.dispatch(ctx, client, msg)
	}
}

// dispatch applies one inbound event. Accepted state changes are
// broadcast to the other local connections and published to the
// cross-worker channel; refusals are answered with a reject envelope to
// the originating client only.
func (h *Handler) dispatch(ctx context.Context, client *Client, msg event.Message) {
	switch m := msg.(type) {
	case *event.JoinPayload:
		if err := h.registry.Join(m.ID, m.Username, m.Position, m.Rotation); err != nil {
			h.reject(client, event.Join, err)
			return
		}
		client.characterID = m.ID
		h.accept(ctx, client, m)
		h.pushSnapshot(client)

	case *event.PartPayload:
		h.registry.Part(m.ID)
		h.accept(ctx, client, m)
		if client.characterID == m.ID {
			client.characterID = ""
		}

	case *event.UsernamePayload:
		if err := h.registry.UpdateUsername(m.ID, m.Username); err != nil {
			h.reject(client, event.Username, err)
			return
		}
		h.accept(ctx, client, m)

	case *event.PositionPayload:
		if err := h.registry.UpdatePosition(m.ID, m.Position, m.CameraPosition, m.PlayerHeight); err != nil {
			h.reject(client, event.Position, err)
			return
		}
		h.accept(ctx, client, m)

	case *event.RotationPayload:
		if err := h.registry.UpdateRotation(m.ID, m.Rotation); err != nil {
			h.reject(client, event.Rotation, err)
			return
		}
		h.accept(ctx, client, m)

	case *event.PingPayload:
		// Private liveness signal: refresh only, never broadcast.
		if err := h.registry.Ping(m.ID); err != nil {
			h.reject(client, event.Ping, err)
			return
		}
		metrics.EventsAccepted.WithLabelValues(string(event.Ping)).Inc()

	case *event.IntroducePayload:
		h.pushSnapshot(client)

	default:
		log.Printf("ws: client %s sent server-only event %q", client.clientID, msg.Name())
	}
}

// accept rebroadcasts an admitted event to the other local connections
// and forwards it to the other workers.
func (h *Handler) accept(ctx context.Context, client *Client, msg event.Message) {
	metrics.EventsAccepted.WithLabelValues(string(msg.Name())).Inc()
	metrics.Characters.Set(float64(h.registry.Count()))

	data, err := event.Encode(msg)
	if err != nil {
		log.Printf("ws: failed to encode %q: %v", msg.Name(), err)
		return
	}
	h.hub.BroadcastExcept(client, data)

	if h.publisher != nil {
		h.publisher.Publish(ctx, msg)
	}
}

// reject logs a refused event and answers the originating client so it
// can correct its local state.
func (h *Handler) reject(client *Client, name event.Name, err error) {
	reason := "rejected"
	var ve *character.ValidationError
	var nf *character.NotFoundError
	switch {
	case errors.As(err, &ve):
		reason = "invalid " + ve.Field
	case errors.As(err, &nf):
		reason = "unknown character"
	}
	metrics.EventsRejected.WithLabelValues(string(name), reason).Inc()
	log.Printf("ws: client %s %s rejected: %v", client.clientID, name, err)

	data, err := event.Encode(&event.RejectPayload{Event: name, Reason: reason})
	if err != nil {
		return
	}
	h.hub.SendTo(client, data)
}

// pushSnapshot sends every other known character to one client as
// individual join envelopes. Throttled per connection so join storms
// cannot turn snapshots into a multiplier.
func (h *Handler) pushSnapshot(client *Client) {
	if !h.introduce.allow(client) {
		return
	}

	for _, c := range h.registry.List() {
		if c.ID == client.characterID {
			continue
		}
		data, err := event.Encode(&event.JoinPayload{
			ID:       c.ID,
			Username: c.Username,
			Position: c.Position,
			Rotation: c.Rotation,
		})
		if err != nil {
			log.Printf("ws: failed to encode snapshot entry: %v", err)
			continue
		}
		h.hub.SendTo(client, data)
	}
}

// handleDisconnect parts the character bound to a closing connection,
// exactly as an inbound part event would.
func (h *Handler) handleDisconnect(ctx context.Context, client *Client) {
	if client.characterID == "" {
		return
	}
	h.registry.Part(client.characterID)
	h.accept(ctx, client, &event.PartPayload{ID: client.characterID})
}

// HandleExpiration announces a character the registry removed for
// inactivity, as if the client had sent a part. Wired as the registry's
// expire callback.
func (h *Handler) HandleExpiration(id string) {
	msg := &event.PartPayload{ID: id}
	metrics.EventsAccepted.WithLabelValues(string(event.Part)).Inc()
	metrics.Characters.Set(float64(h.registry.Count()))

	data, err := event.Encode(msg)
	if err != nil {
		log.Printf("ws: failed to encode expiration part: %v", err)
		return
	}
	h.hub.Broadcast(data)

	if h.publisher != nil {
		h.publisher.Publish(context.Background(), msg)
	}
}

// HandleRemote applies an event received from another worker to the
// local registry and rebroadcasts it to local connections. Remote events
// are never re-published; that would loop.
func (h *Handler) HandleRemote(name event.Name, msg event.Message) {
	switch m := msg.(type) {
	case *event.JoinPayload:
		if err := h.registry.Join(m.ID, m.Username, m.Position, m.Rotation); err != nil {
			log.Printf("ws: remote join rejected: %v", err)
			return
		}
	case *event.PartPayload:
		h.registry.Part(m.ID)
	case *event.UsernamePayload:
		if err := h.registry.UpdateUsername(m.ID, m.Username); err != nil {
			log.Printf("ws: remote username update rejected: %v", err)
			return
		}
	case *event.PositionPayload:
		if err := h.registry.UpdatePosition(m.ID, m.Position, m.CameraPosition, m.PlayerHeight); err != nil {
			log.Printf("ws: remote position update rejected: %v", err)
			return
		}
	case *event.RotationPayload:
		if err := h.registry.UpdateRotation(m.ID, m.Rotation); err != nil {
			log.Printf("ws: remote rotation update rejected: %v", err)
			return
		}
	default:
		// Pings and introduces are worker-local and never cross the channel.
		log.Printf("ws: ignoring remote %q event", name)
		return
	}
	metrics.Characters.Set(float64(h.registry.Count()))

	data, err := event.Encode(msg)
	if err != nil {
		log.Printf("ws: failed to encode remote %q: %v", name, err)
		return
	}
	h.hub.Broadcast(data)
}

func generateClientID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
