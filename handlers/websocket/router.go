package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"collab-server/core"
	"collab-server/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	eventCollabMessage = "collab-message"
	eventCollabError   = "collab-error"

	streamBuffer = 64
)

// emitter is the part of a socket.io socket the router writes to.
type emitter interface {
	Emit(ev string, args ...any) error
}

type objectChannel struct {
	workspaceID string
	stream      chan *core.ClientMessage
	ac          core.RealtimeAccessControl
}

// ClientMessageRouter connects one socket to the groups its user joined. It
// hands every group a sink writing to the socket and a stream fed from the
// socket's incoming messages, rate limited per connection.
type ClientMessageRouter struct {
	conn       emitter
	disconnect func()
	user       core.RealtimeUser
	limiter    *rate.Limiter
	metrics    *metrics.CollabRealtimeMetrics

	mu      sync.Mutex
	objects map[string]*objectChannel
	closed  bool
}

func NewClientMessageRouter(conn emitter, disconnect func(), user core.RealtimeUser, limit rate.Limit, burst int, m *metrics.CollabRealtimeMetrics) *ClientMessageRouter {
	return &ClientMessageRouter{
		conn:       conn,
		disconnect: disconnect,
		user:       user,
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		objects:    make(map[string]*objectChannel),
	}
}

func (r *ClientMessageRouter) User() core.RealtimeUser {
	return r.user
}

// InitClientCommunication replaces any earlier channel pair of objectID; the
// earlier stream is closed.
func (r *ClientMessageRouter) InitClientCommunication(workspaceID string, user core.RealtimeUser, objectID string, ac core.RealtimeAccessControl) (core.Sink, core.Stream) {
	ch := &objectChannel{
		workspaceID: workspaceID,
		stream:      make(chan *core.ClientMessage, streamBuffer),
		ac:          ac,
	}

	r.mu.Lock()
	if prev, ok := r.objects[objectID]; ok {
		close(prev.stream)
	}
	if r.closed {
		close(ch.stream)
	} else {
		r.objects[objectID] = ch
	}
	r.mu.Unlock()

	sink := &socketSink{router: r, objectID: objectID, workspaceID: workspaceID, ac: ac}
	return sink, ch.stream
}

// Dispatch routes a message received from the socket to the stream of its
// object. A client over its rate limit is disconnected.
func (r *ClientMessageRouter) Dispatch(ctx context.Context, msg *core.ClientMessage) error {
	if !r.limiter.Allow() {
		r.reject("rate_limited")
		err := core.NewTooManyMessage(r.user.String())
		_ = r.conn.Emit(eventCollabError, errorPayload(msg.ObjectID, err))
		logrus.WithField("user", r.user.String()).Warn("Client exceeded message rate, disconnecting")
		if r.disconnect != nil {
			r.disconnect()
		}
		return err
	}

	r.mu.Lock()
	ch, ok := r.objects[msg.ObjectID]
	r.mu.Unlock()
	if !ok {
		r.reject("not_subscribed")
		return core.NewUnexpectedData("not subscribed to " + msg.ObjectID)
	}

	if msg.Kind == core.MessageUpdate && ch.ac != nil {
		allowed, err := ch.ac.CanWriteCollab(ctx, ch.workspaceID, r.user.UID, msg.ObjectID)
		if err != nil {
			return core.NewInternal("check write permission", err)
		}
		if !allowed {
			r.reject("write_denied")
			return core.NewPermissionDenied(core.KindNotEnoughPermissionToWrite, r.user.UID)
		}
	}

	return r.push(ctx, msg.ObjectID, ch, msg)
}

func (r *ClientMessageRouter) push(ctx context.Context, objectID string, ch *objectChannel, msg *core.ClientMessage) error {
	// the lock keeps Close from closing the stream mid-send
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.objects[objectID] != ch {
		return core.NewUnexpectedData("not subscribed to " + objectID)
	}
	select {
	case ch.stream <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		r.reject("stream_full")
		return core.NewInternal(fmt.Sprintf("stream of %s is full", objectID), nil)
	}
}

// Close ends every stream. Later channels are born closed.
func (r *ClientMessageRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.objects {
		close(ch.stream)
		delete(r.objects, id)
	}
}

func (r *ClientMessageRouter) reject(reason string) {
	if r.metrics != nil {
		r.metrics.RejectedMessages.WithLabelValues(reason).Inc()
	}
}

type socketSink struct {
	router      *ClientMessageRouter
	objectID    string
	workspaceID string
	ac          core.RealtimeAccessControl
}

func (s *socketSink) Send(ctx context.Context, msg *core.ServerMessage) error {
	if s.ac != nil {
		allowed, err := s.ac.CanReadCollab(ctx, s.workspaceID, s.router.user.UID, s.objectID)
		if err != nil {
			return core.NewInternal("check read permission", err)
		}
		if !allowed {
			s.router.reject("read_denied")
			return core.NewPermissionDenied(core.KindNotEnoughPermissionToRead, s.router.user.UID)
		}
	}
	return s.router.conn.Emit(eventCollabMessage, toWire(msg))
}

// toWire flattens msg into a JSON-shaped map; payload bytes travel base64 encoded.
func toWire(msg *core.ServerMessage) map[string]any {
	out := map[string]any{}
	data, err := json.Marshal(msg)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// decodeClientMessage reads a message from a decoded socket.io argument.
func decodeClientMessage(arg any) (*core.ClientMessage, error) {
	var msg core.ClientMessage
	if err := decodeArg(arg, &msg); err != nil {
		return nil, err
	}
	if msg.ObjectID == "" {
		return nil, core.NewUnexpectedData("object_id is required")
	}
	return &msg, nil
}

// decodeArg converts a decoded socket.io argument into v.
func decodeArg(arg any, v any) error {
	data, err := json.Marshal(arg)
	if err != nil {
		return core.NewUnexpectedData(err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.NewUnexpectedData(err.Error())
	}
	return nil
}

func errorPayload(objectID string, err error) map[string]any {
	payload := map[string]any{"status": "error", "error": err.Error()}
	if objectID != "" {
		payload["object_id"] = objectID
	}
	return payload
}
