package websocket

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"collab-server/access"
	"collab-server/collab"
	"collab-server/core"
	"collab-server/group"
	"collab-server/metrics"
	"collab-server/middleware"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/time/rate"
)

const joinTimeout = 10 * time.Second

type ackInvoker func(err error, payload map[string]any)

// Options wires the socket.io server to the realtime core.
type Options struct {
	Manager       *group.Manager
	Auth          *middleware.JWTAuth
	AccessControl *access.WorkspaceAccessControl
	Metrics       *metrics.CollabRealtimeMetrics
	MessageRate   rate.Limit
	MessageBurst  int
}

type joinRequest struct {
	Token       string `json:"token"`
	WorkspaceID string `json:"workspace_id"`
	ObjectID    string `json:"object_id"`
	CollabType  string `json:"collab_type"`
	DeviceID    string `json:"device_id"`
	AppVersion  string `json:"app_version"`
}

// connection is the state of one socket. The user is fixed by its first join.
type connection struct {
	mu          sync.Mutex
	socket      *socketio.Socket
	connectedAt int64
	router      *ClientMessageRouter
}

func SetupSocketIO(o Options) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin: []any{
			"tauri://localhost",
			localhostOrigin,
		},
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		conn := &connection{socket: socket, connectedAt: time.Now().Unix()}
		log := logrus.WithField("socket_id", socket.Id())
		log.Debug("Socket connected")

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("join-collab", func(datas ...any) {
			ack, args := extractAck(datas)
			if err := o.join(conn, args); err != nil {
				log.WithError(err).Warn("Join collab failed")
				respondWithAck(socket, ack, "join-collab-ack", errorPayload("", err), err)
				return
			}
			respondWithAck(socket, ack, "join-collab-ack", map[string]any{"status": "ok"}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(eventCollabMessage, func(datas ...any) {
			ack, args := extractAck(datas)
			router := conn.currentRouter()
			if router == nil || len(args) == 0 {
				err := errors.New("join a collab before sending messages")
				respondWithAck(socket, ack, "", nil, err)
				return
			}
			msg, err := decodeClientMessage(args[0])
			if err == nil {
				err = router.Dispatch(context.Background(), msg)
			}
			if err != nil {
				log.WithError(err).Debug("Rejected client message")
				respondWithAck(socket, ack, "", nil, err)
				return
			}
			respondWithAck(socket, ack, "", nil, nil)
		})

		socket.On("disconnecting", func(datas ...any) {
			router := conn.currentRouter()
			if router == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
			defer cancel()
			o.Manager.RemoveUser(ctx, router.User())
			router.Close()
			log.WithField("user", router.User().String()).Debug("Socket disconnecting")
		})

		socket.On("disconnect", func(datas ...any) {
			socket.RemoveAllListeners("")
			socket.Disconnect(true)
		})
	})

	return srv
}

func (c *connection) currentRouter() *ClientMessageRouter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.router
}

// routerFor returns the router of the connection, creating it for the first
// authenticated user. A connection cannot switch users.
func (c *connection) routerFor(o *Options, claims *middleware.AppClaims, req joinRequest) (*ClientMessageRouter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.router != nil {
		if c.router.User().UID != claims.UID {
			return nil, core.NewUnexpectedData("connection already belongs to another user")
		}
		return c.router, nil
	}

	deviceID := claims.DeviceID
	if deviceID == "" {
		deviceID = req.DeviceID
	}
	user := core.RealtimeUser{
		UID:         claims.UID,
		DeviceID:    deviceID,
		ConnectedAt: c.connectedAt,
		SessionID:   string(c.socket.Id()),
		AppVersion:  req.AppVersion,
	}
	socket := c.socket
	c.router = NewClientMessageRouter(socket, func() { socket.Disconnect(true) }, user, o.MessageRate, o.MessageBurst, o.Metrics)
	return c.router, nil
}

func (o *Options) join(conn *connection, args []any) error {
	if len(args) == 0 {
		return errors.New("join request is required")
	}
	var req joinRequest
	if err := decodeArg(args[0], &req); err != nil {
		return err
	}
	if req.WorkspaceID == "" || req.ObjectID == "" {
		return errors.New("workspace_id and object_id are required")
	}
	collabType, err := collab.ParseCollabType(req.CollabType)
	if err != nil {
		return err
	}

	claims, err := o.Auth.ParseJWT(req.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	o.AccessControl.Grant(claims.UID, claims.Workspaces)

	router, err := conn.routerFor(o, claims, req)
	if err != nil {
		return err
	}
	user := router.User()

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	allowed, err := o.AccessControl.CanReadCollab(ctx, req.WorkspaceID, user.UID, req.ObjectID)
	if err != nil {
		return err
	}
	if !allowed {
		return core.NewPermissionDenied(core.KindNotEnoughPermissionToRead, user.UID)
	}

	if err := o.Manager.CreateGroup(ctx, user, req.WorkspaceID, req.ObjectID, collabType); err != nil && !core.IsKind(err, core.KindGroupAlreadyExists) {
		return err
	}
	return o.Manager.SubscribeGroup(ctx, user, req.ObjectID, collab.ClientOrigin(user.UID, user.DeviceID), router)
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	candidate := reflect.ValueOf(datas[len(datas)-1])
	if !candidate.IsValid() || candidate.Kind() != reflect.Func {
		return nil, datas
	}

	fn := candidate.Type()
	return func(err error, payload map[string]any) {
		in := make([]reflect.Value, fn.NumIn())
		for i := range in {
			var v any
			switch {
			case fn.NumIn() == 1 && err != nil:
				v = map[string]any{"status": "error", "error": err.Error()}
			case fn.NumIn() == 1:
				v = payload
			case i == 0 && err != nil:
				v = err.Error()
			case i == 1:
				v = payload
			}
			in[i] = ackValue(v, fn.In(i))
		}
		candidate.Call(in)
	}, datas[:len(datas)-1]
}

func ackValue(v any, target reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(target)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(target) {
		return rv
	}
	if rv.Type().ConvertibleTo(target) {
		return rv.Convert(target)
	}
	return reflect.Zero(target)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
