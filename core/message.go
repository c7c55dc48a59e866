package core

import (
	"context"

	"collab-server/collab"
)

type MessageKind string

const (
	// MessageInitSync asks the server for the full state.
	MessageInitSync  MessageKind = "init_sync"
	MessageUpdate    MessageKind = "update"
	MessageAwareness MessageKind = "awareness"
	MessageAck       MessageKind = "ack"
)

type (
	ClientMessage struct {
		ObjectID string        `json:"object_id" msgpack:"object_id"`
		Kind     MessageKind   `json:"kind" msgpack:"kind"`
		Origin   collab.Origin `json:"origin" msgpack:"origin"`
		Payload  []byte        `json:"payload,omitempty" msgpack:"payload,omitempty"`
		MsgID    uint64        `json:"msg_id,omitempty" msgpack:"msg_id,omitempty"`
	}

	ServerMessage struct {
		ObjectID string        `json:"object_id" msgpack:"object_id"`
		Kind     MessageKind   `json:"kind" msgpack:"kind"`
		Origin   collab.Origin `json:"origin" msgpack:"origin"`
		Payload  []byte        `json:"payload,omitempty" msgpack:"payload,omitempty"`
		MsgID    uint64        `json:"msg_id,omitempty" msgpack:"msg_id,omitempty"`
	}

	// Sink delivers server messages to one connection. Send must not block on the network.
	Sink interface {
		Send(ctx context.Context, msg *ServerMessage) error
	}

	// Stream yields client messages for one object from one connection. It is closed
	// when the connection goes away.
	Stream <-chan *ClientMessage

	RealtimeAccessControl interface {
		CanReadCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
		CanWriteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	}
)
