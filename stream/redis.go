package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"collab-server/collab"
	"collab-server/core"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// CollabUpdate is one update published to the other instances.
type CollabUpdate struct {
	InstanceID string        `msgpack:"instance_id"`
	Origin     collab.Origin `msgpack:"origin"`
	Update     []byte        `msgpack:"update"`
}

// CollabRedisStream fans collab updates out to every instance sharing the redis server.
type CollabRedisStream struct {
	rdb        *redis.Client
	instanceID string
}

// UpdatesChannel returns the pub/sub channel carrying updates of objectID.
func UpdatesChannel(objectID string) string {
	return fmt.Sprintf("collab:%s:updates", objectID)
}

// NewCollabRedisStream connects to redis and checks the connection.
func NewCollabRedisStream(ctx context.Context, redisOpts *redis.Options, instanceID string) (*CollabRedisStream, error) {
	if instanceID == "" {
		return nil, errors.New("instance id cannot be empty")
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, core.NewStreamError("ping failed", err)
	}
	return &CollabRedisStream{rdb: rdb, instanceID: instanceID}, nil
}

// NewCollabRedisStreamFromURL parses a redis:// url.
func NewCollabRedisStreamFromURL(ctx context.Context, url, instanceID string) (*CollabRedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewCollabRedisStream(ctx, opts, instanceID)
}

func (s *CollabRedisStream) InstanceID() string {
	return s.instanceID
}

// Close closes the Redis connection. Implements io.Closer.
func (s *CollabRedisStream) Close() error {
	return s.rdb.Close()
}

// Publish sends update to every subscriber of objectID, this instance included.
func (s *CollabRedisStream) Publish(ctx context.Context, objectID string, origin collab.Origin, update []byte) error {
	payload, err := msgpack.Marshal(&CollabUpdate{InstanceID: s.instanceID, Origin: origin, Update: update})
	if err != nil {
		return core.NewStreamError("encode update", err)
	}
	if err := s.rdb.Publish(ctx, UpdatesChannel(objectID), payload).Err(); err != nil {
		return core.NewStreamError("publish update of "+objectID, err)
	}
	return nil
}

// Subscription delivers the updates other instances publish for one object.
// Caller must call Close() when done.
type Subscription struct {
	updates <-chan *CollabUpdate
	cancel  func()
	once    sync.Once
}

// Updates returns the channel of remote updates. It is closed when the
// subscription is closed or the context is cancelled.
func (s *Subscription) Updates() <-chan *CollabUpdate {
	return s.updates
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe listens for updates of objectID. Updates published by this
// instance are skipped. The subscription is confirmed before Subscribe returns.
func (s *CollabRedisStream) Subscribe(ctx context.Context, objectID string) (*Subscription, error) {
	channel := UpdatesChannel(objectID)
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, core.NewStreamError("subscribe "+channel, err)
	}

	updates := make(chan *CollabUpdate, 64)
	subCtx, cancel := context.WithCancel(ctx)
	log := logrus.WithFields(logrus.Fields{"object_id": objectID, "channel": channel})

	go func() {
		defer close(updates)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var update CollabUpdate
				if err := msgpack.Unmarshal([]byte(msg.Payload), &update); err != nil {
					log.WithError(err).Warn("Skipping undecodable stream message")
					continue
				}
				if update.InstanceID == s.instanceID {
					continue
				}

				select {
				case updates <- &update:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{updates: updates, cancel: cancel}, nil
}
