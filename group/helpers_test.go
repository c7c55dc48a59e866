package group

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"
	"collab-server/stores/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*core.ServerMessage
}

func (s *recordingSink) Send(ctx context.Context, msg *core.ServerMessage) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ofKind(kind core.MessageKind) []*core.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.ServerMessage
	for _, m := range s.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeChannels hands out one recording sink and one stream per user and object.
type fakeChannels struct {
	mu      sync.Mutex
	calls   int
	sinks   map[string]*recordingSink
	streams map[string]chan *core.ClientMessage
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		sinks:   make(map[string]*recordingSink),
		streams: make(map[string]chan *core.ClientMessage),
	}
}

func channelKey(user core.RealtimeUser, objectID string) string {
	return user.String() + "/" + objectID
}

func (f *fakeChannels) InitClientCommunication(workspaceID string, user core.RealtimeUser, objectID string, ac core.RealtimeAccessControl) (core.Sink, core.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := channelKey(user, objectID)
	sink := &recordingSink{}
	ch := make(chan *core.ClientMessage, 16)
	f.sinks[key] = sink
	f.streams[key] = ch
	return sink, ch
}

func (f *fakeChannels) sink(user core.RealtimeUser, objectID string) *recordingSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[channelKey(user, objectID)]
}

func (f *fakeChannels) send(user core.RealtimeUser, objectID string, msg *core.ClientMessage) {
	f.mu.Lock()
	ch := f.streams[channelKey(user, objectID)]
	f.mu.Unlock()
	ch <- msg
}

func (f *fakeChannels) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testUser(uid int64) core.RealtimeUser {
	return core.RealtimeUser{
		UID:         uid,
		DeviceID:    fmt.Sprintf("device-%d", uid),
		ConnectedAt: 1700000000,
		SessionID:   fmt.Sprintf("session-%d", uid),
		AppVersion:  "0.5.0",
	}
}

func newTestMetrics() *metrics.CollabRealtimeMetrics {
	return metrics.New(prometheus.NewRegistry())
}

func newTestManager(t *testing.T, storage core.CollabStorage, configure func(*ManagerOptions)) *Manager {
	t.Helper()
	if storage == nil {
		storage = memory.NewStore()
	}
	opts := ManagerOptions{
		Storage:             storage,
		Metrics:             newTestMetrics(),
		PersistenceInterval: time.Hour,
		PruneGracePeriod:    time.Hour,
		LockTimeout:         time.Second,
	}
	if configure != nil {
		configure(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m
}

// makeUpdate returns an update setting key to value, written by client.
func makeUpdate(t *testing.T, client, key, value string) []byte {
	t.Helper()
	update, err := collab.New("scratch").Set(client, key, []byte(value))
	require.NoError(t, err)
	return update
}

func encodedDocument(t *testing.T, objectID, value string) []byte {
	t.Helper()
	c := collab.New(objectID)
	_, err := c.Set("server", "document", []byte(value))
	require.NoError(t, err)
	blob, err := c.EncodeCollab().Encode()
	require.NoError(t, err)
	return blob
}

func insertCollab(t *testing.T, storage core.CollabStorage, workspaceID, objectID string, blob []byte) {
	t.Helper()
	require.NoError(t, storage.InsertCollab(context.Background(), 1, &core.InsertCollabParams{
		WorkspaceID: workspaceID,
		CollabParams: core.CollabParams{
			ObjectID:      objectID,
			EncodedCollab: blob,
			CollabType:    collab.TypeDocument,
		},
	}))
}

func storedValue(t *testing.T, storage core.CollabStorage, objectID, key string) (string, bool) {
	t.Helper()
	blob, err := storage.GetCollab(context.Background(), core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: objectID})
	if err != nil {
		return "", false
	}
	encoded, err := collab.DecodeEncodedCollab(blob)
	if err != nil {
		return "", false
	}
	c, err := collab.NewFromDocState(objectID, encoded.DocState)
	if err != nil {
		return "", false
	}
	v, ok := c.Get(key)
	return string(v), ok
}

// hasSubscriber reads the group's own subscriber set under its section.
func (g *CollabGroup) hasSubscriber(user core.RealtimeUser) bool {
	g.sem <- struct{}{}
	defer g.unlock()
	_, ok := g.subscribers[user]
	return ok
}
