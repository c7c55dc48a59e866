package websocket

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"collab-server/access"
	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

type emitted struct {
	event string
	args  []any
}

type fakeSocket struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeSocket) Emit(ev string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event: ev, args: args})
	return nil
}

func (f *fakeSocket) named(ev string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.event == ev {
			out = append(out, e)
		}
	}
	return out
}

var testUser = core.RealtimeUser{UID: 7, DeviceID: "laptop", ConnectedAt: 1700000000, SessionID: "s-1"}

func newTestRouter(t *testing.T, limit rate.Limit, burst int) (*ClientMessageRouter, *fakeSocket, *metrics.CollabRealtimeMetrics, *bool) {
	t.Helper()
	socket := &fakeSocket{}
	m := metrics.New(prometheus.NewRegistry())
	disconnected := false
	r := NewClientMessageRouter(socket, func() { disconnected = true }, testUser, limit, burst, m)
	return r, socket, m, &disconnected
}

func rejected(m *metrics.CollabRealtimeMetrics, reason string) float64 {
	return testutil.ToFloat64(m.RejectedMessages.WithLabelValues(reason))
}

func TestRouter_DispatchReachesStream(t *testing.T) {
	r, _, _, _ := newTestRouter(t, rate.Inf, 1)
	_, stream := r.InitClientCommunication("ws-1", testUser, "doc-1", nil)

	msg := &core.ClientMessage{ObjectID: "doc-1", Kind: core.MessageUpdate, Payload: []byte("u")}
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if got := <-stream; got != msg {
		t.Errorf("stream delivered %+v, want the dispatched message", got)
	}
}

func TestRouter_UnknownObject(t *testing.T) {
	r, _, m, _ := newTestRouter(t, rate.Inf, 1)

	err := r.Dispatch(context.Background(), &core.ClientMessage{ObjectID: "doc-1", Kind: core.MessageUpdate})
	if !core.IsKind(err, core.KindUnexpectedData) {
		t.Errorf("Dispatch() error = %v, want KindUnexpectedData", err)
	}
	if got := rejected(m, "not_subscribed"); got != 1 {
		t.Errorf("not_subscribed rejections = %v, want 1", got)
	}
}

func TestRouter_RateLimitDisconnects(t *testing.T) {
	r, socket, m, disconnected := newTestRouter(t, rate.Limit(0.001), 2)
	_, stream := r.InitClientCommunication("ws-1", testUser, "doc-1", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := r.Dispatch(ctx, &core.ClientMessage{ObjectID: "doc-1", Kind: core.MessageAwareness}); err != nil {
			t.Fatalf("Dispatch() #%d failed: %v", i, err)
		}
	}
	err := r.Dispatch(ctx, &core.ClientMessage{ObjectID: "doc-1", Kind: core.MessageAwareness})
	if !core.IsTooManyMessage(err) {
		t.Fatalf("Dispatch() error = %v, want TooManyMessage", err)
	}
	if !*disconnected {
		t.Error("client over the limit was not disconnected")
	}
	if n := len(socket.named(eventCollabError)); n != 1 {
		t.Errorf("emitted %d collab errors, want 1", n)
	}
	if len(stream) != 2 {
		t.Errorf("stream holds %d messages, want 2", len(stream))
	}
	if got := rejected(m, "rate_limited"); got != 1 {
		t.Errorf("rate_limited rejections = %v, want 1", got)
	}
}

func TestRouter_AccessChecks(t *testing.T) {
	acl := access.NewWorkspaceAccessControl()
	acl.Grant(testUser.UID, map[string]string{"ws-view": "viewer", "ws-edit": "member"})
	r, socket, m, _ := newTestRouter(t, rate.Inf, 1)
	ctx := context.Background()

	viewSink, viewStream := r.InitClientCommunication("ws-view", testUser, "doc-view", acl)
	_, editStream := r.InitClientCommunication("ws-edit", testUser, "doc-edit", acl)
	hiddenSink, _ := r.InitClientCommunication("ws-other", testUser, "doc-hidden", acl)

	err := r.Dispatch(ctx, &core.ClientMessage{ObjectID: "doc-view", Kind: core.MessageUpdate})
	if !core.IsKind(err, core.KindNotEnoughPermissionToWrite) {
		t.Errorf("viewer update error = %v, want KindNotEnoughPermissionToWrite", err)
	}
	if len(viewStream) != 0 {
		t.Error("denied update reached the stream")
	}
	// viewers still share presence
	if err := r.Dispatch(ctx, &core.ClientMessage{ObjectID: "doc-view", Kind: core.MessageAwareness}); err != nil {
		t.Fatalf("viewer awareness failed: %v", err)
	}
	if len(viewStream) != 1 {
		t.Errorf("view stream holds %d messages, want 1", len(viewStream))
	}

	if err := r.Dispatch(ctx, &core.ClientMessage{ObjectID: "doc-edit", Kind: core.MessageUpdate}); err != nil {
		t.Fatalf("member update failed: %v", err)
	}
	if len(editStream) != 1 {
		t.Errorf("edit stream holds %d messages, want 1", len(editStream))
	}

	if err := viewSink.Send(ctx, &core.ServerMessage{ObjectID: "doc-view", Kind: core.MessageUpdate, Origin: collab.ServerOrigin}); err != nil {
		t.Fatalf("Send() to viewer failed: %v", err)
	}
	err = hiddenSink.Send(ctx, &core.ServerMessage{ObjectID: "doc-hidden", Kind: core.MessageUpdate})
	if !core.IsKind(err, core.KindNotEnoughPermissionToRead) {
		t.Errorf("Send() to outsider error = %v, want KindNotEnoughPermissionToRead", err)
	}

	sent := socket.named(eventCollabMessage)
	if len(sent) != 1 {
		t.Fatalf("emitted %d collab messages, want 1", len(sent))
	}
	if wire := sent[0].args[0].(map[string]any); wire["object_id"] != "doc-view" {
		t.Errorf("object_id = %v, want doc-view", wire["object_id"])
	}
	if got := rejected(m, "write_denied"); got != 1 {
		t.Errorf("write_denied rejections = %v, want 1", got)
	}
	if got := rejected(m, "read_denied"); got != 1 {
		t.Errorf("read_denied rejections = %v, want 1", got)
	}
}

func TestRouter_CloseEndsStreams(t *testing.T) {
	r, _, _, _ := newTestRouter(t, rate.Inf, 1)
	_, first := r.InitClientCommunication("ws-1", testUser, "doc-1", nil)
	_, replaced := r.InitClientCommunication("ws-1", testUser, "doc-1", nil)

	if _, ok := <-first; ok {
		t.Error("re-initialising an object did not close its previous stream")
	}

	r.Close()
	if _, ok := <-replaced; ok {
		t.Error("Close() did not close the stream")
	}

	_, late := r.InitClientCommunication("ws-1", testUser, "doc-2", nil)
	if _, ok := <-late; ok {
		t.Error("stream created after Close() is open")
	}

	if err := r.Dispatch(context.Background(), &core.ClientMessage{ObjectID: "doc-1", Kind: core.MessageUpdate}); err == nil {
		t.Error("Dispatch() after Close() succeeded")
	}
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := decodeClientMessage(map[string]any{
		"object_id": "doc-1",
		"kind":      "update",
		"payload":   "aGVsbG8=",
		"msg_id":    float64(3),
	})
	if err != nil {
		t.Fatalf("decodeClientMessage() failed: %v", err)
	}
	if msg.ObjectID != "doc-1" || msg.Kind != core.MessageUpdate || msg.MsgID != 3 {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !bytes.Equal(msg.Payload, []byte("hello")) {
		t.Errorf("payload = %q, want %q", msg.Payload, "hello")
	}

	_, err = decodeClientMessage(map[string]any{"kind": "update"})
	if !core.IsKind(err, core.KindUnexpectedData) {
		t.Errorf("missing object_id error = %v, want KindUnexpectedData", err)
	}
}
