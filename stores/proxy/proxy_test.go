package proxy

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"weak"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"
	"collab-server/stores/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStorage records how often the read paths reach storage.
type countingStorage struct {
	core.CollabStorage
	reads      atomic.Int32
	batchReads atomic.Int32
	lastBatch  []core.QueryCollabParams
}

func (s *countingStorage) GetCollab(ctx context.Context, params core.QueryCollabParams) ([]byte, error) {
	s.reads.Add(1)
	return s.CollabStorage.GetCollab(ctx, params)
}

func (s *countingStorage) BatchGetCollab(ctx context.Context, queries []core.QueryCollabParams) map[string]core.QueryCollabResult {
	s.batchReads.Add(1)
	s.lastBatch = queries
	return s.CollabStorage.BatchGetCollab(ctx, queries)
}

func newProxy(t *testing.T) (*CollabStorageProxy, *countingStorage, *metrics.CollabRealtimeMetrics) {
	t.Helper()
	inner := &countingStorage{CollabStorage: memory.NewStore()}
	m := metrics.New(prometheus.NewRegistry())
	return New(inner, m), inner, m
}

func storeBlob(t *testing.T, s core.CollabStorage, objectID string, c *collab.Collab) {
	t.Helper()
	blob, err := c.EncodeCollab().Encode()
	require.NoError(t, err)
	require.NoError(t, s.InsertCollab(context.Background(), 1, &core.InsertCollabParams{
		WorkspaceID:  "ws-1",
		CollabParams: core.CollabParams{ObjectID: objectID, EncodedCollab: blob, CollabType: collab.TypeDocument},
	}))
}

func decodeValue(t *testing.T, blob []byte, key string) string {
	t.Helper()
	encoded, err := collab.DecodeEncodedCollab(blob)
	require.NoError(t, err)
	c, err := collab.NewFromDocState("check", encoded.DocState)
	require.NoError(t, err)
	v, _ := c.Get(key)
	return string(v)
}

// waitCollected runs the collector until the proxy no longer resolves objectID.
func waitCollected(t *testing.T, p *CollabStorageProxy, objectID string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		runtime.GC()
		if p.liveCollab(objectID) == nil {
			return
		}
	}
	t.Fatalf("collab %s still live after GC", objectID)
}

func TestGetCollab_ServedFromMemory(t *testing.T) {
	p, inner, m := newProxy(t)
	ctx := context.Background()

	stored := collab.New("doc-1")
	stored.Set("server", "document", []byte("stored"))
	storeBlob(t, inner.CollabStorage, "doc-1", stored)

	live := collab.New("doc-1")
	live.Set("server", "document", []byte("live"))
	p.CacheCollab("doc-1", weak.Make(live))

	blob, err := p.GetCollab(ctx, core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "live", decodeValue(t, blob, "document"))
	assert.Equal(t, int32(0), inner.reads.Load(), "storage read path must not be used")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyReads.WithLabelValues("memory")))
	runtime.KeepAlive(live)
}

func TestGetCollab_FallsThroughAfterDrop(t *testing.T) {
	p, inner, _ := newProxy(t)
	ctx := context.Background()

	stored := collab.New("doc-1")
	stored.Set("server", "document", []byte("stored"))
	storeBlob(t, inner.CollabStorage, "doc-1", stored)

	func() {
		live := collab.New("doc-1")
		live.Set("server", "document", []byte("live"))
		p.CacheCollab("doc-1", weak.Make(live))
	}()
	waitCollected(t, p, "doc-1")

	blob, err := p.GetCollab(ctx, core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "stored", decodeValue(t, blob, "document"))
	assert.Equal(t, int32(1), inner.reads.Load())
}

func TestEvictCollab_FallsThroughToStorage(t *testing.T) {
	p, inner, _ := newProxy(t)
	ctx := context.Background()

	stored := collab.New("doc-1")
	stored.Set("server", "document", []byte("stored"))
	storeBlob(t, inner.CollabStorage, "doc-1", stored)

	live := collab.New("doc-1")
	live.Set("server", "document", []byte("live"))
	ref := weak.Make(live)
	p.CacheCollab("doc-1", ref)
	p.EvictCollab("doc-1", ref)

	// live is still reachable, eviction alone must stop memory reads
	blob, err := p.GetCollab(ctx, core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "stored", decodeValue(t, blob, "document"))
	assert.Equal(t, int32(1), inner.reads.Load())
	runtime.KeepAlive(live)
}

func TestEvictCollab_KeepsNewerEntry(t *testing.T) {
	p, inner, _ := newProxy(t)
	ctx := context.Background()

	old := collab.New("doc-1")
	newer := collab.New("doc-1")
	newer.Set("server", "document", []byte("newer"))
	oldRef := weak.Make(old)
	p.CacheCollab("doc-1", oldRef)
	p.CacheCollab("doc-1", weak.Make(newer))

	p.EvictCollab("doc-1", oldRef)

	blob, err := p.GetCollab(ctx, core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "newer", decodeValue(t, blob, "document"))
	assert.Equal(t, int32(0), inner.reads.Load())
	runtime.KeepAlive(old)
	runtime.KeepAlive(newer)
}

func TestCacheDoesNotKeepCollabAlive(t *testing.T) {
	p, _, _ := newProxy(t)

	func() {
		live := collab.New("doc-2")
		p.CacheCollab("doc-2", weak.Make(live))
	}()
	waitCollected(t, p, "doc-2")

	p.mu.RLock()
	_, ok := p.collabByObjectID["doc-2"]
	p.mu.RUnlock()
	assert.False(t, ok, "expired entry should be removed on miss")
}

func TestBatchGetCollab_Partitions(t *testing.T) {
	p, inner, _ := newProxy(t)
	ctx := context.Background()

	stored := collab.New("doc-stored")
	stored.Set("server", "document", []byte("stored"))
	storeBlob(t, inner.CollabStorage, "doc-stored", stored)

	live := collab.New("doc-live")
	live.Set("server", "document", []byte("live"))
	p.CacheCollab("doc-live", weak.Make(live))

	results := p.BatchGetCollab(ctx, []core.QueryCollabParams{
		{WorkspaceID: "ws-1", ObjectID: "doc-live"},
		{WorkspaceID: "ws-1", ObjectID: "doc-stored"},
		{WorkspaceID: "ws-1", ObjectID: "doc-missing"},
		{WorkspaceID: "", ObjectID: "doc-invalid"},
	})

	require.Len(t, results, 4)
	assert.Equal(t, "live", decodeValue(t, results["doc-live"].Blob, "document"))
	assert.Equal(t, "stored", decodeValue(t, results["doc-stored"].Blob, "document"))
	assert.NotEmpty(t, results["doc-missing"].Error)
	assert.Contains(t, results["doc-invalid"].Error, "WorkspaceID")

	// one batched storage call, carrying only what memory could not serve
	assert.Equal(t, int32(1), inner.batchReads.Load())
	ids := make([]string, 0, len(inner.lastBatch))
	for _, q := range inner.lastBatch {
		ids = append(ids, q.ObjectID)
	}
	assert.ElementsMatch(t, []string{"doc-stored", "doc-missing"}, ids)
	runtime.KeepAlive(live)
}

func TestBatchGetCollab_AllInvalidSkipsStorage(t *testing.T) {
	p, inner, _ := newProxy(t)
	results := p.BatchGetCollab(context.Background(), []core.QueryCollabParams{
		{WorkspaceID: "ws-1", ObjectID: "", CollabType: collab.TypeDocument},
	})
	assert.NotEmpty(t, results[""].Error)
	assert.Equal(t, int32(0), inner.batchReads.Load())
}

func TestWritesPassThrough(t *testing.T) {
	p, inner, _ := newProxy(t)
	ctx := context.Background()

	live := collab.New("doc-1")
	p.CacheCollab("doc-1", weak.Make(live))

	require.NoError(t, p.InsertCollab(ctx, 1, &core.InsertCollabParams{
		WorkspaceID:  "ws-1",
		CollabParams: core.CollabParams{ObjectID: "doc-1", EncodedCollab: []byte("x")},
	}))
	assert.True(t, inner.IsExist(ctx, "doc-1"))

	require.NoError(t, p.CreateSnapshot(ctx, &core.InsertSnapshotParams{ObjectID: "doc-1", WorkspaceID: "ws-1", EncodedCollab: []byte("s")}))
	snaps, err := p.GetAllSnapshots(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	require.NoError(t, p.DeleteCollab(ctx, "doc-1"))
	assert.False(t, p.IsExist(ctx, "doc-1"))
	runtime.KeepAlive(live)
}

func TestConcurrentCacheAndRead(t *testing.T) {
	p, _, _ := newProxy(t)
	ctx := context.Background()

	live := collab.New("doc-1")
	live.Set("server", "document", []byte("v"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.CacheCollab("doc-1", weak.Make(live))
		}()
		go func() {
			defer wg.Done()
			p.GetCollab(ctx, core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: "doc-1"})
		}()
	}
	wg.Wait()
	runtime.KeepAlive(live)
}
