package proxy

import (
	"context"
	"sync"
	"weak"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// CollabStorageProxy serves reads from live in-memory collabs when it can and
// delegates everything else to the wrapped storage. It holds collabs weakly
// and never keeps one alive.
type CollabStorageProxy struct {
	inner    core.CollabStorage
	validate *validator.Validate
	metrics  *metrics.CollabRealtimeMetrics

	mu               sync.RWMutex
	collabByObjectID map[string]weak.Pointer[collab.Collab]
}

var (
	_ core.CollabStorage = (*CollabStorageProxy)(nil)
	_ core.CollabCache   = (*CollabStorageProxy)(nil)
)

// New wraps inner. m may be nil.
func New(inner core.CollabStorage, m *metrics.CollabRealtimeMetrics) *CollabStorageProxy {
	return &CollabStorageProxy{
		inner:            inner,
		validate:         validator.New(),
		metrics:          m,
		collabByObjectID: make(map[string]weak.Pointer[collab.Collab]),
	}
}

// Inner returns the wrapped storage.
func (p *CollabStorageProxy) Inner() core.CollabStorage {
	return p.inner
}

// CacheCollab records a weak reference to a live collab.
func (p *CollabStorageProxy) CacheCollab(objectID string, c weak.Pointer[collab.Collab]) {
	p.mu.Lock()
	p.collabByObjectID[objectID] = c
	p.mu.Unlock()
	logrus.WithField("object_id", objectID).Debug("Cached live collab")
}

// EvictCollab forgets c once its group is gone. An entry cached since by a
// newer group is kept.
func (p *CollabStorageProxy) EvictCollab(objectID string, c weak.Pointer[collab.Collab]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.collabByObjectID[objectID]; ok && cur == c {
		delete(p.collabByObjectID, objectID)
		logrus.WithField("object_id", objectID).Debug("Evicted live collab")
	}
}

// liveCollab upgrades the weak reference for objectID. Expired entries are
// removed and reported as a miss.
func (p *CollabStorageProxy) liveCollab(objectID string) *collab.Collab {
	p.mu.RLock()
	ref, ok := p.collabByObjectID[objectID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	if c := ref.Value(); c != nil {
		return c
	}

	p.mu.Lock()
	// another CacheCollab may have replaced the entry meanwhile
	if cur, ok := p.collabByObjectID[objectID]; ok && cur == ref {
		delete(p.collabByObjectID, objectID)
	}
	p.mu.Unlock()
	return nil
}

func (p *CollabStorageProxy) countRead(source string) {
	if p.metrics != nil {
		p.metrics.ProxyReads.WithLabelValues(source).Inc()
	}
}

func (p *CollabStorageProxy) GetCollab(ctx context.Context, params core.QueryCollabParams) ([]byte, error) {
	if c := p.liveCollab(params.ObjectID); c != nil {
		p.countRead("memory")
		logrus.WithField("object_id", params.ObjectID).Debug("Read collab from memory")
		return c.EncodeCollab().Encode()
	}
	p.countRead("storage")
	return p.inner.GetCollab(ctx, params)
}

func (p *CollabStorageProxy) BatchGetCollab(ctx context.Context, queries []core.QueryCollabParams) map[string]core.QueryCollabResult {
	results := make(map[string]core.QueryCollabResult, len(queries))

	valid := make([]core.QueryCollabParams, 0, len(queries))
	for _, q := range queries {
		if err := p.validate.Struct(q); err != nil {
			results[q.ObjectID] = core.QueryCollabResult{Error: err.Error()}
			continue
		}
		valid = append(valid, q)
	}

	// resolve every reference before encoding so the read lock is never held across work
	live := make(map[string]*collab.Collab)
	remaining := make([]core.QueryCollabParams, 0, len(valid))
	p.mu.RLock()
	for _, q := range valid {
		if ref, ok := p.collabByObjectID[q.ObjectID]; ok {
			if c := ref.Value(); c != nil {
				live[q.ObjectID] = c
				continue
			}
		}
		remaining = append(remaining, q)
	}
	p.mu.RUnlock()

	for objectID, c := range live {
		blob, err := c.EncodeCollab().Encode()
		if err != nil {
			results[objectID] = core.QueryCollabResult{Error: err.Error()}
			continue
		}
		p.countRead("memory")
		results[objectID] = core.QueryCollabResult{Blob: blob}
	}

	if len(remaining) > 0 {
		for objectID, res := range p.inner.BatchGetCollab(ctx, remaining) {
			p.countRead("storage")
			results[objectID] = res
		}
	}

	logrus.WithFields(logrus.Fields{
		"requested": len(queries),
		"invalid":   len(queries) - len(valid),
		"memory":    len(live),
		"storage":   len(remaining),
	}).Debug("Batch read collabs")
	return results
}

func (p *CollabStorageProxy) IsExist(ctx context.Context, objectID string) bool {
	return p.inner.IsExist(ctx, objectID)
}

func (p *CollabStorageProxy) QueryCollabMeta(ctx context.Context, objectID string, collabType collab.CollabType) (*core.CollabMetadata, error) {
	return p.inner.QueryCollabMeta(ctx, objectID, collabType)
}

func (p *CollabStorageProxy) InsertCollab(ctx context.Context, ownerUID int64, params *core.InsertCollabParams) error {
	return p.inner.InsertCollab(ctx, ownerUID, params)
}

func (p *CollabStorageProxy) DeleteCollab(ctx context.Context, objectID string) error {
	return p.inner.DeleteCollab(ctx, objectID)
}

func (p *CollabStorageProxy) CreateSnapshot(ctx context.Context, params *core.InsertSnapshotParams) error {
	return p.inner.CreateSnapshot(ctx, params)
}

func (p *CollabStorageProxy) GetSnapshotData(ctx context.Context, params core.QuerySnapshotParams) ([]byte, error) {
	return p.inner.GetSnapshotData(ctx, params)
}

func (p *CollabStorageProxy) GetAllSnapshots(ctx context.Context, objectID string) ([]core.SnapshotMeta, error) {
	return p.inner.GetAllSnapshots(ctx, objectID)
}
