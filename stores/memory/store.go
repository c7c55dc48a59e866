package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"collab-server/collab"
	"collab-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	collabRecord struct {
		workspaceID string
		ownerUID    int64
		collabType  collab.CollabType
		blob        []byte
		updatedAt   time.Time
	}

	snapshotRecord struct {
		meta        core.SnapshotMeta
		workspaceID string
		blob        []byte
	}

	// memStore implements core.CollabStorage plus the settings and index capabilities in memory.
	memStore struct {
		mu        sync.RWMutex
		collabs   map[string]collabRecord
		snapshots map[string][]snapshotRecord
		settings  map[string]core.WorkspaceSettings
		index     map[string]map[string]string
	}
)

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{
		collabs:   make(map[string]collabRecord),
		snapshots: make(map[string][]snapshotRecord),
		settings:  make(map[string]core.WorkspaceSettings),
		index:     make(map[string]map[string]string),
	}
}

func (s *memStore) IsExist(ctx context.Context, objectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collabs[objectID]
	return ok
}

func (s *memStore) QueryCollabMeta(ctx context.Context, objectID string, collabType collab.CollabType) (*core.CollabMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collabs[objectID]
	if !ok {
		return nil, fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
	}
	return &core.CollabMetadata{ObjectID: objectID, WorkspaceID: rec.workspaceID}, nil
}

func (s *memStore) InsertCollab(ctx context.Context, ownerUID int64, params *core.InsertCollabParams) error {
	if params.ObjectID == "" || params.WorkspaceID == "" {
		return fmt.Errorf("object id and workspace id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.collabs[params.ObjectID]; ok && rec.workspaceID != params.WorkspaceID {
		return fmt.Errorf("collab %s belongs to workspace %s", params.ObjectID, rec.workspaceID)
	}
	s.collabs[params.ObjectID] = collabRecord{
		workspaceID: params.WorkspaceID,
		ownerUID:    ownerUID,
		collabType:  params.CollabType,
		blob:        append([]byte(nil), params.EncodedCollab...),
		updatedAt:   time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"object_id":   params.ObjectID,
		"data_length": len(params.EncodedCollab),
	}).Debug("Collab saved")
	return nil
}

func (s *memStore) GetCollab(ctx context.Context, params core.QueryCollabParams) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collabs[params.ObjectID]
	if !ok {
		logrus.WithField("object_id", params.ObjectID).Debug("Collab not found")
		return nil, fmt.Errorf("collab %s: %w", params.ObjectID, core.ErrRecordNotFound)
	}
	return append([]byte(nil), rec.blob...), nil
}

func (s *memStore) BatchGetCollab(ctx context.Context, queries []core.QueryCollabParams) map[string]core.QueryCollabResult {
	results := make(map[string]core.QueryCollabResult, len(queries))
	for _, q := range queries {
		blob, err := s.GetCollab(ctx, q)
		if err != nil {
			results[q.ObjectID] = core.QueryCollabResult{Error: err.Error()}
			continue
		}
		results[q.ObjectID] = core.QueryCollabResult{Blob: blob}
	}
	return results
}

func (s *memStore) DeleteCollab(ctx context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collabs[objectID]; !ok {
		return fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
	}
	delete(s.collabs, objectID)
	delete(s.snapshots, objectID)
	return nil
}

func (s *memStore) CreateSnapshot(ctx context.Context, params *core.InsertSnapshotParams) error {
	if params.SnapshotID == "" {
		params.SnapshotID = ulid.Make().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	max := s.maxSnapshotsLocked(params.WorkspaceID)
	list := s.snapshots[params.ObjectID]
	list = append(list, snapshotRecord{
		meta: core.SnapshotMeta{
			ObjectID:   params.ObjectID,
			SnapshotID: params.SnapshotID,
			CreatedAt:  time.Now(),
		},
		workspaceID: params.WorkspaceID,
		blob:        append([]byte(nil), params.EncodedCollab...),
	})
	// oldest first; drop from the front when over the limit
	if len(list) > max {
		list = list[len(list)-max:]
	}
	s.snapshots[params.ObjectID] = list

	logrus.WithFields(logrus.Fields{
		"snapshot_id": params.SnapshotID,
		"object_id":   params.ObjectID,
	}).Info("Snapshot created successfully")
	return nil
}

func (s *memStore) GetSnapshotData(ctx context.Context, params core.QuerySnapshotParams) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots[params.ObjectID] {
		if snap.meta.SnapshotID == params.SnapshotID {
			return append([]byte(nil), snap.blob...), nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", params.SnapshotID, core.ErrRecordNotFound)
}

func (s *memStore) GetAllSnapshots(ctx context.Context, objectID string) ([]core.SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[objectID]
	metas := make([]core.SnapshotMeta, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		metas = append(metas, list[i].meta)
	}
	return metas, nil
}

func (s *memStore) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*core.WorkspaceSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if settings, ok := s.settings[workspaceID]; ok {
		return &settings, nil
	}
	return &core.WorkspaceSettings{WorkspaceID: workspaceID, MaxSnapshots: core.DefaultMaxSnapshots}, nil
}

func (s *memStore) UpdateWorkspaceSettings(ctx context.Context, settings *core.WorkspaceSettings) error {
	if settings.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	if settings.MaxSnapshots < 1 {
		settings.MaxSnapshots = core.DefaultMaxSnapshots
	}

	s.mu.Lock()
	s.settings[settings.WorkspaceID] = *settings
	s.mu.Unlock()
	return nil
}

func (s *memStore) maxSnapshotsLocked(workspaceID string) int {
	if settings, ok := s.settings[workspaceID]; ok && settings.MaxSnapshots > 0 {
		return settings.MaxSnapshots
	}
	return core.DefaultMaxSnapshots
}

func (s *memStore) UpsertCollabIndex(ctx context.Context, workspaceID, objectID string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.index[workspaceID]
	if !ok {
		ws = make(map[string]string)
		s.index[workspaceID] = ws
	}
	ws[objectID] = content
	return nil
}

func (s *memStore) SearchCollabIndex(ctx context.Context, workspaceID, query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	var ids []string
	for objectID, content := range s.index[workspaceID] {
		if strings.Contains(strings.ToLower(content), query) {
			ids = append(ids, objectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
