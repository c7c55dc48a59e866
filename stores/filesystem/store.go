package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
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
	collabMeta struct {
		ObjectID    string            `json:"object_id"`
		WorkspaceID string            `json:"workspace_id"`
		OwnerUID    int64             `json:"owner_uid"`
		CollabType  collab.CollabType `json:"collab_type"`
		UpdatedAt   time.Time         `json:"updated_at"`
	}

	snapshotFile struct {
		SnapshotID  string    `json:"snapshot_id"`
		WorkspaceID string    `json:"workspace_id"`
		CreatedAt   time.Time `json:"created_at"`
		Data        []byte    `json:"data"`
	}

	fsStore struct {
		basePath string
		// guards read-modify-write sequences such as snapshot eviction
		mu sync.Mutex
	}
)

// NewStore creates a new filesystem-based store rooted at basePath.
func NewStore(basePath string) (*fsStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &fsStore{basePath: basePath}, nil
}

// collabDir resolves the directory of one collab, refusing ids that escape the base path.
func (s *fsStore) collabDir(objectID string) (string, error) {
	if objectID == "" || objectID == "." || objectID == ".." || filepath.Base(objectID) != objectID {
		return "", fmt.Errorf("invalid object id %q", objectID)
	}
	root, err := filepath.Abs(filepath.Join(s.basePath, "collabs"))
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, objectID)
	if !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: access denied")
	}
	return dir, nil
}

func (s *fsStore) readMeta(objectID string) (*collabMeta, error) {
	dir, err := s.collabDir(objectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
		}
		return nil, err
	}
	var meta collabMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collab meta %s: %w", objectID, err)
	}
	return &meta, nil
}

func (s *fsStore) IsExist(ctx context.Context, objectID string) bool {
	_, err := s.readMeta(objectID)
	return err == nil
}

func (s *fsStore) QueryCollabMeta(ctx context.Context, objectID string, collabType collab.CollabType) (*core.CollabMetadata, error) {
	meta, err := s.readMeta(objectID)
	if err != nil {
		return nil, err
	}
	return &core.CollabMetadata{ObjectID: objectID, WorkspaceID: meta.WorkspaceID}, nil
}

func (s *fsStore) InsertCollab(ctx context.Context, ownerUID int64, params *core.InsertCollabParams) error {
	dir, err := s.collabDir(params.ObjectID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"object_id": params.ObjectID, "path": dir})

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.readMeta(params.ObjectID); err == nil && existing.WorkspaceID != params.WorkspaceID {
		return fmt.Errorf("collab %s belongs to workspace %s", params.ObjectID, existing.WorkspaceID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0755); err != nil {
		log.WithError(err).Error("Failed to create collab directory")
		return err
	}

	// blob first, then meta: a collab is visible only once its meta exists
	if err := writeFileAtomic(filepath.Join(dir, "collab.bin"), params.EncodedCollab); err != nil {
		log.WithError(err).Error("Failed to write collab file")
		return err
	}
	meta, err := json.Marshal(collabMeta{
		ObjectID:    params.ObjectID,
		WorkspaceID: params.WorkspaceID,
		OwnerUID:    ownerUID,
		CollabType:  params.CollabType,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		log.WithError(err).Error("Failed to write collab meta")
		return err
	}
	log.Debug("Collab saved")
	return nil
}

func (s *fsStore) GetCollab(ctx context.Context, params core.QueryCollabParams) ([]byte, error) {
	dir, err := s.collabDir(params.ObjectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "collab.bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("collab %s: %w", params.ObjectID, core.ErrRecordNotFound)
		}
		logrus.WithField("object_id", params.ObjectID).WithError(err).Error("Failed to read collab file")
		return nil, err
	}
	return data, nil
}

func (s *fsStore) BatchGetCollab(ctx context.Context, queries []core.QueryCollabParams) map[string]core.QueryCollabResult {
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

func (s *fsStore) DeleteCollab(ctx context.Context, objectID string) error {
	dir, err := s.collabDir(objectID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
	}
	return os.RemoveAll(dir)
}

func (s *fsStore) CreateSnapshot(ctx context.Context, params *core.InsertSnapshotParams) error {
	if params.SnapshotID == "" {
		params.SnapshotID = ulid.Make().String()
	}
	if filepath.Base(params.SnapshotID) != params.SnapshotID {
		return fmt.Errorf("invalid snapshot id %q", params.SnapshotID)
	}
	dir, err := s.collabDir(params.ObjectID)
	if err != nil {
		return err
	}
	snapDir := filepath.Join(dir, "snapshots")

	settings, err := s.GetWorkspaceSettings(ctx, params.WorkspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(snapDir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(snapshotFile{
		SnapshotID:  params.SnapshotID,
		WorkspaceID: params.WorkspaceID,
		CreatedAt:   time.Now(),
		Data:        params.EncodedCollab,
	})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(snapDir, params.SnapshotID+".json"), data); err != nil {
		return err
	}

	snaps, err := s.readSnapshots(params.ObjectID)
	if err != nil {
		return err
	}
	for _, old := range snaps[min(len(snaps), settings.MaxSnapshots):] {
		if err := os.Remove(filepath.Join(snapDir, old.SnapshotID+".json")); err != nil {
			logrus.WithField("snapshot_id", old.SnapshotID).WithError(err).Warn("Failed to delete oldest snapshot")
		}
	}

	logrus.WithFields(logrus.Fields{
		"snapshot_id": params.SnapshotID,
		"object_id":   params.ObjectID,
	}).Info("Snapshot created successfully")
	return nil
}

// readSnapshots returns every snapshot of objectID, newest first.
func (s *fsStore) readSnapshots(objectID string) ([]snapshotFile, error) {
	dir, err := s.collabDir(objectID)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	snaps := make([]snapshotFile, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "snapshots", f.Name()))
		if err != nil {
			logrus.WithError(err).Warnf("Failed to read snapshot file %s, skipping", f.Name())
			continue
		}
		var snap snapshotFile
		if err := json.Unmarshal(data, &snap); err != nil {
			logrus.WithError(err).Warnf("Failed to unmarshal snapshot file %s, skipping", f.Name())
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].SnapshotID > snaps[j].SnapshotID
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

func (s *fsStore) GetSnapshotData(ctx context.Context, params core.QuerySnapshotParams) ([]byte, error) {
	dir, err := s.collabDir(params.ObjectID)
	if err != nil {
		return nil, err
	}
	if filepath.Base(params.SnapshotID) != params.SnapshotID {
		return nil, fmt.Errorf("invalid snapshot id %q", params.SnapshotID)
	}
	data, err := os.ReadFile(filepath.Join(dir, "snapshots", params.SnapshotID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %s: %w", params.SnapshotID, core.ErrRecordNotFound)
		}
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", params.SnapshotID, err)
	}
	return snap.Data, nil
}

func (s *fsStore) GetAllSnapshots(ctx context.Context, objectID string) ([]core.SnapshotMeta, error) {
	snaps, err := s.readSnapshots(objectID)
	if err != nil {
		return nil, err
	}
	metas := make([]core.SnapshotMeta, 0, len(snaps))
	for _, snap := range snaps {
		metas = append(metas, core.SnapshotMeta{ObjectID: objectID, SnapshotID: snap.SnapshotID, CreatedAt: snap.CreatedAt})
	}
	return metas, nil
}

func (s *fsStore) settingsPath(workspaceID string) (string, error) {
	if workspaceID == "" || filepath.Base(workspaceID) != workspaceID {
		return "", fmt.Errorf("invalid workspace id %q", workspaceID)
	}
	return filepath.Join(s.basePath, "workspaces", workspaceID+".json"), nil
}

func (s *fsStore) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*core.WorkspaceSettings, error) {
	path, err := s.settingsPath(workspaceID)
	if err != nil {
		return nil, err
	}
	settings := core.WorkspaceSettings{WorkspaceID: workspaceID, MaxSnapshots: core.DefaultMaxSnapshots}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *fsStore) UpdateWorkspaceSettings(ctx context.Context, settings *core.WorkspaceSettings) error {
	path, err := s.settingsPath(settings.WorkspaceID)
	if err != nil {
		return err
	}
	if settings.MaxSnapshots < 1 {
		settings.MaxSnapshots = core.DefaultMaxSnapshots
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func (s *fsStore) indexDir(workspaceID string) (string, error) {
	if workspaceID == "" || filepath.Base(workspaceID) != workspaceID {
		return "", fmt.Errorf("invalid workspace id %q", workspaceID)
	}
	return filepath.Join(s.basePath, "index", workspaceID), nil
}

func (s *fsStore) UpsertCollabIndex(ctx context.Context, workspaceID, objectID string, content string) error {
	dir, err := s.indexDir(workspaceID)
	if err != nil {
		return err
	}
	if filepath.Base(objectID) != objectID {
		return fmt.Errorf("invalid object id %q", objectID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, objectID+".txt"), []byte(content))
}

func (s *fsStore) SearchCollabIndex(ctx context.Context, workspaceID, query string) ([]string, error) {
	dir, err := s.indexDir(workspaceID)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	query = strings.ToLower(query)
	var ids []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".txt") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(content)), query) {
			ids = append(ids, strings.TrimSuffix(f.Name(), ".txt"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
