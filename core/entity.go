package core

import (
	"context"
	"errors"
	"fmt"
	"time"
	"weak"

	"collab-server/collab"
)

var ErrRecordNotFound = errors.New("record not found")

type (
	// RealtimeUser is one connected device of one user. It is comparable and used as a map key.
	RealtimeUser struct {
		UID         int64
		DeviceID    string
		ConnectedAt int64
		SessionID   string
		AppVersion  string
	}

	CollabMetadata struct {
		ObjectID    string
		WorkspaceID string
	}

	CollabParams struct {
		ObjectID      string
		EncodedCollab []byte
		CollabType    collab.CollabType
	}

	InsertCollabParams struct {
		WorkspaceID string
		CollabParams
	}

	QueryCollabParams struct {
		WorkspaceID string            `validate:"required,max=64"`
		ObjectID    string            `validate:"required,max=128"`
		CollabType  collab.CollabType `validate:"gte=0,lte=6"`
	}

	// QueryCollabResult is one entry of a batch read. Exactly one of Blob or Error is set.
	QueryCollabResult struct {
		Blob  []byte `json:"blob,omitempty"`
		Error string `json:"error,omitempty"`
	}

	InsertSnapshotParams struct {
		SnapshotID    string
		ObjectID      string
		WorkspaceID   string
		EncodedCollab []byte
	}

	QuerySnapshotParams struct {
		WorkspaceID string
		ObjectID    string
		SnapshotID  string
	}

	SnapshotMeta struct {
		ObjectID   string    `json:"object_id"`
		SnapshotID string    `json:"snapshot_id"`
		CreatedAt  time.Time `json:"created_at"`
	}

	// CollabStorage is the durable storage gateway.
	CollabStorage interface {
		IsExist(ctx context.Context, objectID string) bool
		QueryCollabMeta(ctx context.Context, objectID string, collabType collab.CollabType) (*CollabMetadata, error)
		InsertCollab(ctx context.Context, ownerUID int64, params *InsertCollabParams) error
		// GetCollab returns the bytes of an encoded collab.
		GetCollab(ctx context.Context, params QueryCollabParams) ([]byte, error)
		BatchGetCollab(ctx context.Context, queries []QueryCollabParams) map[string]QueryCollabResult
		DeleteCollab(ctx context.Context, objectID string) error
		CreateSnapshot(ctx context.Context, params *InsertSnapshotParams) error
		GetSnapshotData(ctx context.Context, params QuerySnapshotParams) ([]byte, error)
		// GetAllSnapshots lists snapshot metadata, newest first.
		GetAllSnapshots(ctx context.Context, objectID string) ([]SnapshotMeta, error)
	}

	// CollabCache is implemented by storages that can serve reads from live replicas.
	CollabCache interface {
		CacheCollab(objectID string, c weak.Pointer[collab.Collab])
		// EvictCollab drops the entry of objectID only if it still refers to c.
		EvictCollab(objectID string, c weak.Pointer[collab.Collab])
	}

	WorkspaceSettings struct {
		WorkspaceID     string `json:"workspace_id"`
		DisableIndexing bool   `json:"disable_indexing"`
		MaxSnapshots    int    `json:"max_snapshots"`
	}

	WorkspaceSettingsStore interface {
		GetWorkspaceSettings(ctx context.Context, workspaceID string) (*WorkspaceSettings, error)
		UpdateWorkspaceSettings(ctx context.Context, settings *WorkspaceSettings) error
	}

	// IndexStore keeps the searchable text extracted from collabs.
	IndexStore interface {
		UpsertCollabIndex(ctx context.Context, workspaceID, objectID string, content string) error
		SearchCollabIndex(ctx context.Context, workspaceID, query string) ([]string, error)
	}

	// Indexer turns a collab's state into something searchable.
	Indexer interface {
		IndexCollab(ctx context.Context, workspaceID, objectID string, encoded *collab.EncodedCollab) error
	}
)

const DefaultMaxSnapshots = 10

func (u RealtimeUser) String() string {
	return fmt.Sprintf("uid:%d|device_id:%s|connected_at:%d", u.UID, u.DeviceID, u.ConnectedAt)
}
