package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"collab-server/collab"
	"collab-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS af_collab (
		object_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		owner_uid INTEGER NOT NULL,
		collab_type INTEGER NOT NULL,
		blob BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS af_collab_snapshot (
		sid TEXT PRIMARY KEY,
		oid TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		blob BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_af_collab_snapshot_oid ON af_collab_snapshot (oid, created_at);`,
	`CREATE TABLE IF NOT EXISTS workspace_settings (
		workspace_id TEXT PRIMARY KEY,
		disable_indexing INTEGER NOT NULL DEFAULT 0,
		max_snapshots INTEGER NOT NULL DEFAULT 10
	);`,
	`CREATE TABLE IF NOT EXISTS collab_index (
		workspace_id TEXT NOT NULL,
		object_id TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (workspace_id, object_id)
	);`,
}

// NewStore opens the database and creates the tables it needs.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY under concurrent flushes
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &sqliteStore{db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) IsExist(ctx context.Context, objectID string) bool {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM af_collab WHERE object_id = ?", objectID).Scan(&n)
	if err != nil {
		logrus.WithField("object_id", objectID).WithError(err).Error("Failed to check collab existence")
		return false
	}
	return n > 0
}

func (s *sqliteStore) QueryCollabMeta(ctx context.Context, objectID string, collabType collab.CollabType) (*core.CollabMetadata, error) {
	meta := core.CollabMetadata{ObjectID: objectID}
	err := s.db.QueryRowContext(ctx, "SELECT workspace_id FROM af_collab WHERE object_id = ?", objectID).Scan(&meta.WorkspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to query collab meta %s: %w", objectID, err)
	}
	return &meta, nil
}

func (s *sqliteStore) InsertCollab(ctx context.Context, ownerUID int64, params *core.InsertCollabParams) error {
	log := logrus.WithFields(logrus.Fields{
		"object_id":   params.ObjectID,
		"data_length": len(params.EncodedCollab),
	})
	if params.ObjectID == "" || params.WorkspaceID == "" {
		return fmt.Errorf("object id and workspace id are required")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO af_collab (object_id, workspace_id, owner_uid, collab_type, blob, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
		WHERE af_collab.workspace_id = excluded.workspace_id`,
		params.ObjectID, params.WorkspaceID, ownerUID, int(params.CollabType), params.EncodedCollab, time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to save collab")
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("collab %s belongs to another workspace", params.ObjectID)
	}
	log.Debug("Collab saved")
	return nil
}

func (s *sqliteStore) GetCollab(ctx context.Context, params core.QueryCollabParams) ([]byte, error) {
	log := logrus.WithField("object_id", params.ObjectID)
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT blob FROM af_collab WHERE object_id = ?", params.ObjectID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Collab not found")
			return nil, fmt.Errorf("collab %s: %w", params.ObjectID, core.ErrRecordNotFound)
		}
		log.WithError(err).Error("Failed to retrieve collab")
		return nil, err
	}
	return blob, nil
}

func (s *sqliteStore) BatchGetCollab(ctx context.Context, queries []core.QueryCollabParams) map[string]core.QueryCollabResult {
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

func (s *sqliteStore) DeleteCollab(ctx context.Context, objectID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM af_collab WHERE object_id = ?", objectID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM af_collab_snapshot WHERE oid = ?", objectID); err != nil {
		logrus.WithField("object_id", objectID).WithError(err).Warn("Failed to delete snapshots of deleted collab")
	}
	return nil
}

// CreateSnapshot stores a snapshot, evicting the oldest one when the workspace limit is reached.
func (s *sqliteStore) CreateSnapshot(ctx context.Context, params *core.InsertSnapshotParams) error {
	if params.SnapshotID == "" {
		params.SnapshotID = ulid.Make().String()
	}
	log := logrus.WithFields(logrus.Fields{
		"snapshot_id": params.SnapshotID,
		"object_id":   params.ObjectID,
		"data_length": len(params.EncodedCollab),
	})

	settings, err := s.GetWorkspaceSettings(ctx, params.WorkspaceID)
	if err != nil {
		return err
	}

	var count int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM af_collab_snapshot WHERE oid = ?", params.ObjectID).Scan(&count)
	if err != nil {
		log.WithError(err).Error("Failed to count snapshots")
		return err
	}

	if count >= settings.MaxSnapshots {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM af_collab_snapshot WHERE sid IN (
				SELECT sid FROM af_collab_snapshot WHERE oid = ? ORDER BY created_at ASC, sid ASC LIMIT ?)`,
			params.ObjectID, count-settings.MaxSnapshots+1)
		if err != nil {
			log.WithError(err).Error("Failed to delete oldest snapshot")
		}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO af_collab_snapshot (sid, oid, workspace_id, blob, created_at) VALUES (?, ?, ?, ?, ?)",
		params.SnapshotID, params.ObjectID, params.WorkspaceID, params.EncodedCollab, time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create snapshot")
		return err
	}

	log.Info("Snapshot created successfully")
	return nil
}

func (s *sqliteStore) GetSnapshotData(ctx context.Context, params core.QuerySnapshotParams) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT blob FROM af_collab_snapshot WHERE sid = ? AND oid = ?",
		params.SnapshotID, params.ObjectID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", params.SnapshotID, core.ErrRecordNotFound)
		}
		return nil, err
	}
	return blob, nil
}

func (s *sqliteStore) GetAllSnapshots(ctx context.Context, objectID string) ([]core.SnapshotMeta, error) {
	log := logrus.WithField("object_id", objectID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT sid, created_at FROM af_collab_snapshot WHERE oid = ? ORDER BY created_at DESC, sid DESC",
		objectID)
	if err != nil {
		log.WithError(err).Error("Failed to list snapshots")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close snapshot rows")
		}
	}()

	var metas []core.SnapshotMeta
	for rows.Next() {
		var (
			meta      = core.SnapshotMeta{ObjectID: objectID}
			createdAt int64
		)
		if err := rows.Scan(&meta.SnapshotID, &createdAt); err != nil {
			return nil, err
		}
		meta.CreatedAt = time.UnixMilli(createdAt)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *sqliteStore) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*core.WorkspaceSettings, error) {
	settings := core.WorkspaceSettings{WorkspaceID: workspaceID}
	err := s.db.QueryRowContext(ctx,
		"SELECT disable_indexing, max_snapshots FROM workspace_settings WHERE workspace_id = ?",
		workspaceID).Scan(&settings.DisableIndexing, &settings.MaxSnapshots)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			settings.MaxSnapshots = core.DefaultMaxSnapshots
			return &settings, nil
		}
		return nil, fmt.Errorf("failed to read workspace settings: %w", err)
	}
	return &settings, nil
}

func (s *sqliteStore) UpdateWorkspaceSettings(ctx context.Context, settings *core.WorkspaceSettings) error {
	if settings.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	if settings.MaxSnapshots < 1 {
		settings.MaxSnapshots = core.DefaultMaxSnapshots
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_settings (workspace_id, disable_indexing, max_snapshots) VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET disable_indexing = excluded.disable_indexing, max_snapshots = excluded.max_snapshots`,
		settings.WorkspaceID, settings.DisableIndexing, settings.MaxSnapshots)
	if err != nil {
		logrus.WithField("workspace_id", settings.WorkspaceID).WithError(err).Error("Failed to update workspace settings")
	}
	return err
}

func (s *sqliteStore) UpsertCollabIndex(ctx context.Context, workspaceID, objectID string, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_index (workspace_id, object_id, content) VALUES (?, ?, ?)
		ON CONFLICT(workspace_id, object_id) DO UPDATE SET content = excluded.content`,
		workspaceID, objectID, content)
	return err
}

func (s *sqliteStore) SearchCollabIndex(ctx context.Context, workspaceID, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT object_id FROM collab_index WHERE workspace_id = ? AND content LIKE ? ORDER BY object_id",
		workspaceID, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
