package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"collab-server/collab"
	"collab-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	metaWorkspaceID = "workspace-id"
	metaOwnerUID    = "owner-uid"
	metaCollabType  = "collab-type"
)

type s3Store struct {
	s3Client *s3.Client
	bucket   string
}

// NewStore creates a new S3-based store.
func NewStore(ctx context.Context, bucketName string) (*s3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &s3Store{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
	}, nil
}

func validName(kind, id string) error {
	// It should be a simple name, not a path.
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return fmt.Errorf("invalid %s id %q", kind, id)
	}
	return nil
}

func collabKey(objectID string) (string, error) {
	if err := validName("object", objectID); err != nil {
		return "", err
	}
	return path.Join("collabs", objectID, "collab.bin"), nil
}

func snapshotPrefix(objectID string) (string, error) {
	if err := validName("object", objectID); err != nil {
		return "", err
	}
	return path.Join("collabs", objectID, "snapshots") + "/", nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *s3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, core.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *s3Store) IsExist(ctx context.Context, objectID string) bool {
	_, err := s.QueryCollabMeta(ctx, objectID, collab.TypeUnknown)
	return err == nil
}

func (s *s3Store) QueryCollabMeta(ctx context.Context, objectID string, collabType collab.CollabType) (*core.CollabMetadata, error) {
	key, err := collabKey(objectID)
	if err != nil {
		return nil, err
	}
	head, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to head collab %s: %w", objectID, err)
	}
	return &core.CollabMetadata{ObjectID: objectID, WorkspaceID: head.Metadata[metaWorkspaceID]}, nil
}

func (s *s3Store) InsertCollab(ctx context.Context, ownerUID int64, params *core.InsertCollabParams) error {
	key, err := collabKey(params.ObjectID)
	if err != nil {
		return err
	}

	meta, err := s.QueryCollabMeta(ctx, params.ObjectID, params.CollabType)
	if err == nil && meta.WorkspaceID != params.WorkspaceID {
		return fmt.Errorf("collab %s belongs to workspace %s", params.ObjectID, meta.WorkspaceID)
	}
	if err != nil && !errors.Is(err, core.ErrRecordNotFound) {
		return err
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(params.EncodedCollab),
		Metadata: map[string]string{
			metaWorkspaceID: params.WorkspaceID,
			metaOwnerUID:    strconv.FormatInt(ownerUID, 10),
			metaCollabType:  strconv.Itoa(int(params.CollabType)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload collab %s: %w", params.ObjectID, err)
	}
	return nil
}

func (s *s3Store) GetCollab(ctx context.Context, params core.QueryCollabParams) ([]byte, error) {
	key, err := collabKey(params.ObjectID)
	if err != nil {
		return nil, err
	}
	return s.getObject(ctx, key)
}

func (s *s3Store) BatchGetCollab(ctx context.Context, queries []core.QueryCollabParams) map[string]core.QueryCollabResult {
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

func (s *s3Store) DeleteCollab(ctx context.Context, objectID string) error {
	key, err := collabKey(objectID)
	if err != nil {
		return err
	}
	if !s.IsExist(ctx, objectID) {
		return fmt.Errorf("collab %s: %w", objectID, core.ErrRecordNotFound)
	}
	_, err = s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete collab %s: %w", objectID, err)
	}
	return nil
}

func (s *s3Store) CreateSnapshot(ctx context.Context, params *core.InsertSnapshotParams) error {
	if params.SnapshotID == "" {
		params.SnapshotID = ulid.Make().String()
	}
	if err := validName("snapshot", params.SnapshotID); err != nil {
		return err
	}
	prefix, err := snapshotPrefix(params.ObjectID)
	if err != nil {
		return err
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(prefix + params.SnapshotID),
		Body:     bytes.NewReader(params.EncodedCollab),
		Metadata: map[string]string{metaWorkspaceID: params.WorkspaceID},
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", params.SnapshotID, err)
	}

	settings, err := s.GetWorkspaceSettings(ctx, params.WorkspaceID)
	if err != nil {
		return err
	}
	snaps, err := s.GetAllSnapshots(ctx, params.ObjectID)
	if err != nil {
		return err
	}
	for _, old := range snaps[min(len(snaps), settings.MaxSnapshots):] {
		_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(prefix + old.SnapshotID),
		})
		if err != nil {
			logrus.WithField("snapshot_id", old.SnapshotID).WithError(err).Warn("Failed to delete oldest snapshot")
		}
	}

	logrus.WithFields(logrus.Fields{
		"snapshot_id": params.SnapshotID,
		"object_id":   params.ObjectID,
	}).Info("Snapshot created successfully")
	return nil
}

func (s *s3Store) GetSnapshotData(ctx context.Context, params core.QuerySnapshotParams) ([]byte, error) {
	if err := validName("snapshot", params.SnapshotID); err != nil {
		return nil, err
	}
	prefix, err := snapshotPrefix(params.ObjectID)
	if err != nil {
		return nil, err
	}
	return s.getObject(ctx, prefix+params.SnapshotID)
}

func (s *s3Store) GetAllSnapshots(ctx context.Context, objectID string) ([]core.SnapshotMeta, error) {
	prefix, err := snapshotPrefix(objectID)
	if err != nil {
		return nil, err
	}

	var metas []core.SnapshotMeta
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots for %s: %w", objectID, err)
		}
		for _, object := range page.Contents {
			var createdAt time.Time
			if object.LastModified != nil {
				createdAt = *object.LastModified
			}
			metas = append(metas, core.SnapshotMeta{
				ObjectID:   objectID,
				SnapshotID: path.Base(aws.ToString(object.Key)),
				CreatedAt:  createdAt,
			})
		}
	}

	// LastModified has second precision; ulid ids break the tie
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].SnapshotID > metas[j].SnapshotID
		}
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *s3Store) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*core.WorkspaceSettings, error) {
	if err := validName("workspace", workspaceID); err != nil {
		return nil, err
	}
	settings := core.WorkspaceSettings{WorkspaceID: workspaceID, MaxSnapshots: core.DefaultMaxSnapshots}
	data, err := s.getObject(ctx, path.Join("workspaces", workspaceID+".json"))
	if err != nil {
		if errors.Is(err, core.ErrRecordNotFound) {
			return &settings, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workspace settings: %w", err)
	}
	return &settings, nil
}

func (s *s3Store) UpdateWorkspaceSettings(ctx context.Context, settings *core.WorkspaceSettings) error {
	if err := validName("workspace", settings.WorkspaceID); err != nil {
		return err
	}
	if settings.MaxSnapshots < 1 {
		settings.MaxSnapshots = core.DefaultMaxSnapshots
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace settings: %w", err)
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path.Join("workspaces", settings.WorkspaceID+".json")),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save workspace settings: %w", err)
	}
	return nil
}
