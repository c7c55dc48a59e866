package group

import (
	"context"
	"errors"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("collab-server.group")

// LoadCollab rebuilds the replica of params.ObjectID from storage. When the
// stored state cannot be decoded, the newest snapshot that both decodes and
// carries the data its type requires is used instead.
func LoadCollab(ctx context.Context, storage core.CollabStorage, params core.QueryCollabParams, m *metrics.CollabRealtimeMetrics) (*collab.Collab, *collab.EncodedCollab, error) {
	ctx, span := tracer.Start(ctx, "group.LoadCollab",
		trace.WithAttributes(
			attribute.String("collab.object_id", params.ObjectID),
			attribute.String("collab.type", params.CollabType.String()),
		),
	)
	defer span.End()

	blob, err := storage.GetCollab(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read collab")
		return nil, nil, core.NewInternal("read collab "+params.ObjectID, err)
	}

	c, encoded, decodeErr := reconstruct(params.ObjectID, blob)
	if decodeErr == nil {
		span.SetStatus(codes.Ok, "")
		return c, encoded, nil
	}

	log := logrus.WithFields(logrus.Fields{
		"object_id":    params.ObjectID,
		"workspace_id": params.WorkspaceID,
	})
	log.WithError(decodeErr).Warn("Stored collab is unreadable, trying snapshots")
	span.AddEvent("snapshot fallback")

	c, encoded, err = loadFromSnapshot(ctx, storage, params, log)
	if err != nil {
		err = core.NewNoRequiredCollabData(params.ObjectID, errors.Join(decodeErr, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no usable snapshot")
		return nil, nil, err
	}
	if m != nil {
		m.LoadedFromSnapshot.Inc()
	}
	span.SetStatus(codes.Ok, "")
	return c, encoded, nil
}

func reconstruct(objectID string, blob []byte) (*collab.Collab, *collab.EncodedCollab, error) {
	encoded, err := collab.DecodeEncodedCollab(blob)
	if err != nil {
		return nil, nil, err
	}
	c, err := collab.NewFromDocState(objectID, encoded.DocState)
	if err != nil {
		return nil, nil, err
	}
	return c, encoded, nil
}

// loadFromSnapshot walks the snapshots newest first. A snapshot that cannot be
// read, decoded or validated is skipped.
func loadFromSnapshot(ctx context.Context, storage core.CollabStorage, params core.QueryCollabParams, log *logrus.Entry) (*collab.Collab, *collab.EncodedCollab, error) {
	metas, err := storage.GetAllSnapshots(ctx, params.ObjectID)
	if err != nil {
		return nil, nil, err
	}

	for _, meta := range metas {
		snapLog := log.WithField("snapshot_id", meta.SnapshotID)
		data, err := storage.GetSnapshotData(ctx, core.QuerySnapshotParams{
			WorkspaceID: params.WorkspaceID,
			ObjectID:    meta.ObjectID,
			SnapshotID:  meta.SnapshotID,
		})
		if err != nil {
			snapLog.WithError(err).Warn("Failed to read snapshot")
			continue
		}
		c, encoded, err := reconstruct(params.ObjectID, data)
		if err != nil {
			snapLog.WithError(err).Warn("Snapshot is unreadable")
			continue
		}
		if err := params.CollabType.ValidateRequireData(c); err != nil {
			snapLog.WithError(err).Warn("Snapshot lacks required data")
			continue
		}
		snapLog.Info("Recovered collab from snapshot")
		return c, encoded, nil
	}
	return nil, nil, errors.New("no valid snapshot")
}
