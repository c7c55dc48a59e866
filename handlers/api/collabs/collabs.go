package collabs

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"collab-server/collab"
	"collab-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	CollabResponse struct {
		ObjectID      string `json:"object_id"`
		CollabType    string `json:"collab_type"`
		EncodedCollab []byte `json:"encoded_collab"`
	}

	BatchQuery struct {
		ObjectID   string `json:"object_id"`
		CollabType string `json:"collab_type"`
	}

	BatchRequest struct {
		Queries []BatchQuery `json:"queries"`
	}

	CreateSnapshotResponse struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
	}
)

func collabTypeParam(r *http.Request) (collab.CollabType, error) {
	name := r.URL.Query().Get("type")
	if name == "" {
		return collab.TypeDocument, nil
	}
	return collab.ParseCollabType(name)
}

// HandleGetCollab returns the encoded state of one collab. Open collabs are
// served from memory by the storage proxy.
func HandleGetCollab(storage core.CollabStorage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")
		objectID := chi.URLParam(r, "objectId")
		collabType, err := collabTypeParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		blob, err := storage.GetCollab(r.Context(), core.QueryCollabParams{
			WorkspaceID: workspaceID,
			ObjectID:    objectID,
			CollabType:  collabType,
		})
		if errors.Is(err, core.ErrRecordNotFound) {
			http.Error(w, "Collab not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("object_id", objectID).WithError(err).Error("Failed to get collab")
			http.Error(w, "Failed to get collab", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, CollabResponse{ObjectID: objectID, CollabType: collabType.String(), EncodedCollab: blob})
	}
}

// HandleBatchGetCollab reads several collabs of one workspace. Every
// requested object gets either a blob or an error.
func HandleBatchGetCollab(storage core.CollabStorage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")

		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithError(err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		results := make(map[string]core.QueryCollabResult, len(req.Queries))
		queries := make([]core.QueryCollabParams, 0, len(req.Queries))
		for _, q := range req.Queries {
			collabType := collab.TypeDocument
			if q.CollabType != "" {
				t, err := collab.ParseCollabType(q.CollabType)
				if err != nil {
					results[q.ObjectID] = core.QueryCollabResult{Error: err.Error()}
					continue
				}
				collabType = t
			}
			queries = append(queries, core.QueryCollabParams{WorkspaceID: workspaceID, ObjectID: q.ObjectID, CollabType: collabType})
		}

		for objectID, res := range storage.BatchGetCollab(r.Context(), queries) {
			results[objectID] = res
		}
		render.JSON(w, r, results)
	}
}

func HandleListSnapshots(storage core.CollabStorage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectID := chi.URLParam(r, "objectId")

		snapshots, err := storage.GetAllSnapshots(r.Context(), objectID)
		if err != nil {
			logrus.WithField("object_id", objectID).WithError(err).Error("Failed to list snapshots")
			http.Error(w, "Failed to list snapshots", http.StatusInternalServerError)
			return
		}
		if snapshots == nil {
			snapshots = []core.SnapshotMeta{}
		}
		render.JSON(w, r, snapshots)
	}
}

// HandleCreateSnapshot stores the current state of a collab as a new snapshot.
func HandleCreateSnapshot(storage core.CollabStorage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")
		objectID := chi.URLParam(r, "objectId")
		collabType, err := collabTypeParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		blob, err := storage.GetCollab(r.Context(), core.QueryCollabParams{WorkspaceID: workspaceID, ObjectID: objectID, CollabType: collabType})
		if errors.Is(err, core.ErrRecordNotFound) {
			http.Error(w, "Collab not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("object_id", objectID).WithError(err).Error("Failed to read collab for snapshot")
			http.Error(w, "Failed to create snapshot", http.StatusInternalServerError)
			return
		}

		id := ulid.Make().String()
		err = storage.CreateSnapshot(r.Context(), &core.InsertSnapshotParams{
			SnapshotID:    id,
			ObjectID:      objectID,
			WorkspaceID:   workspaceID,
			EncodedCollab: blob,
		})
		if err != nil {
			logrus.WithField("object_id", objectID).WithError(err).Error("Failed to create snapshot")
			http.Error(w, "Failed to create snapshot", http.StatusInternalServerError)
			return
		}

		logrus.WithFields(logrus.Fields{"object_id": objectID, "snapshot_id": id}).Info("Snapshot created")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateSnapshotResponse{ID: id, CreatedAt: time.Now().UTC()})
	}
}

func HandleGetSnapshot(storage core.CollabStorage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := storage.GetSnapshotData(r.Context(), core.QuerySnapshotParams{
			WorkspaceID: chi.URLParam(r, "workspaceId"),
			ObjectID:    chi.URLParam(r, "objectId"),
			SnapshotID:  chi.URLParam(r, "snapshotId"),
		})
		if errors.Is(err, core.ErrRecordNotFound) {
			http.Error(w, "Snapshot not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithError(err).Error("Failed to get snapshot")
			http.Error(w, "Failed to get snapshot", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
