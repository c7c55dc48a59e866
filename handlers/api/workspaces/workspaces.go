package workspaces

import (
	"encoding/json"
	"errors"
	"net/http"

	"collab-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type (
	UpdateSettingsRequest struct {
		DisableIndexing bool `json:"disable_indexing"`
		MaxSnapshots    int  `json:"max_snapshots" validate:"gte=0,lte=1000"`
	}

	SearchResponse struct {
		ObjectIDs []string `json:"object_ids"`
	}
)

var validate = validator.New()

func HandleGetSettings(store core.WorkspaceSettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")

		settings, err := store.GetWorkspaceSettings(r.Context(), workspaceID)
		if errors.Is(err, core.ErrRecordNotFound) {
			settings = &core.WorkspaceSettings{WorkspaceID: workspaceID, MaxSnapshots: core.DefaultMaxSnapshots}
		} else if err != nil {
			logrus.WithField("workspace_id", workspaceID).WithError(err).Error("Failed to get workspace settings")
			http.Error(w, "Failed to get settings", http.StatusInternalServerError)
			return
		}
		render.JSON(w, r, settings)
	}
}

// HandleUpdateSettings replaces the indexing and snapshot retention settings
// of a workspace. Open groups pick up the indexing switch when next created.
func HandleUpdateSettings(store core.WorkspaceSettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")

		var req UpdateSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithError(err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		settings := &core.WorkspaceSettings{
			WorkspaceID:     workspaceID,
			DisableIndexing: req.DisableIndexing,
			MaxSnapshots:    req.MaxSnapshots,
		}
		if err := store.UpdateWorkspaceSettings(r.Context(), settings); err != nil {
			logrus.WithField("workspace_id", workspaceID).WithError(err).Error("Failed to update workspace settings")
			http.Error(w, "Failed to update settings", http.StatusInternalServerError)
			return
		}
		render.JSON(w, r, settings)
	}
}

// HandleSearch finds the collabs of a workspace whose indexed text contains q.
func HandleSearch(index core.IndexStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")
		query := r.URL.Query().Get("q")
		if query == "" {
			http.Error(w, "q is required", http.StatusBadRequest)
			return
		}

		ids, err := index.SearchCollabIndex(r.Context(), workspaceID, query)
		if err != nil {
			logrus.WithField("workspace_id", workspaceID).WithError(err).Error("Failed to search collabs")
			http.Error(w, "Failed to search", http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		render.JSON(w, r, SearchResponse{ObjectIDs: ids})
	}
}
