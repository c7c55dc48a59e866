package groups

import (
	"net/http"

	"collab-server/group"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// GroupRegistry is the view of the group manager the admin API needs.
	GroupRegistry interface {
		GroupStats() []group.GroupStat
		GetInactiveGroups() []string
		RemoveGroup(objectID string) bool
	}

	InactiveGroupsResponse struct {
		ObjectIDs []string `json:"object_ids"`
	}
)

// HandleListGroups lists every open group with its subscriber count.
func HandleListGroups(groups GroupRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, groups.GroupStats())
	}
}

func HandleListInactiveGroups(groups GroupRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := groups.GetInactiveGroups()
		if ids == nil {
			ids = []string{}
		}
		render.JSON(w, r, InactiveGroupsResponse{ObjectIDs: ids})
	}
}

// HandleRemoveGroup closes a group, flushing its pending changes.
func HandleRemoveGroup(groups GroupRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectID := chi.URLParam(r, "objectId")
		if !groups.RemoveGroup(objectID) {
			http.Error(w, "Group not found", http.StatusNotFound)
			return
		}
		logrus.WithField("object_id", objectID).Info("Group removed through the API")
		w.WriteHeader(http.StatusNoContent)
	}
}
