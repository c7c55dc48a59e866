package access

import (
	"context"
	"sync"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	// RoleViewer may read but never write.
	RoleViewer Role = "viewer"
)

func (r Role) valid() bool {
	return r == RoleOwner || r == RoleMember || r == RoleViewer
}

// WorkspaceAccessControl grants collab access from per-user workspace roles.
type WorkspaceAccessControl struct {
	mu    sync.RWMutex
	roles map[int64]map[string]Role
}

var _ core.RealtimeAccessControl = (*WorkspaceAccessControl)(nil)

func NewWorkspaceAccessControl() *WorkspaceAccessControl {
	return &WorkspaceAccessControl{roles: make(map[int64]map[string]Role)}
}

// Grant replaces the roles of uid with roles. Unknown role names are ignored.
func (a *WorkspaceAccessControl) Grant(uid int64, roles map[string]string) {
	granted := make(map[string]Role, len(roles))
	for workspaceID, name := range roles {
		role := Role(name)
		if !role.valid() {
			logrus.WithFields(logrus.Fields{"uid": uid, "workspace_id": workspaceID, "role": name}).Warn("Ignoring unknown workspace role")
			continue
		}
		granted[workspaceID] = role
	}

	a.mu.Lock()
	a.roles[uid] = granted
	a.mu.Unlock()
}

func (a *WorkspaceAccessControl) Revoke(uid int64) {
	a.mu.Lock()
	delete(a.roles, uid)
	a.mu.Unlock()
}

func (a *WorkspaceAccessControl) role(workspaceID string, uid int64) (Role, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	role, ok := a.roles[uid][workspaceID]
	return role, ok
}

func (a *WorkspaceAccessControl) CanReadCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error) {
	_, ok := a.role(workspaceID, uid)
	return ok, nil
}

func (a *WorkspaceAccessControl) CanWriteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error) {
	role, ok := a.role(workspaceID, uid)
	return ok && role != RoleViewer, nil
}
