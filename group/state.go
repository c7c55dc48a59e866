package group

import (
	"sort"
	"sync"

	"collab-server/core"
	"collab-server/metrics"
)

// State is the registry of live groups and of the objects each user is
// attached to. The two maps have independent locks and no method holds both.
type State struct {
	metrics *metrics.CollabRealtimeMetrics

	groupsMu sync.RWMutex
	groups   map[string]*CollabGroup

	usersMu sync.RWMutex
	users   map[core.RealtimeUser]map[string]struct{}
}

func NewState(m *metrics.CollabRealtimeMetrics) *State {
	return &State{
		metrics: m,
		groups:  make(map[string]*CollabGroup),
		users:   make(map[core.RealtimeUser]map[string]struct{}),
	}
}

// InsertGroup registers g unless a group for objectID already exists.
func (s *State) InsertGroup(objectID string, g *CollabGroup) bool {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()

	if _, ok := s.groups[objectID]; ok {
		return false
	}
	s.groups[objectID] = g
	if s.metrics != nil {
		s.metrics.OpenedGroups.Set(float64(len(s.groups)))
	}
	return true
}

func (s *State) GetGroup(objectID string) (*CollabGroup, bool) {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	g, ok := s.groups[objectID]
	return g, ok
}

func (s *State) ContainsGroup(objectID string) bool {
	_, ok := s.GetGroup(objectID)
	return ok
}

// IsCurrent reports whether g is still the registered group of its object.
func (s *State) IsCurrent(g *CollabGroup) bool {
	cur, ok := s.GetGroup(g.ObjectID())
	return ok && cur == g
}

// RemoveGroup unregisters the group of objectID and detaches the object from
// every user. The caller stops the returned group.
func (s *State) RemoveGroup(objectID string) (*CollabGroup, bool) {
	s.groupsMu.Lock()
	g, ok := s.groups[objectID]
	if ok {
		delete(s.groups, objectID)
	}
	remaining := len(s.groups)
	s.groupsMu.Unlock()
	if !ok {
		return nil, false
	}
	if s.metrics != nil {
		s.metrics.OpenedGroups.Set(float64(remaining))
	}

	s.usersMu.Lock()
	for user, objects := range s.users {
		delete(objects, objectID)
		if len(objects) == 0 {
			delete(s.users, user)
		}
	}
	s.updateUsersGaugeLocked()
	s.usersMu.Unlock()
	return g, true
}

// Groups returns the live groups sorted by object id.
func (s *State) Groups() []*CollabGroup {
	s.groupsMu.RLock()
	groups := make([]*CollabGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.groupsMu.RUnlock()

	sort.Slice(groups, func(i, j int) bool { return groups[i].ObjectID() < groups[j].ObjectID() })
	return groups
}

// InactiveGroupIDs lists the groups that stayed empty past their grace period.
func (s *State) InactiveGroupIDs() []string {
	var ids []string
	for _, g := range s.Groups() {
		if g.IsInactive() {
			ids = append(ids, g.ObjectID())
		}
	}
	return ids
}

func (s *State) InsertUser(user core.RealtimeUser, objectID string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	objects, ok := s.users[user]
	if !ok {
		objects = make(map[string]struct{})
		s.users[user] = objects
	}
	objects[objectID] = struct{}{}
	s.updateUsersGaugeLocked()
}

// RemoveUserObject detaches one object from user.
func (s *State) RemoveUserObject(user core.RealtimeUser, objectID string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	objects, ok := s.users[user]
	if !ok {
		return
	}
	delete(objects, objectID)
	if len(objects) == 0 {
		delete(s.users, user)
	}
	s.updateUsersGaugeLocked()
}

// UserObjects returns the objects user is attached to, sorted.
func (s *State) UserObjects(user core.RealtimeUser) []string {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	ids := make([]string, 0, len(s.users[user]))
	for id := range s.users[user] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) ContainsUser(objectID string, user core.RealtimeUser) bool {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	_, ok := s.users[user][objectID]
	return ok
}

func (s *State) updateUsersGaugeLocked() {
	if s.metrics != nil {
		s.metrics.ConnectedUsers.Set(float64(len(s.users)))
	}
}
