package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"
	"collab-server/stream"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

type (
	// ClientChannelFactory opens the per-connection message channels of a subscription.
	ClientChannelFactory interface {
		InitClientCommunication(workspaceID string, user core.RealtimeUser, objectID string, ac core.RealtimeAccessControl) (core.Sink, core.Stream)
	}

	IndexerProvider interface {
		// IndexerFor returns nil when the type is not indexed.
		IndexerFor(collabType collab.CollabType) core.Indexer
		CanIndexWorkspace(ctx context.Context, workspaceID string) (bool, error)
	}

	ManagerOptions struct {
		Storage       core.CollabStorage
		AccessControl core.RealtimeAccessControl
		Metrics       *metrics.CollabRealtimeMetrics
		// Stream and Indexers may be nil.
		Stream              *stream.CollabRedisStream
		Indexers            IndexerProvider
		PersistenceInterval time.Duration
		PruneGracePeriod    time.Duration
		LockTimeout         time.Duration
	}

	// GroupStat describes one live group.
	GroupStat struct {
		ObjectID    string    `json:"object_id"`
		WorkspaceID string    `json:"workspace_id"`
		CollabType  string    `json:"collab_type"`
		Subscribers int       `json:"subscribers"`
		Inactive    bool      `json:"inactive"`
		EmptySince  time.Time `json:"empty_since,omitzero"`
	}
)

// Manager creates, subscribes to and removes collab groups.
type Manager struct {
	state *State
	opts  ManagerOptions

	creating singleflight.Group
	// serializes subscribe and removal of one user on one object
	pairs keyedMutex
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		state: NewState(opts.Metrics),
		opts:  opts,
		pairs: keyedMutex{locks: make(map[userObject]*refMutex)},
	}
}

func (m *Manager) State() *State {
	return m.state
}

func (m *Manager) GetInactiveGroups() []string {
	return m.state.InactiveGroupIDs()
}

func (m *Manager) ContainsUser(objectID string, user core.RealtimeUser) bool {
	return m.state.ContainsUser(objectID, user)
}

func (m *Manager) ContainsGroup(objectID string) bool {
	return m.state.ContainsGroup(objectID)
}

func (m *Manager) GetGroup(objectID string) (*CollabGroup, bool) {
	return m.state.GetGroup(objectID)
}

// RemoveUser detaches user from every group it joined. Each group's section
// is released before the user index is touched.
func (m *Manager) RemoveUser(ctx context.Context, user core.RealtimeUser) {
	for _, objectID := range m.state.UserObjects(user) {
		unlock := m.pairs.lock(userObject{user: user, objectID: objectID})
		if g, ok := m.state.GetGroup(objectID); ok {
			if _, err := g.Unsubscribe(ctx, user); err != nil {
				logrus.WithFields(logrus.Fields{"object_id": objectID, "user": user.String()}).WithError(err).Warn("Failed to unsubscribe user")
			}
		}
		m.state.RemoveUserObject(user, objectID)
		unlock()
	}
	logrus.WithField("user", user.String()).Debug("User removed")
}

// RemoveGroup unregisters the group of objectID and stops it, flushing any
// pending change. It reports whether a group was removed.
func (m *Manager) RemoveGroup(objectID string) bool {
	g, ok := m.state.RemoveGroup(objectID)
	if !ok {
		return false
	}
	g.Stop()
	logrus.WithField("object_id", objectID).Info("Collab group removed")
	return true
}

// SubscribeGroup attaches a connection of user to the existing group of objectID.
func (m *Manager) SubscribeGroup(ctx context.Context, user core.RealtimeUser, objectID string, origin collab.Origin, channels ClientChannelFactory) error {
	unlock := m.pairs.lock(userObject{user: user, objectID: objectID})
	defer unlock()

	g, ok := m.state.GetGroup(objectID)
	if !ok {
		// the caller must create the group first
		return core.NewGroupNotFound(objectID)
	}

	sink, clientStream := channels.InitClientCommunication(g.WorkspaceID(), user, objectID, m.opts.AccessControl)
	// the group's section is released when Subscribe returns
	if err := g.Subscribe(ctx, user, origin, sink, clientStream); err != nil {
		return err
	}
	m.state.InsertUser(user, objectID)

	if !m.state.IsCurrent(g) {
		// removed while subscribing; its index sweep may have run before our insert
		m.state.RemoveUserObject(user, objectID)
		return core.NewGroupNotFound(objectID)
	}
	logrus.WithFields(logrus.Fields{"object_id": objectID, "user": user.String()}).Debug("User subscribed to group")
	return nil
}

// CreateGroup opens the group of objectID. Concurrent calls for the same
// object and workspace share one creation; creating an already open group
// fails with KindGroupAlreadyExists.
func (m *Manager) CreateGroup(ctx context.Context, user core.RealtimeUser, workspaceID, objectID string, collabType collab.CollabType) error {
	// the shared creation outlives any one caller
	shared := context.WithoutCancel(ctx)
	ch := m.creating.DoChan(objectID+"/"+workspaceID, func() (interface{}, error) {
		return nil, m.createGroup(shared, user, workspaceID, objectID, collabType)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) createGroup(ctx context.Context, user core.RealtimeUser, workspaceID, objectID string, collabType collab.CollabType) (err error) {
	ctx, span := tracer.Start(ctx, "group.CreateGroup",
		trace.WithAttributes(
			attribute.String("collab.object_id", objectID),
			attribute.String("collab.workspace_id", workspaceID),
			attribute.Int64("user.uid", user.UID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	log := logrus.WithFields(logrus.Fields{
		"object_id":    objectID,
		"workspace_id": workspaceID,
		"uid":          user.UID,
	})

	if m.state.ContainsGroup(objectID) {
		return core.NewGroupAlreadyExists(objectID)
	}

	isNew := false
	meta, err := m.opts.Storage.QueryCollabMeta(ctx, objectID, collabType)
	switch {
	case err == nil:
		if meta.WorkspaceID != workspaceID {
			return core.NewWorkspaceMismatch(meta.WorkspaceID, workspaceID,
				fmt.Sprintf("user_id:%d,app_version:%s,object_id:%s:%s", user.UID, user.AppVersion, objectID, collabType))
		}
	case errors.Is(err, core.ErrRecordNotFound):
		isNew = true
	default:
		return core.NewInternal("query collab meta "+objectID, err)
	}

	log.WithField("collab_type", collabType.String()).Debug("Creating collab group")

	var indexer core.Indexer
	if m.opts.Indexers != nil {
		indexer = m.opts.Indexers.IndexerFor(collabType)
	}
	if indexer != nil {
		allowed, policyErr := m.opts.Indexers.CanIndexWorkspace(ctx, workspaceID)
		switch {
		case policyErr != nil:
			log.WithError(core.NewIndexingPolicy(workspaceID, policyErr)).Warn("Indexing disabled for group")
			if m.opts.Metrics != nil {
				m.opts.Metrics.IndexFailures.Inc()
			}
			indexer = nil
		case !allowed:
			log.Debug("Workspace indexing is disabled")
			indexer = nil
		}
	}

	g, err := NewCollabGroup(ctx, GroupOptions{
		UID:                 user.UID,
		WorkspaceID:         workspaceID,
		ObjectID:            objectID,
		CollabType:          collabType,
		Metrics:             m.opts.Metrics,
		Storage:             m.opts.Storage,
		IsNewCollab:         isNew,
		Stream:              m.opts.Stream,
		PersistenceInterval: m.opts.PersistenceInterval,
		PruneGracePeriod:    m.opts.PruneGracePeriod,
		LockTimeout:         m.opts.LockTimeout,
		Indexer:             indexer,
	})
	if err != nil {
		log.WithError(err).Error("Failed to create collab group")
		return err
	}

	if !m.state.InsertGroup(objectID, g) {
		return core.NewGroupAlreadyExists(objectID)
	}
	g.Start()
	if m.opts.Metrics != nil {
		m.opts.Metrics.GroupsCreated.Inc()
	}
	return nil
}

// GroupStats describes every live group.
func (m *Manager) GroupStats() []GroupStat {
	groups := m.state.Groups()
	stats := make([]GroupStat, 0, len(groups))
	for _, g := range groups {
		stats = append(stats, GroupStat{
			ObjectID:    g.ObjectID(),
			WorkspaceID: g.WorkspaceID(),
			CollabType:  g.CollabType().String(),
			Subscribers: g.SubscriberCount(),
			Inactive:    g.IsInactive(),
			EmptySince:  g.EmptySince(),
		})
	}
	return stats
}

// Close stops every group, flushing pending changes.
func (m *Manager) Close() {
	for _, g := range m.state.Groups() {
		m.RemoveGroup(g.ObjectID())
	}
}

type userObject struct {
	user     core.RealtimeUser
	objectID string
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[userObject]*refMutex
}

func (k *keyedMutex) lock(key userObject) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
