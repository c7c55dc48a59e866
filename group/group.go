package group

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/metrics"
	"collab-server/stream"

	"github.com/sirupsen/logrus"
)

const finalFlushTimeout = 10 * time.Second

// GroupOptions are the collaborators and settings of one CollabGroup.
type GroupOptions struct {
	UID         int64
	WorkspaceID string
	ObjectID    string
	CollabType  collab.CollabType
	Metrics     *metrics.CollabRealtimeMetrics
	Storage     core.CollabStorage
	IsNewCollab bool
	// Stream may be nil, in which case updates stay on this instance.
	Stream              *stream.CollabRedisStream
	PersistenceInterval time.Duration
	PruneGracePeriod    time.Duration
	LockTimeout         time.Duration
	// Indexer may be nil.
	Indexer core.Indexer
}

type subscriber struct {
	user   core.RealtimeUser
	origin collab.Origin
	sink   core.Sink
	cancel context.CancelFunc
}

// CollabGroup owns the live replica of one collab and its subscribers.
type CollabGroup struct {
	uid         int64
	workspaceID string
	objectID    string
	collabType  collab.CollabType
	isNew       bool
	createdAt   time.Time

	// collab is the only strong reference to the replica.
	collab   *collab.Collab
	cacheRef weak.Pointer[collab.Collab]
	storage  core.CollabStorage
	metrics  *metrics.CollabRealtimeMetrics
	stream   *stream.CollabRedisStream
	indexer  core.Indexer

	persistenceInterval time.Duration
	pruneGracePeriod    time.Duration
	lockTimeout         time.Duration

	// sem is the exclusive section guarding subscribers and replica mutation.
	sem         chan struct{}
	subscribers map[core.RealtimeUser]*subscriber
	stopped     bool

	subscriberCount atomic.Int64
	// lastEmptyAt is unix nanos of the moment the subscriber set became empty, 0 while non-empty.
	lastEmptyAt atomic.Int64
	dirty       atomic.Bool
	msgSeq      atomic.Uint64

	pendingIndex atomic.Pointer[collab.EncodedCollab]
	indexCh      chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCollabGroup loads the replica and builds the group. Background duties
// begin with Start.
func NewCollabGroup(ctx context.Context, opts GroupOptions) (*CollabGroup, error) {
	var (
		c   *collab.Collab
		err error
	)
	if opts.IsNewCollab {
		c = collab.New(opts.ObjectID)
	} else {
		c, _, err = LoadCollab(ctx, opts.Storage, core.QueryCollabParams{
			WorkspaceID: opts.WorkspaceID,
			ObjectID:    opts.ObjectID,
			CollabType:  opts.CollabType,
		}, opts.Metrics)
		if err != nil {
			return nil, err
		}
	}

	gctx, cancel := context.WithCancel(context.Background())
	g := &CollabGroup{
		uid:                 opts.UID,
		workspaceID:         opts.WorkspaceID,
		objectID:            opts.ObjectID,
		collabType:          opts.CollabType,
		isNew:               opts.IsNewCollab,
		createdAt:           time.Now(),
		collab:              c,
		storage:             opts.Storage,
		metrics:             opts.Metrics,
		stream:              opts.Stream,
		indexer:             opts.Indexer,
		persistenceInterval: opts.PersistenceInterval,
		pruneGracePeriod:    opts.PruneGracePeriod,
		lockTimeout:         opts.LockTimeout,
		sem:                 make(chan struct{}, 1),
		subscribers:         make(map[core.RealtimeUser]*subscriber),
		indexCh:             make(chan struct{}, 1),
		ctx:                 gctx,
		cancel:              cancel,
	}
	if g.persistenceInterval <= 0 {
		g.persistenceInterval = time.Minute
	}
	if g.lockTimeout <= 0 {
		g.lockTimeout = 5 * time.Second
	}
	g.cacheRef = weak.Make(c)
	g.lastEmptyAt.Store(g.createdAt.UnixNano())
	// a new collab has never been written
	g.dirty.Store(opts.IsNewCollab)
	return g, nil
}

func (g *CollabGroup) ObjectID() string              { return g.objectID }
func (g *CollabGroup) WorkspaceID() string           { return g.workspaceID }
func (g *CollabGroup) CollabType() collab.CollabType { return g.collabType }
func (g *CollabGroup) IsNewCollab() bool             { return g.isNew }

// Start registers the replica with a caching storage and launches the
// persistence, indexing and remote update tasks.
func (g *CollabGroup) Start() {
	log := g.logger()

	if cache, ok := g.storage.(core.CollabCache); ok {
		cache.CacheCollab(g.objectID, g.cacheRef)
	}

	g.wg.Add(1)
	go g.persistLoop()

	if g.indexer != nil {
		g.wg.Add(1)
		go g.indexLoop()
	}

	if g.stream != nil {
		sub, err := g.stream.Subscribe(g.ctx, g.objectID)
		if err != nil {
			log.WithError(err).Warn("Cross-instance updates disabled for group")
		} else {
			g.wg.Add(1)
			go g.remoteLoop(sub)
		}
	}
	log.Info("Collab group started")
}

func (g *CollabGroup) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"object_id":    g.objectID,
		"workspace_id": g.workspaceID,
	})
}

func (g *CollabGroup) lock(ctx context.Context) error {
	timer := time.NewTimer(g.lockTimeout)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return core.NewLockTimeout(g.objectID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockUntilDone ignores the lock timeout and gives up only with ctx.
func (g *CollabGroup) lockUntilDone(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *CollabGroup) unlock() {
	<-g.sem
}

// Subscribe attaches a connection. The connection's sink immediately receives
// the full state, then every later change. Messages read from stream are
// applied until the subscriber is removed or the group stops.
func (g *CollabGroup) Subscribe(ctx context.Context, user core.RealtimeUser, origin collab.Origin, sink core.Sink, clientStream core.Stream) error {
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()

	if g.stopped {
		return core.NewGroupNotFound(g.objectID)
	}

	if prev, ok := g.subscribers[user]; ok {
		prev.cancel()
	} else {
		g.subscriberCount.Add(1)
	}
	subCtx, cancel := context.WithCancel(g.ctx)
	sub := &subscriber{user: user, origin: origin, sink: sink, cancel: cancel}
	g.subscribers[user] = sub
	g.lastEmptyAt.Store(0)

	// sent inside the section so no broadcast can overtake it
	if err := sink.Send(ctx, g.initSyncMessage()); err != nil {
		g.logger().WithField("user", user.String()).WithError(err).Warn("Failed to send initial sync")
	}

	go g.readClientStream(subCtx, sub, clientStream)

	g.logger().WithField("user", user.String()).Debug("User subscribed")
	return nil
}

// Unsubscribe detaches user and reports whether it was subscribed. A
// disconnect must not be lost, so it waits past the lock timeout.
func (g *CollabGroup) Unsubscribe(ctx context.Context, user core.RealtimeUser) (bool, error) {
	if err := g.lockUntilDone(ctx); err != nil {
		return false, err
	}
	defer g.unlock()

	sub, ok := g.subscribers[user]
	if !ok {
		return false, nil
	}
	sub.cancel()
	delete(g.subscribers, user)
	if g.subscriberCount.Add(-1) == 0 {
		g.lastEmptyAt.Store(time.Now().UnixNano())
	}

	g.logger().WithField("user", user.String()).Debug("User unsubscribed")
	return true, nil
}

func (g *CollabGroup) SubscriberCount() int {
	return int(g.subscriberCount.Load())
}

// IsInactive reports whether the group has had no subscriber for at least
// the prune grace period.
func (g *CollabGroup) IsInactive() bool {
	if g.subscriberCount.Load() > 0 {
		return false
	}
	emptySince := g.lastEmptyAt.Load()
	if emptySince == 0 {
		return false
	}
	return time.Since(time.Unix(0, emptySince)) >= g.pruneGracePeriod
}

// EmptySince returns when the subscriber set last became empty, or the zero time.
func (g *CollabGroup) EmptySince() time.Time {
	if ns := g.lastEmptyAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// EncodeCollab returns the current state of the replica.
func (g *CollabGroup) EncodeCollab() *collab.EncodedCollab {
	return g.collab.EncodeCollab()
}

func (g *CollabGroup) initSyncMessage() *core.ServerMessage {
	return &core.ServerMessage{
		ObjectID: g.objectID,
		Kind:     core.MessageInitSync,
		Origin:   collab.ServerOrigin,
		Payload:  g.collab.EncodeAsUpdate(),
		MsgID:    g.msgSeq.Add(1),
	}
}

func (g *CollabGroup) readClientStream(ctx context.Context, sub *subscriber, clientStream core.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-clientStream:
			if !ok {
				return
			}
			// select picks at random when both are ready
			if ctx.Err() != nil {
				return
			}
			g.handleClientMessage(ctx, sub, msg)
		}
	}
}

func (g *CollabGroup) handleClientMessage(ctx context.Context, sub *subscriber, msg *core.ClientMessage) {
	log := g.logger().WithFields(logrus.Fields{"user": sub.user.String(), "kind": msg.Kind})
	origin := msg.Origin
	if origin.Kind == collab.OriginEmpty {
		origin = sub.origin
	}

	switch msg.Kind {
	case core.MessageInitSync:
		if err := sub.sink.Send(ctx, g.initSyncMessage()); err != nil {
			log.WithError(err).Debug("Failed to answer sync request")
		}

	case core.MessageUpdate:
		changed, err := g.applyUpdate(ctx, &sub.user, origin, msg.Payload)
		if err != nil {
			log.WithError(err).Warn("Failed to apply client update")
			return
		}
		ack := &core.ServerMessage{ObjectID: g.objectID, Kind: core.MessageAck, Origin: collab.ServerOrigin, MsgID: msg.MsgID}
		if err := sub.sink.Send(ctx, ack); err != nil {
			log.WithError(err).Debug("Failed to ack update")
		}
		if changed && g.stream != nil {
			if err := g.stream.Publish(ctx, g.objectID, origin, msg.Payload); err != nil {
				log.WithError(err).Warn("Failed to publish update")
			}
		}

	case core.MessageAwareness:
		if err := g.lock(ctx); err != nil {
			log.WithError(err).Warn("Dropping awareness update")
			return
		}
		g.broadcastLocked(ctx, &sub.user, &core.ServerMessage{
			ObjectID: g.objectID,
			Kind:     core.MessageAwareness,
			Origin:   origin,
			Payload:  msg.Payload,
			MsgID:    g.msgSeq.Add(1),
		})
		g.unlock()

	default:
		log.Warn("Ignoring unknown client message kind")
	}
}

// applyUpdate merges update into the replica and forwards it to every
// subscriber except sender. A nil sender forwards to everyone.
func (g *CollabGroup) applyUpdate(ctx context.Context, sender *core.RealtimeUser, origin collab.Origin, update []byte) (bool, error) {
	if err := g.lock(ctx); err != nil {
		return false, err
	}
	defer g.unlock()

	// the final flush has run or is about to, a later change would be lost
	if g.stopped {
		return false, core.NewGroupNotFound(g.objectID)
	}

	changed, err := g.collab.ApplyUpdate(update)
	if err != nil {
		return false, core.NewUnexpectedData(err.Error())
	}
	if !changed {
		return false, nil
	}
	g.dirty.Store(true)
	g.broadcastLocked(ctx, sender, &core.ServerMessage{
		ObjectID: g.objectID,
		Kind:     core.MessageUpdate,
		Origin:   origin,
		Payload:  update,
		MsgID:    g.msgSeq.Add(1),
	})
	return true, nil
}

func (g *CollabGroup) broadcastLocked(ctx context.Context, except *core.RealtimeUser, msg *core.ServerMessage) {
	for user, sub := range g.subscribers {
		if except != nil && user == *except {
			continue
		}
		if err := sub.sink.Send(ctx, msg); err != nil {
			g.logger().WithField("user", user.String()).WithError(err).Debug("Failed to deliver message")
		}
	}
}

// Flush writes the replica to storage if it changed since the last write.
// A failed write leaves the group dirty so the next tick retries.
func (g *CollabGroup) Flush(ctx context.Context) error {
	if !g.dirty.Swap(false) {
		return nil
	}

	encoded := g.collab.EncodeCollab()
	blob, err := encoded.Encode()
	if err != nil {
		g.dirty.Store(true)
		return core.NewInternal("encode collab "+g.objectID, err)
	}

	start := time.Now()
	err = g.storage.InsertCollab(ctx, g.uid, &core.InsertCollabParams{
		WorkspaceID: g.workspaceID,
		CollabParams: core.CollabParams{
			ObjectID:      g.objectID,
			EncodedCollab: blob,
			CollabType:    g.collabType,
		},
	})
	if g.metrics != nil {
		g.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		g.dirty.Store(true)
		if g.metrics != nil {
			g.metrics.PersistAttempts.WithLabelValues("failure").Inc()
		}
		return core.NewInternal("persist collab "+g.objectID, err)
	}
	if g.metrics != nil {
		g.metrics.PersistAttempts.WithLabelValues("success").Inc()
	}

	if g.indexer != nil {
		g.pendingIndex.Store(encoded)
		select {
		case g.indexCh <- struct{}{}:
		default:
		}
	}
	g.logger().WithField("data_length", len(blob)).Debug("Collab persisted")
	return nil
}

func (g *CollabGroup) persistLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.persistenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.Flush(g.ctx); err != nil {
				g.logger().WithError(err).Warn("Failed to persist collab, will retry")
			}
		}
	}
}

func (g *CollabGroup) indexLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.indexCh:
			encoded := g.pendingIndex.Swap(nil)
			if encoded == nil {
				continue
			}
			if err := g.indexer.IndexCollab(g.ctx, g.workspaceID, g.objectID, encoded); err != nil {
				if g.metrics != nil {
					g.metrics.IndexFailures.Inc()
				}
				g.logger().WithError(err).Warn("Failed to index collab")
			}
		}
	}
}

func (g *CollabGroup) remoteLoop(sub *stream.Subscription) {
	defer g.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-g.ctx.Done():
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if _, err := g.applyUpdate(g.ctx, nil, update.Origin, update.Update); err != nil {
				g.logger().WithField("instance_id", update.InstanceID).WithError(err).Warn("Failed to apply remote update")
			}
		}
	}
}

// Stop ends the background tasks, detaches every subscriber and writes any
// pending change. Calling Stop more than once is a no-op.
func (g *CollabGroup) Stop() {
	g.stopOnce.Do(func() {
		// no new subscriber may join once stopping has begun
		g.sem <- struct{}{}
		g.stopped = true
		for user, sub := range g.subscribers {
			sub.cancel()
			delete(g.subscribers, user)
		}
		g.subscriberCount.Store(0)
		g.unlock()

		g.cancel()
		g.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		if err := g.Flush(ctx); err != nil {
			g.logger().WithError(err).Error("Final flush failed")
		}
		if cache, ok := g.storage.(core.CollabCache); ok {
			cache.EvictCollab(g.objectID, g.cacheRef)
		}
		g.logger().Info("Collab group stopped")
	})
}
