package group

import (
	"context"
	"time"

	"collab-server/metrics"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically removes groups that stayed empty past their grace period.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	metrics  *metrics.CollabRealtimeMetrics
}

func NewSweeper(manager *Manager, interval time.Duration, m *metrics.CollabRealtimeMetrics) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{manager: manager, interval: interval, metrics: m}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes the currently inactive groups and returns their ids.
func (s *Sweeper) Sweep() []string {
	var removed []string
	for _, objectID := range s.manager.GetInactiveGroups() {
		g, ok := s.manager.GetGroup(objectID)
		// a user may have joined since the scan
		if !ok || !g.IsInactive() {
			continue
		}
		if s.manager.RemoveGroup(objectID) {
			removed = append(removed, objectID)
			if s.metrics != nil {
				s.metrics.GroupsPruned.Inc()
			}
		}
	}
	if len(removed) > 0 {
		logrus.WithField("groups", removed).Info("Pruned inactive collab groups")
	}
	return removed
}
