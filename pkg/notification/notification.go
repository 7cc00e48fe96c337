// Package notification implements the notification store: create,
// upsert-by-key, read tracking, and WebSocket fan-out. It generalizes
// the publish/subscribe broker shape used elsewhere in this codebase
// to an in-memory, queryable notification list instead of an ephemeral
// event stream.
package notification

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
	"github.com/cuemby/hvorchestrator/pkg/types"
)

// Broadcaster is the subset of the WebSocket hub the service depends
// on. Broadcast failures must never block or fail a notification
// operation, so this interface has no error return.
type Broadcaster interface {
	Broadcast(msgType string, topic string, payload any)
}

// Service is the notification store.
type Service struct {
	mu            sync.RWMutex
	notifications map[string]*types.Notification
	hub           Broadcaster
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates a notification service broadcasting through hub.
func New(hub Broadcaster) *Service {
	return &Service{
		notifications: make(map[string]*types.Notification),
		hub:           hub,
		logger:        log.WithComponent("notification"),
		now:           time.Now,
	}
}

// Create allocates a new notification, stores it, and broadcasts it on
// the "notifications" topic.
func (s *Service) Create(title, message string, level types.NotificationLevel, category types.NotificationCategory, relatedEntity string, metadata map[string]any) *types.Notification {
	n := &types.Notification{
		ID:            uuid.NewString(),
		Title:         title,
		Message:       message,
		Level:         level,
		Category:      category,
		CreatedAt:     s.now(),
		RelatedEntity: relatedEntity,
		Metadata:      metadata,
	}

	s.mu.Lock()
	s.notifications[n.ID] = n
	s.mu.Unlock()

	metrics.NotificationsTotal.WithLabelValues(string(category)).Inc()
	s.broadcast("notification", "notifications", n)
	return n
}

// UpsertSystem mutates the existing category=system notification keyed
// by relatedEntity in place (preserving ID and CreatedAt), or creates a
// fresh one if none exists. Broadcasts either way.
func (s *Service) UpsertSystem(key, title, message string, level types.NotificationLevel, metadata map[string]any) *types.Notification {
	return s.UpsertByKey(types.NotificationCategorySystem, key, title, message, level, metadata)
}

// UpsertByKey generalizes UpsertSystem to an arbitrary category: it
// mutates the existing notification with the same category and
// relatedEntity in place (preserving ID and CreatedAt), or creates a
// fresh one. The job service uses this with category=job to upsert the
// notification tracking one job_id's lifecycle.
func (s *Service) UpsertByKey(category types.NotificationCategory, key, title, message string, level types.NotificationLevel, metadata map[string]any) *types.Notification {
	s.mu.Lock()
	var existing *types.Notification
	for _, n := range s.notifications {
		if n.Category == category && n.RelatedEntity == key {
			existing = n
			break
		}
	}

	var result *types.Notification
	if existing != nil {
		existing.Title = title
		existing.Message = message
		existing.Level = level
		existing.Metadata = metadata
		result = existing
	} else {
		result = &types.Notification{
			ID:            uuid.NewString(),
			Title:         title,
			Message:       message,
			Level:         level,
			Category:      category,
			CreatedAt:     s.now(),
			RelatedEntity: key,
			Metadata:      metadata,
		}
		s.notifications[result.ID] = result
	}
	s.mu.Unlock()

	metrics.NotificationsTotal.WithLabelValues(string(category)).Inc()
	s.broadcast("notification", "notifications", result)
	return result
}

// ClearSystem removes the category=system notification keyed by key,
// if one exists.
func (s *Service) ClearSystem(key string) {
	s.mu.Lock()
	for id, n := range s.notifications {
		if n.Category == types.NotificationCategorySystem && n.RelatedEntity == key {
			delete(s.notifications, id)
			break
		}
	}
	s.mu.Unlock()
}

// MarkRead sets read=true on id and broadcasts an "updated" event
// carrying the changed fields and the current unread count.
func (s *Service) MarkRead(id string) {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if ok {
		n.Read = true
	}
	unread := s.unreadCountLocked()
	s.mu.Unlock()

	if !ok {
		return
	}
	s.broadcast("notification_updated", "notifications", map[string]any{
		"id": id, "read": true, "unread_count": unread,
	})
}

// MarkAllRead sets read=true on every notification and broadcasts the
// new (zero) unread count.
func (s *Service) MarkAllRead() {
	s.mu.Lock()
	for _, n := range s.notifications {
		n.Read = true
	}
	s.mu.Unlock()

	s.broadcast("notification_updated", "notifications", map[string]any{
		"all": true, "unread_count": 0,
	})
}

// List returns up to limit notifications sorted by CreatedAt
// descending. limit <= 0 means unbounded.
func (s *Service) List(limit int) []*types.Notification {
	return s.filtered(limit, func(*types.Notification) bool { return true })
}

// ListUnread returns up to limit unread notifications sorted by
// CreatedAt descending.
func (s *Service) ListUnread(limit int) []*types.Notification {
	return s.filtered(limit, func(n *types.Notification) bool { return !n.Read })
}

func (s *Service) filtered(limit int, keep func(*types.Notification) bool) []*types.Notification {
	s.mu.RLock()
	out := make([]*types.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if keep(n) {
			cp := *n
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Service) unreadCountLocked() int {
	n := 0
	for _, notif := range s.notifications {
		if !notif.Read {
			n++
		}
	}
	return n
}

// broadcast never fails the caller's operation: hub failures are
// logged only.
func (s *Service) broadcast(msgType, topic string, payload any) {
	if s.hub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered from hub broadcast panic")
		}
	}()
	s.hub.Broadcast(msgType, topic, payload)
}
