package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// NotificationRepository implements notification.Repository in memory.
type NotificationRepository struct {
	mu       sync.RWMutex
	nextID   int64
	byID     map[uuid.UUID]*notification.Notification
	byKey    map[string]uuid.UUID
	attempts map[uuid.UUID][]*notification.DeliveryAttempt
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{
		byID:     make(map[uuid.UUID]*notification.Notification),
		byKey:    make(map[string]uuid.UUID),
		attempts: make(map[uuid.UUID][]*notification.DeliveryAttempt),
	}
}

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[n.DedupeKey]; ok {
		return notification.ErrDuplicate
	}
	r.nextID++
	n.ID = r.nextID
	c := *n
	r.byID[n.NotificationID] = &c
	r.byKey[n.DedupeKey] = n.NotificationID
	return nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byID[notificationID]
	if !ok {
		return nil, nil
	}
	c := *n
	return &c, nil
}

func (r *NotificationRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]*notification.Notification, error) {
	return r.List(ctx, notification.Filter{TransactionID: &transactionID}, 0, 0)
}

func (r *NotificationRepository) FindByDedupeKey(ctx context.Context, dedupeKey string) (*notification.Notification, error) {
	r.mu.RLock()
	id, ok := r.byKey[dedupeKey]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// List returns matching rows oldest first.
func (r *NotificationRepository) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	return r.collect(func(n *notification.Notification) bool { return filter.Matches(n) }, limit, offset), nil
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[n.NotificationID]; !ok {
		return nil
	}
	c := *n
	r.byID[n.NotificationID] = &c
	return nil
}

func (r *NotificationRepository) RecordAttempt(ctx context.Context, attempt *notification.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *attempt
	c.ID = int64(len(r.attempts[attempt.NotificationID]) + 1)
	r.attempts[attempt.NotificationID] = append(r.attempts[attempt.NotificationID], &c)
	return nil
}

func (r *NotificationRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*notification.DeliveryAttempt
	for _, a := range r.attempts[notificationID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (r *NotificationRepository) ListPendingNotifications(ctx context.Context, limit int) ([]*notification.Notification, error) {
	return r.collect(func(n *notification.Notification) bool {
		return n.Status == notification.StatusPending
	}, limit, 0), nil
}

func (r *NotificationRepository) ListRetryableNotifications(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	return r.collect(func(n *notification.Notification) bool {
		return n.Status == notification.StatusFailed &&
			n.RetryCount < n.MaxRetries &&
			(n.ExpiresAt == nil || n.ExpiresAt.After(now)) &&
			(n.NextAttemptAt == nil || !n.NextAttemptAt.After(now))
	}, limit, 0), nil
}

func (r *NotificationRepository) ExpireNotifications(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired int64
	for _, n := range r.byID {
		if n.Status == notification.StatusDelivered || n.Status == notification.StatusExpired {
			continue
		}
		if n.ExpiresAt != nil && n.ExpiresAt.Before(now) {
			n.Status = notification.StatusExpired
			n.NextAttemptAt = nil
			expired++
		}
	}
	return expired, nil
}

func (r *NotificationRepository) collect(match func(*notification.Notification) bool, limit, offset int) []*notification.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*notification.Notification
	for _, n := range r.byID {
		if match(n) {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return []*notification.Notification{}
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
