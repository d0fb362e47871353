package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,SSEHub

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for the notification outbox
type Repository interface {
	// Create queues a notification. Returns ErrDuplicate when a row with the
	// same dedupe key exists.
	Create(ctx context.Context, notification *Notification) error
	GetByID(ctx context.Context, notificationID uuid.UUID) (*Notification, error)
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]*Notification, error)
	FindByDedupeKey(ctx context.Context, dedupeKey string) (*Notification, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Notification, error)
	Update(ctx context.Context, notification *Notification) error

	// Delivery attempts
	RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error)

	// Retry support
	ListPendingNotifications(ctx context.Context, limit int) ([]*Notification, error)
	// ListRetryableNotifications returns failed rows with attempts left whose
	// next attempt time is at or before now.
	ListRetryableNotifications(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	// Expiration
	ExpireNotifications(ctx context.Context, now time.Time) (int64, error)
}

// SSEHub routes outbox rows to the open streams of their recipient.
type SSEHub interface {
	Register(client *SSEClient)
	Unregister(client *SSEClient)
	ClientCount() int

	// Deliver sends the message to the streams of recipient that follow the
	// transaction and returns how many accepted it. Recipient is a user id,
	// RecipientAdmins or RecipientSystem.
	Deliver(recipient string, transactionID uuid.UUID, message *SSEMessage) int

	Stop()
}
