package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery status of a notification
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Channel represents the notification delivery channel
type Channel string

const (
	ChannelSSE     Channel = "SSE"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelEmail   Channel = "EMAIL"
	ChannelBroker  Channel = "BROKER"
)

// Priority represents the notification priority
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// DefaultMaxRetries bounds delivery attempts of one outbox row.
const DefaultMaxRetries = 3

// Recipients that are not a single user.
const (
	RecipientAdmins = "admins"
	RecipientSystem = "system"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyDelivered  = errors.New("notification already delivered")
	ErrExpired           = errors.New("notification has expired")
	ErrCannotRetry       = errors.New("cannot retry notification")
	ErrDuplicate         = errors.New("notification already queued")
)

// Notification is one outbox row: a single event for a single recipient on
// a single channel.
type Notification struct {
	ID             int64           `json:"id"`
	NotificationID uuid.UUID       `json:"notificationId"`
	TransactionID  uuid.UUID       `json:"transactionId"`
	Seq            int64           `json:"seq"`
	Event          string          `json:"event"`
	DedupeKey      string          `json:"dedupeKey"`
	Channel        Channel         `json:"channel"`
	Priority       Priority        `json:"priority"`
	Recipient      string          `json:"recipient"`
	RecipientRole  string          `json:"recipientRole,omitempty"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	LastError      *string         `json:"lastError,omitempty"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
}

// DedupeKey identifies an event for one recipient on one channel. Enqueueing
// the same key twice is a no-op.
func DedupeKey(transactionID uuid.UUID, seq int64, event, recipient string, channel Channel) string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", transactionID, seq, event, recipient, channel)
}

// NewNotification creates a pending outbox row.
func NewNotification(
	transactionID uuid.UUID,
	seq int64,
	event string,
	channel Channel,
	recipient string,
	title string,
	body string,
	payload json.RawMessage,
) *Notification {
	return &Notification{
		NotificationID: uuid.New(),
		TransactionID:  transactionID,
		Seq:            seq,
		Event:          event,
		DedupeKey:      DedupeKey(transactionID, seq, event, recipient, channel),
		Channel:        channel,
		Priority:       PriorityMedium,
		Recipient:      recipient,
		Title:          title,
		Body:           body,
		Payload:        payload,
		Status:         StatusPending,
		MaxRetries:     DefaultMaxRetries,
		CreatedAt:      time.Now().UTC(),
	}
}

// SetExpiry sets the expiration time
func (n *Notification) SetExpiry(expiresAt time.Time) {
	n.ExpiresAt = &expiresAt
}

// IsExpired checks if the notification has expired
func (n *Notification) IsExpired() bool {
	if n.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*n.ExpiresAt)
}

// CanTransitionTo checks if a transition to the target status is valid
func (n *Notification) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:   {StatusSent, StatusFailed, StatusExpired},
		StatusSent:      {StatusDelivered, StatusFailed},
		StatusDelivered: {},
		StatusFailed:    {StatusPending, StatusExpired},
		StatusExpired:   {},
	}

	allowed, ok := transitions[n.Status]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// MarkSent marks the notification as sent
func (n *Notification) MarkSent() error {
	if n.IsExpired() {
		n.Status = StatusExpired
		return ErrExpired
	}
	if !n.CanTransitionTo(StatusSent) {
		return ErrInvalidTransition
	}
	n.Status = StatusSent
	now := time.Now().UTC()
	n.SentAt = &now
	return nil
}

// MarkDelivered marks the notification as delivered
func (n *Notification) MarkDelivered() error {
	if !n.CanTransitionTo(StatusDelivered) {
		return ErrInvalidTransition
	}
	n.Status = StatusDelivered
	now := time.Now().UTC()
	n.DeliveredAt = &now
	n.NextAttemptAt = nil
	return nil
}

// MarkFailed marks the notification as failed and counts the attempt.
func (n *Notification) MarkFailed(errMsg string) error {
	// Expired rows go to EXPIRED, not FAILED.
	if n.IsExpired() {
		n.Status = StatusExpired
		return ErrExpired
	}
	if !n.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	n.Status = StatusFailed
	now := time.Now().UTC()
	n.FailedAt = &now
	n.LastError = &errMsg
	n.RetryCount++
	return nil
}

// MarkPermanentlyFailed records a failure that must not be retried.
func (n *Notification) MarkPermanentlyFailed(errMsg string) error {
	if err := n.MarkFailed(errMsg); err != nil {
		return err
	}
	n.RetryCount = n.MaxRetries
	n.NextAttemptAt = nil
	return nil
}

// ScheduleRetry sets the earliest time of the next attempt.
func (n *Notification) ScheduleRetry(at time.Time) {
	n.NextAttemptAt = &at
}

// MarkExpired marks the notification as expired
func (n *Notification) MarkExpired() error {
	if !n.CanTransitionTo(StatusExpired) {
		return ErrInvalidTransition
	}
	n.Status = StatusExpired
	n.NextAttemptAt = nil
	return nil
}

// CanRetry checks if the notification can be retried
func (n *Notification) CanRetry() bool {
	return n.Status == StatusFailed && n.RetryCount < n.MaxRetries && !n.IsExpired()
}

// DueForRetry reports whether a retryable row's backoff has elapsed.
func (n *Notification) DueForRetry(now time.Time) bool {
	return n.CanRetry() && (n.NextAttemptAt == nil || !now.Before(*n.NextAttemptAt))
}

// ResetForRetry resets the notification for retry
func (n *Notification) ResetForRetry() error {
	if !n.CanRetry() {
		return ErrCannotRetry
	}
	n.Status = StatusPending
	n.FailedAt = nil
	return nil
}

// IsTerminal returns true if the notification is in a terminal state
func (n *Notification) IsTerminal() bool {
	return n.Status == StatusDelivered ||
		n.Status == StatusExpired ||
		(n.Status == StatusFailed && !n.CanRetry())
}

// DeliveryAttempt represents a single delivery attempt
type DeliveryAttempt struct {
	ID             int64     `json:"id"`
	NotificationID uuid.UUID `json:"notificationId"`
	AttemptNumber  int       `json:"attemptNumber"`
	Status         Status    `json:"status"`
	AttemptedAt    time.Time `json:"attemptedAt"`
	ErrorMessage   *string   `json:"errorMessage,omitempty"`
	DurationMs     int       `json:"durationMs"`
}

// NewDeliveryAttempt creates a new delivery attempt record
func NewDeliveryAttempt(notificationID uuid.UUID, attemptNumber int) *DeliveryAttempt {
	return &DeliveryAttempt{
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		AttemptedAt:    time.Now().UTC(),
	}
}

// SSEClient is one open event stream of a transaction party. A client
// bound to a transaction only receives that transaction's events.
type SSEClient struct {
	ClientID      string
	UserID        string
	Admin         bool
	TransactionID *uuid.UUID
	ConnectedAt   time.Time
	MessageChan   chan *SSEMessage
}

func NewSSEClient(clientID, userID string, admin bool, transactionID *uuid.UUID) *SSEClient {
	return &SSEClient{
		ClientID:      clientID,
		UserID:        userID,
		Admin:         admin,
		TransactionID: transactionID,
		ConnectedAt:   time.Now().UTC(),
		MessageChan:   make(chan *SSEMessage, 100),
	}
}

// Follows reports whether events of the transaction belong on this stream.
func (c *SSEClient) Follows(transactionID uuid.UUID) bool {
	return c.TransactionID == nil || *c.TransactionID == transactionID
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Retry     *int            `json:"retry,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message
func NewSSEMessage(id, event string, data json.RawMessage) *SSEMessage {
	if id == "" {
		id = uuid.New().String()
	}
	return &SSEMessage{
		ID:        id,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Filter represents filters for querying notifications
type Filter struct {
	TransactionID *uuid.UUID
	Channel       *Channel
	Status        *Status
	Recipient     *string
	Since         *time.Time
	Until         *time.Time
}

// Matches reports whether n satisfies the filter.
func (f Filter) Matches(n *Notification) bool {
	if f.TransactionID != nil && n.TransactionID != *f.TransactionID {
		return false
	}
	if f.Channel != nil && n.Channel != *f.Channel {
		return false
	}
	if f.Status != nil && n.Status != *f.Status {
		return false
	}
	if f.Recipient != nil && n.Recipient != *f.Recipient {
		return false
	}
	if f.Since != nil && n.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && n.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}
