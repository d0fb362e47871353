// Package notification turns committed escrow transitions into outbox rows
// and delivers them over the configured channels.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// Sender delivers one outbox row on an external channel. A failure wrapped
// with backoff.Permanent is not retried.
type Sender interface {
	Send(ctx context.Context, n *notification.Notification) error
}

// Recipient is a user id, notification.RecipientAdmins or
// notification.RecipientSystem.
type Recipient struct {
	ID   string
	Role string
}

// Channels selects the delivery channels per recipient class.
type Channels struct {
	Users  []notification.Channel
	Admins []notification.Channel
	System []notification.Channel
}

// DefaultChannels delivers to users and admins over SSE only.
func DefaultChannels() Channels {
	return Channels{
		Users:  []notification.Channel{notification.ChannelSSE},
		Admins: []notification.Channel{notification.ChannelSSE},
	}
}

// Service is the notification dispatcher.
type Service struct {
	notificationRepo notification.Repository
	sseHub           notification.SSEHub
	senders          map[notification.Channel]Sender
	channels         Channels
	ttl              time.Duration
	retryInitial     time.Duration
	retryMax         time.Duration
	batchSize        int
	inline           bool
	clock            func() time.Time
	logger           zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSender registers the sender for an external channel.
func WithSender(channel notification.Channel, sender Sender) Option {
	return func(s *Service) { s.senders[channel] = sender }
}

// WithChannels overrides DefaultChannels.
func WithChannels(c Channels) Option {
	return func(s *Service) { s.channels = c }
}

// WithTTL sets how long an undelivered row stays deliverable.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithRetryBackoff sets the exponential retry schedule.
func WithRetryBackoff(initial, maxInterval time.Duration) Option {
	return func(s *Service) {
		if initial > 0 {
			s.retryInitial = initial
		}
		if maxInterval > 0 {
			s.retryMax = maxInterval
		}
	}
}

// WithBatchSize bounds rows handled per processing pass.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInlineDelivery delivers new rows right after they are queued instead
// of waiting for the next processing pass.
func WithInlineDelivery(enabled bool) Option {
	return func(s *Service) { s.inline = enabled }
}

// WithClock overrides the time source used for retry scheduling.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a new notification service
func NewService(notificationRepo notification.Repository, sseHub notification.SSEHub, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		notificationRepo: notificationRepo,
		sseHub:           sseHub,
		senders:          make(map[notification.Channel]Sender),
		channels:         DefaultChannels(),
		ttl:              24 * time.Hour,
		retryInitial:     30 * time.Second,
		retryMax:         30 * time.Minute,
		batchSize:        100,
		clock:            func() time.Time { return time.Now().UTC() },
		logger:           logger.With().Str("service", "notification").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AfterCommit queues one row per recipient and channel for every committed
// entry. Failures are logged; the transition has already happened.
func (s *Service) AfterCommit(ctx context.Context, t *escrow.Transaction, entries []*escrow.LogEntry) {
	for _, e := range entries {
		created, err := s.Notify(ctx, t, e.Seq, string(e.Kind), recipientsFor(t, e))
		if err != nil {
			s.logger.Error().Err(err).
				Str("transaction_id", t.ID.String()).
				Str("kind", string(e.Kind)).
				Msg("failed to queue notifications")
		}
		s.deliverInline(ctx, created)
	}
}

// Remind queues a reminder for the current version of t.
func (s *Service) Remind(ctx context.Context, t *escrow.Transaction, event string) error {
	recipients := []Recipient{{ID: t.BuyerID, Role: string(escrow.RoleBuyer)}}
	if event != "payment_reminder" {
		recipients = partiesExcept(t, "")
	}
	created, err := s.Notify(ctx, t, t.Version, event, recipients)
	s.deliverInline(ctx, created)
	return err
}

// Notify queues event for the recipients and returns the rows it created.
// Rows that already exist for the same dedupe key are skipped.
func (s *Service) Notify(ctx context.Context, t *escrow.Transaction, seq int64, event string, recipients []Recipient) ([]*notification.Notification, error) {
	title, body := describe(t, event)
	payload, err := json.Marshal(eventPayload{
		TransactionID: t.ID,
		Reference:     t.Reference,
		Seq:           seq,
		Event:         event,
		State:         t.State,
		Amount:        t.Amount.StringFixed(2),
		Currency:      t.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	var created []*notification.Notification
	var errs error
	for _, r := range recipients {
		for _, ch := range s.channelsFor(r) {
			n := notification.NewNotification(t.ID, seq, event, ch, r.ID, title, body, payload)
			n.RecipientRole = r.Role
			n.Priority = priorityFor(event)
			if s.ttl > 0 {
				n.SetExpiry(n.CreatedAt.Add(s.ttl))
			}
			if err := s.notificationRepo.Create(ctx, n); err != nil {
				if errors.Is(err, notification.ErrDuplicate) {
					continue
				}
				errs = errors.Join(errs, fmt.Errorf("failed to create notification: %w", err))
				continue
			}
			created = append(created, n)
		}
	}
	if len(created) > 0 {
		s.logger.Debug().
			Str("transaction_id", t.ID.String()).
			Str("event", event).
			Int("count", len(created)).
			Msg("notifications queued")
	}
	return created, errs
}

func (s *Service) deliverInline(ctx context.Context, created []*notification.Notification) {
	if !s.inline {
		return
	}
	for _, n := range created {
		if err := s.deliver(ctx, n); err != nil {
			s.logger.Debug().Err(err).
				Str("notification_id", n.NotificationID.String()).
				Msg("inline delivery failed, left for retry")
		}
	}
}

func (s *Service) channelsFor(r Recipient) []notification.Channel {
	switch r.ID {
	case notification.RecipientAdmins:
		return s.channels.Admins
	case notification.RecipientSystem:
		return s.channels.System
	}
	return s.channels.Users
}

// SendNotification sends a notification through its channel
func (s *Service) SendNotification(ctx context.Context, notificationID uuid.UUID) error {
	n, err := s.notificationRepo.GetByID(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to get notification: %w", err)
	}
	if n == nil {
		return fmt.Errorf("notification not found: %s", notificationID)
	}
	return s.deliver(ctx, n)
}

func (s *Service) deliver(ctx context.Context, n *notification.Notification) error {
	attempt := notification.NewDeliveryAttempt(n.NotificationID, n.RetryCount+1)
	startTime := time.Now()

	if n.IsExpired() {
		_ = n.MarkExpired()
		if err := s.notificationRepo.Update(ctx, n); err != nil {
			s.logger.Warn().
				Str("notification_id", n.NotificationID.String()).
				Err(err).
				Msg("failed to persist expired status")
		}
		return notification.ErrExpired
	}

	// Persisted before sending so a crash never resends a delivered row as pending.
	if err := n.MarkSent(); err != nil {
		return fmt.Errorf("failed to mark notification as sent: %w", err)
	}
	if err := s.notificationRepo.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to persist sent status: %w", err)
	}

	var sendErr error
	switch n.Channel {
	case notification.ChannelSSE:
		sendErr = s.sendViaSSE(n)
	default:
		sender, ok := s.senders[n.Channel]
		if !ok {
			sendErr = backoff.Permanent(fmt.Errorf("unsupported channel: %s", n.Channel))
			break
		}
		sendErr = sender.Send(ctx, n)
	}

	attempt.DurationMs = int(time.Since(startTime).Milliseconds())

	if sendErr != nil {
		attempt.Status = notification.StatusFailed
		errMsg := sendErr.Error()
		attempt.ErrorMessage = &errMsg

		var permanent *backoff.PermanentError
		if errors.As(sendErr, &permanent) {
			_ = n.MarkPermanentlyFailed(errMsg)
		} else if err := n.MarkFailed(errMsg); err == nil && n.CanRetry() {
			n.ScheduleRetry(s.clock().Add(s.retryDelay(n.RetryCount)))
		}

		s.logger.Warn().
			Str("notification_id", n.NotificationID.String()).
			Str("channel", string(n.Channel)).
			Err(sendErr).
			Int("retry_count", n.RetryCount).
			Msg("notification send failed")
	} else {
		attempt.Status = notification.StatusDelivered
		_ = n.MarkDelivered()

		s.logger.Info().
			Str("notification_id", n.NotificationID.String()).
			Str("channel", string(n.Channel)).
			Int("duration_ms", attempt.DurationMs).
			Msg("notification delivered")
	}

	var persistErr error
	if err := s.notificationRepo.Update(ctx, n); err != nil {
		s.logger.Error().
			Str("notification_id", n.NotificationID.String()).
			Err(err).
			Msg("failed to persist final notification state")
		persistErr = err
	}
	if err := s.notificationRepo.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Warn().
			Str("notification_id", n.NotificationID.String()).
			Err(err).
			Msg("failed to record delivery attempt")
		persistErr = errors.Join(persistErr, err)
	}

	if sendErr != nil {
		return errors.Join(sendErr, persistErr)
	}
	return persistErr
}

// sendViaSSE pushes the row to connected clients. Nobody listening is not
// an error; the row still counts as delivered.
func (s *Service) sendViaSSE(n *notification.Notification) error {
	if s.sseHub == nil {
		return backoff.Permanent(errors.New("sse hub not configured"))
	}
	data, err := json.Marshal(n)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal sse message: %w", err))
	}
	msg := notification.NewSSEMessage(n.NotificationID.String(), n.Event, data)

	s.sseHub.Deliver(n.Recipient, n.TransactionID, msg)
	return nil
}

// retryDelay returns the wait before attempt number retryCount+1.
func (s *Service) retryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = s.retryMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := s.retryInitial
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// GetNotification retrieves a notification by ID
func (s *Service) GetNotification(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	n, err := s.notificationRepo.GetByID(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	if n == nil {
		return nil, fmt.Errorf("notification not found: %s", notificationID)
	}
	return n, nil
}

// ListNotifications lists notifications with filters
func (s *Service) ListNotifications(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	return s.notificationRepo.List(ctx, filter, limit, offset)
}

// GetDeliveryAttempts retrieves delivery attempts for a notification
func (s *Service) GetDeliveryAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	return s.notificationRepo.GetAttempts(ctx, notificationID)
}

// ProcessPendingNotifications delivers queued rows and returns how many
// were delivered.
func (s *Service) ProcessPendingNotifications(ctx context.Context) (int, error) {
	notifications, err := s.notificationRepo.ListPendingNotifications(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	processed := 0
	for _, n := range notifications {
		if err := s.deliver(ctx, n); err != nil {
			s.logger.Warn().
				Str("notification_id", n.NotificationID.String()).
				Err(err).
				Msg("failed to send pending notification")
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessRetryableNotifications retries failed rows whose backoff elapsed.
func (s *Service) ProcessRetryableNotifications(ctx context.Context) (int, error) {
	notifications, err := s.notificationRepo.ListRetryableNotifications(ctx, s.clock(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable notifications: %w", err)
	}

	retried := 0
	for _, n := range notifications {
		if err := n.ResetForRetry(); err != nil {
			s.logger.Warn().
				Str("notification_id", n.NotificationID.String()).
				Err(err).
				Msg("failed to reset notification for retry")
			continue
		}
		if err := s.notificationRepo.Update(ctx, n); err != nil {
			s.logger.Error().
				Str("notification_id", n.NotificationID.String()).
				Err(err).
				Msg("failed to persist notification reset state")
			continue
		}
		if err := s.deliver(ctx, n); err != nil {
			s.logger.Warn().
				Str("notification_id", n.NotificationID.String()).
				Err(err).
				Int("retry_count", n.RetryCount).
				Msg("retry failed")
			continue
		}
		retried++
	}
	return retried, nil
}

// ExpireNotifications expires undelivered rows past their TTL.
func (s *Service) ExpireNotifications(ctx context.Context) (int64, error) {
	return s.notificationRepo.ExpireNotifications(ctx, s.clock())
}

// Process runs one expire, retry and deliver pass.
func (s *Service) Process(ctx context.Context) {
	if n, err := s.ExpireNotifications(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to expire notifications")
	} else if n > 0 {
		s.logger.Info().Int64("count", n).Msg("notifications expired")
	}
	if _, err := s.ProcessRetryableNotifications(ctx); err != nil {
		s.logger.Error().Err(err).Msg("retry pass failed")
	}
	if _, err := s.ProcessPendingNotifications(ctx); err != nil {
		s.logger.Error().Err(err).Msg("delivery pass failed")
	}
}

// Run processes the outbox every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Process(ctx)
		}
	}
}

// GetSSEClientCount returns the number of connected SSE clients
func (s *Service) GetSSEClientCount() int {
	if s.sseHub == nil {
		return 0
	}
	return s.sseHub.ClientCount()
}
