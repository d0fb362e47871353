// Package mailgun delivers EMAIL notifications through Mailgun.
package mailgun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// AddressBook resolves a recipient to an email address.
type AddressBook interface {
	Address(ctx context.Context, recipient string) (string, error)
}

// StaticAddressBook maps user ids that are not already addresses to
// <id>@<Domain>; the admins recipient maps to Admins.
type StaticAddressBook struct {
	Domain string
	Admins string
}

func (b StaticAddressBook) Address(_ context.Context, recipient string) (string, error) {
	if recipient == notification.RecipientAdmins {
		if b.Admins == "" {
			return "", errors.New("no admin address configured")
		}
		return b.Admins, nil
	}
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}
	if b.Domain == "" {
		return "", fmt.Errorf("no address for %s", recipient)
	}
	return recipient + "@" + b.Domain, nil
}

// Config holds the Mailgun account settings.
type Config struct {
	Domain     string
	APIKey     string
	APIBase    string
	SenderName string
	Sender     string
	Timeout    time.Duration
}

// Sender implements the EMAIL channel.
type Sender struct {
	mg      mailgun.Mailgun
	from    string
	book    AddressBook
	timeout time.Duration
	logger  zerolog.Logger
}

func NewSender(cfg Config, book AddressBook, logger zerolog.Logger) *Sender {
	mg := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.APIBase != "" {
		mg.SetAPIBase(cfg.APIBase)
	}
	from := cfg.Sender
	if cfg.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.SenderName, cfg.Sender)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Sender{
		mg:      mg,
		from:    from,
		book:    book,
		timeout: timeout,
		logger:  logger.With().Str("service", "mailgun").Logger(),
	}
}

func (s *Sender) Send(ctx context.Context, n *notification.Notification) error {
	to, err := s.book.Address(ctx, n.Recipient)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("resolve address: %w", err))
	}

	message := s.mg.NewMessage(s.from, n.Title, n.Body, to)
	message.AddHeader("X-Escrow-Transaction", n.TransactionID.String())
	message.AddTag(n.Event)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, id, err := s.mg.Send(ctx, message)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("notification_id", n.NotificationID.String()).
			Str("mailgun_resp", resp).
			Msg("mailgun send failed")
		var unexpected *mailgun.UnexpectedResponseError
		if errors.As(err, &unexpected) && unexpected.Actual >= 400 && unexpected.Actual < 500 &&
			unexpected.Actual != http.StatusTooManyRequests {
			return backoff.Permanent(fmt.Errorf("mailgun rejected message: %w", err))
		}
		return fmt.Errorf("mailgun send failed: %w", err)
	}

	s.logger.Debug().
		Str("notification_id", n.NotificationID.String()).
		Str("mailgun_id", id).
		Msg("email queued")
	return nil
}
