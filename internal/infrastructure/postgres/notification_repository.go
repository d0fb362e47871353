package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// NotificationRepository implements notification.Repository.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `id, notification_id, transaction_id, seq, event, dedupe_key, channel, priority, recipient, recipient_role, title, body, payload, status, retry_count, max_retries, last_error, next_attempt_at, expires_at, created_at, sent_at, delivered_at, failed_at`

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications
		(notification_id, transaction_id, seq, event, dedupe_key, channel, priority, recipient, recipient_role, title, body, payload, status, retry_count, max_retries, last_error, next_attempt_at, expires_at, created_at, sent_at, delivered_at, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING id
	`, n.NotificationID, n.TransactionID, n.Seq, n.Event, n.DedupeKey, n.Channel, n.Priority, n.Recipient, n.RecipientRole, n.Title, n.Body, n.Payload, n.Status, n.RetryCount, n.MaxRetries, n.LastError, n.NextAttemptAt, n.ExpiresAt, n.CreatedAt, n.SentAt, n.DeliveredAt, n.FailedAt).Scan(&n.ID)
	if isUniqueViolation(err) {
		return notification.ErrDuplicate
	}
	return err
}

func (r *NotificationRepository) GetByID(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE notification_id=$1`, notificationID)
	return scanNotification(row)
}

func (r *NotificationRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE transaction_id=$1 ORDER BY id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (r *NotificationRepository) FindByDedupeKey(ctx context.Context, dedupeKey string) (*notification.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE dedupe_key=$1`, dedupeKey)
	return scanNotification(row)
}

func (r *NotificationRepository) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	args := []interface{}{}
	idx := 1
	if filter.TransactionID != nil {
		query += addWhere(query) + " transaction_id=$" + itoa(idx)
		args = append(args, *filter.TransactionID)
		idx++
	}
	if filter.Channel != nil {
		query += addWhere(query) + " channel=$" + itoa(idx)
		args = append(args, *filter.Channel)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Recipient != nil {
		query += addWhere(query) + " recipient=$" + itoa(idx)
		args = append(args, *filter.Recipient)
		idx++
	}
	if filter.Since != nil {
		query += addWhere(query) + " created_at >= $" + itoa(idx)
		args = append(args, *filter.Since)
		idx++
	}
	if filter.Until != nil {
		query += addWhere(query) + " created_at <= $" + itoa(idx)
		args = append(args, *filter.Until)
		idx++
	}
	query += " ORDER BY id ASC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Notification) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status=$1, retry_count=$2, max_retries=$3, last_error=$4, next_attempt_at=$5, expires_at=$6, sent_at=$7, delivered_at=$8, failed_at=$9
		WHERE notification_id=$10
	`, n.Status, n.RetryCount, n.MaxRetries, n.LastError, n.NextAttemptAt, n.ExpiresAt, n.SentAt, n.DeliveredAt, n.FailedAt, n.NotificationID)
	return err
}

func (r *NotificationRepository) RecordAttempt(ctx context.Context, attempt *notification.DeliveryAttempt) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO notification_attempts
		(notification_id, attempt_number, status, attempted_at, error_message, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, attempt.NotificationID, attempt.AttemptNumber, attempt.Status, attempt.AttemptedAt, attempt.ErrorMessage, attempt.DurationMs).Scan(&attempt.ID)
}

func (r *NotificationRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, notification_id, attempt_number, status, attempted_at, error_message, duration_ms
		FROM notification_attempts WHERE notification_id=$1 ORDER BY attempted_at ASC
	`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*notification.DeliveryAttempt
	for rows.Next() {
		var a notification.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.AttemptNumber, &a.Status, &a.AttemptedAt, &a.ErrorMessage, &a.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) ListPendingNotifications(ctx context.Context, limit int) ([]*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications WHERE status='PENDING' ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (r *NotificationRepository) ListRetryableNotifications(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status='FAILED' AND retry_count < max_retries
		  AND (expires_at IS NULL OR expires_at > $1)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY id ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (r *NotificationRepository) ExpireNotifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status='EXPIRED', next_attempt_at=NULL
		WHERE status IN ('PENDING','FAILED') AND expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func collectNotifications(rows pgx.Rows) ([]*notification.Notification, error) {
	defer rows.Close()
	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (*notification.Notification, error) {
	var n notification.Notification
	var payload []byte
	if err := row.Scan(&n.ID, &n.NotificationID, &n.TransactionID, &n.Seq, &n.Event, &n.DedupeKey, &n.Channel, &n.Priority, &n.Recipient, &n.RecipientRole, &n.Title, &n.Body, &payload, &n.Status, &n.RetryCount, &n.MaxRetries, &n.LastError, &n.NextAttemptAt, &n.ExpiresAt, &n.CreatedAt, &n.SentAt, &n.DeliveredAt, &n.FailedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(payload) > 0 {
		n.Payload = payload
	}
	return &n, nil
}
