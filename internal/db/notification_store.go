package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const candidateColumns = `
	id, request_id, uar_id, item_code, approver_id, division_id,
	due_date, status, error_message, created_at, updated_at
`

func scanCandidate(row pgx.Row) (*NotificationCandidate, error) {
	var c NotificationCandidate
	err := row.Scan(
		&c.ID,
		&c.RequestID,
		&c.UarID,
		&c.ItemCode,
		&c.ApproverID,
		&c.DivisionID,
		&c.DueDate,
		&c.Status,
		&c.ErrorMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnqueueNotification queues a candidate unless the (request, item code) pair
// was already sent or is already waiting. Returns whether a row was queued.
func (r *Repository) EnqueueNotification(ctx context.Context, c *NotificationCandidate) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	query := `
		INSERT INTO uar_notification_queue (
			id, request_id, uar_id, item_code, approver_id, division_id, due_date, status
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM uar_notification_history h
			WHERE h.request_id = $2 AND h.item_code = $4
		)
		ON CONFLICT (request_id, item_code) WHERE status IN ('PENDING', 'PROCESSING') DO NOTHING
	`

	result, err := r.db.conn(ctx).Exec(ctx, query,
		c.ID,
		c.RequestID,
		c.UarID,
		c.ItemCode,
		c.ApproverID,
		c.DivisionID,
		c.DueDate,
		StatusPending,
	)
	if err != nil {
		r.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("request_id", c.RequestID),
			zap.String("item_code", c.ItemCode),
		)
		return false, fmt.Errorf("enqueue notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return false, nil
	}

	c.Status = StatusPending
	return true, nil
}

// ClaimPending moves up to limit PENDING candidates to PROCESSING and returns
// them. Rows locked by a concurrent claim are skipped.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]*NotificationCandidate, error) {
	query := `
		UPDATE uar_notification_queue
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM uar_notification_queue
			WHERE status = $2
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + candidateColumns

	rows, err := r.db.conn(ctx).Query(ctx, query, StatusProcessing, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending notifications: %w", err)
	}
	defer rows.Close()

	var claimed []*NotificationCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		claimed = append(claimed, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return claimed, nil
}

// UpdateNotificationStatus sets the final status of a candidate.
func (r *Repository) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	query := `
		UPDATE uar_notification_queue
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.conn(ctx).Exec(ctx, query, status, errorMsg, id)
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return fmt.Errorf("update notification status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	return nil
}

// ReleaseClaims moves PROCESSING candidates back to PENDING.
func (r *Repository) ReleaseClaims(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	query := `
		UPDATE uar_notification_queue
		SET status = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[]) AND status = $3
	`

	result, err := r.db.conn(ctx).Exec(ctx, query, StatusPending, keys, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// RequeueFailed moves a FAILED candidate back to PENDING.
func (r *Repository) RequeueFailed(ctx context.Context, id uuid.UUID) (*NotificationCandidate, error) {
	query := `
		UPDATE uar_notification_queue
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING ` + candidateColumns

	c, err := scanCandidate(r.db.conn(ctx).QueryRow(ctx, query, StatusPending, id, StatusFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue notification: %w", err)
	}

	r.logger.Info("notification requeued",
		zap.String("notification_id", id.String()),
		zap.String("request_id", c.RequestID),
		zap.String("item_code", c.ItemCode),
	)

	return c, nil
}

// HasHistory reports whether (requestID, itemCode) was already sent.
func (r *Repository) HasHistory(ctx context.Context, requestID, itemCode string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM uar_notification_history
			WHERE request_id = $1 AND item_code = $2
		)
	`

	var exists bool
	if err := r.db.conn(ctx).QueryRow(ctx, query, requestID, itemCode).Scan(&exists); err != nil {
		return false, fmt.Errorf("check history: %w", err)
	}

	return exists, nil
}

// LastReminderCode returns the most recently sent REMINDER_* code for a
// request, or "" when none was sent.
func (r *Repository) LastReminderCode(ctx context.Context, requestID string) (string, error) {
	query := `
		SELECT item_code
		FROM uar_notification_history
		WHERE request_id = $1 AND item_code LIKE 'REMINDER\_%'
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`

	var code string
	err := r.db.conn(ctx).QueryRow(ctx, query, requestID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last reminder: %w", err)
	}

	return code, nil
}

// InsertHistory appends a history row. A row that already exists for the
// pair is left as is.
func (r *Repository) InsertHistory(ctx context.Context, h *NotificationHistory) error {
	query := `
		INSERT INTO uar_notification_history (request_id, item_code, channel, recipient)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, item_code) DO NOTHING
		RETURNING id, sent_at
	`

	err := r.db.conn(ctx).QueryRow(ctx, query, h.RequestID, h.ItemCode, h.Channel, h.Recipient).Scan(&h.ID, &h.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Warn("history already recorded",
			zap.String("request_id", h.RequestID),
			zap.String("item_code", h.ItemCode),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return nil
}
