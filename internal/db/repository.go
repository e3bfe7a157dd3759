package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles all SQL for the engine. Calls made with a context
// produced by WithinTx run inside that transaction.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// WithinTx runs fn in a single database transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithinTx(ctx, fn)
}

// Health checks database connectivity.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// ConfigValues returns the key/value pairs of group valid at the given day.
// When several rows are valid for one key the latest valid_from wins.
func (r *Repository) ConfigValues(ctx context.Context, group string, at time.Time) (map[string]string, error) {
	query := `
		SELECT DISTINCT ON (config_key) config_key, config_value
		FROM uar_configs
		WHERE config_group = $1
		  AND valid_from <= $2::date
		  AND (valid_to IS NULL OR valid_to >= $2::date)
		ORDER BY config_key, valid_from DESC
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, group, at)
	if err != nil {
		return nil, fmt.Errorf("query config %s: %w", group, err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return values, nil
}

// ListDueCampaigns returns schedules whose review window starts on day and
// whose application still has unprocessed access mappings.
func (r *Repository) ListDueCampaigns(ctx context.Context, day time.Time) ([]*CampaignSchedule, error) {
	query := `
		SELECT s.application_id, s.review_start_date
		FROM uar_schedules s
		WHERE s.review_start_date = $1::date
		  AND EXISTS (
			SELECT 1 FROM uar_access_mappings m
			WHERE m.application_id = s.application_id
			  AND m.process_status = $2
		  )
		ORDER BY s.application_id
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, day, ProcessPending)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var schedules []*CampaignSchedule
	for rows.Next() {
		var s CampaignSchedule
		if err := rows.Scan(&s.ApplicationID, &s.ReviewStartDate); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return schedules, nil
}

// ListOpenSyncWindows returns applications whose PIC sync window covers day.
func (r *Repository) ListOpenSyncWindows(ctx context.Context, day time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT application_id
		FROM uar_schedules
		WHERE sync_start_date <= $1::date
		  AND sync_end_date >= $1::date
		ORDER BY application_id
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("query sync windows: %w", err)
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, fmt.Errorf("scan sync window: %w", err)
		}
		apps = append(apps, app)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return apps, nil
}

// FindTemplates returns the active templates for an item code and locale.
func (r *Repository) FindTemplates(ctx context.Context, itemCode, locale string) ([]*Template, error) {
	query := `
		SELECT item_code, locale, channel, subject, body
		FROM uar_notification_templates
		WHERE item_code = $1 AND locale = $2 AND is_active
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, itemCode, locale)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ItemCode, &t.Locale, &t.Channel, &t.Subject, &t.Body); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return templates, nil
}

// FindEmployeeRecipient resolves an employee by noreg from the most recent
// valid directory snapshot.
func (r *Repository) FindEmployeeRecipient(ctx context.Context, noreg string) (*Recipient, error) {
	query := `
		SELECT noreg, name, COALESCE(email, ''), COALESCE(teams_id, email, '')
		FROM uar_employees
		WHERE noreg = $1
		  AND valid_from <= CURRENT_DATE
		  AND (valid_to IS NULL OR valid_to >= CURRENT_DATE)
		ORDER BY valid_from DESC
		LIMIT 1
	`

	var rec Recipient
	err := r.db.conn(ctx).QueryRow(ctx, query, noreg).Scan(&rec.ID, &rec.Name, &rec.Email, &rec.TeamsID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("employee %s: %w", noreg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query employee: %w", err)
	}

	return &rec, nil
}

// FindPicRecipient resolves the person in charge of a division. The oldest
// record wins when a division has several.
func (r *Repository) FindPicRecipient(ctx context.Context, divisionID string) (*Recipient, error) {
	query := `
		SELECT id, name, COALESCE(mail, ''), COALESCE(mail, '')
		FROM uar_pic_records
		WHERE division_id = $1
		ORDER BY created_at, id
		LIMIT 1
	`

	var rec Recipient
	err := r.db.conn(ctx).QueryRow(ctx, query, divisionID).Scan(&rec.ID, &rec.Name, &rec.Email, &rec.TeamsID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pic for division %s: %w", divisionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query pic: %w", err)
	}

	return &rec, nil
}

// SystemOwner returns the registered system owner noreg of an application.
func (r *Repository) SystemOwner(ctx context.Context, applicationID string) (string, error) {
	query := `SELECT COALESCE(system_owner_noreg, '') FROM uar_applications WHERE application_id = $1`

	var noreg string
	err := r.db.conn(ctx).QueryRow(ctx, query, applicationID).Scan(&noreg)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && noreg == "") {
		return "", fmt.Errorf("system owner of %s: %w", applicationID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query system owner: %w", err)
	}

	return noreg, nil
}
