// Package dispatch drains the notification candidate queue into the outbound
// webhook.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/audit"
	"github.com/lalithlochan/uarflow/internal/circuitbreaker"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/metrics"
)

const (
	configGroup   = "NOTIFICATION"
	keyWebhookURL = "WEBHOOK_URL"
	keyDefaultCC  = "DEFAULT_CC"

	picPrefix = "PIC_"
)

// ErrNoWebhook aborts a run before anything is claimed.
var ErrNoWebhook = errors.New("webhook url not configured")

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	ConfigValues(ctx context.Context, group string, at time.Time) (map[string]string, error)
	ClaimPending(ctx context.Context, limit int) ([]*db.NotificationCandidate, error)
	HasHistory(ctx context.Context, requestID, itemCode string) (bool, error)
	FindEmployeeRecipient(ctx context.Context, noreg string) (*db.Recipient, error)
	FindPicRecipient(ctx context.Context, divisionID string) (*db.Recipient, error)
	FindTemplates(ctx context.Context, itemCode, locale string) ([]*db.Template, error)
	CountOpenTasks(ctx context.Context, uarID, approverID string) (int, error)
	InsertHistory(ctx context.Context, h *db.NotificationHistory) error
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error
	RequeueFailed(ctx context.Context, id uuid.UUID) (*db.NotificationCandidate, error)
	ReleaseClaims(ctx context.Context, ids []uuid.UUID) (int, error)
}

// Poster delivers one payload.
type Poster interface {
	Post(ctx context.Context, url string, p *Payload) error
}

type Config struct {
	BatchSize int
	Locale    string
}

// Summary reports one dispatch run.
type Summary struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	// Released candidates went back to PENDING unattempted.
	Released int `json:"released"`
}

type Dispatcher struct {
	store  Store
	poster Poster
	audit  audit.Sink
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, poster Poster, sink audit.Sink, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Locale == "" {
		cfg.Locale = "id"
	}
	if sink == nil {
		sink = audit.Nop{}
	}

	return &Dispatcher{
		store:  store,
		poster: poster,
		audit:  sink,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

type settings struct {
	webhookURL string
	cc         string
}

type outcome int

const (
	sent outcome = iota
	failed
	skipped
	deferred
)

// Run claims one batch of pending candidates and delivers each of them.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	values, err := d.store.ConfigValues(ctx, configGroup, d.now())
	if err != nil {
		return nil, fmt.Errorf("load notification config: %w", err)
	}
	s := settings{
		webhookURL: strings.TrimSpace(values[keyWebhookURL]),
		cc:         strings.TrimSpace(values[keyDefaultCC]),
	}
	if s.webhookURL == "" {
		return nil, ErrNoWebhook
	}

	candidates, err := d.store.ClaimPending(ctx, d.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}

	summary := &Summary{Claimed: len(candidates)}
	for i, c := range candidates {
		o := d.process(ctx, s, c)
		if o == deferred {
			summary.Released = d.release(candidates[i:])
			break
		}
		switch o {
		case sent:
			summary.Sent++
		case failed:
			summary.Failed++
		case skipped:
			summary.Skipped++
		}
	}

	if summary.Claimed > 0 {
		d.logger.Info("dispatch run completed",
			zap.Int("claimed", summary.Claimed),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("released", summary.Released),
		)
	}

	return summary, nil
}

func (d *Dispatcher) process(ctx context.Context, s settings, c *db.NotificationCandidate) outcome {
	logger := d.logger.With(
		zap.String("id", c.ID.String()),
		zap.String("request_id", c.RequestID),
		zap.String("item_code", c.ItemCode),
	)

	done, err := d.store.HasHistory(ctx, c.RequestID, c.ItemCode)
	if err != nil {
		return d.fail(ctx, logger, c, fmt.Errorf("check history: %w", err))
	}
	if done {
		if err := d.store.UpdateNotificationStatus(ctx, c.ID, db.StatusSent, nil); err != nil {
			logger.Error("failed to mark duplicate as sent", zap.Error(err))
		}
		metrics.RecordNotificationDispatched("skipped")
		d.record(ctx, audit.NotificationSkipped, c, nil)
		logger.Info("notification already delivered, skipping")
		return skipped
	}

	recipient, err := d.recipient(ctx, c)
	if err != nil {
		return d.fail(ctx, logger, c, err)
	}

	payload, channels, err := d.buildPayload(ctx, s, c, recipient)
	if err != nil {
		return d.fail(ctx, logger, c, err)
	}

	if err := d.poster.Post(ctx, s.webhookURL, payload); err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			// nothing was sent; the rest of the batch waits for the next run
			logger.Warn("webhook circuit open, stopping batch", zap.Error(err))
			return deferred
		}
		return d.fail(ctx, logger, c, err)
	}

	address := recipient.Email
	if address == "" {
		address = recipient.TeamsID
	}
	err = d.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := d.store.InsertHistory(ctx, &db.NotificationHistory{
			RequestID: c.RequestID,
			ItemCode:  c.ItemCode,
			Channel:   strings.Join(channels, ","),
			Recipient: address,
			SentAt:    d.now(),
		}); err != nil {
			return err
		}
		return d.store.UpdateNotificationStatus(ctx, c.ID, db.StatusSent, nil)
	})
	if err != nil {
		// delivered but unrecorded rows stay PROCESSING
		logger.Error("notification delivered but not recorded", zap.Error(err))
		metrics.RecordNotificationDispatched(strings.ToLower(db.StatusFailed))
		return failed
	}

	metrics.RecordNotificationDispatched(strings.ToLower(db.StatusSent))
	d.record(ctx, audit.NotificationSent, c, map[string]string{"recipient": recipient.ID})
	logger.Info("notification sent", zap.String("recipient", recipient.ID))
	return sent
}

// release returns unattempted candidates to PENDING.
func (d *Dispatcher) release(rest []*db.NotificationCandidate) int {
	ids := make([]uuid.UUID, 0, len(rest))
	for _, c := range rest {
		ids = append(ids, c.ID)
	}

	// own deadline so a cancelled run still hands its claims back
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := d.store.ReleaseClaims(ctx, ids)
	if err != nil {
		d.logger.Error("failed to release claimed candidates", zap.Error(err), zap.Int("count", len(ids)))
		return 0
	}
	return n
}

func (d *Dispatcher) fail(ctx context.Context, logger *zap.Logger, c *db.NotificationCandidate, cause error) outcome {
	msg := cause.Error()
	logger.Error("failed to dispatch notification", zap.Error(cause))

	if err := d.store.UpdateNotificationStatus(ctx, c.ID, db.StatusFailed, &msg); err != nil {
		logger.Error("failed to mark notification failed", zap.Error(err))
	}
	metrics.RecordNotificationDispatched(strings.ToLower(db.StatusFailed))
	d.record(ctx, audit.NotificationFailed, c, map[string]string{"error": msg})
	return failed
}

func (d *Dispatcher) recipient(ctx context.Context, c *db.NotificationCandidate) (*db.Recipient, error) {
	var (
		r   *db.Recipient
		err error
	)
	if strings.HasPrefix(c.ItemCode, picPrefix) {
		r, err = d.store.FindPicRecipient(ctx, c.DivisionID)
	} else {
		r, err = d.store.FindEmployeeRecipient(ctx, c.ApproverID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if r.Email == "" && r.TeamsID == "" {
		return nil, fmt.Errorf("recipient %s has no address", r.ID)
	}
	return r, nil
}

func (d *Dispatcher) buildPayload(ctx context.Context, s settings, c *db.NotificationCandidate, r *db.Recipient) (*Payload, []string, error) {
	templates, err := d.store.FindTemplates(ctx, c.ItemCode, d.config.Locale)
	if err != nil {
		return nil, nil, fmt.Errorf("load templates: %w", err)
	}

	var email, teams *db.Template
	for _, t := range templates {
		switch t.Channel {
		case db.ChannelEmail:
			email = t
		case db.ChannelTeams:
			teams = t
		}
	}
	if email == nil && teams == nil {
		return nil, nil, fmt.Errorf("no template for %s (%s)", c.ItemCode, d.config.Locale)
	}

	tasks, err := d.store.CountOpenTasks(ctx, c.UarID, c.ApproverID)
	if err != nil {
		return nil, nil, fmt.Errorf("count open tasks: %w", err)
	}

	due := ""
	if c.DueDate != nil {
		due = c.DueDate.Format("2006-01-02")
	}

	render := placeholders(r.Name, c, due, tasks)
	p := &Payload{
		RecipientEmail:   r.Email,
		RecipientTeamsID: r.TeamsID,
		CCEmail:          s.cc,
		ItemCode:         c.ItemCode,
		RequestID:        c.RequestID,
		DueDate:          due,
		TaskCount:        tasks,
	}

	var channels []string
	if email != nil {
		p.EmailSubject = render.Replace(email.Subject)
		p.EmailBodyCode = render.Replace(email.Body)
		channels = append(channels, db.ChannelEmail)
	}
	if teams != nil {
		p.TeamsSubject = render.Replace(teams.Subject)
		p.TeamsBodyCode = render.Replace(teams.Body)
		channels = append(channels, db.ChannelTeams)
	}

	return p, channels, nil
}

func placeholders(name string, c *db.NotificationCandidate, due string, tasks int) *strings.Replacer {
	return strings.NewReplacer(
		"{{name}}", name,
		"{{requestId}}", c.RequestID,
		"{{uarId}}", c.UarID,
		"{{itemCode}}", c.ItemCode,
		"{{dueDate}}", due,
		"{{taskCount}}", strconv.Itoa(tasks),
	)
}

// Requeue moves a FAILED candidate back to PENDING.
func (d *Dispatcher) Requeue(ctx context.Context, id uuid.UUID, actor string) (*db.NotificationCandidate, error) {
	c, err := d.store.RequeueFailed(ctx, id)
	if err != nil {
		return nil, err
	}

	d.logger.Info("notification requeued",
		zap.String("id", id.String()),
		zap.String("actor", actor),
	)
	d.audit.Record(ctx, audit.Event{
		Type:       audit.NotificationRequeued,
		Subject:    c.RequestID,
		Actor:      actor,
		Attributes: map[string]string{"id": id.String(), "item_code": c.ItemCode},
	})
	return c, nil
}

func (d *Dispatcher) record(ctx context.Context, typ string, c *db.NotificationCandidate, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["id"] = c.ID.String()
	attrs["item_code"] = c.ItemCode
	d.audit.Record(ctx, audit.Event{Type: typ, Subject: c.RequestID, Attributes: attrs})
}
