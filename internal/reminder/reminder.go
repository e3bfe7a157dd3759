// Package reminder drives the daily escalation chain of pending system owner
// approvals.
package reminder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/audit"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/metrics"
)

// MaxDay is the last day that produces a reminder. Requests pending longer
// are left alone.
const MaxDay = 7

const codePrefix = "REMINDER_"

// Code returns the item code of the reminder for day n.
func Code(n int) string {
	return codePrefix + strconv.Itoa(n)
}

// NextReminderCode returns the reminder to queue for a request pending
// daysPending whole days whose most recently sent reminder is last ("" when
// none). A missed day stalls the chain instead of skipping ahead.
func NextReminderCode(daysPending int, last string) (string, bool) {
	if daysPending < 1 || daysPending > MaxDay {
		return "", false
	}
	if daysPending == 1 {
		if last == "" {
			return Code(1), true
		}
		return "", false
	}
	if last == Code(daysPending-1) {
		return Code(daysPending), true
	}
	return "", false
}

// DaysPending counts whole days between createdAt and now.
func DaysPending(createdAt, now time.Time) int {
	if now.Before(createdAt) {
		return 0
	}
	return int(now.Sub(createdAt) / (24 * time.Hour))
}

type Store interface {
	ListPendingSystemOwnerItems(ctx context.Context, createdAfter time.Time) ([]*db.PendingRequest, error)
	LastReminderCode(ctx context.Context, requestID string) (string, error)
	SystemOwner(ctx context.Context, applicationID string) (string, error)
	EnqueueNotification(ctx context.Context, c *db.NotificationCandidate) (bool, error)
}

// Summary reports one reminder run.
type Summary struct {
	Considered int `json:"considered"`
	Queued     int `json:"queued"`
	Failed     int `json:"failed"`
}

type Engine struct {
	store  Store
	audit  audit.Sink
	logger *zap.Logger
}

func New(store Store, sink audit.Sink, logger *zap.Logger) *Engine {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Engine{store: store, audit: sink, logger: logger}
}

type owner struct {
	noreg string
	err   error
}

// Run queues the next reminder for every pending request in the 1..7 day
// window. Per request failures are logged and skipped.
func (e *Engine) Run(ctx context.Context, now time.Time) (*Summary, error) {
	pending, err := e.store.ListPendingSystemOwnerItems(ctx, now.Add(-(MaxDay+1)*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}

	summary := &Summary{}
	owners := make(map[string]owner)

	for _, p := range pending {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		days := DaysPending(p.CreatedAt, now)
		if days < 1 || days > MaxDay {
			continue
		}
		summary.Considered++

		if err := e.remind(ctx, p, days, owners, summary); err != nil {
			summary.Failed++
			e.logger.Error("failed to queue reminder",
				zap.Error(err),
				zap.String("uar_id", p.UarID),
				zap.String("username", p.Username),
				zap.String("role_id", p.RoleID),
				zap.Int("days_pending", days),
			)
		}
	}

	e.logger.Info("reminder run completed",
		zap.Int("pending", len(pending)),
		zap.Int("considered", summary.Considered),
		zap.Int("queued", summary.Queued),
		zap.Int("failed", summary.Failed),
	)

	return summary, nil
}

func (e *Engine) remind(ctx context.Context, p *db.PendingRequest, days int, owners map[string]owner, summary *Summary) error {
	requestID := db.RequestID(p.UarID, p.Username, p.RoleID)

	last, err := e.store.LastReminderCode(ctx, requestID)
	if err != nil {
		return err
	}

	code, ok := NextReminderCode(days, last)
	if !ok {
		return nil
	}

	o, cached := owners[p.ApplicationID]
	if !cached {
		o.noreg, o.err = e.store.SystemOwner(ctx, p.ApplicationID)
		owners[p.ApplicationID] = o
	}
	if o.err != nil {
		return fmt.Errorf("resolve approver: %w", o.err)
	}

	queued, err := e.store.EnqueueNotification(ctx, &db.NotificationCandidate{
		RequestID:  requestID,
		UarID:      p.UarID,
		ItemCode:   code,
		ApproverID: o.noreg,
		DivisionID: p.DivisionID,
	})
	if err != nil {
		return err
	}
	if !queued {
		e.logger.Debug("reminder already queued or sent",
			zap.String("request_id", requestID),
			zap.String("item_code", code),
		)
		return nil
	}

	summary.Queued++
	metrics.RecordReminderQueued(code)
	e.audit.Record(ctx, audit.Event{
		Type:    audit.ReminderQueued,
		Subject: requestID,
		Attributes: map[string]string{
			"item_code":    code,
			"approver_id":  o.noreg,
			"days_pending": strconv.Itoa(days),
		},
	})
	return nil
}
