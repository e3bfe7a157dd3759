// Package audit records engine events. Recording never fails the caller:
// sinks log and drop instead of returning errors.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event types
const (
	CampaignGenerated    = "campaign_generated"
	ReminderQueued       = "reminder_queued"
	NotificationSent     = "notification_sent"
	NotificationFailed   = "notification_failed"
	NotificationSkipped  = "notification_skipped"
	NotificationRequeued = "notification_requeued"
	PicSyncCompleted     = "pic_sync_completed"
)

// Event is one audit record.
type Event struct {
	Type       string            `json:"type"`
	Subject    string            `json:"subject"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// LogSink writes events synchronously to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event_type", e.Type),
		zap.String("subject", e.Subject),
		zap.Time("occurred_at", stamp(e).OccurredAt),
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor", e.Actor))
	}
	for k, v := range e.Attributes {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("audit event", fields...)
}

// Multi fans one event out to several sinks in order.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	e = stamp(e)
	for _, s := range m {
		s.Record(ctx, e)
	}
}

func stamp(e Event) Event {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e
}
