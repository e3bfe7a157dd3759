// Package reconcile merges person-in-charge candidates from several upstream
// sources into the PIC table. Existing records are never updated.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/uarflow/internal/audit"
	"github.com/lalithlochan/uarflow/internal/circuitbreaker"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/metrics"
)

type Store interface {
	ExistingPicIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertPicRecords(ctx context.Context, records []*db.PicRecord) (int, error)
}

type Config struct {
	// SourceTimeout bounds each source call.
	SourceTimeout time.Duration
}

// Report summarizes one sync run.
type Report struct {
	ApplicationID string `json:"applicationId"`
	Fetched       int    `json:"fetched"`
	Duplicates    int    `json:"duplicates"`
	Invalid       int    `json:"invalid"`
	Inserted      int    `json:"inserted"`
	FailedSources int    `json:"failedSources"`
}

type guardedSource struct {
	Source
	breaker *circuitbreaker.CircuitBreaker
}

type Syncer struct {
	store    Store
	sources  []guardedSource
	validate *validator.Validate
	audit    audit.Sink
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, sources []Source, cfg Config, sink audit.Sink, logger *zap.Logger) *Syncer {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = audit.Nop{}
	}

	guarded := make([]guardedSource, 0, len(sources))
	for _, src := range sources {
		bc := circuitbreaker.DefaultConfig(src.Name())
		bc.MaxFailures = 3
		bc.RecoveryTimeout = 5 * time.Minute
		bc.CallTimeout = cfg.SourceTimeout
		guarded = append(guarded, guardedSource{Source: src, breaker: circuitbreaker.New(bc, logger)})
	}

	return &Syncer{
		store:    store,
		sources:  guarded,
		validate: validator.New(),
		audit:    sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Run fetches every source, merges the results and inserts the PIC records
// that do not exist yet.
func (s *Syncer) Run(ctx context.Context, applicationID string) (*Report, error) {
	report := &Report{ApplicationID: applicationID}

	fetched, failed := s.fetchAll(ctx, applicationID)
	report.FailedSources = failed
	for _, list := range fetched {
		report.Fetched += len(list.items)
	}

	unique := dedupe(fetched)
	report.Duplicates = report.Fetched - len(unique)
	if report.Duplicates > 0 {
		s.logger.Info("discarded duplicate pic candidates",
			zap.String("application_id", applicationID),
			zap.Int("duplicates", report.Duplicates),
		)
	}

	valid := make([]sourced, 0, len(unique))
	for _, c := range unique {
		if err := s.validate.Struct(c.Candidate); err != nil {
			report.Invalid++
			s.logger.Warn("dropping invalid pic candidate",
				zap.String("source", c.source),
				zap.String("id", c.ID),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, c)
	}

	inserted, err := s.persist(ctx, applicationID, valid)
	if err != nil {
		return nil, err
	}
	report.Inserted = inserted

	s.commit(ctx)

	metrics.RecordPicRecords(applicationID, "inserted", report.Inserted)
	metrics.RecordPicRecords(applicationID, "duplicate", report.Duplicates)
	metrics.RecordPicRecords(applicationID, "invalid", report.Invalid)

	s.logger.Info("pic sync completed",
		zap.String("application_id", applicationID),
		zap.Int("fetched", report.Fetched),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("invalid", report.Invalid),
		zap.Int("inserted", report.Inserted),
		zap.Int("failed_sources", report.FailedSources),
	)
	s.audit.Record(ctx, audit.Event{
		Type:    audit.PicSyncCompleted,
		Subject: applicationID,
		Attributes: map[string]string{
			"fetched":        strconv.Itoa(report.Fetched),
			"inserted":       strconv.Itoa(report.Inserted),
			"failed_sources": strconv.Itoa(report.FailedSources),
		},
	})

	return report, nil
}

// fetchAll calls every source concurrently. Results keep source order; a
// failed source yields an empty list.
func (s *Syncer) fetchAll(ctx context.Context, applicationID string) ([]sourcedList, int) {
	results := make([]sourcedList, len(s.sources))
	errs := make([]error, len(s.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		i, src := i, src
		g.Go(func() error {
			var got []Candidate
			err := src.breaker.Execute(gctx, func(ctx context.Context) error {
				var err error
				got, err = src.Fetch(ctx, applicationID)
				return err
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = sourcedList{source: src.Name(), items: got}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		metrics.RecordSourceFailure(s.sources[i].Name())
		fields := []zap.Field{
			zap.String("source", s.sources[i].Name()),
			zap.String("application_id", applicationID),
			zap.Error(err),
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			fields = append(fields, zap.Bool("circuit_open", true))
		}
		s.logger.Warn("pic source fetch failed", fields...)
	}

	return results, failed
}

func (s *Syncer) persist(ctx context.Context, applicationID string, valid []sourced) (int, error) {
	if len(valid) == 0 {
		return 0, nil
	}

	ids := make([]string, len(valid))
	for i, c := range valid {
		ids[i] = c.ID
	}

	existing, err := s.store.ExistingPicIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load existing pics: %w", err)
	}

	now := s.now()
	var records []*db.PicRecord
	for _, c := range valid {
		if existing[c.ID] {
			continue
		}
		records = append(records, &db.PicRecord{
			ID:            c.ID,
			Name:          c.Name,
			DivisionID:    c.DivisionID,
			Mail:          c.Mail,
			ApplicationID: applicationID,
			Source:        c.source,
			CreatedAt:     now,
		})
	}
	if len(records) == 0 {
		return 0, nil
	}

	n, err := s.store.InsertPicRecords(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("insert pics: %w", err)
	}
	return n, nil
}

func (s *Syncer) commit(ctx context.Context) {
	for _, src := range s.sources {
		c, ok := src.Source.(Committer)
		if !ok {
			continue
		}
		if err := c.Commit(ctx); err != nil {
			s.logger.Warn("failed to acknowledge pic source", zap.String("source", src.Name()), zap.Error(err))
		}
	}
}

type sourcedList struct {
	source string
	items  []Candidate
}

type sourced struct {
	Candidate
	source string
}

// dedupe concatenates lists in order and keeps the first occurrence of
// every id.
func dedupe(lists []sourcedList) []sourced {
	seen := make(map[string]struct{})
	var out []sourced
	for _, list := range lists {
		for _, c := range list.items {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, sourced{Candidate: c, source: list.source})
		}
	}
	return out
}
