// Package campaign builds and merges the workflow stages and review items of
// one review campaign.
package campaign

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/audit"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/hierarchy"
	"github.com/lalithlochan/uarflow/internal/metrics"
)

const (
	// ItemCreated is the item code of the first notification of a request.
	ItemCreated = "CREATED"

	offsetConfigGroup = "APPROVAL_OFFSET"
	offsetDefaultKey  = "DEFAULT"
)

// Store is the persistence the generator needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListMappedEmployees(ctx context.Context, applicationID, excludePrefix string) ([]*db.MappedEmployee, error)
	ConfigValues(ctx context.Context, group string, at time.Time) (map[string]string, error)
	UpsertWorkflowStage(ctx context.Context, stage *db.WorkflowStage) (db.UpsertOutcome, error)
	UpsertReviewItem(ctx context.Context, seqNo int, item *db.ReviewItem) (db.UpsertOutcome, error)
	EnqueueNotification(ctx context.Context, c *db.NotificationCandidate) (bool, error)
	MarkMappingsInProgress(ctx context.Context, applicationID string) (int64, error)
}

type Config struct {
	SystemNoregPrefix         string // excluded from every stage
	CorporateNoregPrefix      string // system owner stage population
	DefaultApprovalOffsetDays int
	Location                  *time.Location
}

// Counts are the rows a stage inserted or updated (stage headers plus items).
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Result summarizes one Generate call.
type Result struct {
	UarID        string `json:"uarId"`
	Period       string `json:"period"`
	DivisionUser Counts `json:"divisionUser"`
	SystemOwner  Counts `json:"systemOwner"`
	Unassigned   int    `json:"unassigned"`
	Queued       int    `json:"queued"`
}

type Generator struct {
	store  Store
	audit  audit.Sink
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, sink audit.Sink, cfg Config, logger *zap.Logger) *Generator {
	if cfg.DefaultApprovalOffsetDays == 0 {
		cfg.DefaultApprovalOffsetDays = 7
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if sink == nil {
		sink = audit.Nop{}
	}

	return &Generator{
		store:  store,
		audit:  sink,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Generate creates or merges the campaign of (period, applicationID) in one
// transaction. Running it again with an unchanged directory writes nothing.
func (g *Generator) Generate(ctx context.Context, period, applicationID, createdBy string) (*Result, error) {
	normalized, err := NormalizePeriod(period)
	if err != nil {
		return nil, err
	}
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, ErrMissingApplication
	}
	if createdBy == "" {
		createdBy = "system"
	}

	result := &Result{
		UarID:  CampaignID(normalized, applicationID),
		Period: normalized,
	}
	today := dateOf(g.now(), g.config.Location)

	err = g.store.WithinTx(ctx, func(ctx context.Context) error {
		// Partial results from a rolled back attempt must not leak.
		*result = Result{UarID: result.UarID, Period: normalized}

		employees, err := g.store.ListMappedEmployees(ctx, applicationID, g.config.SystemNoregPrefix)
		if err != nil {
			return fmt.Errorf("load population: %w", err)
		}

		offsets, err := g.store.ConfigValues(ctx, offsetConfigGroup, today)
		if err != nil {
			return fmt.Errorf("load approval offsets: %w", err)
		}

		run := &stageRun{
			Generator:     g,
			uarID:         result.UarID,
			applicationID: applicationID,
			createdBy:     createdBy,
			today:         today,
			offsets:       offsets,
			result:        result,
		}

		if err := run.merge(ctx, hierarchy.Division, employees, &result.DivisionUser); err != nil {
			return err
		}

		corporate := filterPrefix(employees, g.config.CorporateNoregPrefix)
		if err := run.merge(ctx, hierarchy.SystemOwner, corporate, &result.SystemOwner); err != nil {
			return err
		}

		if _, err := g.store.MarkMappingsInProgress(ctx, applicationID); err != nil {
			return fmt.Errorf("mark mappings: %w", err)
		}
		return nil
	})
	if err != nil {
		g.logger.Error("campaign generation failed",
			zap.Error(err),
			zap.String("uar_id", result.UarID),
			zap.String("application_id", applicationID),
		)
		return nil, fmt.Errorf("generate %s: %w", result.UarID, err)
	}

	metrics.RecordCampaignRows(hierarchy.Division.String(), result.DivisionUser.Inserted, result.DivisionUser.Updated)
	metrics.RecordCampaignRows(hierarchy.SystemOwner.String(), result.SystemOwner.Inserted, result.SystemOwner.Updated)

	g.logger.Info("campaign generated",
		zap.String("uar_id", result.UarID),
		zap.Int("division_inserted", result.DivisionUser.Inserted),
		zap.Int("division_updated", result.DivisionUser.Updated),
		zap.Int("so_inserted", result.SystemOwner.Inserted),
		zap.Int("so_updated", result.SystemOwner.Updated),
		zap.Int("unassigned", result.Unassigned),
		zap.Int("queued", result.Queued),
	)

	g.audit.Record(ctx, audit.Event{
		Type:    audit.CampaignGenerated,
		Subject: result.UarID,
		Actor:   createdBy,
		Attributes: map[string]string{
			"division_inserted": strconv.Itoa(result.DivisionUser.Inserted),
			"division_updated":  strconv.Itoa(result.DivisionUser.Updated),
			"so_inserted":       strconv.Itoa(result.SystemOwner.Inserted),
			"so_updated":        strconv.Itoa(result.SystemOwner.Updated),
		},
	})

	return result, nil
}

// stageRun carries the per-call state shared by both stage merges.
type stageRun struct {
	*Generator
	uarID         string
	applicationID string
	createdBy     string
	today         time.Time
	offsets       map[string]string
	result        *Result
}

func (r *stageRun) merge(ctx context.Context, stage hierarchy.Stage, employees []*db.MappedEmployee, counts *Counts) error {
	members := make([]hierarchy.Member, 0, len(employees))
	source := make(map[string]*db.MappedEmployee, len(employees))
	for _, e := range employees {
		members = append(members, hierarchy.Member{
			Noreg:         e.Noreg,
			Name:          e.Name,
			Username:      e.Username,
			RoleID:        e.RoleID,
			DivisionID:    e.DivisionID,
			DepartmentID:  e.DepartmentID,
			PositionName:  e.PositionName,
			PositionLevel: e.PositionLevel,
		})
		source[memberKey(e.Noreg, e.Username, e.RoleID)] = e
	}

	planned := r.today.AddDate(0, 0, r.offsetDays(stage))

	for _, group := range hierarchy.Resolve(stage, members) {
		if group.Head == nil {
			r.result.Unassigned += len(group.Staff)
			r.logger.Warn("no head elected, staff left unassigned",
				zap.String("uar_id", r.uarID),
				zap.String("stage", stage.String()),
				zap.String("division_id", group.Key.DivisionID),
				zap.String("department_id", group.Key.DepartmentID),
				zap.Int("staff", len(group.Staff)),
			)
			continue
		}
		head := *group.Head

		outcome, err := r.store.UpsertWorkflowStage(ctx, &db.WorkflowStage{
			UarID:               r.uarID,
			SeqNo:               int(stage),
			DivisionID:          group.Key.DivisionID,
			DepartmentID:        group.Key.DepartmentID,
			ApproverID:          head.Noreg,
			ApproverName:        head.Name,
			PlannedApprovalDate: planned,
			CreatedBy:           r.createdBy,
		})
		if err != nil {
			return fmt.Errorf("%s stage %s/%s: %w", stage, group.Key.DivisionID, group.Key.DepartmentID, err)
		}
		counts.add(outcome)

		for _, staff := range group.Staff {
			src := source[memberKey(staff.Noreg, staff.Username, staff.RoleID)]
			reviewerID, reviewerName := head.Noreg, head.Name

			outcome, err := r.store.UpsertReviewItem(ctx, int(stage), &db.ReviewItem{
				UarID:          r.uarID,
				ApplicationID:  r.applicationID,
				Username:       staff.Username,
				RoleID:         staff.RoleID,
				Noreg:          staff.Noreg,
				Name:           staff.Name,
				Email:          src.Email,
				DivisionID:     staff.DivisionID,
				DivisionName:   src.DivisionName,
				DepartmentID:   staff.DepartmentID,
				DepartmentName: src.DepartmentName,
				PositionName:   staff.PositionName,
				ReviewerID:     &reviewerID,
				ReviewerName:   &reviewerName,
				CreatedBy:      r.createdBy,
			})
			if err != nil {
				return fmt.Errorf("%s item %s/%s: %w", stage, staff.Username, staff.RoleID, err)
			}
			counts.add(outcome)

			if outcome != db.Inserted {
				continue
			}

			due := planned
			queued, err := r.store.EnqueueNotification(ctx, &db.NotificationCandidate{
				RequestID:  db.RequestID(r.uarID, staff.Username, staff.RoleID),
				UarID:      r.uarID,
				ItemCode:   ItemCreated,
				ApproverID: head.Noreg,
				DivisionID: group.Key.DivisionID,
				DueDate:    &due,
			})
			if err != nil {
				return fmt.Errorf("queue created notification: %w", err)
			}
			if queued {
				r.result.Queued++
			}
		}
	}

	return nil
}

// offsetDays picks the stage specific offset, then DEFAULT, then the
// configured fallback.
func (r *stageRun) offsetDays(stage hierarchy.Stage) int {
	for _, key := range []string{stage.Code(), offsetDefaultKey} {
		raw, ok := r.offsets[key]
		if !ok {
			continue
		}
		days, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			r.logger.Warn("ignoring invalid approval offset",
				zap.String("key", key),
				zap.String("value", raw),
			)
			continue
		}
		return days
	}
	return r.config.DefaultApprovalOffsetDays
}

func (c *Counts) add(o db.UpsertOutcome) {
	switch o {
	case db.Inserted:
		c.Inserted++
	case db.Updated:
		c.Updated++
	}
}

func filterPrefix(employees []*db.MappedEmployee, prefix string) []*db.MappedEmployee {
	if prefix == "" {
		return employees
	}
	var out []*db.MappedEmployee
	for _, e := range employees {
		if strings.HasPrefix(e.Noreg, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func memberKey(noreg, username, roleID string) string {
	return noreg + "\x00" + username + "\x00" + roleID
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
