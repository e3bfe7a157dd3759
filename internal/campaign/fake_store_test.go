package campaign

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lalithlochan/uarflow/internal/db"
)

type stageKey struct {
	uarID, division, department string
	seq                         int
}

type itemKey struct {
	uarID, app, username, role string
}

type itemRow struct {
	org        db.ReviewItem
	reviewerID [3]*string
	reviewer   [3]*string
	status     [3]string
}

type queueKey struct {
	requestID, itemCode string
}

// fakeStore mimics the change-aware upserts of db.Repository in memory and
// rolls back on a failed transaction.
type fakeStore struct {
	employees []*db.MappedEmployee
	config    map[string]string

	stages  map[stageKey]db.WorkflowStage
	items   map[itemKey]itemRow
	queue   map[queueKey]db.NotificationCandidate
	history map[queueKey]bool
	marked  int

	failItemAfter int // fail the Nth item upsert when > 0
	itemCalls     int
}

func newFakeStore(employees ...*db.MappedEmployee) *fakeStore {
	return &fakeStore{
		employees: employees,
		config:    map[string]string{},
		stages:    map[stageKey]db.WorkflowStage{},
		items:     map[itemKey]itemRow{},
		queue:     map[queueKey]db.NotificationCandidate{},
		history:   map[queueKey]bool{},
	}
}

func (f *fakeStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	stages := make(map[stageKey]db.WorkflowStage, len(f.stages))
	for k, v := range f.stages {
		stages[k] = v
	}
	items := make(map[itemKey]itemRow, len(f.items))
	for k, v := range f.items {
		items[k] = v
	}
	queue := make(map[queueKey]db.NotificationCandidate, len(f.queue))
	for k, v := range f.queue {
		queue[k] = v
	}
	marked := f.marked

	if err := fn(ctx); err != nil {
		f.stages, f.items, f.queue, f.marked = stages, items, queue, marked
		return err
	}
	return nil
}

func (f *fakeStore) ListMappedEmployees(_ context.Context, _ string, excludePrefix string) ([]*db.MappedEmployee, error) {
	var out []*db.MappedEmployee
	for _, e := range f.employees {
		if excludePrefix != "" && strings.HasPrefix(e.Noreg, excludePrefix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) ConfigValues(_ context.Context, _ string, _ time.Time) (map[string]string, error) {
	return f.config, nil
}

func (f *fakeStore) UpsertWorkflowStage(_ context.Context, s *db.WorkflowStage) (db.UpsertOutcome, error) {
	k := stageKey{s.UarID, s.DivisionID, s.DepartmentID, s.SeqNo}
	old, ok := f.stages[k]
	if !ok {
		f.stages[k] = *s
		return db.Inserted, nil
	}
	if old.ApproverID == s.ApproverID && old.ApproverName == s.ApproverName && old.PlannedApprovalDate.Equal(s.PlannedApprovalDate) {
		return db.Unchanged, nil
	}
	old.ApproverID, old.ApproverName, old.PlannedApprovalDate = s.ApproverID, s.ApproverName, s.PlannedApprovalDate
	f.stages[k] = old
	return db.Updated, nil
}

func (f *fakeStore) UpsertReviewItem(_ context.Context, seq int, it *db.ReviewItem) (db.UpsertOutcome, error) {
	f.itemCalls++
	if f.failItemAfter > 0 && f.itemCalls >= f.failItemAfter {
		return db.Unchanged, errors.New("deadlock detected")
	}

	k := itemKey{it.UarID, it.ApplicationID, it.Username, it.RoleID}
	org := *it
	org.ReviewerID, org.ReviewerName = nil, nil

	old, ok := f.items[k]
	if !ok {
		row := itemRow{org: org}
		row.reviewerID[seq], row.reviewer[seq], row.status[seq] = it.ReviewerID, it.ReviewerName, db.ApprovalPending
		f.items[k] = row
		return db.Inserted, nil
	}

	next := old
	next.org = org
	next.org.CreatedBy = old.org.CreatedBy
	if it.ReviewerID != nil {
		next.reviewerID[seq] = it.ReviewerID
	}
	if it.ReviewerName != nil {
		next.reviewer[seq] = it.ReviewerName
	}
	if next.status[seq] == "" {
		next.status[seq] = db.ApprovalPending
	}

	if sameOrg(old.org, next.org) && eq(old.reviewerID[seq], next.reviewerID[seq]) &&
		eq(old.reviewer[seq], next.reviewer[seq]) && old.status[seq] == next.status[seq] {
		return db.Unchanged, nil
	}
	f.items[k] = next
	return db.Updated, nil
}

func sameOrg(a, b db.ReviewItem) bool {
	return a.Noreg == b.Noreg && a.Name == b.Name && a.Email == b.Email &&
		a.DivisionID == b.DivisionID && a.DivisionName == b.DivisionName &&
		a.DepartmentID == b.DepartmentID && a.DepartmentName == b.DepartmentName &&
		a.PositionName == b.PositionName
}

func eq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (f *fakeStore) EnqueueNotification(_ context.Context, c *db.NotificationCandidate) (bool, error) {
	k := queueKey{c.RequestID, c.ItemCode}
	if f.history[k] {
		return false, nil
	}
	if _, ok := f.queue[k]; ok {
		return false, nil
	}
	f.queue[k] = *c
	return true, nil
}

func (f *fakeStore) MarkMappingsInProgress(_ context.Context, _ string) (int64, error) {
	f.marked++
	return int64(len(f.employees)), nil
}
