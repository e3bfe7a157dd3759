package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ListMappedEmployees loads the access mappings of an application joined with
// each employee's latest valid directory snapshot. Mappings whose noreg
// starts with excludePrefix are skipped.
func (r *Repository) ListMappedEmployees(ctx context.Context, applicationID, excludePrefix string) ([]*MappedEmployee, error) {
	query := `
		SELECT DISTINCT ON (m.noreg, m.username, m.role_id)
			m.noreg, m.username, m.role_id,
			e.name, COALESCE(e.email, ''),
			e.division_id, COALESCE(e.division_name, ''),
			e.department_id, COALESCE(e.department_name, ''),
			COALESCE(e.position_name, ''), e.position_level
		FROM uar_access_mappings m
		JOIN uar_employees e
		  ON e.noreg = m.noreg
		 AND e.valid_from <= CURRENT_DATE
		 AND (e.valid_to IS NULL OR e.valid_to >= CURRENT_DATE)
		WHERE m.application_id = $1
		  AND ($2::text = '' OR m.noreg NOT LIKE $2::text || '%')
		ORDER BY m.noreg, m.username, m.role_id, e.valid_from DESC
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, applicationID, excludePrefix)
	if err != nil {
		return nil, fmt.Errorf("query mapped employees: %w", err)
	}
	defer rows.Close()

	var members []*MappedEmployee
	for rows.Next() {
		var m MappedEmployee
		err := rows.Scan(
			&m.Noreg,
			&m.Username,
			&m.RoleID,
			&m.Name,
			&m.Email,
			&m.DivisionID,
			&m.DivisionName,
			&m.DepartmentID,
			&m.DepartmentName,
			&m.PositionName,
			&m.PositionLevel,
		)
		if err != nil {
			return nil, fmt.Errorf("scan mapped employee: %w", err)
		}
		members = append(members, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return members, nil
}

// UpsertWorkflowStage inserts a stage header or refreshes its approver and
// planned date. Approval flags are never written. The update only fires when
// one of the tracked columns actually differs.
func (r *Repository) UpsertWorkflowStage(ctx context.Context, stage *WorkflowStage) (UpsertOutcome, error) {
	query := `
		INSERT INTO uar_workflow_stages AS w (
			uar_id, seq_no, division_id, department_id,
			approver_id, approver_name, planned_approval_date, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uar_id, seq_no, division_id, department_id) DO UPDATE SET
			approver_id = EXCLUDED.approver_id,
			approver_name = EXCLUDED.approver_name,
			planned_approval_date = EXCLUDED.planned_approval_date,
			updated_at = NOW()
		WHERE (w.approver_id, w.approver_name, w.planned_approval_date)
			IS DISTINCT FROM
			(EXCLUDED.approver_id, EXCLUDED.approver_name, EXCLUDED.planned_approval_date)
		RETURNING (xmax = 0)
	`

	var inserted bool
	err := r.db.conn(ctx).QueryRow(ctx, query,
		stage.UarID,
		stage.SeqNo,
		stage.DivisionID,
		stage.DepartmentID,
		stage.ApproverID,
		stage.ApproverName,
		stage.PlannedApprovalDate,
		stage.CreatedBy,
	).Scan(&inserted)

	return r.outcome(inserted, err, "upsert workflow stage",
		zap.String("uar_id", stage.UarID),
		zap.Int("seq_no", stage.SeqNo),
		zap.String("division_id", stage.DivisionID),
	)
}

// reviewItemUpsert is parameterised by the stage column prefix ("div" or "so").
const reviewItemUpsert = `
	INSERT INTO uar_review_items AS t (
		uar_id, application_id, username, role_id,
		noreg, name, email, division_id, division_name,
		department_id, department_name, position_name,
		%[1]s_reviewer_id, %[1]s_reviewer_name, %[1]s_approval_status,
		created_by
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'pending', $15)
	ON CONFLICT (uar_id, application_id, username, role_id) DO UPDATE SET
		noreg = EXCLUDED.noreg,
		name = EXCLUDED.name,
		email = EXCLUDED.email,
		division_id = EXCLUDED.division_id,
		division_name = EXCLUDED.division_name,
		department_id = EXCLUDED.department_id,
		department_name = EXCLUDED.department_name,
		position_name = EXCLUDED.position_name,
		%[1]s_reviewer_id = COALESCE(EXCLUDED.%[1]s_reviewer_id, t.%[1]s_reviewer_id),
		%[1]s_reviewer_name = COALESCE(EXCLUDED.%[1]s_reviewer_name, t.%[1]s_reviewer_name),
		%[1]s_approval_status = COALESCE(t.%[1]s_approval_status, 'pending'),
		updated_at = NOW()
	WHERE (
		EXCLUDED.noreg, EXCLUDED.name, EXCLUDED.email, EXCLUDED.division_id,
		EXCLUDED.division_name, EXCLUDED.department_id, EXCLUDED.department_name,
		EXCLUDED.position_name,
		COALESCE(EXCLUDED.%[1]s_reviewer_id, t.%[1]s_reviewer_id),
		COALESCE(EXCLUDED.%[1]s_reviewer_name, t.%[1]s_reviewer_name),
		COALESCE(t.%[1]s_approval_status, 'pending')
	) IS DISTINCT FROM (
		t.noreg, t.name, t.email, t.division_id,
		t.division_name, t.department_id, t.department_name,
		t.position_name,
		t.%[1]s_reviewer_id, t.%[1]s_reviewer_name, t.%[1]s_approval_status
	)
	RETURNING (xmax = 0)
`

var (
	divisionItemUpsert    = fmt.Sprintf(reviewItemUpsert, "div")
	systemOwnerItemUpsert = fmt.Sprintf(reviewItemUpsert, "so")
)

// UpsertReviewItem merges one review item for the given stage. Organizational
// fields are refreshed, the stage reviewer is only replaced by a non-nil
// value and an existing approval decision is left untouched.
func (r *Repository) UpsertReviewItem(ctx context.Context, seqNo int, item *ReviewItem) (UpsertOutcome, error) {
	var query string
	switch seqNo {
	case StageDivision:
		query = divisionItemUpsert
	case StageSystemOwner:
		query = systemOwnerItemUpsert
	default:
		return Unchanged, fmt.Errorf("unknown stage %d", seqNo)
	}

	var inserted bool
	err := r.db.conn(ctx).QueryRow(ctx, query,
		item.UarID,
		item.ApplicationID,
		item.Username,
		item.RoleID,
		item.Noreg,
		item.Name,
		item.Email,
		item.DivisionID,
		item.DivisionName,
		item.DepartmentID,
		item.DepartmentName,
		item.PositionName,
		item.ReviewerID,
		item.ReviewerName,
		item.CreatedBy,
	).Scan(&inserted)

	return r.outcome(inserted, err, "upsert review item",
		zap.String("uar_id", item.UarID),
		zap.String("username", item.Username),
		zap.String("role_id", item.RoleID),
		zap.Int("seq_no", seqNo),
	)
}

// outcome maps the RETURNING (xmax = 0) scan of a change-aware upsert.
// No returned row means the conflict matched and nothing differed.
func (r *Repository) outcome(inserted bool, err error, op string, fields ...zap.Field) (UpsertOutcome, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		r.logger.Error("failed to "+op, append(fields, zap.Error(err))...)
		return Unchanged, fmt.Errorf("%s: %w", op, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// MarkMappingsInProgress flags the application's access mappings as consumed.
func (r *Repository) MarkMappingsInProgress(ctx context.Context, applicationID string) (int64, error) {
	query := `
		UPDATE uar_access_mappings
		SET process_status = $2
		WHERE application_id = $1 AND process_status <> $2
	`

	result, err := r.db.conn(ctx).Exec(ctx, query, applicationID, ProcessInProgress)
	if err != nil {
		return 0, fmt.Errorf("mark mappings in progress: %w", err)
	}

	return result.RowsAffected(), nil
}

// ListPendingSystemOwnerItems returns review items still pending at the
// system owner stage that were created after the given instant.
func (r *Repository) ListPendingSystemOwnerItems(ctx context.Context, createdAfter time.Time) ([]*PendingRequest, error) {
	query := `
		SELECT uar_id, application_id, username, role_id, division_id, created_at
		FROM uar_review_items
		WHERE so_approval_status = $1
		  AND created_at > $2
		ORDER BY created_at, uar_id, username, role_id
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, ApprovalPending, createdAfter)
	if err != nil {
		return nil, fmt.Errorf("query pending items: %w", err)
	}
	defer rows.Close()

	var pending []*PendingRequest
	for rows.Next() {
		var p PendingRequest
		if err := rows.Scan(&p.UarID, &p.ApplicationID, &p.Username, &p.RoleID, &p.DivisionID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		pending = append(pending, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return pending, nil
}

// CountOpenTasks counts items of a campaign still waiting on approverID,
// either as the assigned stage reviewer or as the application's system owner.
func (r *Repository) CountOpenTasks(ctx context.Context, uarID, approverID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM uar_review_items i
		LEFT JOIN uar_applications a ON a.application_id = i.application_id
		WHERE i.uar_id = $1
		  AND (
			(i.div_reviewer_id = $2 AND i.div_approval_status = 'pending')
			OR (i.so_approval_status = 'pending'
				AND (i.so_reviewer_id = $2 OR a.system_owner_noreg = $2))
		  )
	`

	var count int
	if err := r.db.conn(ctx).QueryRow(ctx, query, uarID, approverID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open tasks: %w", err)
	}

	return count, nil
}
