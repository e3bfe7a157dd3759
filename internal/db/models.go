package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Workflow stage sequence numbers
const (
	StageDivision    = 1
	StageSystemOwner = 2
)

// Approval status values on review items
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRevoked  = "revoked"
)

// Notification candidate status constants
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSent       = "SENT"
	StatusFailed     = "FAILED"
)

// Template channel constants
const (
	ChannelEmail = "EMAIL"
	ChannelTeams = "TEAMS"
)

// Access mapping process status constants
const (
	ProcessPending    = "PENDING"
	ProcessInProgress = "IN_PROGRESS"
)

// UpsertOutcome reports what a change-aware upsert did.
type UpsertOutcome int

const (
	Unchanged UpsertOutcome = iota
	Inserted
	Updated
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// MappedEmployee is one access-mapping row joined with the employee's
// currently valid directory snapshot.
type MappedEmployee struct {
	Noreg          string
	Username       string
	RoleID         string
	Name           string
	Email          string
	DivisionID     string
	DivisionName   string
	DepartmentID   string
	DepartmentName string
	PositionName   string
	PositionLevel  int
}

// WorkflowStage is one approval stage header of a campaign.
type WorkflowStage struct {
	UarID               string    `json:"uar_id"`
	SeqNo               int       `json:"seq_no"`
	DivisionID          string    `json:"division_id"`
	DepartmentID        string    `json:"department_id"`
	ApproverID          string    `json:"approver_id"`
	ApproverName        string    `json:"approver_name"`
	PlannedApprovalDate time.Time `json:"planned_approval_date"`
	IsApproved          bool      `json:"is_approved"`
	IsRejected          bool      `json:"is_rejected"`
	CreatedBy           string    `json:"created_by"`
}

// ReviewItem is one (user, role) pair under review. Division and system
// owner stage reviewers are tracked in separate columns.
type ReviewItem struct {
	UarID          string `json:"uar_id"`
	ApplicationID  string `json:"application_id"`
	Username       string `json:"username"`
	RoleID         string `json:"role_id"`
	Noreg          string `json:"noreg"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	DivisionID     string `json:"division_id"`
	DivisionName   string `json:"division_name"`
	DepartmentID   string `json:"department_id"`
	DepartmentName string `json:"department_name"`
	PositionName   string `json:"position_name"`

	// Reviewer for the stage being upserted. Nil keeps the stored reviewer.
	ReviewerID   *string `json:"reviewer_id,omitempty"`
	ReviewerName *string `json:"reviewer_name,omitempty"`

	CreatedBy string `json:"created_by"`
}

// RequestID builds the approval request key shared by queue and history rows.
func RequestID(uarID, username, roleID string) string {
	return fmt.Sprintf("%s:%s:%s", uarID, username, roleID)
}

// NotificationCandidate is a queued notification awaiting dispatch.
type NotificationCandidate struct {
	ID           uuid.UUID  `json:"id"`
	RequestID    string     `json:"request_id"`
	UarID        string     `json:"uar_id"`
	ItemCode     string     `json:"item_code"`
	ApproverID   string     `json:"approver_id"`
	DivisionID   string     `json:"division_id"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NotificationHistory is the append-only record of a delivered notification.
type NotificationHistory struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	ItemCode  string    `json:"item_code"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sent_at"`
}

// PendingRequest is a review item still waiting on the system owner.
type PendingRequest struct {
	UarID         string
	ApplicationID string
	Username      string
	RoleID        string
	DivisionID    string
	CreatedAt     time.Time
}

// Recipient is a resolved notification addressee.
type Recipient struct {
	ID      string
	Name    string
	Email   string
	TeamsID string
}

// Template is an active subject/body pair for one channel.
type Template struct {
	ItemCode string
	Locale   string
	Channel  string
	Subject  string
	Body     string
}

// CampaignSchedule is a schedule registry row due for generation.
type CampaignSchedule struct {
	ApplicationID   string
	ReviewStartDate time.Time
}

// PicRecord is a durable person-in-charge row.
type PicRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DivisionID    string    `json:"division_id"`
	Mail          string    `json:"mail"`
	ApplicationID string    `json:"application_id"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}
