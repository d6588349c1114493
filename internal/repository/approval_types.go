package repository

import "time"

// ── Status values ─────────────────────────────────────────────────────────────

// Instance statuses. pending and in_progress are the non-terminal states.
const (
	InstancePending    = "pending"
	InstanceInProgress = "in_progress"
	InstanceApproved   = "approved"
	InstanceRejected   = "rejected"
	InstanceCancelled  = "cancelled"
)

// Step statuses. A step is waiting until its sequential predecessors are
// approved, pending while awaiting its approver, and terminal afterwards.
const (
	StepWaiting  = "waiting"
	StepPending  = "pending"
	StepApproved = "approved"
	StepRejected = "rejected"
	StepSkipped  = "skipped"
)

// InstanceTerminal reports whether an instance status is terminal.
func InstanceTerminal(status string) bool {
	return status == InstanceApproved || status == InstanceRejected || status == InstanceCancelled
}

// ── Domain types ──────────────────────────────────────────────────────────────

// StepDef is one entry in a line's or template's step list (JSONB array).
// Exactly one of ApproverID / ApproverRole is set. Steps sharing a GroupID
// form a parallel group and share a StepOrder.
type StepDef struct {
	StepOrder    int     `json:"step_order"`
	ApproverID   *string `json:"approver_id,omitempty"`
	ApproverRole *string `json:"approver_role,omitempty"`
	GroupID      *string `json:"group_id,omitempty"`
}

// ApprovalLine is a concrete, tenant-scoped step sequence for a document type.
type ApprovalLine struct {
	ID              string
	TenantID        string
	LineCode        string
	LineName        string
	DocumentType    string
	IsActive        bool
	Steps           []StepDef
	TemplateID      *string // provenance when cloned from a template
	TemplateVersion *int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalLineTemplate is a reusable blueprint for lines. A version that has
// been cloned into a line is immutable; edits insert a new version.
type ApprovalLineTemplate struct {
	ID           string
	TenantID     string
	TemplateName string
	DocumentType string
	Version      int
	Steps        []StepDef
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ApprovalInstance is one running execution of a line against a document.
// The line's steps are snapshotted into ApprovalStepInstance rows at submit
// time; LineID is provenance only.
type ApprovalInstance struct {
	ID           string
	TenantID     string
	DocumentType string
	DocumentID   string
	RequesterID  string
	LineID       string
	Status       string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// ApprovalStepInstance is one position in an instance's step sequence.
// ApproverID/ApproverRole are the snapshotted definition. AssignedTo is the
// nominal concrete approver (the fixed approver, or the role holder picked at
// activation). ResolvedApprover is the approver after delegation resolution
// at activation time; authorization re-resolves from AssignedTo at act time.
type ApprovalStepInstance struct {
	ID               string
	InstanceID       string
	StepOrder        int
	GroupID          *string
	ApproverID       *string
	ApproverRole     *string
	AssignedTo       *string
	ResolvedApprover *string
	Status           string
	ActedBy          *string
	ActedAt          *time.Time
	Comment          *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PendingStep is a pending step joined with its instance, as returned by the
// pending-approvals queries.
type PendingStep struct {
	ApprovalStepInstance
	TenantID     string
	DocumentType string
	DocumentID   string
	RequesterID  string
}

// Delegation is a time-bounded transfer of approval authority. DocumentType
// nil means the delegation covers all document types.
type Delegation struct {
	ID           string
	TenantID     string
	DelegatorID  string
	DelegateID   string
	ValidFrom    time.Time
	ValidTo      time.Time
	DocumentType *string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Statistics ────────────────────────────────────────────────────────────────

// StatusCounts holds instance counts per status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Cancelled  int `json:"cancelled"`
}

// Total returns the sum across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.InProgress + c.Approved + c.Rejected + c.Cancelled
}

// DocumentTypeStats is the per-document-type statistics breakdown.
type DocumentTypeStats struct {
	DocumentType         string       `json:"document_type"`
	Counts               StatusCounts `json:"counts"`
	AvgCompletionSeconds float64      `json:"avg_completion_seconds"`
}

// TenantStatistics is the dashboard aggregate for one tenant.
type TenantStatistics struct {
	TenantID             string              `json:"tenant_id"`
	Counts               StatusCounts        `json:"counts"`
	Total                int                 `json:"total"`
	AvgCompletionSeconds float64             `json:"avg_completion_seconds"`
	ByDocumentType       []DocumentTypeStats `json:"by_document_type"`
}
