package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-mes-approvals/internal/errors"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
)

// Roles that may mutate lines and templates.
const (
	RoleAdmin           = "ADMIN"
	RoleApprovalManager = "APPROVAL_MANAGER"
)

// LineStore is the persistence surface for approval lines.
type LineStore interface {
	Create(ctx context.Context, line *repository.ApprovalLine) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalLine, error)
	List(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalLine, error)
	GetActiveByDocumentType(ctx context.Context, tenantID, documentType string) (*repository.ApprovalLine, error)
	Update(ctx context.Context, line *repository.ApprovalLine) error
	SetActive(ctx context.Context, tenantID, id string, active bool) error
	Delete(ctx context.Context, tenantID, id string) error
}

// TemplateStore is the persistence surface for line templates.
type TemplateStore interface {
	Create(ctx context.Context, tpl *repository.ApprovalLineTemplate) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalLineTemplate, error)
	List(ctx context.Context, tenantID string) ([]*repository.ApprovalLineTemplate, error)
	UpdateVersioned(ctx context.Context, tpl *repository.ApprovalLineTemplate) error
	Delete(ctx context.Context, tenantID, id string) error
	IsReferenced(ctx context.Context, tenantID, id string) (bool, error)
}

// LineUsageCounter reports how many in-flight instances reference a line.
type LineUsageCounter interface {
	CountNonTerminalByLine(ctx context.Context, tenantID, lineID string) (int, error)
}

// LineService manages approval lines and templates. All mutations are gated
// to approval managers and administrators. Instances snapshot a line's steps
// at submit time, so line edits never touch in-flight approvals; only delete
// is refused while instances are running, to keep reporting joins intact.
type LineService struct {
	lines     LineStore
	templates TemplateStore
	usage     LineUsageCounter
	identity  IdentityClientInterface
	log       zerolog.Logger
}

// NewLineService creates a new LineService.
func NewLineService(
	lines LineStore,
	templates TemplateStore,
	usage LineUsageCounter,
	identity IdentityClientInterface,
	log zerolog.Logger,
) *LineService {
	return &LineService{
		lines:     lines,
		templates: templates,
		usage:     usage,
		identity:  identity,
		log:       log,
	}
}

// ── Lines ─────────────────────────────────────────────────────────────────────

// CreateLine validates and persists a new approval line.
func (s *LineService) CreateLine(ctx context.Context, actorID string, line *repository.ApprovalLine) error {
	if err := s.requireManager(ctx, line.TenantID, actorID); err != nil {
		return err
	}
	if line.LineCode == "" {
		return errors.InvalidInput("line_code", "line_code is required")
	}
	if line.DocumentType == "" {
		return errors.InvalidInput("document_type", "document_type is required")
	}
	if err := repository.ValidateStepDefs(line.Steps); err != nil {
		return err
	}

	if err := s.lines.Create(ctx, line); err != nil {
		return err
	}
	s.log.Info().
		Str("tenant_id", line.TenantID).
		Str("line_id", line.ID).
		Str("line_code", line.LineCode).
		Msg("Approval line created")
	return nil
}

// UpdateLine validates and persists changes to a line. In-flight instances
// hold their own snapshot and are unaffected.
func (s *LineService) UpdateLine(ctx context.Context, actorID string, line *repository.ApprovalLine) error {
	if err := s.requireManager(ctx, line.TenantID, actorID); err != nil {
		return err
	}
	if err := repository.ValidateStepDefs(line.Steps); err != nil {
		return err
	}
	return s.lines.Update(ctx, line)
}

// ToggleLineActive flips the active flag and returns the new value.
func (s *LineService) ToggleLineActive(ctx context.Context, tenantID, actorID, lineID string) (bool, error) {
	if err := s.requireManager(ctx, tenantID, actorID); err != nil {
		return false, err
	}
	line, err := s.lines.GetByID(ctx, tenantID, lineID)
	if err != nil {
		return false, err
	}
	next := !line.IsActive
	if err := s.lines.SetActive(ctx, tenantID, lineID, next); err != nil {
		return false, err
	}
	return next, nil
}

// DeleteLine removes a line that no in-flight instance references.
func (s *LineService) DeleteLine(ctx context.Context, tenantID, actorID, lineID string) error {
	if err := s.requireManager(ctx, tenantID, actorID); err != nil {
		return err
	}
	count, err := s.usage.CountNonTerminalByLine(ctx, tenantID, lineID)
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New(errors.ErrCodeConflict, "line is referenced by in-flight approval instances")
	}
	return s.lines.Delete(ctx, tenantID, lineID)
}

// GetLine returns one line.
func (s *LineService) GetLine(ctx context.Context, tenantID, lineID string) (*repository.ApprovalLine, error) {
	return s.lines.GetByID(ctx, tenantID, lineID)
}

// ListLines returns a tenant's lines, optionally active only.
func (s *LineService) ListLines(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalLine, error) {
	return s.lines.List(ctx, tenantID, activeOnly)
}

// GetActiveLineForDocumentType returns the line submit would pick for a type.
func (s *LineService) GetActiveLineForDocumentType(ctx context.Context, tenantID, documentType string) (*repository.ApprovalLine, error) {
	return s.lines.GetActiveByDocumentType(ctx, tenantID, documentType)
}

// ── Templates ─────────────────────────────────────────────────────────────────

// CreateTemplate validates and persists version 1 of a template.
func (s *LineService) CreateTemplate(ctx context.Context, actorID string, tpl *repository.ApprovalLineTemplate) error {
	if err := s.requireManager(ctx, tpl.TenantID, actorID); err != nil {
		return err
	}
	if tpl.TemplateName == "" {
		return errors.InvalidInput("template_name", "template_name is required")
	}
	if tpl.DocumentType == "" {
		return errors.InvalidInput("document_type", "document_type is required")
	}
	if err := repository.ValidateStepDefs(tpl.Steps); err != nil {
		return err
	}

	if err := s.templates.Create(ctx, tpl); err != nil {
		return err
	}
	s.log.Info().
		Str("tenant_id", tpl.TenantID).
		Str("template_id", tpl.ID).
		Str("template_name", tpl.TemplateName).
		Msg("Approval line template created")
	return nil
}

// UpdateTemplate applies an edit. A version already cloned into a line stays
// immutable; the edit lands in a freshly inserted next version.
func (s *LineService) UpdateTemplate(ctx context.Context, actorID string, tpl *repository.ApprovalLineTemplate) error {
	if err := s.requireManager(ctx, tpl.TenantID, actorID); err != nil {
		return err
	}
	if err := repository.ValidateStepDefs(tpl.Steps); err != nil {
		return err
	}
	return s.templates.UpdateVersioned(ctx, tpl)
}

// DeleteTemplate removes an unreferenced template version.
func (s *LineService) DeleteTemplate(ctx context.Context, tenantID, actorID, templateID string) error {
	if err := s.requireManager(ctx, tenantID, actorID); err != nil {
		return err
	}
	referenced, err := s.templates.IsReferenced(ctx, tenantID, templateID)
	if err != nil {
		return err
	}
	if referenced {
		return errors.New(errors.ErrCodeConflict, "template version has been cloned into lines")
	}
	return s.templates.Delete(ctx, tenantID, templateID)
}

// GetTemplate returns one template version.
func (s *LineService) GetTemplate(ctx context.Context, tenantID, templateID string) (*repository.ApprovalLineTemplate, error) {
	return s.templates.GetByID(ctx, tenantID, templateID)
}

// ListTemplates returns the latest version of each template.
func (s *LineService) ListTemplates(ctx context.Context, tenantID string) ([]*repository.ApprovalLineTemplate, error) {
	return s.templates.List(ctx, tenantID)
}

// CloneTemplate copies a template version into an independent line. The line
// gets its own copy of the step list; later template edits never reach it.
func (s *LineService) CloneTemplate(
	ctx context.Context,
	tenantID, actorID, templateID, lineCode, lineName string,
	documentType *string,
) (*repository.ApprovalLine, error) {
	if err := s.requireManager(ctx, tenantID, actorID); err != nil {
		return nil, err
	}
	if lineCode == "" {
		return nil, errors.InvalidInput("line_code", "line_code is required")
	}

	tpl, err := s.templates.GetByID(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}

	docType := tpl.DocumentType
	if documentType != nil && *documentType != "" {
		docType = *documentType
	}
	if lineName == "" {
		lineName = tpl.TemplateName
	}

	version := tpl.Version
	line := &repository.ApprovalLine{
		TenantID:        tenantID,
		LineCode:        lineCode,
		LineName:        lineName,
		DocumentType:    docType,
		IsActive:        true,
		Steps:           copySteps(tpl.Steps),
		TemplateID:      &tpl.ID,
		TemplateVersion: &version,
	}
	if err := s.lines.Create(ctx, line); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("template_id", templateID).
		Str("line_id", line.ID).
		Msg("Template cloned into line")
	return line, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// copySteps deep-copies a step list so the clone shares nothing with its source.
func copySteps(steps []repository.StepDef) []repository.StepDef {
	out := make([]repository.StepDef, len(steps))
	for i, step := range steps {
		out[i] = repository.StepDef{StepOrder: step.StepOrder}
		if step.ApproverID != nil {
			v := *step.ApproverID
			out[i].ApproverID = &v
		}
		if step.ApproverRole != nil {
			v := *step.ApproverRole
			out[i].ApproverRole = &v
		}
		if step.GroupID != nil {
			v := *step.GroupID
			out[i].GroupID = &v
		}
	}
	return out
}

func (s *LineService) requireManager(ctx context.Context, tenantID, actorID string) error {
	if actorID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "caller identity is required")
	}
	user, err := s.identity.GetUser(ctx, tenantID, actorID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnauthorized, "could not verify caller role")
	}
	if user == nil || (user.Role != RoleAdmin && user.Role != RoleApprovalManager) {
		return errors.New(errors.ErrCodeUnauthorized, "caller lacks the approval-manager role")
	}
	return nil
}
