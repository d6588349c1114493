package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-mes-approvals/internal/client"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
)

// InstanceStore is the persistence surface for the instance engine. The
// Approve/Reject/Cancel transitions are transactional and serialized per
// instance by the implementation.
type InstanceStore interface {
	CreateWithSteps(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.ApprovalStepInstance) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalInstance, error)
	GetActiveByDocument(ctx context.Context, tenantID, documentType, documentID string) (*repository.ApprovalInstance, error)
	GetSteps(ctx context.Context, instanceID string) ([]*repository.ApprovalStepInstance, error)
	GetStep(ctx context.Context, instanceID, stepID string) (*repository.ApprovalStepInstance, error)
	ListByRequester(ctx context.Context, tenantID, requesterID string, page, pageSize int) ([]*repository.ApprovalInstance, int, error)
	ListPendingForApprovers(ctx context.Context, tenantID string, approverIDs []string) ([]*repository.PendingStep, error)
	ListPendingForRoles(ctx context.Context, tenantID string, roles []string) ([]*repository.PendingStep, error)
	Approve(ctx context.Context, tenantID, instanceID, stepID, actedBy string, comment *string, resolutions map[string]repository.ApproverResolution) (*repository.AdvanceResult, error)
	Reject(ctx context.Context, tenantID, instanceID, stepID, actedBy string, reason *string) (*repository.AdvanceResult, error)
	Cancel(ctx context.Context, tenantID, instanceID string) (*repository.AdvanceResult, error)
}

// LineResolver is the slice of the line store the engine needs at submit time.
type LineResolver interface {
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalLine, error)
	GetActiveByDocumentType(ctx context.Context, tenantID, documentType string) (*repository.ApprovalLine, error)
}

// ResolutionNotifier delivers the terminal outcome to the document owner.
type ResolutionNotifier interface {
	PublishResolved(ctx context.Context, event client.ResolutionEvent)
}

// InstanceDetail is an instance together with its step snapshot.
type InstanceDetail struct {
	Instance *repository.ApprovalInstance       `json:"instance"`
	Steps    []*repository.ApprovalStepInstance `json:"steps"`
}

// ApprovalService is the workflow state machine: it instantiates lines
// against documents, advances steps on approve/reject, applies delegation,
// and reports terminal outcomes to the document owner exactly once.
type ApprovalService struct {
	instances   InstanceStore
	lines       LineResolver
	delegations *DelegationService
	identity    IdentityClientInterface
	notifier    ResolutionNotifier
	log         zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	instances InstanceStore,
	lines LineResolver,
	delegations *DelegationService,
	identity IdentityClientInterface,
	notifier ResolutionNotifier,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		instances:   instances,
		lines:       lines,
		delegations: delegations,
		identity:    identity,
		notifier:    notifier,
		log:         log,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit starts an approval for a document. With an empty lineID the active
// line for the document type is used. The line's step list is snapshotted
// into step instances: everything waits except the first position, which is
// activated with delegation-resolved approvers.
func (s *ApprovalService) Submit(
	ctx context.Context,
	tenantID, documentType, documentID, requesterID, lineID string,
) (*InstanceDetail, error) {
	if documentType == "" || documentID == "" {
		return nil, errors.InvalidInput("document", "document_type and document_id are required")
	}
	if requesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester_id is required")
	}

	// Fail before snapshotting when the document already has an active
	// instance. The transactional check in CreateWithSteps stays authoritative
	// for races.
	if existing, err := s.instances.GetActiveByDocument(ctx, tenantID, documentType, documentID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, errors.New(errors.ErrCodeDuplicateActiveInstance,
			"an approval instance is already active for this document")
	}

	line, err := s.resolveLine(ctx, tenantID, documentType, lineID)
	if err != nil {
		return nil, err
	}
	if err := repository.ValidateStepDefs(line.Steps); err != nil {
		return nil, err
	}

	now := time.Now()
	firstOrder := repository.FirstStepOrder(line.Steps)
	steps := make([]*repository.ApprovalStepInstance, 0, len(line.Steps))
	activated := 0
	for _, def := range line.Steps {
		step := &repository.ApprovalStepInstance{
			StepOrder:    def.StepOrder,
			GroupID:      def.GroupID,
			ApproverID:   def.ApproverID,
			ApproverRole: def.ApproverRole,
			Status:       repository.StepWaiting,
		}
		if def.ApproverID != nil {
			step.AssignedTo = def.ApproverID
		}
		if def.StepOrder == firstOrder {
			s.activateStep(ctx, tenantID, documentType, step, now)
			activated++
		}
		steps = append(steps, step)
	}

	status := repository.InstancePending
	if activated > 0 {
		status = repository.InstanceInProgress
	}
	inst := &repository.ApprovalInstance{
		TenantID:     tenantID,
		DocumentType: documentType,
		DocumentID:   documentID,
		RequesterID:  requesterID,
		LineID:       line.ID,
		Status:       status,
	}
	if err := s.instances.CreateWithSteps(ctx, inst, steps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("instance_id", inst.ID).
		Str("document_type", documentType).
		Str("document_id", documentID).
		Int("steps", len(steps)).
		Msg("Approval instance created")
	return &InstanceDetail{Instance: inst, Steps: steps}, nil
}

// resolveLine picks the line to snapshot: an explicit line must exist, be
// active, and match the document type; otherwise the active line for the
// document type is looked up.
func (s *ApprovalService) resolveLine(ctx context.Context, tenantID, documentType, lineID string) (*repository.ApprovalLine, error) {
	if lineID == "" {
		return s.lines.GetActiveByDocumentType(ctx, tenantID, documentType)
	}
	line, err := s.lines.GetByID(ctx, tenantID, lineID)
	if err != nil {
		return nil, err
	}
	if !line.IsActive {
		return nil, errors.New(errors.ErrCodeConflict, "approval line is not active")
	}
	if line.DocumentType != documentType {
		return nil, errors.InvalidInput("line_id", "line does not cover this document type")
	}
	return line, nil
}

// activateStep flips a snapshot step to pending, picking a concrete approver
// for role steps and applying delegation resolution. Identity outages leave
// role steps role-addressed rather than blocking submission.
func (s *ApprovalService) activateStep(ctx context.Context, tenantID, documentType string, step *repository.ApprovalStepInstance, at time.Time) {
	step.Status = repository.StepPending

	if step.AssignedTo == nil && step.ApproverRole != nil {
		users, err := s.identity.GetUsersWithRole(ctx, tenantID, *step.ApproverRole)
		if err != nil {
			s.log.Warn().Err(err).Str("role", *step.ApproverRole).
				Msg("could not fetch users for role; step stays role-addressed")
		} else if len(users) > 0 {
			step.AssignedTo = &users[0]
		}
	}

	if step.AssignedTo != nil {
		resolved := s.delegations.ResolveApprover(ctx, tenantID, *step.AssignedTo, documentType, at)
		step.ResolvedApprover = &resolved
	}
}

// ── Approve / Reject / Cancel ─────────────────────────────────────────────────

// ApproveStep records an approval. Exactly one of two racing calls on the
// same step wins; the loser gets INVALID_STEP_STATE. When the approval
// completes the instance, the document owner is notified exactly once.
func (s *ApprovalService) ApproveStep(
	ctx context.Context,
	tenantID, instanceID, stepID, approverID string,
	comment *string,
) (*repository.AdvanceResult, error) {
	inst, step, err := s.loadForAction(ctx, tenantID, instanceID, stepID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeActor(ctx, tenantID, inst.DocumentType, step, approverID); err != nil {
		return nil, err
	}

	resolutions, err := s.resolveNextActivation(ctx, tenantID, inst.DocumentType, instanceID)
	if err != nil {
		return nil, err
	}

	result, err := s.instances.Approve(ctx, tenantID, instanceID, stepID, approverID, comment, resolutions)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("instance_id", instanceID).
		Str("step_id", stepID).
		Str("approver_id", approverID).
		Str("instance_status", result.InstanceStatus).
		Msg("Step approved")

	if result.Completed {
		s.notifyResolved(ctx, inst, repository.InstanceApproved, approverID, nil)
	}
	return result, nil
}

// RejectStep records a rejection: the step is rejected, every remaining step
// is skipped, and the instance terminates rejected. The reason is mandatory.
func (s *ApprovalService) RejectStep(
	ctx context.Context,
	tenantID, instanceID, stepID, approverID, reason string,
) (*repository.AdvanceResult, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	inst, step, err := s.loadForAction(ctx, tenantID, instanceID, stepID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeActor(ctx, tenantID, inst.DocumentType, step, approverID); err != nil {
		return nil, err
	}

	result, err := s.instances.Reject(ctx, tenantID, instanceID, stepID, approverID, &reason)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("instance_id", instanceID).
		Str("step_id", stepID).
		Str("approver_id", approverID).
		Str("reason", reason).
		Msg("Step rejected")

	s.notifyResolved(ctx, inst, repository.InstanceRejected, approverID, &reason)
	return result, nil
}

// CancelInstance lets the requester (or an administrator) withdraw a
// non-terminal instance. Remaining steps are skipped.
func (s *ApprovalService) CancelInstance(ctx context.Context, tenantID, instanceID, requesterID string) (*repository.AdvanceResult, error) {
	inst, err := s.instances.GetByID(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if repository.InstanceTerminal(inst.Status) {
		return nil, errors.New(errors.ErrCodeInvalidStepState,
			"instance is already in a terminal state: "+inst.Status)
	}
	if inst.RequesterID != requesterID && !s.hasAdminRole(ctx, tenantID, requesterID) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the requester can cancel the instance")
	}

	result, err := s.instances.Cancel(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("instance_id", instanceID).
		Str("requester_id", requesterID).
		Msg("Instance cancelled")

	s.notifyResolved(ctx, inst, repository.InstanceCancelled, requesterID, nil)
	return result, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns an instance with its steps.
func (s *ApprovalService) GetInstance(ctx context.Context, tenantID, instanceID string) (*InstanceDetail, error) {
	inst, err := s.instances.GetByID(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	steps, err := s.instances.GetSteps(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &InstanceDetail{Instance: inst, Steps: steps}, nil
}

// FindPendingApprovalsForUser returns every pending step the user can act on
// right now: their own steps (unless currently delegated away), steps
// delegated to them, and role-addressed steps matching their role.
func (s *ApprovalService) FindPendingApprovalsForUser(ctx context.Context, tenantID, userID string) ([]*repository.PendingStep, error) {
	now := time.Now()

	nominals := []string{userID}
	delegators, err := s.delegations.DelegatorsFor(ctx, tenantID, userID, now)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).
			Msg("could not load inbound delegations for pending query")
	} else {
		nominals = append(nominals, delegators...)
	}

	candidates, err := s.instances.ListPendingForApprovers(ctx, tenantID, nominals)
	if err != nil {
		return nil, err
	}

	// Delegation resolution is applied at query time: a step counts only
	// when its nominal approver currently resolves to this user.
	var pending []*repository.PendingStep
	for _, p := range candidates {
		if p.AssignedTo == nil {
			continue
		}
		if s.delegations.ResolveApprover(ctx, tenantID, *p.AssignedTo, p.DocumentType, now) == userID {
			pending = append(pending, p)
		}
	}

	if user, err := s.identity.GetUser(ctx, tenantID, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).
			Msg("could not resolve user role for pending query")
	} else if user != nil && user.Role != "" {
		roleSteps, err := s.instances.ListPendingForRoles(ctx, tenantID, []string{user.Role})
		if err != nil {
			return nil, err
		}
		pending = append(pending, roleSteps...)
	}

	return pending, nil
}

// FindInstancesByRequester returns a page of the requester's instances.
func (s *ApprovalService) FindInstancesByRequester(ctx context.Context, tenantID, requesterID string, page, pageSize int) ([]*repository.ApprovalInstance, int, error) {
	return s.instances.ListByRequester(ctx, tenantID, requesterID, page, pageSize)
}

// ── Internals ─────────────────────────────────────────────────────────────────

// loadForAction fetches the instance and step and fails fast on obviously
// stale calls. The repository re-validates both under the instance lock.
func (s *ApprovalService) loadForAction(ctx context.Context, tenantID, instanceID, stepID string) (*repository.ApprovalInstance, *repository.ApprovalStepInstance, error) {
	inst, err := s.instances.GetByID(ctx, tenantID, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if repository.InstanceTerminal(inst.Status) {
		return nil, nil, errors.New(errors.ErrCodeInvalidStepState,
			"instance is already in a terminal state: "+inst.Status)
	}
	step, err := s.instances.GetStep(ctx, instanceID, stepID)
	if err != nil {
		return nil, nil, err
	}
	if step.Status != repository.StepPending {
		return nil, nil, errors.New(errors.ErrCodeInvalidStepState, "step is not pending")
	}
	return inst, step, nil
}

// authorizeActor enforces the acting rule: authority follows the approver the
// step resolves to right now. Delegations are re-resolved at act time, so a
// delegation created after activation is honored and a delegator cannot act
// inside a window they delegated away. Role-addressed steps with no concrete
// assignee accept any user holding the role.
func (s *ApprovalService) authorizeActor(ctx context.Context, tenantID, documentType string, step *repository.ApprovalStepInstance, actorID string) error {
	if actorID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "caller identity is required")
	}

	if step.AssignedTo != nil {
		resolved := s.delegations.ResolveApprover(ctx, tenantID, *step.AssignedTo, documentType, time.Now())
		if actorID == resolved {
			return nil
		}
		return errors.New(errors.ErrCodeUnauthorized, "user is not the resolved approver for this step")
	}

	if step.ApproverRole != nil {
		user, err := s.identity.GetUser(ctx, tenantID, actorID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeUnauthorized, "could not verify caller role")
		}
		if user != nil && user.Role == *step.ApproverRole {
			return nil
		}
		return errors.New(errors.ErrCodeUnauthorized, "user does not hold the step's approver role")
	}

	return errors.New(errors.ErrCodeUnauthorized, "step has no approver the caller matches")
}

// resolveNextActivation precomputes approvers for the steps the approval may
// activate next, so the transactional advance needs no external lookups.
func (s *ApprovalService) resolveNextActivation(ctx context.Context, tenantID, documentType, instanceID string) (map[string]repository.ApproverResolution, error) {
	steps, err := s.instances.GetSteps(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	next, ok := repository.NextWaitingOrder(steps)
	if !ok {
		return nil, nil
	}

	now := time.Now()
	resolutions := make(map[string]repository.ApproverResolution)
	for _, step := range steps {
		if step.StepOrder != next || step.Status != repository.StepWaiting {
			continue
		}
		res := repository.ApproverResolution{AssignedTo: step.AssignedTo}
		if res.AssignedTo == nil && step.ApproverRole != nil {
			users, err := s.identity.GetUsersWithRole(ctx, tenantID, *step.ApproverRole)
			if err != nil {
				s.log.Warn().Err(err).Str("role", *step.ApproverRole).
					Msg("could not fetch users for role; step stays role-addressed")
			} else if len(users) > 0 {
				res.AssignedTo = &users[0]
			}
		}
		if res.AssignedTo != nil {
			resolved := s.delegations.ResolveApprover(ctx, tenantID, *res.AssignedTo, documentType, now)
			res.ResolvedApprover = &resolved
		}
		resolutions[step.ID] = res
	}
	return resolutions, nil
}

func (s *ApprovalService) notifyResolved(ctx context.Context, inst *repository.ApprovalInstance, finalStatus, actedBy string, reason *string) {
	s.notifier.PublishResolved(ctx, client.ResolutionEvent{
		TenantID:     inst.TenantID,
		DocumentType: inst.DocumentType,
		DocumentID:   inst.DocumentID,
		InstanceID:   inst.ID,
		FinalStatus:  finalStatus,
		Reason:       reason,
		ActedBy:      actedBy,
	})
}

func (s *ApprovalService) hasAdminRole(ctx context.Context, tenantID, userID string) bool {
	user, err := s.identity.GetUser(ctx, tenantID, userID)
	if err != nil || user == nil {
		return false
	}
	return user.Role == RoleAdmin
}
