package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mes-approvals/internal/database"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

// ApproverResolution carries the approver computed for a step at activation
// time: the nominal assignee (role holder or fixed approver) and the
// delegation-resolved actor.
type ApproverResolution struct {
	AssignedTo       *string
	ResolvedApprover *string
}

// AdvanceResult describes what an approve/reject transition did to the
// instance: the resulting status, the steps it activated, and whether the
// instance reached a terminal state in this call.
type AdvanceResult struct {
	InstanceStatus string
	CompletedAt    *time.Time
	Activated      []*ApprovalStepInstance
	Completed      bool
}

// InstanceRepository owns approval_instances and approval_step_instances.
// Every mutation runs in a transaction that first locks the instance row
// (SELECT ... FOR UPDATE), so concurrent approve/reject/cancel calls on one
// instance are linearized: racing actions on the same step have exactly one
// winner, and the parallel-group completion check always observes the final
// sibling write.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `id, tenant_id, document_type, document_id, requester_id,
	       line_id, status, created_at, completed_at, updated_at`

const stepColumns = `id, instance_id, step_order, group_id,
	       approver_id, approver_role, assigned_to, resolved_approver,
	       status, acted_by, acted_at, comment, created_at, updated_at`

// ── Creation ──────────────────────────────────────────────────────────────────

// CreateWithSteps inserts an instance and its snapshotted steps in one
// transaction. Fails with DUPLICATE_ACTIVE_INSTANCE when a non-terminal
// instance already exists for the same (tenant, document_type, document_id);
// a partial unique index backs the in-transaction check.
func (r *InstanceRepository) CreateWithSteps(ctx context.Context, inst *ApprovalInstance, steps []*ApprovalStepInstance) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM approval_instances
				WHERE tenant_id = $1 AND document_type = $2 AND document_id = $3
				  AND status IN ('pending', 'in_progress')
			)
		`, inst.TenantID, inst.DocumentType, inst.DocumentID).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check for active instance")
		}
		if exists {
			return errors.New(errors.ErrCodeDuplicateActiveInstance,
				"an approval instance is already active for this document")
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO approval_instances
			    (tenant_id, document_type, document_id, requester_id, line_id, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`, inst.TenantID, inst.DocumentType, inst.DocumentID, inst.RequesterID, inst.LineID, inst.Status).
			Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}

		stepQuery := `
			INSERT INTO approval_step_instances
			    (instance_id, step_order, group_id,
			     approver_id, approver_role, assigned_to, resolved_approver, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`
		for _, step := range steps {
			step.InstanceID = inst.ID
			err := tx.QueryRow(ctx, stepQuery,
				step.InstanceID,
				step.StepOrder,
				step.GroupID,
				step.ApproverID,
				step.ApproverRole,
				step.AssignedTo,
				step.ResolvedApprover,
				step.Status,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step instance")
			}
		}
		return nil
	})

	if database.IsUniqueViolation(err, "approval_instances_active_doc_idx") {
		return errors.New(errors.ErrCodeDuplicateActiveInstance,
			"an approval instance is already active for this document")
	}
	return err
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetByID retrieves an instance by primary key within a tenant.
func (r *InstanceRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE id = $1 AND tenant_id = $2
	`
	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetActiveByDocument returns the non-terminal instance for a document, or
// nil when there is none.
func (r *InstanceRepository) GetActiveByDocument(ctx context.Context, tenantID, documentType, documentID string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE tenant_id = $1 AND document_type = $2 AND document_id = $3
		  AND status IN ('pending', 'in_progress')
		LIMIT 1
	`
	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, tenantID, documentType, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// GetSteps returns all steps of an instance ordered by step_order.
func (r *InstanceRepository) GetSteps(ctx context.Context, instanceID string) ([]*ApprovalStepInstance, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_step_instances
		WHERE instance_id = $1
		ORDER BY step_order ASC, created_at ASC
	`
	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step instances")
	}
	defer rows.Close()
	return scanStepRows(rows)
}

// GetStep returns one step of an instance.
func (r *InstanceRepository) GetStep(ctx context.Context, instanceID, stepID string) (*ApprovalStepInstance, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_step_instances
		WHERE id = $1 AND instance_id = $2
	`
	step, err := scanStep(r.db.QueryRow(ctx, query, stepID, instanceID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_step_instance", stepID)
	}
	return step, err
}

// ListByRequester returns a page of a requester's instances, newest first,
// with the total count.
func (r *InstanceRepository) ListByRequester(ctx context.Context, tenantID, requesterID string, page, pageSize int) ([]*ApprovalInstance, int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM approval_instances
		WHERE tenant_id = $1 AND requester_id = $2
	`, tenantID, requesterID).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count instances")
	}

	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE tenant_id = $1 AND requester_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, tenantID, requesterID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list instances")
	}
	defer rows.Close()

	var instances []*ApprovalInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan instance")
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

// CountNonTerminalByLine counts in-flight instances snapshotted from a line.
func (r *InstanceRepository) CountNonTerminalByLine(ctx context.Context, tenantID, lineID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM approval_instances
		WHERE tenant_id = $1 AND line_id = $2
		  AND status IN ('pending', 'in_progress')
	`, tenantID, lineID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count active instances")
	}
	return count, nil
}

// ListPendingForApprovers returns pending steps of non-terminal instances
// whose nominal assignee is one of the given users.
func (r *InstanceRepository) ListPendingForApprovers(ctx context.Context, tenantID string, approverIDs []string) ([]*PendingStep, error) {
	if len(approverIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT s.id, s.instance_id, s.step_order, s.group_id,
		       s.approver_id, s.approver_role, s.assigned_to, s.resolved_approver,
		       s.status, s.acted_by, s.acted_at, s.comment, s.created_at, s.updated_at,
		       i.tenant_id, i.document_type, i.document_id, i.requester_id
		FROM approval_step_instances s
		JOIN approval_instances i ON i.id = s.instance_id
		WHERE i.tenant_id = $1
		  AND i.status IN ('pending', 'in_progress')
		  AND s.status = 'pending'
		  AND s.assigned_to = ANY($2)
		ORDER BY s.created_at ASC
	`
	return r.queryPendingSteps(ctx, query, tenantID, approverIDs)
}

// ListPendingForRoles returns pending role-addressed steps that no concrete
// user was assigned to, for the given roles.
func (r *InstanceRepository) ListPendingForRoles(ctx context.Context, tenantID string, roles []string) ([]*PendingStep, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	query := `
		SELECT s.id, s.instance_id, s.step_order, s.group_id,
		       s.approver_id, s.approver_role, s.assigned_to, s.resolved_approver,
		       s.status, s.acted_by, s.acted_at, s.comment, s.created_at, s.updated_at,
		       i.tenant_id, i.document_type, i.document_id, i.requester_id
		FROM approval_step_instances s
		JOIN approval_instances i ON i.id = s.instance_id
		WHERE i.tenant_id = $1
		  AND i.status IN ('pending', 'in_progress')
		  AND s.status = 'pending'
		  AND s.assigned_to IS NULL
		  AND s.approver_role = ANY($2)
		ORDER BY s.created_at ASC
	`
	return r.queryPendingSteps(ctx, query, tenantID, roles)
}

// ── Transitions ───────────────────────────────────────────────────────────────

// Approve marks a pending step approved and advances the instance: when the
// step's position (or parallel group) is fully approved, the next position's
// steps flip waiting→pending using the supplied resolutions; with no further
// positions the instance becomes approved. The whole transition runs under
// the instance row lock.
func (r *InstanceRepository) Approve(
	ctx context.Context,
	tenantID, instanceID, stepID, actedBy string,
	comment *string,
	resolutions map[string]ApproverResolution,
) (*AdvanceResult, error) {
	result := &AdvanceResult{}
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		inst, err := r.lockInstance(ctx, tx, tenantID, instanceID)
		if err != nil {
			return err
		}
		if InstanceTerminal(inst.Status) {
			return errors.New(errors.ErrCodeInvalidStepState,
				"instance is already in a terminal state: "+inst.Status)
		}

		if err := r.actOnStep(ctx, tx, instanceID, stepID, StepApproved, actedBy, comment); err != nil {
			return err
		}

		steps, err := r.getStepsTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}

		// Parallel group incomplete: siblings still pending, nothing advances.
		if PendingRemain(steps) {
			result.InstanceStatus = InstanceInProgress
			return nil
		}

		if order, ok := NextWaitingOrder(steps); ok {
			activated, err := r.activateOrder(ctx, tx, instanceID, steps, order, resolutions)
			if err != nil {
				return err
			}
			result.InstanceStatus = InstanceInProgress
			result.Activated = activated
			return nil
		}

		// No pending, no waiting: the instance is fully approved.
		completedAt, err := r.finishInstance(ctx, tx, instanceID, InstanceApproved)
		if err != nil {
			return err
		}
		result.InstanceStatus = InstanceApproved
		result.CompletedAt = &completedAt
		result.Completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reject marks a pending step rejected, skips every remaining waiting or
// pending step, and moves the instance to rejected.
func (r *InstanceRepository) Reject(
	ctx context.Context,
	tenantID, instanceID, stepID, actedBy string,
	reason *string,
) (*AdvanceResult, error) {
	result := &AdvanceResult{}
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		inst, err := r.lockInstance(ctx, tx, tenantID, instanceID)
		if err != nil {
			return err
		}
		if InstanceTerminal(inst.Status) {
			return errors.New(errors.ErrCodeInvalidStepState,
				"instance is already in a terminal state: "+inst.Status)
		}

		if err := r.actOnStep(ctx, tx, instanceID, stepID, StepRejected, actedBy, reason); err != nil {
			return err
		}
		if err := r.skipRemaining(ctx, tx, instanceID); err != nil {
			return err
		}

		completedAt, err := r.finishInstance(ctx, tx, instanceID, InstanceRejected)
		if err != nil {
			return err
		}
		result.InstanceStatus = InstanceRejected
		result.CompletedAt = &completedAt
		result.Completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel skips every remaining step and moves a non-terminal instance to
// cancelled. Terminal instances fail with INVALID_STEP_STATE.
func (r *InstanceRepository) Cancel(ctx context.Context, tenantID, instanceID string) (*AdvanceResult, error) {
	result := &AdvanceResult{}
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		inst, err := r.lockInstance(ctx, tx, tenantID, instanceID)
		if err != nil {
			return err
		}
		if InstanceTerminal(inst.Status) {
			return errors.New(errors.ErrCodeInvalidStepState,
				"instance is already in a terminal state: "+inst.Status)
		}

		if err := r.skipRemaining(ctx, tx, instanceID); err != nil {
			return err
		}
		completedAt, err := r.finishInstance(ctx, tx, instanceID, InstanceCancelled)
		if err != nil {
			return err
		}
		result.InstanceStatus = InstanceCancelled
		result.CompletedAt = &completedAt
		result.Completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ── Transaction helpers ───────────────────────────────────────────────────────

func (r *InstanceRepository) lockInstance(ctx context.Context, tx pgx.Tx, tenantID, id string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`
	inst, err := r.scanInstance(tx.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock instance")
	}
	return inst, nil
}

// actOnStep records the approver's decision on a step that must be pending.
func (r *InstanceRepository) actOnStep(ctx context.Context, tx pgx.Tx, instanceID, stepID, status, actedBy string, note *string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM approval_step_instances WHERE id = $1 AND instance_id = $2)
	`, stepID, instanceID).Scan(&exists); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check step")
	}
	if !exists {
		return errors.NotFound("approval_step_instance", stepID)
	}

	var returnedID string
	err := tx.QueryRow(ctx, `
		UPDATE approval_step_instances
		SET status     = $3,
		    acted_by   = $4,
		    acted_at   = NOW(),
		    comment    = $5,
		    updated_at = NOW()
		WHERE id = $1 AND instance_id = $2 AND status = 'pending'
		RETURNING id
	`, stepID, instanceID, status, actedBy, note).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeInvalidStepState, "step is not pending")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update step")
	}
	return nil
}

// activateOrder flips the waiting steps at the given order to pending,
// applying the precomputed approver resolutions.
func (r *InstanceRepository) activateOrder(
	ctx context.Context,
	tx pgx.Tx,
	instanceID string,
	steps []*ApprovalStepInstance,
	order int,
	resolutions map[string]ApproverResolution,
) ([]*ApprovalStepInstance, error) {
	var activated []*ApprovalStepInstance
	for _, step := range steps {
		if step.StepOrder != order || step.Status != StepWaiting {
			continue
		}
		res := resolutions[step.ID]
		assigned := step.AssignedTo
		if res.AssignedTo != nil {
			assigned = res.AssignedTo
		}
		resolved := res.ResolvedApprover
		if resolved == nil {
			resolved = assigned
		}

		err := tx.QueryRow(ctx, `
			UPDATE approval_step_instances
			SET status            = 'pending',
			    assigned_to       = $3,
			    resolved_approver = $4,
			    updated_at        = NOW()
			WHERE id = $1 AND instance_id = $2 AND status = 'waiting'
			RETURNING updated_at
		`, step.ID, instanceID, assigned, resolved).Scan(&step.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to activate step")
		}
		step.Status = StepPending
		step.AssignedTo = assigned
		step.ResolvedApprover = resolved
		activated = append(activated, step)
	}
	return activated, nil
}

func (r *InstanceRepository) skipRemaining(ctx context.Context, tx pgx.Tx, instanceID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_step_instances
		SET status = 'skipped', updated_at = NOW()
		WHERE instance_id = $1 AND status IN ('waiting', 'pending')
	`, instanceID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to skip remaining steps")
	}
	return nil
}

func (r *InstanceRepository) finishInstance(ctx context.Context, tx pgx.Tx, instanceID, status string) (time.Time, error) {
	var completedAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE approval_instances
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING completed_at
	`, instanceID, status).Scan(&completedAt)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to finish instance")
	}
	return completedAt, nil
}

func (r *InstanceRepository) getStepsTx(ctx context.Context, tx pgx.Tx, instanceID string) ([]*ApprovalStepInstance, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_step_instances
		WHERE instance_id = $1
		ORDER BY step_order ASC, created_at ASC
	`
	rows, err := tx.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step instances")
	}
	defer rows.Close()
	return scanStepRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *InstanceRepository) scanInstance(row rowScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.TenantID,
		&inst.DocumentType,
		&inst.DocumentID,
		&inst.RequesterID,
		&inst.LineID,
		&inst.Status,
		&inst.CreatedAt,
		&inst.CompletedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func scanStep(row rowScanner) (*ApprovalStepInstance, error) {
	s := &ApprovalStepInstance{}
	err := row.Scan(
		&s.ID,
		&s.InstanceID,
		&s.StepOrder,
		&s.GroupID,
		&s.ApproverID,
		&s.ApproverRole,
		&s.AssignedTo,
		&s.ResolvedApprover,
		&s.Status,
		&s.ActedBy,
		&s.ActedAt,
		&s.Comment,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanStepRows(rows pgx.Rows) ([]*ApprovalStepInstance, error) {
	var steps []*ApprovalStepInstance
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step instance")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *InstanceRepository) queryPendingSteps(ctx context.Context, query string, args ...any) ([]*PendingStep, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query pending steps")
	}
	defer rows.Close()

	var steps []*PendingStep
	for rows.Next() {
		p := &PendingStep{}
		err := rows.Scan(
			&p.ID,
			&p.InstanceID,
			&p.StepOrder,
			&p.GroupID,
			&p.ApproverID,
			&p.ApproverRole,
			&p.AssignedTo,
			&p.ResolvedApprover,
			&p.Status,
			&p.ActedBy,
			&p.ActedAt,
			&p.Comment,
			&p.CreatedAt,
			&p.UpdatedAt,
			&p.TenantID,
			&p.DocumentType,
			&p.DocumentID,
			&p.RequesterID,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending step")
		}
		steps = append(steps, p)
	}
	return steps, rows.Err()
}
