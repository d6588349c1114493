package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mes-approvals/internal/database"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

// DelegationRepository handles CRUD for approval_delegations and the
// active-window lookups used by approver resolution.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `id, tenant_id, delegator_id, delegate_id,
	       valid_from, valid_to, document_type, is_active,
	       created_at, updated_at`

// Create inserts a delegation after verifying no active delegation from the
// same delegator overlaps the requested range in the same document-type
// scope. A wildcard (NULL document_type) overlaps every scope. Creation for
// one delegator is serialized with an advisory transaction lock so two
// concurrent creates cannot both pass the overlap check.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			d.TenantID+":"+d.DelegatorID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire delegation lock")
		}

		var overlap bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM approval_delegations
				WHERE tenant_id = $1
				  AND delegator_id = $2
				  AND is_active = TRUE
				  AND valid_from <= $4
				  AND valid_to   >= $3
				  AND (document_type IS NULL
				       OR $5::text IS NULL
				       OR document_type = $5)
			)
		`, d.TenantID, d.DelegatorID, d.ValidFrom, d.ValidTo, d.DocumentType).Scan(&overlap)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check delegation overlap")
		}
		if overlap {
			return errors.New(errors.ErrCodeDelegationConflict,
				"an active delegation already covers part of the requested range for this scope")
		}

		return tx.QueryRow(ctx, `
			INSERT INTO approval_delegations
			    (tenant_id, delegator_id, delegate_id,
			     valid_from, valid_to, document_type, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			RETURNING id, is_active, created_at, updated_at
		`, d.TenantID, d.DelegatorID, d.DelegateID, d.ValidFrom, d.ValidTo, d.DocumentType).
			Scan(&d.ID, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	})
}

// GetByID retrieves a delegation by primary key.
func (r *DelegationRepository) GetByID(ctx context.Context, tenantID, id string) (*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE id = $1 AND tenant_id = $2
	`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_delegation", id)
	}
	return d, err
}

// Deactivate turns a delegation off. Deactivating twice is a no-op.
func (r *DelegationRepository) Deactivate(ctx context.Context, tenantID, id string) error {
	query := `
		UPDATE approval_delegations
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, tenantID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_delegation", id)
	}
	return err
}

// ListCurrent returns all active delegations whose window covers at.
func (r *DelegationRepository) ListCurrent(ctx context.Context, tenantID string, at time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE tenant_id = $1
		  AND is_active = TRUE
		  AND valid_from <= $2
		  AND valid_to   >= $2
		ORDER BY delegator_id ASC, valid_from ASC
	`
	return r.queryDelegations(ctx, query, tenantID, at)
}

// FindActiveForDelegator returns the delegations that cover at for one
// delegator, both document-type-exact and wildcard rows. Callers apply the
// exact-over-wildcard priority.
func (r *DelegationRepository) FindActiveForDelegator(ctx context.Context, tenantID, delegatorID, documentType string, at time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE tenant_id = $1
		  AND delegator_id = $2
		  AND is_active = TRUE
		  AND valid_from <= $4
		  AND valid_to   >= $4
		  AND (document_type IS NULL OR document_type = $3)
		ORDER BY document_type ASC NULLS LAST
	`
	return r.queryDelegations(ctx, query, tenantID, delegatorID, documentType, at)
}

// FindActiveForDelegate returns delegations that currently point at a user,
// used by the pending-approvals query to include delegated-in work.
func (r *DelegationRepository) FindActiveForDelegate(ctx context.Context, tenantID, delegateID string, at time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE tenant_id = $1
		  AND delegate_id = $2
		  AND is_active = TRUE
		  AND valid_from <= $3
		  AND valid_to   >= $3
		ORDER BY delegator_id ASC
	`
	return r.queryDelegations(ctx, query, tenantID, delegateID, at)
}

// ListForDelegator returns every delegation a user has created, newest first.
func (r *DelegationRepository) ListForDelegator(ctx context.Context, tenantID, delegatorID string) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE tenant_id = $1 AND delegator_id = $2
		ORDER BY valid_from DESC
	`
	return r.queryDelegations(ctx, query, tenantID, delegatorID)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *DelegationRepository) queryDelegations(ctx context.Context, query string, args ...any) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query delegations")
	}
	defer rows.Close()

	var delegations []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

func (r *DelegationRepository) scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.DelegatorID,
		&d.DelegateID,
		&d.ValidFrom,
		&d.ValidTo,
		&d.DocumentType,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
