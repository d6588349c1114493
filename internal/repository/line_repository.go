package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mes-approvals/internal/database"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

// LineRepository handles CRUD for approval_lines. Step lists are stored as a
// JSONB array in the steps column.
type LineRepository struct {
	db *database.DB
}

// NewLineRepository creates a new LineRepository.
func NewLineRepository(db *database.DB) *LineRepository {
	return &LineRepository{db: db}
}

const lineColumns = `id, tenant_id, line_code, line_name, document_type, is_active,
	       steps, template_id, template_version, created_at, updated_at`

// Create inserts a new approval line. line_code is unique per tenant.
func (r *LineRepository) Create(ctx context.Context, line *ApprovalLine) error {
	stepsJSON, err := json.Marshal(line.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line steps")
	}

	query := `
		INSERT INTO approval_lines
		    (tenant_id, line_code, line_name, document_type, is_active,
		     steps, template_id, template_version)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		line.TenantID,
		line.LineCode,
		line.LineName,
		line.DocumentType,
		line.IsActive,
		stepsJSON,
		line.TemplateID,
		line.TemplateVersion,
	).Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)

	if database.IsUniqueViolation(err, "") {
		return errors.New(errors.ErrCodeConflict, "line_code already exists for tenant")
	}
	return err
}

// GetByID retrieves a line by primary key within a tenant.
func (r *LineRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalLine, error) {
	query := `
		SELECT ` + lineColumns + `
		FROM approval_lines
		WHERE id = $1 AND tenant_id = $2
	`

	line, err := r.scanLine(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_line", id)
	}
	return line, err
}

// List returns all lines for a tenant, optionally filtered to active only.
func (r *LineRepository) List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalLine, error) {
	query := `
		SELECT ` + lineColumns + `
		FROM approval_lines
		WHERE tenant_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY line_code ASC"

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval lines")
	}
	defer rows.Close()

	var lines []*ApprovalLine
	for rows.Next() {
		line, err := r.scanLine(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval line")
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetActiveByDocumentType returns the active line for a document type.
// With several active lines for the same type the most recently updated wins.
func (r *LineRepository) GetActiveByDocumentType(ctx context.Context, tenantID, documentType string) (*ApprovalLine, error) {
	query := `
		SELECT ` + lineColumns + `
		FROM approval_lines
		WHERE tenant_id = $1 AND document_type = $2 AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`

	line, err := r.scanLine(r.db.QueryRow(ctx, query, tenantID, documentType))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_line for document type", documentType)
	}
	return line, err
}

// Update persists changes to an existing line.
func (r *LineRepository) Update(ctx context.Context, line *ApprovalLine) error {
	stepsJSON, err := json.Marshal(line.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line steps")
	}

	query := `
		UPDATE approval_lines
		SET line_code     = $3,
		    line_name     = $4,
		    document_type = $5,
		    is_active     = $6,
		    steps         = $7,
		    updated_at    = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		line.ID,
		line.TenantID,
		line.LineCode,
		line.LineName,
		line.DocumentType,
		line.IsActive,
		stepsJSON,
	).Scan(&line.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_line", line.ID)
	}
	if database.IsUniqueViolation(err, "") {
		return errors.New(errors.ErrCodeConflict, "line_code already exists for tenant")
	}
	return err
}

// SetActive toggles the active flag.
func (r *LineRepository) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	query := `
		UPDATE approval_lines
		SET is_active = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, tenantID, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_line", id)
	}
	return err
}

// Delete removes a line. Callers must first check for non-terminal instances.
func (r *LineRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_lines WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval line")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_line", id)
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *LineRepository) scanLine(row rowScanner) (*ApprovalLine, error) {
	line := &ApprovalLine{}
	var stepsJSON []byte
	err := row.Scan(
		&line.ID,
		&line.TenantID,
		&line.LineCode,
		&line.LineName,
		&line.DocumentType,
		&line.IsActive,
		&stepsJSON,
		&line.TemplateID,
		&line.TemplateVersion,
		&line.CreatedAt,
		&line.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &line.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line steps")
	}
	return line, nil
}
