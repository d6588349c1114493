package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mes-approvals/internal/database"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

// TemplateRepository handles CRUD for approval_line_templates. Each row is
// one version of a named template; versions cloned into lines are immutable
// and edits insert the next version instead (see UpdateVersioned).
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, tenant_id, template_name, document_type, version,
	       steps, created_at, updated_at`

// Create inserts version 1 of a new template.
func (r *TemplateRepository) Create(ctx context.Context, tpl *ApprovalLineTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template steps")
	}

	tpl.Version = 1
	query := `
		INSERT INTO approval_line_templates
		    (tenant_id, template_name, document_type, version, steps)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		tpl.TenantID,
		tpl.TemplateName,
		tpl.DocumentType,
		tpl.Version,
		stepsJSON,
	).Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)

	if database.IsUniqueViolation(err, "") {
		return errors.New(errors.ErrCodeConflict, "template_name already exists for tenant")
	}
	return err
}

// GetByID retrieves one template version by primary key.
func (r *TemplateRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalLineTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM approval_line_templates
		WHERE id = $1 AND tenant_id = $2
	`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_line_template", id)
	}
	return tpl, err
}

// GetLatestByName returns the highest version of a named template.
func (r *TemplateRepository) GetLatestByName(ctx context.Context, tenantID, name string) (*ApprovalLineTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM approval_line_templates
		WHERE tenant_id = $1 AND template_name = $2
		ORDER BY version DESC
		LIMIT 1
	`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, tenantID, name))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_line_template", name)
	}
	return tpl, err
}

// List returns the latest version of every template for a tenant.
func (r *TemplateRepository) List(ctx context.Context, tenantID string) ([]*ApprovalLineTemplate, error) {
	query := `
		SELECT DISTINCT ON (template_name) ` + templateColumns + `
		FROM approval_line_templates
		WHERE tenant_id = $1
		ORDER BY template_name ASC, version DESC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list templates")
	}
	defer rows.Close()

	var templates []*ApprovalLineTemplate
	for rows.Next() {
		tpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template")
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// UpdateVersioned applies an edit to a template. When the version being
// edited has been cloned into any line, the edit inserts the next version
// and leaves the referenced one untouched; otherwise it updates in place.
// On return tpl carries the id and version of the row that now holds the edit.
func (r *TemplateRepository) UpdateVersioned(ctx context.Context, tpl *ApprovalLineTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template steps")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var referenced bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM approval_lines
				WHERE tenant_id = $1 AND template_id = $2
			)
		`, tpl.TenantID, tpl.ID).Scan(&referenced)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check template references")
		}

		if !referenced {
			err := tx.QueryRow(ctx, `
				UPDATE approval_line_templates
				SET template_name = $3,
				    document_type = $4,
				    steps         = $5,
				    updated_at    = NOW()
				WHERE id = $1 AND tenant_id = $2
				RETURNING version, updated_at
			`, tpl.ID, tpl.TenantID, tpl.TemplateName, tpl.DocumentType, stepsJSON).
				Scan(&tpl.Version, &tpl.UpdatedAt)
			if err == pgx.ErrNoRows {
				return errors.NotFound("approval_line_template", tpl.ID)
			}
			return err
		}

		// Referenced version is immutable: insert the next version.
		var name string
		var maxVersion int
		err = tx.QueryRow(ctx, `
			SELECT t.template_name, m.max_version
			FROM approval_line_templates t,
			     LATERAL (
				SELECT MAX(version) AS max_version
				FROM approval_line_templates
				WHERE tenant_id = t.tenant_id AND template_name = t.template_name
			     ) m
			WHERE t.id = $1 AND t.tenant_id = $2
		`, tpl.ID, tpl.TenantID).Scan(&name, &maxVersion)
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_line_template", tpl.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve template version")
		}

		tpl.Version = maxVersion + 1
		return tx.QueryRow(ctx, `
			INSERT INTO approval_line_templates
			    (tenant_id, template_name, document_type, version, steps)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`, tpl.TenantID, tpl.TemplateName, tpl.DocumentType, tpl.Version, stepsJSON).
			Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
	})
}

// Delete removes one template version. Versions referenced by lines are kept
// to preserve provenance; the service refuses such deletes.
func (r *TemplateRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_line_templates WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_line_template", id)
	}
	return nil
}

// IsReferenced reports whether any line was cloned from this template version.
func (r *TemplateRepository) IsReferenced(ctx context.Context, tenantID, id string) (bool, error) {
	var referenced bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM approval_lines
			WHERE tenant_id = $1 AND template_id = $2
		)
	`, tenantID, id).Scan(&referenced)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check template references")
	}
	return referenced, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func (r *TemplateRepository) scanTemplate(row rowScanner) (*ApprovalLineTemplate, error) {
	tpl := &ApprovalLineTemplate{}
	var stepsJSON []byte
	err := row.Scan(
		&tpl.ID,
		&tpl.TenantID,
		&tpl.TemplateName,
		&tpl.DocumentType,
		&tpl.Version,
		&stepsJSON,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &tpl.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template steps")
	}
	return tpl, nil
}
