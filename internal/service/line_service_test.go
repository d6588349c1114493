package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-mes-approvals/internal/client"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
)

type lineEnv struct {
	lines     *fakeLineStore
	templates *fakeTemplateStore
	usage     *fakeUsageCounter
	identity  *fakeIdentity
	service   *LineService
}

func newLineEnv() *lineEnv {
	env := &lineEnv{
		lines:     newFakeLineStore(),
		templates: newFakeTemplateStore(),
		usage:     &fakeUsageCounter{},
		identity:  newFakeIdentity(),
	}
	env.identity.addUser(testTenant, &client.User{ID: "manager-1", Role: RoleApprovalManager})
	env.identity.addUser(testTenant, &client.User{ID: "operator-1", Role: "OPERATOR"})
	env.service = NewLineService(env.lines, env.templates, env.usage, env.identity, zerolog.Nop())
	return env
}

func validLine() *repository.ApprovalLine {
	return &repository.ApprovalLine{
		TenantID:     testTenant,
		LineCode:     "WO-STD",
		LineName:     "Standard work order line",
		DocumentType: "work_order",
		IsActive:     true,
		Steps:        sequentialSteps("user-1", "user-2"),
	}
}

func TestCreateLineRequiresManagerRole(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()

	err := env.service.CreateLine(ctx, "operator-1", validLine())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	err = env.service.CreateLine(ctx, "", validLine())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	require.NoError(t, env.service.CreateLine(ctx, "manager-1", validLine()))
}

func TestCreateLineValidatesInput(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()

	line := validLine()
	line.LineCode = ""
	err := env.service.CreateLine(ctx, "manager-1", line)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))

	line = validLine()
	line.Steps = nil
	err = env.service.CreateLine(ctx, "manager-1", line)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))

	line = validLine()
	line.Steps[1].ApproverRole = strPtr("QA_LEAD") // both id and role set
	err = env.service.CreateLine(ctx, "manager-1", line)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
}

func TestCreateLineRejectsDuplicateCode(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()

	require.NoError(t, env.service.CreateLine(ctx, "manager-1", validLine()))
	err := env.service.CreateLine(ctx, "manager-1", validLine())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))
}

func TestDeleteLineGuardedByUsage(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()
	line := validLine()
	require.NoError(t, env.service.CreateLine(ctx, "manager-1", line))

	env.usage.count = 2
	err := env.service.DeleteLine(ctx, testTenant, "manager-1", line.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))

	env.usage.count = 0
	require.NoError(t, env.service.DeleteLine(ctx, testTenant, "manager-1", line.ID))

	_, err = env.service.GetLine(ctx, testTenant, line.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.Code(err))
}

func TestToggleLineActive(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()
	line := validLine()
	require.NoError(t, env.service.CreateLine(ctx, "manager-1", line))

	active, err := env.service.ToggleLineActive(ctx, testTenant, "manager-1", line.ID)
	require.NoError(t, err)
	assert.False(t, active)

	active, err = env.service.ToggleLineActive(ctx, testTenant, "manager-1", line.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func validTemplate() *repository.ApprovalLineTemplate {
	return &repository.ApprovalLineTemplate{
		TenantID:     testTenant,
		TemplateName: "Standard QA chain",
		DocumentType: "deviation",
		Steps: []repository.StepDef{
			{StepOrder: 1, ApproverRole: strPtr("QA_LEAD")},
			{StepOrder: 2, ApproverID: strPtr("user-2")},
		},
	}
}

func TestCloneTemplateProducesIndependentLine(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()
	tpl := validTemplate()
	require.NoError(t, env.service.CreateTemplate(ctx, "manager-1", tpl))

	line, err := env.service.CloneTemplate(ctx, testTenant, "manager-1", tpl.ID, "DEV-STD", "", nil)
	require.NoError(t, err)
	assert.Equal(t, tpl.TemplateName, line.LineName)
	assert.Equal(t, tpl.DocumentType, line.DocumentType)
	require.NotNil(t, line.TemplateID)
	assert.Equal(t, tpl.ID, *line.TemplateID)
	require.NotNil(t, line.TemplateVersion)
	assert.Equal(t, 1, *line.TemplateVersion)
	require.Len(t, line.Steps, 2)

	// mutating the clone's steps must not reach the template
	*line.Steps[0].ApproverRole = "PLANT_MANAGER"
	stored, err := env.service.GetTemplate(ctx, testTenant, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "QA_LEAD", *stored.Steps[0].ApproverRole)
}

func TestCloneTemplateOverridesDocumentType(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()
	tpl := validTemplate()
	require.NoError(t, env.service.CreateTemplate(ctx, "manager-1", tpl))

	line, err := env.service.CloneTemplate(ctx, testTenant, "manager-1", tpl.ID, "WO-FROM-TPL", "Work order line", strPtr("work_order"))
	require.NoError(t, err)
	assert.Equal(t, "work_order", line.DocumentType)
	assert.Equal(t, "Work order line", line.LineName)
}

func TestUpdateTemplateVersionsWhenReferenced(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()
	tpl := validTemplate()
	require.NoError(t, env.service.CreateTemplate(ctx, "manager-1", tpl))
	env.templates.referenced[tpl.ID] = true

	originalID := tpl.ID
	tpl.Steps = []repository.StepDef{{StepOrder: 1, ApproverID: strPtr("user-7")}}
	require.NoError(t, env.service.UpdateTemplate(ctx, "manager-1", tpl))

	assert.NotEqual(t, originalID, tpl.ID)
	assert.Equal(t, 2, tpl.Version)

	// the referenced version is untouched
	original, err := env.service.GetTemplate(ctx, testTenant, originalID)
	require.NoError(t, err)
	assert.Equal(t, 1, original.Version)
	require.Len(t, original.Steps, 2)
}

func TestDeleteTemplateGuardedByReferences(t *testing.T) {
	env := newLineEnv()
	ctx := context.Background()
	tpl := validTemplate()
	require.NoError(t, env.service.CreateTemplate(ctx, "manager-1", tpl))
	env.templates.referenced[tpl.ID] = true

	err := env.service.DeleteTemplate(ctx, testTenant, "manager-1", tpl.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))

	env.templates.referenced[tpl.ID] = false
	require.NoError(t, env.service.DeleteTemplate(ctx, testTenant, "manager-1", tpl.ID))
}
