package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

func strPtr(s string) *string { return &s }

func TestValidateStepDefs(t *testing.T) {
	testCases := []struct {
		name    string
		steps   []StepDef
		wantErr bool
	}{
		{
			name:    "empty list",
			steps:   nil,
			wantErr: true,
		},
		{
			name: "single approver step",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1")},
			},
		},
		{
			name: "sequential chain",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1")},
				{StepOrder: 2, ApproverRole: strPtr("QA_LEAD")},
				{StepOrder: 3, ApproverID: strPtr("user-3")},
			},
		},
		{
			name: "parallel group shares one order",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1")},
				{StepOrder: 2, ApproverID: strPtr("user-2"), GroupID: strPtr("g1")},
				{StepOrder: 2, ApproverID: strPtr("user-3"), GroupID: strPtr("g1")},
			},
		},
		{
			name: "both approver id and role",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1"), ApproverRole: strPtr("QA_LEAD")},
			},
			wantErr: true,
		},
		{
			name: "neither approver id nor role",
			steps: []StepDef{
				{StepOrder: 1},
			},
			wantErr: true,
		},
		{
			name: "zero step order",
			steps: []StepDef{
				{StepOrder: 0, ApproverID: strPtr("user-1")},
			},
			wantErr: true,
		},
		{
			name: "group spanning two orders",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1"), GroupID: strPtr("g1")},
				{StepOrder: 2, ApproverID: strPtr("user-2"), GroupID: strPtr("g1")},
			},
			wantErr: true,
		},
		{
			name: "ungrouped steps sharing an order",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1")},
				{StepOrder: 1, ApproverID: strPtr("user-2")},
			},
			wantErr: true,
		},
		{
			name: "gap in orders",
			steps: []StepDef{
				{StepOrder: 1, ApproverID: strPtr("user-1")},
				{StepOrder: 3, ApproverID: strPtr("user-2")},
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateStepDefs(tc.steps)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFirstStepOrder(t *testing.T) {
	steps := []StepDef{
		{StepOrder: 3, ApproverID: strPtr("c")},
		{StepOrder: 1, ApproverID: strPtr("a")},
		{StepOrder: 2, ApproverID: strPtr("b")},
	}
	assert.Equal(t, 1, FirstStepOrder(steps))
	assert.Equal(t, 0, FirstStepOrder(nil))
}

func TestPendingRemain(t *testing.T) {
	steps := []*ApprovalStepInstance{
		{StepOrder: 1, Status: StepApproved},
		{StepOrder: 1, Status: StepPending},
		{StepOrder: 2, Status: StepWaiting},
	}
	assert.True(t, PendingRemain(steps))

	steps[1].Status = StepApproved
	assert.False(t, PendingRemain(steps))
}

func TestNextWaitingOrder(t *testing.T) {
	steps := []*ApprovalStepInstance{
		{StepOrder: 1, Status: StepApproved},
		{StepOrder: 2, Status: StepWaiting},
		{StepOrder: 3, Status: StepWaiting},
	}
	next, ok := NextWaitingOrder(steps)
	require.True(t, ok)
	assert.Equal(t, 2, next)

	steps[1].Status = StepApproved
	next, ok = NextWaitingOrder(steps)
	require.True(t, ok)
	assert.Equal(t, 3, next)

	steps[2].Status = StepSkipped
	_, ok = NextWaitingOrder(steps)
	assert.False(t, ok)
}

func TestInstanceTerminal(t *testing.T) {
	assert.False(t, InstanceTerminal(InstancePending))
	assert.False(t, InstanceTerminal(InstanceInProgress))
	assert.True(t, InstanceTerminal(InstanceApproved))
	assert.True(t, InstanceTerminal(InstanceRejected))
	assert.True(t, InstanceTerminal(InstanceCancelled))
}
