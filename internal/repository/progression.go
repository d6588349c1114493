package repository

import (
	"fmt"

	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

// ValidateStepDefs checks the structural invariants of a line or template
// step list: non-empty, orders contiguous from 1 (a parallel group counts as
// one position), exactly one of approver id / role per step, and group
// members sharing one order.
func ValidateStepDefs(defs []StepDef) error {
	if len(defs) == 0 {
		return errors.InvalidInput("steps", "step list must not be empty")
	}

	groupOrder := make(map[string]int)
	orders := make(map[int]bool)
	for i, def := range defs {
		hasID := def.ApproverID != nil && *def.ApproverID != ""
		hasRole := def.ApproverRole != nil && *def.ApproverRole != ""
		if hasID == hasRole {
			return errors.InvalidInput("steps",
				fmt.Sprintf("step %d must set exactly one of approver_id and approver_role", i+1))
		}
		if def.StepOrder < 1 {
			return errors.InvalidInput("steps",
				fmt.Sprintf("step %d has invalid step_order %d", i+1, def.StepOrder))
		}
		if def.GroupID != nil && *def.GroupID != "" {
			if prev, ok := groupOrder[*def.GroupID]; ok && prev != def.StepOrder {
				return errors.InvalidInput("steps",
					fmt.Sprintf("group %q spans step orders %d and %d", *def.GroupID, prev, def.StepOrder))
			}
			groupOrder[*def.GroupID] = def.StepOrder
		} else if orders[def.StepOrder] {
			return errors.InvalidInput("steps",
				fmt.Sprintf("step order %d is used by more than one ungrouped step", def.StepOrder))
		}
		orders[def.StepOrder] = true
	}

	for want := 1; want <= len(orders); want++ {
		if !orders[want] {
			return errors.InvalidInput("steps",
				fmt.Sprintf("step orders are not contiguous: missing order %d", want))
		}
	}
	return nil
}

// FirstStepOrder returns the lowest step order in a definition list.
func FirstStepOrder(defs []StepDef) int {
	first := 0
	for _, def := range defs {
		if first == 0 || def.StepOrder < first {
			first = def.StepOrder
		}
	}
	return first
}

// PendingRemain reports whether any step instance is still pending.
func PendingRemain(steps []*ApprovalStepInstance) bool {
	for _, s := range steps {
		if s.Status == StepPending {
			return true
		}
	}
	return false
}

// NextWaitingOrder returns the lowest step order that still has waiting
// steps, i.e. the next position to activate once nothing is pending.
func NextWaitingOrder(steps []*ApprovalStepInstance) (int, bool) {
	next := 0
	for _, s := range steps {
		if s.Status != StepWaiting {
			continue
		}
		if next == 0 || s.StepOrder < next {
			next = s.StepOrder
		}
	}
	return next, next != 0
}
