package workflow

import "github.com/pitabwire/hazen/model"

// Canonical anchor step IDs. Definitions may use any step IDs, but these
// four anchor status derivation when present.
const (
	StepReport  = "report"
	StepAssign  = "assign"
	StepRectify = "rectify"
	StepVerify  = "verify"
)

// DeriveStatus maps a step position to a coarse lifecycle status. It is pure
// and total: any input yields a status, defaulting to assigned.
//
// Steps whose ID matches a canonical anchor map directly. Everything else is
// bucketed by position relative to the anchors present in the definition,
// checked in priority order. Intermediate approval steps between assign and
// rectify therefore read as assigned; steps between rectify and verify read
// as rectifying. Closed is never derived here: it is only set by an explicit
// closing action.
func DeriveStatus(stepID string, stepIndex int, steps []model.Step) string {
	switch stepID {
	case StepReport:
		return model.StatusReported
	case StepAssign:
		return model.StatusAssigned
	case StepRectify:
		return model.StatusRectifying
	case StepVerify:
		return model.StatusVerified
	}

	reportIdx := indexOfStep(steps, StepReport)
	assignIdx := indexOfStep(steps, StepAssign)
	rectifyIdx := indexOfStep(steps, StepRectify)
	verifyIdx := indexOfStep(steps, StepVerify)

	switch {
	case reportIdx >= 0 && stepIndex <= reportIdx:
		return model.StatusReported
	case assignIdx >= 0 && stepIndex <= assignIdx:
		return model.StatusAssigned
	case rectifyIdx >= 0 && stepIndex < rectifyIdx:
		return model.StatusAssigned
	case rectifyIdx >= 0 && stepIndex <= rectifyIdx:
		return model.StatusRectifying
	case verifyIdx >= 0 && stepIndex < verifyIdx:
		return model.StatusRectifying
	case verifyIdx >= 0 && stepIndex <= verifyIdx:
		return model.StatusVerified
	default:
		return model.StatusAssigned
	}
}

func indexOfStep(steps []model.Step, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}
