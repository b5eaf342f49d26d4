package definition

import (
	"fmt"

	"github.com/pitabwire/hazen/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally before they enter the
// registry or hit disk.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validStrategyTypes = map[string]bool{
	model.StrategyFixed:            true,
	model.StrategyRole:             true,
	model.StrategyReporter:         true,
	model.StrategyResponsible:      true,
	model.StrategyPreviousAssignee: true,
}

var validCCTypes = map[string]bool{
	model.CCFixedUsers:  true,
	model.CCReporter:    true,
	model.CCResponsible: true,
	model.CCRole:        true,
}

// Validate checks the definition. A non-empty result means the definition
// must not be activated.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
			continue
		}
		if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step id %q is not unique", s.ID)})
		}
		stepIDs[s.ID] = true

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		}
		errs = append(errs, v.validateHandler(sp+".handler", s.Handler)...)
		for j, rule := range s.CCRules {
			rp := fmt.Sprintf("%s.cc_rules[%d]", sp, j)
			errs = append(errs, v.validateCCRule(rp, rule)...)
		}
	}

	return errs
}

func (v *Validator) validateHandler(prefix string, h model.HandlerStrategy) []VError {
	var errs []VError

	if h.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "handler type is required"})
		return errs
	}
	if !validStrategyTypes[h.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown handler type %q", h.Type)})
	}
	if h.Type == model.StrategyRole && h.Role == "" {
		errs = append(errs, VError{Path: prefix + ".role", Code: "REQUIRED", Message: "role is required for role strategy"})
	}
	for i, u := range h.Users {
		if u.ID == "" {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.users[%d].id", prefix, i),
				Code:    "REQUIRED",
				Message: "user id is required",
			})
		}
	}

	return errs
}

func (v *Validator) validateCCRule(prefix string, rule model.CCRule) []VError {
	var errs []VError

	if rule.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "cc rule type is required"})
		return errs
	}
	if !validCCTypes[rule.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown cc rule type %q", rule.Type)})
	}
	if rule.Type == model.CCRole && rule.Role == "" {
		errs = append(errs, VError{Path: prefix + ".role", Code: "REQUIRED", Message: "role is required for role cc rule"})
	}
	if rule.Type == model.CCFixedUsers && len(rule.Users) == 0 {
		errs = append(errs, VError{Path: prefix + ".users", Code: "REQUIRED", Message: "fixed_users cc rule requires users"})
	}

	return errs
}
