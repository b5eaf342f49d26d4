package model

import "time"

// Handler strategy types. A step's handler strategy decides who must act on
// the step when a case arrives there.
const (
	StrategyFixed            = "fixed"
	StrategyRole             = "role"
	StrategyReporter         = "reporter"
	StrategyResponsible      = "responsible"
	StrategyPreviousAssignee = "previous_assignee"
)

// CC rule types. CC rules select observers who are notified when a case
// enters a step but are never required to act.
const (
	CCFixedUsers  = "fixed_users"
	CCReporter    = "reporter"
	CCResponsible = "responsible"
	CCRole        = "role"
)

// WorkflowDefinition is the versioned, ordered step configuration that drives
// the approval workflow. The step order in Steps is the process order;
// indices are positional.
type WorkflowDefinition struct {
	Version   int       `yaml:"version"    json:"version"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	UpdatedBy string    `yaml:"updated_by" json:"updated_by,omitempty"`
	Steps     []Step    `yaml:"steps"      json:"steps"`
}

// StepAt returns the step at the given index.
func (d *WorkflowDefinition) StepAt(index int) (Step, bool) {
	if index < 0 || index >= len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[index], true
}

// FindStep returns the step with the given ID and its index.
func (d *WorkflowDefinition) FindStep(id string) (Step, int, bool) {
	for i, s := range d.Steps {
		if s.ID == id {
			return s, i, true
		}
	}
	return Step{}, -1, false
}

// IsLastStep reports whether the given index is the final step.
func (d *WorkflowDefinition) IsLastStep(index int) bool {
	return len(d.Steps) > 0 && index == len(d.Steps)-1
}

// Step is one stage in the workflow. IDs are unique within a definition;
// well-known IDs (report, assign, rectify, verify) anchor status derivation
// but any ID is valid.
type Step struct {
	ID          string          `yaml:"id"          json:"id"`
	Name        string          `yaml:"name"        json:"name"`
	Description string          `yaml:"description" json:"description,omitempty"`
	Handler     HandlerStrategy `yaml:"handler"     json:"handler"`
	CCRules     []CCRule        `yaml:"cc_rules"    json:"cc_rules,omitempty"`
}

// HandlerStrategy declares how the executor(s) of a step are chosen. Type
// selects the resolution strategy; the remaining fields parameterize it.
// A fixed strategy with an empty Users list means the executor is resolved
// by the system from case context (reporter or responsible party).
type HandlerStrategy struct {
	Type        string    `yaml:"type"        json:"type"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Users       []UserRef `yaml:"users"       json:"users,omitempty"`
	Role        string    `yaml:"role"        json:"role,omitempty"`
}

// CCRule selects side-notification recipients for a step.
type CCRule struct {
	ID          string    `yaml:"id"          json:"id"`
	Type        string    `yaml:"type"        json:"type"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Users       []UserRef `yaml:"users"       json:"users,omitempty"`
	Role        string    `yaml:"role"        json:"role,omitempty"`
}
