package model

import "time"

// Case lifecycle status constants. A case is always in exactly one of the
// five coarse buckets, or voided.
const (
	StatusReported   = "reported"
	StatusAssigned   = "assigned"
	StatusRectifying = "rectifying"
	StatusVerified   = "verified"
	StatusClosed     = "closed"
	StatusVoided     = "voided"
)

// IsTerminalStatus reports whether a case in the given status can never be
// transitioned again.
func IsTerminalStatus(status string) bool {
	return status == StatusClosed || status == StatusVoided
}

// UserRef is a lightweight reference to a person, as stored in workflow
// configuration and case assignments.
type UserRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// CaseRecord is a hazard report moving through the approval workflow.
//
// CurrentStepIndex always references a valid position in the step sequence of
// the workflow definition version the record was last transitioned under
// (DefinitionVersion). CurrentExecutorID is empty exactly when the case is
// closed or voided, or when executor resolution produced no candidate.
type CaseRecord struct {
	ID   string `json:"id"`
	Code string `json:"code"`

	Status            string `json:"status"`
	CurrentStepID     string `json:"current_step_id"`
	CurrentStepIndex  int    `json:"current_step_index"`
	DefinitionVersion int    `json:"definition_version"`

	CurrentExecutorID   string `json:"current_executor_id,omitempty"`
	CurrentExecutorName string `json:"current_executor_name,omitempty"`

	ReporterID      string `json:"reporter_id"`
	ReporterName    string `json:"reporter_name"`
	ResponsibleID   string `json:"responsible_id,omitempty"`
	ResponsibleName string `json:"responsible_name,omitempty"`

	// Descriptive payload owned by the caller. The engine stores and returns
	// these fields but never interprets them beyond deadline tracking.
	HazardType  string         `json:"hazard_type,omitempty"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
	RiskLevel   string         `json:"risk_level,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`

	VoidReason string `json:"void_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-lock counter, incremented by the store on
	// every successful update.
	Version int `json:"version"`
}

// HistoryEntry is one applied transition in a case's append-only audit trail.
// Entries are write-once: never mutated or deleted except by full record
// deletion.
type HistoryEntry struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"case_id"`
	StepID       string    `json:"step_id"`
	StepIndex    int       `json:"step_index"`
	Action       string    `json:"action"`
	OperatorID   string    `json:"operator_id"`
	OperatorName string    `json:"operator_name"`
	Status       string    `json:"status"`
	Comment      string    `json:"comment,omitempty"`
	CCUserNames  []string  `json:"cc_user_names,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CaseSummary is a lightweight representation of a case used in list views.
type CaseSummary struct {
	ID                  string    `json:"id"`
	Code                string    `json:"code"`
	Status              string    `json:"status"`
	CurrentStepID       string    `json:"current_step_id"`
	CurrentExecutorID   string    `json:"current_executor_id,omitempty"`
	CurrentExecutorName string    `json:"current_executor_name,omitempty"`
	HazardType          string    `json:"hazard_type,omitempty"`
	Location            string    `json:"location,omitempty"`
	RiskLevel           string    `json:"risk_level,omitempty"`
	ReporterName        string    `json:"reporter_name"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CaseFilters are optional filters for listing cases.
type CaseFilters struct {
	Status        string
	ReporterID    string
	ResponsibleID string
	ExecutorID    string
	Page          int
	PageSize      int
}
