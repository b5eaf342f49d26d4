package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/hazen/model"
)

// CaseStore persists case records and their history.
type CaseStore interface {
	// Create persists a new case record.
	Create(ctx context.Context, rcase model.CaseRecord) error

	// Get retrieves a case by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, caseID string) (model.CaseRecord, error)

	// Update persists an updated case with optimistic locking. The version
	// must match the current stored version. Returns CONFLICT if the version
	// has changed.
	Update(ctx context.Context, rcase model.CaseRecord) error

	// AppendHistory adds an entry to the case's append-only audit trail.
	AppendHistory(ctx context.Context, entry model.HistoryEntry) error

	// History retrieves all history entries for a case, oldest first.
	History(ctx context.Context, caseID string) ([]model.HistoryEntry, error)

	// List returns case summaries matching the filters plus the total count
	// before pagination.
	List(ctx context.Context, filters model.CaseFilters) ([]model.CaseSummary, int, error)

	// FindOverdue returns non-terminal cases whose deadline is before the
	// cutoff.
	FindOverdue(ctx context.Context, cutoff time.Time) ([]model.CaseRecord, error)

	// CountCreatedSince returns the number of cases created at or after the
	// given time. Used for sequential code generation.
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)

	// Delete removes a case and its history.
	Delete(ctx context.Context, caseID string) error
}
