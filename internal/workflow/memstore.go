package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/hazen/model"
)

// MemoryCaseStore is an in-memory CaseStore for testing and single-node use.
type MemoryCaseStore struct {
	mu      sync.RWMutex
	cases   map[string]model.CaseRecord   // key: case ID
	history map[string][]model.HistoryEntry // key: case ID
}

// NewMemoryCaseStore creates a new in-memory case store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		cases:   make(map[string]model.CaseRecord),
		history: make(map[string][]model.HistoryEntry),
	}
}

// Create persists a new case record.
func (s *MemoryCaseStore) Create(_ context.Context, rcase model.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[rcase.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("case %q already exists", rcase.ID),
		)
	}

	s.cases[rcase.ID] = rcase
	return nil
}

// Get retrieves a case by ID.
func (s *MemoryCaseStore) Get(_ context.Context, caseID string) (model.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rcase, exists := s.cases[caseID]
	if !exists {
		return model.CaseRecord{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}
	return rcase, nil
}

// Update persists an updated case with optimistic locking.
func (s *MemoryCaseStore) Update(_ context.Context, rcase model.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cases[rcase.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("case %q not found", rcase.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != rcase.Version {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d, got %d)", rcase.ID, rcase.Version, existing.Version),
		)
	}

	rcase.Version++
	rcase.UpdatedAt = time.Now().UTC()
	s.cases[rcase.ID] = rcase
	return nil
}

// AppendHistory adds an entry to the case's audit trail.
func (s *MemoryCaseStore) AppendHistory(_ context.Context, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[entry.CaseID] = append(s.history[entry.CaseID], entry)
	return nil
}

// History retrieves all entries for a case, ordered by timestamp.
func (s *MemoryCaseStore) History(_ context.Context, caseID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.cases[caseID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}

	entries := s.history[caseID]
	result := make([]model.HistoryEntry, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns case summaries matching the filters.
func (s *MemoryCaseStore) List(_ context.Context, filters model.CaseFilters) ([]model.CaseSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.CaseRecord
	for _, rcase := range s.cases {
		if filters.Status != "" && rcase.Status != filters.Status {
			continue
		}
		if filters.ReporterID != "" && rcase.ReporterID != filters.ReporterID {
			continue
		}
		if filters.ResponsibleID != "" && rcase.ResponsibleID != filters.ResponsibleID {
			continue
		}
		if filters.ExecutorID != "" && rcase.CurrentExecutorID != filters.ExecutorID {
			continue
		}
		matched = append(matched, rcase)
	}

	// Sort by created_at descending.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)

	// Apply pagination.
	page, size := filters.Page, filters.PageSize
	if size <= 0 {
		size = 20
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size
	if offset >= len(matched) {
		matched = nil
	} else {
		matched = matched[offset:]
		if size < len(matched) {
			matched = matched[:size]
		}
	}

	summaries := make([]model.CaseSummary, 0, len(matched))
	for _, rcase := range matched {
		summaries = append(summaries, summarize(rcase))
	}
	return summaries, total, nil
}

// FindOverdue returns non-terminal cases past their deadline.
func (s *MemoryCaseStore) FindOverdue(_ context.Context, cutoff time.Time) ([]model.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CaseRecord
	for _, rcase := range s.cases {
		if model.IsTerminalStatus(rcase.Status) {
			continue
		}
		if rcase.Deadline == nil || !rcase.Deadline.Before(cutoff) {
			continue
		}
		result = append(result, rcase)
	}

	// Sort by deadline ascending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Deadline.Before(*result[j].Deadline)
	})

	return result, nil
}

// CountCreatedSince returns the number of cases created at or after since.
func (s *MemoryCaseStore) CountCreatedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rcase := range s.cases {
		if !rcase.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// Delete removes a case and its history.
func (s *MemoryCaseStore) Delete(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[caseID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}

	delete(s.cases, caseID)
	delete(s.history, caseID)
	return nil
}

// Len returns the total number of cases. For testing.
func (s *MemoryCaseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryCaseStore) HealthCheck(_ context.Context) error {
	return nil
}

func summarize(rcase model.CaseRecord) model.CaseSummary {
	return model.CaseSummary{
		ID:                  rcase.ID,
		Code:                rcase.Code,
		Status:              rcase.Status,
		CurrentStepID:       rcase.CurrentStepID,
		CurrentExecutorID:   rcase.CurrentExecutorID,
		CurrentExecutorName: rcase.CurrentExecutorName,
		HazardType:          rcase.HazardType,
		Location:            rcase.Location,
		RiskLevel:           rcase.RiskLevel,
		ReporterName:        rcase.ReporterName,
		CreatedAt:           rcase.CreatedAt,
		UpdatedAt:           rcase.UpdatedAt,
	}
}
