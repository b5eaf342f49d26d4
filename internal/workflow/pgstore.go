package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/hazen/model"
)

// PgCaseStore is a PostgreSQL-backed CaseStore using pgx/v5.
type PgCaseStore struct {
	pool *pgxpool.Pool
}

// NewPgCaseStore creates a new PostgreSQL case store.
func NewPgCaseStore(pool *pgxpool.Pool) *PgCaseStore {
	return &PgCaseStore{pool: pool}
}

const caseColumns = `id, code, status, current_step_id, current_step_index, definition_version,
       current_executor_id, current_executor_name,
       reporter_id, reporter_name, responsible_id, responsible_name,
       hazard_type, location, description, risk_level, deadline, extra,
       void_reason, version, created_at, updated_at`

// Create inserts a new case record.
func (s *PgCaseStore) Create(ctx context.Context, rcase model.CaseRecord) error {
	extraJSON, err := json.Marshal(rcase.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cases (
			id, code, status, current_step_id, current_step_index, definition_version,
			current_executor_id, current_executor_name,
			reporter_id, reporter_name, responsible_id, responsible_name,
			hazard_type, location, description, risk_level, deadline, extra,
			void_reason, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		rcase.ID, rcase.Code, rcase.Status, rcase.CurrentStepID, rcase.CurrentStepIndex, rcase.DefinitionVersion,
		rcase.CurrentExecutorID, rcase.CurrentExecutorName,
		rcase.ReporterID, rcase.ReporterName, rcase.ResponsibleID, rcase.ResponsibleName,
		rcase.HazardType, rcase.Location, rcase.Description, rcase.RiskLevel, rcase.Deadline, extraJSON,
		rcase.VoidReason, rcase.Version, rcase.CreatedAt, rcase.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// Get retrieves a case by ID.
func (s *PgCaseStore) Get(ctx context.Context, caseID string) (model.CaseRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, caseID)
	rcase, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseRecord{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}
	if err != nil {
		return model.CaseRecord{}, fmt.Errorf("query case: %w", err)
	}
	return rcase, nil
}

// Update persists an updated case with optimistic locking.
func (s *PgCaseStore) Update(ctx context.Context, rcase model.CaseRecord) error {
	extraJSON, err := json.Marshal(rcase.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra fields: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE cases SET
			status = $1,
			current_step_id = $2,
			current_step_index = $3,
			definition_version = $4,
			current_executor_id = $5,
			current_executor_name = $6,
			responsible_id = $7,
			responsible_name = $8,
			deadline = $9,
			extra = $10,
			void_reason = $11,
			version = $12,
			updated_at = $13
		WHERE id = $14 AND version = $15`,
		rcase.Status, rcase.CurrentStepID, rcase.CurrentStepIndex, rcase.DefinitionVersion,
		rcase.CurrentExecutorID, rcase.CurrentExecutorName,
		rcase.ResponsibleID, rcase.ResponsibleName,
		rcase.Deadline, extraJSON, rcase.VoidReason,
		rcase.Version+1, time.Now().UTC(),
		rcase.ID, rcase.Version,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d)", rcase.ID, rcase.Version),
		)
	}
	return nil
}

// AppendHistory adds an entry to the case's audit trail.
func (s *PgCaseStore) AppendHistory(ctx context.Context, entry model.HistoryEntry) error {
	ccJSON, err := json.Marshal(entry.CCUserNames)
	if err != nil {
		return fmt.Errorf("marshal cc names: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO case_history (
			id, case_id, step_id, step_index, action,
			operator_id, operator_name, status, comment, cc_user_names, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.CaseID, entry.StepID, entry.StepIndex, entry.Action,
		entry.OperatorID, entry.OperatorName, entry.Status, entry.Comment, ccJSON, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert case history: %w", err)
	}
	return nil
}

// History retrieves all entries for a case, oldest first.
func (s *PgCaseStore) History(ctx context.Context, caseID string) ([]model.HistoryEntry, error) {
	// Verify the case exists so a missing case reads as NOT_FOUND rather
	// than an empty trail.
	if _, err := s.Get(ctx, caseID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, step_id, step_index, action,
		       operator_id, operator_name, status, comment, cc_user_names, created_at
		FROM case_history
		WHERE case_id = $1
		ORDER BY created_at ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query case history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var entry model.HistoryEntry
		var ccJSON []byte
		if err := rows.Scan(
			&entry.ID, &entry.CaseID, &entry.StepID, &entry.StepIndex, &entry.Action,
			&entry.OperatorID, &entry.OperatorName, &entry.Status, &entry.Comment, &ccJSON, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan case history: %w", err)
		}
		if ccJSON != nil {
			_ = json.Unmarshal(ccJSON, &entry.CCUserNames)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// List returns case summaries matching the filters plus the total count.
func (s *PgCaseStore) List(ctx context.Context, filters model.CaseFilters) ([]model.CaseSummary, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	addFilter := func(clause, value string) {
		if value == "" {
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", clause, argIdx)
		args = append(args, value)
		argIdx++
	}
	addFilter("status", filters.Status)
	addFilter("reporter_id", filters.ReporterID)
	addFilter("responsible_id", filters.ResponsibleID)
	addFilter("current_executor_id", filters.ExecutorID)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM cases"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	page, size := filters.Page, filters.PageSize
	if size <= 0 {
		size = 20
	}
	if page < 1 {
		page = 1
	}

	query := `SELECT id, code, status, current_step_id,
	                 current_executor_id, current_executor_name,
	                 hazard_type, location, risk_level, reporter_name,
	                 created_at, updated_at
	          FROM cases` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, size, (page-1)*size)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var summaries []model.CaseSummary
	for rows.Next() {
		var sum model.CaseSummary
		if err := rows.Scan(
			&sum.ID, &sum.Code, &sum.Status, &sum.CurrentStepID,
			&sum.CurrentExecutorID, &sum.CurrentExecutorName,
			&sum.HazardType, &sum.Location, &sum.RiskLevel, &sum.ReporterName,
			&sum.CreatedAt, &sum.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan case summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, total, rows.Err()
}

// FindOverdue returns non-terminal cases past their deadline.
func (s *PgCaseStore) FindOverdue(ctx context.Context, cutoff time.Time) ([]model.CaseRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE status NOT IN ('closed', 'voided')
		  AND deadline IS NOT NULL AND deadline < $1
		ORDER BY deadline ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query overdue cases: %w", err)
	}
	defer rows.Close()

	var cases []model.CaseRecord
	for rows.Next() {
		rcase, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue case: %w", err)
		}
		cases = append(cases, rcase)
	}
	return cases, rows.Err()
}

// CountCreatedSince returns the number of cases created at or after since.
func (s *PgCaseStore) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM cases WHERE created_at >= $1`, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count cases: %w", err)
	}
	return count, nil
}

// Delete removes a case and its history.
func (s *PgCaseStore) Delete(ctx context.Context, caseID string) error {
	// Delete history first (foreign key).
	_, err := s.pool.Exec(ctx, `DELETE FROM case_history WHERE case_id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("delete case history: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM cases WHERE id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}
	return nil
}

// HealthCheck pings the database for readiness probes.
func (s *PgCaseStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanCase(row pgx.Row) (model.CaseRecord, error) {
	var rcase model.CaseRecord
	var extraJSON []byte
	err := row.Scan(
		&rcase.ID, &rcase.Code, &rcase.Status, &rcase.CurrentStepID, &rcase.CurrentStepIndex, &rcase.DefinitionVersion,
		&rcase.CurrentExecutorID, &rcase.CurrentExecutorName,
		&rcase.ReporterID, &rcase.ReporterName, &rcase.ResponsibleID, &rcase.ResponsibleName,
		&rcase.HazardType, &rcase.Location, &rcase.Description, &rcase.RiskLevel, &rcase.Deadline, &extraJSON,
		&rcase.VoidReason, &rcase.Version, &rcase.CreatedAt, &rcase.UpdatedAt,
	)
	if err != nil {
		return model.CaseRecord{}, err
	}
	if extraJSON != nil {
		_ = json.Unmarshal(extraJSON, &rcase.Extra)
	}
	return rcase, nil
}
