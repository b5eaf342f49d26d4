package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/hazen/internal/definition"
	"github.com/pitabwire/hazen/model"
)

// Notification trigger events emitted by the engine.
const (
	TriggerReported = "case_reported"
	TriggerAdvanced = "case_advanced"
	TriggerRejected = "case_rejected"
	TriggerClosed   = "case_closed"
	TriggerVoided   = "case_voided"
	TriggerOverdue  = "case_overdue"
)

// Well-known history actions.
const (
	ActionReport  = "report"
	ActionReject  = "reject"
	ActionClose   = "close"
	ActionVoid    = "void"
	ActionOverdue = "overdue"
)

const updateRetries = 3

// NotificationEvent is what the engine hands to the notifier after a
// transition commits. Recipients are the new executors; CC are the observers
// from the destination step's CC rules.
type NotificationEvent struct {
	Trigger    string
	Case       model.CaseRecord
	Recipients []model.UserRef
	CC         []model.UserRef
	Comment    string
}

// Notifier receives trigger events. Delivery is best-effort and must never
// affect the transition that produced the event.
type Notifier interface {
	Dispatch(ctx context.Context, evt NotificationEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Dispatch implements Notifier.
func (NopNotifier) Dispatch(context.Context, NotificationEvent) {}

// CreateInput is the payload for reporting a new hazard case.
type CreateInput struct {
	HazardType      string         `json:"hazard_type"`
	Location        string         `json:"location"`
	Description     string         `json:"description"`
	RiskLevel       string         `json:"risk_level"`
	ResponsibleID   string         `json:"responsible_id"`
	ResponsibleName string         `json:"responsible_name"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// TransitionRequest is the payload for advancing or closing a case.
type TransitionRequest struct {
	StepID       string         `json:"step_id"`
	StepIndex    int            `json:"step_index"`
	Action       string         `json:"action"`
	AssigneeID   string         `json:"assignee_id,omitempty"`
	AssigneeName string         `json:"assignee_name,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Engine applies workflow transitions to case records. All writes to a case
// are serialized through a per-record mutex; persistence uses optimistic
// locking with bounded retry underneath, so out-of-band writers surface as
// conflicts rather than lost updates.
type Engine struct {
	registry *definition.Registry
	store    CaseStore
	resolver *Resolver
	notifier Notifier
	logger   *zap.Logger

	locks keyedMutex

	codeMu  sync.Mutex
	codeDay string
	codeSeq int
}

// NewEngine creates a new workflow engine.
func NewEngine(
	registry *definition.Registry,
	store CaseStore,
	resolver *Resolver,
	notifier Notifier,
	logger *zap.Logger,
) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: registry,
		store:    store,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
	}
}

// Create reports a new hazard case. The record enters the workflow at the
// first step and immediately advances to the next actionable step: the
// report itself is recorded as the first history entry and the executor of
// the following step is resolved.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, input CreateInput) (model.CaseRecord, error) {
	if !rctx.IsAdmin() && !rctx.Permissions.Has("hazards:report") {
		return model.CaseRecord{}, model.NewForbiddenError("missing permission to report hazards")
	}
	if input.Description == "" {
		return model.CaseRecord{}, model.NewValidationError([]model.FieldError{
			{Field: "description", Code: "REQUIRED", Message: "Description is required"},
		})
	}

	def := e.registry.Current()
	if def == nil || len(def.Steps) == 0 {
		return model.CaseRecord{}, model.NewInternalError()
	}

	now := time.Now().UTC()
	code, err := e.nextCode(ctx, now)
	if err != nil {
		return model.CaseRecord{}, model.NewPersistenceError(fmt.Sprintf("generate case code: %v", err))
	}

	first := def.Steps[0]
	rcase := model.CaseRecord{
		ID:                uuid.New().String(),
		Code:              code,
		Status:            DeriveStatus(first.ID, 0, def.Steps),
		CurrentStepID:     first.ID,
		CurrentStepIndex:  0,
		DefinitionVersion: def.Version,
		ReporterID:        rctx.SubjectID,
		ReporterName:      rctx.SubjectName,
		ResponsibleID:     input.ResponsibleID,
		ResponsibleName:   input.ResponsibleName,
		HazardType:        input.HazardType,
		Location:          input.Location,
		Description:       input.Description,
		RiskLevel:         input.RiskLevel,
		Deadline:          input.Deadline,
		Extra:             input.Extra,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	reportEntry := model.HistoryEntry{
		ID:           uuid.New().String(),
		CaseID:       rcase.ID,
		StepID:       first.ID,
		StepIndex:    0,
		Action:       ActionReport,
		OperatorID:   rctx.SubjectID,
		OperatorName: rctx.SubjectName,
		Status:       rcase.Status,
		Timestamp:    now,
	}

	var recipients, cc []model.UserRef
	if len(def.Steps) > 1 {
		next := def.Steps[1]
		rcase.CurrentStepID = next.ID
		rcase.CurrentStepIndex = 1
		rcase.Status = DeriveStatus(next.ID, 1, def.Steps)

		users, rerr := e.resolver.Resolve(ctx, next, &rcase, []model.HistoryEntry{reportEntry})
		if rerr != nil {
			e.logger.Warn("executor resolution failed on create",
				zap.String("case_id", rcase.ID),
				zap.String("step_id", next.ID),
				zap.Error(rerr))
		} else {
			rcase.CurrentExecutorID = users[0].ID
			rcase.CurrentExecutorName = users[0].Name
			recipients = users
		}
		cc = e.resolver.ResolveCC(ctx, next, &rcase)
	} else {
		// Single-step workflow: the reporter stays the executor.
		rcase.CurrentExecutorID = rctx.SubjectID
		rcase.CurrentExecutorName = rctx.SubjectName
	}

	if err := e.store.Create(ctx, rcase); err != nil {
		return model.CaseRecord{}, err
	}
	if err := e.store.AppendHistory(ctx, reportEntry); err != nil {
		return model.CaseRecord{}, err
	}

	e.dispatch(ctx, NotificationEvent{
		Trigger:    TriggerReported,
		Case:       rcase,
		Recipients: recipients,
		CC:         cc,
	})

	return rcase, nil
}

// ApplyTransition advances a case one step forward, or closes it when the
// request targets the final step the case already sits on. Validation order:
// existence and non-terminal status, step/index pair against the definition,
// operator authorization, then the movement rule.
func (e *Engine) ApplyTransition(ctx context.Context, rctx *model.RequestContext, caseID string, req TransitionRequest) (model.CaseRecord, error) {
	unlock := e.locks.lock(caseID)
	defer unlock()

	var result model.CaseRecord
	var evt *NotificationEvent
	err := e.withRetry(func() error {
		var err error
		result, evt, err = e.applyTransitionLocked(ctx, rctx, caseID, req)
		return err
	})
	if err != nil {
		return model.CaseRecord{}, err
	}
	if evt != nil {
		e.dispatch(ctx, *evt)
	}
	return result, nil
}

func (e *Engine) applyTransitionLocked(ctx context.Context, rctx *model.RequestContext, caseID string, req TransitionRequest) (model.CaseRecord, *NotificationEvent, error) {
	rcase, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.CaseRecord{}, nil, err
	}

	if model.IsTerminalStatus(rcase.Status) {
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("case %q is %s and cannot be transitioned", rcase.Code, rcase.Status),
		)
	}

	def := e.definitionFor(&rcase)
	step, idx, ok := def.FindStep(req.StepID)
	if !ok || idx != req.StepIndex {
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q at index %d is not part of the active workflow", req.StepID, req.StepIndex),
		)
	}

	if err := e.authorizeOperator(rctx, &rcase); err != nil {
		return model.CaseRecord{}, nil, err
	}

	switch {
	case req.StepIndex == rcase.CurrentStepIndex+1:
		return e.advance(ctx, rctx, rcase, def, step, req)
	case req.StepIndex == rcase.CurrentStepIndex && def.IsLastStep(rcase.CurrentStepIndex):
		return e.close(ctx, rctx, rcase, req)
	default:
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move from step %d to step %d: only single forward moves are allowed", rcase.CurrentStepIndex, req.StepIndex),
		)
	}
}

// advance moves the case one step forward and resolves the new executor.
func (e *Engine) advance(ctx context.Context, rctx *model.RequestContext, rcase model.CaseRecord, def *model.WorkflowDefinition, step model.Step, req TransitionRequest) (model.CaseRecord, *NotificationEvent, error) {
	now := time.Now().UTC()

	rcase.CurrentStepID = step.ID
	rcase.CurrentStepIndex = req.StepIndex
	rcase.Status = DeriveStatus(step.ID, req.StepIndex, def.Steps)
	rcase.DefinitionVersion = def.Version
	mergeExtra(&rcase, req.Extra)

	history, err := e.store.History(ctx, rcase.ID)
	if err != nil {
		return model.CaseRecord{}, nil, err
	}

	entry := model.HistoryEntry{
		ID:           uuid.New().String(),
		CaseID:       rcase.ID,
		StepID:       step.ID,
		StepIndex:    req.StepIndex,
		Action:       req.Action,
		OperatorID:   rctx.SubjectID,
		OperatorName: rctx.SubjectName,
		Status:       rcase.Status,
		Comment:      req.Comment,
		Timestamp:    now,
	}

	var recipients []model.UserRef
	if req.AssigneeID != "" {
		// Explicit override wins over the step's strategy.
		rcase.CurrentExecutorID = req.AssigneeID
		rcase.CurrentExecutorName = req.AssigneeName
		recipients = []model.UserRef{{ID: req.AssigneeID, Name: req.AssigneeName}}
	} else {
		users, rerr := e.resolver.Resolve(ctx, step, &rcase, append(history, entry))
		if rerr != nil {
			e.logger.Warn("executor resolution failed",
				zap.String("case_id", rcase.ID),
				zap.String("step_id", step.ID),
				zap.Error(rerr))
			rcase.CurrentExecutorID = ""
			rcase.CurrentExecutorName = ""
		} else {
			rcase.CurrentExecutorID = users[0].ID
			rcase.CurrentExecutorName = users[0].Name
			recipients = users
		}
	}

	cc := e.resolver.ResolveCC(ctx, step, &rcase)
	for _, u := range cc {
		entry.CCUserNames = append(entry.CCUserNames, u.Name)
	}

	if err := e.store.Update(ctx, rcase); err != nil {
		return model.CaseRecord{}, nil, err
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return model.CaseRecord{}, nil, err
	}
	rcase.Version++

	return rcase, &NotificationEvent{
		Trigger:    TriggerAdvanced,
		Case:       rcase,
		Recipients: recipients,
		CC:         cc,
		Comment:    req.Comment,
	}, nil
}

// close finalizes a case sitting on the last step. The step pointer stays on
// the final step; the executor is cleared.
func (e *Engine) close(ctx context.Context, rctx *model.RequestContext, rcase model.CaseRecord, req TransitionRequest) (model.CaseRecord, *NotificationEvent, error) {
	now := time.Now().UTC()

	rcase.Status = model.StatusClosed
	rcase.CurrentExecutorID = ""
	rcase.CurrentExecutorName = ""
	mergeExtra(&rcase, req.Extra)

	action := req.Action
	if action == "" {
		action = ActionClose
	}
	entry := model.HistoryEntry{
		ID:           uuid.New().String(),
		CaseID:       rcase.ID,
		StepID:       rcase.CurrentStepID,
		StepIndex:    rcase.CurrentStepIndex,
		Action:       action,
		OperatorID:   rctx.SubjectID,
		OperatorName: rctx.SubjectName,
		Status:       model.StatusClosed,
		Comment:      req.Comment,
		Timestamp:    now,
	}

	if err := e.store.Update(ctx, rcase); err != nil {
		return model.CaseRecord{}, nil, err
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return model.CaseRecord{}, nil, err
	}
	rcase.Version++

	return rcase, &NotificationEvent{
		Trigger: TriggerClosed,
		Case:    rcase,
		Recipients: []model.UserRef{
			{ID: rcase.ReporterID, Name: rcase.ReporterName},
		},
		Comment: req.Comment,
	}, nil
}

// Reject routes a case one step backward. It is a distinct action with its
// own authorization check, never a negative-index transition.
func (e *Engine) Reject(ctx context.Context, rctx *model.RequestContext, caseID, comment string) (model.CaseRecord, error) {
	unlock := e.locks.lock(caseID)
	defer unlock()

	var result model.CaseRecord
	var evt *NotificationEvent
	err := e.withRetry(func() error {
		var err error
		result, evt, err = e.rejectLocked(ctx, rctx, caseID, comment)
		return err
	})
	if err != nil {
		return model.CaseRecord{}, err
	}
	if evt != nil {
		e.dispatch(ctx, *evt)
	}
	return result, nil
}

func (e *Engine) rejectLocked(ctx context.Context, rctx *model.RequestContext, caseID, comment string) (model.CaseRecord, *NotificationEvent, error) {
	rcase, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.CaseRecord{}, nil, err
	}

	if model.IsTerminalStatus(rcase.Status) {
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("case %q is %s and cannot be rejected", rcase.Code, rcase.Status),
		)
	}
	if err := e.authorizeOperator(rctx, &rcase); err != nil {
		return model.CaseRecord{}, nil, err
	}
	if rcase.CurrentStepIndex == 0 {
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			"cannot reject the initial step",
		)
	}

	def := e.definitionFor(&rcase)
	destIdx := rcase.CurrentStepIndex - 1
	dest, ok := def.StepAt(destIdx)
	if !ok {
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("step index %d is not part of the active workflow", destIdx),
		)
	}

	now := time.Now().UTC()
	rcase.CurrentStepID = dest.ID
	rcase.CurrentStepIndex = destIdx
	rcase.Status = DeriveStatus(dest.ID, destIdx, def.Steps)
	rcase.DefinitionVersion = def.Version

	history, err := e.store.History(ctx, rcase.ID)
	if err != nil {
		return model.CaseRecord{}, nil, err
	}

	entry := model.HistoryEntry{
		ID:           uuid.New().String(),
		CaseID:       rcase.ID,
		StepID:       dest.ID,
		StepIndex:    destIdx,
		Action:       ActionReject,
		OperatorID:   rctx.SubjectID,
		OperatorName: rctx.SubjectName,
		Status:       rcase.Status,
		Comment:      comment,
		Timestamp:    now,
	}

	var recipients []model.UserRef
	users, rerr := e.resolver.Resolve(ctx, dest, &rcase, append(history, entry))
	if rerr != nil {
		e.logger.Warn("executor resolution failed on reject",
			zap.String("case_id", rcase.ID),
			zap.String("step_id", dest.ID),
			zap.Error(rerr))
		rcase.CurrentExecutorID = ""
		rcase.CurrentExecutorName = ""
	} else {
		rcase.CurrentExecutorID = users[0].ID
		rcase.CurrentExecutorName = users[0].Name
		recipients = users
	}

	cc := e.resolver.ResolveCC(ctx, dest, &rcase)

	if err := e.store.Update(ctx, rcase); err != nil {
		return model.CaseRecord{}, nil, err
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return model.CaseRecord{}, nil, err
	}
	rcase.Version++

	return rcase, &NotificationEvent{
		Trigger:    TriggerRejected,
		Case:       rcase,
		Recipients: recipients,
		CC:         cc,
		Comment:    comment,
	}, nil
}

// Void administratively cancels a case from any non-terminal state. The move
// is irreversible; the reason lands in the audit trail.
func (e *Engine) Void(ctx context.Context, rctx *model.RequestContext, caseID, reason string) (model.CaseRecord, error) {
	unlock := e.locks.lock(caseID)
	defer unlock()

	var result model.CaseRecord
	var evt *NotificationEvent
	err := e.withRetry(func() error {
		var err error
		result, evt, err = e.voidLocked(ctx, rctx, caseID, reason)
		return err
	})
	if err != nil {
		return model.CaseRecord{}, err
	}
	if evt != nil {
		e.dispatch(ctx, *evt)
	}
	return result, nil
}

func (e *Engine) voidLocked(ctx context.Context, rctx *model.RequestContext, caseID, reason string) (model.CaseRecord, *NotificationEvent, error) {
	rcase, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.CaseRecord{}, nil, err
	}

	if model.IsTerminalStatus(rcase.Status) {
		return model.CaseRecord{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("case %q is already %s", rcase.Code, rcase.Status),
		)
	}
	if !rctx.IsAdmin() && rctx.SubjectID != rcase.ReporterID {
		return model.CaseRecord{}, nil, model.NewStepUnauthorizedError(
			"only the reporter or an administrator may void a case",
		)
	}
	if reason == "" {
		return model.CaseRecord{}, nil, model.NewValidationError([]model.FieldError{
			{Field: "reason", Code: "REQUIRED", Message: "Void reason is required"},
		})
	}

	now := time.Now().UTC()
	rcase.Status = model.StatusVoided
	rcase.CurrentExecutorID = ""
	rcase.CurrentExecutorName = ""
	rcase.VoidReason = reason

	entry := model.HistoryEntry{
		ID:           uuid.New().String(),
		CaseID:       rcase.ID,
		StepID:       rcase.CurrentStepID,
		StepIndex:    rcase.CurrentStepIndex,
		Action:       ActionVoid,
		OperatorID:   rctx.SubjectID,
		OperatorName: rctx.SubjectName,
		Status:       model.StatusVoided,
		Comment:      reason,
		Timestamp:    now,
	}

	if err := e.store.Update(ctx, rcase); err != nil {
		return model.CaseRecord{}, nil, err
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return model.CaseRecord{}, nil, err
	}
	rcase.Version++

	return rcase, &NotificationEvent{
		Trigger: TriggerVoided,
		Case:    rcase,
		Recipients: []model.UserRef{
			{ID: rcase.ReporterID, Name: rcase.ReporterName},
		},
		Comment: reason,
	}, nil
}

// Get returns a case by ID.
func (e *Engine) Get(ctx context.Context, caseID string) (model.CaseRecord, error) {
	return e.store.Get(ctx, caseID)
}

// History returns a case's audit trail, oldest first.
func (e *Engine) History(ctx context.Context, caseID string) ([]model.HistoryEntry, error) {
	return e.store.History(ctx, caseID)
}

// List returns case summaries matching the filters plus the total count.
func (e *Engine) List(ctx context.Context, filters model.CaseFilters) ([]model.CaseSummary, int, error) {
	return e.store.List(ctx, filters)
}

// ProcessOverdue flags non-terminal cases whose rectification deadline has
// passed. Each overdue case gets one audit entry and one notification; the
// flag prevents repeats on subsequent sweeps.
func (e *Engine) ProcessOverdue(ctx context.Context) error {
	now := time.Now().UTC()
	overdue, err := e.store.FindOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("find overdue cases: %w", err)
	}

	for _, rcase := range overdue {
		if err := e.flagOverdue(ctx, rcase.ID); err != nil {
			e.logger.Error("overdue sweep failed for case",
				zap.String("case_id", rcase.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) flagOverdue(ctx context.Context, caseID string) error {
	unlock := e.locks.lock(caseID)
	defer unlock()

	var evt *NotificationEvent
	err := e.withRetry(func() error {
		rcase, err := e.store.Get(ctx, caseID)
		if err != nil {
			return err
		}
		if model.IsTerminalStatus(rcase.Status) {
			return nil
		}
		if flagged, _ := rcase.Extra["overdue_flagged"].(bool); flagged {
			return nil
		}

		now := time.Now().UTC()
		if rcase.Extra == nil {
			rcase.Extra = make(map[string]any)
		}
		rcase.Extra["overdue_flagged"] = true

		entry := model.HistoryEntry{
			ID:           uuid.New().String(),
			CaseID:       rcase.ID,
			StepID:       rcase.CurrentStepID,
			StepIndex:    rcase.CurrentStepIndex,
			Action:       ActionOverdue,
			OperatorID:   "system",
			OperatorName: "system",
			Status:       rcase.Status,
			Comment:      "rectification deadline passed",
			Timestamp:    now,
		}

		if err := e.store.Update(ctx, rcase); err != nil {
			return err
		}
		if err := e.store.AppendHistory(ctx, entry); err != nil {
			return err
		}
		rcase.Version++

		var recipients []model.UserRef
		if rcase.CurrentExecutorID != "" {
			recipients = []model.UserRef{{ID: rcase.CurrentExecutorID, Name: rcase.CurrentExecutorName}}
		}
		evt = &NotificationEvent{
			Trigger:    TriggerOverdue,
			Case:       rcase,
			Recipients: recipients,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if evt != nil {
		e.dispatch(ctx, *evt)
	}
	return nil
}

// authorizeOperator enforces that only the current executor acts on a case.
// Administrators override; the reporter is special-cased while the case still
// sits on the first step.
func (e *Engine) authorizeOperator(rctx *model.RequestContext, rcase *model.CaseRecord) error {
	if rctx.IsAdmin() {
		return nil
	}
	if rctx.SubjectID == rcase.CurrentExecutorID && rcase.CurrentExecutorID != "" {
		return nil
	}
	if rcase.CurrentStepIndex == 0 && rctx.SubjectID == rcase.ReporterID {
		return nil
	}
	return model.NewStepUnauthorizedError(
		fmt.Sprintf("operator %q is not the current executor of case %q", rctx.SubjectID, rcase.Code),
	)
}

// definitionFor returns the definition version the case was last transitioned
// under, falling back to the current one when that version is gone.
func (e *Engine) definitionFor(rcase *model.CaseRecord) *model.WorkflowDefinition {
	if def, ok := e.registry.Get(rcase.DefinitionVersion); ok {
		return def
	}
	return e.registry.Current()
}

// withRetry runs fn, retrying a bounded number of times on optimistic-lock
// conflicts. Conflicts here mean an out-of-band writer touched the record;
// fn re-reads and re-validates on every attempt.
func (e *Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < updateRetries; attempt++ {
		err = fn()
		if !isConflict(err) {
			return err
		}
	}
	return model.NewPersistenceError("update conflict retries exhausted")
}

func isConflict(err error) bool {
	env, ok := err.(*model.ErrorEnvelope)
	return ok && env.Code == model.ErrConflict
}

// dispatch hands a notification event to the notifier without holding any
// case lock on the delivery path and detached from request cancellation.
func (e *Engine) dispatch(ctx context.Context, evt NotificationEvent) {
	go e.notifier.Dispatch(context.WithoutCancel(ctx), evt)
}

// nextCode generates a sequential daily case code, e.g. HZ-20260901-0007.
// The sequence reseeds from the store on the first code of each day.
func (e *Engine) nextCode(ctx context.Context, now time.Time) (string, error) {
	e.codeMu.Lock()
	defer e.codeMu.Unlock()

	day := now.Format("20060102")
	if e.codeDay != day {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		count, err := e.store.CountCreatedSince(ctx, midnight)
		if err != nil {
			return "", err
		}
		e.codeDay = day
		e.codeSeq = count
	}
	e.codeSeq++
	return fmt.Sprintf("HZ-%s-%04d", day, e.codeSeq), nil
}

func mergeExtra(rcase *model.CaseRecord, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if rcase.Extra == nil {
		rcase.Extra = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		rcase.Extra[k] = v
	}
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
