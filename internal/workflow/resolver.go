package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/hazen/model"
)

// Directory looks up users from an identity source. Role-based strategies
// and CC rules depend on it; everything else resolves from case context.
type Directory interface {
	UsersByRole(ctx context.Context, role string) ([]model.UserRef, error)
}

// StaticDirectory is a Directory backed by a fixed role→users map. Used for
// config-driven deployments and tests.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string][]model.UserRef
}

// NewStaticDirectory creates a StaticDirectory from the given role map.
func NewStaticDirectory(roles map[string][]model.UserRef) *StaticDirectory {
	if roles == nil {
		roles = make(map[string][]model.UserRef)
	}
	return &StaticDirectory{roles: roles}
}

// UsersByRole returns the users holding the given role.
func (d *StaticDirectory) UsersByRole(_ context.Context, role string) ([]model.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users, ok := d.roles[role]
	if !ok {
		return nil, fmt.Errorf("role %q not found in directory", role)
	}
	out := make([]model.UserRef, len(users))
	copy(out, users)
	return out, nil
}

// SetRole replaces the users for a role.
func (d *StaticDirectory) SetRole(role string, users []model.UserRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[role] = users
}

// StrategyFunc resolves the executors for a step from case context. History
// is ordered oldest first and includes every transition applied so far.
type StrategyFunc func(ctx context.Context, step model.Step, rcase *model.CaseRecord, history []model.HistoryEntry) ([]model.UserRef, error)

// Resolver dispatches executor resolution to the strategy registered for a
// step's handler type. New strategy types register without touching callers.
type Resolver struct {
	mu         sync.RWMutex
	strategies map[string]StrategyFunc
	directory  Directory
	logger     *zap.Logger
}

// NewResolver creates a Resolver with the built-in strategies registered.
func NewResolver(directory Directory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		strategies: make(map[string]StrategyFunc),
		directory:  directory,
		logger:     logger,
	}
	r.Register(model.StrategyFixed, r.resolveFixed)
	r.Register(model.StrategyReporter, resolveReporter)
	r.Register(model.StrategyResponsible, resolveResponsible)
	r.Register(model.StrategyRole, r.resolveRole)
	r.Register(model.StrategyPreviousAssignee, resolvePreviousAssignee)
	return r
}

// Register adds or replaces the strategy for a handler type.
func (r *Resolver) Register(strategyType string, fn StrategyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strategyType] = fn
}

// Resolve returns the executors for a step. A resolution error is not fatal
// to a transition: the caller enters the step with no executor and records
// the failure.
func (r *Resolver) Resolve(ctx context.Context, step model.Step, rcase *model.CaseRecord, history []model.HistoryEntry) ([]model.UserRef, error) {
	r.mu.RLock()
	fn, ok := r.strategies[step.Handler.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &model.ErrorEnvelope{
			Code:    model.ErrResolutionFailure,
			Message: fmt.Sprintf("unknown handler strategy %q for step %q", step.Handler.Type, step.ID),
		}
	}
	users, err := fn(ctx, step, rcase, history)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &model.ErrorEnvelope{
			Code:    model.ErrResolutionFailure,
			Message: fmt.Sprintf("strategy %q produced no executor for step %q", step.Handler.Type, step.ID),
		}
	}
	return users, nil
}

// ResolveCC evaluates all CC rules of a step and returns the deduplicated
// observer list. Rule failures are logged and skipped; CC resolution never
// blocks a transition.
func (r *Resolver) ResolveCC(ctx context.Context, step model.Step, rcase *model.CaseRecord) []model.UserRef {
	seen := make(map[string]bool)
	var out []model.UserRef
	add := func(users ...model.UserRef) {
		for _, u := range users {
			if u.ID == "" || seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			out = append(out, u)
		}
	}

	for _, rule := range step.CCRules {
		switch rule.Type {
		case model.CCFixedUsers:
			add(rule.Users...)
		case model.CCReporter:
			add(model.UserRef{ID: rcase.ReporterID, Name: rcase.ReporterName})
		case model.CCResponsible:
			add(model.UserRef{ID: rcase.ResponsibleID, Name: rcase.ResponsibleName})
		case model.CCRole:
			users, err := r.directory.UsersByRole(ctx, rule.Role)
			if err != nil {
				r.logger.Warn("cc rule resolution failed",
					zap.String("rule_id", rule.ID),
					zap.String("step_id", step.ID),
					zap.Error(err))
				continue
			}
			add(users...)
		default:
			r.logger.Warn("unknown cc rule type",
				zap.String("rule_type", rule.Type),
				zap.String("step_id", step.ID))
		}
	}
	return out
}

// resolveFixed returns the configured user list verbatim. An empty list means
// the executor is system-resolved from case context: the reporter for
// report-like steps, the responsible party for rectify-like steps.
func (r *Resolver) resolveFixed(_ context.Context, step model.Step, rcase *model.CaseRecord, _ []model.HistoryEntry) ([]model.UserRef, error) {
	if len(step.Handler.Users) > 0 {
		out := make([]model.UserRef, len(step.Handler.Users))
		copy(out, step.Handler.Users)
		return out, nil
	}
	switch step.ID {
	case StepReport:
		return []model.UserRef{{ID: rcase.ReporterID, Name: rcase.ReporterName}}, nil
	case StepRectify:
		if rcase.ResponsibleID == "" {
			return nil, fmt.Errorf("step %q requires a responsible party but none is set", step.ID)
		}
		return []model.UserRef{{ID: rcase.ResponsibleID, Name: rcase.ResponsibleName}}, nil
	default:
		if rcase.ResponsibleID != "" {
			return []model.UserRef{{ID: rcase.ResponsibleID, Name: rcase.ResponsibleName}}, nil
		}
		return []model.UserRef{{ID: rcase.ReporterID, Name: rcase.ReporterName}}, nil
	}
}

func resolveReporter(_ context.Context, _ model.Step, rcase *model.CaseRecord, _ []model.HistoryEntry) ([]model.UserRef, error) {
	if rcase.ReporterID == "" {
		return nil, fmt.Errorf("case %q has no reporter", rcase.ID)
	}
	return []model.UserRef{{ID: rcase.ReporterID, Name: rcase.ReporterName}}, nil
}

func resolveResponsible(_ context.Context, _ model.Step, rcase *model.CaseRecord, _ []model.HistoryEntry) ([]model.UserRef, error) {
	if rcase.ResponsibleID == "" {
		return nil, fmt.Errorf("case %q has no responsible party", rcase.ID)
	}
	return []model.UserRef{{ID: rcase.ResponsibleID, Name: rcase.ResponsibleName}}, nil
}

func (r *Resolver) resolveRole(ctx context.Context, step model.Step, _ *model.CaseRecord, _ []model.HistoryEntry) ([]model.UserRef, error) {
	if step.Handler.Role == "" {
		return nil, fmt.Errorf("step %q has role strategy but no role configured", step.ID)
	}
	return r.directory.UsersByRole(ctx, step.Handler.Role)
}

// resolvePreviousAssignee returns the operator who acted two transitions
// back. The last history entry is the action that triggered this resolution,
// so the entry before it names the previous assignee.
func resolvePreviousAssignee(_ context.Context, step model.Step, _ *model.CaseRecord, history []model.HistoryEntry) ([]model.UserRef, error) {
	if len(history) < 2 {
		return nil, fmt.Errorf("step %q requires a previous assignee but history is too short", step.ID)
	}
	prev := history[len(history)-2]
	if prev.OperatorID == "" {
		return nil, fmt.Errorf("step %q requires a previous assignee but none was recorded", step.ID)
	}
	return []model.UserRef{{ID: prev.OperatorID, Name: prev.OperatorName}}, nil
}
