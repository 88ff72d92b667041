package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/events"
	"redline/internal/repo"
)

// ValidationError rejects a bad orchestrator config at creation time, before
// it can ever reach execution.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// CreateOptions is the input for registering a new orchestrator.
type CreateOptions struct {
	Name             string                 `validate:"required,min=1,max=200"`
	Type             string                 `validate:"required"`
	Targets          []string               `validate:"required,min=1,dive,required"`
	Converters       []domain.ConverterSpec `validate:"dive"`
	Scorers          []string               `validate:"dive,required"`
	Dataset          domain.DatasetRef
	MaxIterations    int    `validate:"min=1,max=1000"`
	ConcurrentLimit  int    `validate:"min=1,max=20"`
	SuccessThreshold string `validate:"omitempty,oneof=low medium high critical"`
	Planner          string
	ActorID          string `validate:"required"`
}

// TargetChecker is the slice of the target catalog the registry needs.
type TargetChecker interface {
	Has(id string) bool
}

// Registry validates orchestrator configs and owns their persistence. Engine
// strategies are registered through it so an orchestrator type is only
// creatable once a strategy backs it.
type Registry struct {
	Engine   *engine.Engine
	Targets  TargetChecker
	Now      func() time.Time
	validate *validator.Validate
}

func New(eng *engine.Engine, targets TargetChecker) *Registry {
	return &Registry{
		Engine:   eng,
		Targets:  targets,
		Now:      time.Now,
		validate: validator.New(),
	}
}

// Register binds an orchestrator type name to an engine strategy factory.
func (r *Registry) Register(typ string, f engine.StrategyFactory) {
	r.Engine.RegisterStrategy(typ, f)
}

// Create validates and persists a new orchestrator. The returned config is
// immutable except for enable/disable.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (domain.Orchestrator, error) {
	if opts.MaxIterations == 0 {
		opts.MaxIterations = 1
	}
	if opts.ConcurrentLimit == 0 {
		opts.ConcurrentLimit = 5
	}
	if err := r.validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return domain.Orchestrator{}, validationErrorf("field %s failed %s validation", f.Field(), f.Tag())
		}
		return domain.Orchestrator{}, ValidationError{Msg: err.Error()}
	}
	if !r.Engine.HasStrategy(opts.Type) {
		return domain.Orchestrator{}, validationErrorf("unknown orchestrator type %q", opts.Type)
	}
	for _, t := range opts.Targets {
		if !r.Targets.Has(t) {
			return domain.Orchestrator{}, validationErrorf("unknown target %q", t)
		}
	}
	for _, c := range opts.Converters {
		if !r.Engine.Converters.Has(c.Name) {
			return domain.Orchestrator{}, validationErrorf("unknown converter %q", c.Name)
		}
	}
	for _, s := range opts.Scorers {
		if !r.Engine.Scorers.Has(s) {
			return domain.Orchestrator{}, validationErrorf("unknown scorer %q", s)
		}
	}
	if len(opts.Dataset.Prompts) == 0 && opts.Dataset.File == "" {
		return domain.Orchestrator{}, validationErrorf("dataset requires prompts or a file reference")
	}
	if !engine.HasPlanner(opts.Planner) {
		return domain.Orchestrator{}, validationErrorf("unknown planner %q", opts.Planner)
	}
	// Converter parameters are checked by building the pipeline once, so a
	// malformed stage is caught here instead of mid-execution.
	if _, err := r.Engine.Converters.Build(opts.Converters); err != nil {
		return domain.Orchestrator{}, ValidationError{Msg: err.Error()}
	}

	now := r.Now().UTC().Format(time.RFC3339)
	o := domain.Orchestrator{
		ID:               uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Name+"|"+now)).String(),
		Name:             opts.Name,
		Type:             opts.Type,
		Targets:          opts.Targets,
		Converters:       opts.Converters,
		Scorers:          opts.Scorers,
		Dataset:          opts.Dataset,
		MaxIterations:    opts.MaxIterations,
		ConcurrentLimit:  opts.ConcurrentLimit,
		SuccessThreshold: opts.SuccessThreshold,
		Planner:          opts.Planner,
		Enabled:          true,
		OwnerID:          opts.ActorID,
		CreatedAt:        now,
	}
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := r.Engine.Repo.InsertOrchestrator(ctx, tx, o); err != nil {
		return o, fmt.Errorf("insert orchestrator: %w", err)
	}
	if err := r.Engine.Events.Append(ctx, tx, "orchestrator.created", "orchestrator", o.ID, opts.ActorID, events.EventPayload{
		"name": o.Name,
		"type": o.Type,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

func (r *Registry) Get(ctx context.Context, id string) (domain.Orchestrator, error) {
	return r.Engine.Repo.GetOrchestrator(ctx, id)
}

func (r *Registry) List(ctx context.Context, f repo.OrchestratorFilters) ([]domain.Orchestrator, error) {
	return r.Engine.Repo.ListOrchestrators(ctx, f)
}

// SetEnabled toggles the only mutable orchestrator field.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool, actorID string) (domain.Orchestrator, error) {
	o, err := r.Engine.Repo.GetOrchestrator(ctx, id)
	if err != nil {
		return o, err
	}
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := r.Engine.Repo.SetOrchestratorEnabled(ctx, tx, id, enabled); err != nil {
		return o, err
	}
	evt := "orchestrator.disabled"
	if enabled {
		evt = "orchestrator.enabled"
	}
	if err := r.Engine.Events.Append(ctx, tx, evt, "orchestrator", id, actorID, nil); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.Enabled = enabled
	return o, nil
}
