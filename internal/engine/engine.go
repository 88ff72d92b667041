package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"redline/internal/config"
	"redline/internal/convert"
	"redline/internal/dataset"
	"redline/internal/domain"
	"redline/internal/events"
	"redline/internal/repo"
	"redline/internal/score"
	"redline/internal/target"
)

// Engine coordinates executions: it owns the state machine, the worker pool
// and the append-only memory store writes. Collaborators are injected;
// there is no process-wide singleton.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Targets    target.Resolver
	Datasets   dataset.Source
	Converters *convert.Registry
	Scorers    *score.Registry
	Client     *target.Client
	Now        func() time.Time

	strategies map[string]StrategyFactory
}

func New(db *sql.DB, cfg *config.Config, targets target.Resolver, datasets dataset.Source) *Engine {
	e := &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Targets:    targets,
		Datasets:   datasets,
		Converters: convert.NewRegistry(),
		Scorers:    score.NewRegistry(),
		Client:     target.NewClient(cfg.Retry),
		Now:        time.Now,
	}
	e.strategies = map[string]StrategyFactory{}
	registerBuiltinStrategies(e)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RegisterStrategy binds an orchestrator type name to a strategy factory. The
// registry calls this once per known type at startup.
func (e *Engine) RegisterStrategy(typ string, f StrategyFactory) {
	e.strategies[typ] = f
}

// HasStrategy reports whether an orchestrator type is known.
func (e *Engine) HasStrategy(typ string) bool {
	_, ok := e.strategies[typ]
	return ok
}

// StrategyNames lists the registered orchestrator types, sorted.
func (e *Engine) StrategyNames() []string {
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) strategyFor(o domain.Orchestrator) (Strategy, error) {
	f, ok := e.strategies[o.Type]
	if !ok {
		return nil, fmt.Errorf("unknown orchestrator type %q", o.Type)
	}
	return f(o)
}

// transition validates and persists one state-machine step together with its
// audit event. Validation runs against the committed row inside the
// transaction: a caller holding a stale copy cannot move an execution that
// already reached a terminal status. The caller's Execution is replaced with
// the stored row on success.
func (e *Engine) transition(ctx context.Context, exec *domain.Execution, newStatus, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	current, err := e.Repo.GetExecutionForUpdate(ctx, tx, exec.ID)
	if err != nil {
		return err
	}
	if err := ensureExecutionTransition(current.Status, newStatus); err != nil {
		return err
	}
	old := current.Status
	current.Status = newStatus
	current.Error = exec.Error
	now := e.now().UTC().Format(time.RFC3339)
	if newStatus == StatusRunning && current.StartedAt == nil {
		current.StartedAt = &now
	}
	if IsTerminal(newStatus) {
		current.CompletedAt = &now
	}
	if err := e.Repo.UpdateExecutionStatus(ctx, tx, current); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = old
	payload["to"] = newStatus
	if actorID == "" {
		actorID = current.OwnerID
	}
	if err := e.Events.Append(ctx, tx, "execution."+newStatus, "execution", current.ID, actorID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	*exec = current
	return nil
}

// recordPiece appends one conversation piece plus its scores and bumps the
// summary counters, all in one transaction. Pieces are committed data from
// this point on; nothing in the engine deletes them.
func (e *Engine) recordPiece(ctx context.Context, p domain.ConversationPiece, scores []domain.Score) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPiece(ctx, tx, p); err != nil {
		return fmt.Errorf("insert piece: %w", err)
	}
	for _, s := range scores {
		if err := e.Repo.InsertScore(ctx, tx, s); err != nil {
			return fmt.Errorf("insert score: %w", err)
		}
	}
	succeeded, failed := 1, 0
	if p.Error != nil {
		succeeded, failed = 0, 1
	}
	if err := e.Repo.BumpExecutionCounters(ctx, tx, p.ExecutionID, succeeded, failed); err != nil {
		return err
	}
	return tx.Commit()
}

// GetExecution returns one execution row.
func (e *Engine) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return e.Repo.GetExecution(ctx, id)
}

// CancelPending moves a never-started execution straight to cancelled.
func (e *Engine) CancelPending(ctx context.Context, id, actorID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		return exec, err
	}
	if exec.Status != StatusPending {
		return exec, fmt.Errorf("execution %s is %s, not pending", id, exec.Status)
	}
	if err := e.transition(ctx, &exec, StatusCancelled, actorID, nil); err != nil {
		return exec, err
	}
	return exec, nil
}

var ErrDisabled = errors.New("orchestrator is disabled")

// newID returns a fresh UUIDv4 string.
func newID() string {
	return uuid.New().String()
}
