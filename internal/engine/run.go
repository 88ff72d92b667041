package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"redline/internal/convert"
	"redline/internal/domain"
	"redline/internal/events"
	"redline/internal/score"
	"redline/internal/target"
)

// The failure-ratio breaker needs a few data points before it may trip,
// otherwise a single early error on a small run reads as a majority.
const failureRatioMinAttempts = 4

// RunOptions parameterize one execution of an orchestrator.
type RunOptions struct {
	ActorID       string
	Labels        map[string]string
	BudgetSeconds int
	// SavePartial defaults to true; pieces written before a stop are kept.
	SavePartial *bool
}

// Run is one prepared execution: config resolved, input snapshotted, ready to
// execute. It owns the execution row until a terminal status is reached.
type Run struct {
	eng      *Engine
	exec     domain.Execution
	orch     domain.Orchestrator
	strategy Strategy
	pipeline convert.Pipeline
	scorers  []score.Scorer
	refs     map[string]target.Ref
	convs    []*Conversation
	labels   map[string]string
	budget   time.Duration
	ctrl     *Controller

	succeeded atomic.Int64
	failed    atomic.Int64

	fatalMu  sync.Mutex
	fatalErr error
}

// Prepare validates an orchestrator against its collaborators, snapshots the
// prompt list, and creates the execution record in pending state. Validation
// failures here never produce an execution row.
func (e *Engine) Prepare(ctx context.Context, orchestratorID string, opts RunOptions) (*Run, error) {
	orch, err := e.Repo.GetOrchestrator(ctx, orchestratorID)
	if err != nil {
		return nil, err
	}
	if !orch.Enabled {
		return nil, ErrDisabled
	}
	strategy, err := e.strategyFor(orch)
	if err != nil {
		return nil, err
	}
	pipeline, err := e.Converters.Build(orch.Converters)
	if err != nil {
		return nil, err
	}
	scorers, err := e.Scorers.Resolve(orch.Scorers)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]target.Ref, len(orch.Targets))
	for _, t := range orch.Targets {
		ref, err := e.Targets.Resolve(t)
		if err != nil {
			return nil, err
		}
		refs[t] = ref
	}
	prompts, err := e.Datasets.Prompts(orch.Dataset)
	if err != nil {
		return nil, err
	}

	// One conversation per prompt per target, each pinned to its target.
	var convs []*Conversation
	for _, tgt := range orch.Targets {
		for _, p := range prompts {
			convs = append(convs, &Conversation{ID: newID(), Seed: p, Target: tgt})
		}
	}

	input, err := json.Marshal(map[string]any{"prompts": prompts, "targets": orch.Targets})
	if err != nil {
		return nil, err
	}
	savePartial := true
	if opts.SavePartial != nil {
		savePartial = *opts.SavePartial
	}
	now := e.now().UTC().Format(time.RFC3339)
	exec := domain.Execution{
		ID:             newID(),
		OrchestratorID: orch.ID,
		Status:         StatusPending,
		InputJSON:      string(input),
		Total:          len(convs) * strategy.MaxTurns(),
		SavePartial:    savePartial,
		OwnerID:        opts.ActorID,
		CreatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "execution.created", "execution", exec.ID, opts.ActorID, events.EventPayload{
		"orchestrator_id": orch.ID,
		"total":           exec.Total,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	budget := time.Duration(opts.BudgetSeconds) * time.Second
	if budget == 0 && e.Config.Engine.BudgetSeconds > 0 {
		budget = time.Duration(e.Config.Engine.BudgetSeconds) * time.Second
	}
	return &Run{
		eng:      e,
		exec:     exec,
		orch:     orch,
		strategy: strategy,
		pipeline: pipeline,
		scorers:  scorers,
		refs:     refs,
		convs:    convs,
		labels:   opts.Labels,
		budget:   budget,
		ctrl:     newController(exec.ID),
	}, nil
}

// Controller returns the pause/stop handle for this run.
func (r *Run) Controller() *Controller { return r.ctrl }

// Execution returns the execution record as of the last transition.
func (r *Run) Execution() domain.Execution { return r.exec }

// Execute drives the execution to a terminal status. It blocks until all
// workers have drained; use the Controller from other goroutines for
// pause/stop. The returned execution always carries a terminal status and a
// coherent summary.
func (r *Run) Execute(ctx context.Context) (domain.Execution, error) {
	defer r.ctrl.finish()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.budget > 0 {
		var cancelBudget context.CancelFunc
		runCtx, cancelBudget = context.WithTimeout(runCtx, r.budget)
		defer cancelBudget()
	}
	// Force-stop abandons in-flight calls by cancelling their context.
	go func() {
		select {
		case <-r.ctrl.abortCh:
			cancel()
		case <-r.ctrl.done:
		}
	}()

	if err := r.eng.transition(ctx, &r.exec, StatusRunning, r.exec.OwnerID, nil); err != nil {
		return r.exec, err
	}

	convCh := make(chan *Conversation)
	var wg sync.WaitGroup
	for i := 0; i < r.orch.ConcurrentLimit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conv := range convCh {
				r.runConversation(runCtx, conv)
			}
		}()
	}
feed:
	for _, conv := range r.convs {
		if r.fatal() != nil {
			break
		}
		select {
		case convCh <- conv:
		case <-r.ctrl.stopCh:
			break feed
		case <-runCtx.Done():
			break feed
		}
	}
	close(convCh)
	wg.Wait()

	return r.finalize(runCtx)
}

// finalize picks the terminal status. Fatal conditions outrank stop requests,
// which outrank normal completion. The caller's context may already be
// cancelled when we get here, and the terminal transition must still commit,
// so the write runs on a detached context.
func (r *Run) finalize(runCtx context.Context) (domain.Execution, error) {
	ctx := context.Background()

	status := StatusCompleted
	payload := events.EventPayload{
		"succeeded": r.succeeded.Load(),
		"failed":    r.failed.Load(),
	}
	switch {
	case r.fatal() != nil:
		status = StatusFailed
		r.exec.Error = r.fatal().Error()
	case r.budget > 0 && runCtx.Err() == context.DeadlineExceeded:
		status = StatusFailed
		r.exec.Error = "execution budget exceeded"
	case r.ctrl.Stopping() || runCtx.Err() != nil:
		status = StatusCancelled
	}
	if err := r.eng.transition(ctx, &r.exec, status, r.exec.OwnerID, payload); err != nil {
		return r.exec, err
	}
	return r.exec, nil
}

func (r *Run) runConversation(ctx context.Context, conv *Conversation) {
	for {
		if err := r.ctrl.gate.wait(ctx, r.ctrl.stopCh); err != nil {
			return
		}
		if r.fatal() != nil || r.strategy.Done(conv) {
			return
		}
		prompt, ok := r.strategy.NextPrompt(conv)
		if !ok {
			return
		}
		if !r.processTurn(ctx, conv, prompt) {
			return
		}
	}
}

// processTurn executes one prompt end to end: convert, send, score, record.
// It returns false when the turn was abandoned (force stop or budget expiry)
// and nothing was written.
func (r *Run) processTurn(ctx context.Context, conv *Conversation, prompt string) bool {
	seq := len(conv.Turns)
	piece := domain.ConversationPiece{
		ID:             newID(),
		ExecutionID:    r.exec.ID,
		ConversationID: conv.ID,
		Sequence:       seq,
		OriginalPrompt: prompt,
		Labels:         r.pieceLabels(conv),
		CreatedAt:      r.eng.now().UTC().Format(time.RFC3339),
	}

	converted, err := r.pipeline.Apply(prompt)
	if err != nil {
		msg := "pipeline: " + err.Error()
		piece.ConvertedPrompt = prompt
		piece.Error = &msg
		r.record(piece, nil)
		conv.Turns = append(conv.Turns, Turn{Prompt: prompt, Errored: true})
		return true
	}
	piece.ConvertedPrompt = converted

	ref := r.refs[conv.Target]
	res, err := r.eng.Client.Send(ctx, ref, converted, r.ctrl.stopCh)
	piece.RetryCount = res.Retries
	if err != nil {
		// An abandoned in-flight call leaves no trace: its eventual
		// response, if any, is discarded.
		if ctx.Err() != nil {
			return false
		}
		msg := err.Error()
		piece.Error = &msg
		r.record(piece, nil)
		conv.Turns = append(conv.Turns, Turn{Prompt: prompt, Errored: true})
		return true
	}

	now := r.eng.now().UTC().Format(time.RFC3339)
	piece.Response = &res.Text
	piece.ResponseAt = &now
	piece.ResponseTimeMS = res.LatencyMS

	var rows []domain.Score
	severity := domain.SeverityLow
	for _, sc := range score.RunAll(ctx, r.scorers, converted, res.Text) {
		if sc.Err != nil {
			// A failing scorer must not sink the piece; the response stands.
			continue
		}
		rows = append(rows, domain.Score{
			ID:         newID(),
			PieceID:    piece.ID,
			ScorerName: sc.Scorer,
			Value:      sc.Result.Value,
			Category:   sc.Result.Category.String(),
			Rationale:  sc.Result.Rationale,
			ProducedAt: now,
		})
		if sc.Result.Category > severity {
			severity = sc.Result.Category
		}
	}
	r.record(piece, rows)
	conv.Turns = append(conv.Turns, Turn{Prompt: prompt, Response: res.Text, Severity: severity})
	return true
}

func (r *Run) record(p domain.ConversationPiece, scores []domain.Score) {
	if err := r.eng.recordPiece(context.Background(), p, scores); err != nil {
		// Losing the audit trail is unrecoverable for this execution.
		r.setFatal(fmt.Errorf("memory store append: %w", err))
		return
	}
	if p.Error != nil {
		r.failed.Add(1)
	} else {
		r.succeeded.Add(1)
	}
	r.checkFailureRatio()
}

func (r *Run) checkFailureRatio() {
	attempted := r.succeeded.Load() + r.failed.Load()
	if attempted < failureRatioMinAttempts {
		return
	}
	ratio := float64(r.failed.Load()) / float64(attempted)
	if ratio > r.eng.Config.Engine.FailureRatio {
		r.setFatal(fmt.Errorf("failure ratio %.2f exceeds threshold %.2f", ratio, r.eng.Config.Engine.FailureRatio))
	}
}

func (r *Run) setFatal(err error) {
	r.fatalMu.Lock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	r.fatalMu.Unlock()
	// Halt remaining dispatch; finalize maps fatal to the failed status.
	r.ctrl.Stop(false)
}

func (r *Run) fatal() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatalErr
}

func (r *Run) pieceLabels(conv *Conversation) map[string]string {
	labels := map[string]string{"target": conv.Target}
	for k, v := range r.labels {
		labels[k] = v
	}
	return labels
}
