package server

import (
	"redline/internal/domain"
	"redline/internal/export"
)

// Request payloads

type CreateOrchestratorRequest struct {
	Name             string                 `json:"name"`
	Type             string                 `json:"type" enum:"single_turn,multi_turn"`
	Targets          []string               `json:"targets"`
	Converters       []domain.ConverterSpec `json:"converters,omitempty"`
	Scorers          []string               `json:"scorers,omitempty"`
	Dataset          domain.DatasetRef      `json:"dataset"`
	MaxIterations    int                    `json:"max_iterations,omitempty"`
	ConcurrentLimit  int                    `json:"concurrent_limit,omitempty"`
	SuccessThreshold string                 `json:"success_threshold,omitempty" enum:"low,medium,high,critical"`
	Planner          string                 `json:"planner,omitempty"`
}

type StartExecutionRequest struct {
	Labels        map[string]string `json:"labels,omitempty"`
	BudgetSeconds int               `json:"budget_seconds,omitempty"`
	SavePartial   *bool             `json:"save_partial_results,omitempty"`
}

type StopExecutionRequest struct {
	Force bool `json:"force,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type OrchestratorResponse struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Type             string                 `json:"type" enum:"single_turn,multi_turn"`
	Targets          []string               `json:"targets"`
	Converters       []domain.ConverterSpec `json:"converters,omitempty"`
	Scorers          []string               `json:"scorers,omitempty"`
	Dataset          domain.DatasetRef      `json:"dataset"`
	MaxIterations    int                    `json:"max_iterations"`
	ConcurrentLimit  int                    `json:"concurrent_limit"`
	SuccessThreshold string                 `json:"success_threshold,omitempty" enum:"low,medium,high,critical"`
	Planner          string                 `json:"planner,omitempty"`
	Enabled          bool                   `json:"enabled"`
	OwnerID          string                 `json:"owner_id"`
	CreatedAt        string                 `json:"created_at" format:"date-time"`
}

type ExecutionResponse struct {
	ID             string  `json:"id"`
	OrchestratorID string  `json:"orchestrator_id"`
	Status         string  `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Error          string  `json:"error,omitempty"`
	SavePartial    bool    `json:"save_partial_results"`
	OwnerID        string  `json:"owner_id"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type PieceResponse struct {
	ID              string            `json:"id"`
	ExecutionID     string            `json:"execution_id"`
	ConversationID  string            `json:"conversation_id"`
	Sequence        int               `json:"sequence"`
	OriginalPrompt  string            `json:"original_prompt"`
	ConvertedPrompt string            `json:"converted_prompt"`
	Response        *string           `json:"response,omitempty"`
	ResponseAt      *string           `json:"response_at,omitempty" format:"date-time"`
	ResponseTimeMS  int64             `json:"response_time_ms"`
	RetryCount      int               `json:"retry_count"`
	Error           *string           `json:"error,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
}

type ScoreResponse struct {
	ID         string  `json:"id"`
	PieceID    string  `json:"piece_id"`
	ScorerName string  `json:"scorer_name"`
	Value      float64 `json:"value"`
	Category   string  `json:"category" enum:"low,medium,high,critical"`
	Rationale  string  `json:"rationale,omitempty"`
	ProducedAt string  `json:"produced_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type CatalogResponse struct {
	Strategies []string `json:"strategies"`
	Converters []string `json:"converters"`
	Scorers    []string `json:"scorers"`
	Planners   []string `json:"planners"`
	Targets    []string `json:"targets"`
}

type ResultsResponse struct {
	ExecutionID string       `json:"execution_id"`
	Rows        []export.Row `json:"rows"`
}

type paginatedOrchestrators struct {
	Items      []OrchestratorResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedExecutions struct {
	Items      []ExecutionResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedPieces struct {
	Items      []PieceResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func orchestratorResponse(o domain.Orchestrator) OrchestratorResponse {
	return OrchestratorResponse{
		ID:               o.ID,
		Name:             o.Name,
		Type:             o.Type,
		Targets:          nonNilSlice(o.Targets),
		Converters:       o.Converters,
		Scorers:          o.Scorers,
		Dataset:          o.Dataset,
		MaxIterations:    o.MaxIterations,
		ConcurrentLimit:  o.ConcurrentLimit,
		SuccessThreshold: o.SuccessThreshold,
		Planner:          o.Planner,
		Enabled:          o.Enabled,
		OwnerID:          o.OwnerID,
		CreatedAt:        o.CreatedAt,
	}
}

func executionResponse(x domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             x.ID,
		OrchestratorID: x.OrchestratorID,
		Status:         x.Status,
		Total:          x.Total,
		Succeeded:      x.Succeeded,
		Failed:         x.Failed,
		Error:          x.Error,
		SavePartial:    x.SavePartial,
		OwnerID:        x.OwnerID,
		StartedAt:      x.StartedAt,
		CompletedAt:    x.CompletedAt,
		CreatedAt:      x.CreatedAt,
	}
}

func pieceResponse(p domain.ConversationPiece) PieceResponse {
	return PieceResponse{
		ID:              p.ID,
		ExecutionID:     p.ExecutionID,
		ConversationID:  p.ConversationID,
		Sequence:        p.Sequence,
		OriginalPrompt:  p.OriginalPrompt,
		ConvertedPrompt: p.ConvertedPrompt,
		Response:        p.Response,
		ResponseAt:      p.ResponseAt,
		ResponseTimeMS:  p.ResponseTimeMS,
		RetryCount:      p.RetryCount,
		Error:           p.Error,
		Labels:          p.Labels,
		CreatedAt:       p.CreatedAt,
	}
}

func scoreResponse(s domain.Score) ScoreResponse {
	return ScoreResponse(s)
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse(evt)
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
