package domain

// Orchestrator is a reusable attack configuration: how prompts are transformed,
// where they are sent, and how responses are judged. Core fields are immutable
// after creation; only Enabled may change.
type Orchestrator struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Type             string          `json:"type" enum:"single_turn,multi_turn"`
	Targets          []string        `json:"targets"`
	Converters       []ConverterSpec `json:"converters,omitempty"`
	Scorers          []string        `json:"scorers,omitempty"`
	Dataset          DatasetRef      `json:"dataset"`
	MaxIterations    int             `json:"max_iterations"`
	ConcurrentLimit  int             `json:"concurrent_limit"`
	SuccessThreshold string          `json:"success_threshold,omitempty" enum:"low,medium,high,critical"`
	Planner          string          `json:"planner,omitempty"`
	Enabled          bool            `json:"enabled"`
	OwnerID          string          `json:"owner_id"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
}

// ConverterSpec names one converter stage plus its parameters.
type ConverterSpec struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// DatasetRef points at a prompt source: either an inline prompt list or a
// dataset file resolved by the dataset collaborator, optionally sampled.
type DatasetRef struct {
	Prompts    []string `json:"prompts,omitempty"`
	File       string   `json:"file,omitempty"`
	SampleSize int      `json:"sample_size,omitempty"`
}

type Execution struct {
	ID             string  `json:"id"`
	OrchestratorID string  `json:"orchestrator_id"`
	Status         string  `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	InputJSON      string  `json:"input_json,omitempty"`
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

// ConversationPiece is one prompt/response record, the atomic unit of the
// audit trail. Append-only: rows are never updated or deleted by the engine.
type ConversationPiece struct {
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
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
}

type Score struct {
	ID         string  `json:"id"`
	PieceID    string  `json:"piece_id"`
	ScorerName string  `json:"scorer_name"`
	Value      float64 `json:"value"`
	Category   string  `json:"category" enum:"low,medium,high,critical"`
	Rationale  string  `json:"rationale,omitempty"`
	ProducedAt string  `json:"produced_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
