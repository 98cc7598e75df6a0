package types

import "time"

// Mode selects how a question is processed.
type Mode string

const (
	// ModeSingleStrategy runs one retrieval strategy and returns raw evidence.
	ModeSingleStrategy Mode = "single_strategy"
	// ModeSingleAgent runs classify -> retrieve -> one LLM answer.
	ModeSingleAgent Mode = "single_agent"
	// ModeMultiAgent runs the full research/writing/synthesis pipeline.
	ModeMultiAgent Mode = "multi_agent"
)

// AgentQuery is the immutable input to the pipeline.
type AgentQuery struct {
	Question string `json:"question"`
	Mode     Mode   `json:"mode"`
}

// CitationType distinguishes internal churn evidence from external sources.
type CitationType string

const (
	CitationUseCase  CitationType = "use_case"
	CitationExternal CitationType = "external_source"
)

// Citation links a claim in the answer back to a piece of evidence.
// Locator is "doc:<document_id>#<chunk_id>" for internal evidence and the
// URL for external sources.
type Citation struct {
	ID       string       `json:"citation_id"`
	Type     CitationType `json:"type"`
	SourceID string       `json:"source_id"`
	Excerpt  string       `json:"excerpt,omitempty"`
	Locator  string       `json:"locator"`
}

// StageEvent is one entry of a response's processing trace.
type StageEvent struct {
	Stage      string        `json:"stage"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Warning    string        `json:"warning,omitempty"`
	FailedWith string        `json:"failed_with,omitempty"`
}

// Response is the final output for one query.
type Response struct {
	Answer     string       `json:"answer"`
	Citations  []Citation   `json:"citations,omitempty"`
	Confidence float64      `json:"confidence_score"`
	StageTrace []StageEvent `json:"stage_trace,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	RequestID  string       `json:"request_id,omitempty"`
}
