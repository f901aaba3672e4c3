package api

import "github.com/samcharles93/seqgen/internal/store"

// GenerationRequest is the body of POST /v1/generations. Pointer fields
// tell "unset" from zero.
type GenerationRequest struct {
	Prompts            [][]int32 `json:"prompts,omitempty"`
	NumBeams           *int      `json:"num_beams,omitempty"`
	MaxLength          *int      `json:"max_length,omitempty"`
	MaxNewTokens       *int      `json:"max_new_tokens,omitempty"`
	MinLength          *int      `json:"min_length,omitempty"`
	EOS                []int32   `json:"eos_token_ids,omitempty"`
	StopSequences      [][]int32 `json:"stop_sequences,omitempty"`
	NumReturnSequences *int      `json:"num_return_sequences,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	TopK               *int      `json:"top_k,omitempty"`
	TopP               *float64  `json:"top_p,omitempty"`
	MinP               *float64  `json:"min_p,omitempty"`
	RepeatPenalty      *float64  `json:"repeat_penalty,omitempty"`
	Seed               *int64    `json:"seed,omitempty"`

	// Options are applied by name after the typed fields.
	Options map[string]float64 `json:"options,omitempty"`

	// AudioFeatures is a flattened [batch × frames × mels] tensor for
	// encoder-decoder models.
	AudioFeatures []float32 `json:"audio_features,omitempty"`
	AudioBatch    int       `json:"audio_batch,omitempty"`

	Stream     bool `json:"stream,omitempty"`
	Background bool `json:"background,omitempty"`
}

// Generation is the API view of a stored record.
type Generation struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	Status      store.Status `json:"status"`
	Background  bool         `json:"background"`
	Family      string       `json:"family,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	CompletedAt *int64       `json:"completed_at,omitempty"`
	Groups      []Group      `json:"groups,omitempty"`
	Stats       *Stats       `json:"stats,omitempty"`
	Error       *ErrorBody   `json:"error,omitempty"`
}

type Group struct {
	Prompt     int          `json:"prompt"`
	Hypotheses []Hypothesis `json:"hypotheses"`
}

type Hypothesis struct {
	Tokens       []int32 `json:"tokens"`
	Generated    []int32 `json:"generated"`
	Score        float64 `json:"score"`
	FinishReason string  `json:"finish_reason"`
	Slot         int     `json:"slot"`
}

type Stats struct {
	Steps           int     `json:"steps"`
	TokensGenerated int     `json:"tokens_generated"`
	Anomalies       int     `json:"anomalies"`
	DurationMS      float64 `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// resultPayload is what a record's Result column holds.
type resultPayload struct {
	Family string  `json:"family"`
	Groups []Group `json:"groups"`
	Stats  Stats   `json:"stats"`
}

type GenerationList struct {
	Object string       `json:"object"`
	Data   []Generation `json:"data"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelInfo struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Family    string `json:"family"`
	Backend   string `json:"backend"`
	Device    string `json:"device"`
	Precision string `json:"precision"`
	VocabSize int    `json:"vocab_size"`
	MaxLength int    `json:"max_length"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// StepEvent is one SSE frame of a streamed generation.
type StepEvent struct {
	Type           string      `json:"type"`
	SequenceNumber int         `json:"sequence_number"`
	Step           int         `json:"step,omitempty"`
	Tokens         []int32     `json:"tokens,omitempty"`
	Generation     *Generation `json:"generation,omitempty"`
}
