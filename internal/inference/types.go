package inference

import (
	"time"

	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/search"
)

// Request is one generation call. The orchestrator never modifies it.
type Request struct {
	Prompts [][]int32

	// NumBeams is the beam width. 0 and 1 both mean a single beam,
	// decoded greedily or by sampling.
	NumBeams int

	// MaxLength bounds each sequence, prompt included. When zero it is
	// derived from MaxNewTokens, then from the model config.
	MaxLength    int
	MaxNewTokens int
	MinLength    int

	// EOS defaults to the model's end-of-sequence ids when nil.
	EOS                []int32
	StopSequences      [][]int32
	NumReturnSequences int

	// Temperature > 0 enables sampling; only valid with one beam.
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	Seed          int64

	// Audio carries encoder features for encoder-decoder models.
	Audio      *device.Buffer
	AudioBatch int
}

// Stats summarises one generation.
type Stats struct {
	Steps           int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
	Anomalies       int
}

// Result holds every prompt's hypotheses, best first.
type Result struct {
	Groups []search.Group
	Stats  Stats
}
